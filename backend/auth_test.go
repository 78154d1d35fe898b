// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"testing"

	"github.com/c2FmZQ/storage"
)

func TestNormalizeEmail(t *testing.T) {
	cases := []struct{ in, want string }{
		{"User@Example.COM", "user@example.com"},
		{"  user@example.com \n", "user@example.com"},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeEmail(c.in); got != c.want {
			t.Errorf("normalizeEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMaskEmail(t *testing.T) {
	cases := []struct{ in, want string }{
		{"user@example.com", "u***@example.com"},
		{"a@b.c", "a***@b.c"},
		{"", "<empty>"},
		{"not-an-email", "****"},
		{"@example.com", "****"},
	}
	for _, c := range cases {
		if got := maskEmail(c.in); got != c.want {
			t.Errorf("maskEmail(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestGetRosterAccess(t *testing.T) {
	ro := &Roster{
		ID:      "team-1",
		OwnerID: "Owner@Example.com",
		Roles: RosterRoles{
			Admins:     []string{"admin@example.com"},
			Scorers:    []string{"scorer@example.com"},
			Spectators: []string{"fan@example.com"},
		},
	}

	cases := []struct {
		user string
		want AccessLevel
	}{
		{"owner@example.com", AccessAdmin},
		{"admin@example.com", AccessAdmin},
		{"ADMIN@example.com", AccessAdmin},
		{"scorer@example.com", AccessWrite},
		{"fan@example.com", AccessRead},
		{"stranger@example.com", AccessNone},
		{"", AccessNone},
	}
	for _, c := range cases {
		if got := GetRosterAccess(c.user, ro); got != c.want {
			t.Errorf("GetRosterAccess(%q) = %d, want %d", c.user, got, c.want)
		}
	}
}

func TestGetMatchAccess(t *testing.T) {
	tmpDir := t.TempDir()
	st := storage.New(tmpDir, nil)
	rs := NewRosterStore(tmpDir, st)

	if err := rs.SaveRoster(&Roster{
		ID: "home-team", Name: "Lions", OwnerID: "captain@example.com",
		Roles: RosterRoles{Scorers: []string{"home-scorer@example.com"}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := rs.SaveRoster(&Roster{
		ID: "away-team", Name: "Tigers", OwnerID: "skipper@example.com",
		Roles: RosterRoles{Spectators: []string{"away-fan@example.com"}},
	}); err != nil {
		t.Fatal(err)
	}

	m := &Match{
		ID:         "00000000-0000-0000-0000-000000000001",
		OwnerID:    "owner@example.com",
		HomeTeamID: "home-team",
		AwayTeamID: "away-team",
		Permissions: Permissions{
			Users: map[string]string{
				"Editor@Example.com": "write",
				"viewer@example.com": "read",
			},
		},
	}

	cases := []struct {
		name string
		user string
		want AccessLevel
	}{
		{"owner", "owner@example.com", AccessAdmin},
		{"direct write, mixed case", "editor@example.com", AccessWrite},
		{"direct read", "viewer@example.com", AccessRead},
		{"home roster owner", "captain@example.com", AccessAdmin},
		{"home roster scorer", "home-scorer@example.com", AccessWrite},
		{"away roster spectator", "away-fan@example.com", AccessRead},
		{"stranger", "stranger@example.com", AccessNone},
		{"anonymous", "", AccessNone},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := GetMatchAccess(c.user, m, rs); got != c.want {
				t.Fatalf("GetMatchAccess(%q) = %d, want %d", c.user, got, c.want)
			}
		})
	}

	// Public read is the fallback when nothing else grants access.
	m.Permissions.Public = "read"
	if got := GetMatchAccess("stranger@example.com", m, rs); got != AccessRead {
		t.Fatalf("public match should grant read, got %d", got)
	}
	if got := GetMatchAccess("", m, rs); got != AccessRead {
		t.Fatalf("public match should grant anonymous read, got %d", got)
	}
}
