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
	"github.com/google/uuid"
)

func newTestRegistry(t *testing.T) (*Registry, *MatchStore, *RosterStore) {
	t.Helper()
	tmpDir := t.TempDir()
	st := storage.New(tmpDir, nil)
	ms := NewMatchStore(tmpDir, st)
	rs := NewRosterStore(tmpDir, st)
	r := NewRegistry(ms, rs)
	t.Cleanup(r.StopGC)
	return r, ms, rs
}

func TestRegistry_ListMatches(t *testing.T) {
	r, ms, _ := newTestRegistry(t)

	owned := &Match{ID: uuid.NewString(), Status: MatchStatusLive, OwnerID: "alice@example.com",
		Format: FormatT20, Date: "2026-08-01", Venue: "Lord's"}
	public := &Match{ID: uuid.NewString(), Status: MatchStatusCompleted, OwnerID: "bob@example.com",
		Format: FormatODI, Date: "2026-08-02",
		Permissions: Permissions{Public: "read"}}
	private := &Match{ID: uuid.NewString(), Status: MatchStatusLive, OwnerID: "bob@example.com",
		Format: FormatT20, Date: "2026-08-03"}

	for _, m := range []*Match{owned, public, private} {
		m.normalize()
		if err := ms.SaveMatch(m); err != nil {
			t.Fatal(err)
		}
		r.UpdateMatch(m)
	}

	ids := r.ListMatches("alice@example.com", "", "")
	if len(ids) != 2 {
		t.Fatalf("expected owned+public, got %v", ids)
	}
	// Newest first.
	if ids[0] != public.ID || ids[1] != owned.ID {
		t.Fatalf("expected date-descending order, got %v", ids)
	}

	// Status filter.
	ids = r.ListMatches("alice@example.com", MatchStatusLive, "")
	if len(ids) != 1 || ids[0] != owned.ID {
		t.Fatalf("expected only the live owned match, got %v", ids)
	}

	// Query filter.
	ids = r.ListMatches("alice@example.com", "", "lord")
	if len(ids) != 1 || ids[0] != owned.ID {
		t.Fatalf("expected venue match, got %v", ids)
	}

	// Strangers see only the public match.
	ids = r.ListMatches("carol@example.com", "", "")
	if len(ids) != 1 || ids[0] != public.ID {
		t.Fatalf("expected only public, got %v", ids)
	}
}

func TestRegistry_AccessLevels(t *testing.T) {
	r, ms, rs := newTestRegistry(t)

	team := uuid.NewString()
	if err := rs.SaveRoster(&Roster{
		ID: team, Name: "Lions", OwnerID: "captain@example.com",
		Roles: RosterRoles{
			Scorers:    []string{"scorer@example.com"},
			Spectators: []string{"fan@example.com"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	m := &Match{ID: uuid.NewString(), Status: MatchStatusLive, OwnerID: "owner@example.com",
		HomeTeamID: team, AwayTeamID: "unrostered",
		Permissions: Permissions{Users: map[string]string{"guest@example.com": "read"}}}
	m.normalize()
	if err := ms.SaveMatch(m); err != nil {
		t.Fatal(err)
	}
	r.UpdateMatch(m)

	cases := []struct {
		user string
		want AccessLevel
	}{
		{"owner@example.com", AccessAdmin},
		{"Owner@Example.com", AccessAdmin}, // emails are case-insensitive
		{"captain@example.com", AccessAdmin},
		{"scorer@example.com", AccessWrite},
		{"fan@example.com", AccessRead},
		{"guest@example.com", AccessRead},
		{"stranger@example.com", AccessNone},
		{"", AccessNone},
	}
	for _, c := range cases {
		if got := r.GetAccessLevel(c.user, m.ID); got != c.want {
			t.Errorf("GetAccessLevel(%q) = %d, want %d", c.user, got, c.want)
		}
	}
}

func TestRegistry_Tombstones(t *testing.T) {
	r, ms, _ := newTestRegistry(t)

	m := &Match{ID: uuid.NewString(), Status: MatchStatusLive, OwnerID: "a@example.com"}
	m.normalize()
	ms.SaveMatch(m)
	r.UpdateMatch(m)

	if !r.MatchExists(m.ID) {
		t.Fatal("match should exist")
	}
	if r.IsMatchDeleted(m.ID) {
		t.Fatal("match should not be a tombstone")
	}

	r.DeleteMatch(m.ID)
	if r.MatchExists(m.ID) {
		t.Fatal("deleted match should not exist")
	}
	if !r.IsMatchDeleted(m.ID) {
		t.Fatal("deleted match should be a known tombstone")
	}
	// Never-seen IDs are neither live nor tombstoned.
	if r.IsMatchDeleted(uuid.NewString()) {
		t.Fatal("unknown ID should not be a tombstone")
	}
	if r.GetAccessLevel("a@example.com", m.ID) != AccessNone {
		t.Fatal("tombstone should grant no access")
	}
}

func TestRegistry_RebuildFromDisk(t *testing.T) {
	tmpDir := t.TempDir()
	st := storage.New(tmpDir, nil)
	ms := NewMatchStore(tmpDir, st)
	rs := NewRosterStore(tmpDir, st)

	m := &Match{ID: uuid.NewString(), Status: MatchStatusLive, OwnerID: "a@example.com"}
	m.normalize()
	ms.SaveMatch(m)
	ro := &Roster{ID: uuid.NewString(), Name: "Lions", OwnerID: "a@example.com"}
	rs.SaveRoster(ro)

	// A registry built later indexes what is already on disk.
	r := NewRegistry(ms, rs)
	defer r.StopGC()

	if !r.MatchExists(m.ID) {
		t.Fatal("rebuild missed the match")
	}
	if !r.RosterExists(ro.ID) {
		t.Fatal("rebuild missed the roster")
	}
	if r.CountTotalMatches() != 1 || r.CountTotalRosters() != 1 {
		t.Fatalf("unexpected counts: %d matches, %d rosters",
			r.CountTotalMatches(), r.CountTotalRosters())
	}
	if r.CountOwnedMatches("a@example.com") != 1 {
		t.Fatal("owned count wrong")
	}
}

func TestRegistry_ListRosters(t *testing.T) {
	r, _, rs := newTestRegistry(t)

	visible := &Roster{ID: uuid.NewString(), Name: "Bears", OwnerID: "alice@example.com"}
	hidden := &Roster{ID: uuid.NewString(), Name: "Ants", OwnerID: "bob@example.com"}
	shared := &Roster{ID: uuid.NewString(), Name: "Crows", OwnerID: "bob@example.com",
		Roles: RosterRoles{Spectators: []string{"alice@example.com"}}}
	for _, ro := range []*Roster{visible, hidden, shared} {
		if err := rs.SaveRoster(ro); err != nil {
			t.Fatal(err)
		}
		r.UpdateRoster(ro)
	}

	ids := r.ListRosters("alice@example.com")
	if len(ids) != 2 {
		t.Fatalf("expected 2 rosters, got %v", ids)
	}
	// Sorted by name: Bears before Crows.
	if ids[0] != visible.ID || ids[1] != shared.ID {
		t.Fatalf("expected name order, got %v", ids)
	}
}
