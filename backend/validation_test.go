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
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func rawCmd(t *testing.T, id, cmdType string, payload interface{}) json.RawMessage {
	t.Helper()
	var p json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		p = b
	}
	raw, err := json.Marshal(BaseCommand{ID: id, Type: cmdType, Payload: p})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestValidateCommand(t *testing.T) {
	validID := uuid.NewString()
	matchID := uuid.NewString()

	cases := []struct {
		name    string
		raw     json.RawMessage
		wantErr string // empty means valid
	}{
		{
			name: "valid match start",
			raw: rawCmd(t, validID, CmdTypeMatchStart, MatchStartPayload{
				ID: matchID, Format: FormatT20, HomeTeamID: "a", AwayTeamID: "b",
			}),
		},
		{
			name:    "malformed json",
			raw:     json.RawMessage(`{not json`),
			wantErr: "malformed",
		},
		{
			name:    "bad command id",
			raw:     rawCmd(t, "not-a-uuid", CmdTypeUndo, nil),
			wantErr: "invalid command ID",
		},
		{
			name:    "missing type",
			raw:     rawCmd(t, validID, "", nil),
			wantErr: "missing command type",
		},
		{
			name:    "unknown type",
			raw:     rawCmd(t, validID, "TEA_BREAK", nil),
			wantErr: "unknown command type",
		},
		{
			name: "bad format",
			raw: rawCmd(t, validID, CmdTypeMatchStart, MatchStartPayload{
				ID: matchID, Format: "T15", HomeTeamID: "a", AwayTeamID: "b",
			}),
			wantErr: "invalid format",
		},
		{
			name: "missing teams",
			raw: rawCmd(t, validID, CmdTypeMatchStart, MatchStartPayload{
				ID: matchID, Format: FormatODI,
			}),
			wantErr: "missing team IDs",
		},
		{
			name: "bad date",
			raw: rawCmd(t, validID, CmdTypeMatchStart, MatchStartPayload{
				ID: matchID, Format: FormatT20, HomeTeamID: "a", AwayTeamID: "b",
				Date: "last tuesday",
			}),
			wantErr: "invalid date",
		},
		{
			name: "same team both sides",
			raw: rawCmd(t, validID, CmdTypeStartInnings, StartInningsPayload{
				BattingTeamID: "a", BowlingTeamID: "a",
			}),
			wantErr: "must differ",
		},
		{
			name: "same opener twice",
			raw: rawCmd(t, validID, CmdTypeSetOpeners, SetOpenersPayload{
				StrikerID: "p1", NonStrikerID: "p1",
			}),
			wantErr: "distinct",
		},
		{
			name:    "missing bowler",
			raw:     rawCmd(t, validID, CmdTypeSetBowler, SetBowlerPayload{}),
			wantErr: "missing bowler",
		},
		{
			name: "bad end",
			raw: rawCmd(t, validID, CmdTypeSetBatsman, SetBatsmanPayload{
				BatsmanID: "p3", End: "midfield",
			}),
			wantErr: "invalid end",
		},
		{
			name: "valid ball",
			raw:  rawCmd(t, validID, CmdTypeBall, BallPayload{RunsOffBat: 4}),
		},
		{
			name:    "negative runs",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{RunsOffBat: -1}),
			wantErr: "invalid runsOffBat",
		},
		{
			name:    "seven off the bat",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{RunsOffBat: 7}),
			wantErr: "invalid runsOffBat",
		},
		{
			name:    "extra without runs",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{Extra: ExtraWide}),
			wantErr: "extraRuns >= 1",
		},
		{
			name:    "extra runs without type",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{ExtraRuns: 2}),
			wantErr: "without extra type",
		},
		{
			name:    "runs off the bat on a wide",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{Extra: ExtraWide, ExtraRuns: 1, RunsOffBat: 2}),
			wantErr: "not allowed with",
		},
		{
			name: "no-ball with runs off the bat is fine",
			raw:  rawCmd(t, validID, CmdTypeBall, BallPayload{Extra: ExtraNoBall, ExtraRuns: 1, RunsOffBat: 4}),
		},
		{
			name:    "wicket without type",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{Wicket: true, DismissedID: "p1"}),
			wantErr: "invalid wicket type",
		},
		{
			name:    "wicket without victim",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{Wicket: true, WicketType: WicketBowled}),
			wantErr: "missing dismissed",
		},
		{
			name:    "dismissal fields without wicket",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{WicketType: WicketBowled}),
			wantErr: "without wicket flag",
		},
		{
			name:    "bowled off a wide",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{Extra: ExtraWide, ExtraRuns: 1, Wicket: true, WicketType: WicketBowled, DismissedID: "p1"}),
			wantErr: "not possible off",
		},
		{
			name: "stumped off a wide is fine",
			raw:  rawCmd(t, validID, CmdTypeBall, BallPayload{Extra: ExtraWide, ExtraRuns: 1, Wicket: true, WicketType: WicketStumped, DismissedID: "p1"}),
		},
		{
			name:    "stumped off a no-ball",
			raw:     rawCmd(t, validID, CmdTypeBall, BallPayload{Extra: ExtraNoBall, ExtraRuns: 1, Wicket: true, WicketType: WicketStumped, DismissedID: "p1"}),
			wantErr: "not possible off",
		},
		{
			name: "run out off a no-ball is fine",
			raw:  rawCmd(t, validID, CmdTypeBall, BallPayload{Extra: ExtraNoBall, ExtraRuns: 1, Wicket: true, WicketType: WicketRunOut, DismissedID: "p1"}),
		},
		{
			name: "undo has no payload",
			raw:  rawCmd(t, validID, CmdTypeUndo, nil),
		},
		{
			name:    "oversized reason",
			raw:     rawCmd(t, validID, CmdTypeTimeout, TimeoutPayload{Paused: true, Reason: strings.Repeat("x", 101)}),
			wantErr: "too long",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateCommand(c.raw)
			if c.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", c.wantErr)
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("expected error containing %q, got %v", c.wantErr, err)
			}
		})
	}
}

func TestValidateMatchData(t *testing.T) {
	m := &Match{ID: uuid.NewString()}
	m.normalize()
	in := &Innings{Number: 1, Ledger: make(Ledger, 0)}
	in.Ledger.Append(BallEvent{RunsOffBat: 1})
	in.Ledger.Append(BallEvent{Extra: ExtraWide, ExtraRuns: 1})
	m.Innings = append(m.Innings, in)

	data, _ := json.Marshal(m)
	if err := ValidateMatchData(data); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	// Corrupt the sequence.
	in.Ledger[1].Seq = 7
	data, _ = json.Marshal(m)
	if err := ValidateMatchData(data); err == nil || !strings.Contains(err.Error(), "ledger gap") {
		t.Fatalf("expected ledger gap error, got %v", err)
	}
	in.Ledger[1].Seq = 2

	// Corrupt the extra type.
	in.Ledger[1].Extra = "overthrow"
	data, _ = json.Marshal(m)
	if err := ValidateMatchData(data); err == nil || !strings.Contains(err.Error(), "invalid extra") {
		t.Fatalf("expected invalid extra error, got %v", err)
	}

	if err := ValidateMatchData([]byte(`{"id":"nope"}`)); err == nil {
		t.Fatal("expected invalid match ID error")
	}
}

func TestIsValidUUID(t *testing.T) {
	if !isValidUUID(uuid.NewString()) {
		t.Error("generated UUID should validate")
	}
	for _, bad := range []string{"", "abc", "../../etc/passwd", "00000000-0000-0000-0000-00000000000g"} {
		if isValidUUID(bad) {
			t.Errorf("%q should not validate", bad)
		}
	}
}
