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
	"fmt"
	"net/mail"
	"regexp"
	"time"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

const (
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// Command type constants
const (
	CmdTypeMatchStart    = "MATCH_START"
	CmdTypeStartInnings  = "START_INNINGS"
	CmdTypeSetOpeners    = "SET_OPENERS"
	CmdTypeSetBowler     = "SET_BOWLER"
	CmdTypeSetBatsman    = "SET_BATSMAN"
	CmdTypeBall          = "BALL"
	CmdTypeUndo          = "UNDO"
	CmdTypeTimeout       = "TIMEOUT"
	CmdTypeCompleteMatch = "COMPLETE_MATCH"
)

// BaseCommand represents the common fields of a scoring command.
type BaseCommand struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// --- Payload types ---
// Shared between validation (structural checks) and the state machine
// (rule checks). Validation rejects malformed input; the state machine
// rejects legal-looking input that breaks cricket sequencing.

type MatchStartPayload struct {
	ID           string       `json:"id"`
	Format       string       `json:"format"`
	Date         string       `json:"date"`
	Venue        string       `json:"venue"`
	HomeTeamID   string       `json:"homeTeamId"`
	AwayTeamID   string       `json:"awayTeamId"`
	TossWinnerID string       `json:"tossWinnerId"`
	TossDecision string       `json:"tossDecision"`
	Permissions  *Permissions `json:"permissions,omitempty"`
}

type StartInningsPayload struct {
	BattingTeamID string `json:"battingTeamId"`
	BowlingTeamID string `json:"bowlingTeamId"`
}

type SetOpenersPayload struct {
	StrikerID    string `json:"strikerId"`
	NonStrikerID string `json:"nonStrikerId"`
}

type SetBowlerPayload struct {
	BowlerID string `json:"bowlerId"`
}

type SetBatsmanPayload struct {
	BatsmanID string `json:"batsmanId"`
	// End selects which vacancy the new batter fills: "striker" or
	// "non_striker". Empty means whichever end is vacant.
	End string `json:"end,omitempty"`
}

type BallPayload struct {
	RunsOffBat  int    `json:"runsOffBat"`
	Extra       string `json:"extra,omitempty"`
	ExtraRuns   int    `json:"extraRuns,omitempty"`
	Wicket      bool   `json:"wicket,omitempty"`
	WicketType  string `json:"wicketType,omitempty"`
	DismissedID string `json:"dismissedId,omitempty"`
	FielderID   string `json:"fielderId,omitempty"`
	Commentary  string `json:"commentary,omitempty"`
}

type TimeoutPayload struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

type CompleteMatchPayload struct {
	Result string `json:"result,omitempty"`
}

// ValidateCommand validates a single command from raw JSON. Structural
// only: no match state is consulted here.
func ValidateCommand(raw json.RawMessage) error {
	var cmd BaseCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("malformed command JSON")
	}

	if !isValidUUID(cmd.ID) {
		return fmt.Errorf("invalid command ID: %s", cmd.ID)
	}
	if cmd.Type == "" {
		return fmt.Errorf("missing command type")
	}

	return validateCommandPayload(cmd.Type, cmd.Payload)
}

// validateCommandPayload validates the payload based on the command type.
func validateCommandPayload(cmdType string, payload json.RawMessage) error {
	switch cmdType {
	case CmdTypeMatchStart:
		return validateMatchStart(payload)
	case CmdTypeStartInnings:
		return validateStartInnings(payload)
	case CmdTypeSetOpeners:
		return validateSetOpeners(payload)
	case CmdTypeSetBowler:
		return validateSetBowler(payload)
	case CmdTypeSetBatsman:
		return validateSetBatsman(payload)
	case CmdTypeBall:
		return validateBall(payload)
	case CmdTypeUndo:
		return nil // No payload
	case CmdTypeTimeout:
		return validateTimeout(payload)
	case CmdTypeCompleteMatch:
		return validateCompleteMatch(payload)
	default:
		return fmt.Errorf("unknown command type: %s", cmdType)
	}
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

func validateMatchStart(payload json.RawMessage) error {
	var p MatchStartPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid match ID in payload")
	}
	switch p.Format {
	case FormatT20, FormatODI, FormatTest:
	default:
		return fmt.Errorf("invalid format: %s", p.Format)
	}
	if p.HomeTeamID == "" || p.AwayTeamID == "" {
		return fmt.Errorf("missing team IDs")
	}
	if err := validateStringLen(p.HomeTeamID, 50, "home team"); err != nil {
		return err
	}
	if err := validateStringLen(p.AwayTeamID, 50, "away team"); err != nil {
		return err
	}
	if err := validateStringLen(p.Venue, 100, "venue"); err != nil {
		return err
	}
	if p.Date != "" {
		if _, err := time.Parse(time.RFC3339, p.Date); err != nil {
			return fmt.Errorf("invalid date format: %v", err)
		}
	}
	if p.TossDecision != "" && p.TossDecision != TossDecisionBat && p.TossDecision != TossDecisionBowl {
		return fmt.Errorf("invalid toss decision: %s", p.TossDecision)
	}
	return nil
}

func validateStartInnings(payload json.RawMessage) error {
	var p StartInningsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.BattingTeamID == "" || p.BowlingTeamID == "" {
		return fmt.Errorf("missing team IDs")
	}
	if p.BattingTeamID == p.BowlingTeamID {
		return fmt.Errorf("batting and bowling team must differ")
	}
	return nil
}

func validateSetOpeners(payload json.RawMessage) error {
	var p SetOpenersPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.StrikerID == "" || p.NonStrikerID == "" {
		return fmt.Errorf("missing opener IDs")
	}
	if p.StrikerID == p.NonStrikerID {
		return fmt.Errorf("openers must be distinct players")
	}
	return nil
}

func validateSetBowler(payload json.RawMessage) error {
	var p SetBowlerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.BowlerID == "" {
		return fmt.Errorf("missing bowler ID")
	}
	return nil
}

func validateSetBatsman(payload json.RawMessage) error {
	var p SetBatsmanPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.BatsmanID == "" {
		return fmt.Errorf("missing batsman ID")
	}
	if p.End != "" && p.End != "striker" && p.End != "non_striker" {
		return fmt.Errorf("invalid end: %s", p.End)
	}
	return nil
}

func validateBall(payload json.RawMessage) error {
	var p BallPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.RunsOffBat < 0 || p.RunsOffBat > 6 {
		return fmt.Errorf("invalid runsOffBat: %d", p.RunsOffBat)
	}
	if p.Extra != "" {
		if !isValidExtra(p.Extra) {
			return fmt.Errorf("invalid extra type: %s", p.Extra)
		}
		if p.ExtraRuns < 1 {
			return fmt.Errorf("extra requires extraRuns >= 1")
		}
		if p.ExtraRuns > 7 {
			return fmt.Errorf("invalid extraRuns: %d", p.ExtraRuns)
		}
	} else if p.ExtraRuns != 0 {
		return fmt.Errorf("extraRuns without extra type")
	}
	switch p.Extra {
	case ExtraWide, ExtraBye, ExtraLegBye:
		// The bat never touches a wide, and runs off the bat can never
		// also be byes or leg byes.
		if p.RunsOffBat != 0 {
			return fmt.Errorf("runsOffBat not allowed with %s", p.Extra)
		}
	}
	if p.Wicket {
		if !isValidWicket(p.WicketType) {
			return fmt.Errorf("invalid wicket type: %s", p.WicketType)
		}
		if p.DismissedID == "" {
			return fmt.Errorf("missing dismissed player ID")
		}
		if p.Extra != "" && !wicketAllowedOnExtra(p.Extra, p.WicketType) {
			return fmt.Errorf("%s dismissal not possible off a %s", p.WicketType, p.Extra)
		}
	} else if p.WicketType != "" || p.DismissedID != "" {
		return fmt.Errorf("dismissal fields without wicket flag")
	}
	if err := validateStringLen(p.Commentary, 500, "commentary"); err != nil {
		return err
	}
	return nil
}

func validateTimeout(payload json.RawMessage) error {
	var p TimeoutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return validateStringLen(p.Reason, 100, "reason")
}

func validateCompleteMatch(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var p CompleteMatchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	return validateStringLen(p.Result, 200, "result")
}

// ValidateCommands validates a list of commands.
func ValidateCommands(cmds []json.RawMessage) error {
	for i, raw := range cmds {
		if err := ValidateCommand(raw); err != nil {
			return fmt.Errorf("invalid command at index %d: %w", i, err)
		}
	}
	return nil
}

// ValidateMatchData validates a full match document, including every
// ledger entry, before it is accepted wholesale (import, raft restore).
func ValidateMatchData(data []byte) error {
	var m Match
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("invalid match JSON: %w", err)
	}
	if !isValidUUID(m.ID) {
		return fmt.Errorf("invalid match ID format: %s", m.ID)
	}
	for _, in := range m.Innings {
		for i := range in.Ledger {
			e := &in.Ledger[i]
			if e.Seq != i+1 {
				return fmt.Errorf("innings %d: ledger gap at seq %d", in.Number, i+1)
			}
			if e.Extra != "" && !isValidExtra(e.Extra) {
				return fmt.Errorf("innings %d seq %d: invalid extra %q", in.Number, e.Seq, e.Extra)
			}
			if e.Wicket && !isValidWicket(e.WicketType) {
				return fmt.Errorf("innings %d seq %d: invalid wicket %q", in.Number, e.Seq, e.WicketType)
			}
		}
	}
	return nil
}
