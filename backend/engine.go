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
)

// ApplyCommand applies one scoring command to the match. It assumes
// structural validation and authorization have already been performed.
// Rule and lifecycle checks all happen before any mutation, so a
// rejected command leaves the match untouched. Returns true if the
// command changed the match, false if it was a duplicate.
func ApplyCommand(m *Match, raw json.RawMessage) (bool, error) {
	var cmd BaseCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return false, fmt.Errorf("failed to unmarshal command for apply: %w", err)
	}

	if m.SeenCommand(cmd.ID) {
		return false, nil // Already applied
	}

	var err error
	switch cmd.Type {
	case CmdTypeMatchStart:
		err = applyMatchStart(m, &cmd)
	case CmdTypeStartInnings:
		err = applyStartInnings(m, &cmd)
	case CmdTypeSetOpeners:
		err = applySetOpeners(m, &cmd)
	case CmdTypeSetBowler:
		err = applySetBowler(m, &cmd)
	case CmdTypeSetBatsman:
		err = applySetBatsman(m, &cmd)
	case CmdTypeBall:
		err = applyBall(m, &cmd)
	case CmdTypeUndo:
		err = applyUndo(m)
	case CmdTypeTimeout:
		err = applyTimeout(m, &cmd)
	case CmdTypeCompleteMatch:
		err = applyCompleteMatch(m, &cmd)
	default:
		err = fmt.Errorf("unknown command type: %s", cmd.Type)
	}
	if err != nil {
		return false, err
	}

	m.RememberCommand(cmd.ID)
	return true, nil
}

// ApplyCommands applies multiple commands to the match state.
func ApplyCommands(m *Match, cmds []json.RawMessage) (bool, error) {
	anyChanged := false
	for _, raw := range cmds {
		changed, err := ApplyCommand(m, raw)
		if err != nil {
			return anyChanged, err
		}
		if changed {
			anyChanged = true
		}
	}
	return anyChanged, nil
}

func applyMatchStart(m *Match, cmd *BaseCommand) error {
	if m.Status != "" && m.Status != MatchStatusSetup {
		return invalidState("match %s already started", m.ID)
	}
	if len(m.Innings) > 0 {
		return invalidState("match %s already has innings", m.ID)
	}
	var p MatchStartPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}
	m.ID = p.ID
	m.SchemaVersion = SchemaVersionV1
	m.Format = p.Format
	m.OversLimit = OversLimitForFormat(p.Format)
	m.Date = p.Date
	m.Venue = p.Venue
	m.HomeTeamID = p.HomeTeamID
	m.AwayTeamID = p.AwayTeamID
	m.TossWinnerID = p.TossWinnerID
	m.TossDecision = p.TossDecision
	m.Status = MatchStatusSetup
	if p.Permissions != nil {
		m.Permissions = *p.Permissions
	}
	m.normalize()
	return nil
}

func applyStartInnings(m *Match, cmd *BaseCommand) error {
	switch m.Status {
	case MatchStatusSetup:
	case MatchStatusLive:
		if in := m.CurrentInnings(); in != nil && in.State != InningsComplete {
			return invalidState("innings %d still in progress", in.Number)
		}
	default:
		return invalidState("cannot start innings: match is %s", m.Status)
	}
	if len(m.Innings) >= 2 {
		return ruleViolation("match already has both innings")
	}
	var p StartInningsPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}
	if !isMatchTeam(m, p.BattingTeamID) || !isMatchTeam(m, p.BowlingTeamID) {
		return notFound("team not in this match")
	}

	in := &Innings{
		Number:        len(m.Innings) + 1,
		BattingTeamID: p.BattingTeamID,
		BowlingTeamID: p.BowlingTeamID,
		State:         InningsAwaitingOpeners,
		Ledger:        make(Ledger, 0),
	}
	if in.Number == 2 {
		in.Target = m.Innings[0].Card().Runs + 1
	}
	m.Innings = append(m.Innings, in)
	m.Status = MatchStatusLive
	return nil
}

func isMatchTeam(m *Match, teamID string) bool {
	return teamID == m.HomeTeamID || teamID == m.AwayTeamID
}

func applySetOpeners(m *Match, cmd *BaseCommand) error {
	in, err := liveInnings(m)
	if err != nil {
		return err
	}
	if in.State != InningsAwaitingOpeners {
		return invalidState("openers already set for innings %d", in.Number)
	}
	var p SetOpenersPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}
	in.StrikerID = p.StrikerID
	in.NonStrikerID = p.NonStrikerID
	return nil
}

func applySetBowler(m *Match, cmd *BaseCommand) error {
	in, err := liveInnings(m)
	if err != nil {
		return err
	}
	var p SetBowlerPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}

	switch in.State {
	case InningsAwaitingOpeners:
		if in.StrikerID == "" || in.NonStrikerID == "" {
			return invalidState("openers must be set before the bowler")
		}
	case InningsOverComplete:
	case InningsInProgress:
		if in.Card().LegalBalls%ballsPerOver != 0 {
			return ruleViolation("cannot change bowler mid-over")
		}
	default:
		return invalidState("cannot set bowler: innings is %s", in.State)
	}

	if p.BowlerID == in.PrevBowlerID && in.PrevBowlerID != "" {
		return ruleViolation("bowler %s bowled the previous over", p.BowlerID)
	}
	if p.BowlerID == in.StrikerID || p.BowlerID == in.NonStrikerID {
		return ruleViolation("bowler %s is currently batting", p.BowlerID)
	}

	in.BowlerID = p.BowlerID
	in.State = InningsInProgress
	return nil
}

func applySetBatsman(m *Match, cmd *BaseCommand) error {
	in, err := liveInnings(m)
	if err != nil {
		return err
	}
	if in.State != InningsInProgress && in.State != InningsOverComplete {
		return invalidState("cannot set batsman: innings is %s", in.State)
	}
	var p SetBatsmanPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}
	if bs, ok := in.Card().Batting[p.BatsmanID]; ok && bs.Out {
		return ruleViolation("batsman %s is already out", p.BatsmanID)
	}
	if p.BatsmanID == in.StrikerID || p.BatsmanID == in.NonStrikerID {
		return ruleViolation("batsman %s is already at the crease", p.BatsmanID)
	}

	end := p.End
	if end == "" {
		switch {
		case in.StrikerID == "":
			end = "striker"
		case in.NonStrikerID == "":
			end = "non_striker"
		default:
			return invalidState("both ends are occupied")
		}
	}
	switch end {
	case "striker":
		if in.StrikerID != "" {
			return invalidState("striker end is occupied")
		}
		in.StrikerID = p.BatsmanID
	case "non_striker":
		if in.NonStrikerID != "" {
			return invalidState("non-striker end is occupied")
		}
		in.NonStrikerID = p.BatsmanID
	}
	return nil
}

func applyBall(m *Match, cmd *BaseCommand) error {
	in, err := liveInnings(m)
	if err != nil {
		return err
	}
	if m.Paused {
		return invalidState("match is paused: %s", m.PauseReason)
	}
	if in.State != InningsInProgress {
		return invalidState("cannot record ball: innings is %s", in.State)
	}
	if in.StrikerID == "" || in.NonStrikerID == "" {
		return invalidState("a batting end is vacant")
	}
	if in.BowlerID == "" {
		return invalidState("no bowler set")
	}

	var p BallPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}
	if p.Wicket && p.DismissedID != in.StrikerID && p.DismissedID != in.NonStrikerID {
		return ruleViolation("dismissed player %s is not at the crease", p.DismissedID)
	}

	// Everything is validated. From here on nothing can fail, so the
	// ball commits atomically.
	card := in.Card()
	legalBefore := card.LegalBalls
	e := BallEvent{
		ID:           cmd.ID,
		Over:         legalBefore/ballsPerOver + 1,
		BallInOver:   legalBefore%ballsPerOver + 1,
		StrikerID:    in.StrikerID,
		NonStrikerID: in.NonStrikerID,
		BowlerID:     in.BowlerID,
		RunsOffBat:   p.RunsOffBat,
		Extra:        p.Extra,
		ExtraRuns:    p.ExtraRuns,
		Wicket:       p.Wicket,
		WicketType:   p.WicketType,
		DismissedID:  p.DismissedID,
		FielderID:    p.FielderID,
		Commentary:   p.Commentary,
		Timestamp:    cmd.Timestamp,
	}
	if e.Commentary == "" {
		e.Commentary = generateCommentary(&e)
	}

	e.Seq = in.Ledger.Append(e)
	card.ApplyForward(&e)

	if e.RotatesStrike() {
		in.StrikerID, in.NonStrikerID = in.NonStrikerID, in.StrikerID
	}
	if e.Wicket {
		// The dismissed player leaves after any crossing, so the
		// vacancy is wherever rotation put them.
		if in.StrikerID == e.DismissedID {
			in.StrikerID = ""
		} else if in.NonStrikerID == e.DismissedID {
			in.NonStrikerID = ""
		}
	}

	if e.Legal() && card.LegalBalls%ballsPerOver == 0 {
		in.PrevBowlerID = in.BowlerID
		in.BowlerID = ""
		in.State = InningsOverComplete
	}

	if inningsFinished(m, in) {
		in.State = InningsComplete
		if in.Number == 2 {
			finishMatch(m, in)
		}
	}
	return nil
}

// inningsFinished checks the three terminal conditions: all out, over
// budget exhausted, target reached.
func inningsFinished(m *Match, in *Innings) bool {
	card := in.Card()
	if card.Wickets >= 10 {
		return true
	}
	if m.OversLimit > 0 && card.LegalBalls >= m.OversLimit*ballsPerOver {
		return true
	}
	if in.Target > 0 && card.Runs >= in.Target {
		return true
	}
	return false
}

// finishMatch closes the match once the second innings ends and derives
// the result line.
func finishMatch(m *Match, in *Innings) {
	m.Status = MatchStatusCompleted
	card := in.Card()
	switch {
	case in.Target > 0 && card.Runs >= in.Target:
		m.Result = fmt.Sprintf("%s won by %d wickets", in.BattingTeamID, 10-card.Wickets)
	case in.Target > 0 && card.Runs == in.Target-1:
		m.Result = "match tied"
	default:
		m.Result = fmt.Sprintf("%s won by %d runs", in.BowlingTeamID, in.Target-1-card.Runs)
	}
}

func applyUndo(m *Match) error {
	if m.Status == MatchStatusCompleted {
		return invalidState("cannot undo: match is completed")
	}
	in := m.CurrentInnings()
	if in == nil {
		return emptyLedger("no innings to undo in")
	}

	e, err := in.Ledger.RemoveLast()
	if err != nil {
		return err
	}
	in.Card().ApplyReverse(&e)

	// The event recorded who stood where before the ball was bowled,
	// so the prior state is restored directly rather than re-derived.
	in.StrikerID = e.StrikerID
	in.NonStrikerID = e.NonStrikerID
	in.BowlerID = e.BowlerID
	in.PrevBowlerID = in.Ledger.bowlerOfOver(e.Over - 1)
	in.State = InningsInProgress
	return nil
}

func applyTimeout(m *Match, cmd *BaseCommand) error {
	if m.Status != MatchStatusLive {
		return invalidState("cannot pause: match is %s", m.Status)
	}
	var p TimeoutPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return err
	}
	m.Paused = p.Paused
	if p.Paused {
		m.PauseReason = p.Reason
	} else {
		m.PauseReason = ""
	}
	return nil
}

func applyCompleteMatch(m *Match, cmd *BaseCommand) error {
	if m.Status != MatchStatusLive {
		return invalidState("cannot complete: match is %s", m.Status)
	}
	var p CompleteMatchPayload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
	}
	if in := m.CurrentInnings(); in != nil {
		in.State = InningsComplete
	}
	m.Status = MatchStatusCompleted
	m.Paused = false
	m.PauseReason = ""
	if p.Result != "" {
		m.Result = p.Result
	}
	return nil
}

// liveInnings returns the current innings or the right rejection when
// there is none to score against.
func liveInnings(m *Match) (*Innings, error) {
	switch m.Status {
	case MatchStatusCompleted:
		return nil, invalidState("match is completed")
	case MatchStatusDeleted:
		return nil, notFound("match is deleted")
	}
	in := m.CurrentInnings()
	if in == nil {
		return nil, invalidState("no innings started")
	}
	return in, nil
}
