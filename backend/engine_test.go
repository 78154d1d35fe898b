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
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newCmd(t *testing.T, cmdType string, payload interface{}) json.RawMessage {
	t.Helper()
	var p json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		p = b
	}
	cmd := BaseCommand{
		ID:        uuid.NewString(),
		Type:      cmdType,
		Payload:   p,
		Timestamp: time.Now().UnixNano(),
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return raw
}

func mustApply(t *testing.T, m *Match, raw json.RawMessage) {
	t.Helper()
	changed, err := ApplyCommand(m, raw)
	if err != nil {
		t.Fatalf("ApplyCommand failed: %v", err)
	}
	if !changed {
		t.Fatal("ApplyCommand reported no change")
	}
}

func mustReject(t *testing.T, m *Match, raw json.RawMessage, kind ErrorKind) {
	t.Helper()
	_, err := ApplyCommand(m, raw)
	if err == nil {
		t.Fatal("expected rejection, got success")
	}
	se, ok := AsScoreError(err)
	if !ok {
		t.Fatalf("expected ScoreError, got %T: %v", err, err)
	}
	if se.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%s)", kind, se.Kind, se.Reason)
	}
}

func ballCmd(t *testing.T, p BallPayload) json.RawMessage {
	t.Helper()
	return newCmd(t, CmdTypeBall, p)
}

// startedMatch returns a live T20 match with openers and a bowler set,
// ready for the first ball.
func startedMatch(t *testing.T) *Match {
	t.Helper()
	m := &Match{}
	mustApply(t, m, newCmd(t, CmdTypeMatchStart, MatchStartPayload{
		ID:         uuid.NewString(),
		Format:     FormatT20,
		HomeTeamID: "lions",
		AwayTeamID: "tigers",
	}))
	mustApply(t, m, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "lions",
		BowlingTeamID: "tigers",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetOpeners, SetOpenersPayload{
		StrikerID:    "p1",
		NonStrikerID: "p2",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "b1"}))
	return m
}

func TestMatchLifecycle(t *testing.T) {
	m := &Match{}
	matchId := uuid.NewString()

	mustApply(t, m, newCmd(t, CmdTypeMatchStart, MatchStartPayload{
		ID:           matchId,
		Format:       FormatT20,
		HomeTeamID:   "lions",
		AwayTeamID:   "tigers",
		TossWinnerID: "lions",
		TossDecision: TossDecisionBat,
	}))
	if m.Status != MatchStatusSetup {
		t.Fatalf("expected status %s, got %s", MatchStatusSetup, m.Status)
	}
	if m.ID != matchId {
		t.Fatalf("expected id %s, got %s", matchId, m.ID)
	}
	if m.OversLimit != 20 {
		t.Fatalf("T20 should have 20 overs, got %d", m.OversLimit)
	}

	// Starting twice is rejected.
	mustApply(t, m, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "lions", BowlingTeamID: "tigers",
	}))
	if m.Status != MatchStatusLive {
		t.Fatalf("expected status %s, got %s", MatchStatusLive, m.Status)
	}
	mustReject(t, m, newCmd(t, CmdTypeMatchStart, MatchStartPayload{
		ID: matchId, Format: FormatT20, HomeTeamID: "a", AwayTeamID: "b",
	}), KindInvalidState)

	in := m.CurrentInnings()
	if in == nil || in.Number != 1 {
		t.Fatal("expected innings 1 in play")
	}
	if in.State != InningsAwaitingOpeners {
		t.Fatalf("expected state %s, got %s", InningsAwaitingOpeners, in.State)
	}

	// Balls cannot be scored before openers and bowler are set.
	mustReject(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}), KindInvalidState)

	mustApply(t, m, newCmd(t, CmdTypeSetOpeners, SetOpenersPayload{
		StrikerID: "p1", NonStrikerID: "p2",
	}))
	mustReject(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}), KindInvalidState)

	mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "b1"}))
	if in.State != InningsInProgress {
		t.Fatalf("expected state %s, got %s", InningsInProgress, in.State)
	}

	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 4}))
	if got := in.Card().Runs; got != 4 {
		t.Fatalf("expected 4 runs, got %d", got)
	}

	mustApply(t, m, newCmd(t, CmdTypeCompleteMatch, CompleteMatchPayload{Result: "abandoned"}))
	if m.Status != MatchStatusCompleted {
		t.Fatalf("expected status %s, got %s", MatchStatusCompleted, m.Status)
	}
	if m.Result != "abandoned" {
		t.Fatalf("expected result 'abandoned', got %q", m.Result)
	}

	// No scoring after completion.
	mustReject(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}), KindInvalidState)
	mustReject(t, m, newCmd(t, CmdTypeUndo, nil), KindInvalidState)
}

func TestStrikeRotation_Singles(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	// Six singles. Each rotates the strike, and the end of the over
	// rotates once more, so after the over the original striker is back
	// on strike for the new over.
	strikers := []string{"p2", "p1", "p2", "p1", "p2", "p1"}
	for i := 0; i < 6; i++ {
		mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}))
		if in.StrikerID != strikers[i] {
			t.Fatalf("ball %d: expected striker %s, got %s", i+1, strikers[i], in.StrikerID)
		}
	}

	card := in.Card()
	if card.Runs != 6 || card.LegalBalls != 6 {
		t.Fatalf("expected 6/6, got runs=%d balls=%d", card.Runs, card.LegalBalls)
	}
	if card.Batting["p1"].Runs != 3 || card.Batting["p2"].Runs != 3 {
		t.Fatalf("expected 3 runs each, got p1=%d p2=%d",
			card.Batting["p1"].Runs, card.Batting["p2"].Runs)
	}

	// Over complete: bowler cleared, previous bowler remembered.
	if in.State != InningsOverComplete {
		t.Fatalf("expected state %s, got %s", InningsOverComplete, in.State)
	}
	if in.BowlerID != "" || in.PrevBowlerID != "b1" {
		t.Fatalf("expected bowler cleared and prev=b1, got %q prev=%q", in.BowlerID, in.PrevBowlerID)
	}
}

func TestStrikeRotation_EvenRuns(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 2}))
	if in.StrikerID != "p1" {
		t.Fatalf("two runs should keep the striker, got %s", in.StrikerID)
	}
	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 4}))
	if in.StrikerID != "p1" {
		t.Fatalf("a boundary should keep the striker, got %s", in.StrikerID)
	}
}

func TestConsecutiveBowlerRejected(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	for i := 0; i < 6; i++ {
		mustApply(t, m, ballCmd(t, BallPayload{}))
	}
	if in.State != InningsOverComplete {
		t.Fatalf("expected over complete, got %s", in.State)
	}

	// b1 bowled the previous over.
	mustReject(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "b1"}), KindRuleViolation)
	// A current batter cannot bowl.
	mustReject(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: in.StrikerID}), KindRuleViolation)

	mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "b2"}))
	if in.BowlerID != "b2" || in.State != InningsInProgress {
		t.Fatalf("expected b2 in progress, got %s %s", in.BowlerID, in.State)
	}

	// After b2's over, b1 is allowed again.
	for i := 0; i < 6; i++ {
		mustApply(t, m, ballCmd(t, BallPayload{}))
	}
	mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "b1"}))
}

func TestBowlerChangeMidOverRejected(t *testing.T) {
	m := startedMatch(t)

	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}))
	mustReject(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "b2"}), KindRuleViolation)
}

func TestWide(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	mustApply(t, m, ballCmd(t, BallPayload{Extra: ExtraWide, ExtraRuns: 1}))

	card := in.Card()
	if card.Runs != 1 {
		t.Fatalf("wide should add 1 run, got %d", card.Runs)
	}
	if card.LegalBalls != 0 {
		t.Fatalf("wide should not count as a legal ball, got %d", card.LegalBalls)
	}
	if card.Extras.Wides != 1 {
		t.Fatalf("expected 1 wide, got %d", card.Extras.Wides)
	}
	if in.StrikerID != "p1" {
		t.Fatalf("a one-run wide should not rotate strike, got %s", in.StrikerID)
	}
	// The striker never faces a wide.
	if _, ok := card.Batting["p1"]; ok {
		t.Fatal("striker should have no batting entry after only a wide")
	}
	// But the bowler is charged.
	if card.Bowling["b1"].RunsConceded != 1 || card.Bowling["b1"].Wides != 1 {
		t.Fatalf("bowler should concede the wide, got %+v", card.Bowling["b1"])
	}
}

func TestWideWithRuns_RotatesStrike(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	// Wide plus one run actually ran: 2 total, odd runs ran, rotate.
	mustApply(t, m, ballCmd(t, BallPayload{Extra: ExtraWide, ExtraRuns: 2}))
	if in.StrikerID != "p2" {
		t.Fatalf("expected rotation on a two-run wide, got striker %s", in.StrikerID)
	}
	if got := in.Card().Runs; got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

func TestNoBall(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	// No-ball hit for four: 1 penalty + 4 off the bat.
	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 4, Extra: ExtraNoBall, ExtraRuns: 1}))

	card := in.Card()
	if card.Runs != 5 {
		t.Fatalf("expected 5 runs, got %d", card.Runs)
	}
	if card.LegalBalls != 0 {
		t.Fatalf("no-ball should not count as a legal ball, got %d", card.LegalBalls)
	}
	if card.Batting["p1"].Runs != 4 || card.Batting["p1"].Fours != 1 {
		t.Fatalf("striker should be credited the boundary, got %+v", card.Batting["p1"])
	}
	if card.Bowling["b1"].RunsConceded != 5 || card.Bowling["b1"].NoBalls != 1 {
		t.Fatalf("bowler should concede all 5, got %+v", card.Bowling["b1"])
	}
	if in.StrikerID != "p1" {
		t.Fatalf("boundary off a no-ball should not rotate, got %s", in.StrikerID)
	}
}

func TestByes_NotChargedToBowler(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	mustApply(t, m, ballCmd(t, BallPayload{Extra: ExtraBye, ExtraRuns: 1}))

	card := in.Card()
	if card.Runs != 1 || card.Extras.Byes != 1 {
		t.Fatalf("expected 1 bye, got runs=%d byes=%d", card.Runs, card.Extras.Byes)
	}
	if card.LegalBalls != 1 {
		t.Fatalf("a bye is a legal ball, got %d", card.LegalBalls)
	}
	if card.Bowling["b1"].RunsConceded != 0 {
		t.Fatalf("byes are not the bowler's fault, got %d conceded", card.Bowling["b1"].RunsConceded)
	}
	// The striker faced the ball but scored nothing.
	if card.Batting["p1"].BallsFaced != 1 || card.Batting["p1"].Runs != 0 {
		t.Fatalf("unexpected striker line: %+v", card.Batting["p1"])
	}
	// One bye ran: strike rotates.
	if in.StrikerID != "p2" {
		t.Fatalf("expected rotation on a single bye, got %s", in.StrikerID)
	}
}

func TestWicket(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	mustApply(t, m, ballCmd(t, BallPayload{
		Wicket: true, WicketType: WicketBowled, DismissedID: "p1",
	}))

	card := in.Card()
	if card.Wickets != 1 {
		t.Fatalf("expected 1 wicket, got %d", card.Wickets)
	}
	if !card.Batting["p1"].Out || card.Batting["p1"].HowOut != WicketBowled {
		t.Fatalf("unexpected dismissal line: %+v", card.Batting["p1"])
	}
	if card.Bowling["b1"].WicketsTaken != 1 {
		t.Fatalf("bowled is credited to the bowler, got %d", card.Bowling["b1"].WicketsTaken)
	}
	if len(card.Falls) != 1 || card.Falls[0].BatterID != "p1" {
		t.Fatalf("unexpected fall of wicket: %+v", card.Falls)
	}
	if in.StrikerID != "" {
		t.Fatalf("striker end should be vacant, got %s", in.StrikerID)
	}

	// Balls cannot be recorded with a vacant end.
	mustReject(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}), KindInvalidState)

	// A dismissed player cannot return.
	mustReject(t, m, newCmd(t, CmdTypeSetBatsman, SetBatsmanPayload{BatsmanID: "p1"}), KindRuleViolation)

	mustApply(t, m, newCmd(t, CmdTypeSetBatsman, SetBatsmanPayload{BatsmanID: "p3"}))
	if in.StrikerID != "p3" {
		t.Fatalf("new batsman should fill the vacant striker end, got %s", in.StrikerID)
	}
}

func TestRunOut_NotCreditedToBowler(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	// Non-striker run out going for a second run: one completed.
	mustApply(t, m, ballCmd(t, BallPayload{
		RunsOffBat: 1, Wicket: true, WicketType: WicketRunOut,
		DismissedID: "p1", FielderID: "f1",
	}))

	card := in.Card()
	if card.Bowling["b1"].WicketsTaken != 0 {
		t.Fatalf("run out must not credit the bowler, got %d", card.Bowling["b1"].WicketsTaken)
	}
	if card.Batting["p1"].FielderID != "f1" {
		t.Fatalf("fielder not recorded: %+v", card.Batting["p1"])
	}
	// The single rotated strike first, then p1 (now at the non-striker
	// end) left, so the non-striker end is vacant.
	if in.NonStrikerID != "" || in.StrikerID != "p2" {
		t.Fatalf("expected vacancy at non-striker end, got striker=%q nonStriker=%q",
			in.StrikerID, in.NonStrikerID)
	}
}

func TestWicketDismissedNotAtCrease(t *testing.T) {
	m := startedMatch(t)
	mustReject(t, m, ballCmd(t, BallPayload{
		Wicket: true, WicketType: WicketRunOut, DismissedID: "p9",
	}), KindRuleViolation)
}

func TestUndo_RestoresExactState(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	// Build some history first so undo is not operating on a fresh card.
	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}))
	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 4}))
	mustApply(t, m, ballCmd(t, BallPayload{Extra: ExtraWide, ExtraRuns: 1}))

	before, err := json.Marshal(m.Innings)
	if err != nil {
		t.Fatal(err)
	}

	mustApply(t, m, ballCmd(t, BallPayload{
		RunsOffBat: 2, Wicket: true, WicketType: WicketRunOut, DismissedID: "p1",
	}))
	mustApply(t, m, newCmd(t, CmdTypeUndo, nil))

	after, err := json.Marshal(m.Innings)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatalf("undo did not restore the innings exactly\nbefore: %s\nafter:  %s", before, after)
	}

	// The incrementally reversed card must match a fresh replay.
	if !reflect.DeepEqual(in.Card(), in.Ledger.Replay()) {
		t.Fatal("reversed card diverged from a fresh replay")
	}
}

func TestUndo_AcrossOverBoundary(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	for i := 0; i < 6; i++ {
		mustApply(t, m, ballCmd(t, BallPayload{}))
	}
	if in.State != InningsOverComplete {
		t.Fatalf("expected over complete, got %s", in.State)
	}

	// Undoing the last ball of the over reopens it with the same bowler.
	mustApply(t, m, newCmd(t, CmdTypeUndo, nil))
	if in.State != InningsInProgress {
		t.Fatalf("expected in progress, got %s", in.State)
	}
	if in.BowlerID != "b1" {
		t.Fatalf("expected bowler b1 restored, got %q", in.BowlerID)
	}
	if got := in.Card().LegalBalls; got != 5 {
		t.Fatalf("expected 5 legal balls, got %d", got)
	}
}

func TestUndo_EmptyLedger(t *testing.T) {
	m := startedMatch(t)
	mustReject(t, m, newCmd(t, CmdTypeUndo, nil), KindEmptyLedger)
}

func TestDuplicateCommandIgnored(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	raw := ballCmd(t, BallPayload{RunsOffBat: 1})
	mustApply(t, m, raw)

	changed, err := ApplyCommand(m, raw)
	if err != nil {
		t.Fatalf("duplicate should be silently acknowledged, got %v", err)
	}
	if changed {
		t.Fatal("duplicate should not change the match")
	}
	if len(in.Ledger) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(in.Ledger))
	}
}

func TestRejectedCommandLeavesMatchUntouched(t *testing.T) {
	m := startedMatch(t)

	before, _ := json.Marshal(m)
	mustReject(t, m, ballCmd(t, BallPayload{
		Wicket: true, WicketType: WicketBowled, DismissedID: "nobody",
	}), KindRuleViolation)
	after, _ := json.Marshal(m)

	if string(before) != string(after) {
		t.Fatal("rejected command mutated the match")
	}
}

func TestTimeout(t *testing.T) {
	m := startedMatch(t)

	mustApply(t, m, newCmd(t, CmdTypeTimeout, TimeoutPayload{Paused: true, Reason: "rain"}))
	if !m.Paused || m.PauseReason != "rain" {
		t.Fatalf("expected paused for rain, got paused=%v reason=%q", m.Paused, m.PauseReason)
	}
	mustReject(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}), KindInvalidState)

	mustApply(t, m, newCmd(t, CmdTypeTimeout, TimeoutPayload{Paused: false}))
	if m.Paused || m.PauseReason != "" {
		t.Fatal("expected resume to clear the pause")
	}
	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}))
}

func TestStartInnings_Rejections(t *testing.T) {
	m := startedMatch(t)

	// An innings is in progress.
	mustReject(t, m, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "tigers", BowlingTeamID: "lions",
	}), KindInvalidState)

	// Unknown team.
	m2 := &Match{}
	mustApply(t, m2, newCmd(t, CmdTypeMatchStart, MatchStartPayload{
		ID: uuid.NewString(), Format: FormatT20, HomeTeamID: "lions", AwayTeamID: "tigers",
	}))
	mustReject(t, m2, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "bears", BowlingTeamID: "lions",
	}), KindNotFound)
}

// bowlOut runs the current innings to its all-out conclusion. Batters
// come in p3, p4, ... as wickets fall, and bowlers alternate between
// overs. runsFirst is scored as singles before the collapse.
func bowlOut(t *testing.T, m *Match, runs int) {
	t.Helper()
	in := m.CurrentInnings()
	bowlers := []string{"b1", "b2"}
	nextBatter := 3

	ensureReady := func() {
		if in.State == InningsOverComplete {
			over := in.Card().LegalBalls / ballsPerOver
			mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{
				BowlerID: bowlers[over%2],
			}))
		}
	}

	for i := 0; i < runs; i++ {
		ensureReady()
		mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 1}))
		if in.State == InningsComplete {
			return
		}
	}

	for in.State != InningsComplete {
		ensureReady()
		striker := in.StrikerID
		mustApply(t, m, ballCmd(t, BallPayload{
			Wicket: true, WicketType: WicketBowled, DismissedID: striker,
		}))
		if in.State == InningsComplete {
			return
		}
		if in.StrikerID == "" {
			mustApply(t, m, newCmd(t, CmdTypeSetBatsman, SetBatsmanPayload{
				BatsmanID: nextBatterID(&nextBatter),
			}))
		}
	}
}

func nextBatterID(n *int) string {
	id := "p" + strconv.Itoa(*n)
	*n++
	return id
}

func TestInnings_AllOut(t *testing.T) {
	m := startedMatch(t)
	in := m.CurrentInnings()

	bowlOut(t, m, 0)

	if in.State != InningsComplete {
		t.Fatalf("expected innings complete, got %s", in.State)
	}
	if got := in.Card().Wickets; got != 10 {
		t.Fatalf("expected 10 wickets, got %d", got)
	}
	// First innings done does not end the match.
	if m.Status != MatchStatusLive {
		t.Fatalf("expected match still live, got %s", m.Status)
	}
}

func TestSecondInnings_ChaseWin(t *testing.T) {
	m := startedMatch(t)
	bowlOut(t, m, 5) // lions all out for 5

	mustApply(t, m, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "tigers", BowlingTeamID: "lions",
	}))
	in := m.CurrentInnings()
	if in.Number != 2 {
		t.Fatalf("expected innings 2, got %d", in.Number)
	}
	if in.Target != 6 {
		t.Fatalf("expected target 6, got %d", in.Target)
	}

	mustApply(t, m, newCmd(t, CmdTypeSetOpeners, SetOpenersPayload{
		StrikerID: "q1", NonStrikerID: "q2",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "c1"}))
	mustApply(t, m, ballCmd(t, BallPayload{RunsOffBat: 6}))

	if in.State != InningsComplete {
		t.Fatalf("expected innings complete on reaching the target, got %s", in.State)
	}
	if m.Status != MatchStatusCompleted {
		t.Fatalf("expected match completed, got %s", m.Status)
	}
	if m.Result != "tigers won by 10 wickets" {
		t.Fatalf("unexpected result: %q", m.Result)
	}
}

func TestSecondInnings_DefenseWin(t *testing.T) {
	m := startedMatch(t)
	bowlOut(t, m, 10) // lions all out for 10, target 11

	mustApply(t, m, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "tigers", BowlingTeamID: "lions",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetOpeners, SetOpenersPayload{
		StrikerID: "q1", NonStrikerID: "q2",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "c1"}))

	bowlOut(t, m, 2) // tigers all out for 2

	if m.Status != MatchStatusCompleted {
		t.Fatalf("expected match completed, got %s", m.Status)
	}
	if m.Result != "lions won by 8 runs" {
		t.Fatalf("unexpected result: %q", m.Result)
	}
}

func TestSecondInnings_Tie(t *testing.T) {
	m := startedMatch(t)
	bowlOut(t, m, 4) // lions 4 all out, target 5

	mustApply(t, m, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "tigers", BowlingTeamID: "lions",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetOpeners, SetOpenersPayload{
		StrikerID: "q1", NonStrikerID: "q2",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "c1"}))

	bowlOut(t, m, 4) // tigers also 4 all out

	if m.Status != MatchStatusCompleted {
		t.Fatalf("expected match completed, got %s", m.Status)
	}
	if m.Result != "match tied" {
		t.Fatalf("unexpected result: %q", m.Result)
	}
}

func TestThirdInningsRejected(t *testing.T) {
	m := startedMatch(t)
	bowlOut(t, m, 0)

	mustApply(t, m, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "tigers", BowlingTeamID: "lions",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetOpeners, SetOpenersPayload{
		StrikerID: "q1", NonStrikerID: "q2",
	}))
	mustApply(t, m, newCmd(t, CmdTypeSetBowler, SetBowlerPayload{BowlerID: "c1"}))
	bowlOut(t, m, 0)

	mustReject(t, m, newCmd(t, CmdTypeStartInnings, StartInningsPayload{
		BattingTeamID: "lions", BowlingTeamID: "tigers",
	}), KindInvalidState)
}

func TestApplyCommands_StopsOnError(t *testing.T) {
	m := startedMatch(t)

	cmds := []json.RawMessage{
		ballCmd(t, BallPayload{RunsOffBat: 1}),
		ballCmd(t, BallPayload{Wicket: true, WicketType: WicketBowled, DismissedID: "ghost"}),
		ballCmd(t, BallPayload{RunsOffBat: 1}),
	}
	changed, err := ApplyCommands(m, cmds)
	if err == nil {
		t.Fatal("expected error from the second command")
	}
	if !changed {
		t.Fatal("the first command should have applied")
	}
	if got := len(m.CurrentInnings().Ledger); got != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", got)
	}
}
