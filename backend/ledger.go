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

// BallEvent is one committed delivery (or attempted delivery, for wides
// and no-balls). Events are immutable once appended; the only way to
// change history is to undo the tail.
type BallEvent struct {
	ID           string `json:"id"`
	Seq          int    `json:"seq"`        // 1-based, monotonic, the sole ordering key
	Over         int    `json:"over"`       // 1-based
	BallInOver   int    `json:"ballInOver"` // 1-based legal slot; wides/no-balls do not advance it
	StrikerID    string `json:"strikerId"`
	NonStrikerID string `json:"nonStrikerId"`
	BowlerID     string `json:"bowlerId"`
	RunsOffBat   int    `json:"runsOffBat"`
	Extra        string `json:"extra,omitempty"` // "", wide, no_ball, bye, leg_bye
	ExtraRuns    int    `json:"extraRuns,omitempty"`
	Wicket       bool   `json:"wicket,omitempty"`
	WicketType   string `json:"wicketType,omitempty"`
	DismissedID  string `json:"dismissedId,omitempty"`
	FielderID    string `json:"fielderId,omitempty"`
	Commentary   string `json:"commentary,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Legal reports whether the delivery counts toward over completion.
// Wides and no-balls do not; byes and leg-byes do.
func (e *BallEvent) Legal() bool {
	return e.Extra != ExtraWide && e.Extra != ExtraNoBall
}

// TotalRuns is everything the ball added to the innings total.
func (e *BallEvent) TotalRuns() int {
	return e.RunsOffBat + e.ExtraRuns
}

// RunsRan is the number of runs the batsmen physically ran (or boundary
// equivalents). The one-run penalty of a wide or no-ball is awarded, not
// run, so it never contributes. This is what decides strike rotation.
func (e *BallEvent) RunsRan() int {
	switch e.Extra {
	case ExtraWide:
		return e.ExtraRuns - 1
	case ExtraNoBall:
		return e.RunsOffBat + e.ExtraRuns - 1
	case ExtraBye, ExtraLegBye:
		return e.ExtraRuns
	default:
		return e.RunsOffBat
	}
}

// ChargedToBowler is the portion of the ball's runs debited against the
// bowler's analysis. Byes and leg-byes are the fielding side's fault,
// not the bowler's.
func (e *BallEvent) ChargedToBowler() int {
	switch e.Extra {
	case ExtraBye, ExtraLegBye:
		return 0
	default:
		return e.RunsOffBat + e.ExtraRuns
	}
}

// RotatesStrike is the deterministic strike-rotation rule: an odd number
// of physically-run runs swaps the batsmen, and the end of an over swaps
// them again. It is a pure function of the event so replay and undo
// re-derive it identically.
func (e *BallEvent) RotatesStrike() bool {
	rotated := e.RunsRan()%2 == 1
	if e.Legal() && e.BallInOver == ballsPerOver {
		rotated = !rotated
	}
	return rotated
}

// Ledger is the append-only sequence of ball events for one innings.
// It is the source of truth: every aggregate is a fold over it.
type Ledger []BallEvent

// Append adds an event and returns its assigned sequence index.
// The caller (the scoring state machine) has already validated it.
func (l *Ledger) Append(e BallEvent) int {
	e.Seq = len(*l) + 1
	*l = append(*l, e)
	return e.Seq
}

// RemoveLast pops the highest-index entry. Used exclusively by undo.
func (l *Ledger) RemoveLast() (BallEvent, error) {
	if len(*l) == 0 {
		return BallEvent{}, emptyLedger("ledger is empty")
	}
	e := (*l)[len(*l)-1]
	*l = (*l)[:len(*l)-1]
	return e, nil
}

// Last returns the tail event without removing it.
func (l Ledger) Last() (BallEvent, bool) {
	if len(l) == 0 {
		return BallEvent{}, false
	}
	return l[len(l)-1], true
}

// LegalBallCount counts legal deliveries in the ledger.
func (l Ledger) LegalBallCount() int {
	n := 0
	for i := range l {
		if l[i].Legal() {
			n++
		}
	}
	return n
}

// ReplayFrom folds events 1..seq into a scorecard. It is deterministic:
// the same prefix always yields the same aggregates. Pass seq >= len to
// replay the full ledger.
func (l Ledger) ReplayFrom(seq int) *Scorecard {
	sc := NewScorecard()
	for i := range l {
		if l[i].Seq > seq {
			break
		}
		sc.ApplyForward(&l[i])
	}
	return sc
}

// Replay folds the entire ledger.
func (l Ledger) Replay() *Scorecard {
	return l.ReplayFrom(len(l))
}

// bowlerOfOver returns the bowler of the given over number, or "" if no
// ball of that over is in the ledger.
func (l Ledger) bowlerOfOver(over int) string {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Over == over {
			return l[i].BowlerID
		}
	}
	return ""
}
