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

import "fmt"

// BattingStats is one batter's line on the scorecard.
type BattingStats struct {
	Runs       int    `json:"runs"`
	BallsFaced int    `json:"ballsFaced"`
	Fours      int    `json:"fours"`
	Sixes      int    `json:"sixes"`
	Out        bool   `json:"out"`
	HowOut     string `json:"howOut,omitempty"`
	BowlerID   string `json:"bowlerId,omitempty"`
	FielderID  string `json:"fielderId,omitempty"`
}

func (b *BattingStats) zero() bool {
	return b.Runs == 0 && b.BallsFaced == 0 && b.Fours == 0 &&
		b.Sixes == 0 && !b.Out
}

// StrikeRate is runs per 100 balls faced.
func (b *BattingStats) StrikeRate() float64 {
	if b.BallsFaced == 0 {
		return 0
	}
	return float64(b.Runs) * 100 / float64(b.BallsFaced)
}

// BowlingStats is one bowler's analysis.
type BowlingStats struct {
	BallsBowled  int `json:"ballsBowled"`
	RunsConceded int `json:"runsConceded"`
	WicketsTaken int `json:"wicketsTaken"`
	Maidens      int `json:"maidens"`
	Wides        int `json:"wides"`
	NoBalls      int `json:"noBalls"`
}

func (b *BowlingStats) zero() bool {
	return b.BallsBowled == 0 && b.RunsConceded == 0 && b.WicketsTaken == 0 &&
		b.Maidens == 0 && b.Wides == 0 && b.NoBalls == 0
}

// Economy is runs conceded per over.
func (b *BowlingStats) Economy() float64 {
	if b.BallsBowled == 0 {
		return 0
	}
	return float64(b.RunsConceded) * ballsPerOver / float64(b.BallsBowled)
}

// Extras is the innings extras breakdown.
type Extras struct {
	Wides   int `json:"wides"`
	NoBalls int `json:"noBalls"`
	Byes    int `json:"byes"`
	LegByes int `json:"legByes"`
}

// Total sums all extras.
func (x Extras) Total() int {
	return x.Wides + x.NoBalls + x.Byes + x.LegByes
}

// FallOfWicket is one entry in the fall-of-wickets list.
type FallOfWicket struct {
	Wicket     int    `json:"wicket"` // ordinal, 1-based
	Score      int    `json:"score"`  // team total when it fell
	Over       int    `json:"over"`
	BallInOver int    `json:"ballInOver"`
	BatterID   string `json:"batterId"`
	Seq        int    `json:"seq"`
}

// Scorecard holds every aggregate derived from an innings ledger. It is
// never persisted: replaying the ledger rebuilds it exactly, and
// ApplyReverse undoes ApplyForward exactly, so the card can be kept
// incrementally without ever drifting from the ledger.
type Scorecard struct {
	Runs       int                      `json:"runs"`
	Wickets    int                      `json:"wickets"`
	LegalBalls int                      `json:"legalBalls"`
	Extras     Extras                   `json:"extras"`
	Batting    map[string]*BattingStats `json:"batting"`
	Bowling    map[string]*BowlingStats `json:"bowling"`
	Falls      []FallOfWicket           `json:"fallOfWickets"`

	// overRuns tracks runs charged to the bowler per over number so
	// maidens stay reversible. One bowler bowls a whole over, so the
	// over number alone identifies whose maiden it is.
	overRuns map[int]int
}

// NewScorecard returns an empty card.
func NewScorecard() *Scorecard {
	return &Scorecard{
		Batting:  make(map[string]*BattingStats),
		Bowling:  make(map[string]*BowlingStats),
		Falls:    make([]FallOfWicket, 0),
		overRuns: make(map[int]int),
	}
}

func (sc *Scorecard) batter(id string) *BattingStats {
	b, ok := sc.Batting[id]
	if !ok {
		b = &BattingStats{}
		sc.Batting[id] = b
	}
	return b
}

func (sc *Scorecard) bowler(id string) *BowlingStats {
	b, ok := sc.Bowling[id]
	if !ok {
		b = &BowlingStats{}
		sc.Bowling[id] = b
	}
	return b
}

// OversString formats a ball count as the conventional "O.B" notation.
func OversString(legalBalls int) string {
	return fmt.Sprintf("%d.%d", legalBalls/ballsPerOver, legalBalls%ballsPerOver)
}

// RunRate is runs per over so far.
func (sc *Scorecard) RunRate() float64 {
	if sc.LegalBalls == 0 {
		return 0
	}
	return float64(sc.Runs) * ballsPerOver / float64(sc.LegalBalls)
}

// ApplyForward folds one event into the card. Amortized O(1): only the
// players the ball touched are updated.
func (sc *Scorecard) ApplyForward(e *BallEvent) {
	sc.Runs += e.TotalRuns()
	if e.Legal() {
		sc.LegalBalls++
	}

	switch e.Extra {
	case ExtraWide:
		sc.Extras.Wides += e.ExtraRuns
	case ExtraNoBall:
		sc.Extras.NoBalls += e.ExtraRuns
	case ExtraBye:
		sc.Extras.Byes += e.ExtraRuns
	case ExtraLegBye:
		sc.Extras.LegByes += e.ExtraRuns
	}

	// The striker faces every delivery except a wide. No entry is
	// created on a wide so that ApplyReverse restores the exact map.
	if e.Extra != ExtraWide {
		bat := sc.batter(e.StrikerID)
		bat.BallsFaced++
		bat.Runs += e.RunsOffBat
		if e.RunsOffBat == 4 {
			bat.Fours++
		} else if e.RunsOffBat == 6 {
			bat.Sixes++
		}
	}

	bowl := sc.bowler(e.BowlerID)
	if e.Legal() {
		bowl.BallsBowled++
	}
	bowl.RunsConceded += e.ChargedToBowler()
	switch e.Extra {
	case ExtraWide:
		bowl.Wides++
	case ExtraNoBall:
		bowl.NoBalls++
	}

	if e.Wicket {
		sc.Wickets++
		dis := sc.batter(e.DismissedID)
		dis.Out = true
		dis.HowOut = e.WicketType
		dis.FielderID = e.FielderID
		if bowlerCredited(e.WicketType) {
			dis.BowlerID = e.BowlerID
			bowl.WicketsTaken++
		}
		sc.Falls = append(sc.Falls, FallOfWicket{
			Wicket:     sc.Wickets,
			Score:      sc.Runs,
			Over:       e.Over,
			BallInOver: e.BallInOver,
			BatterID:   e.DismissedID,
			Seq:        e.Seq,
		})
	}

	sc.overRuns[e.Over] += e.ChargedToBowler()
	if e.Legal() && e.BallInOver == ballsPerOver && sc.overRuns[e.Over] == 0 {
		bowl.Maidens++
	}
}

// ApplyReverse is the exact inverse of ApplyForward: after applying an
// event forward and then reverse, the card is bit-identical to before.
// Entries that return to all-zero are removed so the maps match a fresh
// replay of the shortened ledger.
func (sc *Scorecard) ApplyReverse(e *BallEvent) {
	bowl := sc.bowler(e.BowlerID)

	if e.Legal() && e.BallInOver == ballsPerOver && sc.overRuns[e.Over] == 0 {
		bowl.Maidens--
	}
	sc.overRuns[e.Over] -= e.ChargedToBowler()
	if sc.overRuns[e.Over] == 0 {
		delete(sc.overRuns, e.Over)
	}

	if e.Wicket {
		sc.Falls = sc.Falls[:len(sc.Falls)-1]
		dis := sc.batter(e.DismissedID)
		dis.Out = false
		dis.HowOut = ""
		dis.FielderID = ""
		if bowlerCredited(e.WicketType) {
			dis.BowlerID = ""
			bowl.WicketsTaken--
		}
		sc.Wickets--
		if dis.zero() {
			delete(sc.Batting, e.DismissedID)
		}
	}

	switch e.Extra {
	case ExtraWide:
		bowl.Wides--
	case ExtraNoBall:
		bowl.NoBalls--
	}
	bowl.RunsConceded -= e.ChargedToBowler()
	if e.Legal() {
		bowl.BallsBowled--
	}
	if bowl.zero() {
		delete(sc.Bowling, e.BowlerID)
	}

	if e.Extra != ExtraWide {
		bat := sc.batter(e.StrikerID)
		if e.RunsOffBat == 4 {
			bat.Fours--
		} else if e.RunsOffBat == 6 {
			bat.Sixes--
		}
		bat.Runs -= e.RunsOffBat
		bat.BallsFaced--
		if bat.zero() {
			delete(sc.Batting, e.StrikerID)
		}
	}

	switch e.Extra {
	case ExtraWide:
		sc.Extras.Wides -= e.ExtraRuns
	case ExtraNoBall:
		sc.Extras.NoBalls -= e.ExtraRuns
	case ExtraBye:
		sc.Extras.Byes -= e.ExtraRuns
	case ExtraLegBye:
		sc.Extras.LegByes -= e.ExtraRuns
	}

	if e.Legal() {
		sc.LegalBalls--
	}
	sc.Runs -= e.TotalRuns()
}
