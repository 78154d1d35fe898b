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

// BatterView is one of the two current batters in the live snapshot.
type BatterView struct {
	PlayerID   string  `json:"playerId"`
	Runs       int     `json:"runs"`
	BallsFaced int     `json:"ballsFaced"`
	Fours      int     `json:"fours"`
	Sixes      int     `json:"sixes"`
	StrikeRate float64 `json:"strikeRate"`
	OnStrike   bool    `json:"onStrike"`
}

// BowlerView is the current bowler's figures in the live snapshot.
type BowlerView struct {
	PlayerID     string  `json:"playerId"`
	Overs        string  `json:"overs"`
	RunsConceded int     `json:"runsConceded"`
	WicketsTaken int     `json:"wicketsTaken"`
	Maidens      int     `json:"maidens"`
	Economy      float64 `json:"economy"`
}

// InningsView summarizes one innings for the snapshot.
type InningsView struct {
	Number          int            `json:"number"`
	BattingTeamID   string         `json:"battingTeamId"`
	BowlingTeamID   string         `json:"bowlingTeamId"`
	State           string         `json:"state"`
	Runs            int            `json:"runs"`
	Wickets         int            `json:"wickets"`
	Overs           string         `json:"overs"`
	Extras          Extras         `json:"extras"`
	RunRate         float64        `json:"runRate"`
	Target          int            `json:"target,omitempty"`
	RequiredRunRate float64        `json:"requiredRunRate,omitempty"`
	FallOfWickets   []FallOfWicket `json:"fallOfWickets,omitempty"`
}

// CurrentState is the full live snapshot pushed to every subscriber
// after each accepted mutation, and sent once on join. It is always
// derived, never persisted.
type CurrentState struct {
	MatchID     string `json:"matchId"`
	Format      string `json:"format"`
	OversLimit  int    `json:"oversLimit"`
	HomeTeamID  string `json:"homeTeamId"`
	AwayTeamID  string `json:"awayTeamId"`
	Status      string `json:"status"`
	Paused      bool   `json:"paused,omitempty"`
	PauseReason string `json:"pauseReason,omitempty"`
	Result      string `json:"result,omitempty"`

	// Revision is the id of the last ledger event across the match, so
	// clients can tell whether a snapshot supersedes the one they have.
	Revision string `json:"revision,omitempty"`

	Innings  []InningsView `json:"innings,omitempty"`
	Batsmen  []BatterView  `json:"batsmen,omitempty"`
	Bowler   *BowlerView   `json:"bowler,omitempty"`
	LastOver []BallEvent   `json:"lastOver,omitempty"`
	Card     *Scorecard    `json:"scorecard,omitempty"`
}

// BuildCurrentState derives the live snapshot from the match document.
func BuildCurrentState(m *Match) *CurrentState {
	cs := &CurrentState{
		MatchID:     m.ID,
		Format:      m.Format,
		OversLimit:  m.OversLimit,
		HomeTeamID:  m.HomeTeamID,
		AwayTeamID:  m.AwayTeamID,
		Status:      m.Status,
		Paused:      m.Paused,
		PauseReason: m.PauseReason,
		Result:      m.Result,
	}

	for _, in := range m.Innings {
		card := in.Card()
		iv := InningsView{
			Number:        in.Number,
			BattingTeamID: in.BattingTeamID,
			BowlingTeamID: in.BowlingTeamID,
			State:         in.State,
			Runs:          card.Runs,
			Wickets:       card.Wickets,
			Overs:         OversString(card.LegalBalls),
			Extras:        card.Extras,
			RunRate:       card.RunRate(),
			Target:        in.Target,
			FallOfWickets: card.Falls,
		}
		if in.Target > 0 && in.State != InningsComplete && m.OversLimit > 0 {
			if remaining := m.OversLimit*ballsPerOver - card.LegalBalls; remaining > 0 {
				iv.RequiredRunRate = float64(in.Target-card.Runs) * ballsPerOver / float64(remaining)
			}
		}
		cs.Innings = append(cs.Innings, iv)
		if last, ok := in.Ledger.Last(); ok {
			cs.Revision = last.ID
		}
	}

	in := m.CurrentInnings()
	if in == nil {
		return cs
	}
	card := in.Card()
	cs.Card = card

	for _, id := range []string{in.StrikerID, in.NonStrikerID} {
		if id == "" {
			continue
		}
		bv := BatterView{PlayerID: id, OnStrike: id == in.StrikerID}
		if bs, ok := card.Batting[id]; ok {
			bv.Runs = bs.Runs
			bv.BallsFaced = bs.BallsFaced
			bv.Fours = bs.Fours
			bv.Sixes = bs.Sixes
			bv.StrikeRate = bs.StrikeRate()
		}
		cs.Batsmen = append(cs.Batsmen, bv)
	}

	bowlerID := in.BowlerID
	if bowlerID == "" {
		// Between overs the just-finished bowler's figures stay up.
		bowlerID = in.PrevBowlerID
	}
	if bowlerID != "" {
		bw := &BowlerView{PlayerID: bowlerID}
		if bs, ok := card.Bowling[bowlerID]; ok {
			bw.Overs = OversString(bs.BallsBowled)
			bw.RunsConceded = bs.RunsConceded
			bw.WicketsTaken = bs.WicketsTaken
			bw.Maidens = bs.Maidens
			bw.Economy = bs.Economy()
		}
		cs.Bowler = bw
	}

	cs.LastOver = lastOverEvents(in)
	return cs
}

// lastOverEvents returns the events of the over in progress, or of the
// last completed over when none is.
func lastOverEvents(in *Innings) []BallEvent {
	last, ok := in.Ledger.Last()
	if !ok {
		return nil
	}
	over := last.Over
	var out []BallEvent
	for i := range in.Ledger {
		if in.Ledger[i].Over == over {
			out = append(out, in.Ledger[i])
		}
	}
	return out
}
