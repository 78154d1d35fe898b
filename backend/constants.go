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

// Schema Versions
const (
	SchemaVersionV1 = 1
)

// Match Formats
const (
	FormatT20  = "T20"
	FormatODI  = "ODI"
	FormatTest = "TEST"
)

// OversLimitForFormat returns the legal overs per innings for a format.
// Zero means unlimited (Test cricket).
func OversLimitForFormat(format string) int {
	switch format {
	case FormatT20:
		return 20
	case FormatODI:
		return 50
	default:
		return 0
	}
}

// Match Statuses
const (
	MatchStatusSetup     = "setup"
	MatchStatusLive      = "live"
	MatchStatusCompleted = "completed"
	MatchStatusDeleted   = "deleted"
)

// Innings States
const (
	InningsAwaitingOpeners = "awaiting_openers"
	InningsInProgress      = "in_progress"
	InningsOverComplete    = "over_complete"
	InningsComplete        = "complete"
)

// Extra Types
const (
	ExtraWide   = "wide"
	ExtraNoBall = "no_ball"
	ExtraBye    = "bye"
	ExtraLegBye = "leg_bye"
)

// Wicket Types
const (
	WicketBowled      = "bowled"
	WicketCaught      = "caught"
	WicketLBW         = "lbw"
	WicketRunOut      = "run_out"
	WicketStumped     = "stumped"
	WicketHitWicket   = "hit_wicket"
	WicketObstructing = "obstructing_the_field"
	WicketRetiredOut  = "retired_out"
)

// Toss Decisions
const (
	TossDecisionBat  = "bat"
	TossDecisionBowl = "bowl"
)

const ballsPerOver = 6

// isValidExtra reports whether s names a known extra type.
func isValidExtra(s string) bool {
	switch s {
	case ExtraWide, ExtraNoBall, ExtraBye, ExtraLegBye:
		return true
	}
	return false
}

// isValidWicket reports whether s names a known dismissal.
func isValidWicket(s string) bool {
	switch s {
	case WicketBowled, WicketCaught, WicketLBW, WicketRunOut,
		WicketStumped, WicketHitWicket, WicketObstructing, WicketRetiredOut:
		return true
	}
	return false
}

// bowlerCredited reports whether the dismissal counts toward the
// bowler's wickets column.
func bowlerCredited(wicketType string) bool {
	switch wicketType {
	case WicketBowled, WicketCaught, WicketLBW, WicketStumped, WicketHitWicket:
		return true
	}
	return false
}

// wicketAllowedOnExtra encodes which dismissals remain possible when the
// delivery is an extra (ICC playing conditions: no bowled/caught/lbw off
// a wide, and only run out or obstructing off a no-ball).
func wicketAllowedOnExtra(extra, wicketType string) bool {
	switch extra {
	case ExtraWide:
		switch wicketType {
		case WicketRunOut, WicketStumped, WicketHitWicket, WicketObstructing:
			return true
		}
		return false
	case ExtraNoBall:
		switch wicketType {
		case WicketRunOut, WicketObstructing:
			return true
		}
		return false
	}
	return true
}
