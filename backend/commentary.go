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
	"fmt"
	"strings"
)

// generateCommentary produces the default text line for a ball when the
// scorer did not supply one. Plain and factual; the scorer's own text
// always wins.
func generateCommentary(e *BallEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d %s to %s", e.Over, e.BallInOver, e.BowlerID, e.StrikerID)

	if e.Wicket {
		fmt.Fprintf(&b, ", WICKET! %s %s", e.DismissedID, wicketText(e))
		if r := e.RunsRan(); r > 0 {
			fmt.Fprintf(&b, ", %d run%s completed", r, plural(r))
		}
		return b.String()
	}

	switch e.Extra {
	case ExtraWide:
		if e.ExtraRuns > 1 {
			fmt.Fprintf(&b, ", wide, %d runs", e.ExtraRuns)
		} else {
			b.WriteString(", wide")
		}
	case ExtraNoBall:
		b.WriteString(", no ball")
		if e.RunsOffBat > 0 {
			fmt.Fprintf(&b, ", %d off the bat", e.RunsOffBat)
		}
	case ExtraBye:
		fmt.Fprintf(&b, ", %d bye%s", e.ExtraRuns, plural(e.ExtraRuns))
	case ExtraLegBye:
		fmt.Fprintf(&b, ", %d leg bye%s", e.ExtraRuns, plural(e.ExtraRuns))
	default:
		switch e.RunsOffBat {
		case 0:
			b.WriteString(", no run")
		case 4:
			b.WriteString(", FOUR")
		case 6:
			b.WriteString(", SIX")
		default:
			fmt.Fprintf(&b, ", %d run%s", e.RunsOffBat, plural(e.RunsOffBat))
		}
	}
	return b.String()
}

func wicketText(e *BallEvent) string {
	switch e.WicketType {
	case WicketBowled:
		return "bowled"
	case WicketCaught:
		if e.FielderID != "" {
			return fmt.Sprintf("caught by %s", e.FielderID)
		}
		return "caught"
	case WicketLBW:
		return "lbw"
	case WicketRunOut:
		if e.FielderID != "" {
			return fmt.Sprintf("run out (%s)", e.FielderID)
		}
		return "run out"
	case WicketStumped:
		if e.FielderID != "" {
			return fmt.Sprintf("stumped by %s", e.FielderID)
		}
		return "stumped"
	case WicketHitWicket:
		return "hit wicket"
	case WicketObstructing:
		return "obstructing the field"
	case WicketRetiredOut:
		return "retired out"
	}
	return e.WicketType
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
