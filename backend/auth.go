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
	"net/http"
	"strings"
)

type contextKey struct{}

// userIDKey is the context key for the authenticated user's ID (email).
// The associated value is always a string.
var userIDKey contextKey

// getUserID returns the UserID from the request context, if present.
func getUserID(r *http.Request) string {
	if val := r.Context().Value(userIDKey); val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// normalizeEmail ensures consistent casing and whitespace for User IDs.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// maskEmail obscures an email address for safe logging.
// e.g. "user@example.com" -> "u***@example.com"
func maskEmail(email string) string {
	if email == "" {
		return "<empty>"
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || len(parts[0]) < 1 {
		return "****"
	}
	return string(parts[0][0]) + "***@" + parts[1]
}

type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessAdmin
)

// GetMatchAccess calculates the effective access level for a user on a
// match. Direct permissions, then roster-role inheritance from both
// teams, then the public flag.
func GetMatchAccess(userId string, match *Match, rStore *RosterStore) AccessLevel {
	userId = normalizeEmail(userId)

	// 1. Owner has full access
	if userId != "" && normalizeEmail(match.OwnerID) == userId {
		return AccessAdmin
	}

	// 2. Check direct permissions
	if userId != "" && match.Permissions.Users != nil {
		for u, role := range match.Permissions.Users {
			if normalizeEmail(u) == userId {
				switch role {
				case "write":
					return AccessWrite
				case "read":
					return AccessRead
				}
			}
		}
	}

	// 3. Check roster inheritance
	level := AccessNone
	if userId != "" {
		checkRoster := func(teamId string) {
			if teamId == "" {
				return
			}
			ro, err := rStore.LoadRoster(teamId)
			if err != nil {
				return
			}
			if l := GetRosterAccess(userId, ro); l > level {
				level = l
			}
		}

		checkRoster(match.HomeTeamID)
		if level < AccessAdmin {
			checkRoster(match.AwayTeamID)
		}
	}

	if level > AccessNone {
		return level
	}

	// 4. Check public access
	if match.Permissions.Public == "read" {
		return AccessRead
	}

	return AccessNone
}

// GetRosterAccess calculates the effective access level for a user on a
// roster. Admins administer, scorers score, spectators watch.
func GetRosterAccess(userId string, roster *Roster) AccessLevel {
	userId = normalizeEmail(userId)
	if userId == "" {
		return AccessNone
	}
	if normalizeEmail(roster.OwnerID) == userId {
		return AccessAdmin
	}

	for _, u := range roster.Roles.Admins {
		if normalizeEmail(u) == userId {
			return AccessAdmin
		}
	}
	for _, u := range roster.Roles.Scorers {
		if normalizeEmail(u) == userId {
			return AccessWrite
		}
	}
	for _, u := range roster.Roles.Spectators {
		if normalizeEmail(u) == userId {
			return AccessRead
		}
	}

	return AccessNone
}
