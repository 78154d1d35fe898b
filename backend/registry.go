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
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// Registry manages the global index of matches and rosters. It allows
// listing and access checks from metadata alone, without loading full
// ball-by-ball ledgers.
type Registry struct {
	matchStore  *MatchStore
	rosterStore *RosterStore

	mu sync.RWMutex

	// Authoritative ID sets, rebuilt at startup and maintained on
	// every write. Values are true for live entries, false for
	// tombstones still awaiting GC.
	matchIDs  map[string]bool
	rosterIDs map[string]bool

	// Metadata cache for sorting/filtering/authz (LRU).
	matchMeta  *lru.Cache[string, MatchMetadata]
	rosterMeta *lru.Cache[string, RosterMetadata]

	// GC
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a new Registry and rebuilds the index from the
// stores.
func NewRegistry(ms *MatchStore, rs *RosterStore) *Registry {
	mmCache, _ := lru.New[string, MatchMetadata](5000)
	rmCache, _ := lru.New[string, RosterMetadata](2000)

	r := &Registry{
		matchStore:  ms,
		rosterStore: rs,
		matchIDs:    make(map[string]bool),
		rosterIDs:   make(map[string]bool),
		matchMeta:   mmCache,
		rosterMeta:  rmCache,
		stopChan:    make(chan struct{}),
	}

	r.Rebuild()
	r.StartGC()

	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

// PurgeOldTombstones permanently deletes expired tombstones from disk.
func (r *Registry) PurgeOldTombstones() {
	log.Println("Registry: Garbage collection of expired tombstones started...")
	cutoff := time.Now().UnixNano() - tombstoneTTL.Nanoseconds()

	var purgedMatches, purgedRosters int

	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err == nil && m.Status == MatchStatusDeleted && m.DeletedAt > 0 && m.DeletedAt < cutoff {
			if err := r.matchStore.PurgeMatch(m.ID); err == nil {
				r.mu.Lock()
				delete(r.matchIDs, m.ID)
				r.mu.Unlock()
				r.matchMeta.Remove(m.ID)
				purgedMatches++
			}
		}
	}

	for ro, err := range r.rosterStore.ListAllRosterMetadata() {
		if err == nil && ro.Status == "deleted" && ro.DeletedAt > 0 && ro.DeletedAt < cutoff {
			if err := r.rosterStore.PurgeRoster(ro.ID); err == nil {
				r.mu.Lock()
				delete(r.rosterIDs, ro.ID)
				r.mu.Unlock()
				r.rosterMeta.Remove(ro.ID)
				purgedRosters++
			}
		}
	}

	if purgedMatches > 0 || purgedRosters > 0 {
		log.Printf("Registry: GC complete. Purged %d matches, %d rosters.", purgedMatches, purgedRosters)
	}
}

// Rebuild reconstructs the entire index by scanning the underlying
// stores.
func (r *Registry) Rebuild() {
	log.Println("Registry: Rebuild started...")

	matchIDs := make(map[string]bool)
	rosterIDs := make(map[string]bool)

	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing matches: %v", err)
			break
		}
		matchIDs[m.ID] = m.Status != MatchStatusDeleted
		r.matchMeta.Add(m.ID, m)
	}

	for ro, err := range r.rosterStore.ListAllRosterMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing rosters: %v", err)
			break
		}
		rosterIDs[ro.ID] = ro.Status != "deleted"
		r.rosterMeta.Add(ro.ID, ro)
	}

	r.mu.Lock()
	r.matchIDs = matchIDs
	r.rosterIDs = rosterIDs
	r.mu.Unlock()

	log.Printf("Registry: Rebuild complete. Indexed %d matches, %d rosters.",
		len(matchIDs), len(rosterIDs))
}

// UpdateMatch refreshes the index entry after a write.
func (r *Registry) UpdateMatch(m *Match) {
	meta := m.Metadata()
	r.matchMeta.Add(m.ID, meta)
	r.mu.Lock()
	r.matchIDs[m.ID] = meta.Status != MatchStatusDeleted
	r.mu.Unlock()
}

// UpdateRoster refreshes the index entry after a write.
func (r *Registry) UpdateRoster(ro *Roster) {
	meta := ro.Metadata()
	r.rosterMeta.Add(ro.ID, meta)
	r.mu.Lock()
	r.rosterIDs[ro.ID] = meta.Status != "deleted"
	r.mu.Unlock()
}

// DeleteMatch marks the match as tombstoned in the index.
func (r *Registry) DeleteMatch(matchId string) {
	r.matchMeta.Add(matchId, MatchMetadata{
		ID: matchId, Status: MatchStatusDeleted, DeletedAt: time.Now().UnixNano(),
	})
	r.mu.Lock()
	r.matchIDs[matchId] = false
	r.mu.Unlock()
}

// DeleteRoster marks the roster as tombstoned in the index.
func (r *Registry) DeleteRoster(rosterId string) {
	r.rosterMeta.Add(rosterId, RosterMetadata{
		ID: rosterId, Status: "deleted", DeletedAt: time.Now().UnixNano(),
	})
	r.mu.Lock()
	r.rosterIDs[rosterId] = false
	r.mu.Unlock()
}

func (r *Registry) getMatchMeta(id string) (MatchMetadata, bool) {
	if m, ok := r.matchMeta.Get(id); ok {
		return m, true
	}
	m, err := r.matchStore.LoadMatch(id)
	if err != nil {
		return MatchMetadata{}, false
	}
	meta := m.Metadata()
	r.matchMeta.Add(id, meta)
	return meta, true
}

func (r *Registry) getRosterMeta(id string) (RosterMetadata, bool) {
	if m, ok := r.rosterMeta.Get(id); ok {
		return m, true
	}
	ro, err := r.rosterStore.LoadRoster(id)
	if err != nil {
		return RosterMetadata{}, false
	}
	meta := ro.Metadata()
	r.rosterMeta.Add(id, meta)
	return meta, true
}

// MatchExists reports whether the match is indexed and not deleted.
func (r *Registry) MatchExists(id string) bool {
	r.mu.RLock()
	live, ok := r.matchIDs[id]
	r.mu.RUnlock()
	return ok && live
}

// RosterExists reports whether the roster is indexed and not deleted.
func (r *Registry) RosterExists(id string) bool {
	r.mu.RLock()
	live, ok := r.rosterIDs[id]
	r.mu.RUnlock()
	return ok && live
}

// IsMatchDeleted reports whether the match is a known tombstone.
func (r *Registry) IsMatchDeleted(id string) bool {
	r.mu.RLock()
	live, ok := r.matchIDs[id]
	r.mu.RUnlock()
	return ok && !live
}

// IsRosterDeleted reports whether the roster is a known tombstone.
func (r *Registry) IsRosterDeleted(id string) bool {
	r.mu.RLock()
	live, ok := r.rosterIDs[id]
	r.mu.RUnlock()
	return ok && !live
}

// CountTotalMatches returns the number of live matches.
func (r *Registry) CountTotalMatches() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, live := range r.matchIDs {
		if live {
			n++
		}
	}
	return n
}

// CountTotalRosters returns the number of live rosters.
func (r *Registry) CountTotalRosters() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, live := range r.rosterIDs {
		if live {
			n++
		}
	}
	return n
}

// GetAccessLevel calculates the effective access level for a user on a
// match from indexed metadata, without loading the full document.
func (r *Registry) GetAccessLevel(userId, matchId string) AccessLevel {
	meta, ok := r.getMatchMeta(matchId)
	if !ok || meta.Status == MatchStatusDeleted {
		return AccessNone
	}

	userId = normalizeEmail(userId)
	if userId != "" && normalizeEmail(meta.OwnerID) == userId {
		return AccessAdmin
	}

	level := AccessNone
	if userId != "" {
		for u, role := range meta.Permissions.Users {
			if normalizeEmail(u) != userId {
				continue
			}
			switch role {
			case "admin":
				return AccessAdmin
			case "write":
				level = AccessWrite
			case "read":
				if level < AccessRead {
					level = AccessRead
				}
			}
		}

		// Roster inheritance via both teams.
		for _, teamId := range []string{meta.HomeTeamID, meta.AwayTeamID} {
			if teamId == "" || level >= AccessAdmin {
				continue
			}
			rm, ok := r.getRosterMeta(teamId)
			if !ok || rm.Status == "deleted" {
				continue
			}
			if l := rosterRoleLevel(userId, rm.OwnerID, rm.Roles); l > level {
				level = l
			}
		}
	}

	if level == AccessNone && meta.Permissions.Public == "read" {
		return AccessRead
	}
	return level
}

func rosterRoleLevel(userId, ownerId string, roles RosterRoles) AccessLevel {
	if normalizeEmail(ownerId) == userId {
		return AccessAdmin
	}
	for _, u := range roles.Admins {
		if normalizeEmail(u) == userId {
			return AccessAdmin
		}
	}
	for _, u := range roles.Scorers {
		if normalizeEmail(u) == userId {
			return AccessWrite
		}
	}
	for _, u := range roles.Spectators {
		if normalizeEmail(u) == userId {
			return AccessRead
		}
	}
	return AccessNone
}

// ListMatches returns the IDs of matches the user may read, filtered by
// an optional status and free-text query, sorted by date (newest
// first), then ID for a stable order.
func (r *Registry) ListMatches(userId, status, query string) []string {
	r.mu.RLock()
	candidates := make([]string, 0, len(r.matchIDs))
	for id, live := range r.matchIDs {
		if live {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	query = strings.ToLower(query)

	var ids []string
	for _, id := range candidates {
		meta, ok := r.getMatchMeta(id)
		if !ok || meta.Status == MatchStatusDeleted {
			continue
		}
		if status != "" && meta.Status != status {
			continue
		}
		if query != "" && !matchesQuery(meta, query) {
			continue
		}
		if r.GetAccessLevel(userId, id) < AccessRead {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		m1, _ := r.getMatchMeta(ids[i])
		m2, _ := r.getMatchMeta(ids[j])
		if m1.Date != m2.Date {
			return m1.Date > m2.Date
		}
		return ids[i] < ids[j]
	})
	return ids
}

// ListRosters returns the IDs of rosters the user may read, sorted by
// name.
func (r *Registry) ListRosters(userId string) []string {
	r.mu.RLock()
	candidates := make([]string, 0, len(r.rosterIDs))
	for id, live := range r.rosterIDs {
		if live {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	userId = normalizeEmail(userId)

	var ids []string
	for _, id := range candidates {
		meta, ok := r.getRosterMeta(id)
		if !ok || meta.Status == "deleted" {
			continue
		}
		if userId == "" || rosterRoleLevel(userId, meta.OwnerID, meta.Roles) < AccessRead {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		m1, _ := r.getRosterMeta(ids[i])
		m2, _ := r.getRosterMeta(ids[j])
		if m1.Name != m2.Name {
			return m1.Name < m2.Name
		}
		return ids[i] < ids[j]
	})
	return ids
}

func matchesQuery(m MatchMetadata, query string) bool {
	return strings.Contains(strings.ToLower(m.Venue), query) ||
		strings.Contains(strings.ToLower(m.HomeTeamID), query) ||
		strings.Contains(strings.ToLower(m.AwayTeamID), query) ||
		strings.Contains(strings.ToLower(m.Format), query) ||
		strings.HasPrefix(m.Date, query)
}

// CountOwnedMatches counts live matches owned by the user.
func (r *Registry) CountOwnedMatches(userId string) int {
	userId = normalizeEmail(userId)
	r.mu.RLock()
	candidates := make([]string, 0, len(r.matchIDs))
	for id, live := range r.matchIDs {
		if live {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	count := 0
	for _, id := range candidates {
		if meta, ok := r.getMatchMeta(id); ok && normalizeEmail(meta.OwnerID) == userId {
			count++
		}
	}
	return count
}
