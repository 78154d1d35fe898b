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
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// Permissions defines access control for a match.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"
}

// Innings holds one innings: the ball-by-ball ledger plus the live
// context the next delivery needs (who is where). Everything else is
// derived from the ledger.
type Innings struct {
	Number        int    `json:"number"` // 1 or 2
	BattingTeamID string `json:"battingTeamId"`
	BowlingTeamID string `json:"bowlingTeamId"`
	Target        int    `json:"target,omitempty"` // second innings only
	State         string `json:"state"`
	StrikerID     string `json:"strikerId,omitempty"`
	NonStrikerID  string `json:"nonStrikerId,omitempty"`
	BowlerID      string `json:"bowlerId,omitempty"`
	PrevBowlerID  string `json:"prevBowlerId,omitempty"`
	Ledger        Ledger `json:"ledger"`

	// card caches the scorecard derived from Ledger. It is never
	// persisted; loads rebuild it lazily via Card().
	card *Scorecard
}

// Card returns the innings scorecard, replaying the ledger if the
// cached one was lost (fresh load, raft restore).
func (in *Innings) Card() *Scorecard {
	if in.card == nil {
		in.card = in.Ledger.Replay()
	}
	return in.card
}

// invalidateCard drops the cached scorecard so the next Card() call
// rebuilds it from the ledger.
func (in *Innings) invalidateCard() {
	in.card = nil
}

// Match is the full match document as stored on disk.
type Match struct {
	ID            string      `json:"id"`
	SchemaVersion int         `json:"schemaVersion"`
	Format        string      `json:"format"`
	OversLimit    int         `json:"oversLimit"` // 0 = unlimited
	Date          string      `json:"date,omitempty"`
	Venue         string      `json:"venue,omitempty"`
	HomeTeamID    string      `json:"homeTeamId,omitempty"`
	AwayTeamID    string      `json:"awayTeamId,omitempty"`
	TossWinnerID  string      `json:"tossWinnerId,omitempty"`
	TossDecision  string      `json:"tossDecision,omitempty"`
	Status        string      `json:"status"`
	Paused        bool        `json:"paused,omitempty"`
	PauseReason   string      `json:"pauseReason,omitempty"`
	Result        string      `json:"result,omitempty"`
	OwnerID       string      `json:"ownerId"`
	Permissions   Permissions `json:"permissions,omitempty"`
	Innings       []*Innings  `json:"innings,omitempty"`

	// RecentCommandIDs holds the ids of the most recently applied
	// commands so retried submissions are acknowledged without being
	// applied twice.
	RecentCommandIDs []string `json:"recentCommandIds,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the match was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex tracks the index of the last Raft log entry applied
	// to this match. Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (m *Match) normalize() {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = SchemaVersionV1
	}
	if m.Permissions.Users == nil {
		m.Permissions.Users = make(map[string]string)
	}
	if m.Innings == nil {
		m.Innings = make([]*Innings, 0)
	}
	for _, in := range m.Innings {
		if in.Ledger == nil {
			in.Ledger = make(Ledger, 0)
		}
	}
	if m.OversLimit == 0 && m.Format != FormatTest {
		m.OversLimit = OversLimitForFormat(m.Format)
	}
}

// CurrentInnings returns the innings in play, or nil before startInnings.
func (m *Match) CurrentInnings() *Innings {
	if len(m.Innings) == 0 {
		return nil
	}
	return m.Innings[len(m.Innings)-1]
}

// SeenCommand reports whether cmdID was applied recently. The window is
// small; retries arrive within seconds.
func (m *Match) SeenCommand(cmdID string) bool {
	for _, id := range m.RecentCommandIDs {
		if id == cmdID {
			return true
		}
	}
	return false
}

// RememberCommand records cmdID as applied. Only successfully applied
// commands are recorded so a rejected command can be fixed and
// resubmitted under the same id.
func (m *Match) RememberCommand(cmdID string) {
	m.RecentCommandIDs = append(m.RecentCommandIDs, cmdID)
	if n := len(m.RecentCommandIDs); n > recentCommandWindow {
		m.RecentCommandIDs = m.RecentCommandIDs[n-recentCommandWindow:]
	}
}

const recentCommandWindow = 20

// Clone deep-copies the match through a JSON round trip. Mutations are
// applied to a clone and committed only after they persist.
func (m *Match) Clone() (*Match, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var c Match
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.normalize()
	return &c, nil
}

// MatchStore manages match persistence to disk.
type MatchStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per matchId
	cache   sync.Map // latest []byte (JSON) per matchId

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewMatchStore creates a new MatchStore.
func NewMatchStore(dataDir string, s *storage.Storage) *MatchStore {
	return &MatchStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func matchFilenames(matchId string) (string, string) {
	encoded := url.PathEscape(matchId)
	return filepath.Join("matches", fmt.Sprintf("%s.json", encoded)),
		filepath.Join("matches", fmt.Sprintf("%s.meta.json", encoded))
}

// SaveMatch saves the match data atomically, plus a metadata sidecar so
// listings never need the full ledgers.
func (ms *MatchStore) SaveMatch(match *Match) error {
	matchId := match.ID
	m, _ := ms.mu.LoadOrStore(matchId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := matchFilenames(matchId)

	if err := ms.storage.SaveDataFile(filename, match); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}

	meta := match.Metadata()
	if err := ms.storage.SaveDataFile(metaFilename, &meta); err != nil {
		// Non-fatal, listings fall back to the main file.
		log.Printf("Warning: Failed to save metadata sidecar for match %s: %v", matchId, err)
	}

	if jsonBytes, err := json.Marshal(match); err == nil {
		ms.cache.Store(matchId, jsonBytes)
	}

	ms.dirtyMu.Lock()
	delete(ms.dirty, matchId)
	ms.dirtyMu.Unlock()

	return nil
}

// SaveMatchInMemory updates the in-memory cache and marks the match as
// dirty. If forceSync is true, it writes to disk immediately.
func (ms *MatchStore) SaveMatchInMemory(match *Match, forceSync bool) error {
	jsonBytes, err := json.Marshal(match)
	if err != nil {
		return err
	}
	ms.cache.Store(match.ID, jsonBytes)

	if forceSync {
		return ms.SaveMatch(match)
	}

	ms.dirtyMu.Lock()
	ms.dirty[match.ID] = true
	ms.dirtyMu.Unlock()

	return nil
}

// Flush persists a specific match to disk if it is dirty.
func (ms *MatchStore) Flush(matchId string) error {
	ms.dirtyMu.Lock()
	if !ms.dirty[matchId] {
		ms.dirtyMu.Unlock()
		return nil
	}
	ms.dirtyMu.Unlock()

	val, ok := ms.cache.Load(matchId)
	if !ok {
		ms.dirtyMu.Lock()
		delete(ms.dirty, matchId)
		ms.dirtyMu.Unlock()
		return fmt.Errorf("match %s marked dirty but not found in cache", matchId)
	}

	var m Match
	if err := json.Unmarshal(val.([]byte), &m); err != nil {
		return fmt.Errorf("failed to unmarshal match from cache for flush: %w", err)
	}

	// SaveMatch clears the dirty flag.
	return ms.SaveMatch(&m)
}

// FlushAll persists all dirty matches to disk.
func (ms *MatchStore) FlushAll() error {
	ms.dirtyMu.Lock()
	dirtyIds := make([]string, 0, len(ms.dirty))
	for id := range ms.dirty {
		dirtyIds = append(dirtyIds, id)
	}
	ms.dirtyMu.Unlock()

	for _, id := range dirtyIds {
		if err := ms.Flush(id); err != nil {
			return fmt.Errorf("failed to flush match %s: %w", id, err)
		}
	}
	return nil
}

// LoadMatch loads the match by ID, preferring the in-memory cache.
func (ms *MatchStore) LoadMatch(matchId string) (*Match, error) {
	if val, ok := ms.cache.Load(matchId); ok {
		var m Match
		if err := json.Unmarshal(val.([]byte), &m); err == nil {
			if ms.Debug {
				log.Printf("[CACHE] Hit for match %s", matchId)
			}
			m.normalize()
			return &m, nil
		}
		ms.cache.Delete(matchId)
	}
	if ms.Debug {
		log.Printf("[CACHE] Miss for match %s", matchId)
	}

	mu, _ := ms.mu.LoadOrStore(matchId, &sync.RWMutex{})
	mutex := mu.(*sync.RWMutex)

	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := matchFilenames(matchId)

	var m Match
	err := ms.storage.ReadDataFile(filename, &m)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	m.normalize()

	if jsonBytes, err := json.Marshal(&m); err == nil {
		ms.cache.Store(matchId, jsonBytes)
	}

	return &m, nil
}

// LoadMatchAsJSON is a helper for API handlers that just want bytes.
func (ms *MatchStore) LoadMatchAsJSON(matchId string) ([]byte, error) {
	m, err := ms.LoadMatch(matchId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DeleteMatch deletes a match by overwriting it with a tombstone.
func (ms *MatchStore) DeleteMatch(matchId string) error {
	// Load first to get OwnerID.
	m, err := ms.LoadMatch(matchId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	mu, _ := ms.mu.LoadOrStore(matchId, &sync.RWMutex{})
	mutex := mu.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	tombstone := &Match{
		ID:            matchId,
		SchemaVersion: SchemaVersionV1,
		Status:        MatchStatusDeleted,
		OwnerID:       m.OwnerID,
		DeletedAt:     time.Now().UnixNano(),
	}

	filename, metaFilename := matchFilenames(matchId)

	if err := ms.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}

	meta := tombstone.Metadata()
	if err := ms.storage.SaveDataFile(metaFilename, &meta); err != nil {
		log.Printf("Warning: Failed to save metadata tombstone for match %s: %v", matchId, err)
	}

	if jsonBytes, err := json.Marshal(tombstone); err == nil {
		ms.cache.Store(matchId, jsonBytes)
	}

	return nil
}

// PurgeMatch permanently deletes the match file.
func (ms *MatchStore) PurgeMatch(matchId string) error {
	mu, _ := ms.mu.LoadOrStore(matchId, &sync.RWMutex{})
	mutex := mu.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	ms.cache.Delete(matchId)

	filename, metaFilename := matchFilenames(matchId)
	fullPath := filepath.Join(ms.DataDir, filename)
	fullMetaPath := filepath.Join(ms.DataDir, metaFilename)

	if err := os.Remove(fullPath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not purge match file: %w", err)
		}
	}
	if err := os.Remove(fullMetaPath); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: could not purge meta file for match %s: %v", matchId, err)
		}
	}
	return nil
}

// MatchMetadata contains only the fields needed for indexing.
type MatchMetadata struct {
	ID           string      `json:"id"`
	OwnerID      string      `json:"ownerId"`
	Permissions  Permissions `json:"permissions"`
	Format       string      `json:"format"`
	Date         string      `json:"date"`
	Venue        string      `json:"venue"`
	HomeTeamID   string      `json:"homeTeamId"`
	AwayTeamID   string      `json:"awayTeamId"`
	Status       string      `json:"status"`
	Result       string      `json:"result"`
	LastEventID  string      `json:"lastEventId"`
	DeletedAt    int64       `json:"deletedAt"`
}

// Metadata extracts the indexable subset of the match.
func (m *Match) Metadata() MatchMetadata {
	meta := MatchMetadata{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Permissions: m.Permissions,
		Format:      m.Format,
		Date:        m.Date,
		Venue:       m.Venue,
		HomeTeamID:  m.HomeTeamID,
		AwayTeamID:  m.AwayTeamID,
		Status:      m.Status,
		Result:      m.Result,
		DeletedAt:   m.DeletedAt,
	}
	if in := m.CurrentInnings(); in != nil {
		if last, ok := in.Ledger.Last(); ok {
			meta.LastEventID = last.ID
		}
	}
	return meta
}

// ListAllMatchMetadata returns metadata for all matches without loading
// full ledgers.
func (ms *MatchStore) ListAllMatchMetadata() iter.Seq2[MatchMetadata, error] {
	return func(yield func(MatchMetadata, error) bool) {
		matchesDir := filepath.Join(ms.DataDir, "matches")
		files, err := os.ReadDir(matchesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(MatchMetadata{}, fmt.Errorf("could not read matches directory: %w", err))
			return
		}

		hasMeta := make(map[string]bool)
		hasMatch := make(map[string]bool)

		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if strings.HasSuffix(name, ".meta.json") {
				encodedId := strings.TrimSuffix(name, ".meta.json")
				if id, err := url.PathUnescape(encodedId); err == nil {
					hasMeta[id] = true
				}
			} else if strings.HasSuffix(name, ".json") {
				encodedId := strings.TrimSuffix(name, ".json")
				if id, err := url.PathUnescape(encodedId); err == nil {
					hasMatch[id] = true
				}
			}
		}

		processed := make(map[string]bool)

		// Fast path: metadata sidecars.
		for id := range hasMeta {
			processed[id] = true

			_, metaFilename := matchFilenames(id)
			var meta MatchMetadata
			if err := ms.storage.ReadDataFile(metaFilename, &meta); err != nil {
				log.Printf("Registry Warning: failed to load metadata for %s: %v. Falling back to main file.", id, err)
				hasMatch[id] = true
				processed[id] = false
				continue
			}

			if !yield(meta, nil) {
				return
			}
		}

		// Fallback path: full match files without a sidecar.
		for id := range hasMatch {
			if processed[id] {
				continue
			}
			processed[id] = true

			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("Registry Warning: failed to load match %s from disk: %v", id, err)
				continue
			}

			if !yield(m.Metadata(), nil) {
				return
			}
		}

		// Dirty cache: matches created in memory but not yet flushed.
		ms.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(ms.dirty))
		for id := range ms.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		ms.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if processed[id] {
				continue
			}

			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty match %s: %v", id, err)
				continue
			}

			if !yield(m.Metadata(), nil) {
				return
			}
		}
	}
}

// ListAllMatches returns an iterator over all matches in the flat
// matches directory.
func (ms *MatchStore) ListAllMatches() iter.Seq2[*Match, error] {
	return func(yield func(*Match, error) bool) {
		matchesDir := filepath.Join(ms.DataDir, "matches")
		files, err := os.ReadDir(matchesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(nil, fmt.Errorf("could not read matches directory: %w", err))
			return
		}

		seen := make(map[string]bool)

		for _, file := range files {
			name := file.Name()
			if file.IsDir() || strings.HasSuffix(name, ".meta.json") || !strings.HasSuffix(name, ".json") {
				continue
			}
			encodedId := strings.TrimSuffix(name, ".json")
			matchId, err := url.PathUnescape(encodedId)
			if err != nil {
				continue
			}

			seen[matchId] = true

			m, err := ms.LoadMatch(matchId)
			if err != nil {
				log.Printf("Warning: could not load match '%s': %v", matchId, err)
				continue
			}
			if !yield(m, nil) {
				return
			}
		}

		// New matches not yet on disk.
		ms.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(ms.dirty))
		for id := range ms.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		ms.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if seen[id] {
				continue
			}

			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty match %s: %v", id, err)
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}
