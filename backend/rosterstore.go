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

// Player is one entry in a team roster.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"` // batter, bowler, all_rounder, wicketkeeper
}

// RosterRoles defines the people attached to a team roster by what they
// are allowed to do with its matches.
type RosterRoles struct {
	Admins     []string `json:"admins"`
	Scorers    []string `json:"scorers"`
	Spectators []string `json:"spectators"`
}

func (r *RosterRoles) normalize() {
	if r.Admins == nil {
		r.Admins = make([]string, 0)
	}
	if r.Scorers == nil {
		r.Scorers = make([]string, 0)
	}
	if r.Spectators == nil {
		r.Spectators = make([]string, 0)
	}
}

// Roster represents a persistent team roster and its permissions. Its
// ID doubles as the team ID referenced by matches.
type Roster struct {
	ID            string      `json:"id"`
	SchemaVersion int         `json:"schemaVersion"`
	Name          string      `json:"name,omitempty"`
	ShortName     string      `json:"shortName,omitempty"`
	Players       []Player    `json:"players,omitempty"`
	OwnerID       string      `json:"ownerId"`
	Roles         RosterRoles `json:"roles,omitempty"`
	UpdatedAt     int64       `json:"updatedAt,omitempty"`

	// Status can be "active" (default/empty) or "deleted"
	Status string `json:"status,omitempty"`
	// DeletedAt is the timestamp (Unix Nano) when the roster was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex tracks the index of the last Raft log entry applied
	// to this roster. Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (r *Roster) normalize() {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = SchemaVersionV1
	}
	if r.Players == nil {
		r.Players = make([]Player, 0)
	}
	r.Roles.normalize()
}

// HasPlayer reports whether playerId is on the roster.
func (r *Roster) HasPlayer(playerId string) bool {
	for i := range r.Players {
		if r.Players[i].ID == playerId {
			return true
		}
	}
	return false
}

// RosterStore manages roster persistence to disk.
type RosterStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // *sync.Mutex per rosterId
}

// NewRosterStore creates a new RosterStore.
func NewRosterStore(dataDir string, s *storage.Storage) *RosterStore {
	return &RosterStore{
		DataDir: dataDir,
		storage: s,
	}
}

func rosterFilename(rosterId string) string {
	return filepath.Join("rosters", fmt.Sprintf("%s.json", url.PathEscape(rosterId)))
}

// SaveRoster saves the roster data atomically.
func (rs *RosterStore) SaveRoster(roster *Roster) error {
	m, _ := rs.mu.LoadOrStore(roster.ID, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	if err := rs.storage.SaveDataFile(rosterFilename(roster.ID), roster); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// LoadRoster loads the roster data by ID.
func (rs *RosterStore) LoadRoster(rosterId string) (*Roster, error) {
	var r Roster
	err := rs.storage.ReadDataFile(rosterFilename(rosterId), &r)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	r.normalize()

	return &r, nil
}

// LoadRosterAsJSON is a helper for API handlers that just want bytes.
func (rs *RosterStore) LoadRosterAsJSON(rosterId string) ([]byte, error) {
	r, err := rs.LoadRoster(rosterId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// RosterMetadata contains only the fields needed for indexing.
type RosterMetadata struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	OwnerID   string      `json:"ownerId"`
	Roles     RosterRoles `json:"roles"`
	UpdatedAt int64       `json:"updatedAt"`
	Status    string      `json:"status"`
	DeletedAt int64       `json:"deletedAt"`
}

// Metadata extracts the indexable subset of the roster.
func (r *Roster) Metadata() RosterMetadata {
	return RosterMetadata{
		ID:        r.ID,
		Name:      r.Name,
		OwnerID:   r.OwnerID,
		Roles:     r.Roles,
		UpdatedAt: r.UpdatedAt,
		Status:    r.Status,
		DeletedAt: r.DeletedAt,
	}
}

// ListAllRosterMetadata returns an iterator over metadata for all rosters.
func (rs *RosterStore) ListAllRosterMetadata() iter.Seq2[RosterMetadata, error] {
	return func(yield func(RosterMetadata, error) bool) {
		rostersDir := filepath.Join(rs.DataDir, "rosters")
		files, err := os.ReadDir(rostersDir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(RosterMetadata{}, fmt.Errorf("could not read rosters directory: %w", err))
			}
			return
		}

		for _, file := range files {
			if !file.IsDir() && strings.HasSuffix(file.Name(), ".json") {
				encodedId := strings.TrimSuffix(file.Name(), ".json")
				rosterId, err := url.PathUnescape(encodedId)
				if err != nil {
					continue
				}

				r, err := rs.LoadRoster(rosterId)
				if err != nil {
					continue
				}

				if !yield(r.Metadata(), nil) {
					return
				}
			}
		}
	}
}

// ListAllRosters returns an iterator over all rosters found in the flat
// rosters directory.
func (rs *RosterStore) ListAllRosters() iter.Seq2[*Roster, error] {
	return func(yield func(*Roster, error) bool) {
		rostersDir := filepath.Join(rs.DataDir, "rosters")
		files, err := os.ReadDir(rostersDir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read rosters directory: %w", err))
			}
			return
		}

		for _, file := range files {
			if !file.IsDir() && strings.HasSuffix(file.Name(), ".json") {
				encodedId := strings.TrimSuffix(file.Name(), ".json")
				rosterId, err := url.PathUnescape(encodedId)
				if err != nil {
					continue
				}

				r, err := rs.LoadRoster(rosterId)
				if err != nil {
					log.Printf("Warning: could not load roster '%s': %v", rosterId, err)
					continue
				}
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

// DeleteRoster deletes a specific roster by overwriting it with a
// tombstone.
func (rs *RosterStore) DeleteRoster(rosterId string) error {
	// Load first to get OwnerID
	r, err := rs.LoadRoster(rosterId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m, _ := rs.mu.LoadOrStore(rosterId, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	tombstone := &Roster{
		ID:            rosterId,
		SchemaVersion: SchemaVersionV1,
		OwnerID:       r.OwnerID,
		Status:        "deleted",
		DeletedAt:     time.Now().UnixNano(),
	}

	if err := rs.storage.SaveDataFile(rosterFilename(rosterId), tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}
	return nil
}

// PurgeRoster permanently deletes the roster file.
func (rs *RosterStore) PurgeRoster(rosterId string) error {
	m, _ := rs.mu.LoadOrStore(rosterId, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	fullPath := filepath.Join(rs.DataDir, rosterFilename(rosterId))

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already gone
		}
		return fmt.Errorf("could not purge roster file: %w", err)
	}
	return nil
}
