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
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

var ErrConflict = errors.New("conflict detected")

// FSM implements the raft.FSM interface. Every node applies the same
// scoring commands in the same order, so every node derives the same
// match documents.
type FSM struct {
	ms          *MatchStore
	rs          *RosterStore
	r           *Registry
	hm          *HubManager
	storage     *storage.Storage
	initialized atomic.Bool
	rm          *RaftManager

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(ms *MatchStore, rs *RosterStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		ms:      ms,
		rs:      rs,
		r:       r,
		hm:      hm,
		storage: s,
	}
	if s != nil {
		if _, err := os.Stat(filepath.Join(s.Dir(), "initialized")); err == nil {
			f.initialized.Store(true)
		}
		f.loadNodes()
	}
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	if f.storage == nil {
		return
	}
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile("nodes.json", &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read nodes.json: %v", err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v interface{}) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	if err := f.storage.SaveDataFile("nodes.json", nodes); err != nil {
		log.Printf("FSM Error: failed to save nodes.json: %v", err)
	}
}

// IsInitialized returns true if the node has joined a cluster
// (processed a NodeMeta from another node).
func (f *FSM) IsInitialized() bool {
	return f.initialized.Load()
}

func (f *FSM) setInitialized() {
	if f.initialized.Swap(true) {
		return
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("initialized", "true"); err != nil {
			log.Printf("FSM Error: failed to save initialized state: %v", err)
		}
	}
}

// Apply applies a Raft log entry to the match state.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}

	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) GetHubManager() *HubManager {
	return f.hm
}

func (f *FSM) GetHub(matchId string) *Hub {
	return f.hm.GetHub(matchId, f.ms, f.rs, f.r)
}

func (f *FSM) GetStores() (*MatchStore, *RosterStore) {
	return f.ms, f.rs
}

func (f *FSM) GetNodeCount() int {
	count := 0
	f.nodeMap.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (f *FSM) GetAllNodes() map[string]string {
	nodes := make(map[string]string)
	f.nodeMap.Range(func(key, value interface{}) bool {
		if meta, ok := value.(*NodeMeta); ok {
			nodes[key.(string)] = meta.HttpAddr
		}
		return true
	})
	return nodes
}

func (f *FSM) GetNodeAddr(nodeID string) string {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		if meta, ok := val.(*NodeMeta); ok {
			return meta.HttpAddr
		}
	}
	return ""
}

func (f *FSM) applyNodeMeta(nodeID string, nodeInfo []byte) error {
	var meta NodeMeta
	if err := json.Unmarshal(nodeInfo, &meta); err != nil {
		return err
	}
	f.nodeMap.Store(nodeID, &meta)
	f.saveNodes()
	if f.rm != nil && nodeID != f.rm.NodeID {
		f.setInitialized()
	}
	return nil
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) interface{} {
	switch cmd.Type {
	case CmdScore:
		if cmd.Score == nil {
			return fmt.Errorf("missing score payload")
		}
		if len(cmd.Score.Commands) > 0 {
			return f.applyScoreBatch(cmd.Score.MatchID, cmd.Score.Commands, cmd.Score.UserID, index)
		}
		return f.applyScore(cmd.Score.MatchID, cmd.Score.Command, cmd.Score.UserID, index)
	case CmdSaveMatch:
		return f.applySaveMatch(cmd.ID, *cmd.MatchData, index, cmd.Force)
	case CmdDeleteMatch:
		return f.applyDeleteMatch(cmd.ID, index)
	case CmdSaveRoster:
		return f.applySaveRoster(cmd.ID, *cmd.RosterData, index)
	case CmdDeleteRoster:
		return f.applyDeleteRoster(cmd.ID, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		if f.rm != nil && (cmd.NodeMeta.NodeID != f.rm.NodeID || f.rm.Bootstrap) {
			f.setInitialized()
		}
		return nil
	case CmdNodeLeft:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta for leave")
		}
		f.nodeMap.Delete(cmd.NodeMeta.NodeID)
		f.saveNodes()
		return nil
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) loadOrNewMatch(matchId string) (*Match, error) {
	m, err := f.ms.LoadMatch(matchId)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load match %s: %w", matchId, err)
		}
		m = &Match{ID: matchId}
		m.normalize()
		return m, nil
	}
	if m.ID != matchId {
		return nil, fmt.Errorf("data consistency error: loaded match ID %s does not match expected %s", m.ID, matchId)
	}
	return m, nil
}

func (f *FSM) applyScore(matchId string, data []byte, userId string, index uint64) error {
	m, err := f.loadOrNewMatch(matchId)
	if err != nil {
		return err
	}

	if index > 0 && index <= m.LastRaftIndex {
		return nil // Already applied
	}

	changed, err := ApplyCommand(m, data)
	if err != nil {
		return err
	}

	if m.OwnerID == "" && userId != "" {
		m.OwnerID = userId
	}

	if index > 0 {
		m.LastRaftIndex = index
	} else if !changed {
		return nil
	}

	if err := f.ms.SaveMatchInMemory(m, f.rm == nil); err != nil {
		return err
	}
	newBytes, _ := json.Marshal(m)
	f.r.UpdateMatch(m)
	f.hm.BroadcastToMatch(matchId, newBytes, false)
	return nil
}

func (f *FSM) applyScoreBatch(matchId string, commands []json.RawMessage, userId string, index uint64) error {
	m, err := f.loadOrNewMatch(matchId)
	if err != nil {
		return err
	}

	if index > 0 && index <= m.LastRaftIndex {
		return nil // Already applied
	}

	changed, err := ApplyCommands(m, commands)
	if err != nil {
		return err
	}

	if m.OwnerID == "" && userId != "" {
		m.OwnerID = userId
	}

	if index > 0 {
		m.LastRaftIndex = index
	} else if !changed {
		return nil
	}

	if err := f.ms.SaveMatchInMemory(m, f.rm == nil); err != nil {
		return err
	}
	newBytes, _ := json.Marshal(m)
	f.r.UpdateMatch(m)
	f.hm.BroadcastToMatch(matchId, newBytes, false)
	return nil
}

// checkMatchConflict rejects overwrites whose ball history is shorter
// than, or diverges from, what this node already holds.
func (f *FSM) checkMatchConflict(incoming *Match, existing *Match) error {
	if len(incoming.Innings) < len(existing.Innings) {
		return fmt.Errorf("incoming match state has fewer innings (%d < %d): %w", len(incoming.Innings), len(existing.Innings), ErrConflict)
	}
	for i := range existing.Innings {
		ex := existing.Innings[i].Ledger
		in := incoming.Innings[i].Ledger
		if len(in) < len(ex) {
			return fmt.Errorf("incoming innings %d is older or forked (ledger length %d < %d): %w", i+1, len(in), len(ex), ErrConflict)
		}
		for j := range ex {
			if ex[j].ID != in[j].ID {
				return fmt.Errorf("history divergence in innings %d at ball %d (%s vs %s): %w", i+1, j, ex[j].ID, in[j].ID, ErrConflict)
			}
		}
	}
	return nil
}

func (f *FSM) applySaveMatch(id string, data []byte, index uint64, force bool) error {
	var m Match
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to unmarshal match data: %w", err)
	}
	m.normalize()

	existing, err := f.ms.LoadMatch(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		if !force {
			if err := f.checkMatchConflict(&m, existing); err != nil {
				return err
			}
		}
	}

	if index > 0 {
		m.LastRaftIndex = index
	}

	if err := f.ms.SaveMatch(&m); err != nil {
		return err
	}

	f.r.UpdateMatch(&m)
	f.hm.BroadcastToMatch(id, data, true) // overwrite: hub refreshes silently
	return nil
}

func (f *FSM) applyDeleteMatch(id string, index uint64) error {
	existing, err := f.ms.LoadMatch(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if err := f.ms.DeleteMatch(id); err != nil {
		return err
	}
	f.r.DeleteMatch(id)
	f.hm.RemoveHub(id)
	return nil
}

func (f *FSM) applySaveRoster(id string, data []byte, index uint64) error {
	var ro Roster
	if err := json.Unmarshal(data, &ro); err != nil {
		return fmt.Errorf("failed to unmarshal roster data: %w", err)
	}
	ro.normalize()

	existing, err := f.rs.LoadRoster(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if index > 0 {
		ro.LastRaftIndex = index
	}

	if err := f.rs.SaveRoster(&ro); err != nil {
		return err
	}
	f.r.UpdateRoster(&ro)
	return nil
}

func (f *FSM) applyDeleteRoster(id string, index uint64) error {
	existing, err := f.rs.LoadRoster(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if err := f.rs.DeleteRoster(id); err != nil {
		return err
	}
	f.r.DeleteRoster(id)
	return nil
}

// FSMSnapshot represents a snapshot of the FSM state.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	return s.fsm.persist(sink)
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	// Flush all dirty state to disk so the snapshotter reads fresh data
	if err := f.ms.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing matches failed: %v", err)
		return nil, err
	}

	state := map[string]any{
		"lastAppliedIndex": f.LastAppliedIndex(),
		"timestamp":        time.Now().UnixNano(),
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("fsm_state.json", state); err != nil {
			log.Printf("Warning: failed to save fsm_state.json: %v", err)
		}
	}

	return &FSMSnapshot{fsm: f}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.restore(rc); err != nil {
		return err
	}
	// Re-build registry after restoration
	f.r.Rebuild()
	return nil
}

func (f *FSM) FlushAll() error {
	return f.ms.FlushAll()
}
