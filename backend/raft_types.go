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
)

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdSaveMatch    CommandType = "SAVE_MATCH"
	CmdDeleteMatch  CommandType = "DELETE_MATCH"
	CmdScore        CommandType = "SCORE"
	CmdSaveRoster   CommandType = "SAVE_ROSTER"
	CmdDeleteRoster CommandType = "DELETE_ROSTER"
	CmdNodeMeta     CommandType = "NODE_META"
	CmdNodeLeft     CommandType = "NODE_LEFT"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type       CommandType      `json:"type"`
	NodeMeta   *NodeMeta        `json:"nodeMeta,omitempty"`
	Score      *ScorePayload    `json:"score,omitempty"`
	MatchData  *json.RawMessage `json:"matchData,omitempty"`
	RosterData *json.RawMessage `json:"rosterData,omitempty"`
	ID         string           `json:"id,omitempty"`
	Force      bool             `json:"force,omitempty"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
}

// ScorePayload contains details for CmdScore.
type ScorePayload struct {
	MatchID  string            `json:"matchId"`
	Command  json.RawMessage   `json:"command,omitempty"`
	Commands []json.RawMessage `json:"commands,omitempty"`
	UserID   string            `json:"userId"`
}
