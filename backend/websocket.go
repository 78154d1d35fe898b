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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/raft"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin  = "JOIN"
	MsgTypeAck   = "ACK"
	MsgTypeState = "STATE"
	MsgTypeError = "ERROR"
)

// Message represents a WebSocket message. The subscribe stream is
// one-directional: clients send JOIN, the server pushes STATE. Scoring
// commands travel over HTTP only.
type Message struct {
	Type         string          `json:"type"`
	MatchId      string          `json:"matchId,omitempty"`
	LastRevision string          `json:"lastRevision,omitempty"`
	Command      json.RawMessage `json:"command,omitempty"`
	State        *CurrentState   `json:"state,omitempty"`
	ErrorKind    string          `json:"errorKind,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// HubRequest types
const (
	ReqTypeWSJoin      = "WS_JOIN"
	ReqTypeHTTPLoad    = "HTTP_LOAD"
	ReqTypeHTTPState   = "HTTP_STATE"
	ReqTypeHTTPSave    = "HTTP_SAVE"
	ReqTypeHTTPCommand = "HTTP_COMMAND"
	ReqTypeBroadcast   = "BROADCAST"
)

// HubRequest represents a request to the Hub
type HubRequest struct {
	Type          string
	Client        *wsClient        // For WS requests
	UserId        string           // For HTTP requests
	Headers       http.Header      // For forwarding cookies/auth
	Message       Message          // For WS/HTTP requests
	Payload       []byte           // For HTTP Save/Broadcast
	SkipBroadcast bool             // For Broadcast (overwrites)
	Reply         chan HubResponse // For HTTP requests
}

// HubResponse represents a response from the Hub
type HubResponse struct {
	Data  []byte // For HTTP Load/State/Command
	Error error
}

// Hub owns one match's live state. Every mutation flows through its
// request channel, so the hub goroutine is the single writer and no
// other synchronization of the match document is needed.
type Hub struct {
	matchId string

	// Registered clients.
	clients map[*wsClient]bool

	// Inbound requests
	requests chan HubRequest

	// Register requests from the clients.
	register chan *wsClient

	// Unregister requests from clients.
	unregister chan *wsClient

	// In-memory state
	matchData *Match

	ms *MatchStore
	rs *RosterStore
	r  *Registry
	hm *HubManager
	rm *RaftManager
}

func newHub(matchId string, ms *MatchStore, rs *RosterStore, r *Registry, hm *HubManager, rm *RaftManager) *Hub {
	return &Hub{
		matchId:    matchId,
		requests:   make(chan HubRequest, 64), // Buffered to prevent dropping FSM updates
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		ms:         ms,
		rs:         rs,
		r:          r,
		hm:         hm,
		rm:         rm,
	}
}

func (h *Hub) run() {
	idleTimer := time.NewTicker(5 * time.Minute)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case req := <-h.requests:
			h.ensureLoaded(req.Reply)
			if h.matchData == nil {
				if req.Client != nil {
					req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading match"})
				}
				continue
			}

			switch req.Type {
			case ReqTypeWSJoin:
				if req.Client != nil && !h.clients[req.Client] {
					continue
				}
				h.handleWSJoin(req.Client, req.Message)
			case ReqTypeHTTPCommand:
				h.handleHTTPCommand(req)
			case ReqTypeHTTPLoad:
				h.handleHTTPLoad(req.Reply)
			case ReqTypeHTTPState:
				h.handleHTTPState(req.Reply)
			case ReqTypeHTTPSave:
				h.handleHTTPSave(req.Payload, req.Reply)
			case ReqTypeBroadcast:
				h.handleBroadcast(req.Payload, req.SkipBroadcast)
			}
		case <-idleTimer.C:
			if len(h.clients) == 0 {
				h.hm.RemoveHub(h.matchId)
				return
			}
		}
	}
}

func (h *Hub) ensureLoaded(reply chan HubResponse) {
	if h.matchData != nil {
		return
	}
	m, err := h.ms.LoadMatch(h.matchId)
	if err != nil {
		if os.IsNotExist(err) {
			h.matchData = &Match{ID: h.matchId}
			h.matchData.normalize()
			return
		}
		log.Printf("Hub: Error loading match %s: %v", h.matchId, err)
		if reply != nil {
			reply <- HubResponse{Error: err}
		}
		return
	}
	h.matchData = m
}

// handleBroadcast is the FSM's entry point after a replicated command
// applied: the payload is the full new match document.
func (h *Hub) handleBroadcast(data []byte, skipBroadcast bool) {
	var m Match
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("handleBroadcast: Error unmarshaling match data: %v", err)
		return
	}
	m.normalize()

	h.matchData = &m

	if skipBroadcast {
		return
	}
	h.broadcastState()
}

// broadcastState pushes the full current snapshot to every subscriber.
// Always the whole leveled state, never diffs: a client that missed a
// push is made whole by the next one.
func (h *Hub) broadcastState() {
	state := BuildCurrentState(h.matchData)
	h.broadcast(Message{Type: MsgTypeState, MatchId: h.matchId, State: state})
}

// broadcast delivers msg to all clients, dropping it for any subscriber
// whose buffer is full. A slow spectator never blocks or loses its
// connection; the next snapshot supersedes whatever was missed.
func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			log.Printf("Hub: dropping message for slow subscriber on match %s", h.matchId)
		}
	}
}

func (h *Hub) handleWSJoin(c *wsClient, msg Message) {
	// Authorization Check
	if h.matchExists() {
		access := GetMatchAccess(c.userId, h.matchData, h.rs)
		if access < AccessRead {
			log.Printf("Forbidden: User %s attempted to join match %s without permissions", maskEmail(c.userId), h.matchId)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Forbidden: You do not have access to this match"})
			return
		}
	} else {
		c.sendJSON(Message{Type: MsgTypeError, ErrorKind: string(KindNotFound), Error: "Match not found on server"})
		return
	}

	// A join always gets the full snapshot. The snapshot is leveled
	// state, so there is no catch-up protocol: one message makes any
	// client current regardless of how much it missed.
	state := BuildCurrentState(h.matchData)
	c.sendJSON(Message{Type: MsgTypeState, MatchId: h.matchId, State: state})
}

func (h *Hub) matchExists() bool {
	return h.matchData.Status != "" || h.matchData.OwnerID != ""
}

func (h *Hub) handleHTTPCommand(req HubRequest) {
	response, pushState, err := h.processCommand(req.Message, req.UserId)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			h.forwardToLeader(req)
			return
		}
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	data, _ := json.Marshal(response)

	if pushState {
		h.broadcastState()
	}

	if req.Reply != nil {
		req.Reply <- HubResponse{Data: data}
	}
}

// processCommand validates, authorizes and applies one scoring command.
// Rejections come back as ERROR messages carrying the error kind; the
// transport error return is reserved for leader forwarding and server
// faults.
func (h *Hub) processCommand(msg Message, userId string) (response *Message, pushState bool, err error) {
	if err := ValidateCommand(msg.Command); err != nil {
		log.Printf("Invalid command payload from user %s: %v", maskEmail(userId), err)
		return &Message{Type: MsgTypeError, Error: "Malformed command: " + err.Error()}, false, nil
	}

	var cmd BaseCommand
	json.Unmarshal(msg.Command, &cmd)

	matchExists := h.matchExists()

	// Authorization Check
	access := GetMatchAccess(userId, h.matchData, h.rs)
	if cmd.Type == CmdTypeMatchStart && !matchExists {
		// Creating a new match: any authenticated user may, and
		// becomes its owner.
		if userId == "" {
			return &Message{Type: MsgTypeError, Error: "Unauthenticated: Login required"}, false, nil
		}
		access = AccessWrite
	}
	if access < AccessWrite {
		log.Printf("Forbidden: User %s attempted command %s on match %s", maskEmail(userId), cmd.Type, h.matchId)
		if userId == "" {
			return &Message{Type: MsgTypeError, Error: "Unauthenticated: Login required"}, false, nil
		}
		return &Message{Type: MsgTypeError, Error: "Forbidden: You do not have write access to this match"}, false, nil
	}

	if !matchExists && cmd.Type != CmdTypeMatchStart {
		return &Message{Type: MsgTypeError, ErrorKind: string(KindNotFound), Error: "Match not found on server"}, false, nil
	}

	// If Raft is enabled, only the leader may apply.
	if h.rm != nil && h.rm.Raft.State() != raft.Leader {
		return nil, false, ErrNotLeader
	}

	if h.rm != nil {
		// Propose to Raft. The FSM applies on every node and the
		// leader's hub receives the new state via BROADCAST.
		raftCmd := RaftCommand{
			Type: CmdScore,
			ID:   h.matchId,
			Score: &ScorePayload{
				MatchID: h.matchId,
				Command: msg.Command,
				UserID:  userId,
			},
		}
		if _, err := h.rm.Propose(raftCmd); err != nil {
			if se, ok := AsScoreError(err); ok {
				return &Message{Type: MsgTypeError, ErrorKind: string(se.Kind), Error: se.Reason}, false, nil
			}
			return nil, false, err
		}
		return &Message{Type: MsgTypeAck}, false, nil
	}

	// Non-Consensus Path: apply to a clone so a failure cannot corrupt
	// the in-memory state, and persist before committing.
	clone, err := h.matchData.Clone()
	if err != nil {
		return nil, false, err
	}

	changed, err := ApplyCommand(clone, msg.Command)
	if err != nil {
		if se, ok := AsScoreError(err); ok {
			return &Message{Type: MsgTypeError, ErrorKind: string(se.Kind), Error: se.Reason}, false, nil
		}
		return &Message{Type: MsgTypeError, Error: "Server error applying command: " + err.Error()}, false, nil
	}

	if !changed {
		// Duplicate command id, acknowledge without re-applying.
		return &Message{Type: MsgTypeAck}, false, nil
	}

	if clone.OwnerID == "" && cmd.Type == CmdTypeMatchStart {
		clone.OwnerID = userId
	}

	if err := h.ms.SaveMatch(clone); err != nil {
		return &Message{Type: MsgTypeError, Error: "Server error saving command"}, false, nil
	}

	// Success: commit to Hub cache and Registry.
	h.matchData = clone
	h.r.UpdateMatch(h.matchData)

	return &Message{Type: MsgTypeAck, State: BuildCurrentState(h.matchData)}, true, nil
}

func (h *Hub) forwardToLeader(req HubRequest) {
	leaderAddr := h.rm.GetLeaderHTTPAddr()

	// Prevent forwarding to self if split-brain or stale metadata
	if leaderAddr == h.rm.ClusterAdvertise {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("local node listed as leader but not in leader state")}
		}
		return
	}

	if leaderAddr == "" {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("leader not found")}
		}
		return
	}

	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "http://" + leaderAddr
	}

	url := leaderAddr + "/api/cluster/command"
	body, _ := json.Marshal(req.Message)
	forwardReq, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	// Copy authentication and content headers from the original request
	for _, name := range []string{"Cookie", "Authorization", "Content-Type"} {
		if v := req.Headers.Get(name); v != "" {
			forwardReq.Header.Set(name, v)
		}
	}

	forwarded := forwardReq.Header.Get("X-Raft-Forwarded")
	if forwarded != "" {
		forwarded += "," + h.rm.NodeID
	} else {
		forwarded = h.rm.NodeID
	}
	forwardReq.Header.Set("X-Raft-Forwarded", forwarded)

	if h.rm.Secret != "" {
		forwardReq.Header.Set("X-Raft-Secret", h.rm.Secret)
	}

	resp, err := http.DefaultClient.Do(forwardReq)
	if err != nil {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("leader returned %d: %s", resp.StatusCode, string(respBody))}
		}
		return
	}

	data, err := io.ReadAll(resp.Body)
	if req.Reply != nil {
		req.Reply <- HubResponse{Data: data, Error: err}
	}
}

func (h *Hub) handleHTTPLoad(reply chan HubResponse) {
	data, err := json.Marshal(h.matchData)
	reply <- HubResponse{Data: data, Error: err}
}

func (h *Hub) handleHTTPState(reply chan HubResponse) {
	if !h.matchExists() {
		reply <- HubResponse{Error: os.ErrNotExist}
		return
	}
	data, err := json.Marshal(BuildCurrentState(h.matchData))
	reply <- HubResponse{Data: data, Error: err}
}

func (h *Hub) handleHTTPSave(payload []byte, reply chan HubResponse) {
	if h.rm != nil {
		raw := json.RawMessage(payload)
		cmd := RaftCommand{
			Type:      CmdSaveMatch,
			ID:        h.matchId,
			MatchData: &raw,
		}
		if _, err := h.rm.Propose(cmd); err != nil {
			reply <- HubResponse{Error: err}
			return
		}
		reply <- HubResponse{Error: nil}
		return
	}

	var newMatch Match
	if err := json.Unmarshal(payload, &newMatch); err != nil {
		reply <- HubResponse{Error: err}
		return
	}
	newMatch.normalize()
	h.matchData = &newMatch
	if err := h.ms.SaveMatch(h.matchData); err != nil {
		reply <- HubResponse{Error: err}
		return
	}
	h.r.UpdateMatch(h.matchData)
	reply <- HubResponse{Error: nil}
}

// HubManager manages hubs for live matches
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.Mutex
	rm   *RaftManager
}

func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

func (hm *HubManager) GetHub(matchId string, ms *MatchStore, rs *RosterStore, r *Registry) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hub, ok := hm.hubs[matchId]; ok {
		return hub
	}

	hub := newHub(matchId, ms, rs, r, hm, hm.rm)
	hm.hubs[matchId] = hub
	go hub.run()
	return hub
}

func (hm *HubManager) RemoveHub(matchId string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.hubs, matchId)
}

func (hm *HubManager) Clear() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.hubs = make(map[string]*Hub)
}

// GetTotalConnectionCount is a rough count of connected subscribers.
func (hm *HubManager) GetTotalConnectionCount() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	n := 0
	for _, hub := range hm.hubs {
		n += len(hub.clients)
	}
	return n
}

// BroadcastToMatch hands the FSM's new match document to the hub, if
// one is live.
func (hm *HubManager) BroadcastToMatch(matchId string, data []byte, skipBroadcast bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hub, ok := hm.hubs[matchId]
	if !ok {
		return
	}

	// Send update via channel to serialize with Hub goroutine
	select {
	case hub.requests <- HubRequest{
		Type:          ReqTypeBroadcast,
		Payload:       data,
		SkipBroadcast: skipBroadcast,
	}:
	default:
		log.Printf("Warning: Hub channel full, dropping broadcast for match %s", matchId)
	}
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message

	userId  string
	matchId string
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		switch msg.Type {
		case MsgTypeJoin:
			c.hub.requests <- HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}
		case "PING":
			c.sendJSON(Message{Type: "PONG"})
		default:
			log.Printf("Unknown message type: %s", msg.Type)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.send <- msg:
	default:
		// Buffer full: drop. The next full snapshot covers the loss.
	}
}

// ServeWS handles websocket requests from the peer.
func ServeWS(ms *MatchStore, rs *RosterStore, r *Registry, hm *HubManager, w http.ResponseWriter, req *http.Request) {
	userId := getUserID(req)

	matchId := req.URL.Query().Get("matchId")
	if matchId == "" || !isValidUUID(matchId) {
		http.Error(w, "Invalid matchId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Println(err)
		return
	}

	hub := hm.GetHub(matchId, ms, rs, r)
	client := &wsClient{hub: hub, conn: conn, send: make(chan Message, 256), userId: userId, matchId: matchId}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
