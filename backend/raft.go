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
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var ErrNotLeader = errors.New("not leader")

// RaftManager owns the Raft node and the cluster API. Replication is
// optional: a nil RaftManager means standalone mode and everything else
// in the backend works without it.
type RaftManager struct {
	Raft                  *raft.Raft
	FSM                   *FSM
	DataDir               string
	Bind                  string // "host:port" for Raft transport
	Advertise             string // "host:port" advertised to other nodes
	ClusterAdvertise      string // HTTP "host:port" advertised for forwarding
	NodeID                string
	Secret                string
	Bootstrap             bool
	UseProductionTimeouts bool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	httpClient   *http.Client

	logStore    raft.LogStore
	stableStore raft.StableStore

	LogOutput io.Writer // Optional: Redirect Raft logs
}

func NewRaftManager(dataDir, bind, advertise, clusterAdvertise, nodeID, secret string, fsm *FSM) *RaftManager {
	rm := &RaftManager{
		DataDir:          dataDir,
		Bind:             bind,
		Advertise:        advertise,
		ClusterAdvertise: clusterAdvertise,
		NodeID:           nodeID,
		Secret:           secret,
		FSM:              fsm,
		shutdownCh:       make(chan struct{}),
		httpClient:       &http.Client{Timeout: 10 * time.Second},
		LogOutput:        os.Stderr,
	}
	if fsm != nil {
		fsm.rm = rm
	}
	return rm
}

func (rm *RaftManager) Start(bootstrap bool) error {
	rm.Bootstrap = bootstrap

	if rm.NodeID == "" {
		host, port, err := net.SplitHostPort(rm.Bind)
		if err != nil {
			return fmt.Errorf("invalid raft bind address %q: %v", rm.Bind, err)
		}
		rm.NodeID = net.JoinHostPort(host, port)
	}
	log.Printf("NodeID: %s", rm.NodeID)

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	if rm.UseProductionTimeouts {
		config.HeartbeatTimeout = 5 * time.Second
		config.ElectionTimeout = 20 * time.Second
		config.LeaderLeaseTimeout = 5 * time.Second
	} else {
		// Faster timeouts for tests
		config.HeartbeatTimeout = 1000 * time.Millisecond
		config.ElectionTimeout = 1000 * time.Millisecond
		config.LeaderLeaseTimeout = 500 * time.Millisecond
	}
	config.CommitTimeout = 500 * time.Millisecond
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 20480
	config.LogLevel = "INFO"
	config.MaxAppendEntries = 200
	if rm.LogOutput != nil {
		config.LogOutput = rm.LogOutput
	}

	advertise := rm.Advertise
	if advertise == "" {
		advertise = rm.Bind
	}
	advertiseAddr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return fmt.Errorf("invalid raft advertise address %q: %v", advertise, err)
	}

	transport, err := raft.NewTCPTransport(rm.Bind, advertiseAddr, 3, 10*time.Second, rm.LogOutput)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(rm.DataDir, 0755); err != nil {
		return err
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-log.bolt"))
	if err != nil {
		return err
	}
	rm.logStore = logStore
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-stable.bolt"))
	if err != nil {
		return err
	}
	rm.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(rm.DataDir, 1, rm.LogOutput)
	if err != nil {
		return err
	}

	r, err := raft.NewRaft(config, rm.FSM, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return err
	}
	rm.Raft = r

	if bootstrap {
		log.Printf("Bootstrapping Raft cluster with NodeID: %s", rm.NodeID)
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      config.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		f := r.BootstrapCluster(configuration)
		if err := f.Error(); err != nil {
			log.Printf("Bootstrap error (might be already bootstrapped): %v", err)
		}
	}

	// Seed own metadata locally so forwarding works before the first
	// NODE_META entry replicates.
	metaJSON := fmt.Sprintf(`{"nodeId":%q,"httpAddr":%q}`, rm.NodeID, rm.ClusterAdvertise)
	rm.FSM.applyNodeMeta(rm.NodeID, []byte(metaJSON))

	go rm.monitorConfiguration()

	return nil
}

// monitorConfiguration keeps the replicated node metadata current. The
// leader re-announces its HTTP address whenever the FSM disagrees with
// the local configuration.
func (rm *RaftManager) monitorConfiguration() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rm.shutdownCh:
			return
		case <-ticker.C:
			if rm.Raft.State() != raft.Leader {
				continue
			}
			if rm.FSM.GetNodeAddr(rm.NodeID) == rm.ClusterAdvertise {
				continue
			}
			cmd := RaftCommand{
				Type: CmdNodeMeta,
				NodeMeta: &NodeMeta{
					NodeID:          rm.NodeID,
					HttpAddr:        rm.ClusterAdvertise,
					AppVersion:      CurrentAppVersion,
					ProtocolVersion: CurrentProtocolVersion,
				},
			}
			if _, err := rm.Propose(cmd); err != nil {
				log.Printf("Failed to announce node metadata: %v", err)
			}
		}
	}
}

// WaitForSync blocks until the Raft FSM has applied all entries
// currently in the log. This prevents serving stale data immediately
// after a restart while the log is being replayed.
func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	if rm.Raft == nil {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for Raft sync (applied: %d, last: %d)", rm.Raft.AppliedIndex(), rm.Raft.LastIndex())
		case <-ticker.C:
			if rm.Raft.AppliedIndex() >= rm.Raft.LastIndex() {
				return nil
			}
		}
	}
}

// Propose proposes a command to the Raft cluster. The FSM's Apply
// return value, if it is an error, comes back as the error here, so a
// scoring rejection on the leader surfaces to the proposer intact.
func (rm *RaftManager) Propose(cmd RaftCommand) (uint64, error) {
	if rm.Raft.State() != raft.Leader {
		return 0, ErrNotLeader
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}

	f := rm.Raft.Apply(data, 5*time.Second)
	if err := f.Error(); err != nil {
		return 0, err
	}

	if resp := f.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return f.Index(), err
		}
	}
	return f.Index(), nil
}

// Join adds a new node to the cluster.
func (rm *RaftManager) Join(nodeID, raftAddr, httpAddr string, nonVoter bool) error {
	if rm.Raft.State() != raft.Leader {
		return ErrNotLeader
	}
	log.Printf("Received join request for remote node %s at Raft:%s, HTTP:%s (nonVoter: %v)", nodeID, raftAddr, httpAddr, nonVoter)

	cmd := RaftCommand{
		Type: CmdNodeMeta,
		NodeMeta: &NodeMeta{
			NodeID:   nodeID,
			HttpAddr: httpAddr,
		},
	}
	if _, err := rm.Propose(cmd); err != nil {
		return fmt.Errorf("failed to store node metadata: %v", err)
	}

	var f raft.IndexFuture
	if nonVoter {
		f = rm.Raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0)
	} else {
		f = rm.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0)
	}
	if err := f.Error(); err != nil {
		return err
	}

	log.Printf("Node %s joined successfully", nodeID)
	return nil
}

// Leave removes a node from the cluster.
func (rm *RaftManager) Leave(nodeID string) error {
	if rm.Raft.State() != raft.Leader {
		return ErrNotLeader
	}
	log.Printf("Received leave request for node %s", nodeID)

	f := rm.Raft.RemoveServer(raft.ServerID(nodeID), 0, 0)
	if err := f.Error(); err != nil {
		return err
	}

	cmd := RaftCommand{
		Type:     CmdNodeLeft,
		NodeMeta: &NodeMeta{NodeID: nodeID},
	}
	if _, err := rm.Propose(cmd); err != nil {
		log.Printf("Warning: Failed to broadcast node removal: %v", err)
	}

	log.Printf("Node %s removed successfully", nodeID)
	return nil
}

// GetLeaderHTTPAddr returns the HTTP address of the current leader.
func (rm *RaftManager) GetLeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

// Shutdown gracefully shuts down the Raft node.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() {
		close(rm.shutdownCh)
	})

	if rm.Raft == nil {
		rm.closeStores()
		return nil
	}

	if rm.Raft.State() == raft.Leader {
		log.Printf("Attempting leadership transfer before shutdown...")
		f := rm.Raft.LeadershipTransfer()

		done := make(chan error, 1)
		go func() { done <- f.Error() }()

		select {
		case err := <-done:
			if err != nil {
				log.Printf("Leadership transfer failed (continuing): %v", err)
			}
		case <-time.After(5 * time.Second):
			log.Printf("Leadership transfer timed out (continuing).")
		}
	}

	raftErr := rm.Raft.Shutdown().Error()
	rm.closeStores()
	return raftErr
}

func (rm *RaftManager) closeStores() {
	if rm.logStore != nil {
		if c, ok := rm.logStore.(io.Closer); ok {
			c.Close()
		}
		rm.logStore = nil
	}
	if rm.stableStore != nil {
		if c, ok := rm.stableStore.(io.Closer); ok {
			c.Close()
		}
		rm.stableStore = nil
	}
}

func (rm *RaftManager) checkClusterRequest(w http.ResponseWriter, r *http.Request) bool {
	// Loop detection
	if forwarded := r.Header.Get("X-Raft-Forwarded"); forwarded != "" {
		for _, id := range strings.Split(forwarded, ",") {
			if strings.TrimSpace(id) == rm.NodeID {
				http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
				return false
			}
		}
	}

	secret := r.Header.Get("X-Raft-Secret")
	if rm.Secret == "" || secret != rm.Secret {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return false
	}
	return true
}

func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}

	secret := r.Header.Get("X-Raft-Secret")
	if rm.Secret == "" || secret != rm.Secret {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	_, leaderID := rm.Raft.LeaderWithID()
	status := map[string]any{
		"nodeId":          rm.NodeID,
		"state":           rm.Raft.State().String(),
		"leaderId":        string(leaderID),
		"leaderAddr":      rm.GetLeaderHTTPAddr(),
		"appVersion":      CurrentAppVersion,
		"protocolVersion": CurrentProtocolVersion,
	}

	configFuture := rm.Raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		var nodes []map[string]any
		for _, s := range configFuture.Configuration().Servers {
			nodes = append(nodes, map[string]any{
				"id":       string(s.ID),
				"raftAddr": string(s.Address),
				"httpAddr": rm.FSM.GetNodeAddr(string(s.ID)),
				"suffrage": s.Suffrage.String(),
			})
		}
		status["nodes"] = nodes
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkClusterRequest(w, r) {
		return
	}
	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var data struct {
		NodeID   string `json:"nodeId"`
		RaftAddr string `json:"raftAddr"`
		HttpAddr string `json:"httpAddr"`
		NonVoter bool   `json:"nonVoter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if data.NodeID == "" || data.RaftAddr == "" || data.HttpAddr == "" {
		http.Error(w, "Missing required fields: nodeId, raftAddr and httpAddr are required", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(data.RaftAddr); err != nil {
		http.Error(w, "Invalid RaftAddr: must be host:port", http.StatusBadRequest)
		return
	}

	if err := rm.Join(data.NodeID, data.RaftAddr, data.HttpAddr, data.NonVoter); err != nil {
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s joined cluster", data.NodeID)
}

func (rm *RaftManager) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkClusterRequest(w, r) {
		return
	}
	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var data struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if err := rm.Leave(data.NodeID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to remove node: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s removed from cluster", data.NodeID)
}

// handleCommand processes a scoring command forwarded from a follower.
func (rm *RaftManager) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkClusterRequest(w, r) {
		return
	}

	userId := getUserID(r)

	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&msg); err != nil {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}

	if msg.MatchId == "" {
		http.Error(w, "Bad Request: matchId is missing", http.StatusBadRequest)
		return
	}

	// Serialize through the match's hub
	hub := rm.FSM.GetHub(msg.MatchId)
	reply := make(chan HubResponse)
	hub.requests <- HubRequest{
		Type:    ReqTypeHTTPCommand,
		UserId:  userId,
		Headers: r.Header,
		Message: msg,
		Reply:   reply,
	}
	resp := <-reply

	if resp.Error != nil {
		log.Printf("Error processing forwarded command: %v", resp.Error)
		http.Error(w, resp.Error.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(resp.Data)
}

func (rm *RaftManager) forwardRequestToLeader(w http.ResponseWriter, r *http.Request) {
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		http.Error(w, "No leader found", http.StatusServiceUnavailable)
		return
	}
	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "http://" + leaderAddr
	}

	url := leaderAddr + r.URL.Path
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	req, err := http.NewRequest(r.Method, url, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Failed to create forward request", http.StatusInternalServerError)
		return
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	req.Host = r.Host

	forwarded := req.Header.Get("X-Raft-Forwarded")
	if forwarded != "" {
		forwarded += "," + rm.NodeID
	} else {
		forwarded = rm.NodeID
	}
	req.Header.Set("X-Raft-Forwarded", forwarded)
	if rm.Secret != "" {
		req.Header.Set("X-Raft-Secret", rm.Secret)
	}

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
