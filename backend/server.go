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
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

func parsePagination(r *http.Request) (int, int, string, string) {
	limit := 50
	offset := 0
	status := r.URL.Query().Get("status")
	query := r.URL.Query().Get("q")

	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}

	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset, status, query
}

// Options represent server options.
type Options struct {
	Addr             string
	ClusterAdvertise string
	DataDir          string
	UseMockAuth      bool
	Debug            bool
	MatchStore       *MatchStore
	RosterStore      *RosterStore
	Storage          *storage.Storage
	MasterKey        crypto.MasterKey
	Registry         *Registry
	Listener         net.Listener

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftNodeID            string
	RaftSecret            string
	RaftBootstrap         bool
	RaftManager           *RaftManager      // Allow injecting pre-configured RaftManager
	RaftManagerChan       chan *RaftManager // For testing: receive the created RaftManager
	UseProductionTimeouts bool

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string
}

const (
	retryAfterLoad    = "2"
	retryAfterSave    = "10"
	retryAfterCommand = "5"
)

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
	registry   *Registry
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []string

	if s.registry != nil {
		s.registry.StopGC()
	}

	flush := func() {
		if s.raftMgr != nil {
			if err := s.raftMgr.Shutdown(); err != nil {
				errs = append(errs, fmt.Sprintf("raft: %v", err))
			}
			if s.raftMgr.FSM != nil {
				if err := s.raftMgr.FSM.FlushAll(); err != nil {
					errs = append(errs, fmt.Sprintf("fsm flush: %v", err))
				}
			}
		}
	}
	flush()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("http: %v", err))
	}
	flush()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	raftMgr, registry, handler := NewServerHandler(opts)

	if raftMgr != nil {
		// Wait for Raft to replay the log before serving, so clients
		// never see pre-restart state.
		if err := raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}

	go func() {
		var err error
		if opts.Listener != nil {
			log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
			err = httpServer.Serve(opts.Listener)
		} else {
			log.Printf("Server starting on %s...", opts.Addr)
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return &Server{
		httpServer: httpServer,
		raftMgr:    raftMgr,
		registry:   registry,
	}, nil
}

// MatchSummary is the list-endpoint view of a match.
type MatchSummary struct {
	ID         string `json:"id"`
	Format     string `json:"format,omitempty"`
	Date       string `json:"date,omitempty"`
	Venue      string `json:"venue,omitempty"`
	HomeTeamID string `json:"homeTeamId,omitempty"`
	AwayTeamID string `json:"awayTeamId,omitempty"`
	Status     string `json:"status,omitempty"`
	Result     string `json:"result,omitempty"`
	Revision   string `json:"revision,omitempty"`
	OwnerID    string `json:"ownerId,omitempty"`
}

// NewServerHandler creates and configures the HTTP handler for the server.
func NewServerHandler(opts Options) (*RaftManager, *Registry, http.Handler) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}

	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, nil)
	}

	store := opts.MatchStore
	if store == nil {
		store = NewMatchStore(opts.DataDir, opts.Storage)
	}
	rStore := opts.RosterStore
	if rStore == nil {
		rStore = NewRosterStore(opts.DataDir, opts.Storage)
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(store, rStore)
	}

	var raftMgr *RaftManager
	hm := NewHubManager()

	if opts.RaftEnabled {
		if opts.RaftManager != nil {
			raftMgr = opts.RaftManager
		} else {
			raftDataDir := filepath.Join(opts.DataDir, "raft")
			if err := os.MkdirAll(raftDataDir, 0755); err != nil {
				log.Fatalf("Failed to create Raft data directory: %v", err)
			}
			raftStorage := storage.New(raftDataDir, opts.MasterKey)
			fsm := NewFSM(store, rStore, registry, hm, raftStorage)
			raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.ClusterAdvertise, opts.RaftNodeID, opts.RaftSecret, fsm)
			raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
		}

		if opts.RaftManagerChan != nil {
			go func() { opts.RaftManagerChan <- raftMgr }()
		}
		hm.SetRaftManager(raftMgr)
	}

	mux := http.NewServeMux()

	// Cluster API (secured by the cluster secret)
	mux.HandleFunc("/api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleJoin(w, r)
	})
	mux.HandleFunc("/api/cluster/remove", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleRemove(w, r)
	})
	mux.HandleFunc("/api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		raftMgr.handleStatus(w, r)
	})
	mux.HandleFunc("/api/cluster/command", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleCommand(w, r)
	})

	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}

		resp := map[string]interface{}{
			"id":           userId,
			"matchesOwned": registry.CountOwnedMatches(userId),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}

		var msg Message
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&msg); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		matchId := msg.MatchId
		if matchId == "" || !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Serialize through the match's hub
		hub := hm.GetHub(matchId, store, rStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:    ReqTypeHTTPCommand,
			UserId:  userId,
			Headers: r.Header,
			Message: msg,
			Reply:   reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					log.Printf("Error processing command: %v", resp.Error)
					errStr := resp.Error.Error()
					switch {
					case strings.Contains(errStr, "Forbidden"):
						http.Error(w, errStr, http.StatusForbidden)
					case strings.Contains(errStr, "Unauthenticated"):
						http.Error(w, errStr, http.StatusForbidden)
					default:
						http.Error(w, errStr, http.StatusInternalServerError)
					}
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write(resp.Data)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterCommand)
		}
	})

	mux.HandleFunc("/api/state/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)

		matchId := strings.TrimPrefix(r.URL.Path, "/api/state/")
		if matchId == "" || !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}

		if registry.GetAccessLevel(userId, matchId) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this match", http.StatusForbidden)
			return
		}

		hub := hm.GetHub(matchId, store, rStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:  ReqTypeHTTPState,
			Reply: reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found: Match not found", http.StatusNotFound)
					} else {
						log.Printf("Internal Server Error during state read: %v", resp.Error)
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
				etag := generateETag(resp.Data)
				if r.Header.Get("If-None-Match") == etag {
					w.WriteHeader(http.StatusNotModified)
					return
				}
				w.Header().Set("ETag", etag)
				w.Header().Set("Content-Type", "application/json")
				w.Write(resp.Data)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
		}
	})

	mux.HandleFunc("/api/load/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)

		matchId := strings.TrimPrefix(r.URL.Path, "/api/load/")
		if matchId == "" || !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}

		hub := hm.GetHub(matchId, store, rStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:  ReqTypeHTTPLoad,
			Reply: reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found: Match not found", http.StatusNotFound)
					} else {
						log.Printf("Internal Server Error during Hub Load: %v", resp.Error)
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
				data := resp.Data

				// Authorization Check
				var m Match
				if err := json.Unmarshal(data, &m); err != nil {
					log.Printf("Error unmarshaling match data for auth check: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if m.Status == "" && m.OwnerID == "" {
					http.Error(w, "Not Found: Match not found", http.StatusNotFound)
					return
				}
				if GetMatchAccess(userId, &m, rStore) < AccessRead {
					http.Error(w, "Forbidden: You do not have access to this match", http.StatusForbidden)
					return
				}

				etag := generateETag(data)
				if r.Header.Get("If-None-Match") == etag {
					w.WriteHeader(http.StatusNotModified)
					return
				}
				w.Header().Set("ETag", etag)
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
		}
	})

	mux.HandleFunc("/api/save", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var m Match
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 20*1048576)).Decode(&m); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		matchId := m.ID
		if matchId == "" || !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}

		// Authorization Check
		existing, err := store.LoadMatch(matchId)
		if err == nil {
			if GetMatchAccess(userId, existing, rStore) < AccessWrite {
				http.Error(w, "Forbidden: You do not have write access to this match", http.StatusForbidden)
				return
			}
			m.OwnerID = existing.OwnerID
		} else if errors.Is(err, os.ErrNotExist) {
			m.OwnerID = userId
		} else {
			log.Printf("Error checking existing match %s: %v", matchId, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		m.SchemaVersion = SchemaVersionV1

		body, err := json.Marshal(m)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if err := ValidateMatchData(body); err != nil {
			log.Printf("Validation error for match %s: %v", matchId, err)
			http.Error(w, fmt.Sprintf("Bad Request: Data validation failed: %v", err), http.StatusBadRequest)
			return
		}

		hub := hm.GetHub(matchId, store, rStore, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:    ReqTypeHTTPSave,
			Payload: body,
			Reply:   reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if errors.Is(resp.Error, ErrNotLeader) && raftMgr != nil {
						r.Body = io.NopCloser(bytes.NewReader(body))
						raftMgr.forwardRequestToLeader(w, r)
						return
					}
					log.Printf("Internal Server Error during Hub Save: %v", resp.Error)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				w.WriteHeader(http.StatusOK)
				fmt.Fprintf(w, "Match %s saved successfully", matchId)
			case <-r.Context().Done():
				return
			}
		default:
			hubBusyResponse(w, retryAfterSave)
		}
	})

	mux.HandleFunc("/api/list-matches", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset, status, query := parsePagination(r)
		accessibleIds := registry.ListMatches(userId, status, query)
		total := len(accessibleIds)

		var pageIds []string
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			pageIds = accessibleIds[offset:end]
		}

		matches := make([]MatchSummary, 0)
		for _, mid := range pageIds {
			m, err := store.LoadMatch(mid)
			if err != nil {
				continue
			}

			revision := ""
			if in := m.CurrentInnings(); in != nil {
				if last, ok := in.Ledger.Last(); ok {
					revision = last.ID
				}
			}

			matches = append(matches, MatchSummary{
				ID:         m.ID,
				Format:     m.Format,
				Date:       m.Date,
				Venue:      m.Venue,
				HomeTeamID: m.HomeTeamID,
				AwayTeamID: m.AwayTeamID,
				Status:     m.Status,
				Result:     m.Result,
				Revision:   revision,
				OwnerID:    m.OwnerID,
			})
		}

		// Report tombstones among the client's known IDs
		for _, kid := range knownIds {
			if registry.IsMatchDeleted(kid) {
				matches = append(matches, MatchSummary{
					ID:     kid,
					Status: MatchStatusDeleted,
				})
			}
		}

		respData := struct {
			Data []MatchSummary `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{
			Data: matches,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		response, err := json.Marshal(respData)
		if err != nil {
			log.Printf("Internal Server Error during JSON Marshal: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		etag := generateETag(response)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	})

	mux.HandleFunc("/api/delete-match", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var data struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		matchId := data.ID
		if matchId == "" || !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}

		m, err := store.LoadMatch(matchId)
		if err == nil {
			if GetMatchAccess(userId, m, rStore) < AccessAdmin {
				http.Error(w, "Forbidden: Only the owner can delete this match", http.StatusForbidden)
				return
			}
		}

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteMatch, ID: matchId}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(data)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Internal Server Error during DeleteMatch: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := store.DeleteMatch(matchId); err != nil {
				log.Printf("Internal Server Error during DeleteMatch: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteMatch(matchId)
			hm.RemoveHub(matchId)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Match %s deleted successfully", matchId)
	})

	mux.HandleFunc("/api/save-roster", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var ro Roster
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&ro); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		rosterId := ro.ID
		if rosterId == "" || !isValidUUID(rosterId) {
			http.Error(w, "Bad Request: rosterId is missing or invalid", http.StatusBadRequest)
			return
		}

		existing, err := rStore.LoadRoster(rosterId)
		if err == nil {
			if GetRosterAccess(userId, existing) < AccessWrite {
				http.Error(w, "Forbidden: You do not have permission to manage this roster", http.StatusForbidden)
				return
			}
			ro.OwnerID = existing.OwnerID
		} else if errors.Is(err, os.ErrNotExist) {
			ro.OwnerID = userId
		}

		ro.SchemaVersion = SchemaVersionV1
		ro.UpdatedAt = time.Now().UnixNano()

		body, err := json.Marshal(ro)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if raftMgr != nil {
			raw := json.RawMessage(body)
			cmd := RaftCommand{Type: CmdSaveRoster, ID: rosterId, RosterData: &raw}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Internal Server Error during SaveRoster: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := rStore.SaveRoster(&ro); err != nil {
				log.Printf("Internal Server Error during SaveRoster: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.UpdateRoster(&ro)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Roster %s saved successfully", rosterId)
	})

	mux.HandleFunc("/api/load-roster/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)

		rosterId := strings.TrimPrefix(r.URL.Path, "/api/load-roster/")
		if rosterId == "" || !isValidUUID(rosterId) {
			http.Error(w, "Bad Request: rosterId is missing or invalid", http.StatusBadRequest)
			return
		}

		ro, err := rStore.LoadRoster(rosterId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found: Roster not found", http.StatusNotFound)
			} else {
				log.Printf("Internal Server Error during LoadRoster: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}

		if GetRosterAccess(userId, ro) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this roster", http.StatusForbidden)
			return
		}

		data, err := json.Marshal(ro)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		etag := generateETag(data)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/api/list-rosters", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset, _, _ := parsePagination(r)
		accessibleIds := registry.ListRosters(userId)
		total := len(accessibleIds)

		var pageIds []string
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			pageIds = accessibleIds[offset:end]
		}

		rosters := make([]json.RawMessage, 0)
		for _, rid := range pageIds {
			ro, err := rStore.LoadRoster(rid)
			if err != nil {
				continue
			}
			data, _ := json.Marshal(ro)
			rosters = append(rosters, json.RawMessage(data))
		}

		for _, kid := range knownIds {
			if registry.IsRosterDeleted(kid) {
				tombstone := map[string]string{
					"id":     kid,
					"status": "deleted",
				}
				data, _ := json.Marshal(tombstone)
				rosters = append(rosters, json.RawMessage(data))
			}
		}

		respData := struct {
			Data []json.RawMessage `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{
			Data: rosters,
		}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		response, err := json.Marshal(respData)
		if err != nil {
			log.Printf("Internal Server Error during JSON Marshal: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		etag := generateETag(response)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	})

	mux.HandleFunc("/api/delete-roster", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var data struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		rosterId := data.ID
		if rosterId == "" || !isValidUUID(rosterId) {
			http.Error(w, "Bad Request: rosterId is missing or invalid", http.StatusBadRequest)
			return
		}

		existing, err := rStore.LoadRoster(rosterId)
		if err == nil {
			if GetRosterAccess(userId, existing) < AccessAdmin {
				http.Error(w, "Forbidden: You do not have permission to delete this roster", http.StatusForbidden)
				return
			}
		}

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteRoster, ID: rosterId}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(data)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Internal Server Error during DeleteRoster: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := rStore.DeleteRoster(rosterId); err != nil {
				log.Printf("Internal Server Error during DeleteRoster: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteRoster(rosterId)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Roster %s deleted successfully", rosterId)
	})

	mux.HandleFunc("/api/roster/members", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		var req struct {
			RosterId string      `json:"rosterId"`
			Roles    RosterRoles `json:"roles"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		ro, err := rStore.LoadRoster(req.RosterId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found", http.StatusNotFound)
			} else {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}

		if GetRosterAccess(userId, ro) < AccessAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		ro.Roles = req.Roles
		ro.Roles.normalize()
		ro.UpdatedAt = time.Now().UnixNano()

		if raftMgr != nil {
			body, _ := json.Marshal(ro)
			raw := json.RawMessage(body)
			cmd := RaftCommand{Type: CmdSaveRoster, ID: ro.ID, RosterData: &raw}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := rStore.SaveRoster(ro); err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.UpdateRoster(ro)
		}

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(store, rStore, registry, hm, w, r)
	})

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = loggingMiddleware(handler)
	handler = securityMiddleware(handler)

	if raftMgr != nil {
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			log.Fatalf("Failed to start Raft: %v", err)
		}
	}

	return raftMgr, registry, handler
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
