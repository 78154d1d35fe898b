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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"runtime"
	"strings"
	"sync"
)

type snapshotManifest struct {
	NodeMap     map[string]*NodeMeta `json:"nodeMap"`
	Initialized bool                 `json:"initialized"`
	RaftIndex   uint64               `json:"raftIndex"`
}

// persist streams the full FSM state, every match and roster plus the
// cluster manifest, as a gzipped tarball.
func (f *FSM) persist(sink io.WriteCloser) error {
	defer sink.Close()

	// Ensure all in-memory state is flushed to disk first
	if err := f.ms.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush matches: %w", err)
	}

	gw := gzip.NewWriter(sink)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(key, value interface{}) bool {
		nodes[key.(string)] = value.(*NodeMeta)
		return true
	})
	manifest := snapshotManifest{
		NodeMap:     nodes,
		Initialized: f.initialized.Load(),
		RaftIndex:   f.LastAppliedIndex(),
	}
	manifestBytes, _ := json.Marshal(manifest)
	if err := writeFileToTar(tw, "manifest.json", manifestBytes); err != nil {
		return err
	}

	for m, err := range f.ms.ListAllMatches() {
		if err != nil {
			return err
		}
		data, err := json.Marshal(m)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal match %s: %v", m.ID, err)
			continue
		}
		name := fmt.Sprintf("matches/%s.json", url.PathEscape(m.ID))
		if err := writeFileToTar(tw, name, data); err != nil {
			return err
		}
	}

	for ro, err := range f.rs.ListAllRosters() {
		if err != nil {
			return err
		}
		data, err := json.Marshal(ro)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal roster %s: %v", ro.ID, err)
			continue
		}
		name := fmt.Sprintf("rosters/%s.json", url.PathEscape(ro.ID))
		if err := writeFileToTar(tw, name, data); err != nil {
			return err
		}
	}

	return nil
}

func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	processedMatches := make(map[string]bool)
	processedRosters := make(map[string]bool)
	shouldSkipRestore := false

	// Worker pool for the disk writes
	numWorkers := runtime.NumCPU()
	jobs := make(chan interface{}, numWorkers)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				select {
				case <-errCh:
					return
				default:
				}
				switch v := job.(type) {
				case *Match:
					if err := f.ms.SaveMatch(v); err != nil {
						select {
						case errCh <- err:
						default:
						}
					}
				case *Roster:
					if err := f.rs.SaveRoster(v); err != nil {
						select {
						case errCh <- err:
						default:
						}
					}
				}
			}
		}()
	}

	teardown := func() { close(jobs); wg.Wait() }

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			teardown()
			return err
		}

		select {
		case err := <-errCh:
			teardown()
			return err
		default:
		}

		if header.Size > 10*1024*1024 {
			teardown()
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		if header.Name == "manifest.json" {
			var manifest snapshotManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				teardown()
				return err
			}
			for k, v := range manifest.NodeMap {
				f.nodeMap.Store(k, v)
			}
			if manifest.Initialized {
				f.setInitialized()
			}

			// If the local state already covers the snapshot's index
			// there is no point rewriting every file.
			if f.IsInitialized() && f.storage != nil {
				var state map[string]any
				if err := f.storage.ReadDataFile("fsm_state.json", &state); err == nil {
					var localIndex uint64
					if v, ok := state["lastAppliedIndex"]; ok {
						switch val := v.(type) {
						case float64:
							localIndex = uint64(val)
						case int64:
							localIndex = uint64(val)
						case uint64:
							localIndex = val
						}
					}
					if localIndex >= manifest.RaftIndex && manifest.RaftIndex > 0 {
						log.Printf("Smart Restore: Local state (Index %d) is fresh enough. Skipping.", localIndex)
						shouldSkipRestore = true
					}
				}
			}
			continue
		}

		if shouldSkipRestore {
			continue
		}

		if strings.HasPrefix(header.Name, "matches/") {
			var m Match
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				continue
			}
			m.normalize()
			processedMatches[m.ID] = true
			select {
			case jobs <- &m:
			case err := <-errCh:
				teardown()
				return err
			}
		} else if strings.HasPrefix(header.Name, "rosters/") {
			var ro Roster
			if err := json.NewDecoder(tr).Decode(&ro); err != nil {
				continue
			}
			ro.normalize()
			processedRosters[ro.ID] = true
			select {
			case jobs <- &ro:
			case err := <-errCh:
				teardown()
				return err
			}
		}
	}

	teardown()
	select {
	case err := <-errCh:
		return err
	default:
	}

	f.saveNodes()

	if shouldSkipRestore {
		return nil
	}

	// Purge anything on disk the snapshot no longer contains.
	for meta, err := range f.ms.ListAllMatchMetadata() {
		if err != nil {
			log.Printf("Restore Cleanup Warning: failed to list matches: %v", err)
			break
		}
		if !processedMatches[meta.ID] {
			f.ms.PurgeMatch(meta.ID)
		}
	}
	for meta, err := range f.rs.ListAllRosterMetadata() {
		if err != nil {
			log.Printf("Restore Cleanup Warning: failed to list rosters: %v", err)
			break
		}
		if !processedRosters[meta.ID] {
			f.rs.PurgeRoster(meta.ID)
		}
	}

	return nil
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
