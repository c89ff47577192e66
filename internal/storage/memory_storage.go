package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BetterCallFirewall/Replaycon/internal/flow"
)

// UnknownFlowError is returned when an override targets an identity that was
// never observed.
type UnknownFlowError struct {
	Key string
}

func (e *UnknownFlowError) Error() string {
	return fmt.Sprintf("no flow recorded for %q", e.Key)
}

// FlowStore holds at most one live flow per identity. All read-check-write
// sequences happen under one lock so a pipeline recording never races an
// operator override into a torn state.
type FlowStore struct {
	flows       map[string]*flow.Flow
	seq         uint64
	mu          sync.RWMutex
	persistFile string
	log         *zap.SugaredLogger
}

func NewFlowStore(persistFile string, log *zap.SugaredLogger) *FlowStore {
	s := &FlowStore{
		flows:       make(map[string]*flow.Flow),
		persistFile: persistFile,
		log:         log,
	}
	if persistFile != "" {
		s.load()
	}
	return s
}

// Record stores a completed live exchange. The first exchange for an
// identity creates the flow; later ones replace request and response
// last-write-wins while identity, ID, creation time, sequence and any
// override stay put.
func (s *FlowStore) Record(id flow.Identity, req flow.RequestData, resp flow.ResponseData) *flow.Flow {
	key := id.Key()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[key]
	if !ok {
		s.seq++
		f = &flow.Flow{
			ID:        uuid.New().String(),
			Identity:  id,
			CreatedAt: now,
			Sequence:  s.seq,
		}
		s.flows[key] = f
	}
	f.Request = req
	f.Response = &resp
	f.LastSeenAt = now

	return f.Clone()
}

// OverriddenResponse returns the response to synthesize for id, if the flow
// exists and carries an override. Merging and the lastSeenAt touch happen
// under the lock, so the pipeline observes the override fully applied or not
// at all.
func (s *FlowStore) OverriddenResponse(id flow.Identity) (flow.ResponseData, *flow.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[id.Key()]
	if !ok || f.Override == nil {
		return flow.ResponseData{}, nil, false
	}
	f.LastSeenAt = time.Now()
	return f.Override.Merge(f.Response), f.Clone(), true
}

func (s *FlowStore) Get(key string) (*flow.Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[key]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// List returns all flows ordered by sequence number.
func (s *FlowStore) List() []*flow.Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]*flow.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f.Clone())
	}
	sort.Slice(flows, func(i, j int) bool {
		return flows[i].Sequence < flows[j].Sequence
	})
	return flows
}

// SetOverride attaches ov to an existing flow. Unknown identities are
// rejected, nothing is created implicitly.
func (s *FlowStore) SetOverride(key string, ov flow.Override) (*flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[key]
	if !ok {
		return nil, &UnknownFlowError{Key: key}
	}
	f.Override = &ov
	return f.Clone(), nil
}

// ClearOverride reverts the flow to live recording on its next match.
func (s *FlowStore) ClearOverride(key string) (*flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[key]
	if !ok {
		return nil, &UnknownFlowError{Key: key}
	}
	f.Override = nil
	return f.Clone(), nil
}

func (s *FlowStore) Forget(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flows[key]
	delete(s.flows, key)
	return ok
}

func (s *FlowStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = make(map[string]*flow.Flow)
}

func (s *FlowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows)
}

// Persist writes a JSON snapshot of every flow, including overrides, so an
// interception session survives a restart. No-op without a persist file.
func (s *FlowStore) Persist() error {
	if s.persistFile == "" {
		return nil
	}
	flows := s.List()

	if err := os.MkdirAll(filepath.Dir(s.persistFile), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(flows, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.persistFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.persistFile)
}

func (s *FlowStore) load() {
	data, err := os.ReadFile(s.persistFile)
	if err != nil {
		if !os.IsNotExist(err) && s.log != nil {
			s.log.Warnw("flow snapshot unreadable, starting empty", "file", s.persistFile, "error", err)
		}
		return
	}

	var flows []*flow.Flow
	if err := json.Unmarshal(data, &flows); err != nil {
		if s.log != nil {
			s.log.Warnw("flow snapshot corrupt, starting empty", "file", s.persistFile, "error", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range flows {
		s.flows[f.Identity.Key()] = f
		if f.Sequence > s.seq {
			s.seq = f.Sequence
		}
	}
}
