// Package memstore is an in-memory implementation of the internal/ports
// interfaces, in the same mutex-guarded map-of-buckets style the teacher
// repo uses for its embedded bbolt store. It backs unit tests for every
// package that accepts ports interfaces.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/ports"
)

type graphKey struct{ namespace, name string }

// GraphStore is an in-memory ports.GraphStore.
type GraphStore struct {
	mu   sync.Mutex
	data map[graphKey]*domain.GraphTemplate
}

func NewGraphStore() *GraphStore {
	return &GraphStore{data: make(map[graphKey]*domain.GraphTemplate)}
}

func (s *GraphStore) Upsert(_ context.Context, tmpl *domain.GraphTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := graphKey{tmpl.Namespace, tmpl.Name}
	cp := *tmpl
	s.data[key] = &cp
	return nil
}

func (s *GraphStore) Get(_ context.Context, namespace, name string) (*domain.GraphTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.data[graphKey{namespace, name}]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *tmpl
	return &cp, nil
}

func (s *GraphStore) SetValidation(_ context.Context, namespace, name string, status domain.GraphValidationStatus, errs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.data[graphKey{namespace, name}]
	if !ok {
		return ports.ErrNotFound
	}
	tmpl.ValidationStatus = status
	tmpl.ValidationErrors = errs
	tmpl.UpdatedAt = time.Now()
	return nil
}

type nodeKey struct{ namespace, name string }

// RegisteredNodeStore is an in-memory ports.RegisteredNodeStore.
type RegisteredNodeStore struct {
	mu   sync.Mutex
	data map[nodeKey]*domain.RegisteredNode
}

func NewRegisteredNodeStore() *RegisteredNodeStore {
	return &RegisteredNodeStore{data: make(map[nodeKey]*domain.RegisteredNode)}
}

func (s *RegisteredNodeStore) Register(_ context.Context, node *domain.RegisteredNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	s.data[nodeKey{node.Namespace, node.Name}] = &cp
	return nil
}

func (s *RegisteredNodeStore) Get(_ context.Context, namespace, name string) (*domain.RegisteredNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.data[nodeKey{namespace, name}]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// StateStore is an in-memory ports.StateStore, guarding every mutation with
// a single mutex to emulate the database's compare-and-set semantics.
type StateStore struct {
	mu   sync.Mutex
	data map[string]*domain.State
	// fanoutKeys enforces the unique (run_id, identifier, fanout_id) index.
	fanoutKeys map[string]string
}

func NewStateStore() *StateStore {
	return &StateStore{
		data:       make(map[string]*domain.State),
		fanoutKeys: make(map[string]string),
	}
}

func fanoutKey(runID, identifier, fanoutID string) string {
	return runID + "/" + identifier + "/" + fanoutID
}

func (s *StateStore) Insert(_ context.Context, st *domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(st)
}

func (s *StateStore) insertLocked(st *domain.State) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	key := fanoutKey(st.RunID, st.Identifier, st.FanoutID)
	if existing, ok := s.fanoutKeys[key]; ok && existing != st.ID {
		return ports.ErrConflict
	}
	s.fanoutKeys[key] = st.ID
	cp := *st
	s.data[st.ID] = &cp
	return nil
}

func (s *StateStore) InsertMany(_ context.Context, states []*domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if err := s.insertLocked(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateStore) Get(_ context.Context, id string) (*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *StateStore) Claim(_ context.Context, filter ports.ClaimFilter) ([]*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(filter.Nodes))
	for _, n := range filter.Nodes {
		wanted[n] = true
	}

	var candidates []*domain.State
	for _, st := range s.data {
		if st.Status != domain.StateCreated {
			continue
		}
		if !wanted[st.NodeName] {
			continue
		}
		if st.EnqueueAfter > filter.Now.UnixMilli() {
			continue
		}
		candidates = append(candidates, st)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].EnqueueAfter != candidates[j].EnqueueAfter {
			return candidates[i].EnqueueAfter < candidates[j].EnqueueAfter
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	n := filter.BatchSize
	if n > len(candidates) {
		n = len(candidates)
	}
	claimed := make([]*domain.State, 0, n)
	now := filter.Now.UnixMilli()
	for i := 0; i < n; i++ {
		st := candidates[i]
		st.Status = domain.StateQueued
		st.QueuedAt = &now
		st.UpdatedAt = filter.Now
		cp := *st
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *StateStore) CompareAndSetStatus(_ context.Context, id string, expected, to domain.StateStatus, mutate func(*domain.State)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[id]
	if !ok {
		return false, ports.ErrNotFound
	}
	if st.Status != expected {
		return false, nil
	}
	if !domain.CanTransition(expected, to) {
		return false, fmt.Errorf("memstore: illegal transition %s -> %s", expected, to)
	}
	st.Status = to
	st.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(st)
	}
	return true, nil
}

func (s *StateStore) CountNotSuccessByParent(_ context.Context, identifier, commonParentIdentifier, commonParentStateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, st := range s.data {
		if st.Identifier != identifier {
			continue
		}
		if st.Parents[commonParentIdentifier] != commonParentStateID {
			continue
		}
		if st.Status != domain.StateSuccess {
			count++
		}
	}
	return count, nil
}

func (s *StateStore) DueForTimeout(_ context.Context, now time.Time) ([]*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.State
	for _, st := range s.data {
		if st.Status != domain.StateQueued || st.QueuedAt == nil {
			continue
		}
		deadline := *st.QueuedAt + int64(st.TimeoutMinutes)*60_000
		if deadline <= now.UnixMilli() {
			cp := *st
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (s *StateStore) ListByRun(_ context.Context, runID, identifier string) ([]*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.State
	for _, st := range s.data {
		if st.RunID != runID {
			continue
		}
		if identifier != "" && st.Identifier != identifier {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RunStore is an in-memory ports.RunStore.
type RunStore struct {
	mu   sync.Mutex
	data map[string]*domain.Run
}

func NewRunStore() *RunStore { return &RunStore{data: make(map[string]*domain.Run)} }

func (s *RunStore) Insert(_ context.Context, r *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[r.RunID]; ok {
		return ports.ErrConflict
	}
	cp := *r
	s.data[r.RunID] = &cp
	return nil
}

func (s *RunStore) Get(_ context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[runID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *RunStore) List(_ context.Context, namespace string, page, size int) ([]*domain.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*domain.Run
	for _, r := range s.data {
		if r.Namespace == namespace {
			cp := *r
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	start := page * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// StoreKV is an in-memory ports.StoreKV.
type StoreKV struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func NewStoreKV() *StoreKV { return &StoreKV{data: make(map[string]map[string]string)} }

func (s *StoreKV) SeedMany(_ context.Context, entries []domain.StoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		m, ok := s.data[e.RunID]
		if !ok {
			m = make(map[string]string)
			s.data[e.RunID] = m
		}
		m[e.Key] = e.Value
	}
	return nil
}

func (s *StoreKV) Get(_ context.Context, runID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[runID]
	if !ok {
		return "", false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}
