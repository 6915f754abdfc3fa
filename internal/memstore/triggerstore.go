package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/ports"
)

// TriggerStore is an in-memory ports.TriggerStore.
type TriggerStore struct {
	mu   sync.Mutex
	data map[string]*domain.DatabaseTrigger
	// uniq enforces (type, expression, graph_name, namespace, trigger_time).
	uniq map[string]string
}

func NewTriggerStore() *TriggerStore {
	return &TriggerStore{
		data: make(map[string]*domain.DatabaseTrigger),
		uniq: make(map[string]string),
	}
}

func uniqKey(t *domain.DatabaseTrigger) string {
	return string(t.Type) + "/" + t.Expression + "/" + t.GraphName + "/" + t.Namespace + "/" + t.TriggerTime.UTC().Format(time.RFC3339)
}

func (s *TriggerStore) Insert(_ context.Context, t *domain.DatabaseTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := uniqKey(t)
	if _, ok := s.uniq[key]; ok {
		return ports.ErrConflict
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.uniq[key] = t.ID
	cp := *t
	s.data[t.ID] = &cp
	return nil
}

func (s *TriggerStore) ClaimDue(_ context.Context, now time.Time) (*domain.DatabaseTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*domain.DatabaseTrigger
	for _, t := range s.data {
		if t.Status == domain.TriggerPending && !t.TriggerTime.After(now) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].TriggerTime.Before(candidates[j].TriggerTime) })
	claimed := candidates[0]
	claimed.Status = domain.TriggerTriggering
	cp := *claimed
	return &cp, nil
}

func (s *TriggerStore) MarkTerminal(_ context.Context, id string, status domain.TriggerStatus, errMsg string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data[id]
	if !ok {
		return ports.ErrNotFound
	}
	t.Status = status
	t.Error = errMsg
	t.ExpiresAt = &expiresAt
	return nil
}

func (s *TriggerStore) CancelPending(_ context.Context, namespace, graphName string, keep map[domain.CronTrigger]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, t := range s.data {
		if t.Namespace != namespace || t.GraphName != graphName || t.Status != domain.TriggerPending {
			continue
		}
		key := domain.CronTrigger{Expression: t.Expression, Timezone: t.Timezone}
		if _, ok := keep[key]; ok {
			continue
		}
		t.Status = domain.TriggerCancelled
		expiry := now
		t.ExpiresAt = &expiry
	}
	return nil
}

func (s *TriggerStore) ReconcileStartup(_ context.Context, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.data {
		if (t.Status == domain.TriggerTriggered || t.Status == domain.TriggerFailed) && t.ExpiresAt == nil {
			t.Status = domain.TriggerCancelled
			expiry := time.Now().Add(retention)
			t.ExpiresAt = &expiry
		}
	}
	return nil
}

func (s *TriggerStore) ListPendingCrons(_ context.Context, namespace, graphName string) (map[domain.CronTrigger]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.CronTrigger]struct{})
	for _, t := range s.data {
		if t.Namespace != namespace || t.GraphName != graphName || t.Status != domain.TriggerPending {
			continue
		}
		out[domain.CronTrigger{Expression: t.Expression, Timezone: t.Timezone}] = struct{}{}
	}
	return out, nil
}
