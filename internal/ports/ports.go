// Package ports declares the storage contracts the domain logic depends
// on. Concrete implementations live in mongostore (production) and
// memstore (tests); every other package accepts these interfaces so it
// never imports a driver directly.
package ports

import (
	"context"
	"time"

	"github.com/exospherehost/state-manager/internal/domain"
)

// ErrNotFound is returned by any lookup that finds no matching document.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

// ErrConflict is returned when a write would violate a uniqueness
// constraint (duplicate fanout_id, duplicate trigger row, …).
var ErrConflict = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "conflict" }

// GraphStore persists GraphTemplate documents keyed by (namespace, name).
type GraphStore interface {
	Upsert(ctx context.Context, tmpl *domain.GraphTemplate) error
	Get(ctx context.Context, namespace, name string) (*domain.GraphTemplate, error)
	SetValidation(ctx context.Context, namespace, name string, status domain.GraphValidationStatus, errs []string) error
}

// RegisteredNodeStore persists RegisteredNode documents.
type RegisteredNodeStore interface {
	Register(ctx context.Context, node *domain.RegisteredNode) error
	Get(ctx context.Context, namespace, name string) (*domain.RegisteredNode, error)
}

// ClaimFilter selects CREATED states eligible for enqueue.
type ClaimFilter struct {
	Nodes     []string
	BatchSize int
	Now       time.Time
}

// StateStore persists State documents and implements the compare-and-set
// transitions the dispatcher and fan-out engine rely on.
type StateStore interface {
	Insert(ctx context.Context, s *domain.State) error
	InsertMany(ctx context.Context, states []*domain.State) error
	Get(ctx context.Context, id string) (*domain.State, error)

	// Claim atomically transitions up to filter.BatchSize CREATED states
	// matching filter to QUEUED, ordered by enqueue_after then created_at.
	Claim(ctx context.Context, filter ClaimFilter) ([]*domain.State, error)

	// CompareAndSetStatus performs a CAS transition id: expected -> to. It
	// reports ok=false (no error) if the current status did not match
	// expected, so callers can distinguish "lost the race" from failure.
	CompareAndSetStatus(ctx context.Context, id string, expected, to domain.StateStatus, mutate func(*domain.State)) (ok bool, err error)

	// CountNotSuccessByParent counts states with the given identifier whose
	// parents[commonParentIdentifier] equals commonParentStateID and whose
	// status is not SUCCESS. Used by the join check: siblings spawned from
	// the same immediate parent instance share this (identifier, id) pair,
	// which is what lets concurrent fan-out branches join independently.
	CountNotSuccessByParent(ctx context.Context, identifier, commonParentIdentifier, commonParentStateID string) (int, error)

	// DueForTimeout returns QUEUED states whose queued_at+timeout has elapsed.
	DueForTimeout(ctx context.Context, now time.Time) ([]*domain.State, error)

	ListByRun(ctx context.Context, runID, identifier string) ([]*domain.State, error)
}

// RunStore persists Run documents.
type RunStore interface {
	Insert(ctx context.Context, r *domain.Run) error
	Get(ctx context.Context, runID string) (*domain.Run, error)
	List(ctx context.Context, namespace string, page, size int) ([]*domain.Run, int, error)
}

// StoreKV persists per-run Store key/value entries.
type StoreKV interface {
	SeedMany(ctx context.Context, entries []domain.StoreEntry) error
	Get(ctx context.Context, runID, key string) (string, bool, error)
}

// TriggerStore persists DatabaseTrigger rows.
type TriggerStore interface {
	Insert(ctx context.Context, t *domain.DatabaseTrigger) error
	// ClaimDue performs findAndModify: PENDING & trigger_time<=now -> TRIGGERING.
	ClaimDue(ctx context.Context, now time.Time) (*domain.DatabaseTrigger, error)
	MarkTerminal(ctx context.Context, id string, status domain.TriggerStatus, errMsg string, expiresAt time.Time) error
	CancelPending(ctx context.Context, namespace, graphName string, crons map[domain.CronTrigger]struct{}) error
	ReconcileStartup(ctx context.Context, retention time.Duration) error
	ListPendingCrons(ctx context.Context, namespace, graphName string) (map[domain.CronTrigger]struct{}, error)
}
