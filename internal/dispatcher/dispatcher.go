// Package dispatcher implements the claim/report protocol remote runtimes
// use to execute nodes: enqueue (claim), executed, errored, manual_retry,
// and the periodic timeout sweep. It is grounded on the teacher
// orchestrator's worker-pool dispatch loop, replacing in-process task
// execution with the pull/report protocol external runtimes use here.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/exospherehost/state-manager/internal/backoff"
	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/placeholder"
	"github.com/exospherehost/state-manager/internal/ports"
)

// Error taxonomy surfaced to HTTP handlers.
var (
	ErrNotFound           = errors.New("dispatcher: not found")
	ErrInvalidState       = errors.New("dispatcher: invalid state transition")
	ErrInvalidInput       = errors.New("dispatcher: invalid input")
	ErrConflict           = errors.New("dispatcher: conflict")
	ErrPreconditionFailed = errors.New("dispatcher: precondition failed")
)

// FanoutScheduler is the durable-task boundary the dispatcher hands off to
// after executed(): rather than running the fan-out engine inline inside
// the HTTP response, it enqueues a task record a worker drains
// asynchronously (Design Note: background tasks must be an explicit step).
type FanoutScheduler interface {
	ScheduleFanout(ctx context.Context, stateIDs []string)
}

// Dispatcher implements enqueue/executed/errored/manual_retry/timeout.
type Dispatcher struct {
	states                ports.StateStore
	graphs                ports.GraphStore
	store                 ports.StoreKV
	fanout                FanoutScheduler
	now                   func() time.Time
	defaultTimeoutMinutes int
}

func New(states ports.StateStore, graphs ports.GraphStore, store ports.StoreKV, fanout FanoutScheduler, defaultTimeoutMinutes int) *Dispatcher {
	return &Dispatcher{states: states, graphs: graphs, store: store, fanout: fanout, now: time.Now, defaultTimeoutMinutes: defaultTimeoutMinutes}
}

// EnqueueRequest is the body of POST /states/enqueue.
type EnqueueRequest struct {
	Nodes     []string
	BatchSize int
}

// Enqueue claims up to req.BatchSize CREATED states for the given node
// names, resolving store placeholders in their inputs at claim time.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) ([]*domain.State, error) {
	tracer := otel.Tracer("exosphere-state-manager")
	ctx, span := tracer.Start(ctx, "dispatcher.Enqueue")
	defer span.End()

	claimed, err := d.states.Claim(ctx, ports.ClaimFilter{
		Nodes: req.Nodes, BatchSize: req.BatchSize, Now: d.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: claim: %w", err)
	}

	for _, st := range claimed {
		if err := d.resolveStoreInputs(ctx, st); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	meter := otel.Meter("exosphere-state-manager")
	claimCounter, _ := meter.Int64Counter("exostate_dispatcher_claimed_total")
	claimCounter.Add(ctx, int64(len(claimed)))

	return claimed, nil
}

// resolveStoreInputs rewrites any "${{ store.outputs.key }}" reference in
// st.Inputs to the corresponding value from the run's Store, in place.
func (d *Dispatcher) resolveStoreInputs(ctx context.Context, st *domain.State) error {
	for field, expr := range st.Inputs {
		ds, err := placeholder.Parse(expr)
		if err != nil {
			return err
		}
		if len(ds.Dependents) == 0 {
			continue
		}
		for _, dep := range ds.Dependents {
			if !dep.IsStoreReference() {
				continue
			}
			val, ok, err := d.store.Get(ctx, st.RunID, dep.Field)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("store key %q not seeded for run %s", dep.Field, st.RunID)
			}
			dep.SetValue(val)
		}
		rendered, err := ds.Render()
		if err != nil {
			continue // non-store dependents resolve later, in the fan-out engine
		}
		st.Inputs[field] = rendered
	}
	return nil
}

// ExecutedRequest is the body of POST /states/{id}/executed.
type ExecutedRequest struct {
	Outputs []map[string]any
}

// ExecutedResult reports what executed() did.
type ExecutedResult struct {
	Status domain.StateStatus
}

// Executed transitions a QUEUED state to EXECUTED. With zero or one output
// only the original state changes; with N>1 outputs, N-1 fan-out siblings
// are materialized sharing the original's (node_name, identifier, inputs,
// parents, run_id) but each with a fresh fanout_id. The fan-out engine is
// then scheduled for every resulting id.
func (d *Dispatcher) Executed(ctx context.Context, stateID string, req ExecutedRequest) (*ExecutedResult, error) {
	st, err := d.states.Get(ctx, stateID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if st.Status != domain.StateQueued {
		return nil, fmt.Errorf("%w: state %s is %s, not QUEUED", ErrInvalidState, stateID, st.Status)
	}

	var firstOutputs map[string]any
	if len(req.Outputs) > 0 {
		firstOutputs = req.Outputs[0]
	}

	// Siblings are written before the original flips to EXECUTED: a crash
	// between the two leaves the original still QUEUED (safely retryable
	// by the claiming runtime) rather than EXECUTED with some of its
	// fan-out outputs silently missing.
	ids := []string{stateID}
	if len(req.Outputs) > 1 {
		siblings := make([]*domain.State, 0, len(req.Outputs)-1)
		for _, outputs := range req.Outputs[1:] {
			sib := &domain.State{
				RunID: st.RunID, GraphName: st.GraphName, Namespace: st.Namespace,
				NodeName: st.NodeName, Identifier: st.Identifier,
				Status: domain.StateExecuted, Inputs: st.Inputs, Outputs: outputs,
				Parents: st.Parents, FanoutID: uuid.NewString(), DoesUnites: st.DoesUnites,
				CreatedAt: d.now(), UpdatedAt: d.now(),
			}
			siblings = append(siblings, sib)
		}
		if err := d.states.InsertMany(ctx, siblings); err != nil {
			return nil, fmt.Errorf("dispatcher: insert fan-out siblings: %w", err)
		}
		for _, sib := range siblings {
			ids = append(ids, sib.ID)
		}
	}

	ok, err := d.states.CompareAndSetStatus(ctx, stateID, domain.StateQueued, domain.StateExecuted, func(s *domain.State) {
		s.Outputs = firstOutputs
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: state %s is no longer QUEUED", ErrInvalidState, stateID)
	}

	d.fanout.ScheduleFanout(ctx, ids)
	return &ExecutedResult{Status: domain.StateExecuted}, nil
}

// ErroredRequest is the body of POST /states/{id}/errored.
type ErroredRequest struct {
	Error string
}

// ErroredResult reports whether a retry sibling was created.
type ErroredResult struct {
	RetryCreated bool
}

// Errored transitions a QUEUED state to ERRORED and, if under the graph's
// max_retries, inserts a CREATED retry sibling with backoff applied to
// enqueue_after.
func (d *Dispatcher) Errored(ctx context.Context, stateID string, req ErroredRequest) (*ErroredResult, error) {
	st, err := d.states.Get(ctx, stateID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if st.Status != domain.StateQueued {
		return nil, fmt.Errorf("%w: state %s is %s, not QUEUED", ErrInvalidState, stateID, st.Status)
	}

	ok, err := d.states.CompareAndSetStatus(ctx, stateID, domain.StateQueued, domain.StateErrored, func(s *domain.State) {
		s.Error = req.Error
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: state %s is no longer QUEUED", ErrInvalidState, stateID)
	}

	created, err := d.maybeRetry(ctx, st, req.Error)
	if err != nil {
		return nil, err
	}
	return &ErroredResult{RetryCreated: created}, nil
}

func (d *Dispatcher) maybeRetry(ctx context.Context, original *domain.State, cause string) (bool, error) {
	tmpl, err := d.graphs.Get(ctx, original.Namespace, original.GraphName)
	if err != nil {
		return false, fmt.Errorf("dispatcher: load graph for retry policy: %w", err)
	}
	nextRetry := original.RetryCount + 1
	if nextRetry > tmpl.RetryPolicy.MaxRetries {
		return false, nil
	}
	delayMS, err := backoff.Compute(tmpl.RetryPolicy, nextRetry)
	if err != nil {
		return false, fmt.Errorf("dispatcher: compute backoff: %w", err)
	}
	sibling := &domain.State{
		RunID: original.RunID, GraphName: original.GraphName, Namespace: original.Namespace,
		NodeName: original.NodeName, Identifier: original.Identifier,
		Status: domain.StateCreated, Inputs: original.Inputs, Parents: original.Parents,
		FanoutID: uuid.NewString(), DoesUnites: original.DoesUnites,
		RetryCount: nextRetry, EnqueueAfter: original.EnqueueAfter + delayMS,
		TimeoutMinutes: original.TimeoutMinutes,
		CreatedAt:      d.now(), UpdatedAt: d.now(),
	}
	if err := d.states.Insert(ctx, sibling); err != nil {
		if errors.Is(err, ports.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("dispatcher: insert retry sibling: %w", err)
	}
	return true, nil
}

// ManualRetryRequest is the body of POST /states/{id}/manual-retry.
type ManualRetryRequest struct {
	FanoutID string
}

// ManualRetry creates a CREATED sibling preserving inputs/parents and
// transitions the original to RETRY_CREATED, regardless of the original's
// current status (the only precondition is that it exists).
func (d *Dispatcher) ManualRetry(ctx context.Context, stateID string, req ManualRetryRequest) (*domain.State, error) {
	st, err := d.states.Get(ctx, stateID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sibling := &domain.State{
		RunID: st.RunID, GraphName: st.GraphName, Namespace: st.Namespace,
		NodeName: st.NodeName, Identifier: st.Identifier,
		Status: domain.StateCreated, Inputs: st.Inputs, Parents: st.Parents,
		FanoutID:  req.FanoutID,
		CreatedAt: d.now(), UpdatedAt: d.now(),
	}
	if err := d.states.Insert(ctx, sibling); err != nil {
		if errors.Is(err, ports.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("dispatcher: insert manual retry sibling: %w", err)
	}

	if _, err := d.states.CompareAndSetStatus(ctx, stateID, st.Status, domain.StateRetryCreated, nil); err != nil {
		return nil, fmt.Errorf("dispatcher: mark original retry_created: %w", err)
	}
	return sibling, nil
}

// SweepTimeouts transitions every QUEUED state whose deadline has elapsed
// to TIMEDOUT, applying the same retry path errored() does.
func (d *Dispatcher) SweepTimeouts(ctx context.Context) (int, error) {
	due, err := d.states.DueForTimeout(ctx, d.now())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, st := range due {
		timeoutMinutes := st.TimeoutMinutes
		if timeoutMinutes == 0 {
			timeoutMinutes = d.defaultTimeoutMinutes
		}
		if st.QueuedAt == nil || *st.QueuedAt+int64(timeoutMinutes)*60_000 > d.now().UnixMilli() {
			continue
		}
		msg := fmt.Sprintf("Node execution timed out after %d minutes", timeoutMinutes)
		ok, err := d.states.CompareAndSetStatus(ctx, st.ID, domain.StateQueued, domain.StateTimedOut, func(s *domain.State) {
			s.Error = msg
		})
		if err != nil || !ok {
			continue
		}
		if _, err := d.maybeRetry(ctx, st, msg); err != nil {
			continue
		}
		count++
	}
	return count, nil
}
