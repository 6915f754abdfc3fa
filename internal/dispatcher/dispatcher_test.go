package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/memstore"
)

type recordingFanout struct {
	calls [][]string
}

func (r *recordingFanout) ScheduleFanout(_ context.Context, ids []string) {
	r.calls = append(r.calls, ids)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *memstore.StateStore, *memstore.GraphStore, *recordingFanout) {
	t.Helper()
	states := memstore.NewStateStore()
	graphs := memstore.NewGraphStore()
	kv := memstore.NewStoreKV()
	fo := &recordingFanout{}
	d := New(states, graphs, kv, fo, 30)
	return d, states, graphs, fo
}

func TestEnqueueClaimsOnlyCreatedDueStates(t *testing.T) {
	d, states, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	ready := &domain.State{RunID: "r1", NodeName: "A", Identifier: "a1", Status: domain.StateCreated, Inputs: map[string]string{}, CreatedAt: time.Now()}
	notDue := &domain.State{RunID: "r1", NodeName: "A", Identifier: "a2", Status: domain.StateCreated, Inputs: map[string]string{}, EnqueueAfter: time.Now().Add(time.Hour).UnixMilli(), CreatedAt: time.Now()}
	states.Insert(ctx, ready)
	states.Insert(ctx, notDue)

	claimed, err := d.Enqueue(ctx, EnqueueRequest{Nodes: []string{"A"}, BatchSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != ready.ID {
		t.Fatalf("expected only the due state claimed, got %+v", claimed)
	}
	if claimed[0].Status != domain.StateQueued {
		t.Fatalf("status = %v", claimed[0].Status)
	}
}

func TestExecutedSingleOutputSchedulesFanoutOnce(t *testing.T) {
	d, states, graphs, fo := newTestDispatcher(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{Namespace: "ns", Name: "g", RetryPolicy: domain.RetryPolicy{Method: domain.RetryFixed, BackoffFactor: 1}})

	st := &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "A", Identifier: "a1", Status: domain.StateQueued, Inputs: map[string]string{}}
	states.Insert(ctx, st)

	res, err := d.Executed(ctx, st.ID, ExecutedRequest{Outputs: []map[string]any{{"x": "42"}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.StateExecuted {
		t.Fatalf("status = %v", res.Status)
	}
	if len(fo.calls) != 1 || len(fo.calls[0]) != 1 {
		t.Fatalf("expected one fan-out call with one id, got %+v", fo.calls)
	}
}

func TestExecutedFanOutCreatesSiblings(t *testing.T) {
	d, states, graphs, fo := newTestDispatcher(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{Namespace: "ns", Name: "g", RetryPolicy: domain.RetryPolicy{Method: domain.RetryFixed, BackoffFactor: 1}})

	st := &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "A", Identifier: "a1", Status: domain.StateQueued, Inputs: map[string]string{}}
	states.Insert(ctx, st)

	outputs := make([]map[string]any, 10)
	for i := range outputs {
		outputs[i] = map[string]any{"i": i}
	}
	if _, err := d.Executed(ctx, st.ID, ExecutedRequest{Outputs: outputs}); err != nil {
		t.Fatal(err)
	}
	if len(fo.calls) != 1 || len(fo.calls[0]) != 10 {
		t.Fatalf("expected fan-out for 10 ids, got %+v", fo.calls)
	}
	all, _ := states.ListByRun(ctx, "r1", "")
	if len(all) != 10 {
		t.Fatalf("expected 10 states after fan-out, got %d", len(all))
	}
}

func TestErroredCreatesRetryWithBackoff(t *testing.T) {
	d, states, graphs, _ := newTestDispatcher(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{
		Namespace: "ns", Name: "g",
		RetryPolicy: domain.RetryPolicy{MaxRetries: 2, Method: domain.RetryExponential, BackoffFactor: 2},
	})

	st := &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "A", Identifier: "a1", Status: domain.StateQueued, Inputs: map[string]string{}, EnqueueAfter: 1000}
	states.Insert(ctx, st)

	res, err := d.Errored(ctx, st.ID, ErroredRequest{Error: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.RetryCreated {
		t.Fatal("expected a retry to be created")
	}
	all, _ := states.ListByRun(ctx, "r1", "")
	var retry *domain.State
	for _, s := range all {
		if s.ID != st.ID {
			retry = s
		}
	}
	if retry == nil {
		t.Fatal("retry sibling not found")
	}
	if retry.EnqueueAfter != 1000+2000 {
		t.Fatalf("enqueue_after = %d, want %d", retry.EnqueueAfter, 3000)
	}
	if retry.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", retry.RetryCount)
	}
}

func TestErroredRejectsNonQueuedState(t *testing.T) {
	d, states, graphs, _ := newTestDispatcher(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{Namespace: "ns", Name: "g"})
	st := &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "A", Identifier: "a1", Status: domain.StateExecuted, Inputs: map[string]string{}}
	states.Insert(ctx, st)

	if _, err := d.Errored(ctx, st.ID, ErroredRequest{Error: "boom"}); err == nil {
		t.Fatal("expected error for errored() on an EXECUTED state")
	}
}

func TestManualRetryCreatesSiblingAndTransitionsOriginal(t *testing.T) {
	d, states, graphs, _ := newTestDispatcher(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{Namespace: "ns", Name: "g"})
	st := &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "A", Identifier: "a1",
		Status: domain.StateErrored, Inputs: map[string]string{}, FanoutID: "f0"}
	states.Insert(ctx, st)

	sibling, err := d.ManualRetry(ctx, st.ID, ManualRetryRequest{FanoutID: "f1"})
	if err != nil {
		t.Fatal(err)
	}
	if sibling.Status != domain.StateCreated {
		t.Fatalf("sibling status = %v", sibling.Status)
	}
	original, _ := states.Get(ctx, st.ID)
	if original.Status != domain.StateRetryCreated {
		t.Fatalf("original status = %v", original.Status)
	}
}

func TestManualRetryDuplicateFanoutIDConflicts(t *testing.T) {
	d, states, graphs, _ := newTestDispatcher(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{Namespace: "ns", Name: "g"})
	st := &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "A", Identifier: "a1",
		Status: domain.StateErrored, Inputs: map[string]string{}, FanoutID: "f0"}
	states.Insert(ctx, st)

	if _, err := d.ManualRetry(ctx, st.ID, ManualRetryRequest{FanoutID: "f0"}); err != ErrConflict {
		t.Fatalf("expected ErrConflict for duplicate fanout_id, got %v", err)
	}
}

func TestSweepTimeoutsTransitionsExpiredQueuedStates(t *testing.T) {
	d, states, graphs, _ := newTestDispatcher(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{Namespace: "ns", Name: "g", RetryPolicy: domain.RetryPolicy{Method: domain.RetryFixed, BackoffFactor: 1}})

	queuedAt := time.Now().Add(-90 * time.Second).UnixMilli()
	st := &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "A", Identifier: "a1",
		Status: domain.StateQueued, QueuedAt: &queuedAt, TimeoutMinutes: 1, Inputs: map[string]string{}}
	states.Insert(ctx, st)

	n, err := d.SweepTimeouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	got, _ := states.Get(ctx, st.ID)
	if got.Status != domain.StateTimedOut {
		t.Fatalf("status = %v", got.Status)
	}
}
