package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/memstore"
)

func mustParseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func setupService(t *testing.T) (*Service, *memstore.GraphStore, *memstore.StateStore, *memstore.RunStore, *memstore.StoreKV) {
	t.Helper()
	graphs := memstore.NewGraphStore()
	states := memstore.NewStateStore()
	runs := memstore.NewRunStore()
	kv := memstore.NewStoreKV()
	return New(graphs, states, runs, kv), graphs, states, runs, kv
}

func TestTriggerSeedsStoreAndCreatesRootState(t *testing.T) {
	svc, graphs, states, runs, kv := setupService(t)
	ctx := context.Background()

	graphs.Upsert(ctx, &domain.GraphTemplate{
		Namespace: "ns", Name: "g", ValidationStatus: domain.GraphValid,
		Nodes: []domain.NodeTemplate{
			{Identifier: "A", NodeName: "A", Namespace: "ns", NextNodes: []string{"B"}},
			{Identifier: "B", NodeName: "B", Namespace: "ns"},
		},
		StoreConfig: domain.StoreConfig{
			RequiredKeys:  []string{"api_key"},
			DefaultValues: map[string]string{"region": "us-east-1"},
		},
	})

	res, err := svc.Trigger(ctx, "ns", "g", Request{Store: map[string]string{"api_key": "secret"}})
	if err != nil {
		t.Fatal(err)
	}

	run, err := runs.Get(ctx, res.RunID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if run.GraphName != "g" {
		t.Fatalf("run.GraphName = %q", run.GraphName)
	}

	roots, _ := states.ListByRun(ctx, res.RunID, "A")
	if len(roots) != 1 || roots[0].NodeName != "A" {
		t.Fatalf("expected one root State for A, got %+v", roots)
	}

	region, ok, _ := kv.Get(ctx, res.RunID, "region")
	if !ok || region != "us-east-1" {
		t.Fatalf("default value not seeded: ok=%v region=%q", ok, region)
	}
	apiKey, ok, _ := kv.Get(ctx, res.RunID, "api_key")
	if !ok || apiKey != "secret" {
		t.Fatalf("request value not seeded: ok=%v apiKey=%q", ok, apiKey)
	}
}

func TestTriggerRejectsMissingRequiredStoreKey(t *testing.T) {
	svc, graphs, _, _, _ := setupService(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{
		Namespace: "ns", Name: "g", ValidationStatus: domain.GraphValid,
		Nodes:       []domain.NodeTemplate{{Identifier: "A", NodeName: "A", Namespace: "ns"}},
		StoreConfig: domain.StoreConfig{RequiredKeys: []string{"api_key"}},
	})

	_, err := svc.Trigger(ctx, "ns", "g", Request{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTriggerRejectsNonValidGraph(t *testing.T) {
	svc, graphs, _, _, _ := setupService(t)
	ctx := context.Background()
	graphs.Upsert(ctx, &domain.GraphTemplate{
		Namespace: "ns", Name: "g", ValidationStatus: domain.GraphPending,
		Nodes: []domain.NodeTemplate{{Identifier: "A", NodeName: "A", Namespace: "ns"}},
	})

	_, err := svc.Trigger(ctx, "ns", "g", Request{})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestSchedulerFiresDueCronAndReschedulesNext(t *testing.T) {
	_, graphs, states, runs, kv := setupService(t)
	triggers := memstore.NewTriggerStore()
	svc := New(graphs, states, runs, kv)
	ctx := context.Background()

	graphs.Upsert(ctx, &domain.GraphTemplate{
		Namespace: "ns", Name: "g", ValidationStatus: domain.GraphValid,
		Nodes: []domain.NodeTemplate{{Identifier: "A", NodeName: "A", Namespace: "ns"}},
	})

	due := &domain.DatabaseTrigger{
		Type: domain.TriggerTypeCron, GraphName: "g", Namespace: "ns",
		Expression: "*/5 * * * *", Timezone: "UTC",
		TriggerTime: mustParseRFC3339("2026-07-31T00:00:00Z"),
		Status:      domain.TriggerPending,
	}
	if err := triggers.Insert(ctx, due); err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(triggers, svc, 2)
	sched.now = func() time.Time { return mustParseRFC3339("2026-07-31T00:00:30Z") }
	sched.tick(ctx)

	runsAll, total, err := runs.List(ctx, "ns", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(runsAll) != 1 {
		t.Fatalf("expected one run created, got %d", total)
	}

	pending, err := triggers.ListPendingCrons(ctx, "ns", "g")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one rescheduled pending cron, got %d", len(pending))
	}
}
