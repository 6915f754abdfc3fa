package query

import (
	"context"
	"testing"
	"time"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/memstore"
)

func seedRun(t *testing.T, runs *memstore.RunStore, states *memstore.StateStore, runID, namespace string, sts []domain.StateStatus) {
	t.Helper()
	ctx := context.Background()
	if err := runs.Insert(ctx, &domain.Run{RunID: runID, Namespace: namespace, GraphName: "g", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	for i, status := range sts {
		st := &domain.State{
			RunID: runID, Namespace: namespace, GraphName: "g", NodeName: "N", Identifier: "n",
			FanoutID: time.Now().Format("150405.000000000") + string(rune('a'+i)),
			Status:   status, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		if err := states.Insert(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListRunsAllSuccessIsSUCCESS(t *testing.T) {
	runs := memstore.NewRunStore()
	states := memstore.NewStateStore()
	seedRun(t, runs, states, "r1", "ns", []domain.StateStatus{domain.StateSuccess, domain.StateSuccess})

	svc := New(states, runs)
	summaries, total, err := svc.ListRuns(context.Background(), "ns", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(summaries) != 1 {
		t.Fatalf("expected one run, got %d", total)
	}
	sum := summaries[0]
	if sum.Status != RunSuccess || sum.TotalCount != 2 || sum.SuccessCount != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestListRunsAnyPendingIsPENDING(t *testing.T) {
	runs := memstore.NewRunStore()
	states := memstore.NewStateStore()
	seedRun(t, runs, states, "r1", "ns", []domain.StateStatus{domain.StateSuccess, domain.StateQueued})

	svc := New(states, runs)
	summaries, _, err := svc.ListRuns(context.Background(), "ns", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if summaries[0].Status != RunPending {
		t.Fatalf("status = %v", summaries[0].Status)
	}
}

func TestListRunsTerminalErrorIsFAILED(t *testing.T) {
	runs := memstore.NewRunStore()
	states := memstore.NewStateStore()
	seedRun(t, runs, states, "r1", "ns", []domain.StateStatus{domain.StateSuccess, domain.StateErrored})

	svc := New(states, runs)
	summaries, _, err := svc.ListRuns(context.Background(), "ns", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	sum := summaries[0]
	if sum.Status != RunFailed || sum.ErroredCount != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestStatesByRunFiltersByIdentifier(t *testing.T) {
	runs := memstore.NewRunStore()
	states := memstore.NewStateStore()
	ctx := context.Background()
	runs.Insert(ctx, &domain.Run{RunID: "r1", Namespace: "ns", GraphName: "g", CreatedAt: time.Now()})
	states.Insert(ctx, &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "A", Identifier: "a", Status: domain.StateSuccess})
	states.Insert(ctx, &domain.State{RunID: "r1", Namespace: "ns", GraphName: "g", NodeName: "B", Identifier: "b", Status: domain.StateCreated})

	svc := New(states, runs)
	filtered, err := svc.StatesByRun(ctx, "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Identifier != "b" {
		t.Fatalf("expected one state for identifier b, got %+v", filtered)
	}
}

func TestNodeDetailsExposesParentIDs(t *testing.T) {
	states := memstore.NewStateStore()
	ctx := context.Background()
	st := &domain.State{RunID: "r1", NodeName: "B", Identifier: "b", Status: domain.StateCreated, Parents: map[string]string{"A": "state-a-id"}}
	states.Insert(ctx, st)

	svc := New(states, memstore.NewRunStore())
	detail, err := svc.NodeDetails(ctx, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.ParentIDs["A"] != "state-a-id" {
		t.Fatalf("ParentIDs = %+v", detail.ParentIDs)
	}
}
