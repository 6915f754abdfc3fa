// Package query implements the read-only surface over runs and states:
// paginated run summaries aggregated from their member states, states by
// run, and a single node's detail view. Grounded on the teacher
// orchestrator's read-model layer, replaced here with an on-the-fly
// aggregation over the state/run stores rather than a cached projection.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/ports"
)

// Service answers the three read queries the HTTP façade exposes.
type Service struct {
	states ports.StateStore
	runs   ports.RunStore
}

func New(states ports.StateStore, runs ports.RunStore) *Service {
	return &Service{states: states, runs: runs}
}

// RunStatus is the aggregated outcome of a run's member states.
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
	RunPending RunStatus = "PENDING"
)

// RunSummary is one row of the runs-list response.
type RunSummary struct {
	RunID         string
	GraphName     string
	Namespace     string
	SuccessCount  int
	PendingCount  int
	ErroredCount  int
	RetriedCount  int
	TimedOutCount int
	TotalCount    int
	Status        RunStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// summarize aggregates runStates (all States sharing a run_id) into a
// RunSummary. status is SUCCESS iff every state is terminal and all are
// SUCCESS; FAILED if any terminal state is ERRORED/TIMEDOUT and none are
// still pending; otherwise PENDING.
func summarize(run *domain.Run, states []*domain.State) RunSummary {
	sum := RunSummary{
		RunID: run.RunID, GraphName: run.GraphName, Namespace: run.Namespace,
		TotalCount: len(states), CreatedAt: run.CreatedAt, UpdatedAt: run.CreatedAt,
	}
	for _, st := range states {
		if st.UpdatedAt.After(sum.UpdatedAt) {
			sum.UpdatedAt = st.UpdatedAt
		}
		switch st.Status {
		case domain.StateSuccess:
			sum.SuccessCount++
		case domain.StateErrored:
			sum.ErroredCount++
		case domain.StateTimedOut:
			sum.TimedOutCount++
		case domain.StateRetryCreated:
			sum.RetriedCount++
		default:
			sum.PendingCount++
		}
	}

	terminalNonSuccess := sum.ErroredCount + sum.TimedOutCount + sum.RetriedCount
	switch {
	case sum.PendingCount == 0 && terminalNonSuccess == 0 && sum.TotalCount > 0:
		sum.Status = RunSuccess
	case sum.PendingCount == 0 && (sum.ErroredCount > 0 || sum.TimedOutCount > 0):
		sum.Status = RunFailed
	default:
		sum.Status = RunPending
	}
	return sum
}

// ListRuns returns a page of run summaries for namespace, most recent first.
func (s *Service) ListRuns(ctx context.Context, namespace string, page, size int) ([]RunSummary, int, error) {
	runs, total, err := s.runs.List(ctx, namespace, page, size)
	if err != nil {
		return nil, 0, fmt.Errorf("query: list runs: %w", err)
	}
	out := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		states, err := s.states.ListByRun(ctx, r.RunID, "")
		if err != nil {
			return nil, 0, fmt.Errorf("query: states for run %s: %w", r.RunID, err)
		}
		out = append(out, summarize(r, states))
	}
	return out, total, nil
}

// StatesByRun returns every State for runID, optionally filtered to one
// identifier.
func (s *Service) StatesByRun(ctx context.Context, runID, identifier string) ([]*domain.State, error) {
	states, err := s.states.ListByRun(ctx, runID, identifier)
	if err != nil {
		return nil, fmt.Errorf("query: states for run %s: %w", runID, err)
	}
	return states, nil
}

// NodeDetail is the single-state detail view: parent ids are already plain
// strings on domain.State, so no further stringification is needed beyond
// exposing the map as-is.
type NodeDetail struct {
	State     *domain.State
	ParentIDs map[string]string
}

// NodeDetails returns the detail view for one state by id.
func (s *Service) NodeDetails(ctx context.Context, stateID string) (*NodeDetail, error) {
	st, err := s.states.Get(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("query: load state %s: %w", stateID, err)
	}
	return &NodeDetail{State: st, ParentIDs: st.Parents}, nil
}
