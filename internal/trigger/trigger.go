// Package trigger implements the graph-trigger path shared by the HTTP
// trigger endpoint and the cron scheduler: seed a run's Store, materialize
// its root State, and insert the Run record. Grounded on the teacher
// orchestrator's workflow-kickoff path, generalized to this service's
// request/store/root-node contract.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/ports"
)

// ErrInvalidInput is returned when a required store key is missing.
var ErrInvalidInput = fmt.Errorf("trigger: missing required store key")

// ErrPreconditionFailed is returned when the graph template is not VALID.
var ErrPreconditionFailed = fmt.Errorf("trigger: graph template is not VALID")

// Request is the body of POST /graph/{graph_name}/trigger, and the payload
// the cron scheduler synthesizes for a claimed due row.
type Request struct {
	Store      map[string]string
	Inputs     map[string]string
	StartDelay time.Duration
}

// Result is returned to both the HTTP caller and the scheduler.
type Result struct {
	RunID string
}

// Service runs the graph-trigger path against the graph, state, run, and
// store collaborators.
type Service struct {
	graphs ports.GraphStore
	states ports.StateStore
	runs   ports.RunStore
	store  ports.StoreKV
	now    func() time.Time
}

func New(graphs ports.GraphStore, states ports.StateStore, runs ports.RunStore, store ports.StoreKV) *Service {
	return &Service{graphs: graphs, states: states, runs: runs, store: store, now: time.Now}
}

// Trigger creates a Run and the root State(s) for namespace/graphName. The
// graph template must be VALID. Store seeding follows request.store, then
// store_config.default_values, then fails if a required key is still unset.
func (s *Service) Trigger(ctx context.Context, namespace, graphName string, req Request) (*Result, error) {
	tracer := otel.Tracer("exosphere-state-manager")
	ctx, span := tracer.Start(ctx, "trigger.Trigger")
	defer span.End()

	tmpl, err := s.graphs.Get(ctx, namespace, graphName)
	if err != nil {
		return nil, fmt.Errorf("trigger: load graph %s/%s: %w", namespace, graphName, err)
	}
	if tmpl.ValidationStatus != domain.GraphValid {
		return nil, ErrPreconditionFailed
	}

	seeded, err := seedStore(tmpl.StoreConfig, req.Store)
	if err != nil {
		return nil, err
	}

	root := rootNode(tmpl)
	if root == nil {
		return nil, fmt.Errorf("trigger: graph %s/%s has no root node", namespace, graphName)
	}

	runID := uuid.NewString()
	now := s.now()

	entries := make([]domain.StoreEntry, 0, len(seeded))
	for k, v := range seeded {
		entries = append(entries, domain.StoreEntry{RunID: runID, Namespace: namespace, GraphName: graphName, Key: k, Value: v})
	}
	if err := s.store.SeedMany(ctx, entries); err != nil {
		return nil, fmt.Errorf("trigger: seed store: %w", err)
	}

	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	rootState := &domain.State{
		RunID: runID, GraphName: graphName, Namespace: namespace,
		NodeName: root.NodeName, Identifier: root.Identifier,
		Status: domain.StateCreated, Inputs: inputs, Outputs: map[string]any{},
		Parents: map[string]string{}, EnqueueAfter: now.Add(req.StartDelay).UnixMilli(),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.states.Insert(ctx, rootState); err != nil {
		return nil, fmt.Errorf("trigger: insert root state: %w", err)
	}

	if err := s.runs.Insert(ctx, &domain.Run{RunID: runID, GraphName: graphName, Namespace: namespace, CreatedAt: now}); err != nil {
		return nil, fmt.Errorf("trigger: insert run: %w", err)
	}

	return &Result{RunID: runID}, nil
}

// seedStore implements the three-step order: request values first, then
// default_values for anything still unset, then fail if a required key is
// still missing after both.
func seedStore(cfg domain.StoreConfig, request map[string]string) (map[string]string, error) {
	seeded := make(map[string]string, len(request)+len(cfg.DefaultValues))
	for k, v := range request {
		seeded[k] = v
	}
	for k, v := range cfg.DefaultValues {
		if _, ok := seeded[k]; !ok {
			seeded[k] = v
		}
	}
	for _, key := range cfg.RequiredKeys {
		if _, ok := seeded[key]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidInput, key)
		}
	}
	return seeded, nil
}

// rootNode returns the template's unique root: the node no other node lists
// in next_nodes. Validation already guarantees exactly one exists.
func rootNode(tmpl *domain.GraphTemplate) *domain.NodeTemplate {
	hasParent := make(map[string]bool, len(tmpl.Nodes))
	for _, n := range tmpl.Nodes {
		for _, next := range n.NextNodes {
			hasParent[next] = true
		}
	}
	for i := range tmpl.Nodes {
		if !hasParent[tmpl.Nodes[i].Identifier] {
			return &tmpl.Nodes[i]
		}
	}
	return nil
}
