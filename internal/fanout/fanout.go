// Package fanout implements the fan-out/join engine: given one or more
// EXECUTED sibling states, it materializes the next DAG layer honoring
// unites joins, then transitions the sources to SUCCESS. Grounded on the
// teacher orchestrator's Kahn's-algorithm DAG walker, replacing its
// in-process task execution with pure state-rewriting against the stores.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/placeholder"
	"github.com/exospherehost/state-manager/internal/ports"
	"github.com/exospherehost/state-manager/internal/resilience"
)

// Engine runs the fan-out/join algorithm for a batch of EXECUTED states
// that share the same source node template.
type Engine struct {
	states      ports.StateStore
	graphs      ports.GraphStore
	nodes       ports.RegisteredNodeStore
	now         func() time.Time
	pollEvery   time.Duration
	pollTimeout time.Duration
}

func New(states ports.StateStore, graphs ports.GraphStore, nodes ports.RegisteredNodeStore) *Engine {
	return &Engine{
		states: states, graphs: graphs, nodes: nodes, now: time.Now,
		pollEvery: time.Second, pollTimeout: 5 * time.Minute,
	}
}

// Run executes the algorithm for the states named by ids. All ids are
// assumed to share (graph_name, namespace, identifier) — they are the
// original state plus its fan-out siblings from a single executed() call.
func (e *Engine) Run(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tracer := otel.Tracer("exosphere-state-manager")
	ctx, span := tracer.Start(ctx, "fanout.Run")
	defer span.End()

	sources := make([]*domain.State, 0, len(ids))
	for _, id := range ids {
		st, err := e.states.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("fanout: load source state %s: %w", id, err)
		}
		sources = append(sources, st)
	}
	first := sources[0]

	tmpl, err := e.waitForValidTemplate(ctx, first.Namespace, first.GraphName)
	if err != nil {
		e.markSourcesErrored(ctx, sources, err.Error())
		return err
	}

	byID := make(map[string]domain.NodeTemplate, len(tmpl.Nodes))
	for _, n := range tmpl.Nodes {
		byID[n.Identifier] = n
	}
	source, ok := byID[first.Identifier]
	if !ok {
		msg := fmt.Sprintf("fanout: node template %q no longer exists", first.Identifier)
		e.markSourcesErrored(ctx, sources, msg)
		return errors.New(msg)
	}

	if len(source.NextNodes) == 0 {
		return e.succeedAll(ctx, sources)
	}

	var toInsert []*domain.State
	for _, s := range sources {
		for _, nextID := range source.NextNodes {
			nextTmpl, ok := byID[nextID]
			if !ok {
				continue
			}
			ready, err := e.joinSatisfied(ctx, s, nextTmpl)
			if err != nil {
				e.markSourceErrored(ctx, s, err.Error())
				continue
			}
			// A united sibling spawned from s in this same pass is only now
			// being created, so it cannot have reached SUCCESS yet.
			for _, sibID := range source.NextNodes {
				if nextTmpl.Unites != nil && sibID == nextTmpl.Unites.Identifier {
					ready = false
				}
			}
			if !ready {
				continue
			}
			created, err := e.materialize(ctx, s, nextTmpl)
			if err != nil {
				e.markSourceErrored(ctx, s, err.Error())
				continue
			}
			toInsert = append(toInsert, created)
		}
	}

	if len(toInsert) > 0 {
		if err := e.states.InsertMany(ctx, toInsert); err != nil {
			return fmt.Errorf("fanout: bulk insert next layer: %w", err)
		}
	}

	return e.succeedAll(ctx, sources)
}

// waitForValidTemplate polls until the graph template reaches VALID, or
// bails out after pollTimeout.
func (e *Engine) waitForValidTemplate(ctx context.Context, namespace, name string) (*domain.GraphTemplate, error) {
	var tmpl *domain.GraphTemplate
	err := resilience.PollUntil(ctx, e.pollEvery, e.pollTimeout, func() (bool, error) {
		t, err := e.graphs.Get(ctx, namespace, name)
		if err != nil {
			return false, err
		}
		if t.ValidationStatus == domain.GraphInvalid {
			return false, fmt.Errorf("fanout: graph template %s/%s is INVALID", namespace, name)
		}
		if t.ValidationStatus == domain.GraphValid {
			tmpl = t
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fanout: graph template %s/%s never became VALID: %w", namespace, name, err)
	}
	return tmpl, nil
}

// joinSatisfied reports whether next's unites precondition (if any) is met.
// next.Unites names a sibling identifier spawned alongside the successor
// from the same immediate parent s: the join is satisfied once every state
// with that identifier sharing parents[s.Identifier] == s.ID has reached
// SUCCESS. Keying on s (the just-executed common parent) rather than on the
// unites identifier itself is what keeps concurrent fan-out branches from
// cross-counting each other's siblings (see the S4 join scenario).
func (e *Engine) joinSatisfied(ctx context.Context, s *domain.State, next domain.NodeTemplate) (bool, error) {
	if next.Unites == nil {
		return true, nil
	}
	notDone, err := e.states.CountNotSuccessByParent(ctx, next.Unites.Identifier, s.Identifier, s.ID)
	if err != nil {
		return false, err
	}
	return notDone == 0, nil
}

// materialize resolves next's inputs from s's outputs/parents and produces
// the CREATED state for it. s's identifier takes precedence over any
// colliding key in s.Parents (Design Note 3).
func (e *Engine) materialize(ctx context.Context, s *domain.State, next domain.NodeTemplate) (*domain.State, error) {
	rn, err := e.nodes.Get(ctx, next.Namespace, next.NodeName)
	if err != nil {
		return nil, fmt.Errorf("load registered node for %s: %w", next.Identifier, err)
	}

	resolved := make(map[string]string, len(next.Inputs))
	for field, expr := range next.Inputs {
		ds, err := placeholder.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", field, err)
		}
		for _, dep := range ds.Dependents {
			if dep.IsStoreReference() {
				// Kept verbatim; resolved at claim time by the dispatcher.
				dep.SetValue("${{ store.outputs." + dep.Field + " }}")
				continue
			}
			val, err := e.resolveDependent(ctx, s, dep)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", field, err)
			}
			dep.SetValue(val)
		}
		rendered, err := ds.Render()
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", field, err)
		}
		resolved[field] = rendered
	}
	_ = rn // schema was already validated at upsert time; nothing further to check here

	parents := make(map[string]string, len(s.Parents)+1)
	for k, v := range s.Parents {
		parents[k] = v
	}
	parents[s.Identifier] = s.ID

	return &domain.State{
		RunID: s.RunID, GraphName: s.GraphName, Namespace: s.Namespace,
		NodeName: next.NodeName, Identifier: next.Identifier, FanoutID: s.FanoutID,
		Status: domain.StateCreated, Inputs: resolved, Outputs: map[string]any{},
		Parents: parents, DoesUnites: next.Unites != nil,
		CreatedAt: e.now(), UpdatedAt: e.now(),
	}, nil
}

// resolveDependent reads dep's value from s.outputs if dep names s's own
// identifier (current-state precedence over a colliding parents key),
// otherwise from the parent state named in s.parents.
func (e *Engine) resolveDependent(ctx context.Context, s *domain.State, dep *placeholder.Dependent) (string, error) {
	if dep.Identifier == s.Identifier {
		return outputField(s.Outputs, dep.Field)
	}
	parentID, ok := s.Parents[dep.Identifier]
	if !ok {
		return "", fmt.Errorf("no parent state recorded for ancestor %q", dep.Identifier)
	}
	parent, err := e.states.Get(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("load parent state %s: %w", parentID, err)
	}
	return outputField(parent.Outputs, dep.Field)
}

func outputField(outputs map[string]any, field string) (string, error) {
	v, ok := outputs[field]
	if !ok {
		return "", fmt.Errorf("missing output field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), nil
	}
	return s, nil
}

func (e *Engine) succeedAll(ctx context.Context, sources []*domain.State) error {
	for _, s := range sources {
		if _, err := e.states.CompareAndSetStatus(ctx, s.ID, domain.StateExecuted, domain.StateSuccess, nil); err != nil {
			return fmt.Errorf("fanout: mark %s SUCCESS: %w", s.ID, err)
		}
	}
	return nil
}

func (e *Engine) markSourcesErrored(ctx context.Context, sources []*domain.State, msg string) {
	for _, s := range sources {
		e.markSourceErrored(ctx, s, msg)
	}
}

func (e *Engine) markSourceErrored(ctx context.Context, s *domain.State, msg string) {
	_, _ = e.states.CompareAndSetStatus(ctx, s.ID, domain.StateExecuted, domain.StateErrored, func(st *domain.State) {
		st.Error = msg
	})
}
