// Package validator implements the graph template validator: the seven
// ordered structural checks described for upserted templates, and cron
// trigger reconciliation against the previous trigger set. It is grounded
// on the teacher orchestrator's DAG validation pass, generalized from a
// single acyclicity check into the full exospherehost rule set and cross
// the teacher's otel instrumentation.
package validator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/exospherehost/state-manager/internal/cronutil"
	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/placeholder"
	"github.com/exospherehost/state-manager/internal/ports"
	"github.com/exospherehost/state-manager/internal/schema"
)

// Validator runs the structural checks on a GraphTemplate and reconciles
// its cron triggers once validation passes.
type Validator struct {
	graphs   ports.GraphStore
	nodes    ports.RegisteredNodeStore
	triggers ports.TriggerStore
	now      func() time.Time
}

func New(graphs ports.GraphStore, nodes ports.RegisteredNodeStore, triggers ports.TriggerStore) *Validator {
	return &Validator{graphs: graphs, nodes: nodes, triggers: triggers, now: time.Now}
}

// Validate runs checks 1-7 against tmpl, persists the resulting
// validation_status/validation_errors, and reconciles cron triggers when
// the template is VALID.
func (v *Validator) Validate(ctx context.Context, tmpl *domain.GraphTemplate) error {
	tracer := otel.Tracer("exosphere-state-manager")
	ctx, span := tracer.Start(ctx, "validator.Validate")
	defer span.End()

	meter := otel.Meter("exosphere-state-manager")
	validCounter, _ := meter.Int64Counter("exostate_validator_valid_total")
	invalidCounter, _ := meter.Int64Counter("exostate_validator_invalid_total")

	errs := v.checkAll(ctx, tmpl)

	if len(errs) > 0 {
		invalidCounter.Add(ctx, 1)
		return v.graphs.SetValidation(ctx, tmpl.Namespace, tmpl.Name, domain.GraphInvalid, errs)
	}

	if err := v.graphs.SetValidation(ctx, tmpl.Namespace, tmpl.Name, domain.GraphValid, nil); err != nil {
		return err
	}
	validCounter.Add(ctx, 1)
	return v.reconcileTriggers(ctx, tmpl)
}

func (v *Validator) checkAll(ctx context.Context, tmpl *domain.GraphTemplate) []string {
	var errs []string

	errs = append(errs, checkIdentifiers(tmpl)...)
	errs = append(errs, checkNamespaces(tmpl)...)

	byID := make(map[string]domain.NodeTemplate, len(tmpl.Nodes))
	for _, n := range tmpl.Nodes {
		byID[n.Identifier] = n
	}

	registered := make(map[string]*domain.RegisteredNode, len(tmpl.Nodes))
	for _, n := range tmpl.Nodes {
		rn, err := v.nodes.Get(ctx, n.Namespace, n.NodeName)
		if err != nil {
			errs = append(errs, fmt.Sprintf("node %q: no registered node (%s, %s)", n.Identifier, n.Namespace, n.NodeName))
			continue
		}
		registered[n.Identifier] = rn
	}

	errs = append(errs, checkRequiredSecrets(tmpl, registered)...)
	errs = append(errs, checkInputs(tmpl, byID, registered)...)
	errs = append(errs, checkTopology(tmpl, byID)...)
	errs = append(errs, checkSelfUnites(tmpl)...)

	return errs
}

// 1. Every node_name non-empty; every identifier non-empty and unique.
func checkIdentifiers(tmpl *domain.GraphTemplate) []string {
	var errs []string
	seen := make(map[string]bool, len(tmpl.Nodes))
	for _, n := range tmpl.Nodes {
		if n.NodeName == "" {
			errs = append(errs, fmt.Sprintf("node %q: node_name is empty", n.Identifier))
		}
		if n.Identifier == "" {
			errs = append(errs, "a node has an empty identifier")
			continue
		}
		if seen[n.Identifier] {
			errs = append(errs, fmt.Sprintf("duplicate identifier %q", n.Identifier))
		}
		seen[n.Identifier] = true
	}
	return errs
}

// 2. namespace equals the template's namespace or "exospherehost".
func checkNamespaces(tmpl *domain.GraphTemplate) []string {
	var errs []string
	for _, n := range tmpl.Nodes {
		if n.Namespace != tmpl.Namespace && n.Namespace != domain.ExospherehostNamespace {
			errs = append(errs, fmt.Sprintf("node %q: namespace %q is neither the template namespace nor %q",
				n.Identifier, n.Namespace, domain.ExospherehostNamespace))
		}
	}
	return errs
}

// 4. every secret a registered node requires must appear in tmpl.Secrets.
func checkRequiredSecrets(tmpl *domain.GraphTemplate, registered map[string]*domain.RegisteredNode) []string {
	var errs []string
	for id, rn := range registered {
		for _, secret := range rn.Secrets {
			if _, ok := tmpl.Secrets[secret]; !ok {
				errs = append(errs, fmt.Sprintf("node %q: required secret %q not supplied", id, secret))
			}
		}
	}
	return errs
}

// 5. every declared input is a string-typed field of inputs_schema, and its
// placeholders resolve to store.<key> or <ancestor>.outputs.<string-field>
// where the ancestor lies on a directed path to the node.
func checkInputs(tmpl *domain.GraphTemplate, byID map[string]domain.NodeTemplate, registered map[string]*domain.RegisteredNode) []string {
	var errs []string
	ancestors := computeAncestors(tmpl, byID)

	for _, n := range tmpl.Nodes {
		rn, ok := registered[n.Identifier]
		if !ok {
			continue
		}
		for field, expr := range n.Inputs {
			if !schema.IsStringField(rn.InputsSchema, field) {
				errs = append(errs, fmt.Sprintf("node %q: input %q is not a string-typed field of its registered schema", n.Identifier, field))
				continue
			}
			ds, err := placeholder.Parse(expr)
			if err != nil {
				errs = append(errs, fmt.Sprintf("node %q: input %q: %v", n.Identifier, field, err))
				continue
			}
			for _, dep := range ds.Dependents {
				if dep.IsStoreReference() {
					continue
				}
				if dep.Identifier == n.Identifier {
					errs = append(errs, fmt.Sprintf("node %q: input %q references its own identifier", n.Identifier, field))
					continue
				}
				anc, ok := byID[dep.Identifier]
				if !ok {
					errs = append(errs, fmt.Sprintf("node %q: input %q references unknown identifier %q", n.Identifier, field, dep.Identifier))
					continue
				}
				if !ancestors[n.Identifier][dep.Identifier] {
					errs = append(errs, fmt.Sprintf("node %q: input %q references %q, which is not an ancestor", n.Identifier, field, dep.Identifier))
					continue
				}
				ancRN, ok := registered[anc.Identifier]
				if ok && !schema.IsStringField(ancRN.OutputsSchema, dep.Field) {
					errs = append(errs, fmt.Sprintf("node %q: input %q references %s.outputs.%s, which is not string-typed", n.Identifier, field, dep.Identifier, dep.Field))
				}
			}
		}
	}
	return errs
}

// computeAncestors returns, for each identifier, the set of identifiers that
// reach it via next_nodes (i.e. its strict ancestors).
func computeAncestors(tmpl *domain.GraphTemplate, byID map[string]domain.NodeTemplate) map[string]map[string]bool {
	children := make(map[string][]string, len(tmpl.Nodes))
	for _, n := range tmpl.Nodes {
		for _, next := range n.NextNodes {
			children[n.Identifier] = append(children[n.Identifier], next)
		}
	}
	ancestors := make(map[string]map[string]bool, len(tmpl.Nodes))
	for id := range byID {
		ancestors[id] = make(map[string]bool)
	}
	for start := range byID {
		var walk func(string)
		visited := make(map[string]bool)
		walk = func(cur string) {
			for _, child := range children[cur] {
				if visited[child] {
					continue
				}
				visited[child] = true
				ancestors[child][start] = true
				walk(child)
			}
		}
		walk(start)
	}
	return ancestors
}

// 6. exactly one root (in-degree zero); no cycle unless closed by a unites
// back-edge to a strict ancestor; graph is weakly connected.
func checkTopology(tmpl *domain.GraphTemplate, byID map[string]domain.NodeTemplate) []string {
	var errs []string
	if len(tmpl.Nodes) == 0 {
		return errs
	}

	inDegree := make(map[string]int, len(tmpl.Nodes))
	for id := range byID {
		inDegree[id] = 0
	}
	for _, n := range tmpl.Nodes {
		for _, next := range n.NextNodes {
			if _, ok := byID[next]; !ok {
				errs = append(errs, fmt.Sprintf("node %q: next_nodes references unknown identifier %q", n.Identifier, next))
				continue
			}
			inDegree[next]++
		}
	}

	var roots []string
	for id, deg := range inDegree {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	if len(roots) != 1 {
		errs = append(errs, fmt.Sprintf("expected exactly one root node (in-degree zero), found %d", len(roots)))
	}

	ancestors := computeAncestors(tmpl, byID)
	for _, n := range tmpl.Nodes {
		for _, next := range n.NextNodes {
			if !ancestors[next][n.Identifier] && next == n.Identifier {
				errs = append(errs, fmt.Sprintf("node %q: self-referencing next_nodes entry", n.Identifier))
			}
			if ancestors[n.Identifier][next] {
				// next is an ancestor of n: this edge closes a cycle. Only
				// legal if n declares unites(next) or some node on the
				// return path does.
				if !closesViaUnites(byID, n.Identifier, next) {
					errs = append(errs, fmt.Sprintf("cycle detected: %q -> %q is not closed by a unites join", n.Identifier, next))
				}
			}
		}
	}

	if !isWeaklyConnected(tmpl, byID) {
		errs = append(errs, "graph is not connected")
	}

	return errs
}

func closesViaUnites(byID map[string]domain.NodeTemplate, from, to string) bool {
	n, ok := byID[from]
	if !ok || n.Unites == nil {
		return false
	}
	return n.Unites.Identifier == to
}

func isWeaklyConnected(tmpl *domain.GraphTemplate, byID map[string]domain.NodeTemplate) bool {
	if len(byID) == 0 {
		return true
	}
	adj := make(map[string][]string, len(byID))
	for _, n := range tmpl.Nodes {
		for _, next := range n.NextNodes {
			adj[n.Identifier] = append(adj[n.Identifier], next)
			adj[next] = append(adj[next], n.Identifier)
		}
	}
	var start string
	for id := range byID {
		start = id
		break
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return len(visited) == len(byID)
}

// 7. self-unites forbidden.
func checkSelfUnites(tmpl *domain.GraphTemplate) []string {
	var errs []string
	for _, n := range tmpl.Nodes {
		if n.Unites != nil && n.Unites.Identifier == n.Identifier {
			errs = append(errs, fmt.Sprintf("node %q: unites references itself", n.Identifier))
		}
	}
	return errs
}

// reconcileTriggers diffs tmpl's cron set against the persisted PENDING set:
// removed crons are cancelled, added crons get a fresh PENDING row.
func (v *Validator) reconcileTriggers(ctx context.Context, tmpl *domain.GraphTemplate) error {
	newSet := tmpl.CronSet()
	if err := v.triggers.CancelPending(ctx, tmpl.Namespace, tmpl.Name, newSet); err != nil {
		return fmt.Errorf("validator: cancel removed triggers: %w", err)
	}

	existing, err := v.triggers.ListPendingCrons(ctx, tmpl.Namespace, tmpl.Name)
	if err != nil {
		return fmt.Errorf("validator: list pending crons: %w", err)
	}

	for cron := range newSet {
		if _, ok := existing[cron]; ok {
			continue
		}
		next, err := cronutil.NextFireUTC(cron.Expression, cron.Timezone, v.now())
		if err != nil {
			continue
		}
		row := &domain.DatabaseTrigger{
			Type:        domain.TriggerTypeCron,
			GraphName:   tmpl.Name,
			Namespace:   tmpl.Namespace,
			Expression:  cron.Expression,
			Timezone:    cron.Timezone,
			TriggerTime: next,
			Status:      domain.TriggerPending,
		}
		if err := v.triggers.Insert(ctx, row); err != nil && err != ports.ErrConflict {
			return fmt.Errorf("validator: insert trigger row: %w", err)
		}
	}
	return nil
}
