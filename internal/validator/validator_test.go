package validator

import (
	"context"
	"testing"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/memstore"
)

func setup(t *testing.T) (*Validator, *memstore.GraphStore, *memstore.RegisteredNodeStore, *memstore.TriggerStore) {
	t.Helper()
	graphs := memstore.NewGraphStore()
	nodes := memstore.NewRegisteredNodeStore()
	triggers := memstore.NewTriggerStore()
	return New(graphs, nodes, triggers), graphs, nodes, triggers
}

func registerNode(t *testing.T, nodes *memstore.RegisteredNodeStore, namespace, name string, inputs, outputs map[string]domain.FieldSchema) {
	t.Helper()
	err := nodes.Register(context.Background(), &domain.RegisteredNode{
		Name: name, Namespace: namespace,
		InputsSchema: inputs, OutputsSchema: outputs,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestValidateLinearGraphPasses(t *testing.T) {
	v, graphs, nodes, _ := setup(t)
	ctx := context.Background()

	registerNode(t, nodes, "ns", "A", map[string]domain.FieldSchema{"msg": {Type: "string"}}, map[string]domain.FieldSchema{"x": {Type: "string"}})
	registerNode(t, nodes, "ns", "B", map[string]domain.FieldSchema{"msg": {Type: "string"}}, map[string]domain.FieldSchema{})

	tmpl := &domain.GraphTemplate{
		Namespace: "ns", Name: "g",
		Nodes: []domain.NodeTemplate{
			{Identifier: "A", NodeName: "A", Namespace: "ns", Inputs: map[string]string{"msg": "hi"}, NextNodes: []string{"B"}},
			{Identifier: "B", NodeName: "B", Namespace: "ns", Inputs: map[string]string{"msg": "${{A.outputs.x}}"}},
		},
		RetryPolicy: domain.RetryPolicy{MaxRetries: 0, Method: domain.RetryFixed, BackoffFactor: 1},
	}
	if err := graphs.Upsert(ctx, tmpl); err != nil {
		t.Fatal(err)
	}
	if err := v.Validate(ctx, tmpl); err != nil {
		t.Fatal(err)
	}

	got, err := graphs.Get(ctx, "ns", "g")
	if err != nil {
		t.Fatal(err)
	}
	if got.ValidationStatus != domain.GraphValid {
		t.Fatalf("status = %v, errors = %v", got.ValidationStatus, got.ValidationErrors)
	}
}

func TestValidateRejectsSelfUnites(t *testing.T) {
	v, graphs, nodes, _ := setup(t)
	ctx := context.Background()
	registerNode(t, nodes, "ns", "A", map[string]domain.FieldSchema{}, map[string]domain.FieldSchema{})

	tmpl := &domain.GraphTemplate{
		Namespace: "ns", Name: "g",
		Nodes: []domain.NodeTemplate{
			{Identifier: "A", NodeName: "A", Namespace: "ns", Unites: &domain.UnitesSpec{Identifier: "A"}},
		},
	}
	graphs.Upsert(ctx, tmpl)
	v.Validate(ctx, tmpl)

	got, _ := graphs.Get(ctx, "ns", "g")
	if got.ValidationStatus != domain.GraphInvalid {
		t.Fatalf("expected INVALID, got %v", got.ValidationStatus)
	}
}

func TestValidateRejectsUnclosedCycle(t *testing.T) {
	v, graphs, nodes, _ := setup(t)
	ctx := context.Background()
	registerNode(t, nodes, "ns", "A", nil, nil)
	registerNode(t, nodes, "ns", "B", nil, nil)

	tmpl := &domain.GraphTemplate{
		Namespace: "ns", Name: "g",
		Nodes: []domain.NodeTemplate{
			{Identifier: "A", NodeName: "A", Namespace: "ns", NextNodes: []string{"B"}},
			{Identifier: "B", NodeName: "B", Namespace: "ns", NextNodes: []string{"A"}},
		},
	}
	graphs.Upsert(ctx, tmpl)
	v.Validate(ctx, tmpl)

	got, _ := graphs.Get(ctx, "ns", "g")
	if got.ValidationStatus != domain.GraphInvalid {
		t.Fatalf("expected INVALID for unclosed cycle, got %v", got.ValidationStatus)
	}
}

func TestValidateSchedulesCronOnValid(t *testing.T) {
	v, graphs, nodes, triggers := setup(t)
	ctx := context.Background()
	registerNode(t, nodes, "ns", "A", nil, nil)

	tmpl := &domain.GraphTemplate{
		Namespace: "ns", Name: "g",
		Nodes:    []domain.NodeTemplate{{Identifier: "A", NodeName: "A", Namespace: "ns"}},
		Triggers: []domain.TriggerSpec{{Type: domain.TriggerTypeCron, Expression: "*/5 * * * *", Timezone: "UTC"}},
	}
	graphs.Upsert(ctx, tmpl)
	if err := v.Validate(ctx, tmpl); err != nil {
		t.Fatal(err)
	}

	pending, err := triggers.ListPendingCrons(ctx, "ns", "g")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending cron, got %d", len(pending))
	}
}
