package placeholder

import "testing"

func TestParseAndRenderSingleDependent(t *testing.T) {
	ds, err := Parse("prefix-${{ A.outputs.x }}-suffix")
	if err != nil {
		t.Fatal(err)
	}
	if ds.Head != "prefix-" {
		t.Fatalf("head = %q", ds.Head)
	}
	if len(ds.Dependents) != 1 {
		t.Fatalf("dependents = %d, want 1", len(ds.Dependents))
	}
	d := ds.Dependents[0]
	if d.Identifier != "A" || d.Field != "x" || d.Tail != "-suffix" {
		t.Fatalf("dependent = %+v", d)
	}
	d.SetValue("42")
	got, err := ds.Render()
	if err != nil {
		t.Fatal(err)
	}
	if got != "prefix-42-suffix" {
		t.Fatalf("got %q", got)
	}
}

func TestParseNoPlaceholders(t *testing.T) {
	ds, err := Parse("just literal text")
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Dependents) != 0 {
		t.Fatalf("expected no dependents, got %d", len(ds.Dependents))
	}
	got, err := ds.Render()
	if err != nil {
		t.Fatal(err)
	}
	if got != "just literal text" {
		t.Fatalf("got %q", got)
	}
}

func TestParseMultipleDependents(t *testing.T) {
	ds, err := Parse("${{A.outputs.x}}-${{B.outputs.y}}")
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Dependents) != 2 {
		t.Fatalf("dependents = %d, want 2", len(ds.Dependents))
	}
	ds.Dependents[0].SetValue("1")
	ds.Dependents[1].SetValue("2")
	got, err := ds.Render()
	if err != nil {
		t.Fatal(err)
	}
	if got != "1-2" {
		t.Fatalf("got %q", got)
	}
}

func TestParseRejectsMissingClosingBraces(t *testing.T) {
	if _, err := Parse("${{A.outputs.x"); err == nil {
		t.Fatal("expected error for unclosed placeholder")
	}
}

func TestParseRejectsWrongSegmentCount(t *testing.T) {
	if _, err := Parse("${{A.x}}"); err == nil {
		t.Fatal("expected error for two-segment placeholder")
	}
}

func TestParseRejectsNonOutputsMiddleSegment(t *testing.T) {
	if _, err := Parse("${{A.inputs.x}}"); err == nil {
		t.Fatal("expected error when middle segment is not 'outputs'")
	}
}

func TestRenderFailsWithoutValue(t *testing.T) {
	ds, err := Parse("${{A.outputs.x}}")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ds.Render(); err == nil {
		t.Fatal("expected error rendering without a value set")
	}
}

func TestStoreReference(t *testing.T) {
	ds, err := Parse("${{ store.outputs.api_key }}")
	if err != nil {
		t.Fatal(err)
	}
	if !ds.Dependents[0].IsStoreReference() {
		t.Fatal("expected store.outputs.api_key to be a store reference")
	}
	if ds.Dependents[0].Field != "api_key" {
		t.Fatalf("field = %q", ds.Dependents[0].Field)
	}
}
