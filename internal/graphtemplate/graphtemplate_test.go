package graphtemplate

import (
	"context"
	"testing"
	"time"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/memstore"
	"github.com/exospherehost/state-manager/internal/secretbox"
)

func mustEncrypter(t *testing.T) *secretbox.AESGCM {
	t.Helper()
	enc, err := secretbox.NewAESGCM(mustKey())
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

type fakeValidator struct{ calls int }

func (f *fakeValidator) Validate(ctx context.Context, tmpl *domain.GraphTemplate) error {
	f.calls++
	return nil
}

func mustKey() []byte {
	return []byte("01234567890123456789012345678901")[:32]
}

func TestUpsertCreatesNewTemplatePendingValidation(t *testing.T) {
	graphs := memstore.NewGraphStore()
	enc := mustEncrypter(t)
	v := &fakeValidator{}
	svc := New(graphs, enc, v)

	tmpl, err := svc.Upsert(context.Background(), "ns", "g", UpsertRequest{
		Nodes:   []domain.NodeTemplate{{Identifier: "A", NodeName: "A", Namespace: "ns"}},
		Secrets: map[string]string{"api_key": "shh"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.ValidationStatus != domain.GraphPending {
		t.Fatalf("status = %v, want PENDING", tmpl.ValidationStatus)
	}
	if tmpl.Version != 1 {
		t.Fatalf("version = %d, want 1", tmpl.Version)
	}
	if string(tmpl.Secrets["api_key"]) == "shh" {
		t.Fatal("secret was stored in plaintext")
	}

	for i := 0; i < 20 && v.calls == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if v.calls != 1 {
		t.Fatalf("validator called %d times, want 1", v.calls)
	}
}

func TestUpsertPreservesOldSecretsAndBumpsVersion(t *testing.T) {
	graphs := memstore.NewGraphStore()
	enc := mustEncrypter(t)
	v := &fakeValidator{}
	svc := New(graphs, enc, v)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, "ns", "g", UpsertRequest{Secrets: map[string]string{"a": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Upsert(ctx, "ns", "g", UpsertRequest{Secrets: map[string]string{"b": "2"}})
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != first.Version+1 {
		t.Fatalf("version = %d, want %d", second.Version, first.Version+1)
	}
	if _, ok := second.Secrets["a"]; !ok {
		t.Fatal("expected secret 'a' to survive the second upsert")
	}
	if _, ok := second.Secrets["b"]; !ok {
		t.Fatal("expected secret 'b' to be added")
	}
}
