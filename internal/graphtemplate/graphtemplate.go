// Package graphtemplate implements the upsert path for graph templates:
// merge incoming nodes/policy/secrets onto the existing document (if any),
// encrypt new secret values, reset validation to PENDING, persist, and
// kick off background validation. Grounded on the teacher orchestrator's
// workflow-definition store, generalized to the encrypted-secrets and
// async-validation contract this service requires.
package graphtemplate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/ports"
	"github.com/exospherehost/state-manager/internal/secretbox"
)

// Validator is the subset of validator.Validator this service invokes in
// the background after every upsert.
type Validator interface {
	Validate(ctx context.Context, tmpl *domain.GraphTemplate) error
}

// Service implements the graph template store's upsert/get surface.
type Service struct {
	graphs    ports.GraphStore
	enc       secretbox.Encrypter
	validator Validator
	now       func() time.Time
}

func New(graphs ports.GraphStore, enc secretbox.Encrypter, validator Validator) *Service {
	return &Service{graphs: graphs, enc: enc, validator: validator, now: time.Now}
}

// UpsertRequest is the body of PUT /graph/{graph_name}.
type UpsertRequest struct {
	Nodes       []domain.NodeTemplate `json:"nodes"`
	Secrets     map[string]string     `json:"secrets"`
	RetryPolicy domain.RetryPolicy    `json:"retry_policy"`
	StoreConfig domain.StoreConfig    `json:"store_config"`
	Triggers    []domain.TriggerSpec  `json:"triggers"`
}

// Upsert loads-or-constructs the template, replaces its structural fields,
// encrypts any newly supplied secrets (previously encrypted ones are left
// untouched), resets validation_status to PENDING, persists, and schedules
// validation in the background — the HTTP caller does not wait for it.
func (s *Service) Upsert(ctx context.Context, namespace, name string, req UpsertRequest) (*domain.GraphTemplate, error) {
	tracer := otel.Tracer("exosphere-state-manager")
	ctx, span := tracer.Start(ctx, "graphtemplate.Upsert")
	defer span.End()

	existing, err := s.graphs.Get(ctx, namespace, name)
	if err != nil && err != ports.ErrNotFound {
		return nil, fmt.Errorf("graphtemplate: load existing: %w", err)
	}

	tmpl := &domain.GraphTemplate{
		Namespace:   namespace,
		Name:        name,
		Nodes:       req.Nodes,
		RetryPolicy: req.RetryPolicy,
		StoreConfig: req.StoreConfig,
		Triggers:    req.Triggers,
		Secrets:     make(map[string][]byte),
	}
	now := s.now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	if existing != nil {
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.Version = existing.Version + 1
		for k, v := range existing.Secrets {
			tmpl.Secrets[k] = v
		}
	} else {
		tmpl.Version = 1
	}

	for name, plaintext := range req.Secrets {
		blob, err := s.enc.Encrypt([]byte(plaintext))
		if err != nil {
			return nil, fmt.Errorf("graphtemplate: encrypt secret %q: %w", name, err)
		}
		tmpl.Secrets[name] = blob
	}

	tmpl.ValidationStatus = domain.GraphPending
	tmpl.ValidationErrors = nil

	if err := s.graphs.Upsert(ctx, tmpl); err != nil {
		return nil, fmt.Errorf("graphtemplate: persist: %w", err)
	}

	go func(t domain.GraphTemplate) {
		if err := s.validator.Validate(context.Background(), &t); err != nil {
			slog.Error("background graph validation failed", "namespace", t.Namespace, "name", t.Name, "error", err)
		}
	}(*tmpl)

	return tmpl, nil
}

// Get returns the template as persisted, including its current validation
// status and errors.
func (s *Service) Get(ctx context.Context, namespace, name string) (*domain.GraphTemplate, error) {
	tmpl, err := s.graphs.Get(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}
