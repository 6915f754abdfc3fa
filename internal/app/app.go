// Package app constructs the process-wide collaborator graph exactly
// once at startup, per the Design Note forbidding implicit globals except
// the immutable encryption key: every store and service is built here and
// handed down explicitly. The logger (the slog default) and the
// OpenTelemetry providers are process-wide globals and are not carried here.
package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/exospherehost/state-manager/internal/config"
	"github.com/exospherehost/state-manager/internal/dispatcher"
	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/fanout"
	"github.com/exospherehost/state-manager/internal/graphtemplate"
	"github.com/exospherehost/state-manager/internal/httpapi"
	"github.com/exospherehost/state-manager/internal/mongostore"
	"github.com/exospherehost/state-manager/internal/ports"
	"github.com/exospherehost/state-manager/internal/query"
	"github.com/exospherehost/state-manager/internal/secretbox"
	"github.com/exospherehost/state-manager/internal/trigger"
	"github.com/exospherehost/state-manager/internal/validator"
)

// App bundles every collaborator the HTTP façade and background workers
// need, built once and passed around explicitly.
type App struct {
	Config     config.Config
	Mongo      *mongostore.Client
	Dispatcher *dispatcher.Dispatcher
	Validator  *validator.Validator
	Trigger    *trigger.Service
	Scheduler  *trigger.Scheduler
	Query      *query.Service
	Graphs     *graphtemplate.Service
	Fanout     *fanout.AsyncScheduler
	HTTP       *httpapi.Server
}

// New connects to Mongo, ensures indexes, and wires every collaborator.
// The returned App owns the Mongo client and the fan-out worker pool;
// call Close to shut both down.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	client, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, fmt.Errorf("app: connect mongo: %w", err)
	}
	if err := client.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("app: ensure indexes: %w", err)
	}

	key, err := base64.RawURLEncoding.DecodeString(cfg.EncryptionKeyB64)
	if err != nil {
		// SECRETS_ENCRYPTION_KEY may also carry standard padding.
		key, err = base64.URLEncoding.DecodeString(cfg.EncryptionKeyB64)
		if err != nil {
			return nil, fmt.Errorf("app: decode SECRETS_ENCRYPTION_KEY: %w", err)
		}
	}
	encrypter, err := secretbox.NewAESGCM(key)
	if err != nil {
		return nil, fmt.Errorf("app: init encrypter: %w", err)
	}

	states := mongostore.NewStateStore(client)
	graphs := mongostore.NewGraphStore(client)
	nodes := mongostore.NewRegisteredNodeStore(client)
	runs := mongostore.NewRunStore(client)
	store := mongostore.NewStoreKV(client)
	triggers := mongostore.NewTriggerStore(client)

	if err := seedBuiltinNodes(ctx, nodes); err != nil {
		return nil, fmt.Errorf("app: seed builtin nodes: %w", err)
	}

	v := validator.New(graphs, nodes, triggers)
	engine := fanout.New(states, graphs, nodes)
	sched := fanout.NewAsyncScheduler(engine, cfg.TriggerWorkers, 1024)
	d := dispatcher.New(states, graphs, store, sched, cfg.NodeTimeoutMinutes)
	graphSvc := graphtemplate.New(graphs, encrypter, v)
	trig := trigger.New(graphs, states, runs, store)
	cronSched := trigger.NewScheduler(triggers, trig, cfg.TriggerWorkers)
	q := query.New(states, runs)
	httpSrv := httpapi.New(d, graphSvc, nodes, trig, q, cfg.StateManagerSecret)

	return &App{
		Config: cfg, Mongo: client,
		Dispatcher: d, Validator: v, Trigger: trig, Scheduler: cronSched,
		Query: q, Graphs: graphSvc, Fanout: sched, HTTP: httpSrv,
	}, nil
}

// seedBuiltinNodes registers the exospherehost-namespaced built-in nodes
// (passthrough, delay) the validator accepts as a second valid namespace
// for any node reference. Register is an idempotent upsert, so this is
// safe to run on every process start.
func seedBuiltinNodes(ctx context.Context, nodes ports.RegisteredNodeStore) error {
	for _, n := range domain.BuiltinNodes() {
		n.RegisteredAt = time.Now()
		if err := nodes.Register(ctx, &n); err != nil {
			return fmt.Errorf("register builtin node %s/%s: %w", n.Namespace, n.Name, err)
		}
	}
	return nil
}

// Close releases the Mongo connection and stops the fan-out worker pool.
func (a *App) Close(ctx context.Context) error {
	a.Fanout.Stop()
	return a.Mongo.Disconnect(ctx)
}
