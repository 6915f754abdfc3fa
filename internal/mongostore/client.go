// Package mongostore implements the internal/ports interfaces against a
// real MongoDB deployment: compare-and-set via FindOneAndUpdate, uniqueness
// via unique indexes, expiry via TTL indexes, and bulk insert with
// per-document duplicate tolerance, per the database contract this service
// requires. Grounded on the persisted-collection layout and index set the
// spec names outright (MONGO_URI/MONGO_DATABASE_NAME, unique+TTL indexes).
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names, one per the five-collection layout the spec lists plus
// the registered_nodes collection.
const (
	collStates          = "states"
	collGraphTemplates  = "graph_templates"
	collRegisteredNodes = "registered_nodes"
	collStores          = "stores"
	collRuns            = "runs"
	collTriggers        = "triggers"
)

// Client bundles the database handle and the typed collections every store
// in this package operates on.
type Client struct {
	db *mongo.Database

	States          *mongo.Collection
	GraphTemplates  *mongo.Collection
	RegisteredNodes *mongo.Collection
	Stores          *mongo.Collection
	Runs            *mongo.Collection
	Triggers        *mongo.Collection
}

// Connect dials uri and returns a Client bound to database.
func Connect(ctx context.Context, uri, database string) (*Client, error) {
	opts := options.Client().ApplyURI(uri)
	conn, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	db := conn.Database(database)
	return &Client{
		db:              db,
		States:          db.Collection(collStates),
		GraphTemplates:  db.Collection(collGraphTemplates),
		RegisteredNodes: db.Collection(collRegisteredNodes),
		Stores:          db.Collection(collStores),
		Runs:            db.Collection(collRuns),
		Triggers:        db.Collection(collTriggers),
	}, nil
}

// Disconnect closes the underlying client connection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.db.Client().Disconnect(ctx)
}
