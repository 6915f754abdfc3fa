package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates every unique, TTL, and secondary index the database
// contract requires. Safe to call on every startup: creating an index that
// already exists with identical options is a no-op.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	steps := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{c.GraphTemplates, uniqueIndex(bson.D{{Key: "namespace", Value: 1}, {Key: "name", Value: 1}})},
		{c.RegisteredNodes, uniqueIndex(bson.D{{Key: "namespace", Value: 1}, {Key: "name", Value: 1}})},
		{c.Runs, uniqueIndex(bson.D{{Key: "run_id", Value: 1}})},
		{c.Runs, ttlIndex("created_at", 0)},
		{c.Triggers, uniqueIndex(bson.D{
			{Key: "type", Value: 1}, {Key: "expression", Value: 1},
			{Key: "graph_name", Value: 1}, {Key: "namespace", Value: 1},
			{Key: "trigger_time", Value: 1},
		})},
		{c.Triggers, ttlIndex("expires_at", 0)},
		{c.States, uniqueIndex(bson.D{
			{Key: "run_id", Value: 1}, {Key: "identifier", Value: 1}, {Key: "fanout_id", Value: 1},
		})},
		{c.States, secondaryIndex(bson.D{{Key: "status", Value: 1}, {Key: "enqueue_after", Value: 1}})},
		{c.States, secondaryIndex(bson.D{{Key: "status", Value: 1}, {Key: "queued_at", Value: 1}})},
		{c.States, secondaryIndex(bson.D{{Key: "run_id", Value: 1}, {Key: "identifier", Value: 1}, {Key: "parents", Value: 1}})},
	}
	for _, step := range steps {
		if _, err := step.coll.Indexes().CreateOne(ctx, step.model); err != nil {
			return fmt.Errorf("mongostore: ensure index on %s: %w", step.coll.Name(), err)
		}
	}
	return nil
}

func uniqueIndex(keys bson.D) mongo.IndexModel {
	return mongo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
}

func secondaryIndex(keys bson.D) mongo.IndexModel {
	return mongo.IndexModel{Keys: keys}
}

func ttlIndex(field string, expireAfterSeconds int32) mongo.IndexModel {
	return mongo.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(expireAfterSeconds),
	}
}
