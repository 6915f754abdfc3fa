package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/ports"
)

// TriggerStore is a mongo-backed ports.TriggerStore.
type TriggerStore struct {
	coll *mongo.Collection
}

func NewTriggerStore(c *Client) *TriggerStore { return &TriggerStore{coll: c.Triggers} }

func (s *TriggerStore) Insert(ctx context.Context, t *domain.DatabaseTrigger) error {
	if _, err := s.coll.InsertOne(ctx, t); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ports.ErrConflict
		}
		return fmt.Errorf("mongostore: insert trigger: %w", err)
	}
	return nil
}

// ClaimDue performs the scheduler's findAndModify: the earliest PENDING row
// whose trigger_time has elapsed moves to TRIGGERING, protecting it against
// a second worker observing it in the same window.
func (s *TriggerStore) ClaimDue(ctx context.Context, now time.Time) (*domain.DatabaseTrigger, error) {
	filter := bson.D{
		{Key: "trigger_status", Value: domain.TriggerPending},
		{Key: "trigger_time", Value: bson.D{{Key: "$lte", Value: now.UTC()}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "trigger_status", Value: domain.TriggerTriggering}}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "trigger_time", Value: 1}}).
		SetReturnDocument(options.After)

	var due domain.DatabaseTrigger
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&due)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongostore: claim due trigger: %w", err)
	}
	return &due, nil
}

func (s *TriggerStore) MarkTerminal(ctx context.Context, id string, status domain.TriggerStatus, errMsg string, expiresAt time.Time) error {
	filter := bson.D{{Key: "_id", Value: id}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "trigger_status", Value: status},
		{Key: "error", Value: errMsg},
		{Key: "expires_at", Value: expiresAt.UTC()},
	}}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: mark trigger %s terminal: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// CancelPending bulk-updates every still-PENDING row for (namespace,
// graphName) whose (expression, timezone) is absent from keep to CANCELLED.
func (s *TriggerStore) CancelPending(ctx context.Context, namespace, graphName string, keep map[domain.CronTrigger]struct{}) error {
	cur, err := s.coll.Find(ctx, bson.D{
		{Key: "namespace", Value: namespace},
		{Key: "graph_name", Value: graphName},
		{Key: "trigger_status", Value: domain.TriggerPending},
	})
	if err != nil {
		return fmt.Errorf("mongostore: find pending triggers to cancel: %w", err)
	}
	defer cur.Close(ctx)

	var pending []domain.DatabaseTrigger
	if err := cur.All(ctx, &pending); err != nil {
		return fmt.Errorf("mongostore: decode pending triggers: %w", err)
	}

	now := time.Now().UTC()
	for _, t := range pending {
		key := domain.CronTrigger{Expression: t.Expression, Timezone: t.Timezone}
		if _, ok := keep[key]; ok {
			continue
		}
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: "trigger_status", Value: domain.TriggerCancelled},
			{Key: "expires_at", Value: now},
		}}}
		if _, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: t.ID}}, update); err != nil {
			return fmt.Errorf("mongostore: cancel trigger %s: %w", t.ID, err)
		}
	}
	return nil
}

// ReconcileStartup fixes up leftover {TRIGGERED, FAILED} rows with a nil
// expires_at — the artifact of a process dying between firing a row and
// recording its terminal expiry — so the TTL index eventually reaps them.
func (s *TriggerStore) ReconcileStartup(ctx context.Context, retention time.Duration) error {
	filter := bson.D{
		{Key: "trigger_status", Value: bson.D{{Key: "$in", Value: bson.A{domain.TriggerTriggered, domain.TriggerFailed}}}},
		{Key: "expires_at", Value: nil},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "trigger_status", Value: domain.TriggerCancelled},
		{Key: "expires_at", Value: time.Now().UTC().Add(retention)},
	}}}
	if _, err := s.coll.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("mongostore: reconcile startup triggers: %w", err)
	}
	return nil
}

func (s *TriggerStore) ListPendingCrons(ctx context.Context, namespace, graphName string) (map[domain.CronTrigger]struct{}, error) {
	filter := bson.D{
		{Key: "namespace", Value: namespace},
		{Key: "graph_name", Value: graphName},
		{Key: "trigger_status", Value: domain.TriggerPending},
	}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list pending crons: %w", err)
	}
	defer cur.Close(ctx)

	out := make(map[domain.CronTrigger]struct{})
	for cur.Next(ctx) {
		var t domain.DatabaseTrigger
		if err := cur.Decode(&t); err != nil {
			return nil, fmt.Errorf("mongostore: decode pending cron: %w", err)
		}
		out[domain.CronTrigger{Expression: t.Expression, Timezone: t.Timezone}] = struct{}{}
	}
	return out, cur.Err()
}
