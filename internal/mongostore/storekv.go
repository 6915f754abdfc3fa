package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/exospherehost/state-manager/internal/domain"
)

// StoreKV is a mongo-backed ports.StoreKV over the per-run stores
// collection, one document per (run_id, key).
type StoreKV struct {
	coll *mongo.Collection
}

func NewStoreKV(c *Client) *StoreKV { return &StoreKV{coll: c.Stores} }

func (s *StoreKV) SeedMany(ctx context.Context, entries []domain.StoreEntry) error {
	models := make([]mongo.WriteModel, 0, len(entries))
	for _, e := range entries {
		filter := bson.D{{Key: "run_id", Value: e.RunID}, {Key: "key", Value: e.Key}}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(filter).SetReplacement(e).SetUpsert(true))
	}
	if len(models) == 0 {
		return nil
	}
	if _, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("mongostore: seed store entries: %w", err)
	}
	return nil
}

func (s *StoreKV) Get(ctx context.Context, runID, key string) (string, bool, error) {
	var e domain.StoreEntry
	filter := bson.D{{Key: "run_id", Value: runID}, {Key: "key", Value: key}}
	if err := s.coll.FindOne(ctx, filter).Decode(&e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("mongostore: get store key %q for run %s: %w", key, runID, err)
	}
	return e.Value, true, nil
}
