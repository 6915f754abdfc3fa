package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/exospherehost/state-manager/internal/domain"
	"github.com/exospherehost/state-manager/internal/ports"
)

// RunStore is a mongo-backed ports.RunStore.
type RunStore struct {
	coll *mongo.Collection
}

func NewRunStore(c *Client) *RunStore { return &RunStore{coll: c.Runs} }

func (s *RunStore) Insert(ctx context.Context, r *domain.Run) error {
	if _, err := s.coll.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ports.ErrConflict
		}
		return fmt.Errorf("mongostore: insert run %s: %w", r.RunID, err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, runID string) (*domain.Run, error) {
	var r domain.Run
	if err := s.coll.FindOne(ctx, bson.D{{Key: "run_id", Value: runID}}).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("mongostore: get run %s: %w", runID, err)
	}
	return &r, nil
}

func (s *RunStore) List(ctx context.Context, namespace string, page, size int) ([]*domain.Run, int, error) {
	filter := bson.D{{Key: "namespace", Value: namespace}}
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongostore: count runs: %w", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(page * size)).
		SetLimit(int64(size))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("mongostore: list runs: %w", err)
	}
	defer cur.Close(ctx)

	var out []*domain.Run
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, fmt.Errorf("mongostore: decode runs: %w", err)
	}
	return out, int(total), nil
}
