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

// StateStore is a mongo-backed ports.StateStore.
type StateStore struct {
	coll *mongo.Collection
}

func NewStateStore(c *Client) *StateStore { return &StateStore{coll: c.States} }

func (s *StateStore) Insert(ctx context.Context, st *domain.State) error {
	if _, err := s.coll.InsertOne(ctx, st); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ports.ErrConflict
		}
		return fmt.Errorf("mongostore: insert state: %w", err)
	}
	return nil
}

// InsertMany performs an unordered bulk insert so one duplicate-key
// document does not abort its siblings; any non-duplicate-key failure is
// still surfaced.
func (s *StateStore) InsertMany(ctx context.Context, states []*domain.State) error {
	if len(states) == 0 {
		return nil
	}
	docs := make([]interface{}, len(states))
	for i, st := range states {
		docs[i] = st
	}
	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, we := range bwe.WriteErrors {
			if we.Code != 11000 {
				return fmt.Errorf("mongostore: bulk insert states: %w", err)
			}
		}
		return nil // every failure was a tolerated duplicate key
	}
	return fmt.Errorf("mongostore: bulk insert states: %w", err)
}

func (s *StateStore) Get(ctx context.Context, id string) (*domain.State, error) {
	var st domain.State
	if err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&st); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("mongostore: get state %s: %w", id, err)
	}
	return &st, nil
}

// Claim atomically transitions up to filter.BatchSize CREATED states to
// QUEUED, one FindOneAndUpdate per slot since Mongo has no "claim N" bulk
// primitive; each iteration still rejects any concurrent claimant via the
// status match in its own filter.
func (s *StateStore) Claim(ctx context.Context, filter ports.ClaimFilter) ([]*domain.State, error) {
	claimFilter := bson.D{
		{Key: "status", Value: domain.StateCreated},
		{Key: "node_name", Value: bson.D{{Key: "$in", Value: filter.Nodes}}},
		{Key: "enqueue_after", Value: bson.D{{Key: "$lte", Value: filter.Now.UnixMilli()}}},
	}
	sort := bson.D{{Key: "enqueue_after", Value: 1}, {Key: "created_at", Value: 1}}
	now := filter.Now.UnixMilli()
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: domain.StateQueued},
		{Key: "queued_at", Value: now},
		{Key: "updated_at", Value: filter.Now.UTC()},
	}}}
	opts := options.FindOneAndUpdate().SetSort(sort).SetReturnDocument(options.After)

	claimed := make([]*domain.State, 0, filter.BatchSize)
	for i := 0; i < filter.BatchSize; i++ {
		var st domain.State
		err := s.coll.FindOneAndUpdate(ctx, claimFilter, update, opts).Decode(&st)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return nil, fmt.Errorf("mongostore: claim: %w", err)
		}
		claimed = append(claimed, &st)
	}
	return claimed, nil
}

// CompareAndSetStatus loads the state, then issues an UpdateOne filtered on
// (id, expected status). mutate, if set, is applied to a decoded copy whose
// outputs and error are written in the same $set as the status change.
func (s *StateStore) CompareAndSetStatus(ctx context.Context, id string, expected, to domain.StateStatus, mutate func(*domain.State)) (bool, error) {
	if !domain.CanTransition(expected, to) {
		return false, fmt.Errorf("mongostore: illegal transition %s -> %s", expected, to)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if current.Status != expected {
		return false, nil
	}

	setFields := bson.D{{Key: "status", Value: to}, {Key: "updated_at", Value: time.Now().UTC()}}
	if mutate != nil {
		mutated := *current
		mutate(&mutated)
		setFields = append(setFields,
			bson.E{Key: "outputs", Value: mutated.Outputs},
			bson.E{Key: "error", Value: mutated.Error},
		)
	}

	filter := bson.D{{Key: "_id", Value: id}, {Key: "status", Value: expected}}
	update := bson.D{{Key: "$set", Value: setFields}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mongostore: cas state %s: %w", id, err)
	}
	return res.ModifiedCount == 1, nil
}

// CountNotSuccessByParent counts states with identifier whose
// parents[commonParentIdentifier] equals commonParentStateID and whose
// status is not SUCCESS, the join check's sibling-completion count.
func (s *StateStore) CountNotSuccessByParent(ctx context.Context, identifier, commonParentIdentifier, commonParentStateID string) (int, error) {
	parentKey := "parents." + commonParentIdentifier
	filter := bson.D{
		{Key: "identifier", Value: identifier},
		{Key: parentKey, Value: commonParentStateID},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: domain.StateSuccess}}},
	}
	n, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongostore: count not-success siblings: %w", err)
	}
	return int(n), nil
}

func (s *StateStore) DueForTimeout(ctx context.Context, now time.Time) ([]*domain.State, error) {
	filter := bson.D{
		{Key: "status", Value: domain.StateQueued},
		{Key: "queued_at", Value: bson.D{{Key: "$ne", Value: nil}}},
	}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find due-for-timeout candidates: %w", err)
	}
	defer cur.Close(ctx)

	var due []*domain.State
	for cur.Next(ctx) {
		var st domain.State
		if err := cur.Decode(&st); err != nil {
			return nil, fmt.Errorf("mongostore: decode due-for-timeout candidate: %w", err)
		}
		if st.QueuedAt == nil {
			continue
		}
		deadline := *st.QueuedAt + int64(st.TimeoutMinutes)*60_000
		if deadline <= now.UnixMilli() {
			due = append(due, &st)
		}
	}
	return due, cur.Err()
}

func (s *StateStore) ListByRun(ctx context.Context, runID, identifier string) ([]*domain.State, error) {
	filter := bson.D{{Key: "run_id", Value: runID}}
	if identifier != "" {
		filter = append(filter, bson.E{Key: "identifier", Value: identifier})
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list states for run %s: %w", runID, err)
	}
	defer cur.Close(ctx)

	var out []*domain.State
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decode states for run %s: %w", runID, err)
	}
	return out, nil
}
