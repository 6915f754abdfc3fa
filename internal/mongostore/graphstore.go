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

// GraphStore is a mongo-backed ports.GraphStore.
type GraphStore struct {
	coll *mongo.Collection
}

func NewGraphStore(c *Client) *GraphStore { return &GraphStore{coll: c.GraphTemplates} }

func (s *GraphStore) Upsert(ctx context.Context, tmpl *domain.GraphTemplate) error {
	filter := bson.D{{Key: "namespace", Value: tmpl.Namespace}, {Key: "name", Value: tmpl.Name}}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, filter, tmpl, opts); err != nil {
		return fmt.Errorf("mongostore: upsert graph %s/%s: %w", tmpl.Namespace, tmpl.Name, err)
	}
	return nil
}

func (s *GraphStore) Get(ctx context.Context, namespace, name string) (*domain.GraphTemplate, error) {
	var tmpl domain.GraphTemplate
	filter := bson.D{{Key: "namespace", Value: namespace}, {Key: "name", Value: name}}
	if err := s.coll.FindOne(ctx, filter).Decode(&tmpl); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("mongostore: get graph %s/%s: %w", namespace, name, err)
	}
	return &tmpl, nil
}

func (s *GraphStore) SetValidation(ctx context.Context, namespace, name string, status domain.GraphValidationStatus, errs []string) error {
	filter := bson.D{{Key: "namespace", Value: namespace}, {Key: "name", Value: name}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "validation_status", Value: status},
		{Key: "validation_errors", Value: errs},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongostore: set validation for %s/%s: %w", namespace, name, err)
	}
	if res.MatchedCount == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// RegisteredNodeStore is a mongo-backed ports.RegisteredNodeStore.
type RegisteredNodeStore struct {
	coll *mongo.Collection
}

func NewRegisteredNodeStore(c *Client) *RegisteredNodeStore { return &RegisteredNodeStore{coll: c.RegisteredNodes} }

func (s *RegisteredNodeStore) Register(ctx context.Context, node *domain.RegisteredNode) error {
	filter := bson.D{{Key: "namespace", Value: node.Namespace}, {Key: "name", Value: node.Name}}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, filter, node, opts); err != nil {
		return fmt.Errorf("mongostore: register node %s/%s: %w", node.Namespace, node.Name, err)
	}
	return nil
}

func (s *RegisteredNodeStore) Get(ctx context.Context, namespace, name string) (*domain.RegisteredNode, error) {
	var node domain.RegisteredNode
	filter := bson.D{{Key: "namespace", Value: namespace}, {Key: "name", Value: name}}
	if err := s.coll.FindOne(ctx, filter).Decode(&node); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("mongostore: get node %s/%s: %w", namespace, name, err)
	}
	return &node, nil
}
