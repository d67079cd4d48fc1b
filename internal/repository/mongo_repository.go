package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-core/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionName = "carts"

var openStatuses = []domain.Status{domain.StatusActive, domain.StatusAbandoned}

type mongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) CartRepository {
	return &mongoRepository{collection: db.Collection(CollectionName)}
}

func (m *mongoRepository) FindActive(ctx context.Context, id domain.Identity) (*domain.Cart, error) {
	return m.findOne(ctx, bson.M{"active_key": id.Key()})
}

func (m *mongoRepository) GetByID(ctx context.Context, cartID string) (*domain.Cart, error) {
	return m.findOne(ctx, bson.M{"_id": cartID})
}

func (m *mongoRepository) findOne(ctx context.Context, filter bson.M) (*domain.Cart, error) {
	var cart domain.Cart
	err := m.collection.FindOne(ctx, filter).Decode(&cart)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return &cart, nil
}

func (m *mongoRepository) Create(ctx context.Context, cart *domain.Cart) error {
	_, err := m.collection.InsertOne(ctx, cart)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateActiveCart
		}
		return fmt.Errorf("failed to create cart: %w", err)
	}
	return nil
}

func (m *mongoRepository) Save(ctx context.Context, cart *domain.Cart) error {
	expected := cart.Version
	next := *cart
	next.Version = expected + 1

	filter := bson.M{"_id": cart.ID, "version": expected}
	result, err := m.collection.ReplaceOne(ctx, filter, &next)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateActiveCart
		}
		return fmt.Errorf("failed to save cart: %w", err)
	}

	if result.MatchedCount == 0 {
		if _, err := m.GetByID(ctx, cart.ID); err != nil {
			return err
		}
		return domain.ErrVersionConflict
	}

	cart.Version = next.Version
	return nil
}

func (m *mongoRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Cart, error) {
	filter := bson.M{
		"status":     bson.M{"$in": openStatuses},
		"expires_at": bson.M{"$lte": now},
	}
	return m.list(ctx, filter, "expires_at", limit)
}

func (m *mongoRepository) ListIdle(ctx context.Context, before time.Time, limit int) ([]*domain.Cart, error) {
	filter := bson.M{
		"status":           domain.StatusActive,
		"last_activity_at": bson.M{"$lte": before},
	}
	return m.list(ctx, filter, "last_activity_at", limit)
}

func (m *mongoRepository) list(ctx context.Context, filter bson.M, sortKey string, limit int) ([]*domain.Cart, error) {
	opts := options.Find().SetSort(bson.D{{Key: sortKey, Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list carts: %w", err)
	}
	defer cursor.Close(ctx)

	var carts []*domain.Cart
	if err := cursor.All(ctx, &carts); err != nil {
		return nil, fmt.Errorf("failed to decode carts: %w", err)
	}
	return carts, nil
}

func (m *mongoRepository) ExpireIfDue(ctx context.Context, cartID string, now time.Time) (bool, error) {
	filter := bson.M{
		"_id":        cartID,
		"status":     bson.M{"$in": openStatuses},
		"expires_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set":   bson.M{"status": domain.StatusExpired, "updated_at": now},
		"$unset": bson.M{"active_key": ""},
		"$inc":   bson.M{"version": 1},
	}
	return m.transition(ctx, filter, update)
}

func (m *mongoRepository) AbandonIfIdle(ctx context.Context, cartID string, before, now time.Time) (bool, error) {
	filter := bson.M{
		"_id":              cartID,
		"status":           domain.StatusActive,
		"last_activity_at": bson.M{"$lte": before},
	}
	update := bson.M{
		"$set": bson.M{"status": domain.StatusAbandoned, "updated_at": now},
		"$inc": bson.M{"version": 1},
	}
	return m.transition(ctx, filter, update)
}

func (m *mongoRepository) transition(ctx context.Context, filter, update bson.M) (bool, error) {
	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to update cart status: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

// RunInTransaction needs a replica set or sharded cluster.
func (m *mongoRepository) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx CartRepository) error) error {
	session, err := m.collection.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, m)
	})
	return err
}

func (m *mongoRepository) Ping(ctx context.Context) error {
	return m.collection.Database().Client().Ping(ctx, nil)
}

func (m *mongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "active_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active_key": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days retention
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// EnsureIndexes creates the collection indexes when repo is Mongo-backed.
func EnsureIndexes(ctx context.Context, repo CartRepository) error {
	if mr, ok := repo.(*mongoRepository); ok {
		return mr.CreateIndexes(ctx)
	}
	return nil
}
