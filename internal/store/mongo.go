package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wiggletrack/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const productsCollection = "products"

// MongoProductStore keeps each product tree as one document.
type MongoProductStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// ConnectMongo dials MongoDB and pings it.
//
// Parameters:
//   - ctx: dial context
//   - uri: connection string
//   - dbName: database name
//
// Returns:
//   - *MongoProductStore: store bound to the products collection
//   - error: dial or ping failure
func ConnectMongo(ctx context.Context, uri, dbName string) (*MongoProductStore, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(timeoutCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(timeoutCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewMongoProductStore(client, client.Database(dbName)), nil
}

// NewMongoProductStore wraps an existing database handle.
func NewMongoProductStore(client *mongo.Client, db *mongo.Database) *MongoProductStore {
	return &MongoProductStore{
		client:     client,
		collection: db.Collection(productsCollection),
	}
}

// EnsureIndexes creates the unique url index and the active index.
func (s *MongoProductStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "url", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "active", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create product indexes: %w", err)
	}
	return nil
}

func (s *MongoProductStore) Create(ctx context.Context, p *model.Product) error {
	if _, err := s.collection.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateURL
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *MongoProductStore) Get(ctx context.Context, id string) (*model.Product, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoProductStore) GetByURL(ctx context.Context, url string) (*model.Product, error) {
	return s.findOne(ctx, bson.M{"url": url})
}

func (s *MongoProductStore) findOne(ctx context.Context, filter bson.M) (*model.Product, error) {
	var p model.Product
	err := s.collection.FindOne(ctx, filter).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	return &p, nil
}

// ListActive returns id and url of every active product.
func (s *MongoProductStore) ListActive(ctx context.Context) ([]model.ProductRef, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1, "url": 1}).SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"active": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("list active products: %w", err)
	}
	defer cursor.Close(ctx)

	var refs []model.ProductRef
	if err := cursor.All(ctx, &refs); err != nil {
		return nil, fmt.Errorf("decode active products: %w", err)
	}
	return refs, nil
}

// Update replaces the document only if the stored version still matches.
func (s *MongoProductStore) Update(ctx context.Context, p *model.Product) error {
	expected := p.Version
	p.Version = expected + 1
	p.UpdatedAt = time.Now().UTC()

	res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": p.ID, "version": expected}, p)
	if err != nil {
		p.Version = expected
		return fmt.Errorf("replace product: %w", err)
	}
	if res.MatchedCount == 0 {
		p.Version = expected
		n, err := s.collection.CountDocuments(ctx, bson.M{"_id": p.ID})
		if err != nil {
			return fmt.Errorf("count product: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

func (s *MongoProductStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoProductStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}
