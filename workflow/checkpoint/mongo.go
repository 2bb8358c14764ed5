package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoConfig configures the mongo backend.
type MongoConfig struct {
	URI        string        `json:"uri" yaml:"uri"`
	Database   string        `json:"database" yaml:"database"`
	Collection string        `json:"collection" yaml:"collection"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// mongoDocument stores the encoded checkpoint next to the fields used for
// lookups. The thread id is the document _id.
type mongoDocument struct {
	ThreadID  string    `bson:"_id"`
	Graph     string    `bson:"graph"`
	Status    string    `bson:"status"`
	Version   int64     `bson:"version"`
	Data      string    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toDocument(cp *Checkpoint) (*mongoDocument, error) {
	data, err := Marshal(cp)
	if err != nil {
		return nil, err
	}
	return &mongoDocument{
		ThreadID:  cp.ThreadID,
		Graph:     cp.Graph,
		Status:    string(cp.Status),
		Version:   cp.Version,
		Data:      string(data),
		UpdatedAt: cp.UpdatedAt,
	}, nil
}

func fromDocument(doc *mongoDocument) (*Checkpoint, error) {
	return Unmarshal([]byte(doc.Data))
}

// MongoStore keeps one document per thread; Put is a single upsert.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	ownClient  bool
}

// NewMongoStore uses coll of an existing client. The caller keeps ownership of it.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{client: coll.Database().Client(), collection: coll}
}

// OpenMongoStore connects to cfg.URI and verifies the connection.
func OpenMongoStore(cfg MongoConfig) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("%w: mongo uri is required", ErrInvalidInput)
	}
	if cfg.Database == "" {
		cfg.Database = "graphflow"
	}
	if cfg.Collection == "" {
		cfg.Collection = TableName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := NewMongoStore(client.Database(cfg.Database).Collection(cfg.Collection))
	s.ownClient = true
	return s, nil
}

func (s *MongoStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	var doc mongoDocument
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: threadID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo get checkpoint %q: %w", threadID, err)
	}
	return fromDocument(&doc)
}

func (s *MongoStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	doc, err := toDocument(cp)
	if err != nil {
		return err
	}
	_, err = s.collection.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: cp.ThreadID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo put checkpoint %q: %w", cp.ThreadID, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: threadID}}); err != nil {
		return fmt.Errorf("mongo delete checkpoint %q: %w", threadID, err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, prefix string) ([]string, error) {
	filter := bson.D{}
	if prefix != "" {
		filter = bson.D{{Key: "_id", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}}}
	}
	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo list checkpoints: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo decode thread id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	if !s.ownClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
