package archive

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/oicur0t/logpulse/internal/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var invalidCollectionChars = regexp.MustCompile(`[^a-z0-9_]`)

// Mongo is a Writer backed by MongoDB. Each kind gets its own collection.
type Mongo struct {
	client           *mongo.Client
	database         *mongo.Database
	collectionPrefix string
	ttlDays          int
	logger           *zap.Logger

	indexed sync.Map // collection name -> struct{}
}

// NewMongo connects to MongoDB and verifies the connection
func NewMongo(ctx context.Context, cfg config.MongoDBConfig, logger *zap.Logger) (*Mongo, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	uri := cfg.URI
	clientOpts := options.Client().ApplyURI(uri)
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	}

	// X.509 authentication with a client certificate
	if cfg.CertificateKeyFile != "" {
		if strings.Contains(uri, "?") {
			uri = uri + "&tlsCertificateKeyFile=" + cfg.CertificateKeyFile
		} else {
			uri = uri + "?tlsCertificateKeyFile=" + cfg.CertificateKeyFile
		}
		clientOpts.ApplyURI(uri)
		clientOpts.SetAuth(options.Credential{AuthMechanism: "MONGODB-X509"})
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB archive",
		zap.String("database", cfg.Database),
		zap.Int("max_pool_size", cfg.MaxPoolSize))

	return &Mongo{
		client:           client,
		database:         client.Database(cfg.Database),
		collectionPrefix: cfg.CollectionPrefix,
		ttlDays:          cfg.TTLDays,
		logger:           logger,
	}, nil
}

// WriteBatch upserts docs by id into the kind's collection
func (m *Mongo) WriteBatch(ctx context.Context, kind string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	collName := collectionName(m.collectionPrefix, kind)
	collection := m.database.Collection(collName)

	if _, done := m.indexed.Load(collName); !done {
		if err := m.ensureIndexes(ctx, collection, kind); err != nil {
			m.logger.Error("Failed to ensure indexes", zap.Error(err), zap.String("collection", collName))
		} else {
			m.indexed.Store(collName, struct{}{})
		}
	}

	writes := make([]mongo.WriteModel, len(docs))
	for i, doc := range docs {
		writes[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: doc.ID}}).
			SetReplacement(doc.Body).
			SetUpsert(true)
	}

	// ordered so that a later version of the same document wins
	result, err := collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return fmt.Errorf("failed to write %s batch: %w", kind, err)
	}

	m.logger.Debug("Archive batch upserted",
		zap.String("collection", collName),
		zap.Int64("upserted", result.UpsertedCount),
		zap.Int64("modified", result.ModifiedCount))
	return nil
}

// ensureIndexes creates the kind's indexes, including the TTL index if configured
func (m *Mongo) ensureIndexes(ctx context.Context, collection *mongo.Collection, kind string) error {
	timeField := "timestamp"
	if kind == KindFixes {
		timeField = "triggered_at"
	}

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "instance_id", Value: 1},
				{Key: timeField, Value: -1},
			},
			Options: options.Index().SetName("instance_" + timeField),
		},
	}
	if kind == KindLogs {
		indexModels = append(indexModels, mongo.IndexModel{
			Keys:    bson.D{{Key: "cleaned.level", Value: 1}},
			Options: options.Index().SetName("level"),
		})
	}
	if m.ttlDays > 0 {
		ttlSeconds := int32(m.ttlDays * 24 * 60 * 60)
		indexModels = append(indexModels, mongo.IndexModel{
			Keys: bson.D{{Key: "archived_at", Value: 1}},
			Options: options.Index().
				SetName("ttl_index").
				SetExpireAfterSeconds(ttlSeconds),
		})
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// collectionName builds a valid collection name from the prefix and kind
func collectionName(prefix, kind string) string {
	return invalidCollectionChars.ReplaceAllString(strings.ToLower(prefix+kind), "_")
}

// Close disconnects from MongoDB
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
