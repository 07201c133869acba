package importer

import (
	"context"
	"fmt"
	"time"

	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/models"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDocument is the stored shape of one imported message
type MongoDocument struct {
	SessionID  int64            `bson:"session_id"`
	TenantID   int64            `bson:"tenant_id"`
	Key        types.MessageKey `bson:"key"`
	PushName   string           `bson:"push_name,omitempty"`
	Body       []byte           `bson:"body"`
	SentAt     time.Time        `bson:"sent_at"`
	ImportedAt time.Time        `bson:"imported_at"`
}

// MongoSink writes backlogs into a MongoDB collection
type MongoSink struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *logrus.Logger
	now        func() time.Time
}

// ConnectMongo opens a client and ensures the (session_id, key.id) index
func ConnectMongo(ctx context.Context, uri, database, collection string, logger *logrus.Logger) (*MongoSink, error) {
	clientOptions := options.Client().ApplyURI(uri).SetAppName("whatsmgr")
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	sink := NewMongoSink(client, client.Database(database).Collection(collection), logger)
	if err := sink.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return sink, nil
}

func NewMongoSink(client *mongo.Client, collection *mongo.Collection, logger *logrus.Logger) *MongoSink {
	return &MongoSink{client: client, collection: collection, logger: logger, now: time.Now}
}

func (s *MongoSink) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "key.id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create imported message index: %w", err)
	}
	return nil
}

// ImportBacklog upserts msgs keyed by session and message id
func (s *MongoSink) ImportBacklog(ctx context.Context, session *models.Session, msgs []types.WAMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	started := time.Now()
	writes := make([]mongo.WriteModel, 0, len(msgs))
	for _, doc := range toDocuments(session, msgs, s.now()) {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "session_id", Value: doc.SessionID}, {Key: "key.id", Value: doc.Key.ID}}).
			SetReplacement(doc).
			SetUpsert(true))
	}

	res, err := s.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return apperrors.NewImportError(session.ID, len(msgs), err)
	}

	recordImport("mongo", len(msgs), time.Since(started))
	s.logger.WithFields(logrus.Fields{
		"session":  session.ID,
		"tenant":   session.TenantID,
		"upserted": res.UpsertedCount,
		"modified": res.ModifiedCount,
	}).Info("History backlog imported")
	return nil
}

func (s *MongoSink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toDocuments(session *models.Session, msgs []types.WAMessage, importedAt time.Time) []MongoDocument {
	docs := make([]MongoDocument, 0, len(msgs))
	for _, m := range msgs {
		docs = append(docs, MongoDocument{
			SessionID:  session.ID,
			TenantID:   session.TenantID,
			Key:        m.Key,
			PushName:   m.PushName,
			Body:       m.Body,
			SentAt:     m.Timestamp,
			ImportedAt: importedAt,
		})
	}
	return docs
}
