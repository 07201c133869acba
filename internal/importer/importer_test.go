package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"whatsmgr/internal/models"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testMessages(base time.Time) []types.WAMessage {
	return []types.WAMessage{
		{Key: types.MessageKey{ID: "A", RemoteJID: "1@s.whatsapp.net"}, Timestamp: base, Body: []byte("one"), PushName: "Ana"},
		{Key: types.MessageKey{ID: "B", RemoteJID: "2@g.us", Participant: "3@s.whatsapp.net"}, Timestamp: base.Add(time.Minute), Body: []byte("two")},
	}
}

func openSink(t *testing.T) (*DatabaseSink, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "import.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sink := NewDatabaseSink(db, 1, quietLogger())
	require.NoError(t, sink.AutoMigrate(context.Background()))
	return sink, db
}

func TestDatabaseSink_ImportBacklog(t *testing.T) {
	sink, db := openSink(t)
	session := &models.Session{ID: 7, TenantID: 2}
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, sink.ImportBacklog(context.Background(), session, testMessages(base)))

	var rows []ImportedMessage
	require.NoError(t, db.Order("message_id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(7), rows[0].SessionID)
	assert.Equal(t, int64(2), rows[0].TenantID)
	assert.Equal(t, "Ana", rows[0].PushName)
	assert.Equal(t, []byte("two"), rows[1].Body)
	assert.Equal(t, "3@s.whatsapp.net", rows[1].Participant)
}

func TestDatabaseSink_RetriedHandOffDoesNotDuplicate(t *testing.T) {
	sink, db := openSink(t)
	session := &models.Session{ID: 7, TenantID: 2}
	msgs := testMessages(time.Now())

	require.NoError(t, sink.ImportBacklog(context.Background(), session, msgs))
	require.NoError(t, sink.ImportBacklog(context.Background(), session, msgs))

	var count int64
	require.NoError(t, db.Model(&ImportedMessage{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestDatabaseSink_EmptyBacklog(t *testing.T) {
	sink, _ := openSink(t)
	assert.NoError(t, sink.ImportBacklog(context.Background(), &models.Session{ID: 1}, nil))
}

func TestToDocuments(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	importedAt := base.Add(time.Hour)
	docs := toDocuments(&models.Session{ID: 4, TenantID: 9}, testMessages(base), importedAt)

	require.Len(t, docs, 2)
	assert.Equal(t, int64(4), docs[0].SessionID)
	assert.Equal(t, int64(9), docs[0].TenantID)
	assert.Equal(t, "A", docs[0].Key.ID)
	assert.Equal(t, importedAt, docs[1].ImportedAt)

	raw, err := bson.Marshal(docs[1])
	require.NoError(t, err)
	var decoded bson.M
	require.NoError(t, bson.Unmarshal(raw, &decoded))
	key := decoded["key"].(bson.M)
	assert.Equal(t, "B", key["id"])
	assert.Equal(t, "2@g.us", key["remote_jid"])
}

func TestMongoSink_Integration(t *testing.T) {
	uri := os.Getenv("WHATSMGR_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("WHATSMGR_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink, err := ConnectMongo(ctx, uri, "whatsmgr_test", "imported_messages_"+time.Now().Format("150405"), quietLogger())
	require.NoError(t, err)
	defer func() {
		_ = sink.collection.Drop(ctx)
		_ = sink.Close(ctx)
	}()

	session := &models.Session{ID: 1, TenantID: 1}
	msgs := testMessages(time.Now())
	require.NoError(t, sink.ImportBacklog(ctx, session, msgs))
	require.NoError(t, sink.ImportBacklog(ctx, session, msgs))

	count, err := sink.collection.CountDocuments(ctx, bson.D{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
