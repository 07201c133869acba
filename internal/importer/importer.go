// Package importer persists finished history backlogs.
package importer

import (
	"context"
	"time"

	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/metrics"
	"whatsmgr/internal/models"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ImportedMessage is one history message written by the database sink
type ImportedMessage struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	SessionID   int64     `gorm:"not null;uniqueIndex:idx_imported_session_message,priority:1"`
	TenantID    int64     `gorm:"not null;index"`
	MessageID   string    `gorm:"size:128;not null;uniqueIndex:idx_imported_session_message,priority:2"`
	RemoteJID   string    `gorm:"size:128;not null;index"`
	FromMe      bool      `gorm:"not null"`
	Participant string    `gorm:"size:128"`
	PushName    string    `gorm:"size:255"`
	Body        []byte    `gorm:"not null"`
	SentAt      time.Time `gorm:"not null;index"`
	ImportedAt  time.Time `gorm:"not null"`
}

func (ImportedMessage) TableName() string {
	return "imported_messages"
}

// DatabaseSink writes backlogs into the CRM database through GORM
type DatabaseSink struct {
	db        *gorm.DB
	batchSize int
	logger    *logrus.Logger
	now       func() time.Time
}

// NewDatabaseSink creates a sink writing batchSize rows per statement
func NewDatabaseSink(db *gorm.DB, batchSize int, logger *logrus.Logger) *DatabaseSink {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &DatabaseSink{db: db, batchSize: batchSize, logger: logger, now: time.Now}
}

// AutoMigrate creates the imported_messages table
func (s *DatabaseSink) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&ImportedMessage{}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseMigration, "failed to migrate imported_messages")
	}
	return nil
}

// ImportBacklog stores msgs. Messages already imported for the session are
// skipped, so a retried hand-off does not duplicate rows.
func (s *DatabaseSink) ImportBacklog(ctx context.Context, session *models.Session, msgs []types.WAMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	started := time.Now()
	importedAt := s.now()
	rows := make([]ImportedMessage, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, ImportedMessage{
			SessionID:   session.ID,
			TenantID:    session.TenantID,
			MessageID:   m.Key.ID,
			RemoteJID:   m.Key.RemoteJID,
			FromMe:      m.Key.FromMe,
			Participant: m.Key.Participant,
			PushName:    m.PushName,
			Body:        m.Body,
			SentAt:      m.Timestamp,
			ImportedAt:  importedAt,
		})
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, s.batchSize).Error
	if err != nil {
		return apperrors.NewImportError(session.ID, len(msgs), err)
	}

	recordImport("database", len(msgs), time.Since(started))
	s.logger.WithFields(logrus.Fields{
		"session":  session.ID,
		"tenant":   session.TenantID,
		"messages": len(msgs),
	}).Info("History backlog imported")
	return nil
}

func recordImport(sink string, n int, took time.Duration) {
	labels := map[string]string{"sink": sink}
	metrics.AddToCounter("backlog_messages_imported_total", float64(n), labels, "History messages handed to a backlog sink")
	metrics.RecordTimer("backlog_import_duration", took, labels, "Time spent writing one history backlog")
}
