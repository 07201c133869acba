// Package store reads and patches session descriptors in the CRM database.
package store

import (
	"context"
	"errors"
	"fmt"

	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/models"
	"whatsmgr/internal/retry"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the GORM-backed descriptor repository
type Store struct {
	db      *gorm.DB
	backoff *retry.Backoff
	logger  *logrus.Logger
}

// Dialector picks the GORM driver for a configured database
func Dialector(cfg models.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return sqlite.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// Open connects to the configured database
func Open(cfg models.DatabaseConfig, backoff retry.BackoffConfig, log *logrus.Logger) (*Store, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", cfg.Driver, err)
	}
	return New(db, backoff, log), nil
}

// New wraps an existing connection
func New(db *gorm.DB, backoff retry.BackoffConfig, log *logrus.Logger) *Store {
	return &Store{db: db, backoff: retry.NewBackoff(backoff), logger: log}
}

// DB exposes the connection for components sharing it
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AutoMigrate creates or updates the descriptor table
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.Session{}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseMigration, "failed to migrate whatsapp_sessions")
	}
	return nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateSession inserts a new descriptor
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(session).Error
	})
	if err != nil {
		return apperrors.NewDatabaseError("create session", err)
	}
	return nil
}

// FindSessionByID returns SESSION_NOT_FOUND when no row matches
func (s *Store) FindSessionByID(ctx context.Context, id int64) (*models.Session, error) {
	var session models.Session
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).First(&session, id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewSessionNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("find session", err).WithContext("session", id)
	}
	return &session, nil
}

// FindAllSessionsByTenant returns the tenant's descriptors ordered by id
func (s *Store) FindAllSessionsByTenant(ctx context.Context, tenantID int64) ([]models.Session, error) {
	var sessions []models.Session
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&sessions).Error
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("list tenant sessions", err).WithContext("tenant", tenantID)
	}
	return sessions, nil
}

// FindSessionsByStatus returns descriptors in any of the given statuses
func (s *Store) FindSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	var sessions []models.Session
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("status IN ?", statuses).Order("id").Find(&sessions).Error
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("list sessions by status", err)
	}
	return sessions, nil
}

// UpdateSession writes a patch. Zero values in the patch are written too.
func (s *Store) UpdateSession(ctx context.Context, id int64, patch models.SessionPatch) error {
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil
	}

	var affected int64
	err := s.withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(cols)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return apperrors.NewDatabaseError("update session", err).WithContext("session", id)
	}
	if affected == 0 {
		return apperrors.NewSessionNotFoundError(id)
	}
	return nil
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	return s.backoff.RetryWithPredicate(ctx, op, retry.IsRetryableDBError)
}
