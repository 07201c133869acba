// Package credentials persists the opaque authentication material the protocol
// engine produces for each session.
package credentials

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/migrations"
	"whatsmgr/internal/retry"
	"whatsmgr/pkg/whatsapp/types"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Store keeps one credential blob per session in SQLite. Writes are a single
// upsert statement so a reader never sees a half-written blob.
type Store struct {
	db        *sql.DB
	encryptor *Encryptor
	backoff   *retry.Backoff
	logger    *logrus.Logger
}

// Open creates (if needed) and migrates the credential database at path
func Open(ctx context.Context, path string, encryptor *Encryptor, backoff retry.BackoffConfig, logger *logrus.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid credentials path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create credentials directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping credentials database: %w", err)
	}

	applied, err := migrations.Apply(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate credentials database: %w", err)
	}
	if len(applied) > 0 {
		logger.WithField("versions", applied).Info("Applied credential store migrations")
	}

	if encryptor == nil {
		encryptor = &Encryptor{}
	}

	return &Store{
		db:        db,
		encryptor: encryptor,
		backoff:   retry.NewBackoff(backoff),
		logger:    logger,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ref returns the reference stored on the session descriptor
func (s *Store) Ref(sessionID int64) string {
	return fmt.Sprintf("session_credentials/%d", sessionID)
}

// Load returns the saved material, or empty credentials when none exist
func (s *Store) Load(ctx context.Context, sessionID int64) (types.Credentials, error) {
	var (
		payload   string
		encrypted bool
	)
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			"SELECT payload, encrypted FROM session_credentials WHERE session_id = ?", sessionID,
		).Scan(&payload, &encrypted)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewCredentialsError("load", sessionID, err)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, apperrors.NewCredentialsError("decode", sessionID, err)
	}
	if encrypted {
		raw, err = s.encryptor.Open(raw)
		if err != nil {
			return nil, apperrors.NewCredentialsError("decrypt", sessionID, err)
		}
	}
	return types.Credentials(raw), nil
}

// Save replaces the session's material in one statement
func (s *Store) Save(ctx context.Context, sessionID int64, creds types.Credentials) error {
	sealed, err := s.encryptor.Seal(creds)
	if err != nil {
		return apperrors.NewCredentialsError("encrypt", sessionID, err)
	}
	payload := base64.StdEncoding.EncodeToString(sealed)

	err = s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_credentials (session_id, payload, encrypted, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id) DO UPDATE SET
				payload = excluded.payload,
				encrypted = excluded.encrypted,
				rotations = session_credentials.rotations + 1,
				updated_at = CURRENT_TIMESTAMP`,
			sessionID, payload, s.encryptor.Enabled())
		return err
	})
	if err != nil {
		return apperrors.NewCredentialsError("save", sessionID, err)
	}
	return nil
}

// Delete removes the session's material. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, sessionID int64) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM session_credentials WHERE session_id = ?", sessionID)
		return err
	})
	if err != nil {
		return apperrors.NewCredentialsError("delete", sessionID, err)
	}
	return nil
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	return s.backoff.RetryWithPredicate(ctx, op, retry.IsRetryableDBError)
}
