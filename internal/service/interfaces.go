package service

import (
	"context"

	"whatsmgr/internal/models"
	"whatsmgr/pkg/whatsapp/types"
)

// SessionRepository reads and patches session descriptors
type SessionRepository interface {
	FindSessionByID(ctx context.Context, id int64) (*models.Session, error)
	FindAllSessionsByTenant(ctx context.Context, tenantID int64) ([]models.Session, error)
	FindSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error)
	UpdateSession(ctx context.Context, id int64, patch models.SessionPatch) error
}

// CredentialStore persists the engine's authentication material
type CredentialStore interface {
	Load(ctx context.Context, sessionID int64) (types.Credentials, error)
	Save(ctx context.Context, sessionID int64, creds types.Credentials) error
	Delete(ctx context.Context, sessionID int64) error
	Ref(sessionID int64) string
}

// Notifier is the fire-and-forget real-time channel to UI clients
type Notifier interface {
	Publish(channel, event string, payload interface{})
}

// ExceptionSink receives setup and import failures
type ExceptionSink interface {
	CaptureException(ctx context.Context, err error)
}

// BacklogImporter durably stores a finished history backlog
type BacklogImporter interface {
	ImportBacklog(ctx context.Context, session *models.Session, msgs []types.WAMessage) error
}
