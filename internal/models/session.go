package models

import (
	"time"

	"whatsmgr/internal/constants"
)

// SessionStatus is the coarse state shown to CRM users
type SessionStatus string

const (
	StatusOpening      SessionStatus = "OPENING"
	StatusAwaitingScan SessionStatus = "qrcode"
	StatusConnected    SessionStatus = "CONNECTED"
	StatusDisconnected SessionStatus = "DISCONNECTED"
	StatusPending      SessionStatus = "PENDING"
	StatusTimeout      SessionStatus = "TIMEOUT"
)

// Terminal reports whether a fresh start request is needed to leave the status
func (s SessionStatus) Terminal() bool {
	return s == StatusDisconnected || s == StatusPending
}

// Session is the durable descriptor of one tenant's WhatsApp endpoint
type Session struct {
	ID             int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string        `gorm:"size:255;not null" json:"name"`
	TenantID       int64         `gorm:"index;not null" json:"tenantId"`
	AllowGroup     bool          `gorm:"not null;default:false" json:"allowGroup"`
	Status         SessionStatus `gorm:"size:32;index" json:"status"`
	QRCode         string        `gorm:"type:text" json:"qrcode"`
	CredentialRef  string        `gorm:"size:255" json:"session"`
	Retries        int           `gorm:"not null;default:0" json:"retries"`
	Number         string        `gorm:"size:128" json:"number"`
	ImportStartAt  *time.Time    `json:"importOldMessages,omitempty"`
	ImportEndAt    *time.Time    `json:"importRecentMessages,omitempty"`
	ImportProgress string        `gorm:"size:64" json:"statusImportMessages"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (Session) TableName() string {
	return "whatsapp_sessions"
}

// ImportConfigured reports whether both ends of the import window are set
func (s *Session) ImportConfigured() bool {
	return s.ImportStartAt != nil && s.ImportEndAt != nil
}

// ImportEligible reports whether a history import should be armed on open
func (s *Session) ImportEligible() bool {
	if !s.ImportConfigured() {
		return false
	}
	return s.ImportProgress != constants.ImportProgressRunning &&
		s.ImportProgress != constants.ImportProgressFinished
}

// ImportProgressTime parses the progress marker. Sentinels and empty markers
// report false.
func (s *Session) ImportProgressTime() (time.Time, bool) {
	if s.ImportProgress == "" ||
		s.ImportProgress == constants.ImportProgressRunning ||
		s.ImportProgress == constants.ImportProgressFinished {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s.ImportProgress)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SessionPatch is a partial descriptor update. Nil fields are left untouched.
type SessionPatch struct {
	Status         *SessionStatus
	QRCode         *string
	CredentialRef  *string
	Retries        *int
	Number         *string
	ImportProgress *string
}

// Empty reports whether the patch changes nothing
func (p SessionPatch) Empty() bool {
	return p.Status == nil && p.QRCode == nil && p.CredentialRef == nil &&
		p.Retries == nil && p.Number == nil && p.ImportProgress == nil
}

// Apply writes the patch onto an in-memory descriptor
func (p SessionPatch) Apply(s *Session) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.QRCode != nil {
		s.QRCode = *p.QRCode
	}
	if p.CredentialRef != nil {
		s.CredentialRef = *p.CredentialRef
	}
	if p.Retries != nil {
		s.Retries = *p.Retries
	}
	if p.Number != nil {
		s.Number = *p.Number
	}
	if p.ImportProgress != nil {
		s.ImportProgress = *p.ImportProgress
	}
}

// Columns renders the patch as a column map, so zero values are written too
func (p SessionPatch) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if p.Status != nil {
		cols["status"] = string(*p.Status)
	}
	if p.QRCode != nil {
		cols["qr_code"] = *p.QRCode
	}
	if p.CredentialRef != nil {
		cols["credential_ref"] = *p.CredentialRef
	}
	if p.Retries != nil {
		cols["retries"] = *p.Retries
	}
	if p.Number != nil {
		cols["number"] = *p.Number
	}
	if p.ImportProgress != nil {
		cols["import_progress"] = *p.ImportProgress
	}
	return cols
}

// StatusPtr and the helpers below build patch fields inline
func StatusPtr(s SessionStatus) *SessionStatus { return &s }
func StringPtr(s string) *string               { return &s }
func IntPtr(i int) *int                        { return &i }
