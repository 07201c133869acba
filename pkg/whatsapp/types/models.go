package types

import (
	"strings"
	"time"
)

// Credentials is the opaque authentication material produced by the engine.
// An empty value means the session has to pair again.
type Credentials []byte

// Empty reports whether there is no saved material
func (c Credentials) Empty() bool {
	return len(c) == 0
}

// ConnectionUpdate is emitted whenever the socket state changes
type ConnectionUpdate struct {
	Connection ConnectionState `json:"connection,omitempty"`
	QR         string          `json:"qr,omitempty"`
	// StatusCode is set on close and carries the disconnect reason
	StatusCode DisconnectReason `json:"statusCode,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// IsQR reports whether the update carries a fresh pairing code
func (u ConnectionUpdate) IsQR() bool {
	return u.QR != ""
}

// MessageKey addresses one message
type MessageKey struct {
	ID        string `json:"id" bson:"id"`
	RemoteJID string `json:"remoteJid" bson:"remote_jid"`
	FromMe    bool   `json:"fromMe" bson:"from_me"`
	// Participant is the sender inside a group chat
	Participant string `json:"participant,omitempty" bson:"participant,omitempty"`
}

// WAMessage is a raw inbound message record as delivered by the engine
type WAMessage struct {
	Key       MessageKey `json:"key" bson:"key"`
	Timestamp time.Time  `json:"messageTimestamp" bson:"timestamp"`
	PushName  string     `json:"pushName,omitempty" bson:"push_name,omitempty"`
	// Body is the serialized message content
	Body []byte `json:"message,omitempty" bson:"body,omitempty"`
	// Protocol marks control frames (revokes, key distribution, app state)
	Protocol bool `json:"protocol,omitempty" bson:"-"`
}

// IsGroup reports whether the message belongs to a group chat
func (m WAMessage) IsGroup() bool {
	return strings.HasSuffix(m.Key.RemoteJID, GroupJIDSuffix)
}

// IsValid reports whether the record is a real chat message rather than a
// protocol control frame or a status broadcast
func (m WAMessage) IsValid() bool {
	if m.Key.ID == "" || m.Key.RemoteJID == "" {
		return false
	}
	if m.Protocol || len(m.Body) == 0 {
		return false
	}
	if m.Key.RemoteJID == StatusBroadcastJID || strings.HasSuffix(m.Key.RemoteJID, BroadcastJIDSuffix) {
		return false
	}
	return !m.Timestamp.IsZero()
}

// HistoryBatch is one bulk history push
type HistoryBatch struct {
	Messages []WAMessage
	IsLatest bool
}
