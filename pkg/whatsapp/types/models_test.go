package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWAMessage_IsGroup(t *testing.T) {
	assert.True(t, WAMessage{Key: MessageKey{RemoteJID: "120363041234567890@g.us"}}.IsGroup())
	assert.False(t, WAMessage{Key: MessageKey{RemoteJID: "5511999999999@s.whatsapp.net"}}.IsGroup())
}

func TestWAMessage_IsValid(t *testing.T) {
	now := time.Now()
	valid := WAMessage{
		Key:       MessageKey{ID: "ABC", RemoteJID: "5511999999999@s.whatsapp.net"},
		Timestamp: now,
		Body:      []byte(`{"conversation":"hi"}`),
	}

	tests := []struct {
		name     string
		mutate   func(m *WAMessage)
		expected bool
	}{
		{name: "valid chat message", mutate: func(m *WAMessage) {}, expected: true},
		{name: "missing id", mutate: func(m *WAMessage) { m.Key.ID = "" }, expected: false},
		{name: "missing chat", mutate: func(m *WAMessage) { m.Key.RemoteJID = "" }, expected: false},
		{name: "protocol frame", mutate: func(m *WAMessage) { m.Protocol = true }, expected: false},
		{name: "empty body", mutate: func(m *WAMessage) { m.Body = nil }, expected: false},
		{name: "status broadcast", mutate: func(m *WAMessage) { m.Key.RemoteJID = StatusBroadcastJID }, expected: false},
		{name: "zero timestamp", mutate: func(m *WAMessage) { m.Timestamp = time.Time{} }, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			assert.Equal(t, tt.expected, m.IsValid())
		})
	}
}

func TestDisconnectReason_String(t *testing.T) {
	assert.Equal(t, "logged_out", DisconnectLoggedOut.String())
	assert.Equal(t, "forbidden", DisconnectForbidden.String())
	assert.Equal(t, "connection_lost", DisconnectConnectionLost.String())
	assert.Equal(t, "unknown", DisconnectReason(999).String())
}

func TestConnectionUpdate_IsQR(t *testing.T) {
	assert.True(t, ConnectionUpdate{QR: "2@abc"}.IsQR())
	assert.False(t, ConnectionUpdate{Connection: ConnectionOpen}.IsQR())
}
