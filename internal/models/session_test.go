package models

import (
	"testing"
	"time"

	"whatsmgr/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionPatch_ApplyAndColumns(t *testing.T) {
	s := &Session{ID: 1, Status: StatusAwaitingScan, QRCode: "2@abc", Retries: 2, Number: "x"}

	patch := SessionPatch{
		Status:  StatusPtr(StatusConnected),
		QRCode:  StringPtr(""),
		Retries: IntPtr(0),
	}
	patch.Apply(s)

	assert.Equal(t, StatusConnected, s.Status)
	assert.Empty(t, s.QRCode)
	assert.Equal(t, 0, s.Retries)
	assert.Equal(t, "x", s.Number, "nil fields stay untouched")

	assert.Equal(t, map[string]interface{}{
		"status":  "CONNECTED",
		"qr_code": "",
		"retries": 0,
	}, patch.Columns())
}

func TestSessionPatch_Empty(t *testing.T) {
	assert.True(t, SessionPatch{}.Empty())
	assert.False(t, SessionPatch{Number: StringPtr("")}.Empty())
}

func TestSession_ImportEligibility(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	tests := []struct {
		name     string
		session  Session
		expected bool
	}{
		{name: "no window", session: Session{}, expected: false},
		{name: "half window", session: Session{ImportStartAt: &start}, expected: false},
		{name: "fresh window", session: Session{ImportStartAt: &start, ImportEndAt: &end}, expected: true},
		{name: "stale timestamp marker", session: Session{ImportStartAt: &start, ImportEndAt: &end, ImportProgress: start.Format(time.RFC3339Nano)}, expected: true},
		{name: "running", session: Session{ImportStartAt: &start, ImportEndAt: &end, ImportProgress: constants.ImportProgressRunning}, expected: false},
		{name: "finished", session: Session{ImportStartAt: &start, ImportEndAt: &end, ImportProgress: constants.ImportProgressFinished}, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.session.ImportEligible())
		})
	}
}

func TestSession_ImportProgressTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s := Session{ImportProgress: now.Format(time.RFC3339Nano)}
	got, ok := s.ImportProgressTime()
	require.True(t, ok)
	assert.True(t, now.Equal(got))

	for _, marker := range []string{"", constants.ImportProgressRunning, constants.ImportProgressFinished, "garbage"} {
		_, ok := (&Session{ImportProgress: marker}).ImportProgressTime()
		assert.False(t, ok, marker)
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	assert.True(t, StatusDisconnected.Terminal())
	assert.True(t, StatusPending.Terminal())
	assert.False(t, StatusConnected.Terminal())
	assert.False(t, StatusAwaitingScan.Terminal())
}
