package types

import (
	"context"
	"time"
)

// Engine opens protocol sockets. Implementations own encryption, QR generation
// and wire encoding; this module only drives the lifecycle.
type Engine interface {
	Connect(ctx context.Context, opts ConnectOptions) (Socket, error)
}

// Socket is one live or opening protocol connection
type Socket interface {
	OnConnectionUpdate(handler func(ConnectionUpdate))
	OnCredentialsUpdate(handler func(Credentials))
	OnHistorySync(handler func(HistoryBatch))
	OnMessages(handler func([]WAMessage))
	RemoveAllListeners(event EventName)

	// DeviceID returns the device-bound identifier once authenticated, or ""
	DeviceID() string
	Logout(ctx context.Context) error
	Close() error
}

// RetryCounterStore is consulted by the engine before re-requesting an
// undelivered message. A miss means "unknown", never an error.
type RetryCounterStore interface {
	Get(key string) (int, bool)
	Set(key string, count int)
}

// MessageLookup answers "please resend message X" requests from recently
// seen message bodies
type MessageLookup interface {
	GetMessage(ctx context.Context, key MessageKey) (*WAMessage, bool)
}

// ConnectOptions carries everything the engine needs to open a socket
type ConnectOptions struct {
	SessionID      int64
	Name           string
	Credentials    Credentials
	RetryCache     RetryCounterStore
	MessageLookup  MessageLookup
	ConnectTimeout time.Duration
}
