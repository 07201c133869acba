package types

// EventName identifies a socket event stream that listeners can be attached to
type EventName string

const (
	EventConnectionUpdate  EventName = "connection.update"
	EventCredentialsUpdate EventName = "creds.update"
	EventHistorySync       EventName = "messaging-history.set"
	EventMessagesUpsert    EventName = "messages.upsert"
)

// ConnectionState is the coarse socket state carried by a connection update
type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// DisconnectReason codes reported by the protocol engine when a socket closes.
// They mirror HTTP-ish status codes used by the multi-device protocol.
type DisconnectReason int

const (
	DisconnectLoggedOut           DisconnectReason = 401
	DisconnectForbidden           DisconnectReason = 403
	DisconnectConnectionLost      DisconnectReason = 408
	DisconnectMultideviceMismatch DisconnectReason = 411
	DisconnectConnectionClosed    DisconnectReason = 428
	DisconnectConnectionReplaced  DisconnectReason = 440
	DisconnectBadSession          DisconnectReason = 500
	DisconnectUnavailableService  DisconnectReason = 503
	DisconnectRestartRequired     DisconnectReason = 515
)

// String returns a short human readable name for logs
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectLoggedOut:
		return "logged_out"
	case DisconnectForbidden:
		return "forbidden"
	case DisconnectConnectionLost:
		return "connection_lost"
	case DisconnectMultideviceMismatch:
		return "multidevice_mismatch"
	case DisconnectConnectionClosed:
		return "connection_closed"
	case DisconnectConnectionReplaced:
		return "connection_replaced"
	case DisconnectBadSession:
		return "bad_session"
	case DisconnectUnavailableService:
		return "unavailable_service"
	case DisconnectRestartRequired:
		return "restart_required"
	default:
		return "unknown"
	}
}

// JID suffixes used to tell chat kinds apart
const (
	UserJIDSuffix      = "@s.whatsapp.net"
	GroupJIDSuffix     = "@g.us"
	BroadcastJIDSuffix = "@broadcast"
	StatusBroadcastJID = "status@broadcast"
)
