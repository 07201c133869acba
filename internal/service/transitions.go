package service

import (
	"whatsmgr/internal/models"
	"whatsmgr/pkg/whatsapp/types"
)

type eventKind int

const (
	eventIgnored eventKind = iota
	eventQR
	eventOpen
	eventClose
)

// sessionEvent is a connection update reduced to what the state machine reads
type sessionEvent struct {
	kind     eventKind
	qr       string
	reason   types.DisconnectReason
	deviceID string
}

func classifyUpdate(u types.ConnectionUpdate, deviceID string) sessionEvent {
	switch {
	case u.IsQR():
		return sessionEvent{kind: eventQR, qr: u.QR}
	case u.Connection == types.ConnectionOpen:
		return sessionEvent{kind: eventOpen, deviceID: deviceID}
	case u.Connection == types.ConnectionClose:
		return sessionEvent{kind: eventClose, reason: u.StatusCode}
	default:
		return sessionEvent{kind: eventIgnored}
	}
}

type command int

const (
	cmdPersist command = iota
	cmdNotify
	cmdCleanup
	cmdDetach
	cmdCloseSocket
	cmdRegister
	cmdUnregister
	cmdScheduleRestart
	cmdArmImport
)

var commandNames = map[command]string{
	cmdPersist:         "persist",
	cmdNotify:          "notify",
	cmdCleanup:         "cleanup",
	cmdDetach:          "detach",
	cmdCloseSocket:     "close_socket",
	cmdRegister:        "register",
	cmdUnregister:      "unregister",
	cmdScheduleRestart: "schedule_restart",
	cmdArmImport:       "arm_import",
}

func (c command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

type transitionInput struct {
	descriptor    models.Session
	event         sessionEvent
	qrCount       int
	maxQR         int
	credentialRef string
}

// transition is the outcome of one event. The manager persists patch, stores
// qrCount (or drops the entry) and runs commands in order.
type transition struct {
	patch       models.SessionPatch
	qrCount     int
	dropQRCount bool
	commands    []command
	// terminal ends the current attempt without a scheduled retry
	terminal bool
}

func (t transition) has(c command) bool {
	for _, cmd := range t.commands {
		if cmd == c {
			return true
		}
	}
	return false
}

// nextTransition maps (descriptor, event) to a patch and side effects. It
// performs no I/O.
func nextTransition(in transitionInput) transition {
	switch in.event.kind {
	case eventQR:
		return qrTransition(in)
	case eventOpen:
		return openTransition(in)
	case eventClose:
		return closeTransition(in)
	default:
		return transition{qrCount: in.qrCount}
	}
}

func qrTransition(in transitionInput) transition {
	count := in.qrCount + 1
	if count < in.maxQR {
		return transition{
			patch: models.SessionPatch{
				Status:  models.StatusPtr(models.StatusAwaitingScan),
				QRCode:  models.StringPtr(in.event.qr),
				Retries: models.IntPtr(0),
				Number:  models.StringPtr(""),
			},
			qrCount:  count,
			commands: []command{cmdPersist, cmdNotify},
		}
	}

	// Too many unscanned codes: wipe everything so the next start pairs from scratch.
	return transition{
		patch: models.SessionPatch{
			Status:        models.StatusPtr(models.StatusDisconnected),
			QRCode:        models.StringPtr(""),
			CredentialRef: models.StringPtr(""),
		},
		dropQRCount: true,
		commands:    []command{cmdPersist, cmdCleanup, cmdNotify, cmdDetach, cmdCloseSocket, cmdUnregister},
		terminal:    true,
	}
}

func openTransition(in transitionInput) transition {
	number := resolveNumber(in.event.deviceID)

	t := transition{
		patch: models.SessionPatch{
			Status:        models.StatusPtr(models.StatusConnected),
			QRCode:        models.StringPtr(""),
			Retries:       models.IntPtr(0),
			Number:        models.StringPtr(number),
			CredentialRef: models.StringPtr(in.credentialRef),
		},
		dropQRCount: true,
		commands:    []command{cmdPersist, cmdRegister, cmdNotify},
	}
	if in.descriptor.ImportEligible() {
		t.commands = append(t.commands, cmdArmImport)
	}
	return t
}

func closeTransition(in transitionInput) transition {
	switch in.event.reason {
	case types.DisconnectForbidden:
		return revokedTransition(false)
	case types.DisconnectLoggedOut:
		return revokedTransition(true)
	default:
		return transition{
			qrCount:  in.qrCount,
			commands: []command{cmdUnregister, cmdScheduleRestart},
		}
	}
}

// revokedTransition handles a session the remote side terminated. Logout
// retries with a clean slate; a ban does not.
func revokedTransition(retry bool) transition {
	t := transition{
		patch: models.SessionPatch{
			Status:        models.StatusPtr(models.StatusPending),
			QRCode:        models.StringPtr(""),
			CredentialRef: models.StringPtr(""),
		},
		dropQRCount: true,
		commands:    []command{cmdPersist, cmdCleanup, cmdNotify, cmdUnregister},
		terminal:    !retry,
	}
	if retry {
		t.commands = append(t.commands, cmdScheduleRestart)
	}
	return t
}
