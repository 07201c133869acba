// Package loopback provides an in-memory protocol engine. Sockets never touch
// the network; tests and local development drive them through the Emit methods.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"whatsmgr/pkg/whatsapp/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options tune the engine's automatic behaviour
type Options struct {
	// AutoPair emits a QR update when connecting without credentials, and an
	// open update (plus fresh credentials) when credentials exist
	AutoPair bool
	// ConnectErr, when set, is returned by every Connect call
	ConnectErr error
}

// Engine is an in-memory types.Engine
type Engine struct {
	logger *logrus.Logger
	opts   Options

	mu       sync.Mutex
	sockets  map[int64][]*Socket
	connects int64
}

// NewEngine creates a loopback engine
func NewEngine(logger *logrus.Logger, opts Options) *Engine {
	return &Engine{
		logger:  logger,
		opts:    opts,
		sockets: make(map[int64][]*Socket),
	}
}

// Connect opens a new loopback socket for the session
func (e *Engine) Connect(ctx context.Context, opts types.ConnectOptions) (types.Socket, error) {
	atomic.AddInt64(&e.connects, 1)

	e.mu.Lock()
	connectErr := e.opts.ConnectErr
	e.mu.Unlock()
	if connectErr != nil {
		return nil, connectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Socket{
		sessionID: opts.SessionID,
		opts:      opts,
		listeners: make(map[types.EventName]int),
	}

	e.mu.Lock()
	e.sockets[opts.SessionID] = append(e.sockets[opts.SessionID], s)
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"session":         opts.SessionID,
		"has_credentials": !opts.Credentials.Empty(),
	}).Debug("Loopback socket opened")

	if e.opts.AutoPair {
		go e.autoPair(s)
	}

	return s, nil
}

// SetConnectError makes subsequent Connect calls fail with err (nil clears it)
func (e *Engine) SetConnectError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.ConnectErr = err
}

// ConnectCount returns how many times Connect has been called
func (e *Engine) ConnectCount() int {
	return int(atomic.LoadInt64(&e.connects))
}

// Sockets returns every socket opened for a session, oldest first
func (e *Engine) Sockets(sessionID int64) []*Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Socket, len(e.sockets[sessionID]))
	copy(out, e.sockets[sessionID])
	return out
}

// Latest returns the most recent socket for a session, or nil
func (e *Engine) Latest(sessionID int64) *Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.sockets[sessionID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (e *Engine) autoPair(s *Socket) {
	if !s.waitForListener(types.EventConnectionUpdate) {
		return
	}

	if s.opts.Credentials.Empty() {
		s.EmitConnectionUpdate(types.ConnectionUpdate{QR: fmt.Sprintf("2@%s", uuid.NewString())})
		return
	}
	s.SetDeviceID(fmt.Sprintf("loopback-%d%s", s.sessionID, types.UserJIDSuffix))
	s.EmitCredentialsUpdate(s.opts.Credentials)
	s.EmitConnectionUpdate(types.ConnectionUpdate{Connection: types.ConnectionOpen})
}

// Socket is an in-memory types.Socket
type Socket struct {
	sessionID int64
	opts      types.ConnectOptions

	mu          sync.Mutex
	onUpdate    []func(types.ConnectionUpdate)
	onCreds     []func(types.Credentials)
	onHistory   []func(types.HistoryBatch)
	onMessages  []func([]types.WAMessage)
	listeners   map[types.EventName]int
	listenersCh chan struct{}
	deviceID    string
	logoutErr   error
	closeErr    error
	closed      bool

	logouts int
	closes  int
}

// Options returns the options the socket was opened with
func (s *Socket) Options() types.ConnectOptions {
	return s.opts
}

func (s *Socket) OnConnectionUpdate(handler func(types.ConnectionUpdate)) {
	s.mu.Lock()
	s.onUpdate = append(s.onUpdate, handler)
	s.addListenerLocked(types.EventConnectionUpdate)
	s.mu.Unlock()
}

func (s *Socket) OnCredentialsUpdate(handler func(types.Credentials)) {
	s.mu.Lock()
	s.onCreds = append(s.onCreds, handler)
	s.addListenerLocked(types.EventCredentialsUpdate)
	s.mu.Unlock()
}

func (s *Socket) OnHistorySync(handler func(types.HistoryBatch)) {
	s.mu.Lock()
	s.onHistory = append(s.onHistory, handler)
	s.addListenerLocked(types.EventHistorySync)
	s.mu.Unlock()
}

func (s *Socket) OnMessages(handler func([]types.WAMessage)) {
	s.mu.Lock()
	s.onMessages = append(s.onMessages, handler)
	s.addListenerLocked(types.EventMessagesUpsert)
	s.mu.Unlock()
}

// RemoveAllListeners drops every handler attached for the event
func (s *Socket) RemoveAllListeners(event types.EventName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event {
	case types.EventConnectionUpdate:
		s.onUpdate = nil
	case types.EventCredentialsUpdate:
		s.onCreds = nil
	case types.EventHistorySync:
		s.onHistory = nil
	case types.EventMessagesUpsert:
		s.onMessages = nil
	}
	delete(s.listeners, event)
}

// ListenerCount returns the number of handlers attached for the event
func (s *Socket) ListenerCount(event types.EventName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[event]
}

func (s *Socket) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// SetDeviceID sets the identifier reported once the socket is authenticated
func (s *Socket) SetDeviceID(id string) {
	s.mu.Lock()
	s.deviceID = id
	s.mu.Unlock()
}

// FailLogout makes Logout return err
func (s *Socket) FailLogout(err error) {
	s.mu.Lock()
	s.logoutErr = err
	s.mu.Unlock()
}

// FailClose makes Close return err
func (s *Socket) FailClose(err error) {
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
}

func (s *Socket) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return s.logoutErr
}

// Close emits a ConnectionClosed update to the attached handlers the first
// time it succeeds. Later calls only count.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closes++
	if s.closeErr != nil || s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.wakeLocked()
	handlers := append([]func(types.ConnectionUpdate){}, s.onUpdate...)
	s.mu.Unlock()

	update := types.ConnectionUpdate{Connection: types.ConnectionClose, StatusCode: types.DisconnectConnectionClosed}
	for _, h := range handlers {
		h(update)
	}
	return nil
}

// Closed reports whether Close has succeeded
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LogoutCalls returns how many times Logout was invoked
func (s *Socket) LogoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

// CloseCalls returns how many times Close was invoked
func (s *Socket) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// EmitConnectionUpdate delivers an update to every attached handler
func (s *Socket) EmitConnectionUpdate(update types.ConnectionUpdate) {
	s.mu.Lock()
	handlers := append([]func(types.ConnectionUpdate){}, s.onUpdate...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(update)
	}
}

// EmitCredentialsUpdate delivers rotated credentials
func (s *Socket) EmitCredentialsUpdate(creds types.Credentials) {
	s.mu.Lock()
	handlers := append([]func(types.Credentials){}, s.onCreds...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(creds)
	}
}

// EmitHistorySync delivers one history push
func (s *Socket) EmitHistorySync(batch types.HistoryBatch) {
	s.mu.Lock()
	handlers := append([]func(types.HistoryBatch){}, s.onHistory...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(batch)
	}
}

// EmitMessages delivers live inbound messages
func (s *Socket) EmitMessages(msgs []types.WAMessage) {
	s.mu.Lock()
	handlers := append([]func([]types.WAMessage){}, s.onMessages...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(msgs)
	}
}

// EmitClose emits a close update carrying the reason
func (s *Socket) EmitClose(reason types.DisconnectReason) {
	s.EmitConnectionUpdate(types.ConnectionUpdate{Connection: types.ConnectionClose, StatusCode: reason})
}

func (s *Socket) addListenerLocked(event types.EventName) {
	s.listeners[event]++
	s.wakeLocked()
}

func (s *Socket) wakeLocked() {
	if s.listenersCh != nil {
		close(s.listenersCh)
		s.listenersCh = nil
	}
}

// waitForListener blocks until a handler is attached for the event. It
// returns false once the socket is closed.
func (s *Socket) waitForListener(event types.EventName) bool {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false
		}
		if s.listeners[event] > 0 {
			s.mu.Unlock()
			return true
		}
		if s.listenersCh == nil {
			s.listenersCh = make(chan struct{})
		}
		ch := s.listenersCh
		s.mu.Unlock()
		<-ch
	}
}
