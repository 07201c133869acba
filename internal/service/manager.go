// Package service drives the lifecycle of tenant WhatsApp sessions.
package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"whatsmgr/internal/cache"
	"whatsmgr/internal/constants"
	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/metrics"
	"whatsmgr/internal/models"
	"whatsmgr/internal/notify"
	"whatsmgr/internal/registry"
	"whatsmgr/internal/tracing"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrManagerClosed = errors.New("session manager is closed")

// startConcurrency bounds how many sessions are connected in parallel on boot
// and during reconciliation
const startConcurrency = 8

// Options holds lifecycle timings
type Options struct {
	MaxQRAttempts       int
	ReconnectDelay      time.Duration
	ImportSettleDelay   time.Duration
	ImportProgressDelay time.Duration
	ImportStaleAfter    time.Duration
	ConnectTimeout      time.Duration
	// Verbose disables number masking in logs
	Verbose bool
}

func DefaultOptions() Options {
	return Options{
		MaxQRAttempts:       constants.DefaultMaxQRAttempts,
		ReconnectDelay:      time.Duration(constants.DefaultReconnectDelayMs) * time.Millisecond,
		ImportSettleDelay:   time.Duration(constants.DefaultImportSettleDelayMs) * time.Millisecond,
		ImportProgressDelay: time.Duration(constants.DefaultImportProgressDelayMs) * time.Millisecond,
		ImportStaleAfter:    time.Duration(constants.DefaultImportStaleAfterSec) * time.Second,
		ConnectTimeout:      time.Duration(constants.DefaultConnectTimeoutSec) * time.Second,
	}
}

// OptionsFromConfig converts the session config section, falling back to
// defaults for unset values
func OptionsFromConfig(cfg models.SessionConfig, verbose bool) Options {
	opts := DefaultOptions()
	opts.Verbose = verbose
	if cfg.MaxQRAttempts > 0 {
		opts.MaxQRAttempts = cfg.MaxQRAttempts
	}
	if cfg.ReconnectDelayMs > 0 {
		opts.ReconnectDelay = time.Duration(cfg.ReconnectDelayMs) * time.Millisecond
	}
	if cfg.ImportSettleDelayMs > 0 {
		opts.ImportSettleDelay = time.Duration(cfg.ImportSettleDelayMs) * time.Millisecond
	}
	if cfg.ImportProgressDelayMs > 0 {
		opts.ImportProgressDelay = time.Duration(cfg.ImportProgressDelayMs) * time.Millisecond
	}
	if cfg.ImportStaleAfterSec > 0 {
		opts.ImportStaleAfter = time.Duration(cfg.ImportStaleAfterSec) * time.Second
	}
	if cfg.ConnectTimeoutSec > 0 {
		opts.ConnectTimeout = time.Duration(cfg.ConnectTimeoutSec) * time.Second
	}
	return opts
}

// Dependencies are the collaborators a Manager drives. Engine, Repository,
// Credentials and Caches are required.
type Dependencies struct {
	Engine      types.Engine
	Repository  SessionRepository
	Credentials CredentialStore
	Caches      *cache.Caches
	Registry    *registry.Registry
	Notifier    Notifier
	Exceptions  ExceptionSink
	// Importer may be nil, in which case history imports are never armed
	Importer BacklogImporter
	Clock    Clock
	Logger   *logrus.Logger
}

// SessionNotification is published on the tenant channel for every
// descriptor change
type SessionNotification struct {
	Action  string         `json:"action"`
	Session models.Session `json:"session"`
}

// attempt is one connection attempt, from start until it is torn down or
// superseded
type attempt struct {
	id         string
	sessionID  int64
	tenantID   int64
	socket     types.Socket
	descriptor models.Session
	startedAt  time.Time
}

type pendingRestart struct {
	timer Timer
}

// Manager owns the lifecycle of every session handled by this process
type Manager struct {
	engine     types.Engine
	repo       SessionRepository
	creds      CredentialStore
	caches     *cache.Caches
	registry   *registry.Registry
	notifier   Notifier
	exceptions ExceptionSink
	clock      Clock
	logger     *logrus.Logger
	opts       Options

	qr      *qrCounter
	actors  *actors
	imports *historyImporter
	starts  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts map[int64]*attempt
	restarts map[int64]*pendingRestart
	closed   bool
}

func NewManager(deps Dependencies, opts Options) (*Manager, error) {
	switch {
	case deps.Engine == nil:
		return nil, apperrors.NewInvalidInputError("engine", "protocol engine is required")
	case deps.Repository == nil:
		return nil, apperrors.NewInvalidInputError("repository", "session repository is required")
	case deps.Credentials == nil:
		return nil, apperrors.NewInvalidInputError("credentials", "credential store is required")
	case deps.Caches == nil:
		return nil, apperrors.NewInvalidInputError("caches", "protocol caches are required")
	}

	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Exceptions == nil {
		deps.Exceptions = tracing.NewExceptionSink(deps.Logger)
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if opts.MaxQRAttempts <= 0 {
		opts.MaxQRAttempts = constants.DefaultMaxQRAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = time.Duration(constants.DefaultConnectTimeoutSec) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine:     deps.Engine,
		repo:       deps.Repository,
		creds:      deps.Credentials,
		caches:     deps.Caches,
		registry:   deps.Registry,
		notifier:   deps.Notifier,
		exceptions: deps.Exceptions,
		clock:      deps.Clock,
		logger:     deps.Logger,
		opts:       opts,
		qr:         newQRCounter(),
		actors:     newActors(),
		ctx:        ctx,
		cancel:     cancel,
		attempts:   make(map[int64]*attempt),
		restarts:   make(map[int64]*pendingRestart),
	}
	m.imports = newHistoryImporter(historyImporterConfig{
		repo:          deps.Repository,
		notifier:      deps.Notifier,
		sink:          deps.Importer,
		exceptions:    deps.Exceptions,
		clock:         deps.Clock,
		logger:        deps.Logger,
		post:          m.actors.post,
		ctx:           ctx,
		progressDelay: opts.ImportProgressDelay,
		staleAfter:    opts.ImportStaleAfter,
		resume:        m.resumeImport,
	})
	return m, nil
}

// StartSession opens a connection for the descriptor. Concurrent starts for
// one session share a single connect, and a start while the session is
// already opening or live is a no-op. Setup failures are reported to the
// exception sink and returned; no registry entry is left behind.
func (m *Manager) StartSession(ctx context.Context, descriptor *models.Session, tenantID int64) error {
	if descriptor == nil || descriptor.ID <= 0 {
		return apperrors.NewInvalidInputError("session", "a session descriptor with an id is required")
	}

	d := *descriptor
	_, err, shared := m.starts.Do(strconv.FormatInt(d.ID, 10), func() (interface{}, error) {
		return nil, m.start(ctx, d, tenantID)
	})
	if shared {
		m.logger.WithField(LogFieldSession, d.ID).Debug("Joined in-flight session start")
	}
	return err
}

func (m *Manager) start(ctx context.Context, descriptor models.Session, tenantID int64) error {
	id := descriptor.ID
	ctx, span := tracing.StartSpan(ctx, "session.start", tracing.SessionAttributes(id, tenantID)...)
	defer span.End()

	att, err := m.claim(descriptor, tenantID)
	if err != nil {
		return err
	}
	if att == nil {
		m.logger.WithField(LogFieldSession, id).Debug("Skipping start: session already opening or live")
		return nil
	}

	logger := m.logger.WithFields(logrus.Fields{
		LogFieldSession: id,
		LogFieldTenant:  tenantID,
		LogFieldAttempt: att.id,
	})
	logger.Info("Starting session")

	creds, err := m.creds.Load(ctx, id)
	if err != nil {
		return m.failStart(ctx, att, "load_credentials", err)
	}

	opening := models.SessionPatch{Status: models.StatusPtr(models.StatusOpening)}
	if err := m.repo.UpdateSession(ctx, id, opening); err != nil {
		apperrors.LogError(m.logger, err, "Failed to persist opening status", logrus.Fields{LogFieldSession: id})
	}
	opening.Apply(&att.descriptor)
	m.publishSession(att.tenantID, att.descriptor)

	connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ConnectTimeout)
	defer cancel()

	view := m.caches.ForSession(id)
	socket, err := m.engine.Connect(connectCtx, types.ConnectOptions{
		SessionID:      id,
		Name:           descriptor.Name,
		Credentials:    creds,
		RetryCache:     view,
		MessageLookup:  view,
		ConnectTimeout: m.opts.ConnectTimeout,
	})
	if err != nil {
		return m.failStart(ctx, att, "connect", err)
	}

	if !m.bindSocket(att, socket) {
		logger.Info("Start superseded while connecting, closing socket")
		if err := socket.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close superseded socket")
		}
		return nil
	}
	m.subscribe(att)

	metrics.IncrementCounter("session_starts_total", nil, "Session connection attempts")
	logger.WithField(LogFieldDuration, time.Since(att.startedAt).Milliseconds()).Debug("Session socket connected")
	return nil
}

// claim reserves the session for a new attempt. It returns nil when the
// session already has an opening or live attempt.
func (m *Manager) claim(descriptor models.Session, tenantID int64) (*attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.attempts[descriptor.ID]; ok {
		return nil, nil
	}
	if _, ok := m.registry.Find(descriptor.ID); ok {
		return nil, nil
	}
	if pr, ok := m.restarts[descriptor.ID]; ok {
		pr.timer.Stop()
		delete(m.restarts, descriptor.ID)
	}

	att := &attempt{
		id:         uuid.NewString(),
		sessionID:  descriptor.ID,
		tenantID:   tenantID,
		descriptor: descriptor,
		startedAt:  time.Now(),
	}
	m.attempts[descriptor.ID] = att
	return att, nil
}

func (m *Manager) bindSocket(att *attempt, socket types.Socket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts[att.sessionID] != att {
		return false
	}
	att.socket = socket
	return true
}

func (m *Manager) release(att *attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts[att.sessionID] == att {
		delete(m.attempts, att.sessionID)
	}
}

func (m *Manager) current(att *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[att.sessionID] == att
}

func (m *Manager) failStart(ctx context.Context, att *attempt, stage string, cause error) error {
	m.release(att)

	err := apperrors.NewSessionSetupError(att.sessionID, stage, cause)
	m.exceptions.CaptureException(ctx, err)
	metrics.IncrementCounter("session_start_failures_total", map[string]string{"stage": stage}, "Session starts that failed during setup")
	return err
}

func (m *Manager) subscribe(att *attempt) {
	id := att.sessionID
	att.socket.OnConnectionUpdate(func(u types.ConnectionUpdate) {
		m.actors.post(id, func() { m.handleConnectionUpdate(att, u) })
	})
	att.socket.OnCredentialsUpdate(func(creds types.Credentials) {
		m.actors.post(id, func() { m.handleCredentialsUpdate(att, creds) })
	})
	att.socket.OnMessages(func(msgs []types.WAMessage) {
		m.caches.RememberMessages(id, msgs)
	})
}

func (m *Manager) handleConnectionUpdate(att *attempt, u types.ConnectionUpdate) {
	id := att.sessionID
	if !m.current(att) {
		m.logger.WithFields(logrus.Fields{
			LogFieldSession: id,
			LogFieldAttempt: att.id,
		}).Debug("Ignoring event from superseded attempt")
		return
	}

	ev := classifyUpdate(u, att.socket.DeviceID())
	if ev.kind == eventIgnored {
		return
	}

	_, span := tracing.StartSpan(m.ctx, "session.connection_update", tracing.SessionAttributes(id, att.tenantID)...)
	defer span.End()
	if ev.kind == eventClose {
		span.SetAttributes(tracing.AttrReason.String(ev.reason.String()))
	}

	qrCount := m.qr.Get(id)
	t := nextTransition(transitionInput{
		descriptor:    att.descriptor,
		event:         ev,
		qrCount:       qrCount,
		maxQR:         m.opts.MaxQRAttempts,
		credentialRef: m.creds.Ref(id),
	})
	if t.dropQRCount {
		m.qr.Drop(id)
	} else if t.qrCount != qrCount {
		m.qr.Set(id, t.qrCount)
	}

	if t.patch.Status != nil {
		span.SetAttributes(tracing.AttrStatus.String(string(*t.patch.Status)))
	}
	m.logTransition(att, ev, t)
	m.execute(att, t)
}

func (m *Manager) logTransition(att *attempt, ev sessionEvent, t transition) {
	entry := m.logger.WithFields(logrus.Fields{
		LogFieldSession: att.sessionID,
		LogFieldTenant:  att.tenantID,
		LogFieldAttempt: att.id,
	})
	entry.WithField("commands", t.commands).Debug("Applying session transition")

	switch ev.kind {
	case eventQR:
		metrics.IncrementCounter("session_events_total", map[string]string{"event": "qr"}, "Connection updates handled")
		if t.terminal {
			entry.WithField(LogFieldQRCount, m.opts.MaxQRAttempts).Warn("QR code never scanned, disconnecting session")
			return
		}
		entry.WithField(LogFieldQRCount, t.qrCount).Debug("QR code issued")
	case eventOpen:
		metrics.IncrementCounter("session_events_total", map[string]string{"event": "open"}, "Connection updates handled")
		entry.WithField(LogFieldNumber, numberField(m.opts.Verbose, ev.deviceID)).Info("Session opened")
	case eventClose:
		metrics.IncrementCounter("session_events_total", map[string]string{"event": "close"}, "Connection updates handled")
		entry = entry.WithFields(logrus.Fields{
			LogFieldStatusCode: int(ev.reason),
			LogFieldReason:     ev.reason.String(),
		})
		if t.patch.Status != nil {
			entry.WithField(LogFieldStatus, *t.patch.Status).Warn("Session revoked by remote side")
			return
		}
		entry.Info("Session closed, reconnecting")
	}
}

// execute runs the transition's commands in order. Every failure is logged
// and swallowed.
func (m *Manager) execute(att *attempt, t transition) {
	id := att.sessionID
	for _, cmd := range t.commands {
		switch cmd {
		case cmdPersist:
			if t.patch.Empty() {
				continue
			}
			if err := m.repo.UpdateSession(m.ctx, id, t.patch); err != nil {
				apperrors.LogError(m.logger, err, "Failed to persist session state", logrus.Fields{LogFieldSession: id})
			}
			t.patch.Apply(&att.descriptor)
		case cmdNotify:
			m.publishSession(att.tenantID, att.descriptor)
		case cmdCleanup:
			m.cleanup(id)
		case cmdDetach:
			detachAll(att.socket)
		case cmdCloseSocket:
			if err := att.socket.Close(); err != nil {
				m.logger.WithError(err).WithField(LogFieldSession, id).Warn("Failed to close socket")
			}
		case cmdRegister:
			m.register(att)
		case cmdUnregister:
			m.unregister(att)
		case cmdScheduleRestart:
			m.scheduleRestart(id, att.tenantID)
		case cmdArmImport:
			m.armImport(att)
		}
	}
}

func (m *Manager) register(att *attempt) {
	handle := &registry.Handle{
		SessionID: att.sessionID,
		TenantID:  att.tenantID,
		Socket:    att.socket,
		AttemptID: att.id,
		StartedAt: att.startedAt,
	}
	if !m.registry.InsertIfAbsent(att.sessionID, handle) {
		m.logger.WithField(LogFieldSession, att.sessionID).Warn("Session already registered, keeping existing handle")
		return
	}
	metrics.SetGauge("live_sessions", float64(m.registry.Len()), nil, "Sessions with a registered live handle")
}

// unregister ends the attempt and drops its handle. A newer handle for the
// same session is left alone.
func (m *Manager) unregister(att *attempt) {
	m.release(att)
	m.registry.RemoveSocket(att.sessionID, att.socket)
	m.imports.cancel(att.sessionID)
	metrics.SetGauge("live_sessions", float64(m.registry.Len()), nil, "Sessions with a registered live handle")
}

// cleanup wipes everything tied to the session's credentials
func (m *Manager) cleanup(sessionID int64) {
	if err := m.creds.Delete(m.ctx, sessionID); err != nil {
		apperrors.LogError(m.logger, err, "Failed to delete session credentials", logrus.Fields{LogFieldSession: sessionID})
	}
	m.caches.InvalidateSession(sessionID)
}

func (m *Manager) handleCredentialsUpdate(att *attempt, creds types.Credentials) {
	if !m.current(att) {
		return
	}
	if err := m.creds.Save(m.ctx, att.sessionID, creds); err != nil {
		apperrors.LogError(m.logger, err, "Failed to save rotated credentials", logrus.Fields{LogFieldSession: att.sessionID})
		return
	}
	metrics.IncrementCounter("credential_rotations_total", nil, "Credential updates persisted")
}

func (m *Manager) scheduleRestart(sessionID, tenantID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if pr, ok := m.restarts[sessionID]; ok {
		pr.timer.Stop()
	}
	pr := &pendingRestart{}
	pr.timer = m.clock.AfterFunc(m.opts.ReconnectDelay, func() {
		m.runRestart(sessionID, tenantID, pr)
	})
	m.restarts[sessionID] = pr
	metrics.IncrementCounter("session_restarts_scheduled_total", nil, "Reconnects scheduled after a close")
}

// runRestart re-reads the descriptor so the new attempt sees the state the
// close left behind
func (m *Manager) runRestart(sessionID, tenantID int64, pr *pendingRestart) {
	m.mu.Lock()
	if m.closed || m.restarts[sessionID] != pr {
		m.mu.Unlock()
		return
	}
	delete(m.restarts, sessionID)
	m.mu.Unlock()

	descriptor, err := m.repo.FindSessionByID(m.ctx, sessionID)
	if err != nil {
		apperrors.LogError(m.logger, err, "Failed to load session for restart", logrus.Fields{LogFieldSession: sessionID})
		return
	}
	if err := m.StartSession(m.ctx, descriptor, tenantID); err != nil {
		m.logger.WithError(err).WithField(LogFieldSession, sessionID).Error("Scheduled session restart failed")
	}
}

func (m *Manager) armImport(att *attempt) {
	m.clock.AfterFunc(m.opts.ImportSettleDelay, func() {
		m.actors.post(att.sessionID, func() {
			if !m.current(att) {
				return
			}
			m.imports.arm(att.sessionID, att.tenantID, att.socket)
		})
	})
}

// resumeImport arms the import again on the session's live socket
func (m *Manager) resumeImport(sessionID int64) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	h, ok := m.registry.Find(sessionID)
	if !ok {
		return
	}
	m.imports.arm(sessionID, h.TenantID, h.Socket)
}

func (m *Manager) publishSession(tenantID int64, descriptor models.Session) {
	m.notifier.Publish(notify.TenantChannel(tenantID), notify.EventWhatsAppSession, SessionNotification{
		Action:  "update",
		Session: descriptor,
	})
}

// GetLiveHandle returns the registered handle for a session
func (m *Manager) GetLiveHandle(sessionID int64) (*registry.Handle, error) {
	h, ok := m.registry.Find(sessionID)
	if !ok {
		return nil, apperrors.NewSessionNotFoundError(sessionID)
	}
	return h, nil
}

// RemoveSession tears down a session. The socket is always closed; with
// logout the remote device link is revoked before the close. Logout and close
// failures are logged and ignored. Removing an unknown session is a no-op.
func (m *Manager) RemoveSession(ctx context.Context, sessionID int64, logout bool) {
	ctx, span := tracing.StartSpan(ctx, "session.remove", tracing.AttrSessionID.Int64(sessionID))
	defer span.End()

	m.actors.get(sessionID).call(func() {
		m.remove(ctx, sessionID, logout)
	})
}

func (m *Manager) remove(ctx context.Context, sessionID int64, logout bool) {
	m.mu.Lock()
	att := m.attempts[sessionID]
	delete(m.attempts, sessionID)
	if pr, ok := m.restarts[sessionID]; ok {
		pr.timer.Stop()
		delete(m.restarts, sessionID)
	}
	m.mu.Unlock()
	m.imports.cancel(sessionID)

	var socket types.Socket
	handle, live := m.registry.Find(sessionID)
	switch {
	case live:
		socket = handle.Socket
	case att != nil && att.socket != nil:
		socket = att.socket
	default:
		m.logger.WithField(LogFieldSession, sessionID).Debug("Skipping removal: no live session")
		return
	}

	logger := m.logger.WithFields(logrus.Fields{LogFieldSession: sessionID, "logout": logout})
	detachAll(socket)
	if logout {
		if err := socket.Logout(ctx); err != nil {
			logger.WithError(err).Warn("Failed to log out session")
		}
	}
	if err := socket.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close session socket")
	}

	m.registry.Remove(sessionID)
	metrics.SetGauge("live_sessions", float64(m.registry.Len()), nil, "Sessions with a registered live handle")
	logger.Info("Session removed")
}

// RestartTenantSessions closes every live socket of the tenant without
// logging out. Handles registered under the tenant whose descriptor is no
// longer listed are closed too. Reconnection follows from the resulting
// close events.
func (m *Manager) RestartTenantSessions(ctx context.Context, tenantID int64) error {
	sessions, err := m.repo.FindAllSessionsByTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	handles := make(map[int64]*registry.Handle, len(sessions))
	for _, s := range sessions {
		if h, ok := m.registry.Find(s.ID); ok {
			handles[s.ID] = h
		}
	}
	for _, h := range m.registry.ByTenant(tenantID) {
		if _, ok := handles[h.SessionID]; !ok {
			m.logger.WithField(LogFieldSession, h.SessionID).Warn("Live handle has no stored descriptor for its tenant")
			handles[h.SessionID] = h
		}
	}

	closed := 0
	for id, h := range handles {
		if err := h.Socket.Close(); err != nil {
			m.logger.WithError(err).WithField(LogFieldSession, id).Warn("Failed to close session socket")
			continue
		}
		closed++
	}

	m.logger.WithFields(logrus.Fields{
		LogFieldTenant: tenantID,
		LogFieldCount:  closed,
	}).Info("Tenant sessions restarted")
	return nil
}

// StartAllSessions starts every descriptor that is not in a terminal state.
// All sessions are attempted; the first setup error is returned.
func (m *Manager) StartAllSessions(ctx context.Context) error {
	sessions, err := m.repo.FindSessionsByStatus(ctx,
		models.StatusOpening, models.StatusAwaitingScan, models.StatusConnected, models.StatusTimeout)
	if err != nil {
		return err
	}

	m.logger.WithField(LogFieldCount, len(sessions)).Info("Starting stored sessions")
	return m.startEach(ctx, sessions)
}

// ReconcileSessions restarts sessions stored as connected that have neither a
// live handle, an opening attempt nor a pending restart. It returns how many
// starts were issued.
func (m *Manager) ReconcileSessions(ctx context.Context) (int, error) {
	sessions, err := m.repo.FindSessionsByStatus(ctx, models.StatusConnected)
	if err != nil {
		return 0, err
	}

	var orphaned []models.Session
	m.mu.Lock()
	for _, s := range sessions {
		if _, ok := m.attempts[s.ID]; ok {
			continue
		}
		if _, ok := m.restarts[s.ID]; ok {
			continue
		}
		if _, ok := m.registry.Find(s.ID); ok {
			continue
		}
		orphaned = append(orphaned, s)
	}
	m.mu.Unlock()

	if len(orphaned) == 0 {
		return 0, nil
	}
	m.logger.WithField(LogFieldCount, len(orphaned)).Info("Reconciling orphaned sessions")
	metrics.AddToCounter("sessions_reconciled_total", float64(len(orphaned)), nil, "Connected sessions restarted by the reconciler")
	return len(orphaned), m.startEach(ctx, orphaned)
}

func (m *Manager) startEach(ctx context.Context, sessions []models.Session) error {
	var g errgroup.Group
	g.SetLimit(startConcurrency)
	for i := range sessions {
		s := sessions[i]
		g.Go(func() error {
			return m.StartSession(ctx, &s, s.TenantID)
		})
	}
	return g.Wait()
}

// Close stops pending timers and closes every socket without logging out.
// Descriptors keep their last status so the next boot resumes them.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, pr := range m.restarts {
		pr.timer.Stop()
		delete(m.restarts, id)
	}
	sockets := make(map[int64]types.Socket, len(m.attempts))
	for id, att := range m.attempts {
		if att.socket != nil {
			sockets[id] = att.socket
		}
		delete(m.attempts, id)
	}
	m.mu.Unlock()

	m.imports.closeAll()
	for _, id := range m.registry.IDs() {
		// a start racing with shutdown may swap the handle; close whichever
		// one is actually removed
		for {
			h, ok := m.registry.Find(id)
			if !ok {
				break
			}
			if m.registry.RemoveHandle(id, h) {
				sockets[id] = h.Socket
				break
			}
		}
	}
	for id, socket := range sockets {
		detachAll(socket)
		if err := socket.Close(); err != nil {
			m.logger.WithError(err).WithField(LogFieldSession, id).Warn("Failed to close session socket")
		}
	}
	m.cancel()
	m.logger.WithField(LogFieldCount, len(sockets)).Info("Session manager closed")
}

func detachAll(socket types.Socket) {
	socket.RemoveAllListeners(types.EventConnectionUpdate)
	socket.RemoveAllListeners(types.EventCredentialsUpdate)
	socket.RemoveAllListeners(types.EventHistorySync)
	socket.RemoveAllListeners(types.EventMessagesUpsert)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, interface{}) {}
