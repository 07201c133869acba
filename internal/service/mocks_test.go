package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/models"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/stretchr/testify/mock"
)

// Mock backlog importer
type mockImporter struct {
	mock.Mock
}

func (m *mockImporter) ImportBacklog(ctx context.Context, session *models.Session, msgs []types.WAMessage) error {
	args := m.Called(ctx, session, msgs)
	return args.Error(0)
}

// Mock exception sink
type mockExceptionSink struct {
	mock.Mock
}

func (m *mockExceptionSink) CaptureException(ctx context.Context, err error) {
	m.Called(ctx, err)
}

// fakeClock fires timers only when advanced. Callbacks run on the caller's
// goroutine without the clock lock held.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, remaining []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the number of armed timers
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeRepo is an in-memory SessionRepository
type fakeRepo struct {
	mu        sync.Mutex
	sessions  map[int64]*models.Session
	updateErr error
	findErr   error
	updates   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[int64]*models.Session)}
}

func (r *fakeRepo) add(s models.Session) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.sessions[s.ID] = &cp
	out := cp
	return &out
}

func (r *fakeRepo) get(id int64) models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return *s
	}
	return models.Session{}
}

func (r *fakeRepo) set(id int64, fn func(s *models.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.sessions[id])
}

func (r *fakeRepo) FindSessionByID(_ context.Context, id int64) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.NewSessionNotFoundError(id)
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) FindAllSessionsByTenant(_ context.Context, tenantID int64) ([]models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Session
	for _, s := range r.sessions {
		if s.TenantID == tenantID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) FindSessionsByStatus(_ context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Session
	for _, s := range r.sessions {
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, *s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) UpdateSession(_ context.Context, id int64, patch models.SessionPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	s, ok := r.sessions[id]
	if !ok {
		return apperrors.NewSessionNotFoundError(id)
	}
	patch.Apply(s)
	r.updates++
	return nil
}

// fakeCreds is an in-memory CredentialStore
type fakeCreds struct {
	mu      sync.Mutex
	data    map[int64]types.Credentials
	loadErr error
	saveErr error
	deletes []int64
	saves   int
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{data: make(map[int64]types.Credentials)}
}

func (c *fakeCreds) Load(_ context.Context, id int64) (types.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return c.data[id], nil
}

func (c *fakeCreds) Save(_ context.Context, id int64, creds types.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	if c.saveErr != nil {
		return c.saveErr
	}
	c.data[id] = creds
	return nil
}

func (c *fakeCreds) Delete(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	c.deletes = append(c.deletes, id)
	return nil
}

func (c *fakeCreds) Ref(id int64) string {
	return fmt.Sprintf("creds/%d", id)
}

func (c *fakeCreds) has(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[id]
	return ok
}

func (c *fakeCreds) deleted() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.deletes...)
}

type published struct {
	channel string
	event   string
	payload interface{}
}

// recordingNotifier keeps every published event
type recordingNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *recordingNotifier) Publish(channel, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{channel: channel, event: event, payload: payload})
}

func (n *recordingNotifier) byEvent(event string) []published {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []published
	for _, p := range n.events {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

// stubReconciler counts reconcile passes
type stubReconciler struct {
	mu    sync.Mutex
	calls int
	n     int
	err   error
}

func (s *stubReconciler) ReconcileSessions(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.n, s.err
}

func (s *stubReconciler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
