// Package cache holds the two best-effort caches handed to the protocol
// engine: message retry counters and recently seen message bodies.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"whatsmgr/internal/metrics"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Policy bounds one cache
type Policy struct {
	MaxEntries int
	TTL        time.Duration
	// SweepInterval is how often the size gauge is refreshed. Expired entries
	// are purged in the background by the LRU itself.
	SweepInterval time.Duration
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if p.MaxEntries <= 0 {
		return fmt.Errorf("max entries must be positive, got %d", p.MaxEntries)
	}
	if p.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", p.TTL)
	}
	if p.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", p.SweepInterval)
	}
	return nil
}

// Store is a bounded, expiring key/value cache. A miss is never an error.
type Store[V any] struct {
	name   string
	lru    *expirable.LRU[string, V]
	policy Policy
	stopCh chan struct{}
	once   sync.Once
}

// NewStore creates a cache and starts its gauge ticker
func NewStore[V any](name string, policy Policy) (*Store[V], error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s cache policy: %w", name, err)
	}
	s := &Store[V]{
		name:   name,
		lru:    expirable.NewLRU[string, V](policy.MaxEntries, nil, policy.TTL),
		policy: policy,
		stopCh: make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

func (s *Store[V]) Get(key string) (V, bool) {
	return s.lru.Get(key)
}

func (s *Store[V]) Set(key string, value V) {
	s.lru.Add(key, value)
}

func (s *Store[V]) Len() int {
	return s.lru.Len()
}

// RemovePrefix drops every key starting with prefix and returns how many
func (s *Store[V]) RemovePrefix(prefix string) int {
	removed := 0
	for _, k := range s.lru.Keys() {
		if strings.HasPrefix(k, prefix) && s.lru.Remove(k) {
			removed++
		}
	}
	return removed
}

// Close stops the gauge ticker
func (s *Store[V]) Close() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *Store[V]) sweepLoop() {
	ticker := time.NewTicker(s.policy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.SetGauge("cache_entries", float64(s.lru.Len()), map[string]string{"cache": s.name}, "Entries held by a protocol cache")
		case <-s.stopCh:
			return
		}
	}
}

// Caches bundles the retry-counter and recent-message caches shared by all
// sessions. Keys are namespaced as "<sessionID>:<messageID>".
type Caches struct {
	logger  *logrus.Logger
	retries *Store[int]
	recent  *Store[types.WAMessage]
}

// New creates both caches
func New(logger *logrus.Logger, retryPolicy, recentPolicy Policy) (*Caches, error) {
	retries, err := NewStore[int]("message_retry", retryPolicy)
	if err != nil {
		return nil, err
	}
	recent, err := NewStore[types.WAMessage]("recent_message", recentPolicy)
	if err != nil {
		retries.Close()
		return nil, err
	}
	return &Caches{logger: logger, retries: retries, recent: recent}, nil
}

// ForSession returns the views handed to the engine for one session
func (c *Caches) ForSession(sessionID int64) *SessionView {
	return &SessionView{caches: c, prefix: sessionPrefix(sessionID)}
}

// InvalidateSession drops every cached entry belonging to a session
func (c *Caches) InvalidateSession(sessionID int64) {
	prefix := sessionPrefix(sessionID)
	retries := c.retries.RemovePrefix(prefix)
	recent := c.recent.RemovePrefix(prefix)

	c.logger.WithFields(logrus.Fields{
		"session":         sessionID,
		"retries_removed": retries,
		"recent_removed":  recent,
	}).Debug("Invalidated session caches")
}

// RememberMessages stores inbound messages so resend requests can be answered
func (c *Caches) RememberMessages(sessionID int64, msgs []types.WAMessage) {
	view := c.ForSession(sessionID)
	for _, m := range msgs {
		if m.Key.ID == "" {
			continue
		}
		view.remember(m)
	}
}

func (c *Caches) Close() {
	c.retries.Close()
	c.recent.Close()
}

func sessionPrefix(sessionID int64) string {
	return strconv.FormatInt(sessionID, 10) + ":"
}

// SessionView scopes the shared caches to one session. It implements
// types.RetryCounterStore and types.MessageLookup.
type SessionView struct {
	caches *Caches
	prefix string
}

var (
	_ types.RetryCounterStore = (*SessionView)(nil)
	_ types.MessageLookup     = (*SessionView)(nil)
)

func (v *SessionView) Get(key string) (int, bool) {
	return v.caches.retries.Get(v.prefix + key)
}

func (v *SessionView) Set(key string, count int) {
	v.caches.retries.Set(v.prefix+key, count)
}

// GetMessage answers a resend request from recently seen messages
func (v *SessionView) GetMessage(_ context.Context, key types.MessageKey) (*types.WAMessage, bool) {
	msg, ok := v.caches.recent.Get(v.prefix + key.ID)
	if !ok {
		return nil, false
	}
	return &msg, true
}

func (v *SessionView) remember(m types.WAMessage) {
	v.caches.recent.Set(v.prefix+m.Key.ID, m)
}
