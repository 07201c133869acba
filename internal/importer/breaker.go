package importer

import (
	"context"
	"sync"
	"time"

	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/metrics"
	"whatsmgr/internal/models"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

// BreakerState is the state of a GuardedSink's circuit
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Sink is anything that can persist a backlog
type Sink interface {
	ImportBacklog(ctx context.Context, session *models.Session, msgs []types.WAMessage) error
}

// BreakerConfig tunes a GuardedSink
type BreakerConfig struct {
	// MaxFailures consecutive failures open the circuit
	MaxFailures int
	// Cooldown is how long the circuit stays open before one probe is allowed
	Cooldown time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 3, Cooldown: 2 * time.Minute}
}

// GuardedSink stops calling a failing sink for a cooldown period. Rejected
// calls fail with a retryable IMPORT_FAILED error so the caller keeps its
// backlog.
type GuardedSink struct {
	name   string
	next   Sink
	cfg    BreakerConfig
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeActive bool
}

func NewGuardedSink(name string, next Sink, cfg BreakerConfig, logger *logrus.Logger) *GuardedSink {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &GuardedSink{name: name, next: next, cfg: cfg, logger: logger, now: time.Now}
}

func (g *GuardedSink) ImportBacklog(ctx context.Context, session *models.Session, msgs []types.WAMessage) error {
	if !g.allow() {
		metrics.IncrementCounter("backlog_sink_rejected_total", map[string]string{"sink": g.name}, "Backlog hand-offs rejected by an open circuit")
		return apperrors.WrapRetryable(nil, apperrors.ErrCodeImportFailed, "backlog sink circuit is open").
			WithContext("session", session.ID).
			WithContext("sink", g.name)
	}

	err := g.next.ImportBacklog(ctx, session, msgs)
	g.record(err)
	return err
}

// State returns the current circuit state
func (g *GuardedSink) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *GuardedSink) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateOpen:
		if g.now().Sub(g.openedAt) < g.cfg.Cooldown {
			return false
		}
		g.setStateLocked(StateHalfOpen)
		g.probeActive = true
		return true
	case StateHalfOpen:
		if g.probeActive {
			return false
		}
		g.probeActive = true
		return true
	default:
		return true
	}
}

func (g *GuardedSink) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.probeActive = false
	if err == nil {
		g.failures = 0
		if g.state != StateClosed {
			g.setStateLocked(StateClosed)
		}
		return
	}

	g.failures++
	if g.state == StateHalfOpen || g.failures >= g.cfg.MaxFailures {
		g.openedAt = g.now()
		g.setStateLocked(StateOpen)
	}
}

func (g *GuardedSink) setStateLocked(state BreakerState) {
	if g.state == state {
		return
	}
	g.logger.WithFields(logrus.Fields{
		"sink":     g.name,
		"from":     g.state.String(),
		"to":       state.String(),
		"failures": g.failures,
	}).Warn("Backlog sink circuit changed state")
	g.state = state
	metrics.SetGauge("backlog_sink_circuit_state", float64(state), map[string]string{"sink": g.name}, "0 closed, 1 open, 2 half-open")
}
