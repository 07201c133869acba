package service

import (
	"context"
	"sync"
	"time"

	"whatsmgr/internal/constants"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronParser accepts standard 5-field expressions plus descriptors like @every
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SessionReconciler restarts sessions that should be live but are not
type SessionReconciler interface {
	ReconcileSessions(ctx context.Context) (int, error)
}

// Reconciler runs ReconcileSessions on a cron schedule
type Reconciler struct {
	target   SessionReconciler
	logger   *logrus.Logger
	schedule string
	timeout  time.Duration
	cron     *cron.Cron

	mu      sync.Mutex
	started bool
}

func NewReconciler(target SessionReconciler, schedule string, logger *logrus.Logger) (*Reconciler, error) {
	if schedule == "" {
		schedule = constants.DefaultReconcileSchedule
	}
	r := &Reconciler{
		target:   target,
		logger:   logger,
		schedule: schedule,
		timeout:  time.Minute,
	}

	cronLogger := cron.PrintfLogger(logger)
	r.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
	r.logger.WithField("schedule", r.schedule).Info("Starting session reconciler")
}

// Stop halts the schedule and waits for a running pass to return
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.logger.Info("Session reconciler stopped")
}

// Next returns the next scheduled run, or the zero time when stopped
func (r *Reconciler) Next() time.Time {
	entries := r.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunOnce performs a single reconcile pass
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()
	n, err := r.target.ReconcileSessions(ctx)
	entry := r.logger.WithFields(logrus.Fields{
		LogFieldCount:    n,
		LogFieldDuration: time.Since(started).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("Failed to reconcile sessions")
		return n, err
	}
	if n > 0 {
		entry.Info("Reconciled sessions")
	} else {
		entry.Debug("Reconcile pass found nothing to restart")
	}
	return n, nil
}

func (r *Reconciler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_, _ = r.RunOnce(ctx)
}
