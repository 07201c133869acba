package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"whatsmgr/internal/constants"
	apperrors "whatsmgr/internal/errors"
	"whatsmgr/internal/metrics"
	"whatsmgr/internal/models"
	"whatsmgr/internal/notify"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/sirupsen/logrus"
)

// ImportProgressNotification is published on the tenant channel while a
// history import runs
type ImportProgressNotification struct {
	Action string        `json:"action"`
	Status *ImportCounts `json:"status,omitempty"`
}

// ImportCounts reports survivors of the latest batch and the whole backlog.
// Both are -1 until a batch with survivors has been measured.
type ImportCounts struct {
	This int `json:"this"`
	All  int `json:"all"`
}

// filterHistory keeps valid chat messages strictly inside the window. Group
// messages survive only when allowGroup is set.
func filterHistory(msgs []types.WAMessage, start, end time.Time, allowGroup bool) []types.WAMessage {
	var out []types.WAMessage
	for _, m := range msgs {
		if !m.IsValid() {
			continue
		}
		if !m.Timestamp.After(start) || !m.Timestamp.Before(end) {
			continue
		}
		if m.IsGroup() && !allowGroup {
			continue
		}
		out = append(out, m)
	}
	return out
}

const detachedWriteTimeout = 5 * time.Second

type importJob struct {
	sessionID  int64
	tenantID   int64
	start      time.Time
	end        time.Time
	allowGroup bool

	// mutated only on the session's actor
	backlog   []types.WAMessage
	batches   int
	lastBatch int

	inFlight atomic.Bool
	canceled atomic.Bool

	// guarded by historyImporter.mu
	progressTimer Timer
	staleTimer    Timer
}

type historyImporterConfig struct {
	repo          SessionRepository
	notifier      Notifier
	sink          BacklogImporter
	exceptions    ExceptionSink
	clock         Clock
	logger        *logrus.Logger
	post          func(sessionID int64, fn func())
	ctx           context.Context
	progressDelay time.Duration
	staleAfter    time.Duration
	// resume re-arms the session's live socket, if any
	resume func(sessionID int64)
}

// historyImporter buffers history pushes per session and hands one backlog
// to the sink once pushes stop arriving. The staleness check only detects a
// quiet period; the in-flight flag is what keeps the hand-off single.
type historyImporter struct {
	historyImporterConfig

	mu   sync.Mutex
	jobs map[int64]*importJob
}

func newHistoryImporter(cfg historyImporterConfig) *historyImporter {
	if cfg.progressDelay <= 0 {
		cfg.progressDelay = time.Duration(constants.DefaultImportProgressDelayMs) * time.Millisecond
	}
	if cfg.staleAfter <= 0 {
		cfg.staleAfter = time.Duration(constants.DefaultImportStaleAfterSec) * time.Second
	}
	return &historyImporter{historyImporterConfig: cfg, jobs: make(map[int64]*importJob)}
}

// arm subscribes to history pushes when the stored descriptor is still
// eligible. A previous job for the session is superseded.
func (h *historyImporter) arm(sessionID, tenantID int64, socket types.Socket) {
	logger := h.logger.WithField(LogFieldSession, sessionID)
	if h.sink == nil {
		logger.Debug("Skipping history import: no backlog sink configured")
		return
	}

	descriptor, err := h.repo.FindSessionByID(h.ctx, sessionID)
	if err != nil {
		apperrors.LogError(h.logger, err, "Failed to load session for history import", logrus.Fields{LogFieldSession: sessionID})
		return
	}
	if !descriptor.ImportEligible() {
		logger.Debug("Skipping history import: not eligible")
		return
	}

	job := &importJob{
		sessionID:  sessionID,
		tenantID:   tenantID,
		start:      *descriptor.ImportStartAt,
		end:        *descriptor.ImportEndAt,
		allowGroup: descriptor.AllowGroup,
	}

	h.mu.Lock()
	if old, ok := h.jobs[sessionID]; ok {
		h.stopLocked(old)
	}
	h.jobs[sessionID] = job
	h.mu.Unlock()

	socket.OnHistorySync(func(batch types.HistoryBatch) {
		h.post(sessionID, func() {
			if h.active(job) {
				h.onBatch(job, batch)
			}
		})
	})

	logger.WithFields(logrus.Fields{
		"window_start": job.start,
		"window_end":   job.end,
		"allow_group":  job.allowGroup,
	}).Info("History import armed")
}

func (h *historyImporter) onBatch(job *importJob, batch types.HistoryBatch) {
	h.persistProgress(job, h.clock.Now().Format(time.RFC3339Nano))

	survivors := filterHistory(batch.Messages, job.start, job.end, job.allowGroup)
	job.backlog = append(job.backlog, survivors...)
	job.batches++
	job.lastBatch = len(survivors)

	metrics.AddToCounter("history_messages_received_total", float64(len(batch.Messages)), nil, "History messages pushed by the engine")
	metrics.AddToCounter("history_messages_buffered_total", float64(len(survivors)), nil, "History messages kept for import")
	h.logger.WithFields(logrus.Fields{
		LogFieldSession: job.sessionID,
		LogFieldCount:   len(survivors),
		"received":      len(batch.Messages),
		"backlog":       len(job.backlog),
	}).Debug("History batch buffered")

	h.scheduleProgress(job)
	h.scheduleStale(job)
}

func (h *historyImporter) publishProgress(job *importJob) {
	counts := &ImportCounts{This: job.lastBatch, All: len(job.backlog)}
	if counts.All == 0 {
		counts.This, counts.All = -1, -1
	}
	h.notifier.Publish(notify.TenantChannel(job.tenantID), notify.EventImportMessages, ImportProgressNotification{
		Action: "update",
		Status: counts,
	})
	h.publishDescriptor(job)
}

// checkStale hands the backlog off once no batch has landed for staleAfter
func (h *historyImporter) checkStale(job *importJob) {
	descriptor, err := h.repo.FindSessionByID(h.ctx, job.sessionID)
	if err != nil {
		apperrors.LogError(h.logger, err, "Failed to load session for import check", logrus.Fields{LogFieldSession: job.sessionID})
		return
	}
	if !descriptor.ImportConfigured() {
		h.logger.WithField(LogFieldSession, job.sessionID).Info("Import window removed, dropping backlog")
		h.finish(job)
		return
	}

	marker, ok := descriptor.ImportProgressTime()
	if !ok || h.clock.Now().Sub(marker) < h.staleAfter {
		return
	}
	if !job.inFlight.CompareAndSwap(false, true) {
		h.logger.WithField(LogFieldSession, job.sessionID).Debug("Skipping import hand-off: already in flight")
		return
	}

	backlog := job.backlog
	job.backlog = nil
	if len(backlog) == 0 {
		h.complete(job)
		job.inFlight.Store(false)
		return
	}

	h.persistProgress(job, constants.ImportProgressRunning)
	h.logger.WithFields(logrus.Fields{
		LogFieldSession: job.sessionID,
		LogFieldCount:   len(backlog),
	}).Info("Handing off history backlog")

	go func() {
		err := h.sink.ImportBacklog(h.ctx, descriptor, backlog)
		h.post(job.sessionID, func() {
			h.handOffDone(job, backlog, err)
		})
	}()
}

func (h *historyImporter) handOffDone(job *importJob, backlog []types.WAMessage, err error) {
	defer job.inFlight.Store(false)
	if !h.active(job) {
		h.settleDetached(job, backlog, err)
		return
	}

	if err != nil {
		if _, ok := apperrors.As(err); !ok {
			err = apperrors.NewImportError(job.sessionID, len(backlog), err)
		}
		h.exceptions.CaptureException(h.ctx, err)

		job.backlog = append(backlog, job.backlog...)
		h.persistProgress(job, h.clock.Now().Format(time.RFC3339Nano))
		h.scheduleStale(job)
		return
	}

	if len(job.backlog) > 0 {
		// Batches arrived during the hand-off; they get their own round.
		h.persistProgress(job, h.clock.Now().Format(time.RFC3339Nano))
		h.scheduleStale(job)
		return
	}
	h.complete(job)
}

// settleDetached records the outcome of a hand-off whose job was canceled
// while the sink ran. Anything short of a clean finish leaves a timestamp
// marker so the window is armed again on the next open. A newer job owns the
// marker and is left alone.
func (h *historyImporter) settleDetached(job *importJob, backlog []types.WAMessage, err error) {
	logger := h.logger.WithFields(logrus.Fields{
		LogFieldSession: job.sessionID,
		LogFieldCount:   len(backlog),
	})
	h.mu.Lock()
	_, superseded := h.jobs[job.sessionID]
	h.mu.Unlock()
	if superseded {
		logger.Debug("Dropping hand-off outcome: a newer import owns the session")
		return
	}

	if err == nil && len(job.backlog) == 0 {
		h.persistProgressDetached(job, constants.ImportProgressFinished)
		metrics.IncrementCounter("history_imports_completed_total", nil, "History imports marked finished")
		logger.Info("History import finished after its session closed")
		return
	}

	if err != nil {
		if _, ok := apperrors.As(err); !ok {
			err = apperrors.NewImportError(job.sessionID, len(backlog), err)
		}
		h.exceptions.CaptureException(context.WithoutCancel(h.ctx), err)
	}
	h.persistProgressDetached(job, h.clock.Now().Format(time.RFC3339Nano))
	logger.Warn("History hand-off outlived its session, import reopened")

	if h.resume != nil {
		h.resume(job.sessionID)
	}
}

// complete marks the import finished so it is never armed again
func (h *historyImporter) complete(job *importJob) {
	h.persistProgress(job, constants.ImportProgressFinished)
	h.notifier.Publish(notify.TenantChannel(job.tenantID), notify.EventImportMessages, ImportProgressNotification{
		Action: "refresh",
	})
	h.publishDescriptor(job)
	h.finish(job)

	metrics.IncrementCounter("history_imports_completed_total", nil, "History imports marked finished")
	h.logger.WithField(LogFieldSession, job.sessionID).Info("History import finished")
}

func (h *historyImporter) persistProgress(job *importJob, marker string) {
	patch := models.SessionPatch{ImportProgress: models.StringPtr(marker)}
	if err := h.repo.UpdateSession(h.ctx, job.sessionID, patch); err != nil {
		apperrors.LogError(h.logger, err, "Failed to persist import progress", logrus.Fields{LogFieldSession: job.sessionID})
	}
}

// persistProgressDetached writes the marker even when the manager is shutting
// down, so a hand-off that ends during shutdown is not stuck at Running
func (h *historyImporter) persistProgressDetached(job *importJob, marker string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), detachedWriteTimeout)
	defer cancel()
	patch := models.SessionPatch{ImportProgress: models.StringPtr(marker)}
	if err := h.repo.UpdateSession(ctx, job.sessionID, patch); err != nil {
		apperrors.LogError(h.logger, err, "Failed to persist import progress", logrus.Fields{LogFieldSession: job.sessionID})
	}
}

func (h *historyImporter) publishDescriptor(job *importJob) {
	descriptor, err := h.repo.FindSessionByID(h.ctx, job.sessionID)
	if err != nil {
		apperrors.LogError(h.logger, err, "Failed to reload session for notification", logrus.Fields{LogFieldSession: job.sessionID})
		return
	}
	h.notifier.Publish(notify.TenantChannel(job.tenantID), notify.EventWhatsAppSession, SessionNotification{
		Action:  "update",
		Session: *descriptor,
	})
}

// scheduleProgress publishes progress after progressDelay. Batches landing
// while a publish is pending share it.
func (h *historyImporter) scheduleProgress(job *importJob) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs[job.sessionID] != job || job.progressTimer != nil {
		return
	}
	job.progressTimer = h.clock.AfterFunc(h.progressDelay, func() {
		h.mu.Lock()
		job.progressTimer = nil
		h.mu.Unlock()
		h.runOnActor(job, h.publishProgress)
	})
}

// scheduleStale replaces the pending staleness check. Only the check after
// the latest batch can find the marker old enough.
func (h *historyImporter) scheduleStale(job *importJob) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs[job.sessionID] != job {
		return
	}
	if job.staleTimer != nil {
		job.staleTimer.Stop()
	}
	job.staleTimer = h.clock.AfterFunc(h.staleAfter, func() {
		h.runOnActor(job, h.checkStale)
	})
}

func (h *historyImporter) runOnActor(job *importJob, fn func(*importJob)) {
	h.post(job.sessionID, func() {
		if h.active(job) {
			fn(job)
		}
	})
}

func (h *historyImporter) active(job *importJob) bool {
	if job.canceled.Load() {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jobs[job.sessionID] == job
}

func (h *historyImporter) finish(job *importJob) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs[job.sessionID] == job {
		delete(h.jobs, job.sessionID)
	}
	h.stopLocked(job)
}

// cancel drops the session's job, if any
func (h *historyImporter) cancel(sessionID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if job, ok := h.jobs[sessionID]; ok {
		h.stopLocked(job)
		delete(h.jobs, sessionID)
	}
}

func (h *historyImporter) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, job := range h.jobs {
		h.stopLocked(job)
		delete(h.jobs, id)
	}
}

func (h *historyImporter) stopLocked(job *importJob) {
	job.canceled.Store(true)
	if job.progressTimer != nil {
		job.progressTimer.Stop()
		job.progressTimer = nil
	}
	if job.staleTimer != nil {
		job.staleTimer.Stop()
		job.staleTimer = nil
	}
}
