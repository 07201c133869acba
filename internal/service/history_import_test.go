package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"whatsmgr/internal/constants"
	"whatsmgr/internal/models"
	"whatsmgr/internal/notify"
	"whatsmgr/pkg/whatsapp/loopback"
	"whatsmgr/pkg/whatsapp/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func chatMessage(id, jid string, ts time.Time) types.WAMessage {
	return types.WAMessage{
		Key:       types.MessageKey{ID: id, RemoteJID: jid},
		Timestamp: ts,
		Body:      []byte("body-" + id),
	}
}

func TestFilterHistory(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	inside := start.Add(time.Hour)

	private := chatMessage("A", "5511@s.whatsapp.net", inside)
	outside := chatMessage("B", "5511@s.whatsapp.net", end.Add(time.Hour))
	group := chatMessage("C", "1203@g.us", inside)
	boundary := chatMessage("D", "5511@s.whatsapp.net", start)
	control := chatMessage("E", "5511@s.whatsapp.net", inside)
	control.Protocol = true
	status := chatMessage("F", types.StatusBroadcastJID, inside)
	batch := []types.WAMessage{private, outside, group, boundary, control, status}

	denied := filterHistory(batch, start, end, false)
	require.Len(t, denied, 1)
	assert.Equal(t, "A", denied[0].Key.ID)

	allowed := filterHistory(batch, start, end, true)
	require.Len(t, allowed, 2)
	assert.Equal(t, "A", allowed[0].Key.ID)
	assert.Equal(t, "C", allowed[1].Key.ID)
}

// armImport opens a session with an import window covering the last two days
// and waits for the history listener to attach
func (h *harness) armImport(allowGroup bool, progress string) (*loopback.Socket, time.Time, time.Time) {
	h.t.Helper()
	now := h.clock.Now()
	start := now.Add(-48 * time.Hour)
	end := now
	s := h.repo.add(models.Session{
		ID:             1,
		TenantID:       10,
		AllowGroup:     allowGroup,
		Status:         models.StatusConnected,
		ImportStartAt:  &start,
		ImportEndAt:    &end,
		ImportProgress: progress,
	})
	require.NoError(h.t, h.creds.Save(context.Background(), 1, types.Credentials("stored")))

	socket := h.start(s)
	h.open(socket, 1)
	h.clock.Advance(2500 * time.Millisecond)
	h.flush(1)
	return socket, start, end
}

func (h *harness) job(id int64) *importJob {
	h.manager.imports.mu.Lock()
	defer h.manager.imports.mu.Unlock()
	return h.manager.imports.jobs[id]
}

func (h *harness) progress() string {
	return h.repo.get(1).ImportProgress
}

func (h *harness) waitProgress(want string) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool {
		h.flush(1)
		return h.progress() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHistoryImport_HandsOffOnceAfterQuietPeriod(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")
	require.Equal(t, 1, socket.ListenerCount(types.EventHistorySync))

	h.importer.On("ImportBacklog", mock.Anything, mock.Anything, mock.MatchedBy(func(msgs []types.WAMessage) bool {
		return len(msgs) == 1 && msgs[0].Key.ID == "A"
	})).Return(nil).Once()

	inside := start.Add(time.Hour)
	socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{
		chatMessage("A", "5511@s.whatsapp.net", inside),
		chatMessage("B", "5511@s.whatsapp.net", start.Add(-time.Hour)),
		chatMessage("C", "1203@g.us", inside),
	}})
	h.flush(1)

	marker, err := time.Parse(time.RFC3339Nano, h.progress())
	require.NoError(t, err)
	assert.True(t, marker.Equal(h.clock.Now()))

	h.clock.Advance(500 * time.Millisecond)
	h.flush(1)
	progress := h.notifier.byEvent(notify.EventImportMessages)
	require.Len(t, progress, 1)
	assert.Equal(t, notify.TenantChannel(10), progress[0].channel)
	assert.Equal(t, ImportProgressNotification{Action: "update", Status: &ImportCounts{This: 1, All: 1}}, progress[0].payload)

	h.clock.Advance(45 * time.Second)
	h.waitProgress(constants.ImportProgressFinished)

	h.importer.AssertNumberOfCalls(t, "ImportBacklog", 1)
	progress = h.notifier.byEvent(notify.EventImportMessages)
	assert.Equal(t, ImportProgressNotification{Action: "refresh"}, progress[len(progress)-1].payload)
	assert.Nil(t, h.job(1))
}

func TestHistoryImport_NewBatchPostponesHandOff(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")
	h.importer.On("ImportBacklog", mock.Anything, mock.Anything, mock.MatchedBy(func(msgs []types.WAMessage) bool {
		return len(msgs) == 2
	})).Return(nil).Once()

	socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage("A", "1@s.whatsapp.net", start.Add(time.Hour))}})
	h.flush(1)
	h.clock.Advance(30 * time.Second)
	socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage("B", "2@s.whatsapp.net", start.Add(2*time.Hour))}})
	h.flush(1)

	// The second batch replaced the first batch's check
	h.clock.Advance(15 * time.Second)
	h.flush(1)
	h.importer.AssertNotCalled(t, "ImportBacklog", mock.Anything, mock.Anything, mock.Anything)

	h.clock.Advance(30 * time.Second)
	h.waitProgress(constants.ImportProgressFinished)
	h.importer.AssertNumberOfCalls(t, "ImportBacklog", 1)
}

func TestHistoryImport_FailureRestoresBacklog(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")
	h.importer.On("ImportBacklog", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("sink down")).Once()
	h.importer.On("ImportBacklog", mock.Anything, mock.Anything, mock.MatchedBy(func(msgs []types.WAMessage) bool {
		return len(msgs) == 1 && msgs[0].Key.ID == "A"
	})).Return(nil).Once()

	socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage("A", "1@s.whatsapp.net", start.Add(time.Hour))}})
	h.flush(1)
	h.clock.Advance(45 * time.Second)

	assert.Eventually(t, func() bool {
		h.flush(1)
		stored := h.repo.get(1)
		_, ok := stored.ImportProgressTime()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	h.exceptions.AssertCalled(t, "CaptureException", mock.Anything, mock.Anything)
	assert.NotNil(t, h.job(1))

	h.clock.Advance(45 * time.Second)
	h.waitProgress(constants.ImportProgressFinished)
	h.importer.AssertNumberOfCalls(t, "ImportBacklog", 2)
}

func TestHistoryImport_EmptyBacklogFinishesWithoutSink(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")

	socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage("B", "1@s.whatsapp.net", start.Add(-time.Hour))}})
	h.flush(1)
	h.clock.Advance(500 * time.Millisecond)
	h.flush(1)
	progress := h.notifier.byEvent(notify.EventImportMessages)
	require.Len(t, progress, 1)
	assert.Equal(t, &ImportCounts{This: -1, All: -1}, progress[0].payload.(ImportProgressNotification).Status)

	h.clock.Advance(45 * time.Second)
	h.waitProgress(constants.ImportProgressFinished)
	h.importer.AssertNotCalled(t, "ImportBacklog", mock.Anything, mock.Anything, mock.Anything)
}

func TestHistoryImport_HandOffIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")
	release := make(chan struct{})
	h.importer.On("ImportBacklog", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil).Once()

	socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage("A", "1@s.whatsapp.net", start.Add(time.Hour))}})
	h.flush(1)
	h.clock.Advance(45 * time.Second)
	h.flush(1)
	assert.Equal(t, constants.ImportProgressRunning, h.progress())

	// Even if the marker is rewritten behind our back, a second check must not
	// start another hand-off while the first is in flight
	stale := h.clock.Now().Add(-time.Hour).Format(time.RFC3339Nano)
	h.repo.set(1, func(s *models.Session) { s.ImportProgress = stale })
	job := h.job(1)
	require.NotNil(t, job)
	h.manager.actors.get(1).call(func() { h.manager.imports.checkStale(job) })

	close(release)
	h.waitProgress(constants.ImportProgressFinished)
	h.importer.AssertNumberOfCalls(t, "ImportBacklog", 1)
}

func TestHistoryImport_NotArmedWhenFinished(t *testing.T) {
	h := newHarness(t)
	socket, _, _ := h.armImport(false, constants.ImportProgressFinished)

	assert.Equal(t, 0, socket.ListenerCount(types.EventHistorySync))
	assert.Nil(t, h.job(1))
}

func TestHistoryImport_RemoveSessionCancelsJob(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")

	socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage("A", "1@s.whatsapp.net", start.Add(time.Hour))}})
	h.flush(1)
	h.manager.RemoveSession(context.Background(), 1, false)

	h.clock.Advance(time.Minute)
	h.flush(1)
	assert.Nil(t, h.job(1))
	h.importer.AssertNotCalled(t, "ImportBacklog", mock.Anything, mock.Anything, mock.Anything)
}

// startBlockedHandOff buffers one message and lets the quiet period elapse so
// the hand-off starts and blocks until release is closed
func (h *harness) startBlockedHandOff(socket *loopback.Socket, start time.Time, release chan struct{}, result error) {
	h.t.Helper()
	h.importer.On("ImportBacklog", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(result).Once()

	socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage("A", "1@s.whatsapp.net", start.Add(time.Hour))}})
	h.flush(1)
	h.clock.Advance(45 * time.Second)
	h.flush(1)
	require.Equal(h.t, constants.ImportProgressRunning, h.progress())
}

func TestHistoryImport_FailedHandOffAfterCloseRearmsOnReopen(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")
	release := make(chan struct{})
	h.startBlockedHandOff(socket, start, release, errors.New("sink down"))

	socket.EmitClose(types.DisconnectConnectionLost)
	h.flush(1)
	assert.Nil(t, h.job(1))

	close(release)
	assert.Eventually(t, func() bool {
		h.flush(1)
		_, ok := h.repo.get(1).ImportProgressTime()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	h.exceptions.AssertCalled(t, "CaptureException", mock.Anything, mock.Anything)

	h.clock.Advance(2 * time.Second)
	next := h.engine.Latest(1)
	require.NotSame(t, socket, next)
	h.open(next, 1)
	h.clock.Advance(2500 * time.Millisecond)
	h.flush(1)

	assert.Equal(t, 1, next.ListenerCount(types.EventHistorySync))
	assert.NotNil(t, h.job(1))
}

func TestHistoryImport_FailedHandOffResumesOnLiveSocket(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")
	release := make(chan struct{})
	h.startBlockedHandOff(socket, start, release, errors.New("sink down"))

	socket.EmitClose(types.DisconnectConnectionLost)
	h.flush(1)
	h.clock.Advance(2 * time.Second)
	next := h.engine.Latest(1)
	require.NotSame(t, socket, next)
	h.open(next, 1)
	h.clock.Advance(2500 * time.Millisecond)
	h.flush(1)

	// The reopen still saw the hand-off running, so nothing was armed yet
	assert.Equal(t, 0, next.ListenerCount(types.EventHistorySync))

	close(release)
	require.Eventually(t, func() bool {
		h.flush(1)
		return next.ListenerCount(types.EventHistorySync) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, h.job(1))
	_, ok := h.repo.get(1).ImportProgressTime()
	assert.True(t, ok)

	h.importer.On("ImportBacklog", mock.Anything, mock.Anything, mock.MatchedBy(func(msgs []types.WAMessage) bool {
		return len(msgs) == 1 && msgs[0].Key.ID == "B"
	})).Return(nil).Once()
	next.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage("B", "1@s.whatsapp.net", start.Add(2*time.Hour))}})
	h.flush(1)
	h.clock.Advance(45 * time.Second)
	h.waitProgress(constants.ImportProgressFinished)
	h.importer.AssertNumberOfCalls(t, "ImportBacklog", 2)
}

func TestHistoryImport_SuccessfulHandOffAfterCloseFinishes(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")
	release := make(chan struct{})
	h.startBlockedHandOff(socket, start, release, nil)

	socket.EmitClose(types.DisconnectConnectionLost)
	h.flush(1)

	close(release)
	h.waitProgress(constants.ImportProgressFinished)

	h.clock.Advance(2 * time.Second)
	next := h.engine.Latest(1)
	h.open(next, 1)
	h.clock.Advance(2500 * time.Millisecond)
	h.flush(1)
	assert.Equal(t, 0, next.ListenerCount(types.EventHistorySync))
	assert.Nil(t, h.job(1))
}

func TestHistoryImport_TimersStayBoundedAcrossBatches(t *testing.T) {
	h := newHarness(t)
	socket, start, _ := h.armImport(false, "")
	h.importer.On("ImportBacklog", mock.Anything, mock.Anything, mock.MatchedBy(func(msgs []types.WAMessage) bool {
		return len(msgs) == 200
	})).Return(nil).Once()

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("M%d", i)
		socket.EmitHistorySync(types.HistoryBatch{Messages: []types.WAMessage{chatMessage(id, "1@s.whatsapp.net", start.Add(time.Hour))}})
		h.flush(1)
		require.LessOrEqual(t, h.clock.Pending(), 2)
		h.clock.Advance(100 * time.Millisecond)
		h.flush(1)
	}

	progress := h.notifier.byEvent(notify.EventImportMessages)
	assert.NotEmpty(t, progress)
	assert.Less(t, len(progress), 200)

	h.clock.Advance(45 * time.Second)
	h.waitProgress(constants.ImportProgressFinished)
	h.importer.AssertNumberOfCalls(t, "ImportBacklog", 1)
	assert.Equal(t, 0, h.clock.Pending())
}
