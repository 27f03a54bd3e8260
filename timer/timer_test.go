package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu      sync.Mutex
	started []string
	ended   map[string]string
	nextID  string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{ended: map[string]string{}, nextID: "session_aaaaaaaaaaaa"}
}

func (f *fakeSessions) StartSession(project, command string, duration int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, project+"/"+command)
	return f.nextID, nil
}

func (f *fakeSessions) EndSession(sessionID, status string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[sessionID] = status
	return true
}

func (f *fakeSessions) endedStatus(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.ended[id]
	return status, ok
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(event string, _ Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestEngine(sessions SessionTracker) *Engine {
	e := New(sessions, nil)
	e.tickInterval = 10 * time.Millisecond
	e.grace = 30 * time.Millisecond
	return e
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00"},
		{-5, "00:00"},
		{59, "00:59"},
		{90, "01:30"},
		{1800, "30:00"},
		{3599, "59:59"},
		{3600, "01:00:00"},
		{7322, "02:02:02"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRemaining(tt.seconds), "seconds %v", tt.seconds)
	}
}

func TestProgress(t *testing.T) {
	assert.InDelta(t, 0.0, Progress(1800, 1800), 0.001)
	assert.InDelta(t, 50.0, Progress(1800, 900), 0.001)
	assert.InDelta(t, 100.0, Progress(1800, 0), 0.001)
	assert.InDelta(t, 100.0, Progress(0, 0), 0.001)
	// Clamped when remaining exceeds duration (extended deadlines).
	assert.InDelta(t, 0.0, Progress(100, 150), 0.001)
}

func TestStartAndStatus(t *testing.T) {
	sessions := newFakeSessions()
	e := newTestEngine(sessions)
	defer e.Shutdown("cleanup")

	require.NoError(t, e.Start("demo", 1800, "firebase deploy"))

	status, ok := e.TimerStatus("demo")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, status.Status)
	assert.Equal(t, 1800, status.DurationSeconds)
	assert.Equal(t, "firebase deploy", status.DeployCommand)
	assert.Equal(t, "session_aaaaaaaaaaaa", status.SessionID)

	id, ok := e.SessionID("demo")
	require.True(t, ok)
	assert.Equal(t, "session_aaaaaaaaaaaa", id)

	all := e.AllStatus()
	assert.Equal(t, 1, all.ActiveTimerCount)
	assert.Contains(t, all.ActiveProjects, "demo")
}

func TestZeroDurationTimerExpiresOnFirstTick(t *testing.T) {
	sessions := newFakeSessions()
	e := newTestEngine(sessions)
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	require.NoError(t, e.Start("demo", 0, "firebase deploy"))

	status, ok := e.TimerStatus("demo")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, status.Status)
	assert.Zero(t, status.RemainingSeconds)

	require.Eventually(t, rec.hasFunc("timer_expired"), 3*time.Second, 10*time.Millisecond)

	ended, ok := sessions.endedStatus("session_aaaaaaaaaaaa")
	require.True(t, ok)
	assert.Equal(t, "completed", ended)
}

func TestNegativeDurationTimerExpiresOnFirstTick(t *testing.T) {
	e := newTestEngine(nil)
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	require.NoError(t, e.Start("demo", -10, ""))
	require.Eventually(t, rec.hasFunc("timer_expired"), 3*time.Second, 10*time.Millisecond)
}

func TestStopCancelsSession(t *testing.T) {
	sessions := newFakeSessions()
	e := newTestEngine(sessions)

	require.NoError(t, e.Start("demo", 1800, "firebase deploy"))
	require.True(t, e.Stop("demo", "manual"))

	status, ok := sessions.endedStatus("session_aaaaaaaaaaaa")
	require.True(t, ok)
	assert.Equal(t, "cancelled", status)

	_, ok = e.TimerStatus("demo")
	assert.False(t, ok)
	assert.False(t, e.Stop("demo", "manual"))
}

func TestStopWithExpiredReasonCompletesSession(t *testing.T) {
	sessions := newFakeSessions()
	e := newTestEngine(sessions)

	require.NoError(t, e.Start("demo", 1800, ""))
	require.True(t, e.Stop("demo", StopReasonExpired))

	status, ok := sessions.endedStatus("session_aaaaaaaaaaaa")
	require.True(t, ok)
	assert.Equal(t, "completed", status)
}

func TestExpiryEndsSessionCompletedAndRemovesAfterGrace(t *testing.T) {
	sessions := newFakeSessions()
	e := newTestEngine(sessions)
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	require.NoError(t, e.Start("demo", 1, ""))

	require.Eventually(t, rec.hasFunc("timer_expired"), 3*time.Second, 10*time.Millisecond)

	status, ok := sessions.endedStatus("session_aaaaaaaaaaaa")
	require.True(t, ok)
	assert.Equal(t, "completed", status)

	// Still visible inside the grace window, gone afterwards.
	require.Eventually(t, func() bool {
		_, ok := e.TimerStatus("demo")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func (r *eventRecorder) hasFunc(event string) func() bool {
	return func() bool { return r.has(event) }
}

func TestPauseAndResume(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Shutdown("cleanup")

	require.NoError(t, e.Start("demo", 1800, ""))

	require.True(t, e.Pause("demo"))
	status, _ := e.TimerStatus("demo")
	assert.Equal(t, StatusPaused, status.Status)
	assert.True(t, status.Paused)

	// Pausing again fails.
	assert.False(t, e.Pause("demo"))

	time.Sleep(30 * time.Millisecond)

	require.True(t, e.Resume("demo"))
	status, _ = e.TimerStatus("demo")
	assert.Equal(t, StatusRunning, status.Status)
	assert.False(t, status.Paused)

	// Resuming a running timer fails.
	assert.False(t, e.Resume("demo"))
	assert.False(t, e.Pause("missing"))
	assert.False(t, e.Resume("missing"))
}

func TestPausedTimerDoesNotExpire(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Shutdown("cleanup")
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	require.NoError(t, e.Start("demo", 1, ""))
	require.True(t, e.Pause("demo"))

	time.Sleep(1200 * time.Millisecond)

	assert.False(t, rec.has("timer_expired"))
	status, ok := e.TimerStatus("demo")
	require.True(t, ok)
	assert.Equal(t, StatusPaused, status.Status)
}

func TestExtend(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Shutdown("cleanup")

	require.NoError(t, e.Start("demo", 1800, ""))
	require.True(t, e.Extend("demo", 600))

	status, _ := e.TimerStatus("demo")
	assert.Equal(t, 2400, status.DurationSeconds)

	assert.False(t, e.Extend("missing", 600))
}

func TestRestartReplacesTimer(t *testing.T) {
	sessions := newFakeSessions()
	e := newTestEngine(sessions)
	defer e.Shutdown("cleanup")

	require.NoError(t, e.Start("demo", 1800, "first"))
	require.NoError(t, e.Start("demo", 900, "second"))

	status, ok := e.TimerStatus("demo")
	require.True(t, ok)
	assert.Equal(t, 900, status.DurationSeconds)
	assert.Equal(t, "second", status.DeployCommand)

	// The first session was cancelled on restart.
	ended, ok := sessions.endedStatus("session_aaaaaaaaaaaa")
	require.True(t, ok)
	assert.Equal(t, "cancelled", ended)
}

func TestTimerUpdateEventsFlow(t *testing.T) {
	e := newTestEngine(nil)
	defer e.Shutdown("cleanup")
	rec := &eventRecorder{}
	e.OnEvent(rec.record)

	require.NoError(t, e.Start("demo", 1800, ""))

	require.Eventually(t, rec.hasFunc("timer_update"), 3*time.Second, 10*time.Millisecond)
	assert.True(t, rec.has("timer_started"))
}

func TestShutdownStopsEverything(t *testing.T) {
	sessions := newFakeSessions()
	e := newTestEngine(sessions)

	require.NoError(t, e.Start("one", 1800, ""))
	require.NoError(t, e.Start("two", 1800, ""))

	e.Shutdown("cleanup")

	assert.Zero(t, e.AllStatus().ActiveTimerCount)
}
