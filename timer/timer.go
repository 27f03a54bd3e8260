// Package timer runs deploy propagation countdowns with pause, resume, and
// extend controls, publishing periodic updates until expiry.
package timer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deploybot-sh/deploybot/metrics"
)

// defaultTickInterval is how often running timers are re-evaluated.
const defaultTickInterval = 2 * time.Second

// expiredGracePeriod keeps an expired timer visible before removal so
// clients can render the transition.
const expiredGracePeriod = 5 * time.Second

// Timer status values.
const (
	StatusRunning = "running"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
	StatusExpired = "expired"
)

// StopReasonExpired maps the session to completed; every other reason maps
// to cancelled.
const StopReasonExpired = "expired"

// SessionTracker is the slice of the analytics store the engine drives.
type SessionTracker interface {
	StartSession(project, deployCommand string, timerDuration int) (string, error)
	EndSession(sessionID, status string) bool
}

// EventFunc receives timer lifecycle events: timer_started, timer_update,
// timer_paused, timer_resumed, timer_extended, timer_stopped, timer_expired.
type EventFunc func(event string, status Status)

// Status is a point-in-time snapshot of one timer.
type Status struct {
	ProjectName        string  `json:"project_name"`
	Status             string  `json:"status"`
	RemainingSeconds   float64 `json:"remaining_seconds"`
	DurationSeconds    int     `json:"duration_seconds"`
	ProgressPercentage float64 `json:"progress_percentage"`
	TimeRemaining      string  `json:"time_remaining_formatted"`
	DeployCommand      string  `json:"deploy_command"`
	Paused             bool    `json:"paused"`
	CreatedAt          string  `json:"created_at"`
	SessionID          string  `json:"session_id"`
}

type timerInfo struct {
	project       string
	startTime     time.Time
	endTime       time.Time
	duration      int
	remaining     float64
	deployCommand string
	status        string
	createdAt     time.Time
	paused        bool
	pauseTime     time.Time
	pauseDuration time.Duration
	sessionID     string
}

// Engine owns all active timers. One ticker goroutine runs while any timer
// exists and exits when the last one is removed.
type Engine struct {
	mu           sync.Mutex
	timers       map[string]*timerInfo
	loopRunning  bool
	tickInterval time.Duration
	grace        time.Duration
	sessions     SessionTracker
	onEvent      EventFunc
	logger       *slog.Logger
	now          func() time.Time
}

// New creates an Engine. sessions may be nil, in which case no analytics
// sessions are opened.
func New(sessions SessionTracker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		timers:       map[string]*timerInfo{},
		tickInterval: defaultTickInterval,
		grace:        expiredGracePeriod,
		sessions:     sessions,
		logger:       logger,
		now:          time.Now,
	}
}

// SetTickInterval overrides the update cadence. Takes effect when the
// ticker loop next starts.
func (e *Engine) SetTickInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d > 0 {
		e.tickInterval = d
	}
}

// OnEvent registers the event callback.
func (e *Engine) OnEvent(fn EventFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = fn
}

// Start begins a countdown for a project, replacing any existing timer for
// it, and opens an analytics session. A non-positive duration is accepted;
// the timer expires on the next tick.
func (e *Engine) Start(project string, durationSeconds int, deployCommand string) error {
	e.mu.Lock()
	_, exists := e.timers[project]
	e.mu.Unlock()
	if exists {
		e.Stop(project, "restarted")
	}

	command := deployCommand
	if command == "" {
		command = fmt.Sprintf("Timer started for %s", project)
	}

	sessionID := ""
	if e.sessions != nil {
		id, err := e.sessions.StartSession(project, command, durationSeconds)
		if err != nil {
			return fmt.Errorf("start analytics session: %w", err)
		}
		sessionID = id
	}

	now := e.now()
	info := &timerInfo{
		project:       project,
		startTime:     now,
		endTime:       now.Add(time.Duration(durationSeconds) * time.Second),
		duration:      durationSeconds,
		remaining:     maxFloat(0, float64(durationSeconds)),
		deployCommand: deployCommand,
		status:        StatusRunning,
		createdAt:     now,
		sessionID:     sessionID,
	}

	e.mu.Lock()
	e.timers[project] = info
	metrics.ActiveTimers.Set(float64(len(e.timers)))
	e.ensureLoopLocked()
	snapshot := e.snapshotLocked(info)
	fn := e.onEvent
	e.mu.Unlock()

	e.emit(fn, "timer_started", snapshot)
	e.logger.Info("Timer started",
		"project", project, "duration_seconds", durationSeconds, "session_id", sessionID)
	return nil
}

// Stop cancels a project's timer. The stop reason decides the session
// outcome: "expired" completes it, anything else cancels it. Stopping an
// unknown timer returns false.
func (e *Engine) Stop(project, reason string) bool {
	e.mu.Lock()
	info, ok := e.timers[project]
	if !ok {
		e.mu.Unlock()
		e.logger.Warn("No active timer", "project", project)
		return false
	}

	info.status = StatusStopped
	if !info.paused {
		info.remaining = maxFloat(0, info.endTime.Sub(e.now()).Seconds())
	}
	delete(e.timers, project)
	metrics.ActiveTimers.Set(float64(len(e.timers)))
	snapshot := e.snapshotLocked(info)
	fn := e.onEvent
	e.mu.Unlock()

	if e.sessions != nil && info.sessionID != "" {
		sessionStatus := "cancelled"
		if reason == StopReasonExpired {
			sessionStatus = "completed"
		}
		e.sessions.EndSession(info.sessionID, sessionStatus)
	}

	e.emit(fn, "timer_stopped", snapshot)
	e.logger.Info("Timer stopped", "project", project, "reason", reason)
	return true
}

// Pause freezes a running timer. Pausing a missing or already paused timer
// returns false.
func (e *Engine) Pause(project string) bool {
	e.mu.Lock()
	info, ok := e.timers[project]
	if !ok || info.paused {
		e.mu.Unlock()
		return false
	}
	info.paused = true
	info.pauseTime = e.now()
	info.status = StatusPaused
	snapshot := e.snapshotLocked(info)
	fn := e.onEvent
	e.mu.Unlock()

	e.emit(fn, "timer_paused", snapshot)
	e.logger.Info("Timer paused", "project", project)
	return true
}

// Resume unfreezes a paused timer, pushing the deadline out by the paused
// duration.
func (e *Engine) Resume(project string) bool {
	e.mu.Lock()
	info, ok := e.timers[project]
	if !ok || !info.paused {
		e.mu.Unlock()
		return false
	}
	pausedFor := e.now().Sub(info.pauseTime)
	info.pauseDuration += pausedFor
	info.endTime = info.endTime.Add(pausedFor)
	info.paused = false
	info.status = StatusRunning
	snapshot := e.snapshotLocked(info)
	fn := e.onEvent
	e.mu.Unlock()

	e.emit(fn, "timer_resumed", snapshot)
	e.logger.Info("Timer resumed", "project", project, "paused_seconds", pausedFor.Seconds())
	return true
}

// Extend adds seconds to a timer's deadline and total duration.
func (e *Engine) Extend(project string, additionalSeconds int) bool {
	e.mu.Lock()
	info, ok := e.timers[project]
	if !ok {
		e.mu.Unlock()
		return false
	}
	info.endTime = info.endTime.Add(time.Duration(additionalSeconds) * time.Second)
	info.duration += additionalSeconds
	snapshot := e.snapshotLocked(info)
	fn := e.onEvent
	e.mu.Unlock()

	e.emit(fn, "timer_extended", snapshot)
	e.logger.Info("Timer extended", "project", project, "additional_seconds", additionalSeconds)
	return true
}

// SessionID returns the analytics session linked to a project's timer.
func (e *Engine) SessionID(project string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.timers[project]
	if !ok || info.sessionID == "" {
		return "", false
	}
	return info.sessionID, true
}

// TimerStatus returns the snapshot for one project's timer.
func (e *Engine) TimerStatus(project string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.timers[project]
	if !ok {
		return Status{}, false
	}
	return e.snapshotLocked(info), true
}

// AllTimers summarises every active timer.
type AllTimers struct {
	ActiveTimerCount int               `json:"active_timer_count"`
	ActiveProjects   []string          `json:"active_projects"`
	Timers           map[string]Status `json:"timers"`
}

// AllStatus returns snapshots for every active timer.
func (e *Engine) AllStatus() AllTimers {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := AllTimers{Timers: map[string]Status{}}
	for project, info := range e.timers {
		all.ActiveProjects = append(all.ActiveProjects, project)
		all.Timers[project] = e.snapshotLocked(info)
	}
	all.ActiveTimerCount = len(e.timers)
	return all
}

// Shutdown stops every active timer with the given reason.
func (e *Engine) Shutdown(reason string) {
	e.mu.Lock()
	projects := make([]string, 0, len(e.timers))
	for project := range e.timers {
		projects = append(projects, project)
	}
	e.mu.Unlock()

	for _, project := range projects {
		e.Stop(project, reason)
	}
}

// ensureLoopLocked starts the tick loop if it is not running. Caller holds
// e.mu.
func (e *Engine) ensureLoopLocked() {
	if e.loopRunning {
		return
	}
	e.loopRunning = true
	go e.loop()
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !e.tick() {
			return
		}
	}
}

// tick updates all timers and fires expiries. Returns false when no timers
// remain, which ends the loop.
func (e *Engine) tick() bool {
	now := e.now()

	e.mu.Lock()
	var snapshots []Status
	var expired []*timerInfo
	for _, info := range e.timers {
		if info.paused {
			continue
		}
		remaining := info.endTime.Sub(now).Seconds()
		info.remaining = maxFloat(0, remaining)
		if remaining <= 0 && info.status == StatusRunning {
			info.status = StatusExpired
			expired = append(expired, info)
		}
		snapshots = append(snapshots, e.snapshotLocked(info))
	}
	fn := e.onEvent
	remaining := len(e.timers) > 0
	if !remaining {
		e.loopRunning = false
	}
	e.mu.Unlock()

	for _, snapshot := range snapshots {
		e.emit(fn, "timer_update", snapshot)
	}
	for _, info := range expired {
		e.expire(info, fn)
	}
	return remaining
}

// expire ends the analytics session as completed, emits timer_expired, and
// schedules removal after the grace period.
func (e *Engine) expire(info *timerInfo, fn EventFunc) {
	e.logger.Info("Timer expired", "project", info.project)

	if e.sessions != nil && info.sessionID != "" {
		e.sessions.EndSession(info.sessionID, "completed")
	}

	e.mu.Lock()
	snapshot := e.snapshotLocked(info)
	e.mu.Unlock()
	e.emit(fn, "timer_expired", snapshot)

	project := info.project
	time.AfterFunc(e.grace, func() {
		e.mu.Lock()
		if current, ok := e.timers[project]; ok && current.status == StatusExpired {
			delete(e.timers, project)
			metrics.ActiveTimers.Set(float64(len(e.timers)))
		}
		e.mu.Unlock()
	})
}

func (e *Engine) emit(fn EventFunc, event string, status Status) {
	if fn != nil {
		fn(event, status)
	}
}

// snapshotLocked builds a Status. Caller holds e.mu.
func (e *Engine) snapshotLocked(info *timerInfo) Status {
	return Status{
		ProjectName:        info.project,
		Status:             info.status,
		RemainingSeconds:   info.remaining,
		DurationSeconds:    info.duration,
		ProgressPercentage: Progress(info.duration, info.remaining),
		TimeRemaining:      FormatRemaining(info.remaining),
		DeployCommand:      info.deployCommand,
		Paused:             info.paused,
		CreatedAt:          info.createdAt.Format(time.RFC3339),
		SessionID:          info.sessionID,
	}
}

// Progress converts a duration and remaining seconds to a percentage
// clamped to [0,100].
func Progress(durationSeconds int, remainingSeconds float64) float64 {
	if durationSeconds <= 0 {
		return 100.0
	}
	elapsed := float64(durationSeconds) - remainingSeconds
	progress := elapsed / float64(durationSeconds) * 100
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

/// FormatRemaining renders seconds as MM:SS, or HH:MM:SS past an hour.
func FormatRemaining(seconds float64) string {
	if seconds <= 0 {
		return "00:00"
	}
	total := int(seconds)
	minutes := total / 60
	secs := total % 60
	if minutes >= 60 {
		hours := minutes / 60
		minutes = minutes % 60
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
