// Package orchestrator coordinates the deploy workflow. It reacts to
// monitor events by starting timers and scheduling task suggestions,
// bridges timer lifecycle events onto the bus, and executes the command
// surface exposed through the websocket gateway.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/deploybot-sh/deploybot/activity"
	"github.com/deploybot-sh/deploybot/bus"
	"github.com/deploybot-sh/deploybot/catalog"
	"github.com/deploybot-sh/deploybot/metrics"
	"github.com/deploybot-sh/deploybot/monitor"
	"github.com/deploybot-sh/deploybot/notify"
	"github.com/deploybot-sh/deploybot/project"
	"github.com/deploybot-sh/deploybot/redirect"
	"github.com/deploybot-sh/deploybot/selector"
	"github.com/deploybot-sh/deploybot/timer"
	"github.com/deploybot-sh/deploybot/wrapper"
)

// defaultTimerSeconds is the propagation window used when neither the
// command nor the project config names one.
const defaultTimerSeconds = 1800

// defaultSimulatedCommand is appended by simulate-deploy when the client
// does not supply a command.
const defaultSimulatedCommand = "firebase deploy --test"

// AppOpener performs a task redirection. *redirect.Redirector satisfies it.
type AppOpener interface {
	RedirectToTask(ctx context.Context, task catalog.Task, tctx redirect.TaskContext) redirect.Result
}

// Deps are the components the orchestrator coordinates.
type Deps struct {
	Bus        *bus.Bus
	Monitor    *monitor.Monitor
	Timers     *timer.Engine
	Activity   *activity.Logger
	Selector   *selector.Selector
	Notifier   *notify.Dispatcher
	Projects   *project.Manager
	Wrapper    *wrapper.Manager
	Redirector AppOpener
	Logger     *slog.Logger

	// DefaultTimerSeconds overrides the built-in 1800s window.
	DefaultTimerSeconds int
	// GracePeriod delays the unified suggestion after a deploy is detected.
	GracePeriod time.Duration
	// UseLLM enables LLM task selection; heuristics apply either way.
	UseLLM bool
}

// Core wires deploy detection to timers, suggestions, and notifications,
// and implements the gateway's Commander.
type Core struct {
	bus        *bus.Bus
	monitor    *monitor.Monitor
	timers     *timer.Engine
	activity   *activity.Logger
	selector   *selector.Selector
	notifier   *notify.Dispatcher
	projects   *project.Manager
	wrapper    *wrapper.Manager
	redirector AppOpener
	logger     *slog.Logger

	defaultTimer int
	grace        time.Duration
	useLLM       bool

	ctx context.Context
	now func() time.Time

	mu             sync.Mutex
	currentProject string
	deployDetected bool
	pending        map[string]*time.Timer
}

// New creates a Core and registers its monitor and timer callbacks.
func New(d Deps) *Core {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaultTimer := d.DefaultTimerSeconds
	if defaultTimer <= 0 {
		defaultTimer = defaultTimerSeconds
	}

	c := &Core{
		bus:          d.Bus,
		monitor:      d.Monitor,
		timers:       d.Timers,
		activity:     d.Activity,
		selector:     d.Selector,
		notifier:     d.Notifier,
		projects:     d.Projects,
		wrapper:      d.Wrapper,
		redirector:   d.Redirector,
		logger:       logger,
		defaultTimer: defaultTimer,
		grace:        d.GracePeriod,
		useLLM:       d.UseLLM,
		ctx:          context.Background(),
		now:          time.Now,
		pending:      make(map[string]*time.Timer),
	}

	c.monitor.OnDeployStarted(c.handleDeployStarted)
	c.monitor.OnDeployCompleted(c.handleDeployCompleted)
	c.timers.OnEvent(c.handleTimerEvent)
	return c
}

// Start begins background processing: the activity logger, then the log
// monitor. Monitoring starts automatically so wrapped deploys are caught
// without a client attached.
func (c *Core) Start(ctx context.Context) error {
	c.ctx = ctx
	c.activity.Start(ctx)

	if err := c.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}
	c.activity.MonitoringStarted()
	c.logger.Info("Deploy orchestration started")
	return nil
}

// Shutdown stops background work in dependency order.
func (c *Core) Shutdown() {
	c.mu.Lock()
	for project, t := range c.pending {
		t.Stop()
		delete(c.pending, project)
	}
	c.mu.Unlock()

	c.monitor.Stop()
	c.timers.Shutdown("shutdown")
	c.notifier.Shutdown()
	c.activity.Stop()
	c.logger.Info("Deploy orchestration stopped")
}

// ConnectedState is the payload sent to a freshly connected client.
func (c *Core) ConnectedState() map[string]any {
	monitoring := c.monitor.Status().MonitoringActive

	c.mu.Lock()
	current := c.currentProject
	c.mu.Unlock()

	return map[string]any{
		"monitoring_active": monitoring,
		"current_project":   current,
		"timestamp":         c.now().Format(time.RFC3339),
	}
}

// handleDeployStarted runs when the monitor sees a DEPLOY line: it starts
// the propagation timer, checks for pending tasks, and either schedules a
// unified suggestion or notifies immediately.
func (c *Core) handleDeployStarted(projectName, command, projectPath string) {
	c.mu.Lock()
	c.deployDetected = true
	c.currentProject = projectName
	c.mu.Unlock()

	metrics.DeploysDetected.WithLabelValues(projectName).Inc()
	c.logger.Info("Deploy detected", "project", projectName, "command", command)

	c.bus.PublishEvent(bus.TypeSystem, "focus_window", map[string]any{
		"action":       "focus",
		"project_name": projectName,
	})
	c.activity.DeployDetected(projectName, command, projectPath)

	duration := c.defaultTimer
	if config, err := c.projects.Config(projectPath); err == nil {
		duration = project.TimerDuration(config, duration)
	}
	if err := c.timers.Start(projectName, duration, command); err != nil {
		c.logger.Warn("Failed to start deploy timer", "project", projectName, "error", err)
	}

	tasks, err := catalog.ParseFile(filepath.Join(projectPath, "TODO.md"))
	if err != nil {
		c.logger.Warn("Failed to read task list", "project", projectName, "error", err)
	}
	hasTasks := lo.SomeBy(tasks, func(t catalog.Task) bool { return !t.Completed })

	if hasTasks {
		c.scheduleUnifiedSuggestion(projectName, projectPath, command)
	} else {
		c.notifier.NotifyDeployDetected(projectName, command, duration)
	}

	c.bus.PublishEvent(bus.TypeDeploy, "deploy_detected", map[string]any{
		"project":        projectName,
		"command":        command,
		"timer_duration": duration,
		"grace_period":   int(c.grace.Seconds()),
		"has_tasks":      hasTasks,
	})
}

// handleDeployCompleted runs on a DEPLOY_COMPLETE line. The propagation
// timer keeps running: completion of the local command is when cloud
// propagation begins.
func (c *Core) handleDeployCompleted(projectName, command string, exitCode int, projectPath string) {
	c.mu.Lock()
	c.deployDetected = false
	c.mu.Unlock()

	success := exitCode == 0
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.DeploysCompleted.WithLabelValues(projectName, outcome).Inc()
	c.logger.Info("Deploy completed", "project", projectName, "exit_code", exitCode)

	c.activity.DeployCompleted(projectName, command, exitCode, projectPath)
	c.notifier.NotifyDeployCompleted(projectName, command, success, exitCode)

	c.bus.PublishEvent(bus.TypeDeploy, "deploy_completed", map[string]any{
		"project":   projectName,
		"command":   command,
		"exit_code": exitCode,
		"success":   success,
	})
}

// scheduleUnifiedSuggestion queues the suggestion after the grace period,
// replacing any suggestion already pending for the project.
func (c *Core) scheduleUnifiedSuggestion(projectName, projectPath, command string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.pending[projectName]; ok {
		t.Stop()
	}
	c.pending[projectName] = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		delete(c.pending, projectName)
		c.mu.Unlock()
		c.unifiedSuggestion(projectName, projectPath, command)
	})
}

// unifiedSuggestion selects a task and sends the combined timer and task
// notification, falling back to a plain deploy notification when no task
// fits.
func (c *Core) unifiedSuggestion(projectName, projectPath, command string) {
	c.bus.PublishEvent(bus.TypeSystem, "focus_window", map[string]any{
		"action":       "focus",
		"project_name": projectName,
	})

	duration := c.defaultTimer
	var timerInfo map[string]any
	if status, ok := c.timers.TimerStatus(projectName); ok {
		timerInfo = jsonMap(status)
		duration = status.DurationSeconds
	}

	result, err := c.selector.SelectBestTask(c.ctx, projectPath, selector.Context{
		ProjectName:   projectName,
		DeployActive:  true,
		TimerDuration: duration,
		DeployCommand: command,
		UseLLM:        c.useLLM,
	})
	if err != nil || result == nil {
		if err != nil {
			c.logger.Warn("Task selection failed", "project", projectName, "error", err)
		}
		c.notifier.NotifyDeployDetected(projectName, command, duration)
		return
	}

	metrics.SuggestionsIssued.WithLabelValues(result.Method).Inc()
	c.activity.TaskSelected(projectName, result.Task.Text, result.Task.Tags, result.Task.App)

	notificationID := c.notifier.NotifyUnifiedSuggestion(projectName, timerInfo, &result.Task, notify.SuggestionContext{
		ProjectPath:   projectPath,
		DeployActive:  true,
		TimerDuration: duration,
	})

	c.bus.PublishEvent(bus.TypeTask, "unified_suggested", map[string]any{
		"project":    projectName,
		"task":       taskMap(result.Task),
		"timer_info": timerInfo,
		"context": map[string]any{
			"method":     result.Method,
			"reasoning":  result.Reasoning,
			"confidence": result.Confidence,
		},
		"notification_id": notificationID,
	})
}

// handleTimerEvent republishes timer lifecycle events to clients and
// handles expiry side effects.
func (c *Core) handleTimerEvent(event string, status timer.Status) {
	c.bus.PublishEvent(bus.TypeTimer, event, jsonMap(status))

	if event == "timer_expired" {
		c.activity.TimerExpired(status.ProjectName)
		c.notifier.NotifyTimerExpiry(status.ProjectName, jsonMap(status))
	}
}
