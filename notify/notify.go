// Package notify dispatches templated, actionable notifications. Every
// notification goes to the event bus for in-app display and, when enabled,
// to the platform notification channel as a fallback.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/deploybot-sh/deploybot/analytics"
	"github.com/deploybot-sh/deploybot/bus"
	"github.com/deploybot-sh/deploybot/catalog"
	"github.com/deploybot-sh/deploybot/metrics"
	"github.com/deploybot-sh/deploybot/redirect"
)

// maxHistory bounds the notification history.
const maxHistory = 50

// Template names.
const (
	TemplateDeployDetected    = "deploy_detected"
	TemplateTaskSuggestion    = "task_suggestion"
	TemplateTimerExpiry       = "timer_expiry"
	TemplateDeployCompleted   = "deploy_completed"
	TemplateUnifiedSuggestion = "unified_suggestion"
)

// Template defines a notification's fixed content.
type Template struct {
	Title    string
	Message  string
	Actions  []string
	Category string
	Sound    string
}

var templates = map[string]Template{
	TemplateDeployDetected: {
		Title:    "Deploy Started",
		Message:  "Cloud deployment initiated: {command}",
		Actions:  []string{"view_timer", "dismiss"},
		Category: "deploy",
		Sound:    "default",
	},
	TemplateTaskSuggestion: {
		Title:    "Task Suggestion",
		Message:  "While waiting for propagation: {task_text}",
		Actions:  []string{"switch_now", "snooze_5min", "dismiss"},
		Category: "task",
		Sound:    "default",
	},
	TemplateTimerExpiry: {
		Title:    "Propagation Complete",
		Message:  "Cloud deployment ready for {project}",
		Actions:  []string{"view_project", "dismiss"},
		Category: "timer",
		Sound:    "default",
	},
	TemplateDeployCompleted: {
		Title:    "Local Deploy Complete",
		Message:  "Starting cloud propagation: {status}",
		Actions:  []string{"view_logs", "dismiss"},
		Category: "deploy",
		Sound:    "success",
	},
	TemplateUnifiedSuggestion: {
		Title:    "Task & Timer Update",
		Message:  "Timer update with task suggestion available",
		Actions:  []string{"switch_to_task", "start_new_timer", "view_timer", "snooze", "dismiss"},
		Category: "unified",
		Sound:    "default",
	},
}

// Notification is a dispatched notification awaiting a response.
type Notification struct {
	ID       string         `json:"id"`
	Template string         `json:"template"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Actions  []string       `json:"actions"`
	Category string         `json:"category"`
	Sound    string         `json:"sound"`
	Created  string         `json:"timestamp"`
	Data     map[string]any `json:"data"`

	createdAt   time.Time
	task        *catalog.Task
	projectPath string
	reminded    bool
}

// HistoryEntry is the trimmed record kept after a notification is gone.
type HistoryEntry struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Created  string `json:"timestamp"`
}

// Interactions is the analytics surface the dispatcher records through.
// *analytics.Store satisfies it.
type Interactions interface {
	RecordInteraction(suggestionID, interactionType string, responseTime float64, project string, task *analytics.TaskInfo) error
	RecordSwitch(sessionID, project string) bool
	ActiveSessionForProject(project string) (string, bool)
	UpdateSessionTaskCounts(sessionID string, suggested, accepted int) bool
}

// TimerStarter starts a countdown. *timer.Engine satisfies it.
type TimerStarter interface {
	Start(project string, duration int, deployCommand string) error
}

// AppOpener performs a task redirection. *redirect.Redirector satisfies it.
type AppOpener interface {
	RedirectToTask(ctx context.Context, task catalog.Task, tctx redirect.TaskContext) redirect.Result
}

// Channel delivers a notification to the platform (outside the app).
type Channel interface {
	Deliver(ctx context.Context, title, message, sound string) error
}

// Preferences tune dispatch behaviour.
type Preferences struct {
	// SystemNotifications forwards to the platform channel when true.
	SystemNotifications bool
	// Sound passes the template sound to the platform channel.
	Sound bool
	// AutoDismissSeconds auto-dismisses after the interval; 0 keeps
	// notifications until answered.
	AutoDismissSeconds int
}

// DefaultPreferences match the shipped behaviour: platform fallback on,
// persistent notifications.
func DefaultPreferences() Preferences {
	return Preferences{SystemNotifications: true, Sound: true, AutoDismissSeconds: 0}
}

// Dispatcher emits notifications and correlates responses back into
// analytics, the timer engine, and the redirector.
type Dispatcher struct {
	bus        *bus.Bus
	analytics  Interactions
	timers     TimerStarter
	redirector AppOpener
	channel    Channel
	logger     *slog.Logger

	mu      sync.Mutex
	prefs   Preferences
	active  map[string]*Notification
	history []HistoryEntry

	now           func() time.Time
	snoozeDelay   func(minutes int) time.Duration
	dismissDelay  func(seconds int) time.Duration
	snoozeTimers  map[string]*time.Timer
	dismissTimers map[string]*time.Timer
}

// New creates a Dispatcher. channel may be nil to disable platform delivery.
func New(b *bus.Bus, interactions Interactions, timers TimerStarter, redirector AppOpener, channel Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bus:           b,
		analytics:     interactions,
		timers:        timers,
		redirector:    redirector,
		channel:       channel,
		logger:        logger,
		prefs:         DefaultPreferences(),
		active:        make(map[string]*Notification),
		now:           time.Now,
		snoozeDelay:   func(minutes int) time.Duration { return time.Duration(minutes) * time.Minute },
		dismissDelay:  func(seconds int) time.Duration { return time.Duration(seconds) * time.Second },
		snoozeTimers:  make(map[string]*time.Timer),
		dismissTimers: make(map[string]*time.Timer),
	}
}

// SetPreferences replaces the dispatch preferences.
func (d *Dispatcher) SetPreferences(p Preferences) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prefs = p
}

// NotifyDeployDetected announces a detected deploy.
func (d *Dispatcher) NotifyDeployDetected(project, deployCommand string, timerDuration int) string {
	return d.emit(TemplateDeployDetected, map[string]any{
		"type":           TemplateDeployDetected,
		"project_name":   project,
		"deploy_command": deployCommand,
		"timer_duration": timerDuration,
	}, nil, "")
}

// SuggestionContext carries redirection context through to a response.
type SuggestionContext struct {
	ProjectPath   string
	DeployActive  bool
	TimerDuration int
}

// NotifyTaskSuggestion suggests an alternative task.
func (d *Dispatcher) NotifyTaskSuggestion(project string, task catalog.Task, sctx SuggestionContext) string {
	return d.emit(TemplateTaskSuggestion, map[string]any{
		"type":               TemplateTaskSuggestion,
		"project_name":       project,
		"task":               taskData(task),
		"estimated_duration": task.EstimatedDuration,
		"deploy_active":      sctx.DeployActive,
		"timer_duration":     sctx.TimerDuration,
	}, &task, sctx.ProjectPath)
}

// NotifyTimerExpiry announces a finished propagation window.
func (d *Dispatcher) NotifyTimerExpiry(project string, timerInfo map[string]any) string {
	return d.emit(TemplateTimerExpiry, map[string]any{
		"type":         TemplateTimerExpiry,
		"project_name": project,
		"timer_info":   timerInfo,
	}, nil, "")
}

// NotifyDeployCompleted announces a finished local deploy.
func (d *Dispatcher) NotifyDeployCompleted(project, deployCommand string, success bool, exitCode int) string {
	status := "successfully"
	if !success {
		status = fmt.Sprintf("with error (exit code: %d)", exitCode)
	}
	return d.emit(TemplateDeployCompleted, map[string]any{
		"type":           TemplateDeployCompleted,
		"project_name":   project,
		"deploy_command": deployCommand,
		"success":        success,
		"exit_code":      exitCode,
		"status":         status,
	}, nil, "")
}

// NotifyUnifiedSuggestion combines timer state and a task suggestion in a
// single notification.
func (d *Dispatcher) NotifyUnifiedSuggestion(project string, timerInfo map[string]any, task *catalog.Task, sctx SuggestionContext) string {
	var parts []string
	if timerInfo != nil {
		switch status, _ := timerInfo["status"].(string); status {
		case "expired":
			parts = append(parts, "Timer expired for "+project)
		case "running":
			remaining, _ := timerInfo["time_remaining_formatted"].(string)
			if remaining == "" {
				remaining = "unknown"
			}
			parts = append(parts, "Timer running: "+remaining+" left")
		default:
			parts = append(parts, "Timer "+status)
		}
	}
	if task != nil {
		parts = append(parts, "Suggested: "+task.Text)
	}
	if len(parts) == 0 {
		parts = append(parts, "Workflow update available")
	}

	data := map[string]any{
		"type":         TemplateUnifiedSuggestion,
		"project_name": project,
		"timer_info":   timerInfo,
		"has_timer":    timerInfo != nil,
		"has_task":     task != nil,
		"message":      strings.Join(parts, " | "),
	}
	if task != nil {
		data["task"] = taskData(*task)
		data["estimated_duration"] = task.EstimatedDuration
	}

	return d.emit(TemplateUnifiedSuggestion, data, task, sctx.ProjectPath)
}

func taskData(task catalog.Task) map[string]any {
	return map[string]any{
		"id":                 task.ID,
		"text":               task.Text,
		"tags":               task.Tags,
		"app":                task.App,
		"priority":           task.Priority,
		"estimated_duration": task.EstimatedDuration,
		"suggestion_id":      task.SuggestionID,
	}
}

// emit formats, stores, and fans out a notification, returning its id.
func (d *Dispatcher) emit(templateName string, data map[string]any, task *catalog.Task, projectPath string) string {
	template := templates[templateName]
	now := d.now()

	message := formatTemplate(template.Message, data)
	if override, ok := data["message"].(string); ok && override != "" {
		message = override
	}

	n := &Notification{
		ID:          fmt.Sprintf("%s_%d", templateName, now.UnixMilli()),
		Template:    templateName,
		Title:       formatTemplate(template.Title, data),
		Message:     message,
		Actions:     template.Actions,
		Category:    template.Category,
		Sound:       template.Sound,
		Created:     now.Format(time.RFC3339),
		Data:        data,
		createdAt:   now,
		task:        task,
		projectPath: projectPath,
	}

	d.mu.Lock()
	d.active[n.ID] = n
	d.appendHistoryLocked(n)
	prefs := d.prefs
	if prefs.AutoDismissSeconds > 0 {
		id := n.ID
		d.dismissTimers[id] = time.AfterFunc(d.dismissDelay(prefs.AutoDismissSeconds), func() {
			d.Respond(id, "auto_dismiss", nil)
		})
	}
	d.mu.Unlock()

	d.deliver(n, prefs)
	d.logger.Info("Notification sent", "id", n.ID, "template", templateName)
	return n.ID
}

func (d *Dispatcher) deliver(n *Notification, prefs Preferences) {
	d.bus.PublishEvent(bus.TypeNotification, "show_custom", map[string]any{
		"notification": n,
	})

	if prefs.SystemNotifications && d.channel != nil {
		sound := ""
		if prefs.Sound {
			sound = n.Sound
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.channel.Deliver(ctx, n.Title, n.Message, sound); err != nil {
			d.logger.Warn("Platform notification failed", "id", n.ID, "error", err)
		}
	}
}

// Respond applies a user action to an active notification. Returns false when
// the notification is unknown.
func (d *Dispatcher) Respond(id, action string, extra map[string]any) bool {
	d.mu.Lock()
	n, ok := d.active[id]
	if !ok {
		d.mu.Unlock()
		d.logger.Warn("Notification not found", "id", id, "action", action)
		return false
	}
	responseTime := d.now().Sub(n.createdAt).Seconds()
	snoozing := strings.HasPrefix(action, "snooze")
	delete(d.active, id)
	if t, exists := d.dismissTimers[id]; exists {
		t.Stop()
		delete(d.dismissTimers, id)
	}
	d.mu.Unlock()

	d.recordInteraction(n, action, responseTime)
	d.processAction(n, action, extra)

	if snoozing {
		d.scheduleResend(n, snoozeMinutes(action, extra))
	}

	d.logger.Info("Notification response processed", "id", id, "action", action,
		"response_time_s", responseTime)
	return true
}

// recordInteraction maps the action to an analytics interaction type. Only
// suggestion notifications carry a suggestion to record against.
func (d *Dispatcher) recordInteraction(n *Notification, action string, responseTime float64) {
	if d.analytics == nil {
		return
	}
	if n.Template != TemplateTaskSuggestion && n.Template != TemplateUnifiedSuggestion {
		return
	}
	if n.task == nil || n.task.SuggestionID == "" {
		d.logger.Warn("No suggestion id for interaction tracking", "id", n.ID)
		return
	}

	interactionType := analytics.InteractionIgnored
	switch {
	case action == "switch_now" || action == "switch_to_task":
		interactionType = analytics.InteractionAccepted
	case strings.HasPrefix(action, "snooze"):
		interactionType = analytics.InteractionSnoozed
	case action == "dismiss":
		interactionType = analytics.InteractionDismissed
	}

	project, _ := n.Data["project_name"].(string)
	info := taskInfo(*n.task)
	if err := d.analytics.RecordInteraction(n.task.SuggestionID, interactionType, responseTime, project, &info); err != nil {
		d.logger.Warn("Failed to record interaction", "id", n.ID, "error", err)
		return
	}
	metrics.NotificationInteractions.WithLabelValues(interactionType).Inc()
}

func taskInfo(task catalog.Task) analytics.TaskInfo {
	return analytics.TaskInfo{
		ID:                fmt.Sprintf("%d", task.ID),
		Text:              task.Text,
		Tags:              task.Tags,
		App:               task.App,
		Priority:          task.Priority,
		EstimatedDuration: task.EstimatedDuration,
	}
}

func (d *Dispatcher) processAction(n *Notification, action string, extra map[string]any) {
	project, _ := n.Data["project_name"].(string)

	switch {
	case (action == "switch_now" && n.Template == TemplateTaskSuggestion) ||
		(action == "switch_to_task" && n.Template == TemplateUnifiedSuggestion):
		d.handleSwitch(n, project)

	case action == "start_new_timer" && n.Template == TemplateUnifiedSuggestion:
		duration := intFrom(extra, "duration", 1800)
		if d.timers != nil {
			if err := d.timers.Start(project, duration, "Manual timer for "+project); err != nil {
				d.logger.Warn("Failed to start timer from notification", "project", project, "error", err)
			}
		}

	case action == "view_timer":
		d.bus.PublishEvent(bus.TypeTimer, "status_request", map[string]any{
			"project_name": project,
		})

	case action == "view_logs" && n.Template == TemplateDeployCompleted:
		d.bus.PublishEvent(bus.TypeLogs, "deploy_logs_request", map[string]any{
			"project_name": project,
		})
	}
}

// handleSwitch records the first switch press, opens the task's app, and
// reports the redirection result.
func (d *Dispatcher) handleSwitch(n *Notification, project string) {
	if n.task == nil {
		d.logger.Warn("Switch action without task", "id", n.ID)
		return
	}

	var sessionID string
	if d.analytics != nil {
		var found bool
		sessionID, found = d.analytics.ActiveSessionForProject(project)
		if found {
			d.analytics.RecordSwitch(sessionID, project)
		} else {
			d.logger.Warn("No active session for switch tracking", "project", project)
		}
	}

	var result redirect.Result
	if d.redirector != nil {
		timerDuration := intFrom(n.Data, "timer_duration", 1800)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result = d.redirector.RedirectToTask(ctx, *n.task, redirect.TaskContext{
			ProjectName:   project,
			ProjectPath:   n.projectPath,
			TimerDuration: timerDuration,
		})
	}

	if result.Success && d.analytics != nil && sessionID != "" {
		d.analytics.UpdateSessionTaskCounts(sessionID, 0, 1)
	}

	d.bus.PublishEvent(bus.TypeTask, "redirection_result", map[string]any{
		"task":            taskData(*n.task),
		"redirect_result": result,
		"project_name":    project,
		"session_id":      sessionID,
		"switch_recorded": sessionID != "",
	})
}

// scheduleResend re-emits a snoozed notification after the delay with a
// fresh id and a single " (Reminder)" suffix.
func (d *Dispatcher) scheduleResend(n *Notification, minutes int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	timer := time.AfterFunc(d.snoozeDelay(minutes), func() {
		now := d.now()
		resend := *n
		resend.ID = fmt.Sprintf("%s_resend_%d", n.Template, now.UnixMilli())
		resend.Created = now.Format(time.RFC3339)
		resend.createdAt = now
		if !resend.reminded {
			resend.Message += " (Reminder)"
			resend.reminded = true
		}

		d.mu.Lock()
		d.active[resend.ID] = &resend
		d.appendHistoryLocked(&resend)
		delete(d.snoozeTimers, n.ID)
		prefs := d.prefs
		d.mu.Unlock()

		d.deliver(&resend, prefs)
		d.logger.Info("Snoozed notification re-sent", "id", resend.ID, "original", n.ID)
	})
	d.snoozeTimers[n.ID] = timer
}

func snoozeMinutes(action string, extra map[string]any) int {
	switch action {
	case "snooze_5min":
		return 5
	case "snooze_10min":
		return 10
	default:
		return intFrom(extra, "snooze_minutes", 5)
	}
}

// Active returns a snapshot of the undismissed notifications.
func (d *Dispatcher) Active() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Notification, 0, len(d.active))
	for _, n := range d.active {
		out = append(out, *n)
	}
	return out
}

// History returns up to limit recent entries, oldest first.
func (d *Dispatcher) History(limit int) []HistoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]HistoryEntry, limit)
	copy(out, d.history[len(d.history)-limit:])
	return out
}

// DismissAll dismisses every active notification, returning the count.
func (d *Dispatcher) DismissAll() int {
	d.mu.Lock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	// Recorded as "dismiss" so bulk dismissal matches the analytics of
	// dismissing each notification individually.
	for _, id := range ids {
		d.Respond(id, "dismiss", nil)
	}
	return len(ids)
}

// Shutdown cancels pending snooze and auto-dismiss timers.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.snoozeTimers {
		t.Stop()
		delete(d.snoozeTimers, id)
	}
	for id, t := range d.dismissTimers {
		t.Stop()
		delete(d.dismissTimers, id)
	}
}

func (d *Dispatcher) appendHistoryLocked(n *Notification) {
	d.history = append(d.history, HistoryEntry{
		ID:       n.ID,
		Title:    n.Title,
		Message:  n.Message,
		Category: n.Category,
		Created:  n.Created,
	})
	if len(d.history) > maxHistory {
		d.history = d.history[len(d.history)-maxHistory:]
	}
}

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// formatTemplate substitutes {name} placeholders from the flattened data.
// Unknown placeholders are left as-is.
func formatTemplate(template string, data map[string]any) string {
	flat := flatten(data)
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if value, ok := flat[key]; ok {
			return value
		}
		return match
	})
}

// flatten turns nested maps into underscore-joined keys and adds the common
// aliases the templates use.
func flatten(data map[string]any) map[string]string {
	flat := make(map[string]string)
	for key, value := range data {
		if nested, ok := value.(map[string]any); ok {
			for nestedKey, nestedValue := range nested {
				flat[key+"_"+nestedKey] = fmt.Sprintf("%v", nestedValue)
			}
			continue
		}
		flat[key] = fmt.Sprintf("%v", value)
	}
	if project, ok := data["project_name"]; ok {
		flat["project"] = fmt.Sprintf("%v", project)
	}
	if command, ok := data["deploy_command"]; ok {
		flat["command"] = fmt.Sprintf("%v", command)
	}
	return flat
}

func intFrom(data map[string]any, key string, fallback int) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
