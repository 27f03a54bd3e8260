package activity

import "fmt"

// Typed helpers for the well-known event types. Each one funnels into Log
// with a consistent message shape so the per-project logs stay greppable.

// DeployDetected records a deploy start observed by the monitor.
func (l *Logger) DeployDetected(project, command, projectPath string) {
	l.LogWithPath(project, projectPath, "DEPLOY_DETECTED",
		fmt.Sprintf("Deploy detected: %s", command),
		map[string]any{"deploy_command": command, "event_category": "deployment"})
}

// DeployCompleted records a deploy completion with its exit code.
func (l *Logger) DeployCompleted(project, command string, exitCode int, projectPath string) {
	status := "success"
	if exitCode != 0 {
		status = "failed"
	}
	l.LogWithPath(project, projectPath, "DEPLOY_COMPLETED",
		fmt.Sprintf("Deploy %s: %s (exit code: %d)", status, command, exitCode),
		map[string]any{"deploy_command": command, "exit_code": exitCode, "event_category": "deployment"})
}

// TimerStarted records a propagation timer start.
func (l *Logger) TimerStarted(project string, durationSeconds int, command string) {
	l.Log(project, "TIMER_STARTED",
		fmt.Sprintf("Deploy timer started: %d minutes", durationSeconds/60),
		map[string]any{"duration_seconds": durationSeconds, "deploy_command": command, "event_category": "timer"})
}

// TimerExpired records a timer reaching zero.
func (l *Logger) TimerExpired(project string) {
	l.Log(project, "TIMER_EXPIRED",
		"Deploy timer expired - productivity period ended",
		map[string]any{"event_category": "timer"})
}

// TimerStopped records a timer stopped before expiry.
func (l *Logger) TimerStopped(project, reason string) {
	l.Log(project, "TIMER_STOPPED",
		fmt.Sprintf("Deploy timer stopped: %s", reason),
		map[string]any{"stop_reason": reason, "event_category": "timer"})
}

// TaskSelected records which alternate task was chosen for a project.
func (l *Logger) TaskSelected(project, taskText string, tags []string, app string) {
	l.Log(project, "TASK_SELECTED",
		fmt.Sprintf("Task selected: %s", taskText),
		map[string]any{"task_text": taskText, "tags": tags, "target_app": app, "event_category": "task_management"})
}

// AppOpened records a redirection into a target application.
func (l *Logger) AppOpened(project, app, taskText string) {
	msg := fmt.Sprintf("App opened: %s", app)
	if taskText != "" {
		msg += fmt.Sprintf(" for task: %s", taskText)
	}
	l.Log(project, "APP_OPENED", msg,
		map[string]any{"app_name": app, "task_text": taskText, "event_category": "redirection"})
}

// ProjectCreated records project creation.
func (l *Logger) ProjectCreated(project, path string) {
	l.LogWithPath(project, path, "PROJECT_CREATED",
		fmt.Sprintf("Project created: %s", project),
		map[string]any{"project_path": path, "event_category": "project_management"})
}

// ProjectDeleted records project deletion. Routed to the system log because
// the project directory is already gone.
func (l *Logger) ProjectDeleted(project string) {
	l.Log(SystemProject, "PROJECT_DELETED",
		fmt.Sprintf("Project deleted: %s", project),
		map[string]any{"event_category": "project_management"})
}

// WrapperInstalled records the outcome of a wrapper installation.
func (l *Logger) WrapperInstalled(success bool, wrapperPath string) {
	eventType := "WRAPPER_INSTALLED"
	msg := "Deploy wrapper installed successfully"
	if !success {
		eventType = "WRAPPER_INSTALL_FAILED"
		msg = "Deploy wrapper installation failed"
	}
	l.Log(SystemProject, eventType, msg,
		map[string]any{"wrapper_path": wrapperPath, "success": success, "event_category": "system"})
}

// MonitoringStarted records that deploy monitoring began.
func (l *Logger) MonitoringStarted() {
	l.Log(SystemProject, "MONITORING_STARTED", "Deploy monitoring started",
		map[string]any{"event_category": "system"})
}

// MonitoringStopped records that deploy monitoring stopped.
func (l *Logger) MonitoringStopped() {
	l.Log(SystemProject, "MONITORING_STOPPED", "Deploy monitoring stopped",
		map[string]any{"event_category": "system"})
}
