package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deploybot-sh/deploybot/activity"
	"github.com/deploybot-sh/deploybot/bus"
	"github.com/deploybot-sh/deploybot/catalog"
	"github.com/deploybot-sh/deploybot/metrics"
	"github.com/deploybot-sh/deploybot/project"
	"github.com/deploybot-sh/deploybot/redirect"
	"github.com/deploybot-sh/deploybot/selector"
)

// Execute runs one client command. Expected failures (missing fields,
// unknown names) return a success:false payload; returned errors are
// internal and wrapped by the gateway.
func (c *Core) Execute(ctx context.Context, command string, data map[string]any) (map[string]any, error) {
	switch command {
	case "ping":
		return map[string]any{
			"success":       true,
			"message":       "pong",
			"timestamp":     c.now().Format(time.RFC3339),
			"server_status": "running",
		}, nil

	case "status":
		return c.statusCommand(), nil

	case "start-monitoring":
		return c.startMonitoring()

	case "stop-monitoring":
		return c.stopMonitoring()

	case "check-monitor":
		status := c.monitor.Status()
		return map[string]any{
			"success":            true,
			"monitoring_active":  status.MonitoringActive,
			"monitored_projects": status.MonitoredProjects,
			"last_check":         c.now().Format(time.RFC3339),
		}, nil

	case "direct-add-to-monitoring":
		return c.addToMonitoring(data)

	case "project-create":
		return c.projectCreate(data)

	case "project-list":
		resp := jsonMap(c.projects.List())
		resp["success"] = true
		return resp, nil

	case "project-delete":
		return c.projectDelete(data)

	case "project-load":
		return c.projectLoad(data)

	case "wrapper-status":
		resp := jsonMap(c.wrapper.Status())
		resp["success"] = true
		return resp, nil

	case "wrapper-install":
		result, err := c.wrapper.Install()
		if err != nil {
			c.activity.WrapperInstalled(false, "")
			return fail("Wrapper installation failed: %s", err)
		}
		c.activity.WrapperInstalled(true, result.WrapperPath)
		resp := jsonMap(result)
		resp["success"] = true
		return resp, nil

	case "wrapper-uninstall":
		result, err := c.wrapper.Uninstall()
		if err != nil {
			return fail("Wrapper removal failed: %s", err)
		}
		resp := jsonMap(result)
		resp["success"] = true
		return resp, nil

	case "timer-start":
		return c.timerStart(data)

	case "timer-stop":
		return c.timerStop(data)

	case "timer-status":
		return c.timerStatus(data), nil

	case "simulate-deploy":
		return c.simulateDeploy(data)

	case "get-task-suggestions":
		return c.taskSuggestions(ctx, data)

	case "redirect-to-task":
		return c.redirectToTask(ctx, data)

	case "notification-response":
		return c.notificationResponse(data, data)

	case "notification-action":
		extra, _ := data["data"].(map[string]any)
		return c.notificationResponse(data, extra)

	case "get-logs":
		return c.getLogs(data)

	default:
		return fail("Unknown command: %s", command)
	}
}

func (c *Core) statusCommand() map[string]any {
	monitorStatus := c.monitor.Status()
	timerStatus := c.timers.AllStatus()

	c.mu.Lock()
	current := c.currentProject
	detected := c.deployDetected
	c.mu.Unlock()

	return map[string]any{
		"success":           true,
		"monitoring_active": monitorStatus.MonitoringActive,
		"current_project":   current,
		"deploy_detected":   detected,
		"timer_active":      timerStatus.ActiveTimerCount > 0,
		"monitor_status":    jsonMap(monitorStatus),
		"timer_status":      jsonMap(timerStatus),
	}
}

func (c *Core) startMonitoring() (map[string]any, error) {
	if err := c.monitor.Start(c.ctx); err != nil {
		return nil, fmt.Errorf("start monitoring: %w", err)
	}
	c.activity.MonitoringStarted()
	c.bus.PublishEvent(bus.TypeSystem, "monitoring_started", map[string]any{
		"monitoring_active": true,
	})
	return map[string]any{
		"success":           true,
		"message":           "Monitoring started",
		"monitoring_active": true,
	}, nil
}

func (c *Core) stopMonitoring() (map[string]any, error) {
	c.monitor.Stop()
	c.activity.MonitoringStopped()
	c.bus.PublishEvent(bus.TypeSystem, "monitoring_stopped", map[string]any{
		"monitoring_active": false,
	})
	return map[string]any{
		"success":           true,
		"message":           "Monitoring stopped",
		"monitoring_active": false,
	}, nil
}

func (c *Core) addToMonitoring(data map[string]any) (map[string]any, error) {
	name := stringField(data, "project_name")
	path := stringField(data, "project_path")
	if name == "" || path == "" {
		return fail("project_name and project_path are required")
	}

	if err := c.monitor.AddProject(name, path); err != nil {
		return fail("Failed to add project to monitoring: %s", err)
	}

	c.mu.Lock()
	c.currentProject = name
	c.mu.Unlock()

	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Project %s added to monitoring", name),
		"project_name": name,
		"project_path": path,
	}, nil
}

func (c *Core) projectCreate(data map[string]any) (map[string]any, error) {
	name := stringField(data, "project_name")
	if name == "" {
		return fail("project_name is required")
	}

	created, err := c.projects.Create(project.CreateOptions{
		Name:            name,
		Description:     stringField(data, "description"),
		CustomDirectory: stringField(data, "custom_directory"),
		BackendServices: stringSlice(data, "backend_services"),
		DeployCommands:  stringSlice(data, "deploy_commands"),
		DefaultTimer:    intOr(data, "default_timer", 0),
	})
	if err != nil {
		return fail("Failed to create project: %s", err)
	}

	c.activity.ProjectCreated(created.Name, created.Path)
	resp := jsonMap(created)
	resp["success"] = true
	return resp, nil
}

func (c *Core) projectDelete(data map[string]any) (map[string]any, error) {
	path, failResp := c.resolveProjectPath(data)
	if failResp != nil {
		return failResp, nil
	}

	name, err := c.projects.Delete(path)
	if err != nil {
		return fail("Failed to delete project: %s", err)
	}

	c.monitor.RemoveProject(name)
	c.activity.ProjectDeleted(name)

	c.mu.Lock()
	if c.currentProject == name {
		c.currentProject = ""
	}
	c.mu.Unlock()

	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Project %s deleted", name),
		"project_name": name,
	}, nil
}

func (c *Core) projectLoad(data map[string]any) (map[string]any, error) {
	path, failResp := c.resolveProjectPath(data)
	if failResp != nil {
		return failResp, nil
	}

	loaded, err := c.projects.Load(path)
	if err != nil {
		return fail("Failed to load project: %s", err)
	}

	// Loading a project brings it under monitoring and makes it current.
	if err := c.monitor.AddProject(loaded.Name, path); err != nil {
		c.logger.Warn("Loaded project could not be monitored",
			"project", loaded.Name, "error", err)
	}

	c.mu.Lock()
	c.currentProject = loaded.Name
	c.mu.Unlock()

	resp := jsonMap(loaded)
	resp["success"] = true
	return resp, nil
}

func (c *Core) timerStart(data map[string]any) (map[string]any, error) {
	projectName := stringField(data, "project_name")
	if projectName == "" {
		projectName = c.current()
	}
	if projectName == "" {
		return fail("No project specified and no current project")
	}

	duration := intOr(data, "duration_seconds", c.defaultTimer)
	command := stringField(data, "deploy_command")
	if command == "" {
		command = "Manual timer for " + projectName
	}

	if err := c.timers.Start(projectName, duration, command); err != nil {
		return fail("Failed to start timer: %s", err)
	}
	c.activity.TimerStarted(projectName, duration, command)

	return map[string]any{
		"success":  true,
		"project":  projectName,
		"duration": duration,
	}, nil
}

func (c *Core) timerStop(data map[string]any) (map[string]any, error) {
	projectName := stringField(data, "project_name")
	if projectName == "" {
		projectName = c.current()
	}
	if projectName == "" {
		return fail("No project specified and no current project")
	}

	if !c.timers.Stop(projectName, "manual") {
		return fail("No active timer for %s", projectName)
	}
	c.activity.TimerStopped(projectName, "manual")

	return map[string]any{
		"success": true,
		"project": projectName,
	}, nil
}

func (c *Core) timerStatus(data map[string]any) map[string]any {
	if projectName := stringField(data, "project_name"); projectName != "" {
		status, ok := c.timers.TimerStatus(projectName)
		if !ok {
			return map[string]any{
				"success": true,
				"timer_status": map[string]any{
					"project_name": projectName,
					"status":       "inactive",
				},
			}
		}
		return map[string]any{"success": true, "timer_status": jsonMap(status)}
	}
	return map[string]any{"success": true, "timer_status": jsonMap(c.timers.AllStatus())}
}

func (c *Core) simulateDeploy(data map[string]any) (map[string]any, error) {
	projectName := stringField(data, "project_name")
	if projectName == "" {
		projectName = c.current()
	}
	if projectName == "" {
		return fail("No project specified and no current project")
	}

	command := stringField(data, "command")
	if command == "" {
		command = defaultSimulatedCommand
	}

	if err := c.monitor.Simulate(projectName, command); err != nil {
		return fail("Failed to simulate deploy: %s", err)
	}

	return map[string]any{
		"success": true,
		"project": projectName,
		"command": command,
	}, nil
}

func (c *Core) taskSuggestions(ctx context.Context, data map[string]any) (map[string]any, error) {
	projectPath := stringField(data, "project_path")
	if projectPath == "" {
		return fail("project_path is required")
	}

	result, err := c.selector.SelectBestTask(ctx, projectPath, selector.Context{
		ProjectName:   stringField(data, "project_name"),
		DeployActive:  false,
		TimerDuration: intOr(data, "timer_duration", c.defaultTimer),
		UseLLM:        c.useLLM,
	})
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	if result == nil {
		return fail("No suitable tasks found")
	}

	metrics.SuggestionsIssued.WithLabelValues(result.Method).Inc()
	return map[string]any{
		"success":      true,
		"task":         taskMap(result.Task),
		"project_path": projectPath,
		"message":      "Task suggestion generated",
	}, nil
}

func (c *Core) redirectToTask(ctx context.Context, data map[string]any) (map[string]any, error) {
	rawTask, _ := data["task"].(map[string]any)
	if rawTask == nil {
		return fail("task is required")
	}
	task := taskFromMap(rawTask)
	if task.Text == "" {
		return fail("task text is required")
	}

	projectName := stringField(data, "project_name")
	if projectName == "" {
		projectName = c.current()
	}

	result := c.redirector.RedirectToTask(ctx, task, redirect.TaskContext{
		ProjectName:   projectName,
		ProjectPath:   stringField(data, "project_path"),
		TimerDuration: intOr(data, "timer_duration", c.defaultTimer),
	})
	if result.Success {
		c.activity.AppOpened(projectName, task.App, task.Text)
	}

	message := "Redirected to " + task.App
	if !result.Success {
		message = "Redirection failed"
	}
	return map[string]any{
		"success":         result.Success,
		"redirect_result": jsonMap(result),
		"task":            taskMap(task),
		"message":         message,
	}, nil
}

func (c *Core) notificationResponse(data, extra map[string]any) (map[string]any, error) {
	id := stringField(data, "notification_id")
	action := stringField(data, "action")
	if id == "" || action == "" {
		return fail("notification_id and action are required")
	}

	if !c.notifier.Respond(id, action, extra) {
		return fail("Notification not found: %s", id)
	}

	return map[string]any{
		"success":         true,
		"notification_id": id,
		"action":          action,
		"message":         "Notification response processed",
	}, nil
}

func (c *Core) getLogs(data map[string]any) (map[string]any, error) {
	projectName := stringField(data, "project_name")
	if projectName == "" {
		projectName = c.current()
	}
	if projectName == "" {
		projectName = activity.SystemProject
	}

	limit := intOr(data, "limit", 100)
	logType := stringField(data, "type")
	if logType == "" {
		logType = "activity"
	}

	entries, err := c.activity.Recent(projectName, limit)
	if err != nil {
		return fail("Failed to read logs: %s", err)
	}
	if entries == nil {
		entries = []string{}
	}

	return map[string]any{
		"success":        true,
		"logs":           entries,
		"total_count":    len(entries),
		"log_type":       logType,
		"project_filter": projectName,
	}, nil
}

// resolveProjectPath finds the project directory from project_path or a
// registered project_name. The second return is a ready failure response.
func (c *Core) resolveProjectPath(data map[string]any) (string, map[string]any) {
	if path := stringField(data, "project_path"); path != "" {
		return path, nil
	}
	if name := stringField(data, "project_name"); name != "" {
		if path, ok := c.projects.Resolve(name); ok {
			return path, nil
		}
		resp, _ := fail("Unknown project: %s", name)
		return "", resp
	}
	resp, _ := fail("project_path or project_name is required")
	return "", resp
}

func (c *Core) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentProject
}

// fail builds an expected-failure response. The nil error keeps the
// gateway from wrapping it as an internal error.
func fail(format string, args ...any) (map[string]any, error) {
	return map[string]any{
		"success": false,
		"message": fmt.Sprintf(format, args...),
	}, nil
}

// jsonMap converts a typed value to the map shape responses are built
// from, honouring the value's json tags.
func jsonMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func taskMap(task catalog.Task) map[string]any {
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

func taskFromMap(data map[string]any) catalog.Task {
	return catalog.Task{
		ID:                intOr(data, "id", 0),
		Text:              stringField(data, "text"),
		Tags:              stringSlice(data, "tags"),
		App:               stringField(data, "app"),
		Priority:          intOr(data, "priority", 5),
		EstimatedDuration: intOr(data, "estimated_duration", 30),
		SuggestionID:      stringField(data, "suggestion_id"),
	}
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func stringSlice(data map[string]any, key string) []string {
	raw, ok := data[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intOr(data map[string]any, key string, fallback int) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
