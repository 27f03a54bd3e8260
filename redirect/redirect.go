// Package redirect opens the right application for a selected task. It tries
// a deep link first, then a command-line integration, then a plain app
// launch, cascading on failure.
package redirect

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/deploybot-sh/deploybot/catalog"
)

// invocationTimeout bounds each external invocation.
const invocationTimeout = 10 * time.Second

// maxDeepLinkURL is the practical x-callback-url length limit. Longer Bear
// URLs fall back to a simplified note body.
const maxDeepLinkURL = 2000

// Redirection methods reported in Result.
const (
	MethodDeepLinking = "deep_linking"
	MethodCommandLine = "command_line"
	MethodSimpleOpen  = "simple_open"
	MethodError       = "error"
)

// Launcher performs the platform-level invocations. The default
// implementation shells out to the macOS open command.
type Launcher interface {
	// OpenURL opens a web URL or app URL scheme.
	OpenURL(ctx context.Context, rawURL string) error
	// OpenApp launches an application by name.
	OpenApp(ctx context.Context, app string) error
	// Run executes a command line.
	Run(ctx context.Context, name string, args ...string) error
}

// TaskContext carries the deploy situation into the redirection.
type TaskContext struct {
	ProjectName   string
	ProjectPath   string
	DeployCommand string
	TimerDuration int
}

// Result reports how the redirection went.
type Result struct {
	Success bool   `json:"success"`
	Method  string `json:"method"`
	App     string `json:"app"`
	Action  string `json:"action,omitempty"`
	URL     string `json:"url,omitempty"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`
}

// appConfig describes what integrations an app supports.
type appConfig struct {
	deepLinking bool
	commandLine string
}

var appConfigs = map[string]appConfig{
	"Bear":     {deepLinking: true},
	"Notion":   {deepLinking: true},
	"VSCode":   {deepLinking: true, commandLine: "code"},
	"Figma":    {},
	"Safari":   {deepLinking: true},
	"Terminal": {},
	"Mail":     {deepLinking: true},
	"Things":   {deepLinking: true},
	"Zoom":     {deepLinking: true},
}

// Redirector chooses and executes redirection strategies.
type Redirector struct {
	launcher Launcher
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Redirector. A nil launcher uses the platform open command.
func New(launcher Launcher, logger *slog.Logger) *Redirector {
	if launcher == nil {
		launcher = &OpenLauncher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redirector{launcher: launcher, logger: logger, now: time.Now}
}

// RedirectToTask opens the task's target app with as much context as the app
// supports. Failures cascade through the strategies; the final failure is
// reported in the result, never as an error.
func (r *Redirector) RedirectToTask(ctx context.Context, task catalog.Task, tctx TaskContext) Result {
	app := task.App
	if app == "" {
		app = "Notion"
	}

	config, known := appConfigs[app]
	if !known {
		return r.simpleOpen(ctx, app)
	}

	if config.deepLinking {
		if result := r.tryDeepLink(ctx, app, task, tctx); result.Success {
			r.logger.Info("Task redirection successful", "app", app, "method", result.Method, "task", task.Text)
			return result
		}
	}

	if config.commandLine != "" {
		if result := r.tryCommandLine(ctx, config.commandLine, app, task, tctx); result.Success {
			r.logger.Info("Task redirection successful", "app", app, "method", result.Method, "task", task.Text)
			return result
		}
	}

	result := r.simpleOpen(ctx, app)
	if result.Success {
		r.logger.Info("Task redirection successful", "app", app, "method", result.Method, "task", task.Text)
	} else {
		r.logger.Error("Task redirection failed", "app", app, "error", result.Error, "task", task.Text)
	}
	return result
}

// tryDeepLink builds the app-specific action URL and opens it.
func (r *Redirector) tryDeepLink(ctx context.Context, app string, task catalog.Task, tctx TaskContext) Result {
	var actionURL, actionType string

	switch app {
	case "Bear":
		content := r.bearNoteContent(task, tctx)
		actionURL = bearCreateURL(task.Text, content)
		if len(actionURL) > maxDeepLinkURL {
			actionURL = bearCreateURL(task.Text, r.simplifiedBearContent(task, tctx))
		}
		actionType = "create_note"

	case "VSCode":
		if tctx.ProjectPath == "" {
			return Result{Method: MethodDeepLinking, App: app}
		}
		actionURL = "code " + tctx.ProjectPath
		actionType = "open_project"

	case "Safari":
		if !task.HasTag("#research") {
			return Result{Method: MethodDeepLinking, App: app}
		}
		query := extractSearchQuery(task.Text)
		actionURL = "https://www.google.com/search?q=" + url.QueryEscape(query)
		actionType = "search"

	case "Things":
		tags := make([]string, len(task.Tags))
		for i, tag := range task.Tags {
			tags[i] = strings.TrimPrefix(tag, "#")
		}
		actionURL = fmt.Sprintf("things:///add?title=%s&notes=%s&tags=%s",
			url.QueryEscape(task.Text),
			url.QueryEscape("Created by DeployBot during deploy"),
			url.QueryEscape(strings.Join(tags, ",")))
		actionType = "add_todo"

	case "Notion":
		actionURL = "notion://notion.so/"
		actionType = "open_workspace"

	default:
		return Result{Method: MethodDeepLinking, App: app}
	}

	callCtx, cancel := context.WithTimeout(ctx, invocationTimeout)
	defer cancel()

	var err error
	if strings.HasPrefix(actionURL, "code ") {
		err = r.launcher.Run(callCtx, "code", strings.Fields(actionURL)[1:]...)
	} else {
		err = r.launcher.OpenURL(callCtx, actionURL)
	}
	if err != nil {
		r.logger.Debug("Deep link failed", "app", app, "action", actionType, "error", err)
		return Result{Method: MethodDeepLinking, App: app, Error: err.Error()}
	}

	return Result{
		Success: true,
		Method:  MethodDeepLinking,
		App:     app,
		Action:  actionType,
		URL:     truncateURL(actionURL),
	}
}

// tryCommandLine runs the app's CLI against the project. Code tasks get one
// guessed file appended when a pattern match exists.
func (r *Redirector) tryCommandLine(ctx context.Context, cli, app string, task catalog.Task, tctx TaskContext) Result {
	if tctx.ProjectPath == "" {
		return Result{Method: MethodCommandLine, App: app}
	}

	args := []string{tctx.ProjectPath}
	if task.HasTag("#code") {
		if files := relevantFiles(task.Text, tctx.ProjectPath); len(files) > 0 {
			args = append(args, files[0])
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, invocationTimeout)
	defer cancel()

	if err := r.launcher.Run(callCtx, cli, args...); err != nil {
		r.logger.Debug("Command line redirection failed", "app", app, "error", err)
		return Result{Method: MethodCommandLine, App: app, Error: err.Error()}
	}

	return Result{
		Success: true,
		Method:  MethodCommandLine,
		App:     app,
		Command: cli + " " + strings.Join(args, " "),
	}
}

func (r *Redirector) simpleOpen(ctx context.Context, app string) Result {
	callCtx, cancel := context.WithTimeout(ctx, invocationTimeout)
	defer cancel()

	if err := r.launcher.OpenApp(callCtx, app); err != nil {
		return Result{Method: MethodSimpleOpen, App: app, Error: err.Error()}
	}
	return Result{Success: true, Method: MethodSimpleOpen, App: app}
}

// AppAvailability probes which configured apps launch on this system.
func (r *Redirector) AppAvailability(ctx context.Context) map[string]bool {
	availability := make(map[string]bool, len(appConfigs))
	for app := range appConfigs {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		availability[app] = r.launcher.OpenApp(callCtx, app) == nil
		cancel()
	}
	return availability
}

func bearCreateURL(title, content string) string {
	return fmt.Sprintf("bear://x-callback-url/create?title=%s&text=%s",
		url.QueryEscape(title), url.QueryEscape(content))
}

func (r *Redirector) bearNoteContent(task catalog.Task, tctx TaskContext) string {
	lines := []string{
		"# " + task.Text,
		"",
		"**Created:** " + r.now().Format("2006-01-02 15:04"),
		"**Source:** DeployBot (during deployment)",
		"",
	}
	if tctx.ProjectName != "" {
		lines = append(lines, "**Project:** "+tctx.ProjectName)
	}
	if tctx.DeployCommand != "" {
		lines = append(lines, "**Deploy Command:** `"+tctx.DeployCommand+"`")
	}
	if len(task.Tags) > 0 {
		lines = append(lines, "**Tags:** "+strings.Join(task.Tags, " "))
	}
	lines = append(lines,
		"",
		"## Notes",
		"",
		"Start working on this task...",
		"",
		"## Progress",
		"",
		"- [ ] Task started",
		"- [ ] In progress",
		"- [ ] Completed")
	return strings.Join(lines, "\n")
}

func (r *Redirector) simplifiedBearContent(task catalog.Task, tctx TaskContext) string {
	lines := []string{
		"# " + task.Text,
		"",
		"Created by DeployBot on " + r.now().Format("2006-01-02 15:04"),
		"",
	}
	if tctx.ProjectName != "" {
		lines = append(lines, "Project: "+tctx.ProjectName)
	}
	if len(task.Tags) > 0 {
		lines = append(lines, "Tags: "+strings.Join(task.Tags, " "))
	}
	lines = append(lines, "", "## Notes", "", "Start working on this task...")
	return strings.Join(lines, "\n")
}

// extractSearchQuery strips research verbs from the task text.
func extractSearchQuery(taskText string) string {
	clean := strings.ToLower(taskText)
	for _, word := range []string{"research", "investigate", "look up", "find out", "study"} {
		clean = strings.ReplaceAll(clean, word, "")
	}
	return strings.Join(strings.Fields(clean), " ")
}

// relevantFiles guesses project files worth opening for a code task.
func relevantFiles(taskText, projectPath string) []string {
	taskLower := strings.ToLower(taskText)

	var patterns []string
	if strings.Contains(taskLower, "readme") {
		patterns = append(patterns, "**/README*")
	}
	if strings.Contains(taskLower, "package") {
		patterns = append(patterns, "**/package.json")
	}
	switch {
	case strings.Contains(taskLower, "component") || strings.Contains(taskLower, "ui"):
		patterns = append(patterns, "**/*.{jsx,tsx,vue,svelte}")
	case strings.Contains(taskLower, "api"):
		patterns = append(patterns, "**/*.{go,py,js,ts}")
	case strings.Contains(taskLower, "style") || strings.Contains(taskLower, "css"):
		patterns = append(patterns, "**/*.{css,scss,sass,less}")
	case strings.Contains(taskLower, "test"):
		patterns = append(patterns, "**/*test*", "**/*spec*")
	}

	var files []string
	fsys := os.DirFS(projectPath)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			continue
		}
		for _, match := range matches {
			files = append(files, filepath.Join(projectPath, match))
			if len(files) >= 5 {
				return files
			}
		}
	}
	return files
}

func truncateURL(u string) string {
	if len(u) > 100 {
		return u[:100] + "..."
	}
	return u
}
