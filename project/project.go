// Package project manages DeployBot project directories: creation,
// deletion, listing, and loading of per-project config, tasks, and logs.
// Projects live anywhere on disk; the registry maps names to locations.
package project

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/deploybot-sh/deploybot/catalog"
	"github.com/deploybot-sh/deploybot/registry"
)

// recentActivityLimit caps the activity lines returned by Load.
const recentActivityLimit = 20

// Info summarises one project for listings.
type Info struct {
	Name            string   `json:"name"`
	Path            string   `json:"path"`
	Description     string   `json:"description"`
	CreatedAt       string   `json:"createdAt,omitempty"`
	LastModified    string   `json:"lastModified,omitempty"`
	BackendServices []string `json:"backendServices"`
	TaskCount       int      `json:"taskCount"`
	CompletedTasks  int      `json:"completedTasks"`
	LastActivity    string   `json:"lastActivity,omitempty"`
	CustomDirectory bool     `json:"is_custom_directory"`
	LocationType    string   `json:"location_type"`
}

// ListResult is the outcome of List.
type ListResult struct {
	Projects     []Info `json:"projects"`
	TotalCount   int    `json:"total_count"`
	DefaultCount int    `json:"default_projects_count"`
	CustomCount  int    `json:"custom_projects_count"`
	DefaultRoot  string `json:"default_projects_root"`
}

// DeployLogInfo describes a project's deploy log file.
type DeployLogInfo struct {
	Exists       bool   `json:"exists"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

// Loaded is the full project payload returned by Load.
type Loaded struct {
	Name             string         `json:"name"`
	Path             string         `json:"path"`
	Config           map[string]any `json:"config"`
	Tasks            []catalog.Task `json:"tasks"`
	RecentActivities []string       `json:"recent_activities"`
	DeployLog        DeployLogInfo  `json:"deploy_log_info"`
	LoadedAt         string         `json:"loaded_at"`
}

// Created describes a freshly created project.
type Created struct {
	Name            string         `json:"name"`
	Path            string         `json:"path"`
	Config          map[string]any `json:"config"`
	CreatedAt       string         `json:"created_at"`
	CustomDirectory string         `json:"custom_directory,omitempty"`
}

// CreateOptions carries the caller-supplied fields for Create. Only Name is
// required.
type CreateOptions struct {
	Name            string
	Description     string
	CustomDirectory string
	BackendServices []string
	DeployCommands  []string
	DefaultTimer    int
}

// Manager performs project filesystem operations and keeps the registry in
// sync.
type Manager struct {
	projectsRoot string
	registry     *registry.Registry
	logger       *slog.Logger
	now          func() time.Time
}

// NewManager builds a Manager rooted at projectsRoot, creating the root if
// needed.
func NewManager(projectsRoot string, reg *registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(projectsRoot, 0755); err != nil {
		logger.Warn("Failed to create projects root", "path", projectsRoot, "error", err)
	}
	return &Manager{
		projectsRoot: projectsRoot,
		registry:     reg,
		logger:       logger,
		now:          time.Now,
	}
}

// Create builds the project directory structure: config.json, a seeded
// TODO.md, a logs directory with an initial activity log and an empty
// deploy log, and a registry mapping.
func (m *Manager) Create(opts CreateOptions) (*Created, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	safeName := SanitizeName(name)
	var path string
	if opts.CustomDirectory != "" {
		v := m.registry.Validate(opts.CustomDirectory)
		if !v.Valid {
			return nil, fmt.Errorf("custom directory validation failed: %s",
				strings.Join(v.Issues, "; "))
		}
		path = filepath.Join(v.Path, safeName)
	} else {
		path = filepath.Join(m.projectsRoot, safeName)
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("a project named %q already exists", name)
	}

	if err := os.MkdirAll(filepath.Join(path, "logs"), 0755); err != nil {
		return nil, fmt.Errorf("create project directories: %w", err)
	}

	config := m.defaultConfig(name, opts)
	if err := writeJSON(filepath.Join(path, "config.json"), config); err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(path, "TODO.md"), []byte(defaultTodo(name)), 0644); err != nil {
		return nil, fmt.Errorf("write TODO.md: %w", err)
	}

	ts := m.now().Format("[2006-01-02 15:04:05]")
	seed := fmt.Sprintf("%s PROJECT CREATED: %s initialized\n", ts, name) +
		fmt.Sprintf("%s CONFIG CREATED: Default configuration generated\n", ts) +
		fmt.Sprintf("%s TODO CREATED: Default task list created\n", ts)
	if err := os.WriteFile(filepath.Join(path, "logs", "activity.log"), []byte(seed), 0644); err != nil {
		return nil, fmt.Errorf("write activity log: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "logs", "deploy_log.txt"), nil, 0644); err != nil {
		return nil, fmt.Errorf("write deploy log: %w", err)
	}

	if err := m.registry.Add(name, path); err != nil {
		m.logger.Warn("Failed to register project mapping", "project", name, "error", err)
	}

	m.logger.Info("Project created", "project", name, "path", path,
		"custom_directory", opts.CustomDirectory != "")
	return &Created{
		Name:            name,
		Path:            path,
		Config:          config,
		CreatedAt:       config["createdAt"].(string),
		CustomDirectory: opts.CustomDirectory,
	}, nil
}

// Delete removes the project directory and its registry mapping. It returns
// the project's display name.
func (m *Manager) Delete(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("project at %q does not exist", path)
	}

	name := filepath.Base(abs)
	if config, err := readConfig(abs); err == nil {
		if n, ok := config["projectName"].(string); ok && n != "" {
			name = n
		}
	}

	if err := os.RemoveAll(abs); err != nil {
		return "", fmt.Errorf("remove project directory: %w", err)
	}

	if err := m.registry.Remove(name); err != nil {
		m.logger.Debug("No project mapping to clean up", "project", name, "error", err)
	}

	m.logger.Info("Project deleted", "project", name, "path", abs)
	return name, nil
}

// List returns every known project with task counts and last activity,
// sorted by last modified descending.
func (m *Manager) List() *ListResult {
	result := &ListResult{Projects: []Info{}, DefaultRoot: m.projectsRoot}

	for _, entry := range m.registry.ListAll() {
		info, err := m.loadInfo(entry.Path)
		if err != nil {
			m.logger.Warn("Skipping unreadable project", "project", entry.Name, "error", err)
			continue
		}
		if info.CustomDirectory {
			result.CustomCount++
		} else {
			result.DefaultCount++
		}
		result.Projects = append(result.Projects, *info)
	}

	// Most recently modified first.
	sort.SliceStable(result.Projects, func(i, j int) bool {
		return result.Projects[i].LastModified > result.Projects[j].LastModified
	})

	result.TotalCount = len(result.Projects)
	m.logger.Info("Projects listed", "total", result.TotalCount,
		"default", result.DefaultCount, "custom", result.CustomCount)
	return result
}

// Load reads a project's config, parsed tasks, recent activity, and deploy
// log status.
func (m *Manager) Load(path string) (*Loaded, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("project at %q does not exist", path)
	}

	config, err := readConfig(abs)
	if err != nil {
		return nil, fmt.Errorf("project config.json not found: %w", err)
	}

	tasks, err := catalog.ParseFile(filepath.Join(abs, "TODO.md"))
	if err != nil {
		m.logger.Warn("Failed to parse TODO.md", "path", abs, "error", err)
		tasks = []catalog.Task{}
	}

	activities := recentActivities(filepath.Join(abs, "logs", "activity.log"), recentActivityLimit)

	deployLog := DeployLogInfo{}
	if info, err := os.Stat(filepath.Join(abs, "logs", "deploy_log.txt")); err == nil {
		deployLog.Exists = true
		deployLog.Size = info.Size()
		deployLog.LastModified = info.ModTime().Format(time.RFC3339)
	}

	name := filepath.Base(abs)
	if n, ok := config["projectName"].(string); ok && n != "" {
		name = n
	}

	loaded := &Loaded{
		Name:             name,
		Path:             abs,
		Config:           config,
		Tasks:            tasks,
		RecentActivities: activities,
		DeployLog:        deployLog,
		LoadedAt:         m.now().Format(time.RFC3339),
	}
	m.logger.Info("Project loaded", "project", name,
		"tasks", len(tasks), "activities", len(activities))
	return loaded, nil
}

// UpdateConfig merges updates into config.json, stamps lastModified, and
// appends an activity line. Unknown keys in the existing file survive.
func (m *Manager) UpdateConfig(path string, updates map[string]any) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}

	config, err := readConfig(abs)
	if err != nil {
		return nil, fmt.Errorf("project config.json not found: %w", err)
	}

	for k, v := range updates {
		config[k] = v
	}
	config["lastModified"] = m.now().Format(time.RFC3339)

	if err := writeJSON(filepath.Join(abs, "config.json"), config); err != nil {
		return nil, err
	}

	ts := m.now().Format("[2006-01-02 15:04:05]")
	line := fmt.Sprintf("%s CONFIG UPDATED: Configuration modified\n", ts)
	if f, err := os.OpenFile(filepath.Join(abs, "logs", "activity.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
		f.WriteString(line)
		f.Close()
	}

	m.logger.Info("Project config updated", "path", abs)
	return config, nil
}

// Resolve maps a project name to its directory.
func (m *Manager) Resolve(name string) (string, bool) {
	return m.registry.Resolve(name)
}

// loadInfo reads just enough of a project for the listing payload.
// Config reads a project's config.json without the rest of a full load.
func (m *Manager) Config(path string) (map[string]any, error) {
	return readConfig(path)
}

func (m *Manager) loadInfo(path string) (*Info, error) {
	config, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Name:            filepath.Base(path),
		Path:            path,
		BackendServices: []string{},
	}
	if n, ok := config["projectName"].(string); ok && n != "" {
		info.Name = n
	}
	if d, ok := config["description"].(string); ok {
		info.Description = d
	}
	if c, ok := config["createdAt"].(string); ok {
		info.CreatedAt = c
	}
	if l, ok := config["lastModified"].(string); ok {
		info.LastModified = l
	}
	if services, ok := config["backendServices"].([]any); ok {
		for _, s := range services {
			if str, ok := s.(string); ok {
				info.BackendServices = append(info.BackendServices, str)
			}
		}
	}

	info.TaskCount, info.CompletedTasks = countTasks(filepath.Join(path, "TODO.md"))

	if lines := recentActivities(filepath.Join(path, "logs", "activity.log"), 1); len(lines) > 0 {
		info.LastActivity = lines[0]
	}

	inDefault := strings.HasPrefix(path, m.projectsRoot+string(filepath.Separator)) ||
		path == m.projectsRoot
	info.CustomDirectory = !inDefault
	if inDefault {
		info.LocationType = "default"
	} else {
		info.LocationType = "custom"
	}
	return info, nil
}

// countTasks scans TODO.md checkbox lines without full parsing.
func countTasks(todoPath string) (total, completed int) {
	data, err := os.ReadFile(todoPath)
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- [") {
			total++
			if strings.HasPrefix(trimmed, "- [x]") {
				completed++
			}
		}
	}
	return total, completed
}

// recentActivities returns up to limit trailing non-empty lines.
func recentActivities(logPath string, limit int) []string {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return []string{}
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

func readConfig(projectPath string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(projectPath, "config.json"))
	if err != nil {
		return nil, err
	}
	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return config, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

var (
	invalidNameChars = regexp.MustCompile(`[^\w\-.]`)
	repeatUnderscore = regexp.MustCompile(`_+`)
)

// SanitizeName makes a project name safe for filesystem use.
func SanitizeName(name string) string {
	sanitized := invalidNameChars.ReplaceAllString(name, "_")
	sanitized = repeatUnderscore.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		return "UnnamedProject"
	}
	return sanitized
}

// defaultConfig builds the initial config.json content.
func (m *Manager) defaultConfig(name string, opts CreateOptions) map[string]any {
	now := m.now().Format(time.RFC3339)

	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("DeployBot project: %s", name)
	}
	backendServices := opts.BackendServices
	if backendServices == nil {
		backendServices = []string{}
	}
	deployCommands := opts.DeployCommands
	if len(deployCommands) == 0 {
		deployCommands = []string{"npm run deploy", "firebase deploy", "vercel --prod"}
	}
	defaultTimer := opts.DefaultTimer
	if defaultTimer <= 0 {
		defaultTimer = 1800
	}

	return map[string]any{
		"projectName":     name,
		"description":     description,
		"version":         "1.0.0",
		"createdAt":       now,
		"lastModified":    now,
		"backendServices": backendServices,
		"deployCommands":  deployCommands,
		"settings": map[string]any{
			"defaultTimer":  defaultTimer,
			"graceperiod":   30,
			"autoRedirect":  true,
			"excludeTags":   []string{"#backend"},
			"preferredTags": []string{"#short", "#solo"},
		},
		"taskMappings": map[string]any{
			"writing":  "Bear",
			"creative": "Figma",
			"research": "Safari",
			"code":     "VSCode",
			"design":   "Figma",
			"business": "Notion",
		},
		"metadata": map[string]any{
			"totalTasks":         0,
			"completedTasks":     0,
			"lastDeployDetected": nil,
			"lastTaskSelected":   nil,
		},
	}
}

// TimerDuration reads settings.defaultTimer from a loaded config, falling
// back to fallback when absent.
func TimerDuration(config map[string]any, fallback int) int {
	settings, ok := config["settings"].(map[string]any)
	if !ok {
		return fallback
	}
	switch v := settings["defaultTimer"].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}

// defaultTodo seeds a new project's TODO.md with tagged example tasks and a
// tag reference.
func defaultTodo(name string) string {
	return fmt.Sprintf(`# %s Tasks

This is the task list for %s. Tasks are tagged with hashtags to help
DeployBot understand context and priority.

## Pending Tasks

- [ ] Set up project structure and initial configuration #code #short
- [ ] Write project documentation #writing #long #solo
- [ ] Design initial UI wireframes #creative #design #short
- [ ] Research competitor analysis #research #long #business
- [ ] Create deployment pipeline #code #backend #long
- [ ] Write user stories and requirements #writing #business #solo

## Completed Tasks

- [x] Initialize DeployBot project

## Task Tags Reference

### Duration Tags
- `+"`#short`"+` - Tasks that take 15-30 minutes
- `+"`#long`"+` - Tasks that take 1+ hours

### Type Tags
- `+"`#writing`"+` - Content creation, documentation
- `+"`#code`"+` - Programming, development tasks
- `+"`#research`"+` - Investigation, analysis
- `+"`#creative`"+` - Design, creative work
- `+"`#backend`"+` - Server-side, infrastructure (deprioritized during deploys)
- `+"`#design`"+` - UI/UX design work
- `+"`#business`"+` - Business strategy, planning

### Collaboration Tags
- `+"`#solo`"+` - Can be done independently
- `+"`#collab`"+` - Requires collaboration with others

## Notes

DeployBot will automatically suggest tasks from this list when backend
deployments are detected. Tasks tagged with `+"`#backend`"+` will be
deprioritized during deploy periods to avoid conflicts.
`, name, name)
}
