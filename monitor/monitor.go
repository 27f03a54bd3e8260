// Package monitor polls project deploy logs for DEPLOY and DEPLOY_COMPLETE
// lines appended by the deploy wrapper.
package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// defaultPollInterval is how often logs are checked for new content.
const defaultPollInterval = 2 * time.Second

// globalProject is the synthetic monitoring entry for the shared fallback
// log that the wrapper writes when no project directory matches.
const globalProject = "_global"

var (
	cwdPattern      = regexp.MustCompile(`^(.*?)\s*\[CWD:\s*(.*?)\]$`)
	exitCodePattern = regexp.MustCompile(`^(.*?)\s*\[EXIT_CODE:\s*(\d+)\]$`)
)

// Event kinds.
const (
	EventDeployStart    = "deploy_start"
	EventDeployComplete = "deploy_complete"
)

// Event is one parsed deploy log line.
type Event struct {
	Type        string
	Timestamp   time.Time
	Command     string
	CWD         string
	ExitCode    *int
	ProjectName string
}

// DeployStartedFunc receives deploy_start events.
type DeployStartedFunc func(project, command, projectPath string)

// DeployCompletedFunc receives deploy_complete events.
type DeployCompletedFunc func(project, command string, exitCode int, projectPath string)

type projectInfo struct {
	name           string
	path           string
	deployLog      string
	lastDeployTime *time.Time
	deployCount    int
}

// Monitor tails deploy logs for a set of projects plus the global fallback
// log. Detection is by polling, comparing file size against the last read
// position.
type Monitor struct {
	mu           sync.Mutex
	projects     map[string]*projectInfo
	positions    map[string]int64
	active       bool
	cancel       context.CancelFunc
	done         chan struct{}
	pollInterval time.Duration
	globalLog    string
	logger       *slog.Logger

	onDeployStarted   DeployStartedFunc
	onDeployCompleted DeployCompletedFunc
}

// New creates a Monitor. globalLog is the shared fallback deploy log path.
func New(globalLog string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		projects:     map[string]*projectInfo{},
		positions:    map[string]int64{},
		pollInterval: defaultPollInterval,
		globalLog:    globalLog,
		logger:       logger,
	}
}

// SetPollInterval overrides the log check interval. Takes effect on the
// next Start.
func (m *Monitor) SetPollInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.pollInterval = d
	}
}

// OnDeployStarted registers the deploy_start callback.
func (m *Monitor) OnDeployStarted(fn DeployStartedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeployStarted = fn
}

// OnDeployCompleted registers the deploy_complete callback.
func (m *Monitor) OnDeployCompleted(fn DeployCompletedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeployCompleted = fn
}

// AddProject registers a project for monitoring. The directory must contain
// config.json and TODO.md; its logs/deploy_log.txt is created when missing
// and tailing starts at the end of any existing content.
func (m *Monitor) AddProject(name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	if _, err := os.Stat(filepath.Join(abs, "config.json")); err != nil {
		return fmt.Errorf("project config.json not found: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, "TODO.md")); err != nil {
		return fmt.Errorf("project TODO.md not found: %w", err)
	}

	logsDir := filepath.Join(abs, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	deployLog := filepath.Join(logsDir, "deploy_log.txt")

	position, err := attachPosition(deployLog)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.projects[name] = &projectInfo{name: name, path: abs, deployLog: deployLog}
	m.positions[deployLog] = position
	m.mu.Unlock()

	m.logger.Info("Project added to deploy monitoring",
		"project", name, "deploy_log", deployLog, "position", position)
	return nil
}

// RemoveProject stops monitoring a project. Removing an unknown project
// returns false.
func (m *Monitor) RemoveProject(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.projects[name]
	if !ok {
		m.logger.Warn("Project not in monitoring list", "project", name)
		return false
	}
	delete(m.positions, info.deployLog)
	delete(m.projects, name)

	m.logger.Info("Project removed from deploy monitoring", "project", name)
	return true
}

// attachPosition returns the offset to start tailing from: end of file for
// existing logs, zero for freshly created ones.
func attachPosition(path string) (int64, error) {
	info, err := os.Stat(path)
	if err == nil {
		return info.Size(), nil
	}
	if !os.IsNotExist(err) {
		return 0, fmt.Errorf("stat deploy log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("create deploy log: %w", err)
	}
	f.Close()
	return 0, nil
}

// Start launches the polling loop. Starting an active monitor is a no-op
// that succeeds.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		m.logger.Warn("Deploy monitoring already active")
		return nil
	}

	if err := m.addGlobalLocked(); err != nil {
		m.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.active = true
	m.mu.Unlock()

	go m.loop(loopCtx)
	m.logger.Info("Deploy monitoring started")
	return nil
}

// addGlobalLocked registers the fallback log. Caller holds m.mu.
func (m *Monitor) addGlobalLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.globalLog), 0755); err != nil {
		return fmt.Errorf("create global log directory: %w", err)
	}
	position, err := attachPosition(m.globalLog)
	if err != nil {
		return err
	}
	m.projects[globalProject] = &projectInfo{
		name:      globalProject,
		path:      filepath.Dir(m.globalLog),
		deployLog: m.globalLog,
	}
	m.positions[m.globalLog] = position
	return nil
}

// Stop halts the polling loop. Stopping an inactive monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		m.logger.Warn("Deploy monitoring not active")
		return
	}
	m.active = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("Deploy monitoring stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) checkAll() {
	m.mu.Lock()
	infos := make([]*projectInfo, 0, len(m.projects))
	for _, info := range m.projects {
		infos = append(infos, info)
	}
	m.mu.Unlock()

	for _, info := range infos {
		if err := m.checkProject(info); err != nil {
			m.logger.Error("Error checking project deploys",
				"project", info.name, "error", err)
		}
	}
}

func (m *Monitor) checkProject(info *projectInfo) error {
	stat, err := os.Stat(info.deployLog)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat deploy log: %w", err)
	}

	m.mu.Lock()
	lastPosition := m.positions[info.deployLog]
	m.mu.Unlock()

	if stat.Size() <= lastPosition {
		return nil
	}

	f, err := os.Open(info.deployLog)
	if err != nil {
		return fmt.Errorf("open deploy log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(lastPosition, 0); err != nil {
		return fmt.Errorf("seek deploy log: %w", err)
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read deploy log: %w", err)
	}

	m.mu.Lock()
	m.positions[info.deployLog] = lastPosition + int64(len(buf))
	m.mu.Unlock()

	for _, event := range m.parseEvents(string(buf), info.name) {
		m.handleEvent(event, info)
	}
	return nil
}

func (m *Monitor) parseEvents(content, project string) []Event {
	var events []Event
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		if event, ok := ParseLine(line, project); ok {
			events = append(events, event)
		}
	}
	if len(events) > 0 {
		m.logger.Info("Parsed deploy events", "project", project, "count", len(events))
	}
	return events
}

// ParseLine parses one deploy log line of the form
//
//	<unix ts> DEPLOY: <command> [CWD: <path>]
//	<unix ts> DEPLOY_COMPLETE: <command> [EXIT_CODE: <code>]
//
// Lines that do not match yield ok=false.
func ParseLine(line, project string) (Event, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 3 {
		return Event{}, false
	}

	seconds, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Event{}, false
	}
	timestamp := time.Unix(0, int64(seconds*float64(time.Second)))

	eventType := strings.TrimSuffix(parts[1], ":")
	remaining := parts[2]

	switch eventType {
	case "DEPLOY":
		event := Event{
			Type:        EventDeployStart,
			Timestamp:   timestamp,
			ProjectName: project,
		}
		if match := cwdPattern.FindStringSubmatch(remaining); match != nil {
			event.Command = strings.TrimSpace(match[1])
			event.CWD = strings.TrimSpace(match[2])
		} else {
			event.Command = strings.TrimSpace(remaining)
		}
		return event, true

	case "DEPLOY_COMPLETE":
		event := Event{
			Type:        EventDeployComplete,
			Timestamp:   timestamp,
			ProjectName: project,
		}
		if match := exitCodePattern.FindStringSubmatch(remaining); match != nil {
			event.Command = strings.TrimSpace(match[1])
			code, _ := strconv.Atoi(match[2])
			event.ExitCode = &code
		} else {
			event.Command = strings.TrimSpace(remaining)
		}
		return event, true
	}

	return Event{}, false
}

func (m *Monitor) handleEvent(event Event, info *projectInfo) {
	m.logger.Info("Deploy event detected",
		"project", event.ProjectName,
		"event_type", event.Type,
		"command", event.Command)

	m.mu.Lock()
	if event.Type == EventDeployStart {
		ts := event.Timestamp
		info.lastDeployTime = &ts
		info.deployCount++
	}
	started := m.onDeployStarted
	completed := m.onDeployCompleted
	m.mu.Unlock()

	switch event.Type {
	case EventDeployStart:
		if started != nil {
			started(event.ProjectName, event.Command, info.path)
		}
	case EventDeployComplete:
		if completed != nil {
			exitCode := 0
			if event.ExitCode != nil {
				exitCode = *event.ExitCode
			}
			completed(event.ProjectName, event.Command, exitCode, info.path)
		}
	}
}

// Status summarises the monitor state.
type Status struct {
	MonitoringActive  bool     `json:"monitoring_active"`
	MonitoredProjects []string `json:"monitored_projects"`
	ProjectCount      int      `json:"project_count"`
	CheckIntervalSecs float64  `json:"check_interval"`
}

// Status returns the current monitoring status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.projects))
	for name := range m.projects {
		names = append(names, name)
	}
	sort.Strings(names)

	return Status{
		MonitoringActive:  m.active,
		MonitoredProjects: names,
		ProjectCount:      len(m.projects),
		CheckIntervalSecs: m.pollInterval.Seconds(),
	}
}

// ProjectStatus describes one monitored project.
type ProjectStatus struct {
	ProjectName       string  `json:"project_name"`
	ProjectPath       string  `json:"project_path"`
	DeployLogExists   bool    `json:"deploy_log_exists"`
	DeployLogSize     int64   `json:"deploy_log_size"`
	LastDeployTime    *string `json:"last_deploy_time"`
	DeployCount       int     `json:"deploy_count"`
	LastKnownPosition int64   `json:"last_known_position"`
}

// ProjectStatus reports per-project monitoring details. The second return is
// false for unmonitored projects.
func (m *Monitor) ProjectStatus(name string) (ProjectStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.projects[name]
	if !ok {
		return ProjectStatus{}, false
	}

	status := ProjectStatus{
		ProjectName:       name,
		ProjectPath:       info.path,
		DeployCount:       info.deployCount,
		LastKnownPosition: m.positions[info.deployLog],
	}
	if info.lastDeployTime != nil {
		ts := info.lastDeployTime.Format(time.RFC3339)
		status.LastDeployTime = &ts
	}
	if stat, err := os.Stat(info.deployLog); err == nil {
		status.DeployLogExists = true
		status.DeployLogSize = stat.Size()
	}
	return status, true
}

// Simulate appends a synthetic DEPLOY line and its DEPLOY_COMPLETE (one
// second later, exit 0) to a monitored project's deploy log.
func (m *Monitor) Simulate(project, command string) error {
	m.mu.Lock()
	info, ok := m.projects[project]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("project not monitored: %s", project)
	}

	f, err := os.OpenFile(info.deployLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open deploy log: %w", err)
	}
	defer f.Close()

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	_, err = fmt.Fprintf(f, "%f DEPLOY: %s [CWD: %s]\n%f DEPLOY_COMPLETE: %s [EXIT_CODE: 0]\n",
		now, command, info.path, now+1, command)
	if err != nil {
		return fmt.Errorf("write simulated deploy: %w", err)
	}

	m.logger.Info("Deploy event simulated", "project", project, "command", command)
	return nil
}
