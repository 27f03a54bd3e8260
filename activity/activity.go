// Package activity appends significant DeployBot events to per-project
// activity logs.
package activity

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// queueCapacity bounds the pending entry buffer. A full queue drops the new
// entry and warns rather than blocking the producer.
const queueCapacity = 100

// drainPoll is how long the drainer waits for an entry before yielding.
const drainPoll = 2 * time.Second

// SystemProject routes an entry to the shared system activity log.
const SystemProject = "system"

// PathResolver resolves a project name to its directory.
type PathResolver interface {
	Resolve(name string) (string, bool)
}

// Entry is one queued activity record.
type Entry struct {
	Timestamp   time.Time
	Project     string
	ProjectPath string
	EventType   string
	Message     string
	Details     map[string]any
}

// Logger drains queued entries onto disk, one line per event:
//
//	[YYYY-MM-DD HH:MM:SS] EVENT_TYPE: message
type Logger struct {
	queue        chan Entry
	resolver     PathResolver
	projectsRoot string
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLogger creates a Logger. projectsRoot hosts the system activity log.
func NewLogger(resolver PathResolver, projectsRoot string, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		queue:        make(chan Entry, queueCapacity),
		resolver:     resolver,
		projectsRoot: projectsRoot,
		logger:       logger,
	}
}

// Start launches the drain goroutine. Starting twice is a no-op.
func (l *Logger) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.logger.Warn("Activity logger already running")
		return
	}

	drainCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	go l.drain(drainCtx)
	l.logger.Info("Activity logger started")
}

// Stop shuts down the drainer after flushing queued entries.
func (l *Logger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done

	// Flush whatever is still queued. Draining twice with no new writes
	// is a no-op.
	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		default:
			l.logger.Info("Activity logger stopped")
			return
		}
	}
}

// Log queues an entry. Never blocks; a full queue drops the entry.
func (l *Logger) Log(project, eventType, message string, details map[string]any) {
	l.LogWithPath(project, "", eventType, message, details)
}

// LogWithPath queues an entry with an explicit project path, bypassing
// resolver lookup.
func (l *Logger) LogWithPath(project, projectPath, eventType, message string, details map[string]any) {
	entry := Entry{
		Timestamp:   time.Now(),
		Project:     project,
		ProjectPath: projectPath,
		EventType:   eventType,
		Message:     message,
		Details:     details,
	}

	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("Activity log queue full, dropping entry",
			"project", project, "event_type", eventType)
	}
}

func (l *Logger) drain(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		case <-time.After(drainPoll):
			// No entries; yield and poll again.
		case <-ctx.Done():
			return
		}
	}
}

func (l *Logger) write(entry Entry) {
	path, err := l.logFilePath(entry.Project, entry.ProjectPath)
	if err != nil {
		l.logger.Warn("Could not determine activity log path",
			"project", entry.Project, "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		l.logger.Error("Failed to create log directory", "path", path, "error", err)
		return
	}

	line := fmt.Sprintf("[%s] %s: %s\n",
		entry.Timestamp.Format("2006-01-02 15:04:05"),
		entry.EventType,
		entry.Message)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.logger.Error("Failed to open activity log", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		l.logger.Error("Failed to write activity log entry", "path", path, "error", err)
	}
}

func (l *Logger) logFilePath(project, projectPath string) (string, error) {
	if project == SystemProject {
		return filepath.Join(l.projectsRoot, "system_activity.log"), nil
	}

	dir := projectPath
	if dir == "" {
		resolved, ok := l.resolver.Resolve(project)
		if !ok {
			return "", fmt.Errorf("unknown project: %s", project)
		}
		dir = resolved
	}

	return filepath.Join(dir, "logs", "activity.log"), nil
}

// Recent returns up to limit most-recent lines from a project's activity log.
func (l *Logger) Recent(project string, limit int) ([]string, error) {
	path, err := l.logFilePath(project, "")
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read activity log: %w", err)
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// Clear removes a project's activity log. Clearing a missing log succeeds.
func (l *Logger) Clear(project string) error {
	path, err := l.logFilePath(project, "")
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove activity log: %w", err)
	}
	return nil
}
