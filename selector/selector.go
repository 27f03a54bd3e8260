// Package selector picks the best alternative task for a deploy wait. It
// filters the project's task catalog by context, asks the configured LLM to
// choose when one is available, and falls back to heuristic scoring.
package selector

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/deploybot-sh/deploybot/analytics"
	"github.com/deploybot-sh/deploybot/catalog"
	"github.com/deploybot-sh/deploybot/llm"
)

// defaultLLMTimeout bounds a single selection call.
const defaultLLMTimeout = 10 * time.Second

// promptTaskLimit caps how many tasks are shown to the LLM.
const promptTaskLimit = 10

// Context describes the deploy situation a task is being selected for.
type Context struct {
	ProjectName   string
	DeployActive  bool
	TimerDuration int // seconds
	DeployCommand string
	UseLLM        bool
}

// Result is a selected task plus how it was chosen.
type Result struct {
	Task       catalog.Task
	Method     string // "llm" or "heuristic"
	Reasoning  string
	Confidence float64
}

// Recorder is the analytics surface the selector consumes.
type Recorder interface {
	RecordSuggestion(project string, task analytics.TaskInfo, ctx analytics.RecordContext) (string, error)
	GetTaskAnalytics(project, taskText string, days int) (analytics.TaskAnalytics, error)
}

// Completer sends a completion request. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Selector selects tasks for deploy contexts.
type Selector struct {
	analytics Recorder
	client    Completer // nil = heuristic only
	loader    func(path string) ([]catalog.Task, error)
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithLoader replaces the catalog loader (e.g. with a watching cache).
func WithLoader(loader func(path string) ([]catalog.Task, error)) Option {
	return func(s *Selector) { s.loader = loader }
}

// WithLLMTimeout sets the deadline for a single LLM selection call.
func WithLLMTimeout(d time.Duration) Option {
	return func(s *Selector) { s.timeout = d }
}

// New creates a Selector. client may be nil to disable LLM selection.
func New(recorder Recorder, client Completer, logger *slog.Logger, opts ...Option) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Selector{
		analytics: recorder,
		client:    client,
		loader:    catalog.ParseFile,
		timeout:   defaultLLMTimeout,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectBestTask picks the best pending task for the context. A nil result
// with nil error means no suitable task exists.
func (s *Selector) SelectBestTask(ctx context.Context, projectPath string, sc Context) (*Result, error) {
	if sc.TimerDuration <= 0 {
		sc.TimerDuration = 1800
	}
	if sc.ProjectName == "" {
		sc.ProjectName = filepath.Base(projectPath)
	}

	tasks, err := s.loader(filepath.Join(projectPath, "TODO.md"))
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	pending := lo.Filter(tasks, func(t catalog.Task, _ int) bool { return !t.Completed })
	if len(pending) == 0 {
		s.logger.Warn("No pending tasks found", "project", sc.ProjectName)
		return nil, nil
	}

	filtered := FilterByContext(pending, sc, s.now().Hour())
	if len(filtered) == 0 {
		s.logger.Warn("No suitable tasks after filtering", "project", sc.ProjectName)
		return nil, nil
	}

	var history analytics.TaskAnalytics
	if s.analytics != nil {
		history, err = s.analytics.GetTaskAnalytics(sc.ProjectName, "", 30)
		if err != nil {
			s.logger.Warn("Analytics unavailable for selection", "project", sc.ProjectName, "error", err)
		}
	}

	var result *Result
	if sc.UseLLM && s.client != nil {
		result, err = s.selectWithLLM(ctx, filtered, sc, history)
		if err != nil {
			s.logger.Warn("LLM selection failed, using heuristic fallback", "error", err)
		}
	}
	if result == nil {
		task := SelectHeuristic(filtered, sc)
		result = &Result{Task: task, Method: "heuristic"}
	}

	s.recordSuggestion(result, sc)
	return result, nil
}

// recordSuggestion stores the suggestion and attaches its id to the task.
// Recording failures never fail the selection.
func (s *Selector) recordSuggestion(result *Result, sc Context) {
	if s.analytics == nil {
		return
	}
	task := result.Task
	id, err := s.analytics.RecordSuggestion(sc.ProjectName, analytics.TaskInfo{
		ID:                strconv.Itoa(task.ID),
		Text:              task.Text,
		Tags:              task.Tags,
		App:               task.App,
		Priority:          task.Priority,
		EstimatedDuration: task.EstimatedDuration,
	}, analytics.RecordContext{
		DeployCommand: sc.DeployCommand,
		TimerDuration: sc.TimerDuration,
		DeployActive:  sc.DeployActive,
	})
	if err != nil {
		s.logger.Warn("Failed to record suggestion", "project", sc.ProjectName, "error", err)
		return
	}
	result.Task.SuggestionID = id
}

// FilterByContext drops tasks unsuitable for the deploy context and adjusts
// priorities for the time of day. The result is sorted by priority descending,
// preserving catalog order among equals.
func FilterByContext(tasks []catalog.Task, sc Context, hour int) []catalog.Task {
	timerDuration := sc.TimerDuration
	if timerDuration <= 0 {
		timerDuration = 1800
	}

	var filtered []catalog.Task
	for _, task := range tasks {
		// During deploy: exclude backend tasks
		if sc.DeployActive && task.HasTag("#backend") {
			continue
		}

		// For short timers, prefer short tasks
		if timerDuration <= 900 && (task.HasTag("#long") || task.EstimatedDuration > 60) {
			continue
		}

		// Creative tasks suffer outside working hours
		if task.HasTag("#creative") && (hour < 8 || hour > 18) {
			task.Priority = max(1, task.Priority-1)
		}

		// Research tasks work anytime
		if task.HasTag("#research") {
			task.Priority++
		}

		// Writing tasks suit deploy focus periods
		if task.HasTag("#writing") && sc.DeployActive {
			task.Priority += 2
		}

		filtered = append(filtered, task)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Priority > filtered[j].Priority
	})
	return filtered
}

// HeuristicScore computes the fallback score for a task in context.
func HeuristicScore(task catalog.Task, sc Context) int {
	score := task.Priority

	// Solo tasks are easier to start and stop around a deploy
	if sc.DeployActive && task.HasTag("#solo") {
		score += 2
	}

	timerDuration := sc.TimerDuration
	if timerDuration <= 0 {
		timerDuration = 1800
	}
	if timerDuration <= 1800 && task.HasTag("#short") {
		score++
	}

	if task.HasTag("#creative") || task.HasTag("#writing") {
		score++
	}

	return score
}

// SelectHeuristic picks the highest-scoring task, ties broken by list order.
func SelectHeuristic(tasks []catalog.Task, sc Context) catalog.Task {
	best := tasks[0]
	bestScore := HeuristicScore(best, sc)
	for _, task := range tasks[1:] {
		if score := HeuristicScore(task, sc); score > bestScore {
			best = task
			bestScore = score
		}
	}
	return best
}

// llmSelection is the JSON shape the model is asked to return.
type llmSelection struct {
	SelectedTask string  `json:"selected_task"`
	Reasoning    string  `json:"reasoning"`
	Confidence   float64 `json:"confidence"`
}

func (s *Selector) selectWithLLM(ctx context.Context, tasks []catalog.Task, sc Context, history analytics.TaskAnalytics) (*Result, error) {
	prompt := s.buildPrompt(tasks, sc, history)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	temperature := 0.7
	resp, err := s.client.Complete(callCtx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: &temperature,
		MaxTokens:   200,
		CacheKey:    selectionCacheKey(tasks, sc),
	})
	if err != nil {
		return nil, err
	}

	var selection llmSelection
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Content)), &selection); err != nil {
		return nil, fmt.Errorf("parse selection response: %w", err)
	}
	if selection.SelectedTask == "" {
		return nil, fmt.Errorf("selection response names no task")
	}

	task, ok := matchTask(tasks, selection.SelectedTask)
	if !ok {
		return nil, fmt.Errorf("selection %q matches no available task", selection.SelectedTask)
	}

	return &Result{
		Task:       task,
		Method:     "llm",
		Reasoning:  selection.Reasoning,
		Confidence: selection.Confidence,
	}, nil
}

// matchTask resolves the model's selected text to a task, exact match first,
// then substring containment in either direction.
func matchTask(tasks []catalog.Task, selected string) (catalog.Task, bool) {
	for _, task := range tasks {
		if task.Text == selected {
			return task, true
		}
	}
	selectedLower := strings.ToLower(selected)
	for _, task := range tasks {
		textLower := strings.ToLower(task.Text)
		if strings.Contains(textLower, selectedLower) || strings.Contains(selectedLower, textLower) {
			return task, true
		}
	}
	return catalog.Task{}, false
}

// selectionCacheKey memoises LLM responses for an identical task list and
// context within the client's cache TTL.
func selectionCacheKey(tasks []catalog.Task, sc Context) string {
	var b strings.Builder
	for _, task := range tasks {
		b.WriteString(task.Text)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%s|%v|%d|%s", sc.ProjectName, sc.DeployActive, sc.TimerDuration, sc.DeployCommand)
	return fmt.Sprintf("selection_%x", md5.Sum([]byte(b.String())))
}

func (s *Selector) buildPrompt(tasks []catalog.Task, sc Context, history analytics.TaskAnalytics) string {
	return fmt.Sprintf(`You are DeployBot, an assistant that helps developers stay productive during deployment wait times.

CONTEXT:
%s

HISTORICAL ANALYTICS:
%s

AVAILABLE TASKS:
%s

INSTRUCTIONS:
Select the SINGLE best task for this situation. Consider:
1. Deploy context (avoid backend tasks during deploys)
2. Time available (%d seconds)
3. Current time of day
4. Task priority and difficulty
5. Historical acceptance patterns (avoid tasks ignored 3+ times recently)
6. What would be most productive right now

Use the historical analytics to avoid suggesting tasks that have been repeatedly ignored.
If a task type has low acceptance rates, prefer alternatives unless there are no other options.

Respond with ONLY a JSON object:
{
    "selected_task": "exact task text here",
    "reasoning": "brief explanation why this is the best choice considering historical patterns",
    "confidence": 0.8
}`, s.formatContext(sc), formatAnalytics(history), formatTasks(tasks), sc.TimerDuration)
}

func (s *Selector) formatContext(sc Context) string {
	var lines []string
	if sc.DeployActive {
		command := sc.DeployCommand
		if command == "" {
			command = "unknown command"
		}
		lines = append(lines, "- Deploy in progress: "+command)
		lines = append(lines, fmt.Sprintf("- Timer duration: %d seconds", sc.TimerDuration))
	}
	lines = append(lines, "- Current time: "+s.now().Format("15:04 on Monday"))
	if sc.ProjectName != "" {
		lines = append(lines, "- Project: "+sc.ProjectName)
	}
	return strings.Join(lines, "\n")
}

func formatTasks(tasks []catalog.Task) string {
	var lines []string
	for i, task := range tasks {
		if i >= promptTaskLimit {
			break
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, task.Text))
		lines = append(lines, "   Tags: "+strings.Join(task.Tags, " "))
		lines = append(lines, fmt.Sprintf("   Duration: ~%dmin, Priority: %d/10", task.EstimatedDuration, task.Priority))
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// formatAnalytics summarises historical behaviour for the prompt.
func formatAnalytics(history analytics.TaskAnalytics) string {
	var lines []string

	if history.SuggestionsCount > 0 {
		lines = append(lines, fmt.Sprintf("- Overall task acceptance rate: %.0f%%", history.AcceptanceRate*100))
	}
	if history.RecentIgnores30d >= 3 {
		lines = append(lines, fmt.Sprintf("- Warning: %d tasks ignored in last 30 days - consider different approach", history.RecentIgnores30d))
	}
	if history.TaskPatterns.TotalCompleted > 0 {
		if history.TaskPatterns.AvgCompletionTime > 0 {
			lines = append(lines, fmt.Sprintf("- Average task completion time: %.1f minutes", history.TaskPatterns.AvgCompletionTime/60))
		}
		if history.TaskPatterns.AvgProductivityScore > 0 {
			lines = append(lines, fmt.Sprintf("- Average productivity score: %.2f/1.0", history.TaskPatterns.AvgProductivityScore))
		}
	}
	if history.AvgResponseTime > 0 {
		if history.AvgResponseTime < 30 {
			lines = append(lines, "- User typically responds quickly to suggestions")
		} else if history.AvgResponseTime > 120 {
			lines = append(lines, "- User typically takes time to consider suggestions")
		}
	}

	if len(lines) == 0 {
		lines = append(lines, "- No significant historical patterns yet - focus on task priority and context")
	}
	return strings.Join(lines, "\n")
}
