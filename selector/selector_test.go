package selector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploybot-sh/deploybot/analytics"
	"github.com/deploybot-sh/deploybot/catalog"
	"github.com/deploybot-sh/deploybot/llm"
)

type fakeRecorder struct {
	suggestions []analytics.TaskInfo
	history     analytics.TaskAnalytics
	failRecord  bool
}

func (f *fakeRecorder) RecordSuggestion(project string, task analytics.TaskInfo, ctx analytics.RecordContext) (string, error) {
	if f.failRecord {
		return "", errors.New("disk full")
	}
	f.suggestions = append(f.suggestions, task)
	return "suggestion_abcdef123456", nil
}

func (f *fakeRecorder) GetTaskAnalytics(project, taskText string, days int) (analytics.TaskAnalytics, error) {
	return f.history, nil
}

type fakeCompleter struct {
	content  string
	err      error
	requests []llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content, Model: "test-model"}, nil
}

const selectorTodo = `## Pending Tasks
- [ ] Write product video script #writing #solo
- [ ] Optimize database queries #backend #long
- [ ] Design landing page mockup #creative #short
`

func writeTodoDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TODO.md"), []byte(selectorTodo), 0644))
	return dir
}

func task(text string, priority, duration int, tags ...string) catalog.Task {
	return catalog.Task{Text: text, Tags: tags, Priority: priority, EstimatedDuration: duration}
}

func TestFilterByContextExcludesBackendDuringDeploy(t *testing.T) {
	tasks := []catalog.Task{
		task("fix indexes", 5, 45, "#backend"),
		task("write notes", 5, 45, "#writing"),
	}

	filtered := FilterByContext(tasks, Context{DeployActive: true, TimerDuration: 1800}, 10)
	require.Len(t, filtered, 1)
	assert.Equal(t, "write notes", filtered[0].Text)

	// Backend tasks stay when no deploy is running.
	filtered = FilterByContext(tasks, Context{TimerDuration: 1800}, 10)
	assert.Len(t, filtered, 2)
}

func TestFilterByContextShortTimer(t *testing.T) {
	tasks := []catalog.Task{
		task("refactor everything", 5, 45, "#long"),
		task("long by estimate", 5, 90),
		task("quick fix", 5, 15, "#short"),
	}

	filtered := FilterByContext(tasks, Context{TimerDuration: 900}, 10)
	require.Len(t, filtered, 1)
	assert.Equal(t, "quick fix", filtered[0].Text)
}

func TestFilterByContextTimeOfDayAdjustments(t *testing.T) {
	tasks := []catalog.Task{
		task("design logo", 5, 45, "#creative"),
		task("read papers", 5, 45, "#research"),
		task("draft post", 5, 45, "#writing"),
	}

	// Evening: creative loses a point, research gains one, writing gains
	// two during a deploy.
	filtered := FilterByContext(tasks, Context{DeployActive: true, TimerDuration: 1800}, 20)
	require.Len(t, filtered, 3)
	assert.Equal(t, "draft post", filtered[0].Text)
	assert.Equal(t, 7, filtered[0].Priority)
	assert.Equal(t, "read papers", filtered[1].Text)
	assert.Equal(t, 6, filtered[1].Priority)
	assert.Equal(t, "design logo", filtered[2].Text)
	assert.Equal(t, 4, filtered[2].Priority)

	// Mid-morning creative keeps its priority.
	filtered = FilterByContext([]catalog.Task{task("design logo", 5, 45, "#creative")}, Context{TimerDuration: 1800}, 10)
	assert.Equal(t, 5, filtered[0].Priority)
}

func TestFilterByContextPriorityFloor(t *testing.T) {
	tasks := []catalog.Task{task("night sketch", 1, 45, "#creative")}
	filtered := FilterByContext(tasks, Context{TimerDuration: 1800}, 22)
	assert.Equal(t, 1, filtered[0].Priority)
}

func TestHeuristicScore(t *testing.T) {
	sc := Context{DeployActive: true, TimerDuration: 1800}

	// A parsed "#short #creative" task scores 6 base + 1 short + 1 creative.
	short := task("Design landing page mockup", catalog.TaskPriority([]string{"#creative", "#short"}, "Design landing page mockup"), 20, "#creative", "#short")
	assert.Equal(t, 8, HeuristicScore(short, sc))

	solo := task("Write script", 5, 45, "#solo")
	assert.Equal(t, 7, HeuristicScore(solo, sc))

	plain := task("plan roadmap", 5, 45)
	assert.Equal(t, 5, HeuristicScore(plain, sc))

	// No boosts without a deploy or with a long timer.
	assert.Equal(t, 5, HeuristicScore(solo, Context{TimerDuration: 3600}))
}

func TestSelectHeuristicTieBreaksByOrder(t *testing.T) {
	tasks := []catalog.Task{
		task("first", 5, 45),
		task("second", 5, 45),
	}
	selected := SelectHeuristic(tasks, Context{TimerDuration: 1800})
	assert.Equal(t, "first", selected.Text)
}

func TestSelectBestTaskHeuristic(t *testing.T) {
	recorder := &fakeRecorder{}
	s := New(recorder, nil, nil)
	dir := writeTodoDir(t)

	result, err := s.SelectBestTask(context.Background(), dir, Context{
		ProjectName:   "demo",
		DeployActive:  true,
		TimerDuration: 1800,
		DeployCommand: "firebase deploy",
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "heuristic", result.Method)
	// Writing task: priority 7 (writing keyword +2 during deploy filter)
	// plus solo and writing boosts beats the creative short task.
	assert.Equal(t, "Write product video script", result.Task.Text)
	assert.Equal(t, "suggestion_abcdef123456", result.Task.SuggestionID)
	require.Len(t, recorder.suggestions, 1)
	assert.Equal(t, "Write product video script", recorder.suggestions[0].Text)
}

func TestSelectBestTaskNoTasks(t *testing.T) {
	s := New(&fakeRecorder{}, nil, nil)
	result, err := s.SelectBestTask(context.Background(), t.TempDir(), Context{ProjectName: "demo"})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSelectBestTaskNothingSuitable(t *testing.T) {
	dir := t.TempDir()
	todo := "## Pending\n- [ ] Optimize database queries #backend\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TODO.md"), []byte(todo), 0644))

	s := New(&fakeRecorder{}, nil, nil)
	result, err := s.SelectBestTask(context.Background(), dir, Context{
		ProjectName:  "demo",
		DeployActive: true,
	})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSelectBestTaskWithLLM(t *testing.T) {
	recorder := &fakeRecorder{}
	completer := &fakeCompleter{
		content: `{"selected_task": "Design landing page mockup", "reasoning": "short and creative", "confidence": 0.9}`,
	}
	s := New(recorder, completer, nil)
	dir := writeTodoDir(t)

	result, err := s.SelectBestTask(context.Background(), dir, Context{
		ProjectName:   "demo",
		DeployActive:  true,
		TimerDuration: 1800,
		UseLLM:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "llm", result.Method)
	assert.Equal(t, "Design landing page mockup", result.Task.Text)
	assert.Equal(t, "short and creative", result.Reasoning)
	assert.InDelta(t, 0.9, result.Confidence, 0.001)
	assert.Equal(t, "suggestion_abcdef123456", result.Task.SuggestionID)

	require.Len(t, completer.requests, 1)
	req := completer.requests[0]
	assert.NotEmpty(t, req.CacheKey)
	assert.Equal(t, 200, req.MaxTokens)
	assert.Contains(t, req.Messages[0].Content, "AVAILABLE TASKS:")
	assert.Contains(t, req.Messages[0].Content, "Design landing page mockup")
}

func TestSelectBestTaskLLMMarkdownResponse(t *testing.T) {
	completer := &fakeCompleter{
		content: "```json\n{\"selected_task\": \"Design landing page mockup\", \"confidence\": 0.7}\n```",
	}
	s := New(&fakeRecorder{}, completer, nil)
	dir := writeTodoDir(t)

	result, err := s.SelectBestTask(context.Background(), dir, Context{
		ProjectName:   "demo",
		TimerDuration: 1800,
		UseLLM:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "llm", result.Method)
	assert.Equal(t, "Design landing page mockup", result.Task.Text)
}

func TestSelectBestTaskLLMFailureFallsBack(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("connection refused")}
	s := New(&fakeRecorder{}, completer, nil)
	dir := writeTodoDir(t)

	result, err := s.SelectBestTask(context.Background(), dir, Context{
		ProjectName:   "demo",
		TimerDuration: 1800,
		UseLLM:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "heuristic", result.Method)
}

func TestSelectBestTaskLLMUnmatchedFallsBack(t *testing.T) {
	completer := &fakeCompleter{
		content: `{"selected_task": "Some task that does not exist", "confidence": 0.9}`,
	}
	s := New(&fakeRecorder{}, completer, nil)
	dir := writeTodoDir(t)

	result, err := s.SelectBestTask(context.Background(), dir, Context{
		ProjectName:   "demo",
		TimerDuration: 1800,
		UseLLM:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "heuristic", result.Method)
}

func TestMatchTask(t *testing.T) {
	tasks := []catalog.Task{
		task("Write product video script", 5, 45),
		task("Design landing page mockup", 5, 45),
	}

	matched, ok := matchTask(tasks, "Write product video script")
	require.True(t, ok)
	assert.Equal(t, "Write product video script", matched.Text)

	// Substring in either direction.
	matched, ok = matchTask(tasks, "landing page")
	require.True(t, ok)
	assert.Equal(t, "Design landing page mockup", matched.Text)

	matched, ok = matchTask(tasks, "I would pick: Design landing page mockup, clearly")
	require.True(t, ok)
	assert.Equal(t, "Design landing page mockup", matched.Text)

	_, ok = matchTask(tasks, "deploy the backend")
	assert.False(t, ok)
}

func TestSelectionCacheKeyStable(t *testing.T) {
	tasks := []catalog.Task{task("a", 5, 45), task("b", 5, 45)}
	sc := Context{ProjectName: "demo", DeployActive: true, TimerDuration: 1800}

	assert.Equal(t, selectionCacheKey(tasks, sc), selectionCacheKey(tasks, sc))
	assert.NotEqual(t, selectionCacheKey(tasks, sc), selectionCacheKey(tasks[:1], sc))
	assert.NotEqual(t, selectionCacheKey(tasks, sc), selectionCacheKey(tasks, Context{ProjectName: "demo", TimerDuration: 900}))
}

func TestRecordSuggestionFailureDoesNotFailSelection(t *testing.T) {
	recorder := &fakeRecorder{failRecord: true}
	s := New(recorder, nil, nil)
	dir := writeTodoDir(t)

	result, err := s.SelectBestTask(context.Background(), dir, Context{ProjectName: "demo", TimerDuration: 1800})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Task.SuggestionID)
}

func TestFormatAnalytics(t *testing.T) {
	assert.Contains(t, formatAnalytics(analytics.TaskAnalytics{}), "No significant historical patterns")

	history := analytics.TaskAnalytics{
		SuggestionsCount: 10,
		AcceptanceRate:   0.5,
		RecentIgnores30d: 4,
		AvgResponseTime:  10,
		TaskPatterns: analytics.TaskPatterns{
			TotalCompleted:       3,
			AvgCompletionTime:    900,
			AvgProductivityScore: 0.8,
		},
	}
	summary := formatAnalytics(history)
	assert.Contains(t, summary, "acceptance rate: 50%")
	assert.Contains(t, summary, "4 tasks ignored")
	assert.Contains(t, summary, "15.0 minutes")
	assert.Contains(t, summary, "0.80/1.0")
	assert.Contains(t, summary, "responds quickly")
}
