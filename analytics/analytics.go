// Package analytics persists task suggestions, user interactions, deploy
// sessions, and deploy patterns as append-only monthly JSON shards under each
// project's analytics directory.
package analytics

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// focusCompletionThreshold is how long a user must stay on an accepted task
// before the time heuristic marks it completed.
const focusCompletionThreshold = 600 * time.Second

// heuristicProductivityScore is the confidence attached to time-heuristic
// completions.
const heuristicProductivityScore = 0.75

// Interaction types.
const (
	InteractionAccepted  = "accepted"
	InteractionIgnored   = "ignored"
	InteractionSnoozed   = "snoozed"
	InteractionDismissed = "dismissed"
)

// Suggestion is one recorded task suggestion.
type Suggestion struct {
	ID                  string            `json:"id"`
	TaskID              string            `json:"task_id"`
	TaskText            string            `json:"task_text"`
	TaskTags            []string          `json:"task_tags"`
	SuggestedApp        string            `json:"suggested_app"`
	SuggestionTimestamp string            `json:"suggestion_timestamp"`
	DeployCommand       string            `json:"deploy_command"`
	TimerDuration       int               `json:"timer_duration"`
	ContextData         SuggestionContext `json:"context_data"`
}

// SuggestionContext captures the conditions a suggestion was made under.
type SuggestionContext struct {
	TimeOfDay         string `json:"time_of_day"`
	ProjectType       string `json:"project_type"`
	RecentDeploys     int    `json:"recent_deploys"`
	DeployActive      bool   `json:"deploy_active"`
	Priority          int    `json:"priority"`
	EstimatedDuration int    `json:"estimated_duration"`
}

// Interaction is one recorded user response to a suggestion.
type Interaction struct {
	SuggestionID         string   `json:"suggestion_id"`
	InteractionType      string   `json:"interaction_type"`
	InteractionTimestamp string   `json:"interaction_timestamp"`
	ResponseTimeSeconds  float64  `json:"response_time_seconds"`
	CompletionDetected   bool     `json:"completion_detected"`
	CompletionMethod     *string  `json:"completion_method"`
	TimeInAppSeconds     *int     `json:"time_in_app_seconds"`
	ProductivityScore    *float64 `json:"productivity_score"`
}

// TaskInfo is the slice of a catalog task the analytics layer cares about.
type TaskInfo struct {
	ID                string
	Text              string
	Tags              []string
	App               string
	Priority          int
	EstimatedDuration int
}

// RecordContext is the deploy context attached to a suggestion.
type RecordContext struct {
	DeployCommand string
	TimerDuration int
	ProjectType   string
	RecentDeploys int
	DeployActive  bool
}

// Store reads and writes per-project analytics shards. All shard access goes
// through a single mutex, which keeps every file single-writer.
type Store struct {
	mu           sync.Mutex
	projectsRoot string
	logger       *slog.Logger
	now          func() time.Time

	sessionMu      sync.Mutex
	activeSessions map[string]*Session

	focusMu        sync.Mutex
	focusWatches   map[string]*focusWatch
	focusThreshold time.Duration
}

type focusWatch struct {
	targetApp string
	project   string
	startedAt time.Time
	stop      chan struct{}
}

// NewStore creates a Store rooted at the projects directory.
func NewStore(projectsRoot string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		projectsRoot:   projectsRoot,
		logger:         logger,
		now:            time.Now,
		activeSessions: map[string]*Session{},
		focusWatches:   map[string]*focusWatch{},
		focusThreshold: focusCompletionThreshold,
	}
}

// analyticsDir returns (and creates) a project's analytics directory. Spaces
// in project names map to underscores on disk.
func (s *Store) analyticsDir(project string) (string, error) {
	dir := filepath.Join(s.projectsRoot, strings.ReplaceAll(project, " ", "_"), "analytics")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create analytics directory: %w", err)
	}
	return dir, nil
}

func (s *Store) monthKey() string {
	return s.now().Format("2006-01")
}

func suggestionID(taskText, timestamp string) string {
	sum := md5.Sum([]byte(taskText + "_" + timestamp))
	return "suggestion_" + fmt.Sprintf("%x", sum)[:12]
}

func sessionID(project, command string, at time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%s_%d", project, command, at.UnixNano())))
	return "session_" + fmt.Sprintf("%x", sum)[:12]
}

// RecordSuggestion appends a suggestion to the current month's shard and
// returns its id.
func (s *Store) RecordSuggestion(project string, task TaskInfo, ctx RecordContext) (string, error) {
	timestamp := s.now().Format(time.RFC3339)
	id := suggestionID(task.Text, timestamp)

	timerDuration := ctx.TimerDuration
	if timerDuration == 0 {
		timerDuration = 1800
	}
	projectType := ctx.ProjectType
	if projectType == "" {
		projectType = "unknown"
	}

	suggestion := Suggestion{
		ID:                  id,
		TaskID:              task.ID,
		TaskText:            task.Text,
		TaskTags:            task.Tags,
		SuggestedApp:        task.App,
		SuggestionTimestamp: timestamp,
		DeployCommand:       ctx.DeployCommand,
		TimerDuration:       timerDuration,
		ContextData: SuggestionContext{
			TimeOfDay:         TimeOfDay(s.now().Hour()),
			ProjectType:       projectType,
			RecentDeploys:     ctx.RecentDeploys,
			DeployActive:      ctx.DeployActive,
			Priority:          task.Priority,
			EstimatedDuration: task.EstimatedDuration,
		},
	}

	err := s.appendShard(project, "suggestions", "suggestions", func(records []json.RawMessage) (any, error) {
		return suggestion, nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("Task suggestion recorded", "suggestion_id", id, "project", project)
	return id, nil
}

// RecordInteraction appends a user response to the interactions shard. An
// accepted interaction starts app-focus monitoring for the task.
func (s *Store) RecordInteraction(suggestionID, interactionType string, responseTime float64, project string, task *TaskInfo) error {
	interaction := Interaction{
		SuggestionID:         suggestionID,
		InteractionType:      interactionType,
		InteractionTimestamp: s.now().Format(time.RFC3339),
		ResponseTimeSeconds:  responseTime,
	}

	err := s.appendShard(project, "interactions", "interactions", func(records []json.RawMessage) (any, error) {
		return interaction, nil
	})
	if err != nil {
		return err
	}

	if interactionType == InteractionAccepted && task != nil {
		s.startFocusWatch(suggestionID, project, *task)
	}

	s.logger.Info("User interaction recorded",
		"suggestion_id", suggestionID, "interaction_type", interactionType)
	return nil
}

// startFocusWatch begins the time-heuristic completion watch for an accepted
// task. After the threshold elapses the interaction is marked completed.
func (s *Store) startFocusWatch(suggestionID, project string, task TaskInfo) {
	if task.App == "" {
		s.logger.Warn("No target app for focus monitoring", "suggestion_id", suggestionID)
		return
	}

	watch := &focusWatch{
		targetApp: task.App,
		project:   project,
		startedAt: s.now(),
		stop:      make(chan struct{}),
	}

	s.focusMu.Lock()
	s.focusWatches[suggestionID] = watch
	s.focusMu.Unlock()

	s.logger.Info("Started app focus monitoring",
		"suggestion_id", suggestionID, "target_app", task.App)

	go func() {
		select {
		case <-time.After(s.focusThreshold):
		case <-watch.stop:
			return
		}

		s.focusMu.Lock()
		_, active := s.focusWatches[suggestionID]
		delete(s.focusWatches, suggestionID)
		s.focusMu.Unlock()
		if !active {
			return
		}

		elapsed := int(s.now().Sub(watch.startedAt).Seconds())
		if err := s.MarkCompleted(suggestionID, project, "time_heuristic", elapsed, heuristicProductivityScore); err != nil {
			s.logger.Error("Failed to record heuristic completion",
				"suggestion_id", suggestionID, "error", err)
			return
		}
		s.logger.Info("Task marked completed by time heuristic",
			"suggestion_id", suggestionID, "elapsed_seconds", elapsed)
	}()
}

// StopFocusWatches cancels all pending focus watches. Used on shutdown.
func (s *Store) StopFocusWatches() {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()
	for id, watch := range s.focusWatches {
		close(watch.stop)
		delete(s.focusWatches, id)
	}
}

// MarkCompleted updates the interaction for a suggestion with completion
// details.
func (s *Store) MarkCompleted(suggestionID, project, method string, timeInApp int, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.analyticsDir(project)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "interactions_"+s.monthKey()+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no interactions recorded for %s this month", project)
		}
		return fmt.Errorf("read interactions shard: %w", err)
	}

	var shard struct {
		Month        string        `json:"month"`
		Interactions []Interaction `json:"interactions"`
	}
	if err := json.Unmarshal(data, &shard); err != nil {
		return fmt.Errorf("parse interactions shard: %w", err)
	}

	for i := range shard.Interactions {
		if shard.Interactions[i].SuggestionID == suggestionID {
			shard.Interactions[i].CompletionDetected = true
			shard.Interactions[i].CompletionMethod = &method
			shard.Interactions[i].TimeInAppSeconds = &timeInApp
			shard.Interactions[i].ProductivityScore = &score
			break
		}
	}

	out, err := json.MarshalIndent(shard, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal interactions shard: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("write interactions shard: %w", err)
	}
	return nil
}

// TimeOfDay buckets an hour into morning, afternoon, evening, or night.
func TimeOfDay(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 21:
		return "evening"
	default:
		return "night"
	}
}

// appendShard appends one record to a monthly shard file using
// read-modify-write. collection is both the JSON key and, unless the file
// name differs historically, the file prefix.
func (s *Store) appendShard(project, filePrefix, collection string, build func([]json.RawMessage) (any, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.analyticsDir(project)
	if err != nil {
		return err
	}
	month := s.monthKey()
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", filePrefix, month))

	shard := map[string]json.RawMessage{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &shard); err != nil {
			return fmt.Errorf("parse shard %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read shard %s: %w", path, err)
	}

	var records []json.RawMessage
	if raw, ok := shard[collection]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("parse shard records: %w", err)
		}
	}

	record, err := build(records)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	records = append(records, encoded)

	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	monthJSON, _ := json.Marshal(month)
	shard["month"] = monthJSON
	shard[collection] = recordsJSON

	out, err := json.MarshalIndent(shard, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal shard: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("write shard %s: %w", path, err)
	}
	return nil
}

// loadShards unions a collection's records across every month intersecting
// the last-n-days window.
func loadShards[T any](s *Store, project, filePrefix, collection string, days int) ([]T, error) {
	dir, err := s.analyticsDir(project)
	if err != nil {
		return nil, err
	}

	end := s.now()
	start := end.AddDate(0, 0, -days)

	var all []T
	month := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, end.Location())
	floor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
	for !month.Before(floor) {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", filePrefix, month.Format("2006-01")))
		data, err := os.ReadFile(path)
		if err == nil {
			var shard map[string]json.RawMessage
			if err := json.Unmarshal(data, &shard); err != nil {
				return nil, fmt.Errorf("parse shard %s: %w", path, err)
			}
			if raw, ok := shard[collection]; ok {
				var records []T
				if err := json.Unmarshal(raw, &records); err != nil {
					return nil, fmt.Errorf("parse shard records %s: %w", path, err)
				}
				all = append(all, records...)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read shard %s: %w", path, err)
		}
		month = month.AddDate(0, -1, 0)
	}
	return all, nil
}

// withinWindow reports whether an RFC3339 timestamp falls inside the
// last-n-days window ending now.
func (s *Store) withinWindow(timestamp string, days int) bool {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return false
	}
	end := s.now()
	return !ts.Before(end.AddDate(0, 0, -days)) && !ts.After(end)
}

// TaskAnalytics summarises suggestion and interaction history, optionally
// scoped to one task text.
type TaskAnalytics struct {
	SuggestionsCount int          `json:"suggestions_count"`
	Accepted         int          `json:"accepted"`
	Ignored          int          `json:"ignored"`
	Snoozed          int          `json:"snoozed"`
	RecentIgnores30d int          `json:"recent_ignores_30d"`
	AcceptanceRate   float64      `json:"acceptance_rate"`
	CompletionRate   float64      `json:"completion_rate"`
	AvgResponseTime  float64      `json:"avg_response_time"`
	TaskPatterns     TaskPatterns `json:"task_patterns"`
}

// TaskPatterns captures completion-quality metrics.
type TaskPatterns struct {
	TotalCompleted       int     `json:"total_completed"`
	AvgCompletionTime    float64 `json:"avg_completion_time"`
	AvgProductivityScore float64 `json:"avg_productivity_score"`
}

// GetTaskAnalytics aggregates suggestions and interactions for a project over
// the trailing window. taskText narrows the aggregation to one task when
// non-empty.
func (s *Store) GetTaskAnalytics(project, taskText string, days int) (TaskAnalytics, error) {
	suggestions, err := loadShards[Suggestion](s, project, "suggestions", "suggestions", days)
	if err != nil {
		return TaskAnalytics{}, err
	}
	interactions, err := loadShards[Interaction](s, project, "interactions", "interactions", days)
	if err != nil {
		return TaskAnalytics{}, err
	}

	if taskText != "" {
		suggestions = lo.Filter(suggestions, func(sg Suggestion, _ int) bool {
			return sg.TaskText == taskText
		})
	}

	ids := lo.SliceToMap(suggestions, func(sg Suggestion) (string, struct{}) {
		return sg.ID, struct{}{}
	})
	relevant := lo.Filter(interactions, func(i Interaction, _ int) bool {
		_, ok := ids[i.SuggestionID]
		return ok
	})

	byType := lo.CountValuesBy(relevant, func(i Interaction) string { return i.InteractionType })
	accepted := byType[InteractionAccepted]
	completed := lo.CountBy(relevant, func(i Interaction) bool { return i.CompletionDetected })

	recentIgnores := lo.CountBy(relevant, func(i Interaction) bool {
		return i.InteractionType == InteractionIgnored && s.withinWindow(i.InteractionTimestamp, days)
	})

	responseTimes := lo.FilterMap(relevant, func(i Interaction, _ int) (float64, bool) {
		return i.ResponseTimeSeconds, i.ResponseTimeSeconds > 0
	})

	a := TaskAnalytics{
		SuggestionsCount: len(suggestions),
		Accepted:         accepted,
		Ignored:          byType[InteractionIgnored],
		Snoozed:          byType[InteractionSnoozed],
		RecentIgnores30d: recentIgnores,
	}
	if len(suggestions) > 0 {
		a.AcceptanceRate = float64(accepted) / float64(len(suggestions))
	}
	if accepted > 0 {
		a.CompletionRate = float64(completed) / float64(accepted)
	}
	if len(responseTimes) > 0 {
		a.AvgResponseTime = lo.Sum(responseTimes) / float64(len(responseTimes))
	}

	totalCompletionTime := lo.SumBy(relevant, func(i Interaction) int {
		if i.TimeInAppSeconds != nil {
			return *i.TimeInAppSeconds
		}
		return 0
	})
	totalScore := lo.SumBy(relevant, func(i Interaction) float64 {
		if i.ProductivityScore != nil {
			return *i.ProductivityScore
		}
		return 0
	})
	denom := completed
	if denom == 0 {
		denom = 1
	}
	a.TaskPatterns = TaskPatterns{
		TotalCompleted:       completed,
		AvgCompletionTime:    float64(totalCompletionTime) / float64(denom),
		AvgProductivityScore: totalScore / float64(denom),
	}
	return a, nil
}
