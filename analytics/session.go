package analytics

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/samber/lo"
)

// Session status values.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// Session tracks one deploy propagation window for a project.
type Session struct {
	SessionID                   string   `json:"session_id"`
	ProjectName                 string   `json:"project_name"`
	DeployCommand               string   `json:"deploy_command"`
	SessionStart                string   `json:"session_start"`
	SessionEnd                  *string  `json:"session_end"`
	TimerDurationSeconds        int      `json:"timer_duration_seconds"`
	CloudPropagationTimeSeconds int      `json:"cloud_propagation_time_seconds"`
	TasksSuggested              int      `json:"tasks_suggested"`
	TasksAccepted               int      `json:"tasks_accepted"`
	SwitchButtonPressed         bool     `json:"switch_button_pressed"`
	SwitchTimestamp             *string  `json:"switch_timestamp"`
	EstimatedTimeSavedSeconds   int      `json:"estimated_time_saved_seconds"`
	SessionStatus               string   `json:"session_status"`
	ProductivityScore           *float64 `json:"productivity_score"`
}

// Pattern is one recorded deploy event used for frequency analysis.
type Pattern struct {
	ProjectName          string  `json:"project_name"`
	DeployCommand        string  `json:"deploy_command"`
	DeployTimestamp      string  `json:"deploy_timestamp"`
	TimeOfDay            string  `json:"time_of_day"`
	DayOfWeek            string  `json:"day_of_week"`
	DeployFrequencyScore float64 `json:"deploy_frequency_score"`
}

// StartSession opens a deploy session and records a deploy pattern. The cloud
// propagation time always equals the timer duration.
func (s *Store) StartSession(project, deployCommand string, timerDuration int) (string, error) {
	if timerDuration <= 0 {
		timerDuration = 1800
	}

	id := sessionID(project, deployCommand, s.now())
	session := &Session{
		SessionID:                   id,
		ProjectName:                 project,
		DeployCommand:               deployCommand,
		SessionStart:                s.now().Format(time.RFC3339),
		TimerDurationSeconds:        timerDuration,
		CloudPropagationTimeSeconds: timerDuration,
		SessionStatus:               SessionActive,
	}

	s.sessionMu.Lock()
	s.activeSessions[id] = session
	s.sessionMu.Unlock()

	if err := s.recordPattern(project, deployCommand); err != nil {
		s.logger.Error("Failed to record deploy pattern", "project", project, "error", err)
	}

	s.logger.Info("Deploy session started",
		"session_id", id, "project", project, "timer_duration_seconds", timerDuration)
	return id, nil
}

// EndSession closes an active session, computes time saved and the
// productivity score, and persists the session to its monthly shard. Ending
// an unknown session returns false.
func (s *Store) EndSession(sessionID, status string) bool {
	s.sessionMu.Lock()
	session, ok := s.activeSessions[sessionID]
	if ok {
		delete(s.activeSessions, sessionID)
	}
	s.sessionMu.Unlock()
	if !ok {
		s.logger.Warn("Session not found", "session_id", sessionID)
		return false
	}

	end := s.now().Format(time.RFC3339)
	session.SessionEnd = &end
	session.SessionStatus = status

	// Time saved only counts when the user actually switched.
	if session.SwitchButtonPressed {
		session.EstimatedTimeSavedSeconds = session.CloudPropagationTimeSeconds
	} else {
		session.EstimatedTimeSavedSeconds = 0
	}

	score := s.productivityScore(session)
	session.ProductivityScore = &score

	err := s.appendShard(session.ProjectName, "sessions", "deploy_sessions", func([]json.RawMessage) (any, error) {
		return session, nil
	})
	if err != nil {
		s.logger.Error("Failed to save session", "session_id", sessionID, "error", err)
		return false
	}

	s.logger.Info("Deploy session ended",
		"session_id", sessionID, "status", status,
		"time_saved_seconds", session.EstimatedTimeSavedSeconds)
	return true
}

// RecordSwitch marks the first Switch press on a session. Lookup is by
// session id, falling back to the project's active session. Later presses
// are no-ops that still report success.
func (s *Store) RecordSwitch(sessionID, project string) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	session := s.activeSessions[sessionID]
	if session == nil && project != "" {
		for _, sess := range s.activeSessions {
			if sess.ProjectName == project && sess.SessionStatus == SessionActive {
				session = sess
				break
			}
		}
	}
	if session == nil {
		s.logger.Warn("No active session for switch tracking",
			"session_id", sessionID, "project", project)
		return false
	}

	if session.SwitchButtonPressed {
		return true
	}

	session.SwitchButtonPressed = true
	ts := s.now().Format(time.RFC3339)
	session.SwitchTimestamp = &ts

	s.logger.Info("First switch press recorded",
		"session_id", session.SessionID, "project", session.ProjectName)
	return true
}

// ActiveSessionForProject returns the active session id for a project, if any.
func (s *Store) ActiveSessionForProject(project string) (string, bool) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	for id, session := range s.activeSessions {
		if session.ProjectName == project && session.SessionStatus == SessionActive {
			return id, true
		}
	}
	return "", false
}

// UpdateSessionTaskCounts bumps suggestion and acceptance counters on an
// active session.
func (s *Store) UpdateSessionTaskCounts(sessionID string, suggested, accepted int) bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	session, ok := s.activeSessions[sessionID]
	if !ok {
		s.logger.Warn("Session not found for task count update", "session_id", sessionID)
		return false
	}
	if suggested > 0 {
		session.TasksSuggested += suggested
	}
	if accepted > 0 {
		session.TasksAccepted += accepted
	}
	return true
}

// productivityScore scores a completed session in [0,1]: base 0.3 for
// finishing, up to 0.3 for acceptance rate, 0.4 for switching, 0.1 for
// staying at least half the timer duration.
func (s *Store) productivityScore(session *Session) float64 {
	score := 0.3

	if session.TasksSuggested > 0 {
		score += float64(session.TasksAccepted) / float64(session.TasksSuggested) * 0.3
	}
	if session.SwitchButtonPressed {
		score += 0.4
	}

	if session.SessionEnd != nil {
		start, err1 := time.Parse(time.RFC3339, session.SessionStart)
		end, err2 := time.Parse(time.RFC3339, *session.SessionEnd)
		if err1 == nil && err2 == nil {
			duration := end.Sub(start).Seconds()
			if duration >= float64(session.TimerDurationSeconds)*0.5 {
				score += 0.1
			}
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// recordPattern appends a deploy pattern with a frequency score derived from
// the last 7 days of deploys.
func (s *Store) recordPattern(project, deployCommand string) error {
	now := s.now()
	pattern := Pattern{
		ProjectName:          project,
		DeployCommand:        deployCommand,
		DeployTimestamp:      now.Format(time.RFC3339),
		TimeOfDay:            TimeOfDay(now.Hour()),
		DayOfWeek:            now.Weekday().String(),
		DeployFrequencyScore: s.deployFrequencyScore(project),
	}
	return s.appendShard(project, "deploy_patterns", "deploy_patterns", func([]json.RawMessage) (any, error) {
		return pattern, nil
	})
}

// deployFrequencyScore is deploys-per-day over the last 7 days, capped at 10.
func (s *Store) deployFrequencyScore(project string) float64 {
	patterns, err := s.recentPatterns(project, 7)
	if err != nil {
		s.logger.Error("Failed to calculate deploy frequency", "project", project, "error", err)
		return 0.0
	}
	if len(patterns) == 0 {
		return 0.0
	}
	score := float64(len(patterns)) / 7.0
	if score > 10.0 {
		score = 10.0
	}
	return score
}

func (s *Store) recentPatterns(project string, days int) ([]Pattern, error) {
	patterns, err := loadShards[Pattern](s, project, "deploy_patterns", "deploy_patterns", days)
	if err != nil {
		return nil, err
	}
	return lo.Filter(patterns, func(p Pattern, _ int) bool {
		return s.withinWindow(p.DeployTimestamp, days)
	}), nil
}

func (s *Store) recentSessions(project string, days int) ([]Session, error) {
	sessions, err := loadShards[Session](s, project, "sessions", "deploy_sessions", days)
	if err != nil {
		return nil, err
	}
	filtered := lo.Filter(sessions, func(sess Session, _ int) bool {
		return s.withinWindow(sess.SessionStart, days)
	})
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].SessionStart > filtered[j].SessionStart
	})
	return filtered, nil
}

// CommandCount is one (command, count) pair in a deploy summary.
type CommandCount struct {
	Command string `json:"command"`
	Count   int    `json:"count"`
}

// DeployAnalytics aggregates sessions and patterns for a project.
type DeployAnalytics struct {
	ProjectName                  string         `json:"project_name"`
	AnalysisPeriodDays           int            `json:"analysis_period_days"`
	Timestamp                    string         `json:"timestamp"`
	TotalSessions                int            `json:"total_sessions"`
	TotalTimeSavedMinutes        float64        `json:"total_time_saved_minutes"`
	SwitchButtonUsageRate        float64        `json:"switch_button_usage_rate"`
	AvgProductivityScore         float64        `json:"avg_productivity_score"`
	TotalDeploys                 int            `json:"total_deploys"`
	AvgDeploysPerDay             float64        `json:"avg_deploys_per_day"`
	MostCommonCommands           []CommandCount `json:"most_common_commands"`
	DeployTimePatterns           map[string]int `json:"deploy_time_patterns"`
	AvgTimeSavedPerSessionMins   float64        `json:"avg_time_saved_per_session_minutes"`
	ProductivityImprovementRate  float64        `json:"productivity_improvement_rate"`
}

// GetDeployAnalytics summarises deploy sessions and patterns over the
// trailing window.
func (s *Store) GetDeployAnalytics(project string, days int) (DeployAnalytics, error) {
	sessions, err := s.recentSessions(project, days)
	if err != nil {
		return DeployAnalytics{}, err
	}
	patterns, err := s.recentPatterns(project, days)
	if err != nil {
		return DeployAnalytics{}, err
	}

	summary := DeployAnalytics{
		ProjectName:        project,
		AnalysisPeriodDays: days,
		Timestamp:          s.now().Format(time.RFC3339),
		TotalSessions:      len(sessions),
		TotalDeploys:       len(patterns),
		DeployTimePatterns: map[string]int{},
		MostCommonCommands: []CommandCount{},
	}

	totalTimeSaved := lo.SumBy(sessions, func(sess Session) int {
		return sess.EstimatedTimeSavedSeconds
	})
	summary.TotalTimeSavedMinutes = float64(totalTimeSaved) / 60

	switched := lo.CountBy(sessions, func(sess Session) bool { return sess.SwitchButtonPressed })
	if len(sessions) > 0 {
		summary.SwitchButtonUsageRate = float64(switched) / float64(len(sessions))
		summary.AvgTimeSavedPerSessionMins = float64(totalTimeSaved) / float64(len(sessions)) / 60
	}
	summary.ProductivityImprovementRate = summary.SwitchButtonUsageRate * 100

	scores := lo.FilterMap(sessions, func(sess Session, _ int) (float64, bool) {
		if sess.ProductivityScore == nil || *sess.ProductivityScore == 0 {
			return 0, false
		}
		return *sess.ProductivityScore, true
	})
	if len(scores) > 0 {
		summary.AvgProductivityScore = lo.Sum(scores) / float64(len(scores))
	}

	if len(patterns) > 0 {
		counts := lo.CountValuesBy(patterns, func(p Pattern) string { return p.DeployCommand })
		for cmd, n := range counts {
			summary.MostCommonCommands = append(summary.MostCommonCommands, CommandCount{Command: cmd, Count: n})
		}
		sort.Slice(summary.MostCommonCommands, func(i, j int) bool {
			if summary.MostCommonCommands[i].Count != summary.MostCommonCommands[j].Count {
				return summary.MostCommonCommands[i].Count > summary.MostCommonCommands[j].Count
			}
			return summary.MostCommonCommands[i].Command < summary.MostCommonCommands[j].Command
		})
		if len(summary.MostCommonCommands) > 5 {
			summary.MostCommonCommands = summary.MostCommonCommands[:5]
		}

		summary.DeployTimePatterns = lo.CountValuesBy(patterns, func(p Pattern) string { return p.TimeOfDay })
		summary.AvgDeploysPerDay = float64(len(patterns)) / float64(days)
	}

	return summary, nil
}

// SessionStatus reports the active session (if any) and recent activity for a
// project.
type SessionStatus struct {
	ProjectName         string   `json:"project_name"`
	CurrentSession      *Session `json:"current_session"`
	HasActiveSession    bool     `json:"has_active_session"`
	RecentSessionsCount int      `json:"recent_sessions_count"`
	LastSessionTime     *string  `json:"last_session_time"`
	CheckedAt           string   `json:"checked_at"`
}

// GetSessionStatus returns the current session state for a project.
func (s *Store) GetSessionStatus(project string) SessionStatus {
	status := SessionStatus{
		ProjectName: project,
		CheckedAt:   s.now().Format(time.RFC3339),
	}

	s.sessionMu.Lock()
	for _, session := range s.activeSessions {
		if session.ProjectName == project && session.SessionStatus == SessionActive {
			copied := *session
			status.CurrentSession = &copied
			status.HasActiveSession = true
			break
		}
	}
	s.sessionMu.Unlock()

	recent, err := s.recentSessions(project, 7)
	if err != nil {
		s.logger.Error("Failed to load recent sessions", "project", project, "error", err)
		return status
	}
	status.RecentSessionsCount = len(recent)
	if len(recent) > 0 {
		status.LastSessionTime = &recent[0].SessionStart
	}
	return status
}
