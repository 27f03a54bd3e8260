// Package catalog parses project TODO.md files into tasks with tags,
// priorities, duration estimates, and target applications.
package catalog

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	tagPattern      = regexp.MustCompile(`#\w+`)
	tagStripPattern = regexp.MustCompile(`\s*#\w+`)
)

// tagAppMapping routes tasks to applications by tag.
var tagAppMapping = map[string]string{
	"writing":  "Bear",
	"creative": "Figma",
	"design":   "Figma",
	"research": "Safari",
	"code":     "VSCode",
	"backend":  "Terminal",
	"business": "Notion",
	"todo":     "Things",
	"notes":    "Bear",
	"email":    "Mail",
}

// keywordAppMapping is the fallback when no tag matches. Ordered because map
// iteration would make the choice nondeterministic.
var keywordAppMapping = []struct {
	keyword string
	app     string
}{
	{"write", "Bear"},
	{"document", "Bear"},
	{"blog", "Bear"},
	{"note", "Bear"},
	{"design", "Figma"},
	{"mockup", "Figma"},
	{"wireframe", "Figma"},
	{"code", "VSCode"},
	{"develop", "VSCode"},
	{"implement", "VSCode"},
	{"research", "Safari"},
	{"google", "Safari"},
	{"investigate", "Safari"},
	{"email", "Mail"},
	{"call", "FaceTime"},
	{"meeting", "Zoom"},
}

const defaultApp = "Notion"

var tagPriorities = map[string]int{
	"#urgent":    3,
	"#important": 2,
	"#high":      2,
	"#low":       -2,
	"#someday":   -3,
	"#short":     1,
	"#solo":      1,
}

var highPriorityKeywords = []string{"urgent", "asap", "deadline", "important"}
var lowPriorityKeywords = []string{"someday", "maybe", "nice to have"}

var quickKeywords = []string{"quick", "simple", "update", "check", "review"}
var longKeywords = []string{"implement", "design", "research", "write", "create", "build"}

// Task is one parsed TODO.md entry.
type Task struct {
	ID                int       `json:"id"`
	Text              string    `json:"text"`
	OriginalText      string    `json:"original_text"`
	Tags              []string  `json:"tags"`
	Completed         bool      `json:"completed"`
	App               string    `json:"app"`
	Section           string    `json:"section"`
	LineNumber        int       `json:"line_number"`
	Priority          int       `json:"priority"`
	EstimatedDuration int       `json:"estimated_duration"`
	ParsedAt          time.Time `json:"parsed_at"`
	SuggestionID      string    `json:"suggestion_id,omitempty"`
}

// HasTag reports whether the task carries a tag, case-insensitively.
func (t Task) HasTag(tag string) bool {
	for _, candidate := range t.Tags {
		if strings.EqualFold(candidate, tag) {
			return true
		}
	}
	return false
}

// ParseFile parses a TODO.md file. A missing file yields an empty catalog.
func ParseFile(path string) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open todo file: %w", err)
	}
	defer f.Close()

	var tasks []Task
	taskID := 1
	section := "Unknown"
	lineNumber := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "##") {
			section = strings.TrimSpace(strings.TrimLeft(line, "#"))
			continue
		}

		if !strings.HasPrefix(line, "- [") {
			continue
		}

		completed := strings.HasPrefix(line, "- [x]")
		if !completed && !strings.HasPrefix(line, "- [ ]") {
			continue
		}

		original := strings.TrimSpace(line[5:])
		tags := tagPattern.FindAllString(original, -1)
		clean := strings.TrimSpace(tagStripPattern.ReplaceAllString(original, ""))

		tasks = append(tasks, Task{
			ID:                taskID,
			Text:              clean,
			OriginalText:      original,
			Tags:              tags,
			Completed:         completed,
			App:               AppForTask(tags, clean),
			Section:           section,
			LineNumber:        lineNumber,
			Priority:          TaskPriority(tags, clean),
			EstimatedDuration: EstimateDuration(tags, clean),
			ParsedAt:          time.Now(),
		})
		taskID++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read todo file: %w", err)
	}

	return tasks, nil
}

// AppForTask maps a task to its target application: tags first, then text
// keywords, then the default.
func AppForTask(tags []string, text string) string {
	for _, tag := range tags {
		clean := strings.ToLower(strings.TrimPrefix(tag, "#"))
		if app, ok := tagAppMapping[clean]; ok {
			return app
		}
	}

	lower := strings.ToLower(text)
	for _, m := range keywordAppMapping {
		if strings.Contains(lower, m.keyword) {
			return m.app
		}
	}
	return defaultApp
}

// TaskPriority scores a task 1..10 from its tags and text.
func TaskPriority(tags []string, text string) int {
	priority := 5

	for _, tag := range tags {
		if adj, ok := tagPriorities[strings.ToLower(tag)]; ok {
			priority += adj
		}
	}

	lower := strings.ToLower(text)
	for _, keyword := range highPriorityKeywords {
		if strings.Contains(lower, keyword) {
			priority += 2
			break
		}
	}
	for _, keyword := range lowPriorityKeywords {
		if strings.Contains(lower, keyword) {
			priority -= 2
			break
		}
	}

	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	return priority
}

// EstimateDuration estimates task duration in minutes.
func EstimateDuration(tags []string, text string) int {
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "#short":
			return 20
		case "#long":
			return 120
		case "#quick":
			return 10
		}
	}

	lower := strings.ToLower(text)
	for _, keyword := range quickKeywords {
		if strings.Contains(lower, keyword) {
			return 15
		}
	}
	for _, keyword := range longKeywords {
		if strings.Contains(lower, keyword) {
			return 90
		}
	}
	return 45
}

// TagCount is one (tag, count) pair from Statistics.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats summarises a project's TODO.md.
type Stats struct {
	TotalTasks             int        `json:"total_tasks"`
	PendingTasks           int        `json:"pending_tasks"`
	CompletedTasks         int        `json:"completed_tasks"`
	CompletionRate         float64    `json:"completion_rate"`
	EstimatedRemainingTime int        `json:"estimated_remaining_time"`
	MostCommonTags         []TagCount `json:"most_common_tags"`
	AvgPriority            float64    `json:"avg_priority"`
}

// Statistics computes task statistics for a parsed catalog.
func Statistics(tasks []Task) Stats {
	stats := Stats{TotalTasks: len(tasks), MostCommonTags: []TagCount{}}
	if len(tasks) == 0 {
		return stats
	}

	tagCounts := map[string]int{}
	prioritySum := 0
	for _, task := range tasks {
		if task.Completed {
			stats.CompletedTasks++
		} else {
			stats.PendingTasks++
			stats.EstimatedRemainingTime += task.EstimatedDuration
			prioritySum += task.Priority
		}
		for _, tag := range task.Tags {
			tagCounts[tag]++
		}
	}

	stats.CompletionRate = float64(stats.CompletedTasks) / float64(len(tasks))
	if stats.PendingTasks > 0 {
		stats.AvgPriority = float64(prioritySum) / float64(stats.PendingTasks)
	}

	for tag, count := range tagCounts {
		stats.MostCommonTags = append(stats.MostCommonTags, TagCount{Tag: tag, Count: count})
	}
	sort.Slice(stats.MostCommonTags, func(i, j int) bool {
		if stats.MostCommonTags[i].Count != stats.MostCommonTags[j].Count {
			return stats.MostCommonTags[i].Count > stats.MostCommonTags[j].Count
		}
		return stats.MostCommonTags[i].Tag < stats.MostCommonTags[j].Tag
	})
	if len(stats.MostCommonTags) > 5 {
		stats.MostCommonTags = stats.MostCommonTags[:5]
	}
	return stats
}
