// Package main implements a mock LLM server for local DeployBot testing.
// It serves OpenAI-compatible /v1/chat/completions responses shaped like the
// task-selection JSON the daemon expects, so the LLM selection path can be
// exercised without a real model running. By default the mock answers with
// the first task listed in the prompt's AVAILABLE TASKS section; -task
// forces a specific answer instead.
//
// Usage:
//
//	mock-llm -port 11434
//	deploybot --config config.yaml   # llm.endpoint: http://localhost:11434
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// selection is the task-selection shape the daemon parses.
type selection struct {
	SelectedTask string  `json:"selected_task"`
	Reasoning    string  `json:"reasoning"`
	Confidence   float64 `json:"confidence"`
}

// --- Server ---

type server struct {
	forcedTask string
	reasoning  string
	confidence float64
	calls      atomic.Int64
}

func main() {
	port := flag.Int("port", 11434, "port to listen on")
	task := flag.String("task", "", "force this task text in every selection")
	confidence := flag.Float64("confidence", 0.9, "confidence reported with every selection")
	flag.Parse()

	s := &server{
		forcedTask: *task,
		reasoning:  "mock selection for local testing",
		confidence: *confidence,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	log.Printf("[call %d] model=%s messages=%d", callNum, req.Model, len(req.Messages))

	task := s.forcedTask
	if task == "" {
		task = firstListedTask(prompt(req))
	}
	if task == "" {
		http.Error(w, "no task list found in prompt", http.StatusBadRequest)
		return
	}

	content, _ := json.Marshal(selection{
		SelectedTask: task,
		Reasoning:    s.reasoning,
		Confidence:   s.confidence,
	})

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: string(content),
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	log.Printf("[call %d] selected %q", callNum, task)
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls": s.calls.Load(),
	})
}

// prompt joins the user messages of a request.
func prompt(req chatRequest) string {
	var parts []string
	for _, m := range req.Messages {
		if m.Role == "user" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// taskLinePattern matches numbered entries in the AVAILABLE TASKS section.
var taskLinePattern = regexp.MustCompile(`^\d+\.\s+(.+)$`)

// firstListedTask extracts the first task text after an AVAILABLE TASKS
// heading. Returns "" when the prompt carries no task list.
func firstListedTask(text string) string {
	inTasks := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "AVAILABLE TASKS") {
			inTasks = true
			continue
		}
		if !inTasks {
			continue
		}
		if m := taskLinePattern.FindStringSubmatch(trimmed); m != nil {
			return m[1]
		}
	}
	return ""
}
