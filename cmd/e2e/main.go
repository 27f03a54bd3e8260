// Package main provides the e2e test runner CLI. It connects to a running
// deploybot daemon over websocket and drives full scenarios through the
// command surface: project lifecycle, timers, and a simulated deploy.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		addr       string
		outputJSON bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "e2e [scenario]",
		Short: "Run deploybot e2e tests",
		Long: `Run end-to-end tests against a running deploybot daemon.

Available scenarios:
  connect      - Tests greeting and ping
  project      - Tests create → load → delete lifecycle
  timer        - Tests timer start, status, and stop
  deploy-flow  - Tests a simulated deploy end to end
  all          - Run all scenarios (default)

Examples:
  e2e                           # Run all scenarios
  e2e deploy-flow               # Run specific scenario
  e2e --addr ws://host:8765     # Custom daemon address
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "all"
			if len(args) > 0 {
				name = args[0]
			}
			return run(name, addr, timeout, outputJSON)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8765", "Daemon websocket address")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Per-step timeout")

	return cmd
}

// scenario is one runnable end-to-end check.
type scenario struct {
	name        string
	description string
	run         func(c *client) error
}

// result records a scenario outcome.
type result struct {
	Scenario string        `json:"scenario"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

func scenarios() []scenario {
	return []scenario{
		{"connect", "Greeting envelope and ping round trip", runConnect},
		{"project", "Project create, load, and delete lifecycle", runProject},
		{"timer", "Timer start, status, and manual stop", runTimer},
		{"deploy-flow", "Simulated deploy through detection and completion", runDeployFlow},
	}
}

func run(name, addr string, timeout time.Duration, outputJSON bool) error {
	var toRun []scenario
	for _, s := range scenarios() {
		if name == "all" || s.name == name {
			toRun = append(toRun, s)
		}
	}
	if len(toRun) == 0 {
		return fmt.Errorf("unknown scenario: %s", name)
	}

	results := make([]result, 0, len(toRun))
	allPassed := true
	for _, s := range toRun {
		if !outputJSON {
			fmt.Printf("Running %s: %s... ", s.name, s.description)
		}

		start := time.Now()
		err := runScenario(s, addr, timeout)
		r := result{Scenario: s.name, Success: err == nil, Duration: time.Since(start)}
		if err != nil {
			r.Error = err.Error()
			allPassed = false
		}
		results = append(results, r)

		if !outputJSON {
			if err != nil {
				fmt.Printf("FAILED: %v\n", err)
			} else {
				fmt.Println("PASSED")
			}
		}
	}

	if outputJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		printSummary(results)
	}

	if !allPassed {
		return fmt.Errorf("some scenarios failed")
	}
	return nil
}

func runScenario(s scenario, addr string, timeout time.Duration) error {
	c, err := dial(addr, timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer c.close()

	if _, err := c.waitEvent("system", "connected"); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	return s.run(c)
}

func printSummary(results []result) {
	passed := 0
	for _, r := range results {
		if r.Success {
			passed++
		}
	}
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("Total: %d | Passed: %d | Failed: %d\n",
		len(results), passed, len(results)-passed)
}

// --- Client ---

// frame is any server-to-client message: responses, errors, and events.
type frame struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Command   string         `json:"command"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

type client struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func dial(addr string, timeout time.Duration) (*client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, err
	}
	return &client{conn: conn, timeout: timeout}, nil
}

func (c *client) close() {
	_ = c.conn.Close()
}

// command sends a command and reads frames until its response arrives.
// Event frames received in between are discarded.
func (c *client) command(command string, data map[string]any) (map[string]any, error) {
	if err := c.conn.WriteJSON(map[string]any{"command": command, "data": data}); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	deadline := time.Now().Add(c.timeout)
	for time.Now().Before(deadline) {
		f, err := c.readFrame(deadline)
		if err != nil {
			return nil, fmt.Errorf("await %s response: %w", command, err)
		}
		if f.Type == "response" && f.Command == command {
			return f.Data, nil
		}
		if f.Type == "error" {
			return nil, fmt.Errorf("server error: %s", f.Message)
		}
	}
	return nil, fmt.Errorf("timed out waiting for %s response", command)
}

// expectSuccess runs a command and fails unless the response succeeded.
func (c *client) expectSuccess(command string, data map[string]any) (map[string]any, error) {
	resp, err := c.command(command, data)
	if err != nil {
		return nil, err
	}
	if success, _ := resp["success"].(bool); !success {
		message, _ := resp["message"].(string)
		return nil, fmt.Errorf("%s failed: %s", command, message)
	}
	return resp, nil
}

// waitEvent reads frames until one matches the envelope type and event.
func (c *client) waitEvent(envType, event string) (*frame, error) {
	deadline := time.Now().Add(c.timeout)
	for time.Now().Before(deadline) {
		f, err := c.readFrame(deadline)
		if err != nil {
			return nil, fmt.Errorf("await %s.%s: %w", envType, event, err)
		}
		if f.Type == envType && f.Event == event {
			return f, nil
		}
	}
	return nil, fmt.Errorf("timed out waiting for %s.%s", envType, event)
}

func (c *client) readFrame(deadline time.Time) (*frame, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	var f frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// --- Scenarios ---

func runConnect(c *client) error {
	resp, err := c.expectSuccess("ping", nil)
	if err != nil {
		return err
	}
	if resp["message"] != "pong" {
		return fmt.Errorf("unexpected ping reply: %v", resp["message"])
	}
	_, err = c.expectSuccess("status", nil)
	return err
}

func runProject(c *client) error {
	name := fmt.Sprintf("e2e-project-%d", time.Now().UnixMilli())

	if _, err := c.expectSuccess("project-create", map[string]any{"project_name": name}); err != nil {
		return err
	}
	defer func() {
		_, _ = c.command("project-delete", map[string]any{"project_name": name})
	}()

	loaded, err := c.expectSuccess("project-load", map[string]any{"project_name": name})
	if err != nil {
		return err
	}
	if tasks, ok := loaded["tasks"].([]any); !ok || len(tasks) == 0 {
		return fmt.Errorf("loaded project has no tasks")
	}

	status, err := c.expectSuccess("status", nil)
	if err != nil {
		return err
	}
	if status["current_project"] != name {
		return fmt.Errorf("current_project = %v, want %s", status["current_project"], name)
	}

	if _, err := c.expectSuccess("project-delete", map[string]any{"project_name": name}); err != nil {
		return err
	}
	return nil
}

func runTimer(c *client) error {
	name := fmt.Sprintf("e2e-timer-%d", time.Now().UnixMilli())

	if _, err := c.expectSuccess("timer-start", map[string]any{
		"project_name":     name,
		"duration_seconds": 120,
	}); err != nil {
		return err
	}

	if _, err := c.waitEvent("timer", "timer_started"); err != nil {
		return err
	}

	status, err := c.expectSuccess("timer-status", map[string]any{"project_name": name})
	if err != nil {
		return err
	}
	timerStatus, _ := status["timer_status"].(map[string]any)
	if timerStatus["status"] != "running" {
		return fmt.Errorf("timer status = %v, want running", timerStatus["status"])
	}

	if _, err := c.expectSuccess("timer-stop", map[string]any{"project_name": name}); err != nil {
		return err
	}
	_, err = c.waitEvent("timer", "timer_stopped")
	return err
}

func runDeployFlow(c *client) error {
	name := fmt.Sprintf("e2e-deploy-%d", time.Now().UnixMilli())

	created, err := c.expectSuccess("project-create", map[string]any{"project_name": name})
	if err != nil {
		return err
	}
	defer func() {
		_, _ = c.command("timer-stop", map[string]any{"project_name": name})
		_, _ = c.command("project-delete", map[string]any{"project_name": name})
	}()

	path, _ := created["path"].(string)
	if _, err := c.expectSuccess("direct-add-to-monitoring", map[string]any{
		"project_name": name,
		"project_path": path,
	}); err != nil {
		return err
	}

	if _, err := c.expectSuccess("simulate-deploy", map[string]any{"project_name": name}); err != nil {
		return err
	}

	detected, err := c.waitEvent("deploy", "deploy_detected")
	if err != nil {
		return err
	}
	if detected.Data["project"] != name {
		return fmt.Errorf("deploy detected for %v, want %s", detected.Data["project"], name)
	}

	if _, err := c.waitEvent("deploy", "deploy_completed"); err != nil {
		return err
	}

	// The seeded project has pending tasks, so a unified suggestion follows.
	if _, err := c.waitEvent("task", "unified_suggested"); err != nil {
		return err
	}

	status, err := c.expectSuccess("timer-status", map[string]any{"project_name": name})
	if err != nil {
		return err
	}
	timerStatus, _ := status["timer_status"].(map[string]any)
	if timerStatus["status"] != "running" {
		return fmt.Errorf("propagation timer not running after deploy")
	}
	return nil
}
