package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeProjectDir(t *testing.T, parent, name string) string {
	t.Helper()
	path := filepath.Join(parent, name)
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "config.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "TODO.md"), []byte("# Tasks\n"), 0644))
	return path
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := New(filepath.Join(t.TempDir(), ".deploybot", "deploy_log.txt"), nil)
	m.pollInterval = 20 * time.Millisecond
	return m
}

func TestParseLineDeployStart(t *testing.T) {
	event, ok := ParseLine("1700000000.0 DEPLOY: firebase deploy [CWD: /p]", "demo")
	require.True(t, ok)
	assert.Equal(t, EventDeployStart, event.Type)
	assert.Equal(t, "firebase deploy", event.Command)
	assert.Equal(t, "/p", event.CWD)
	assert.Equal(t, "demo", event.ProjectName)
	assert.Equal(t, int64(1700000000), event.Timestamp.Unix())
}

func TestParseLineDeployComplete(t *testing.T) {
	event, ok := ParseLine("1700000001.5 DEPLOY_COMPLETE: firebase deploy [EXIT_CODE: 2]", "demo")
	require.True(t, ok)
	assert.Equal(t, EventDeployComplete, event.Type)
	assert.Equal(t, "firebase deploy", event.Command)
	require.NotNil(t, event.ExitCode)
	assert.Equal(t, 2, *event.ExitCode)
}

func TestParseLineWithoutSuffix(t *testing.T) {
	event, ok := ParseLine("1700000000.0 DEPLOY: npm run deploy", "demo")
	require.True(t, ok)
	assert.Equal(t, "npm run deploy", event.Command)
	assert.Empty(t, event.CWD)

	event, ok = ParseLine("1700000000.0 DEPLOY_COMPLETE: npm run deploy", "demo")
	require.True(t, ok)
	assert.Nil(t, event.ExitCode)
}

func TestParseLineRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"",
		"not a deploy line",
		"abc DEPLOY: cmd [CWD: /p]",
		"1700000000.0 SOMETHING: cmd",
		"1700000000.0 DEPLOY:",
	} {
		_, ok := ParseLine(line, "demo")
		assert.False(t, ok, "line %q", line)
	}
}

func TestAddProjectRequiresStructure(t *testing.T) {
	m := newTestMonitor(t)
	bare := t.TempDir()
	assert.Error(t, m.AddProject("bare", bare))

	path := makeProjectDir(t, t.TempDir(), "demo")
	require.NoError(t, m.AddProject("demo", path))

	// logs/deploy_log.txt is created on add.
	_, err := os.Stat(filepath.Join(path, "logs", "deploy_log.txt"))
	assert.NoError(t, err)
}

func TestAddProjectAttachesAtEndOfExistingLog(t *testing.T) {
	m := newTestMonitor(t)
	path := makeProjectDir(t, t.TempDir(), "demo")
	logPath := filepath.Join(path, "logs", "deploy_log.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0755))
	existing := "1600000000.0 DEPLOY: old deploy [CWD: /p]\n"
	require.NoError(t, os.WriteFile(logPath, []byte(existing), 0644))

	require.NoError(t, m.AddProject("demo", path))

	status, ok := m.ProjectStatus("demo")
	require.True(t, ok)
	assert.Equal(t, int64(len(existing)), status.LastKnownPosition)
}

func TestRemoveProject(t *testing.T) {
	m := newTestMonitor(t)
	path := makeProjectDir(t, t.TempDir(), "demo")
	require.NoError(t, m.AddProject("demo", path))

	assert.True(t, m.RemoveProject("demo"))
	assert.False(t, m.RemoveProject("demo"))
}

func TestMonitorDetectsAppendedEvents(t *testing.T) {
	m := newTestMonitor(t)
	path := makeProjectDir(t, t.TempDir(), "demo")
	require.NoError(t, m.AddProject("demo", path))

	var mu sync.Mutex
	var started, completed []string
	var exitCodes []int
	m.OnDeployStarted(func(project, command, projectPath string) {
		mu.Lock()
		defer mu.Unlock()
		started = append(started, project+"/"+command)
		assert.Equal(t, path, projectPath)
	})
	m.OnDeployCompleted(func(project, command string, exitCode int, projectPath string) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, project+"/"+command)
		exitCodes = append(exitCodes, exitCode)
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	logPath := filepath.Join(path, "logs", "deploy_log.txt")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	now := float64(time.Now().Unix())
	fmt.Fprintf(f, "%f DEPLOY: firebase deploy [CWD: %s]\n", now, path)
	fmt.Fprintf(f, "%f DEPLOY_COMPLETE: firebase deploy [EXIT_CODE: 0]\n", now+1)
	f.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 1 && len(completed) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"demo/firebase deploy"}, started)
	assert.Equal(t, []string{"demo/firebase deploy"}, completed)
	assert.Equal(t, []int{0}, exitCodes)
}

func TestSimulateAppendsBothLines(t *testing.T) {
	m := newTestMonitor(t)
	path := makeProjectDir(t, t.TempDir(), "demo")
	require.NoError(t, m.AddProject("demo", path))

	require.NoError(t, m.Simulate("demo", "vercel --prod"))

	data, err := os.ReadFile(filepath.Join(path, "logs", "deploy_log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "DEPLOY: vercel --prod [CWD: "+path+"]")
	assert.Contains(t, string(data), "DEPLOY_COMPLETE: vercel --prod [EXIT_CODE: 0]")

	assert.Error(t, m.Simulate("unknown", "x"))
}

func TestSimulatedDeployTriggersCallbacks(t *testing.T) {
	m := newTestMonitor(t)
	path := makeProjectDir(t, t.TempDir(), "demo")
	require.NoError(t, m.AddProject("demo", path))

	var mu sync.Mutex
	events := 0
	m.OnDeployStarted(func(string, string, string) { mu.Lock(); events++; mu.Unlock() })
	m.OnDeployCompleted(func(string, string, int, string) { mu.Lock(); events++; mu.Unlock() })

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.NoError(t, m.Simulate("demo", "npm run deploy"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartAddsGlobalLog(t *testing.T) {
	m := newTestMonitor(t)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	status := m.Status()
	assert.True(t, status.MonitoringActive)
	assert.Contains(t, status.MonitoredProjects, globalProject)

	_, err := os.Stat(m.globalLog)
	assert.NoError(t, err)
}

func TestStatus(t *testing.T) {
	m := newTestMonitor(t)
	path := makeProjectDir(t, t.TempDir(), "demo")
	require.NoError(t, m.AddProject("demo", path))

	status := m.Status()
	assert.False(t, status.MonitoringActive)
	assert.Equal(t, []string{"demo"}, status.MonitoredProjects)
	assert.Equal(t, 1, status.ProjectCount)

	_, ok := m.ProjectStatus("missing")
	assert.False(t, ok)
}
