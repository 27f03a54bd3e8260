package redirect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploybot-sh/deploybot/catalog"
)

type fakeLauncher struct {
	urls     []string
	apps     []string
	commands [][]string

	urlErr error
	appErr error
	runErr error
}

func (f *fakeLauncher) OpenURL(_ context.Context, rawURL string) error {
	f.urls = append(f.urls, rawURL)
	return f.urlErr
}

func (f *fakeLauncher) OpenApp(_ context.Context, app string) error {
	f.apps = append(f.apps, app)
	return f.appErr
}

func (f *fakeLauncher) Run(_ context.Context, name string, args ...string) error {
	f.commands = append(f.commands, append([]string{name}, args...))
	return f.runErr
}

func newTestRedirector(launcher Launcher) *Redirector {
	return New(launcher, nil)
}

func bearTask(text string, tags ...string) catalog.Task {
	return catalog.Task{Text: text, Tags: tags, App: "Bear"}
}

func TestBearDeepLink(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), bearTask("Write release notes", "#writing"), TaskContext{
		ProjectName:   "demo",
		DeployCommand: "firebase deploy",
	})

	assert.True(t, result.Success)
	assert.Equal(t, MethodDeepLinking, result.Method)
	assert.Equal(t, "create_note", result.Action)
	assert.Equal(t, "Bear", result.App)

	require.Len(t, launcher.urls, 1)
	opened := launcher.urls[0]
	assert.True(t, strings.HasPrefix(opened, "bear://x-callback-url/create?title="))
	assert.Contains(t, opened, "Write+release+notes")
	// Full note body carries the progress checklist.
	assert.Contains(t, opened, "Progress")
}

func TestBearLongContentSimplified(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	longText := strings.Repeat("a", 1200)
	result := r.RedirectToTask(context.Background(), bearTask(longText), TaskContext{ProjectName: "demo"})

	assert.True(t, result.Success)
	require.Len(t, launcher.urls, 1)
	// The simplified body drops the progress checklist.
	assert.NotContains(t, launcher.urls[0], "Progress")
	assert.Contains(t, launcher.urls[0], "Start+working")
}

func TestVSCodeDeepLinkOpensProject(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{Text: "Fix parser", App: "VSCode"}, TaskContext{
		ProjectPath: "/projects/demo",
	})

	assert.True(t, result.Success)
	assert.Equal(t, MethodDeepLinking, result.Method)
	assert.Equal(t, "open_project", result.Action)
	require.Len(t, launcher.commands, 1)
	assert.Equal(t, []string{"code", "/projects/demo"}, launcher.commands[0])
}

func TestVSCodeWithoutPathFallsToSimpleOpen(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{Text: "Fix parser", App: "VSCode"}, TaskContext{})

	assert.True(t, result.Success)
	assert.Equal(t, MethodSimpleOpen, result.Method)
	assert.Equal(t, []string{"VSCode"}, launcher.apps)
	assert.Empty(t, launcher.commands)
}

func TestSafariResearchSearch(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{
		Text: "Research competitor pricing",
		Tags: []string{"#research"},
		App:  "Safari",
	}, TaskContext{})

	assert.True(t, result.Success)
	assert.Equal(t, "search", result.Action)
	require.Len(t, launcher.urls, 1)
	assert.Equal(t, "https://www.google.com/search?q=competitor+pricing", launcher.urls[0])
}

func TestSafariWithoutResearchTagFallsBack(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{Text: "Browse docs", App: "Safari"}, TaskContext{})

	assert.True(t, result.Success)
	assert.Equal(t, MethodSimpleOpen, result.Method)
	assert.Empty(t, launcher.urls)
}

func TestThingsAddTodo(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{
		Text: "Plan sprint",
		Tags: []string{"#todo", "#short"},
		App:  "Things",
	}, TaskContext{})

	assert.True(t, result.Success)
	assert.Equal(t, "add_todo", result.Action)
	require.Len(t, launcher.urls, 1)
	assert.True(t, strings.HasPrefix(launcher.urls[0], "things:///add?title=Plan+sprint"))
	assert.Contains(t, launcher.urls[0], "tags=todo%2Cshort")
}

func TestNotionOpensWorkspace(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{Text: "Plan roadmap", App: "Notion"}, TaskContext{})

	assert.True(t, result.Success)
	assert.Equal(t, "open_workspace", result.Action)
	assert.Equal(t, []string{"notion://notion.so/"}, launcher.urls)
}

func TestUnknownAppUsesSimpleOpen(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{Text: "x", App: "Obsidian"}, TaskContext{})

	assert.True(t, result.Success)
	assert.Equal(t, MethodSimpleOpen, result.Method)
	assert.Equal(t, []string{"Obsidian"}, launcher.apps)
}

func TestDeepLinkFailureCascadesToSimpleOpen(t *testing.T) {
	launcher := &fakeLauncher{urlErr: errors.New("scheme not registered")}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), bearTask("Write notes"), TaskContext{})

	assert.True(t, result.Success)
	assert.Equal(t, MethodSimpleOpen, result.Method)
	assert.Equal(t, []string{"Bear"}, launcher.apps)
}

func TestAllStrategiesFail(t *testing.T) {
	launcher := &fakeLauncher{
		urlErr: errors.New("no url handler"),
		appErr: errors.New("app not installed"),
		runErr: errors.New("command missing"),
	}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{Text: "Fix parser", App: "VSCode"}, TaskContext{
		ProjectPath: "/projects/demo",
	})

	assert.False(t, result.Success)
	assert.Equal(t, MethodSimpleOpen, result.Method)
	assert.Equal(t, "app not installed", result.Error)
}

func TestCommandLineAppendsGuessedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo"), 0644))

	// First Run call (the deep link) fails so the CLI strategy executes.
	launcher := &fakeLauncher{runErr: errors.New("first failure")}
	r := newTestRedirector(launcher)

	result := r.RedirectToTask(context.Background(), catalog.Task{
		Text: "Update the readme",
		Tags: []string{"#code"},
		App:  "VSCode",
	}, TaskContext{ProjectPath: dir})

	// Both Run strategies failed; the CLI attempt included the guess and
	// the cascade landed on a plain app launch.
	assert.True(t, result.Success)
	assert.Equal(t, MethodSimpleOpen, result.Method)
	require.Len(t, launcher.commands, 2)
	cli := launcher.commands[1]
	require.Len(t, cli, 3)
	assert.Equal(t, "code", cli[0])
	assert.Equal(t, dir, cli[1])
	assert.Equal(t, filepath.Join(dir, "README.md"), cli[2])
}

func TestRelevantFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "web"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web", "package.json"), []byte("{}"), 0644))

	files := relevantFiles("update the readme", dir)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(dir, "README.md"), files[0])

	files = relevantFiles("bump package versions", dir)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(dir, "web", "package.json"), files[0])

	assert.Empty(t, relevantFiles("unrelated task", dir))
}

func TestExtractSearchQuery(t *testing.T) {
	assert.Equal(t, "competitor pricing", extractSearchQuery("Research competitor pricing"))
	assert.Equal(t, "the outage", extractSearchQuery("Investigate the outage"))
	assert.Equal(t, "plain text", extractSearchQuery("plain text"))
}

func TestAppAvailability(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRedirector(launcher)

	availability := r.AppAvailability(context.Background())
	assert.Len(t, availability, len(appConfigs))
	for app, ok := range availability {
		assert.True(t, ok, app)
	}
}
