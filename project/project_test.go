package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploybot-sh/deploybot/registry"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	root := t.TempDir()
	projectsRoot := filepath.Join(root, "projects")
	reg := registry.New(filepath.Join(root, "mappings.json"), projectsRoot, nil)
	return NewManager(projectsRoot, reg, nil), projectsRoot
}

func TestCreateProjectStructure(t *testing.T) {
	m, projectsRoot := newTestManager(t)

	created, err := m.Create(CreateOptions{Name: "My App!"})
	require.NoError(t, err)

	assert.Equal(t, "My App!", created.Name)
	assert.Equal(t, filepath.Join(projectsRoot, "My_App"), created.Path)
	assert.NotEmpty(t, created.CreatedAt)

	require.FileExists(t, filepath.Join(created.Path, "config.json"))
	require.FileExists(t, filepath.Join(created.Path, "TODO.md"))
	require.FileExists(t, filepath.Join(created.Path, "logs", "deploy_log.txt"))

	data, err := os.ReadFile(filepath.Join(created.Path, "config.json"))
	require.NoError(t, err)
	var config map[string]any
	require.NoError(t, json.Unmarshal(data, &config))
	assert.Equal(t, "My App!", config["projectName"])
	assert.Equal(t, "1.0.0", config["version"])

	settings := config["settings"].(map[string]any)
	assert.Equal(t, float64(1800), settings["defaultTimer"])
	assert.Equal(t, []any{"#backend"}, settings["excludeTags"])

	activity, err := os.ReadFile(filepath.Join(created.Path, "logs", "activity.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(activity)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "PROJECT CREATED: My App! initialized")

	// The registry maps the display name to the created path.
	path, ok := m.Resolve("My App!")
	require.True(t, ok)
	assert.Equal(t, created.Path, path)
}

func TestCreateRequiresName(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(CreateOptions{Name: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
}

func TestCreateDuplicateFails(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(CreateOptions{Name: "demo"})
	require.NoError(t, err)

	_, err = m.Create(CreateOptions{Name: "demo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCreateInCustomDirectory(t *testing.T) {
	m, projectsRoot := newTestManager(t)
	custom := t.TempDir()

	created, err := m.Create(CreateOptions{Name: "demo", CustomDirectory: custom})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(custom, "demo"), created.Path)
	assert.NotContains(t, created.Path, projectsRoot)
	require.FileExists(t, filepath.Join(created.Path, "config.json"))
}

func TestCreateRejectsInvalidCustomDirectory(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(CreateOptions{
		Name:            "demo",
		CustomDirectory: filepath.Join(t.TempDir(), "missing"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestDeleteRemovesDirectoryAndMapping(t *testing.T) {
	m, _ := newTestManager(t)

	created, err := m.Create(CreateOptions{Name: "demo"})
	require.NoError(t, err)

	name, err := m.Delete(created.Path)
	require.NoError(t, err)
	assert.Equal(t, "demo", name)

	assert.NoDirExists(t, created.Path)
	_, ok := m.Resolve("demo")
	assert.False(t, ok)
}

func TestDeleteMissingProject(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Delete(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestListCountsTasksAndSorts(t *testing.T) {
	m, _ := newTestManager(t)

	older, err := m.Create(CreateOptions{Name: "older"})
	require.NoError(t, err)
	_, err = m.Create(CreateOptions{Name: "newer"})
	require.NoError(t, err)

	// Touching the older project's config makes it most recent.
	time.Sleep(10 * time.Millisecond)
	_, err = m.UpdateConfig(older.Path, map[string]any{"description": "touched"})
	require.NoError(t, err)

	result := m.List()
	require.Equal(t, 2, result.TotalCount)
	assert.Equal(t, 2, result.DefaultCount)
	assert.Equal(t, 0, result.CustomCount)
	assert.Equal(t, "older", result.Projects[0].Name)

	// The seeded TODO.md has six pending tasks and one completed.
	first := result.Projects[0]
	assert.Equal(t, 7, first.TaskCount)
	assert.Equal(t, 1, first.CompletedTasks)
	assert.Equal(t, "default", first.LocationType)
	assert.NotEmpty(t, first.LastActivity)
}

func TestListIncludesCustomProjects(t *testing.T) {
	m, _ := newTestManager(t)
	custom := t.TempDir()

	_, err := m.Create(CreateOptions{Name: "custom-proj", CustomDirectory: custom})
	require.NoError(t, err)

	result := m.List()
	require.Equal(t, 1, result.TotalCount)
	assert.Equal(t, 1, result.CustomCount)
	assert.Equal(t, "custom", result.Projects[0].LocationType)
	assert.True(t, result.Projects[0].CustomDirectory)
}

func TestLoadProject(t *testing.T) {
	m, _ := newTestManager(t)

	created, err := m.Create(CreateOptions{Name: "demo"})
	require.NoError(t, err)

	loaded, err := m.Load(created.Path)
	require.NoError(t, err)

	assert.Equal(t, "demo", loaded.Name)
	assert.Equal(t, "demo", loaded.Config["projectName"])
	assert.Len(t, loaded.Tasks, 7)
	assert.Len(t, loaded.RecentActivities, 3)
	assert.True(t, loaded.DeployLog.Exists)
	assert.Equal(t, int64(0), loaded.DeployLog.Size)
	assert.NotEmpty(t, loaded.LoadedAt)
}

func TestLoadMissingProject(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestLoadWithoutConfig(t *testing.T) {
	m, _ := newTestManager(t)
	dir := t.TempDir()

	_, err := m.Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.json")
}

func TestUpdateConfigMergesAndPreservesUnknownFields(t *testing.T) {
	m, _ := newTestManager(t)

	created, err := m.Create(CreateOptions{Name: "demo"})
	require.NoError(t, err)

	// Simulate a config written by a newer version carrying extra keys.
	config, err := readConfig(created.Path)
	require.NoError(t, err)
	config["experimental"] = map[string]any{"flag": true}
	require.NoError(t, writeJSON(filepath.Join(created.Path, "config.json"), config))

	before := config["lastModified"].(string)
	time.Sleep(10 * time.Millisecond)

	updated, err := m.UpdateConfig(created.Path, map[string]any{"description": "changed"})
	require.NoError(t, err)

	assert.Equal(t, "changed", updated["description"])
	assert.NotEqual(t, before, updated["lastModified"])
	extra := updated["experimental"].(map[string]any)
	assert.Equal(t, true, extra["flag"])

	activity, err := os.ReadFile(filepath.Join(created.Path, "logs", "activity.log"))
	require.NoError(t, err)
	assert.Contains(t, string(activity), "CONFIG UPDATED")
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"My App!":        "My_App",
		"demo":           "demo",
		"a  b//c":        "a_b_c",
		"__weird__":      "weird",
		"!!!":            "UnnamedProject",
		"dots.and-dash_": "dots.and-dash",
	}
	for input, want := range cases {
		assert.Equal(t, want, SanitizeName(input), input)
	}
}

func TestTimerDuration(t *testing.T) {
	config := map[string]any{
		"settings": map[string]any{"defaultTimer": float64(600)},
	}
	assert.Equal(t, 600, TimerDuration(config, 1800))
	assert.Equal(t, 1800, TimerDuration(map[string]any{}, 1800))
	assert.Equal(t, 1800, TimerDuration(map[string]any{
		"settings": map[string]any{"defaultTimer": float64(0)},
	}, 1800))
}
