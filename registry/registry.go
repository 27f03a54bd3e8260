// Package registry maps project names to filesystem paths so projects can
// live anywhere rather than only under the default projects directory.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const mappingsVersion = "1.0"

// mappingsFile is the on-disk shape of the mapping store.
type mappingsFile struct {
	Version             string            `json:"version"`
	LastUpdated         string            `json:"last_updated"`
	DefaultProjectsRoot string            `json:"default_projects_root"`
	TotalProjects       int               `json:"total_projects"`
	ProjectMappings     map[string]string `json:"project_mappings"`
	Metadata            map[string]string `json:"metadata"`
}

// Validation reports whether a directory is usable as a project directory.
type Validation struct {
	Valid       bool     `json:"valid"`
	Path        string   `json:"path"`
	Exists      bool     `json:"exists"`
	IsDirectory bool     `json:"is_directory"`
	Writable    bool     `json:"writable"`
	HasConfig   bool     `json:"has_config"`
	HasTodo     bool     `json:"has_todo"`
	HasLogsDir  bool     `json:"has_logs_dir"`
	Issues      []string `json:"issues"`
}

// MigrationReport summarises a migrate run.
type MigrationReport struct {
	ProjectsFound    int      `json:"projects_found"`
	ProjectsMigrated int      `json:"projects_migrated"`
	ProjectsSkipped  int      `json:"projects_skipped"`
	Errors           []string `json:"errors"`
}

// Registry persists name → path mappings in a JSON file under the user
// config directory. Writes go through a temp file and atomic rename.
type Registry struct {
	mu           sync.Mutex
	path         string
	projectsRoot string
	logger       *slog.Logger
}

// New creates a Registry backed by the given mappings file. projectsRoot is
// the default directory scanned for unmapped projects.
func New(path, projectsRoot string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:         path,
		projectsRoot: projectsRoot,
		logger:       logger,
	}
}

// Add records or updates a mapping. The path must exist and be a directory.
func (r *Registry) Add(name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("project path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path is not a directory: %s", abs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	mappings, err := r.load()
	if err != nil {
		return err
	}
	mappings[name] = abs

	if err := r.save(mappings); err != nil {
		return err
	}

	r.logger.Info("Project mapping added", "project", name, "path", abs)
	return nil
}

// Remove deletes a mapping. Removing an unknown name is an error.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mappings, err := r.load()
	if err != nil {
		return err
	}

	if _, ok := mappings[name]; !ok {
		return fmt.Errorf("project mapping not found: %s", name)
	}
	delete(mappings, name)

	if err := r.save(mappings); err != nil {
		return err
	}

	r.logger.Info("Project mapping removed", "project", name)
	return nil
}

// Resolve returns the directory for a project. Custom mappings win; a
// directory under the default projects root is the fallback. The second
// return is false when the project is unknown.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.Lock()
	mappings, err := r.load()
	r.mu.Unlock()
	if err != nil {
		r.logger.Error("Failed to load project mappings", "error", err)
		return "", false
	}

	if path, ok := mappings[name]; ok {
		return path, true
	}

	fallback := filepath.Join(r.projectsRoot, name)
	if info, err := os.Stat(fallback); err == nil && info.IsDir() {
		return fallback, true
	}

	return "", false
}

// Entry is one (name, path) pair from ListAll.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ListAll unions the mapping file with the default projects directory.
// Entries missing config.json or TODO.md are skipped; mapped paths that no
// longer exist are reported and skipped.
func (r *Registry) ListAll() []Entry {
	r.mu.Lock()
	mappings, err := r.load()
	r.mu.Unlock()
	if err != nil {
		r.logger.Error("Failed to load project mappings", "error", err)
		mappings = map[string]string{}
	}

	var entries []Entry
	for name, path := range mappings {
		if _, err := os.Stat(path); err != nil {
			r.logger.Warn("Mapped project path no longer exists",
				"project", name, "path", path)
			continue
		}
		entries = append(entries, Entry{Name: name, Path: path})
	}

	dirs, err := os.ReadDir(r.projectsRoot)
	if err == nil {
		for _, d := range dirs {
			if !d.IsDir() {
				continue
			}
			name := d.Name()
			if _, mapped := mappings[name]; mapped {
				continue
			}
			path := filepath.Join(r.projectsRoot, name)
			if !isProjectDir(path) {
				continue
			}
			entries = append(entries, Entry{Name: name, Path: path})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Validate inspects a directory for suitability as a project location.
func (r *Registry) Validate(path string) Validation {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Validation{Issues: []string{fmt.Sprintf("resolve path: %v", err)}}
	}

	v := Validation{Path: abs, Issues: []string{}}

	info, err := os.Stat(abs)
	if err != nil {
		v.Issues = append(v.Issues, "Directory does not exist")
		return v
	}
	v.Exists = true

	if !info.IsDir() {
		v.Issues = append(v.Issues, "Path is not a directory")
		return v
	}
	v.IsDirectory = true

	probe := filepath.Join(abs, ".deploybot_write_test")
	if f, err := os.Create(probe); err == nil {
		f.Close()
		os.Remove(probe)
		v.Writable = true
	} else {
		v.Issues = append(v.Issues, "Directory is not writable")
	}

	v.HasConfig = fileExists(filepath.Join(abs, "config.json"))
	v.HasTodo = fileExists(filepath.Join(abs, "TODO.md"))
	if info, err := os.Stat(filepath.Join(abs, "logs")); err == nil && info.IsDir() {
		v.HasLogsDir = true
	}

	v.Valid = v.Exists && v.IsDirectory && v.Writable
	return v
}

// MigrateExisting backfills the mapping file from the default projects
// directory. Already-mapped and structurally invalid projects are skipped.
func (r *Registry) MigrateExisting() MigrationReport {
	report := MigrationReport{Errors: []string{}}

	r.mu.Lock()
	mappings, err := r.load()
	r.mu.Unlock()
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	dirs, err := os.ReadDir(r.projectsRoot)
	if err != nil {
		return report
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		report.ProjectsFound++

		if _, mapped := mappings[name]; mapped {
			report.ProjectsSkipped++
			continue
		}

		path := filepath.Join(r.projectsRoot, name)
		if !isProjectDir(path) {
			r.logger.Warn("Skipping directory without project structure", "project", name)
			report.ProjectsSkipped++
			continue
		}

		if err := r.Add(name, path); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("migrate %s: %v", name, err))
			continue
		}
		report.ProjectsMigrated++
	}

	r.logger.Info("Project migration completed",
		"found", report.ProjectsFound,
		"migrated", report.ProjectsMigrated,
		"skipped", report.ProjectsSkipped,
		"errors", len(report.Errors))
	return report
}

// load reads the mapping file. A missing file yields an empty map.
// Caller holds r.mu.
func (r *Registry) load() (map[string]string, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	var f mappingsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mappings file: %w", err)
	}
	if f.ProjectMappings == nil {
		f.ProjectMappings = map[string]string{}
	}
	return f.ProjectMappings, nil
}

// save writes the mapping file via temp-file + atomic rename.
// Caller holds r.mu.
func (r *Registry) save(mappings map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f := mappingsFile{
		Version:             mappingsVersion,
		LastUpdated:         time.Now().Format(time.RFC3339),
		DefaultProjectsRoot: r.projectsRoot,
		TotalProjects:       len(mappings),
		ProjectMappings:     mappings,
		Metadata: map[string]string{
			"created_by":         "DeployBot project registry",
			"format_description": "Project name to directory path mappings",
		},
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp mappings file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace mappings file: %w", err)
	}
	return nil
}

func isProjectDir(path string) bool {
	return fileExists(filepath.Join(path, "config.json")) &&
		fileExists(filepath.Join(path, "TODO.md"))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
