// Package wrapper installs the deploy wrapper shell script. The wrapper
// logs DEPLOY and DEPLOY_COMPLETE lines around a deployment command so the
// monitor can detect runs, preferring a project-local deploy log when the
// command executes inside a DeployBot project.
package wrapper

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	wrapperDirName = ".deploybot"
	scriptName     = "deploybot-wrapper.sh"
	aliasMarker    = "alias deploybot="
	aliasComment   = "# DeployBot deployment wrapper alias"
)

// script is the installed wrapper. POSIX sh so it runs under any login
// shell without extra dependencies.
const script = `#!/bin/sh
# DeployBot deploy wrapper. Logs deployment commands for DeployBot to
# detect, then runs them unchanged.

if [ $# -eq 0 ]; then
    echo "deploybot-wrapper: no command provided" >&2
    exit 1
fi

find_log() {
    dir=$(pwd)
    for _ in 1 2 3; do
        if [ -f "$dir/config.json" ] && [ -f "$dir/TODO.md" ]; then
            mkdir -p "$dir/logs"
            printf '%s\n' "$dir/logs/deploy_log.txt"
            return
        fi
        dir=$(dirname "$dir")
    done
    mkdir -p "$HOME/.deploybot"
    printf '%s\n' "$HOME/.deploybot/deploy_log.txt"
}

LOG=$(find_log)

printf '%s DEPLOY: %s [CWD: %s]\n' "$(date +%s)" "$*" "$(pwd)" >> "$LOG" 2>/dev/null

"$@"
CODE=$?

printf '%s DEPLOY_COMPLETE: %s [EXIT_CODE: %s]\n' "$(date +%s)" "$*" "$CODE" >> "$LOG" 2>/dev/null
exit $CODE
`

// Status reports the wrapper installation state.
type Status struct {
	ScriptExists     bool     `json:"wrapper_script_exists"`
	ScriptExecutable bool     `json:"wrapper_script_executable"`
	AliasConfigured  bool     `json:"alias_configured"`
	Shell            string   `json:"shell_detected"`
	CanAutoInstall   bool     `json:"can_auto_install"`
	Issues           []string `json:"issues"`
}

// InstallResult describes a completed installation.
type InstallResult struct {
	WrapperPath string   `json:"wrapper_path"`
	AliasAdded  bool     `json:"alias_added"`
	NextSteps   []string `json:"next_steps"`
}

// UninstallResult lists what an uninstall removed.
type UninstallResult struct {
	RemovedItems []string `json:"removed_items"`
}

// Manager installs and removes the wrapper script and its shell alias.
type Manager struct {
	home   string
	shell  string
	logger *slog.Logger
}

// NewManager builds a Manager. An empty home falls back to the user home
// directory; shell defaults to $SHELL.
func NewManager(home string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	shell := filepath.Base(os.Getenv("SHELL"))
	if shell == "." || shell == "" {
		shell = "bash"
	}
	return &Manager{home: home, shell: shell, logger: logger}
}

func (m *Manager) scriptPath() string {
	return filepath.Join(m.home, wrapperDirName, scriptName)
}

func (m *Manager) shellConfigFiles() []string {
	return []string{
		filepath.Join(m.home, ".zshrc"),
		filepath.Join(m.home, ".bashrc"),
		filepath.Join(m.home, ".bash_profile"),
	}
}

// Status inspects the script and shell configs.
func (m *Manager) Status() Status {
	status := Status{
		Shell:          m.shell,
		CanAutoInstall: true,
		Issues:         []string{},
	}

	if info, err := os.Stat(m.scriptPath()); err == nil {
		status.ScriptExists = true
		status.ScriptExecutable = info.Mode()&0100 != 0
	}

	status.AliasConfigured = m.aliasExists()

	if m.home == "" {
		status.Issues = append(status.Issues, "Home directory could not be resolved")
		status.CanAutoInstall = false
	}

	m.logger.Info("Wrapper installation status checked",
		"script_exists", status.ScriptExists,
		"alias_configured", status.AliasConfigured,
		"shell", status.Shell)
	return status
}

// Install writes the wrapper script, marks it executable, and appends the
// alias to the shell config.
func (m *Manager) Install() (*InstallResult, error) {
	if m.home == "" {
		return nil, fmt.Errorf("home directory could not be resolved")
	}

	dir := filepath.Dir(m.scriptPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wrapper directory: %w", err)
	}

	if err := os.WriteFile(m.scriptPath(), []byte(script), 0755); err != nil {
		return nil, fmt.Errorf("write wrapper script: %w", err)
	}

	aliasAdded, err := m.addAlias()
	if err != nil {
		return nil, err
	}

	m.logger.Info("Deploy wrapper installed",
		"path", m.scriptPath(), "alias_added", aliasAdded)
	return &InstallResult{
		WrapperPath: m.scriptPath(),
		AliasAdded:  aliasAdded,
		NextSteps: []string{
			"Restart your terminal or source your shell config",
			"Test with: deploybot echo 'test deployment'",
			"Use the deploybot prefix for all deployment commands",
		},
	}, nil
}

// Uninstall removes the script and strips alias lines from every shell
// config that carries one.
func (m *Manager) Uninstall() (*UninstallResult, error) {
	result := &UninstallResult{RemovedItems: []string{}}

	if _, err := os.Stat(m.scriptPath()); err == nil {
		if err := os.Remove(m.scriptPath()); err != nil {
			return nil, fmt.Errorf("remove wrapper script: %w", err)
		}
		result.RemovedItems = append(result.RemovedItems, m.scriptPath())
	}

	for _, configFile := range m.shellConfigFiles() {
		data, err := os.ReadFile(configFile)
		if err != nil {
			continue
		}
		content := string(data)
		if !strings.Contains(content, aliasMarker) {
			continue
		}

		var kept []string
		for _, line := range strings.Split(content, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), aliasMarker) {
				continue
			}
			kept = append(kept, line)
		}
		if err := os.WriteFile(configFile, []byte(strings.Join(kept, "\n")), 0644); err != nil {
			m.logger.Warn("Failed to clean shell config", "file", configFile, "error", err)
			continue
		}
		result.RemovedItems = append(result.RemovedItems, fmt.Sprintf("alias from %s", configFile))
	}

	m.logger.Info("Deploy wrapper uninstalled", "removed", result.RemovedItems)
	return result, nil
}

// aliasExists reports whether any shell config carries the deploybot alias.
func (m *Manager) aliasExists() bool {
	for _, configFile := range m.shellConfigFiles() {
		data, err := os.ReadFile(configFile)
		if err != nil {
			continue
		}
		if strings.Contains(string(data), aliasMarker) {
			return true
		}
	}
	return false
}

// addAlias appends the alias to the config file matching the detected
// shell. Returns false when the alias was already present.
func (m *Manager) addAlias() (bool, error) {
	var configFile string
	switch m.shell {
	case "zsh":
		configFile = filepath.Join(m.home, ".zshrc")
	default:
		configFile = filepath.Join(m.home, ".bashrc")
		if _, err := os.Stat(configFile); err != nil {
			if _, err := os.Stat(filepath.Join(m.home, ".bash_profile")); err == nil {
				configFile = filepath.Join(m.home, ".bash_profile")
			}
		}
	}

	if data, err := os.ReadFile(configFile); err == nil {
		if strings.Contains(string(data), aliasMarker) {
			return false, nil
		}
	}

	f, err := os.OpenFile(configFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("open shell config: %w", err)
	}
	defer f.Close()

	alias := fmt.Sprintf("\n%s\n%s%q\n", aliasComment, aliasMarker, m.scriptPath())
	if _, err := f.WriteString(alias); err != nil {
		return false, fmt.Errorf("append alias: %w", err)
	}

	m.logger.Info("Shell alias added", "file", configFile)
	return true, nil
}
