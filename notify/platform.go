package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// OsaChannel delivers platform notifications on macOS via osascript, falling
// back through a System Events variant, a terminal bell, and finally a
// desktop file that survives broken notification centers.
type OsaChannel struct {
	// DesktopDir overrides where the last-resort file is written.
	// Defaults to ~/Desktop.
	DesktopDir string
}

func (c *OsaChannel) Deliver(ctx context.Context, title, message, sound string) error {
	script := fmt.Sprintf(`display notification %q with title %q subtitle "DeployBot"`,
		message, title)
	if err := runOsascript(ctx, script); err == nil {
		return nil
	}

	altScript := fmt.Sprintf(`tell application "System Events"
	display notification %q with title %q subtitle "DeployBot"
end tell`, message, title)
	if err := runOsascript(ctx, altScript); err == nil {
		return nil
	}

	// Audible fallback.
	if _, err := fmt.Fprintf(os.Stdout, "\aDeployBot: %s - %s\n", title, message); err == nil {
		return nil
	}

	return c.writeDesktopFile(title, message)
}

func runOsascript(ctx context.Context, script string) error {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "osascript", "-e", script)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (c *OsaChannel) writeDesktopFile(title, message string) error {
	dir := c.DesktopDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home: %w", err)
		}
		dir = filepath.Join(home, "Desktop")
	}

	content := fmt.Sprintf(`DeployBot Notification
=========================
Time: %s
Title: %s
Message: %s

This file was created because system notifications may not be working.
You can delete this file after reading the notification.
`, time.Now().Format("2006-01-02 15:04:05"), title, message)

	path := filepath.Join(dir, "DeployBot_Notification.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write desktop notification: %w", err)
	}
	return nil
}
