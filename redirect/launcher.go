package redirect

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// OpenLauncher shells out to the macOS open command.
type OpenLauncher struct{}

func (l *OpenLauncher) OpenURL(ctx context.Context, rawURL string) error {
	return runCommand(ctx, "open", rawURL)
}

func (l *OpenLauncher) OpenApp(ctx context.Context, app string) error {
	return runCommand(ctx, "open", "-a", app)
}

func (l *OpenLauncher) Run(ctx context.Context, name string, args ...string) error {
	return runCommand(ctx, name, args...)
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(output))
		if detail != "" {
			return fmt.Errorf("%s: %w: %s", name, err, detail)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
