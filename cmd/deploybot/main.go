// Package main provides the deploybot daemon entry point.
// DeployBot watches deploy logs, runs propagation timers, and suggests
// alternative tasks to clients connected over websocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/deploybot-sh/deploybot/llm/providers"

	"github.com/spf13/cobra"

	"github.com/deploybot-sh/deploybot/activity"
	"github.com/deploybot-sh/deploybot/analytics"
	"github.com/deploybot-sh/deploybot/bus"
	"github.com/deploybot-sh/deploybot/catalog"
	"github.com/deploybot-sh/deploybot/config"
	"github.com/deploybot-sh/deploybot/gateway"
	"github.com/deploybot-sh/deploybot/llm"
	"github.com/deploybot-sh/deploybot/metrics"
	"github.com/deploybot-sh/deploybot/monitor"
	"github.com/deploybot-sh/deploybot/notify"
	"github.com/deploybot-sh/deploybot/orchestrator"
	"github.com/deploybot-sh/deploybot/project"
	"github.com/deploybot-sh/deploybot/redirect"
	"github.com/deploybot-sh/deploybot/registry"
	"github.com/deploybot-sh/deploybot/selector"
	"github.com/deploybot-sh/deploybot/timer"
	"github.com/deploybot-sh/deploybot/wrapper"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "deploybot"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "deploybot",
		Short: "Deploy orchestration daemon",
		Long: `DeployBot turns deployment wait time into productive time.

It watches wrapped deploy commands through their log files, starts a
cloud propagation timer for each detected deploy, picks an alternative
task from the project's TODO list, and notifies connected clients over
websocket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, host, port, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&host, "host", "", "Websocket listen host (overrides config)")
	cmd.PersistentFlags().IntVar(&port, "port", 0, "Websocket listen port (overrides config)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, host, port, logLevel)
		},
	})

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, host string, port int, logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration: defaults, then the user config if present. An
	// explicit --config file replaces the user config; flags win last.
	cfg := config.DefaultConfig()
	if configPath == "" {
		if userPath := userConfigPath(); userPath != "" {
			if loaded, err := config.LoadFromFile(userPath); err == nil {
				cfg.Merge(loaded)
			}
		}
	} else {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.ConfigDir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.ProjectsRoot, 0755); err != nil {
		return fmt.Errorf("create projects root: %w", err)
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Build components
	b := bus.New(logger)

	reg := registry.New(cfg.MappingsFile(), cfg.Paths.ProjectsRoot, logger)
	report := reg.MigrateExisting()
	if report.ProjectsMigrated > 0 {
		logger.Info("Existing projects registered", "count", report.ProjectsMigrated)
	}

	store := analytics.NewStore(cfg.Paths.ProjectsRoot, logger)
	activityLog := activity.NewLogger(reg, cfg.Paths.ProjectsRoot, logger)

	mon := monitor.New(cfg.GlobalDeployLog(), logger)
	mon.SetPollInterval(cfg.Monitor.PollInterval)

	timers := timer.New(store, logger)
	timers.SetTickInterval(cfg.Timer.TickInterval)

	var completer selector.Completer
	if cfg.LLM.Enabled {
		completer = llm.NewClient(llm.Endpoint{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			BaseURL:  cfg.LLM.Endpoint,
		}, llm.WithLogger(logger), llm.WithCacheTTL(cfg.LLM.CacheTTL))
		logger.Info("LLM task selection enabled",
			"provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	}
	taskCache := catalog.NewCache(logger)
	go taskCache.Run(signalCtx)
	defer taskCache.Close()

	sel := selector.New(store, completer, logger,
		selector.WithLLMTimeout(cfg.LLM.Timeout),
		selector.WithLoader(taskCache.Load))

	redirector := redirect.New(&redirect.OpenLauncher{}, logger)
	dispatcher := notify.New(b, store, timers, redirector, &notify.OsaChannel{}, logger)
	projects := project.NewManager(cfg.Paths.ProjectsRoot, reg, logger)
	wrap := wrapper.NewManager("", logger)

	core := orchestrator.New(orchestrator.Deps{
		Bus:                 b,
		Monitor:             mon,
		Timers:              timers,
		Activity:            activityLog,
		Selector:            sel,
		Notifier:            dispatcher,
		Projects:            projects,
		Wrapper:             wrap,
		Redirector:          redirector,
		Logger:              logger,
		DefaultTimerSeconds: int(cfg.Timer.DefaultDuration.Seconds()),
		GracePeriod:         cfg.Timer.GracePeriod,
		UseLLM:              cfg.LLM.Enabled,
	})

	if err := core.Start(signalCtx); err != nil {
		return err
	}

	gw := gateway.New(cfg.Server.Addr(), b, core, logger)
	if err := gw.Start(); err != nil {
		core.Shutdown()
		return fmt.Errorf("start gateway: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = startMetricsServer(cfg.Metrics.Addr, logger)
	}

	logger.Info("DeployBot ready",
		"version", Version,
		"addr", cfg.Server.Addr(),
		"projects_root", cfg.Paths.ProjectsRoot)

	// Block until shutdown signal
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway shutdown error", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	}
	core.Shutdown()

	logger.Info("DeployBot shutdown complete")
	return nil
}

// userConfigPath returns ~/.config/deploybot/config.yaml when it exists.
func userConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "deploybot", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// startMetricsServer exposes /metrics on its own address for deployments
// that keep the websocket port private.
func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("Metrics endpoint listening", "addr", addr)
	return srv
}
