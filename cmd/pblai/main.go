// Package main is the entry point for the pblai lesson-plan service.
package main

import (
	"bufio"
	"context"
	"errors"
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

	"github.com/spf13/cobra"

	"github.com/Yi-XIE/PBL.AI/internal/broadcast"
	"github.com/Yi-XIE/PBL.AI/internal/config"
	"github.com/Yi-XIE/PBL.AI/internal/domain"
	"github.com/Yi-XIE/PBL.AI/internal/generation"
	"github.com/Yi-XIE/PBL.AI/internal/guard"
	"github.com/Yi-XIE/PBL.AI/internal/ipc"
	"github.com/Yi-XIE/PBL.AI/internal/metrics"
	"github.com/Yi-XIE/PBL.AI/internal/projection"
	"github.com/Yi-XIE/PBL.AI/internal/session"
	"github.com/Yi-XIE/PBL.AI/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	appName         = "pblai"
	configEnv       = "PBLAI_CONFIG"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fatal(err.Error())
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Human-in-the-loop lesson-plan service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (JSON or YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	})

	var markdown bool
	export := &cobra.Command{
		Use:   "export <task-id>",
		Short: "Print the last stored plan of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportPlan(cmd, configPath, args[0], markdown)
		},
	}
	export.Flags().BoolVar(&markdown, "markdown", false, "Print the current plan document instead of the stored JSON snapshot")
	cmd.AddCommand(export)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit=%s, built=%s)\n", appName, version, commit, date)
		},
	})

	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// loadConfig resolves the config file: --config flag > PBLAI_CONFIG env >
// auto-discover next to the executable or in the cwd. Built-in defaults
// apply when nothing is found.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

var configNames = []string{"config.json", "config.yaml", "config.yml"}

// discoverConfig looks for a config file next to the executable, then in the cwd.
func discoverConfig() string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, dir := range dirs {
		for _, name := range configNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// newGenerator builds the gateway for the configured provider.
func newGenerator(cfg config.GenerationConfig, logger *slog.Logger) *generation.Gateway {
	var backend generation.Backend = generation.OfflineBackend{}
	if cfg.Provider == config.ProviderChat {
		backend = generation.NewChatBackend(generation.ChatConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey(),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}, &http.Client{})
	}
	return generation.NewGateway(backend,
		generation.WithTimeout(cfg.Timeout()),
		generation.WithRetryConfig(generation.RetryConfig{MaxAttempts: cfg.Attempts(), Backoff: cfg.RetryBackoff()}),
		generation.WithSimilarityThreshold(cfg.SimilarityThreshold),
		generation.WithLogger(logger.With("component", "generation", "backend", backend.Name())),
	)
}

func serve(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if path == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("loaded config", "path", path)
	}

	lock, err := store.AcquireLock(cfg.DBPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	persister, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer persister.Close()

	hub := broadcast.NewHub(logger.With("component", "broadcast"))
	if cfg.NATSURL != "" {
		nc, err := broadcast.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
		}
		defer nc.Drain()
		hub.AddSink(broadcast.NewNATSSink(nc, cfg.NATSSubjectPrefix))
		logger.Info("publishing deltas to nats", "url", cfg.NATSURL, "prefix", cfg.NATSSubjectPrefix)
	}

	collector := metrics.NewCollector()
	registry := session.NewRegistry(session.Options{
		Generator: newGenerator(cfg.Generation, logger),
		Store:     persister,
		Hub:       hub,
		Guard: guard.NewGuard(guard.GuardConfig{
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			MaxActiveTasks:     cfg.MaxActiveTasks,
		}),
		Metrics:          collector,
		MaxRegenerations: cfg.MaxRegenerations,
		Logger:           logger.With("component", "session"),
	})
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := registry.Recover(ctx); err != nil {
		return err
	}

	handler := &ipc.Handler{
		Registry: registry,
		Defaults: cfg.TaskConfig,
		Metrics:  collector.Handler(),
		Logger:   logger.With("component", "ipc"),
		Version:  version,
	}
	srv := ipc.NewServer(handler, cfg.ListenAddr)
	srv.OnShutdown(registry.Close)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("pblai listening", "url", ipc.FormatListenURL(cfg.ListenAddr), "version", version,
		"provider", cfg.Generation.Provider, "db_path", cfg.DBPath)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	return nil
}

func exportPlan(cmd *cobra.Command, configPath, taskID string, markdown bool) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	persister, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer persister.Close()

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if markdown {
		task, err := persister.Load(ctx, taskID)
		if err != nil {
			return err
		}
		fmt.Fprint(out, projection.PlanMarkdown(task))
		return nil
	}

	plan, err := persister.LatestPlan(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("task %s has no completed plan; use --markdown for the current draft", taskID)
		}
		return err
	}
	fmt.Fprintln(out, plan.SnapshotJSON)
	return nil
}

// fatal prints an error and, on Windows, waits for a keypress so the user can
// read the message when the exe is launched by double-click.
func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	if runtime.GOOS == "windows" {
		fmt.Fprintln(os.Stderr, "\nPress Enter to exit...")
		bufio.NewReader(os.Stdin).ReadBytes('\n')
	}
	os.Exit(1)
}
