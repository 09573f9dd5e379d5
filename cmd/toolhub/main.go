package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/toolhub/internal/app"
	"github.com/ent0n29/toolhub/internal/config"
	"github.com/ent0n29/toolhub/internal/tools"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const appName = "toolhub"

func main() {
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
	var logLevel string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Tool lifecycle pipeline, task runtime and scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")

	cmd.AddCommand(serveCmd(&logLevel), tickCmd(&logLevel), validateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}

func serveCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, pipeline workers and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*logLevel)
			if err != nil {
				return err
			}
			return serve(cfg, newLogger(cfg))
		},
	}
}

func tickCmd(logLevel *string) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Fire due schedules once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*logLevel)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
			}
			report, err := tick(cmd.Context(), cfg, newLogger(cfg), now)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Evaluate schedules as of this RFC3339 time")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-table",
		Short: "Check the lifecycle transition table and processor registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := tools.ValidateTable(); err != nil {
				return err
			}
			registry, err := tools.NewRegistry(tools.DefaultProcessors(nil, nil, nil)...)
			if err != nil {
				return err
			}
			for _, status := range registry.Statuses() {
				fmt.Fprintf(cmd.OutOrStdout(), "processor: %s\n", status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "transition table ok")
			return nil
		},
	}
}

func loadConfig(logLevel string) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	if lvl := strings.ToLower(strings.TrimSpace(logLevel)); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func serve(cfg config.Config, logger *slog.Logger) error {
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	res, err := app.Build(runCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	if err := res.Start(runCtx); err != nil {
		_ = res.Cleanup(context.Background())
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "store", res.StoreMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err, ok := <-listenErr:
		if ok {
			serveErr = fmt.Errorf("listen: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	if err := res.Cleanup(shutdownCtx); err != nil {
		logger.Warn("cleanup failed", "err", err)
	}

	logger.Info("shutdown complete")
	return serveErr
}

// tick runs a single scheduler pass. Tasks it materializes run to completion
// before the process exits.
func tick(ctx context.Context, cfg config.Config, logger *slog.Logger, now time.Time) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.TaskTimeout+cfg.ShutdownTimeout)
		defer cancel()
		if err := res.Cleanup(cleanupCtx); err != nil {
			logger.Warn("cleanup failed", "err", err)
		}
	}()
	report, err := res.Scheduler.Tick(ctx, now)
	if err != nil {
		return nil, err
	}
	return report, nil
}
