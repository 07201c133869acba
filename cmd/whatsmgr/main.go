package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsmgr/internal/config"
	"whatsmgr/internal/constants"
	"whatsmgr/internal/models"
	"whatsmgr/internal/tracing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "whatsmgr",
		Short:         "Multi-tenant WhatsApp session manager",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.json", "Path to configuration file (JSON or YAML)")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging (includes unmasked phone numbers)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start stored sessions and serve the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "whatsmgr %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		},
	}
}

// newLogger builds the process logger. Verbose forces debug level; the
// configured level otherwise applies. A configured log file is rotated with
// lumberjack and written alongside stdout.
func newLogger(cfg *models.Config, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if cfg.LogFile.Path != "" {
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAgeDays,
			Compress:   true,
		}))
	}

	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return logger
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func run(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	verbose := opts.verbose || cfg.VerboseLogging
	logger := newLogger(cfg, verbose)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting whatsmgr")
	if verbose {
		logger.Info("Verbose logging enabled - phone numbers will be logged unmasked")
	}

	tracingManager := tracing.NewTracingManager(cfg.Tracing, Version, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	svc, err := buildApp(ctx, cfg, logger, verbose)
	if err != nil {
		return err
	}
	defer svc.Close()

	if !verbose {
		watcher := config.NewConfigWatcher(opts.configPath, logger)
		watcher.OnConfigChange(config.ApplyLogLevel(logger))
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.WithError(err).Warn("Configuration watcher stopped")
			}
		}()
	}

	if err := svc.manager.StartAllSessions(ctx); err != nil {
		logger.WithError(err).Warn("Some stored sessions failed to start")
	}
	if svc.reconciler != nil {
		svc.reconciler.Start()
		logger.WithField("next_run", svc.reconciler.Next()).Info("Session reconciler started")
	}

	server := NewServer(cfg.Server, svc.manager, svc.store, svc.hub, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}
