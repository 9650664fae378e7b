package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oicur0t/logpulse/internal/agent"
	"github.com/oicur0t/logpulse/internal/config"
	"github.com/oicur0t/logpulse/pkg/mtls"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "logpulse-agent",
	Short: "Host agent for logpulse-hub",
	Long: `logpulse-agent registers as the agent of one instance on a logpulse hub,
ships the lines of the configured log files and runs the fix commands the hub
dispatches.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAgentConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := initLogger(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("logpulse-agent version %s\nCommit: %s\n", Version, Commit))
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/logpulse/agent.yaml", "Path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AgentConfig, logger *zap.Logger) error {
	logFiles := cfg.EnabledLogFiles()
	logger.Info("Starting logpulse-agent",
		zap.String("version", Version),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("hub", cfg.Hub.URL),
		zap.Int("log_files", len(logFiles)),
		zap.Bool("fixes_allowed", cfg.Fix.Allow))

	var tlsConfig *tls.Config
	if cfg.MTLS.ClientCert != "" || cfg.MTLS.CACert != "" {
		var err error
		tlsConfig, err = mtls.LoadClientTLSConfig(cfg.MTLS.CACert, cfg.MTLS.ClientCert, cfg.MTLS.ClientKey, cfg.MTLS.ServerName)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
	}

	lines := make(chan string, cfg.QueueSize)
	executor := agent.NewExecutor(cfg.Fix.Shell, cfg.Fix.Timeout, cfg.Fix.OutputLimit, logger)
	client := agent.NewClient(cfg, tlsConfig, executor, lines, logger)
	watcher := agent.NewWatcher(logFiles, logger, lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Start(gctx)
	})
	g.Go(func() error {
		return client.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Agent stopped")
	return nil
}

// initLogger creates a configured zap logger
func initLogger(level string, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var loggerConfig zap.Config
	if format == "json" {
		loggerConfig = zap.NewProductionConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	loggerConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	return loggerConfig.Build()
}
