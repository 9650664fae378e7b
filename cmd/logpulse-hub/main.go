package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oicur0t/logpulse/internal/archive"
	"github.com/oicur0t/logpulse/internal/autofix"
	"github.com/oicur0t/logpulse/internal/classifier"
	"github.com/oicur0t/logpulse/internal/config"
	"github.com/oicur0t/logpulse/internal/hub"
	"github.com/oicur0t/logpulse/internal/pipeline"
	"github.com/oicur0t/logpulse/internal/server"
	"github.com/oicur0t/logpulse/internal/store"
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
	Use:   "logpulse-hub",
	Short: "Real-time log classification and auto-fix hub",
	Long: `logpulse-hub accepts log lines over HTTP webhooks and websockets, classifies
them with an LLM, streams them to subscribed dashboards and dispatches fix
commands to the host agent of the affected instance.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadHubConfig(configPath)
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
	rootCmd.SetVersionTemplate(fmt.Sprintf("logpulse-hub version %s\nCommit: %s\n", Version, Commit))
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file (defaults and LOGPULSE_* environment only when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.HubConfig, logger *zap.Logger) error {
	logger.Info("Starting logpulse-hub",
		zap.String("version", Version),
		zap.String("listen", cfg.Server.ListenAddress),
		zap.Int("ai_endpoints", len(cfg.AI.Endpoints)),
		zap.Bool("archive", cfg.Archive.Enabled()))

	g, gctx := errgroup.WithContext(ctx)

	var gateway classifier.Gateway = classifier.Disabled{}
	if len(cfg.AI.Endpoints) > 0 {
		classify := classifier.NewChain(endpoints(cfg.AI.Endpoints), nil, cfg.AI.BreakerThreshold, cfg.AI.BreakerCooldown, logger)
		suggest := classifier.NewChain(endpoints(cfg.AI.SuggestEndpoints), nil, cfg.AI.BreakerThreshold, cfg.AI.BreakerCooldown, logger)
		gateway = classifier.NewAI(classify, suggest, cfg.AI.Timeout, logger)
	} else {
		logger.Warn("No AI endpoints configured, every line gets the fallback classification")
	}

	fixOpts := autofix.Options{FixTimeout: cfg.AutoFix.FixTimeout, SweepInterval: cfg.AutoFix.SweepInterval}
	pipelineOpts := pipeline.Options{MaxInFlight: cfg.Pipeline.MaxInFlight, ContextSize: cfg.Pipeline.ContextSize}

	var mongo *archive.Mongo
	if cfg.Archive.Enabled() {
		var err error
		mongo, err = archive.NewMongo(ctx, cfg.Archive.MongoDB, logger)
		if err != nil {
			return fmt.Errorf("failed to connect archive: %w", err)
		}
		arch := archive.New(mongo, cfg.Archive.BatchSize, cfg.Archive.FlushInterval, cfg.Archive.QueueSize, logger)
		fixOpts.Recorder = arch
		pipelineOpts.Recorder = arch
		// the archive outlives the listener so the final records are flushed
		archiveCtx, stopArchive := context.WithCancel(context.Background())
		archiveDone := make(chan struct{})
		go func() {
			defer close(archiveDone)
			arch.Start(archiveCtx)
		}()
		defer func() {
			stopArchive()
			<-archiveDone
			if err := mongo.Close(context.Background()); err != nil {
				logger.Error("Failed to close MongoDB connection", zap.Error(err))
			}
		}()
	}

	st := store.New()
	reg := hub.NewRegistry(st, logger)
	fixes := autofix.New(st, reg, fixOpts, logger)
	pl := pipeline.New(st, reg, gateway, fixes, pipelineOpts, logger)
	// stops accepting lines once the listener and websockets are gone, then drains
	defer pl.Close()

	var limiter *server.RateLimiter
	if cfg.RateLimiting.Enabled {
		limiter = server.NewRateLimiter(cfg.RateLimiting.RequestsPerMinute, cfg.RateLimiting.Burst)
	}

	handler := server.NewHandler(st, reg, pl, fixes, server.Options{
		PublicURL:   cfg.Server.PublicURL,
		Websocket:   cfg.Websocket,
		RateLimiter: limiter,
	}, logger)

	var httpHandler http.Handler = handler.Routes()
	httpHandler = server.RecoveryMiddleware(logger)(httpHandler)
	httpHandler = server.LoggingMiddleware(logger)(httpHandler)

	// no WriteTimeout: websocket connections are long-lived and set their own write deadlines
	httpServer := &http.Server{
		Addr:        cfg.Server.ListenAddress,
		Handler:     httpHandler,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := mtls.LoadServerTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		httpServer.TLSConfig = tlsConfig
	}
	// Shutdown does not touch hijacked websocket connections
	httpServer.RegisterOnShutdown(handler.CloseSessions)

	g.Go(func() error {
		return fixes.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.ListenAddress), zap.Bool("tls", cfg.TLS.Enabled))
		var err error
		if cfg.TLS.Enabled {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
			httpServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Hub stopped gracefully")
	return nil
}

func endpoints(cfgs []config.AIEndpointConfig) []classifier.Endpoint {
	eps := make([]classifier.Endpoint, 0, len(cfgs))
	for _, c := range cfgs {
		eps = append(eps, classifier.Endpoint{BaseURL: c.BaseURL, Model: c.Model, APIKey: c.APIKey})
	}
	return eps
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
