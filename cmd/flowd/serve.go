package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/breaker"
	"github.com/fyrsmithlabs/flowd/internal/checkpoint"
	"github.com/fyrsmithlabs/flowd/internal/config"
	"github.com/fyrsmithlabs/flowd/internal/events"
	httpapi "github.com/fyrsmithlabs/flowd/internal/http"
	"github.com/fyrsmithlabs/flowd/internal/logging"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/retrieval"
	"github.com/fyrsmithlabs/flowd/internal/services"
	"github.com/fyrsmithlabs/flowd/internal/stages"
	"github.com/fyrsmithlabs/flowd/internal/telemetry"
	"github.com/fyrsmithlabs/flowd/internal/validation"
)

// runServe wires the daemon and blocks until SIGINT/SIGTERM.
//
// Startup order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Open the checkpoint store
//  4. Build the backend, breakers, validator and retriever
//  5. Register stage handlers and start the engine
//  6. Start the HTTP server
//
// Shutdown runs in reverse: the HTTP server stops accepting requests,
// the engine drains or parks running tasks, telemetry flushes.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger := log.Underlying()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.Version = version
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Observability.Enabled,
		ServiceName: cfg.Observability.ServiceName,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	store, err := newCheckpointStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("checkpoint store close failed", zap.Error(err))
		}
	}()

	bus := events.NewBus(cfg.Events.BufferSize, logger.Named("events"))
	breakers := breaker.NewRegistry(breaker.Config{
		Threshold:   int32(cfg.Breaker.Threshold),
		Window:      cfg.Breaker.Window,
		Cooldown:    cfg.Breaker.Cooldown,
		MaxCooldown: cfg.Breaker.MaxCooldown,
	})

	be, err := newBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize backend: %w", err)
	}
	guarded := pipeline.Guard(be, breakers)

	validator := validation.NewValidator(validationTools(cfg), validation.Policy{
		LowConfidencePass: cfg.Pipeline.LowConfidencePass,
		MinConfidence:     cfg.Pipeline.MinConfidence,
	}, logger.Named("validation"))

	var retriever retrieval.Provider
	if cfg.Retrieval.Enabled {
		retriever, err = retrieval.NewChromem(retrieval.ChromemConfig{
			Path:       cfg.Retrieval.Path,
			Collection: cfg.Retrieval.Collection,
			TopK:       cfg.Retrieval.TopK,
		}, nil, logger.Named("retrieval"))
		if err != nil {
			return fmt.Errorf("initialize retrieval: %w", err)
		}
	}

	exec := pipeline.NewExecutor(bus, store, cfg.Pipeline.StageTimeout, logger.Named("pipeline"))
	stages.RegisterAll(exec, stages.Deps{
		Backend:   guarded,
		Validator: validator,
		Retriever: retriever,
		Logger:    logger.Named("stages"),
	})

	engine := pipeline.NewEngine(pipeline.EngineConfig{
		MaxConcurrent:        cfg.Pipeline.MaxConcurrent,
		DefaultMaxIterations: cfg.Pipeline.MaxIterations,
		Backends:             []string{guarded.Identity()},
		SweepInterval:        cfg.Pipeline.SweepInterval,
		EventRetention:       cfg.Events.Retention,
	}, exec, store, bus, logger.Named("engine"))

	registry := services.NewRegistry(services.Options{
		Engine:      engine,
		Checkpoints: store,
		Events:      bus,
		Breakers:    breakers,
		Backend:     guarded,
		Validator:   validator,
		Retriever:   retriever,
	})

	srv, err := httpapi.NewServer(registry, logger.Named("http"), &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	logger.Info("starting flowd",
		zap.String("version", version),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("backend", be.Identity()),
		zap.String("checkpoint_store", cfg.Checkpoint.Store),
		zap.Bool("retrieval", cfg.Retrieval.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var shutdownErrs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("http server: %w", err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		// Tasks still running are parked at their last checkpoint and
		// resume after restart.
		logger.Warn("engine shutdown deadline exceeded, tasks parked", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("telemetry: %w", err))
	}

	if err := errors.Join(shutdownErrs...); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// newCheckpointStore opens the store selected in config.
func newCheckpointStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	cpLogger := logger.Named("checkpoint")
	switch cfg.Checkpoint.Store {
	case "memory":
		return checkpoint.NewMemoryStore(cfg.Checkpoint.Retention), nil
	case "file":
		return checkpoint.NewFileStore(cfg.Checkpoint.Dir, cfg.Checkpoint.Retention, cpLogger)
	case "postgres":
		return checkpoint.NewPostgresStore(ctx, cfg.Checkpoint.DSN, cfg.Checkpoint.Retention, cpLogger)
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", cfg.Checkpoint.Store)
	}
}

// newBackend builds the generation backend selected in config.
func newBackend(cfg *config.Config, logger *zap.Logger) (backend.Backend, error) {
	switch cfg.Backend.Provider {
	case "anthropic":
		key := os.Getenv(cfg.Backend.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %s is not set", cfg.Backend.APIKeyEnv)
		}
		return backend.NewAnthropic(backend.AnthropicConfig{
			APIKey:            key,
			Model:             cfg.Backend.Model,
			MaxTokens:         cfg.Backend.MaxTokens,
			RequestsPerMinute: cfg.Backend.RequestsPerMinute,
		}, logger.Named("backend"))
	case "fake":
		// Local development and tests; responses are enqueued by callers.
		return backend.NewFake("fake"), nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
}

// validationTools builds the configured validation tool set. Rules run
// first; they are cheap and deterministic.
func validationTools(cfg *config.Config) []validation.Tool {
	var tools []validation.Tool
	if len(cfg.Validation.Rules) > 0 {
		rules := make([]validation.Rule, 0, len(cfg.Validation.Rules))
		for _, r := range cfg.Validation.Rules {
			rule := validation.MustParseRule(r.Name, r.Pattern, r.Forbid, r.Message)
			rule.Severity = r.Severity
			rules = append(rules, rule)
		}
		tools = append(tools, validation.NewRuleTool("rules", rules))
	}
	for _, t := range cfg.Validation.Tools {
		tools = append(tools, validation.NewCommandTool(t.Name, t.Command, t.Args, t.Timeout))
	}
	return tools
}
