package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"decisionhelper/api/internal/analysis"
	"decisionhelper/api/internal/app"
	"decisionhelper/api/internal/auth"
	"decisionhelper/api/internal/authpw"
	"decisionhelper/api/internal/config"
	"decisionhelper/api/internal/llm"
	"decisionhelper/api/internal/session"
	"decisionhelper/api/internal/store"
)

// backingStore is what PostgresStore and MemoryStore both provide.
type backingStore interface {
	authpw.UserStore
	auth.Revocations
	InsertDecision(context.Context, store.Decision) (store.Decision, error)
	ListRecentDecisions(context.Context, string, int) ([]store.Decision, error)
	Ping(context.Context) error
}

type serveOptions struct {
	inMemory bool
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.inMemory, "in-memory", false, "keep users and decisions in process memory instead of PostgreSQL")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	backing, closeStore, err := openStore(ctx, cfg, opts.inMemory, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	checks := map[string]app.ReadinessCheck{"database": backing.Ping}

	var revocations auth.Revocations = backing
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for token revocations")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		revocations = redisStore
		checks["revocations"] = redisStore.Ping
	}

	reasoning, err := llm.NewClient(llm.Config{
		BaseURL:       cfg.OpenAIBaseURL,
		APIKey:        cfg.OpenAIAPIKey,
		Model:         cfg.OpenAIModel,
		Timeout:       cfg.LLMTimeout,
		RatePerSecond: cfg.LLMRatePerSecond,
		Burst:         cfg.LLMBurst,
	})
	if err != nil {
		return fmt.Errorf("reasoning client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	service := app.NewService(app.Options{
		Store:    backing,
		Gate:     auth.NewGate(cfg.JWTSecret, revocations),
		Engine:   analysis.NewEngine(reasoning, logger.Named("analysis")),
		Accounts: authpw.NewService(backing, cfg.JWTSecret, cfg.AccessTTL),
		Logger:   logger,
		Metrics:  app.NewMetrics(registry),
		Checks:   checks,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Named("http"), registry)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// An analyze call may wait the full reasoning timeout.
		WriteTimeout: cfg.LLMTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("DecisionHelper API listening",
			zap.String("addr", cfg.Addr),
			zap.String("model", reasoning.Model()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, inMemory bool, logger *zap.Logger) (backingStore, func(), error) {
	if inMemory {
		logger.Warn("using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir), logger); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}
