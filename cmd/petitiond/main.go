// Command petitiond runs the co-sign and escalation service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/civisign/petitiond/pkg/api"
	"github.com/civisign/petitiond/pkg/config"
	"github.com/civisign/petitiond/pkg/cosign"
	"github.com/civisign/petitiond/pkg/escalation"
	"github.com/civisign/petitiond/pkg/identity"
	"github.com/civisign/petitiond/pkg/observability"
	"github.com/civisign/petitiond/pkg/ratelimit"
	"github.com/civisign/petitiond/pkg/store"
	"github.com/civisign/petitiond/pkg/threshold"
)

func main() {
	if err := run(); err != nil {
		slog.Error("petitiond failed", "error", err)
		os.Exit(1)
	}
}

// backend bundles the store contracts with the shared database handle so
// collaborators (rate buckets, idempotency keys) can live in the same
// database.
type backend struct {
	petitions   store.PetitionStore
	ledger      store.Ledger
	escalations store.EscalationStore
	outbox      store.OutboxStore
	db          *sql.DB
	postgres    bool
	close       func() error
}

func openBackend(cfg *config.Config) (*backend, error) {
	if cfg.DatabaseURL != "" {
		s, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &backend{
			petitions: s, ledger: s, escalations: s, outbox: s,
			db: s.DB(), postgres: true, close: s.Close,
		}, nil
	}
	s, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &backend{
		petitions: s, ledger: s, escalations: s, outbox: s,
		db: s.DB(), postgres: false, close: s.Close,
	}, nil
}

func run() error {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "petitiond",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = b.close() }()

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiter(cfg.RedisAddr, "", 0, cfg.RateLimit, cfg.RateWindow())
	} else {
		limiter, err = ratelimit.NewSQLLimiter(b.db, b.postgres, cfg.RateLimit, cfg.RateWindow())
		if err != nil {
			return err
		}
	}

	table, err := config.LoadThresholdProfile(cfg.ThresholdProfile)
	if err != nil {
		return err
	}
	checker, err := threshold.NewChecker(table)
	if err != nil {
		return err
	}

	var verifier identity.Verifier
	if cfg.IdentityURL != "" {
		verifier = identity.NewCircuitBreakerVerifier(
			identity.NewHTTPVerifier(cfg.IdentityURL, cfg.IdentityTimeout),
			5, 10*time.Second)
	}

	executor := escalation.NewExecutor(b.petitions, b.escalations, logger)
	orchestrator := cosign.New(b.petitions, b.ledger, limiter, checker, executor, cosign.Options{
		Verifier: verifier,
		Logger:   logger,
		Obs:      obs,
	})
	if cfg.Halted {
		orchestrator.Halt()
		logger.Warn("starting in halted (read-only) mode")
	}

	worker := escalation.NewOutboxWorker(b.outbox, &escalation.LogSink{Logger: logger}, 5*time.Second, logger)
	go worker.Run(ctx)

	idem, err := api.NewSQLIdempotencyStore(b.db, b.postgres, 24*time.Hour)
	if err != nil {
		return err
	}

	service := api.NewService(orchestrator, b.petitions, logger)
	edge := api.NewIPRateLimiter(20, 40)
	handler := edge.Middleware(api.IdempotencyMiddleware(idem, service.Routes()))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("petitiond listening", "port", cfg.Port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
