package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BTreeMap/IntakePipe/internal/api"
	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/lockfile"
	"github.com/BTreeMap/IntakePipe/internal/registration"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// ErrNoRetryQueue is returned by serve when failed submissions would be
// dropped because the store has no job queue.
var ErrNoRetryQueue = errors.New("submission retry needs a SQLite or Postgres DATABASE_URL; set SUBMISSION_RETRY=false to serve without it")

// backend is the set of storage collaborators chosen from the configuration.
type backend struct {
	sessions store.SessionRepo
	dedup    store.DedupRepo
	jobs     store.JobRepo // nil for the in-memory store
	checks   map[string]api.HealthCheck
	closers  []func() error
}

// openBackend selects the primary store from DATABASE_URL and, when
// REDIS_URL is set, moves sessions and dedup markers to Redis. A SQLite
// store also locks the state directory.
func openBackend(ctx context.Context, cfg *Config, mode string) (*backend, error) {
	b := &backend{checks: make(map[string]api.HealthCheck)}

	switch {
	case cfg.usesMemoryStore():
		slog.Info("openBackend: using in-memory store, state is lost on exit")
		mem := store.NewInMemoryStore()
		b.sessions, b.dedup = mem, mem
		b.closers = append(b.closers, mem.Close)

	case store.DetectDSNType(cfg.DatabaseURL) == "postgres":
		slog.Debug("openBackend: detected PostgreSQL DSN", "dsn_type", "postgresql")
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(cfg.DatabaseURL))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		b.sessions, b.dedup, b.jobs = pg, pg, pg
		b.checks["database"] = pg.Ping
		b.closers = append(b.closers, pg.Close)

	default:
		lock, err := lockfile.AcquireLock(cfg.StateDir, mode)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, lock.Release)
		slog.Debug("openBackend: using SQLite store", "db_path", cfg.DatabaseURL)
		lite, err := store.NewSQLiteStore(store.WithSQLiteDSN(cfg.DatabaseURL))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		b.sessions, b.dedup, b.jobs = lite, lite, lite
		b.checks["database"] = lite.Ping
		b.closers = append(b.closers, lite.Close)
	}

	if cfg.RedisURL != "" {
		client, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		rs := store.NewRedisStore(client, store.WithSessionTTL(cfg.SessionTTL))
		b.sessions, b.dedup = rs, rs
		b.checks["redis"] = rs.Ping
		b.closers = append(b.closers, rs.Close)
		slog.Info("openBackend: sessions kept in Redis", "sessionTTL", cfg.SessionTTL)
	}
	return b, nil
}

// Close releases resources in reverse order of acquisition.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("backend.Close: close failed", "error", err)
		}
	}
	b.closers = nil
}

// newRegistrationClient builds the submission client from cfg.
func newRegistrationClient(cfg *Config) (*registration.Client, error) {
	if cfg.RegistrationURL == "" {
		return nil, fmt.Errorf("registration API URL is required (set REGISTRATION_API_URL or --registration-url)")
	}
	style, err := registration.ParseKeyStyle(cfg.KeyStyle)
	if err != nil {
		return nil, err
	}
	return registration.NewClient(cfg.RegistrationURL,
		registration.WithTimeout(cfg.RegistrationTimeout),
		registration.WithKeyStyle(style))
}

// requireRetryQueue refuses a long-running server that would silently lose
// profiles whose submission failed.
func requireRetryQueue(cfg *Config, b *backend) error {
	if cfg.SubmissionRetry && b.jobs == nil {
		return ErrNoRetryQueue
	}
	if b.jobs == nil {
		slog.Warn("requireRetryQueue: submission retry disabled, failed submissions are counted in intakepipe_submissions_total{result=\"failed\"} and dropped")
	}
	return nil
}

// newEngine wires the dialog engine to b and submitter. reg may be nil.
func newEngine(cfg *Config, b *backend, submitter registration.Submitter, reg prometheus.Registerer) (*flow.Engine, error) {
	catalog, err := flow.CatalogFor(flow.Language(cfg.Language))
	if err != nil {
		return nil, err
	}
	opts := []flow.EngineOption{
		flow.WithSessionStore(b.sessions),
		flow.WithDedup(b.dedup),
		flow.WithSubmitter(submitter),
		flow.WithController(flow.NewController(nil, catalog)),
	}
	if reg != nil {
		opts = append(opts, flow.WithMetrics(flow.NewMetrics(reg)))
	}
	if cfg.SubmissionRetry && b.jobs != nil {
		opts = append(opts, flow.WithRetryQueue(b.jobs, flow.DefaultRetryDelay, 0))
	} else if cfg.SubmissionRetry {
		slog.Warn("newEngine: submission retry needs a SQL store, failed submissions will not be retried")
	}
	return flow.NewEngine(opts...)
}
