package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirbundle/internal/config"
	"github.com/ehr/fhirbundle/internal/domain/resource"
	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/db"
	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/ehr/fhirbundle/internal/platform/hipaa"
)

// Stores holds the persistence the server runs on.
type Stores struct {
	Repo  resource.Repository
	Scope fhir.TransactionScope
	Audit audit.Store
	// Pool is nil unless the resource store or the audit sink is Postgres.
	Pool *pgxpool.Pool

	checks  []db.Check
	closers []func() error
}

// HealthChecks lists the backends behind /health/db. In-memory stores have
// nothing to probe.
func (s *Stores) HealthChecks() []db.Check {
	return s.checks
}

// MemoryStores returns in-memory stores for tests and development.
func MemoryStores() *Stores {
	repo := resource.NewMemoryRepository()
	return &Stores{Repo: repo, Scope: repo, Audit: audit.NewMemorySink()}
}

// OpenStores opens the resource store and audit sink selected by cfg.
func OpenStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Stores, error) {
	s := &Stores{}
	needPool := cfg.ResolvedStore() == config.StorePostgres || cfg.ResolvedAuditSink() == config.StorePostgres
	if needPool {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		s.Pool = pool
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		logger.Info().Msg("connected to database")
	}

	switch cfg.ResolvedStore() {
	case config.StorePostgres:
		s.Repo = resource.NewPGRepository(s.Pool)
		s.Scope = db.NewTxScope(s.Pool)
		s.checks = append(s.checks, db.Check{Name: "resources", Pinger: s.Pool})
	default:
		repo := resource.NewMemoryRepository()
		s.Repo, s.Scope = repo, repo
	}

	switch cfg.ResolvedAuditSink() {
	case config.StorePostgres:
		s.Audit = hipaa.NewAuditLogger(s.Pool)
		s.checks = append(s.checks, db.Check{Name: "audit", Pinger: s.Pool})
	case config.SinkSQLite:
		sink, err := audit.OpenSQLite(cfg.AuditSQLitePath)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open audit sink: %w", err)
		}
		s.Audit = sink
		s.checks = append(s.checks, db.Check{Name: "audit", Pinger: sink})
		s.closers = append(s.closers, sink.Close)
	default:
		s.Audit = audit.NewMemorySink()
	}

	logger.Info().
		Str("store", cfg.ResolvedStore()).
		Str("audit_sink", cfg.ResolvedAuditSink()).
		Msg("stores opened")
	return s, nil
}

// Close releases the stores in reverse order of opening.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
