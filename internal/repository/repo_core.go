// Package repository owns everything that touches TimescaleDB: the connection
// pool, bulk upsert loading, symbol resolution, and the query surface.
package repository

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"databento-ingest/internal/config"
)

type Repository struct {
	db *pgxpool.Pool
}

// New opens the shared pool. Connections are recycled periodically and carry
// server-side timeouts so an interrupted ingest cannot leave lock-holding
// ghosts behind.
func New(ctx context.Context, cfg *config.Config) (*Repository, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pc.MaxConns = int32(cfg.DBMaxConns)
	pc.MinConns = int32(cfg.DBMinConns)
	pc.MaxConnLifetime = 30 * time.Minute
	pc.MaxConnIdleTime = 5 * time.Minute

	if pc.ConnConfig.RuntimeParams == nil {
		pc.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := pc.ConnConfig.RuntimeParams["statement_timeout"]; !ok {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = "300000"
	}
	if _, ok := pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]; !ok {
		pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "120000"
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &Repository{db: pool}, nil
}

// Migrate executes the schema file as a single script. Statements are
// idempotent (CREATE ... IF NOT EXISTS) so re-running is safe.
func (r *Repository) Migrate(ctx context.Context, schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	if _, err := r.db.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity for the status command.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Repository) Close() {
	r.db.Close()
}
