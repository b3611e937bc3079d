// Package store persists dataset batches to PostgreSQL.
//
// Each batch is written in one transaction with a savepoint per row: a row
// rejected by the database is rolled back on its own and reported, the
// remaining rows commit. Connection-level failures abort the whole batch so
// the caller can retry it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/mlingest/mlingest/pkg/dataset"
	"github.com/mlingest/mlingest/pkg/schema"
)

// Postgres implements the ingestion store on database/sql.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.RWMutex
	schemas map[string]*schema.Schema
}

// Option configures a Postgres store.
type Option func(*Postgres)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Postgres) {
		p.logger = logger
	}
}

// Open connects with driver ("postgres" for lib/pq or "pgx") and checks the
// connection.
func Open(ctx context.Context, driver, url string, maxOpen int, opts ...Option) (*Postgres, error) {
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", dataset.ErrDestinationUnavailable, err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", dataset.ErrDestinationUnavailable, err)
	}
	return New(db, opts...), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, opts ...Option) *Postgres {
	p := &Postgres{
		db:      db,
		logger:  slog.Default(),
		schemas: make(map[string]*schema.Schema),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "store")
	return p
}

// DB returns the underlying pool.
func (p *Postgres) DB() *sql.DB { return p.db }

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", dataset.ErrDestinationUnavailable, err)
	}
	return nil
}

// EnsureTable creates the dataset table when it does not exist and remembers
// the schema used to write batches into it.
func (p *Postgres) EnsureTable(ctx context.Context, table string, s *schema.Schema) error {
	if err := schema.ValidateTableName(table); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, CreateTableSQL(table, s)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	p.mu.Lock()
	p.schemas[table] = s
	p.mu.Unlock()

	p.logger.Debug("table ready", "table", table, "columns", len(s.Columns()))
	return nil
}

// WriteBatch upserts every record of b. A non-nil error means nothing from
// the batch was committed. Otherwise the results hold one entry per record in
// batch order; rows the database rejected carry a RowPersistenceError.
func (p *Postgres) WriteBatch(ctx context.Context, table string, b dataset.Batch) ([]dataset.RowResult, error) {
	p.mu.RLock()
	s, ok := p.schemas[table]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("table %s has not been prepared with EnsureTable", table)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch %d: %w", b.Seq, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, UpsertSQL(table, s))
	if err != nil {
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	results := make([]dataset.RowResult, len(b.Records))
	rejected := 0
	for i, rec := range b.Records {
		results[i].UniqueID = rec.UniqueID

		if _, err := tx.ExecContext(ctx, "SAVEPOINT mlingest_row"); err != nil {
			return nil, fmt.Errorf("savepoint: %w", err)
		}

		_, err := stmt.ExecContext(ctx, rowArgs(rec, b.IngestorID, s)...)
		if err == nil {
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT mlingest_row"); err != nil {
				return nil, fmt.Errorf("release savepoint: %w", err)
			}
			continue
		}
		if !isRowError(err) {
			return nil, fmt.Errorf("write %s: %w", rec.UniqueID, err)
		}

		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT mlingest_row"); rbErr != nil {
			return nil, fmt.Errorf("rollback to savepoint: %w", rbErr)
		}
		results[i].Err = &dataset.RowPersistenceError{Err: err}
		rejected++
		p.logger.Debug("row rejected", "table", table, "data_id", rec.UniqueID, "error", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch %d: %w", b.Seq, err)
	}

	p.logger.Debug("batch committed", "table", table, "batch", b.Seq, "rows", len(b.Records)-rejected, "rejected", rejected)
	return results, nil
}

// Count returns the number of rows in table.
func (p *Postgres) Count(ctx context.Context, table string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM "+pq.QuoteIdentifier(table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
