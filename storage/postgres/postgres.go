// Package postgres provides a catalog source backed by a PostgreSQL table.
// The table is polled on an interval and republished when it changes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/festivio/numeros/pkg/entitlement"
)

const sourceName = "postgres"

// Source loads the catalog from PostgreSQL
type Source struct {
	pool    *pgxpool.Pool
	config  Config
	holder  *entitlement.CatalogHolder
	logger  entitlement.Logger
	metrics entitlement.Metrics

	// fingerprint of the last published table, see changed()
	lastCount   int64
	lastUpdated time.Time
}

// Config holds PostgreSQL catalog source configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Table holds one row per (issue_key, age_bracket) (default: "numeros")
	Table string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// RefreshInterval is how often Run polls the table (default: 1m)
	RefreshInterval time.Duration

	Logger  entitlement.Logger
	Metrics entitlement.Metrics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Table:           "numeros",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		RefreshInterval: time.Minute,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("connection string is required")
	}
	if c.Table == "" {
		return fmt.Errorf("table is required")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("refresh interval must not be negative")
	}
	return nil
}

// New connects to PostgreSQL and returns a catalog source publishing into holder
func New(ctx context.Context, holder *entitlement.CatalogHolder, config Config) (*Source, error) {
	if holder == nil {
		return nil, fmt.Errorf("catalog holder is required")
	}
	if config.Table == "" {
		config.Table = DefaultConfig().Table
	}
	if config.RefreshInterval == 0 {
		config.RefreshInterval = DefaultConfig().RefreshInterval
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Source{
		pool:    pool,
		config:  config,
		holder:  holder,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
	if s.logger == nil {
		s.logger = &entitlement.NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &entitlement.NoopMetrics{}
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Source) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Source) table() string {
	return pgx.Identifier{s.config.Table}.Sanitize()
}

// EnsureSchema creates the catalog table if it does not exist
func (s *Source) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			issue_key   TEXT NOT NULL,
			age_bracket TEXT NOT NULL,
			catalog_ref TEXT NOT NULL DEFAULT '',
			annexes     TEXT[] NOT NULL DEFAULT '{}',
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (issue_key, age_bracket)
		)`, s.table()))
	if err != nil {
		return fmt.Errorf("failed to create catalog table: %w", err)
	}
	return nil
}

// Load reads the whole table and publishes it. An empty table returns
// ErrCatalogUnavailable and leaves the current snapshot in place.
func (s *Source) Load(ctx context.Context) error {
	entries, err := s.readEntries(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", entitlement.ErrCatalogUnavailable, err)
		s.metrics.RecordCatalogReload(sourceName, err)
		return err
	}
	if len(entries) == 0 {
		err = fmt.Errorf("%w: table %s is empty", entitlement.ErrCatalogUnavailable, s.config.Table)
		s.metrics.RecordCatalogReload(sourceName, err)
		return err
	}

	c := entitlement.NewCatalogFromEntries(entries).WithSource(sourceName)
	s.holder.Publish(c)
	s.metrics.RecordCatalogReload(sourceName, nil)
	s.logger.Info("catalog loaded",
		entitlement.Field{Key: "table", Value: s.config.Table},
		entitlement.Field{Key: "entries", Value: c.Len()},
	)
	return nil
}

func (s *Source) readEntries(ctx context.Context) ([]entitlement.CatalogEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT issue_key, age_bracket, catalog_ref, annexes FROM %s ORDER BY issue_key, age_bracket`,
		s.table()))
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var entries []entitlement.CatalogEntry
	for rows.Next() {
		var e entitlement.CatalogEntry
		if err := rows.Scan(&e.IssueKey, &e.AgeBracket, &e.Entitlement.CatalogRef, &e.Entitlement.AnnexRefs); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		if len(e.Entitlement.AnnexRefs) == 0 {
			e.Entitlement.AnnexRefs = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Replace swaps the table contents for c in one transaction
func (s *Source) Replace(ctx context.Context, c *entitlement.Catalog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table())); err != nil {
		return fmt.Errorf("failed to clear catalog: %w", err)
	}

	entries := c.Entries()
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		annexes := e.Entitlement.AnnexRefs
		if annexes == nil {
			annexes = []string{}
		}
		rows = append(rows, []any{e.IssueKey, e.AgeBracket, e.Entitlement.CatalogRef, annexes})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{s.config.Table},
		[]string{"issue_key", "age_bracket", "catalog_ref", "annexes"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}

	return tx.Commit(ctx)
}

// changed reports whether the table differs from the last seen fingerprint
func (s *Source) changed(ctx context.Context) (bool, error) {
	var count int64
	var updated *time.Time
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*), MAX(updated_at) FROM %s`, s.table())).
		Scan(&count, &updated)
	if err != nil {
		return false, err
	}
	var last time.Time
	if updated != nil {
		last = *updated
	}
	if count == s.lastCount && last.Equal(s.lastUpdated) {
		return false, nil
	}
	s.lastCount, s.lastUpdated = count, last
	return true, nil
}

// Run polls the table every RefreshInterval and republishes it when it
// changes. It returns when ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changed, err := s.changed(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("catalog refresh failed", entitlement.Field{Key: "error", Value: err})
				continue
			}
			if !changed {
				continue
			}
			if err := s.Load(ctx); err != nil && !errors.Is(err, entitlement.ErrCatalogUnavailable) {
				s.logger.Warn("catalog reload failed", entitlement.Field{Key: "error", Value: err})
			}
		}
	}
}
