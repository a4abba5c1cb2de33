package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/carevox/carevox/pkg/storage"
)

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of [storage.Store]. It holds
// a single [pgxpool.Pool]; every method runs as one transaction or single
// statement. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model. Changing this value after the first migration requires a
// manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that the embedding
	// column can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies the database connection; used by the readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// wrapErr passes typed storage errors through unchanged and wraps everything
// else in a [storage.StorageError] tagged with op.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrJobNotFound) ||
		errors.Is(err, storage.ErrRoomNotFound) ||
		errors.Is(err, storage.ErrBackwardTransition) {
		return err
	}
	var ce *storage.JobCreationError
	if errors.As(err, &ce) {
		return err
	}
	return &storage.StorageError{Op: op, Err: err}
}
