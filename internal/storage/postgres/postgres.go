// Package postgres implements storage.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netmark-org/netmark/internal/storage"
)

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open creates a connection pool for the given connection string. The
// pool connects lazily; call Ping to verify reachability and Migrate
// to bring the schema up to date.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// AcquireLock takes a session-level advisory lock derived from name,
// holding one pooled connection until release. It blocks until the
// lock is granted or the context ends.
func (s *Store) AcquireLock(ctx context.Context, name string) (func() error, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire connection for lock %q: %w", name, err)
	}

	id := lockID(name)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Release()
		return nil, fmt.Errorf("storage: acquire lock %q: %w", name, err)
	}

	release := func() error {
		defer conn.Release()
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", id); err != nil {
			return fmt.Errorf("storage: release lock %q: %w", name, err)
		}
		return nil
	}
	return release, nil
}

// lockID folds a lock name into the 64-bit key space of postgres
// advisory locks.
func lockID(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

const uniqueViolation = "23505"

// mapError translates driver errors into the storage sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, pgErr.Detail)
	}
	return err
}
