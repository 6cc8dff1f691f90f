package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"provisioner/pkg/platform/sentinel"
)

// PostgresLocker uses session advisory locks. Each hold pins one pooled
// connection until released; ttl is not enforced because the lock dies with
// the session.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgres creates an advisory-lock locker.
func NewPostgres(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// Acquire takes key. ttl is ignored.
func (l *PostgresLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Release, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire lock %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	if !ok {
		_ = conn.Close()
		return nil, sentinel.ErrLocked
	}

	return func(ctx context.Context) error {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}
