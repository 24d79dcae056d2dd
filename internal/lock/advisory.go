// Package lock provides Postgres advisory locks so that only one scheduler
// replica runs a given sweep at a time.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	_ "github.com/lib/pq"
)

// Advisory takes session-level advisory locks keyed by sweep name.
type Advisory struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to Postgres through lib/pq.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lock db: %w", err)
	}
	return db, nil
}

func NewAdvisory(db *sql.DB) *Advisory {
	return &Advisory{db: db, timeout: 5 * time.Second}
}

// Key maps a sweep name onto the bigint key space of pg advisory locks.
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryRun runs fn only if the lock for name is free. It reports whether fn ran.
// The lock and unlock share one pooled connection since advisory locks are
// owned by the session that took them.
func (a *Advisory) TryRun(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	key := Key(name)

	lockCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	conn, err := a.db.Conn(lockCtx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock connection: %w", err)
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(lockCtx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !acquired {
		return false, nil
	}

	runErr := fn(ctx)

	unlockCtx, cancelUnlock := context.WithTimeout(context.Background(), a.timeout)
	defer cancelUnlock()
	if _, err := conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", key); err != nil {
		if runErr != nil {
			return true, runErr
		}
		return true, fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return true, runErr
}
