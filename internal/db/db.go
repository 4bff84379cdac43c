// Package db opens and verifies the PostgreSQL connection shared by the
// block store, key store, repo state store, and relay cursor tracker.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Open opens a connection pool to dsn and blocks until the database
// answers a ping or ctx is done. A repository engine cannot serve any
// request without its block store, so failing fast here beats failing
// opaquely on the first query.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	backoff := 100 * time.Millisecond
	for {
		pingErr := conn.PingContext(ctx)
		if pingErr == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, fmt.Errorf("db: ping: %w", ctx.Err())
		case <-time.After(backoff):
			if backoff < 2*time.Second {
				backoff *= 2
			}
		}
	}
}
