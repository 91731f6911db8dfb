package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLLimiter persists rate buckets in the same database as the ledger so a
// restart does not reset anyone's budget. It works against both SQLite and
// Postgres: the upsert uses ON CONFLICT, which both support, and placeholders
// are chosen per dialect.
type SQLLimiter struct {
	db       *sql.DB
	postgres bool
	limit    int64
	window   time.Duration
	clock    func() time.Time
}

// NewSQLLimiter creates the limiter and its bucket table.
func NewSQLLimiter(db *sql.DB, postgres bool, limit int64, window time.Duration) (*SQLLimiter, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &SQLLimiter{db: db, postgres: postgres, limit: limit, window: window, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLLimiter) WithClock(clock func() time.Time) *SQLLimiter {
	l.clock = clock
	return l
}

func (l *SQLLimiter) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rate_buckets (
		signer_id TEXT NOT NULL,
		bucket_start BIGINT NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (signer_id, bucket_start)
	);`
	_, err := l.db.ExecContext(context.Background(), schema)
	return err
}

func (l *SQLLimiter) Check(ctx context.Context, signerID string) (Decision, error) {
	now := l.clock()
	cutoff := now.Add(-l.window).Unix()

	query := `SELECT COALESCE(SUM(count), 0), COALESCE(MIN(bucket_start), 0)
		FROM rate_buckets WHERE signer_id = ? AND bucket_start >= ?`
	if l.postgres {
		query = `SELECT COALESCE(SUM(count), 0), COALESCE(MIN(bucket_start), 0)
		FROM rate_buckets WHERE signer_id = $1 AND bucket_start >= $2`
	}

	var current, oldestUnix int64
	err := l.db.QueryRowContext(ctx, query, signerID, cutoff).Scan(&current, &oldestUnix)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	var oldest time.Time
	if oldestUnix > 0 {
		oldest = time.Unix(oldestUnix, 0)
	}
	return decide(now, current, oldest, l.limit, l.window), nil
}

func (l *SQLLimiter) Record(ctx context.Context, signerID string) error {
	start := l.clock().Truncate(bucketGranularity).Unix()

	query := `INSERT INTO rate_buckets (signer_id, bucket_start, count) VALUES (?, ?, 1)
		ON CONFLICT (signer_id, bucket_start) DO UPDATE SET count = count + 1`
	if l.postgres {
		query = `INSERT INTO rate_buckets (signer_id, bucket_start, count) VALUES ($1, $2, 1)
		ON CONFLICT (signer_id, bucket_start) DO UPDATE SET count = rate_buckets.count + 1`
	}

	if _, err := l.db.ExecContext(ctx, query, signerID, start); err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}

// Prune deletes buckets that fell out of the window. Correctness does not
// depend on it; it only bounds table growth.
func (l *SQLLimiter) Prune(ctx context.Context) error {
	cutoff := l.clock().Add(-l.window).Unix()
	query := `DELETE FROM rate_buckets WHERE bucket_start < ?`
	if l.postgres {
		query = `DELETE FROM rate_buckets WHERE bucket_start < $1`
	}
	_, err := l.db.ExecContext(ctx, query, cutoff)
	return err
}

func (l *SQLLimiter) Limit() int64          { return l.limit }
func (l *SQLLimiter) Window() time.Duration { return l.window }
