package api

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore is the backend for Idempotency-Key replay.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool)
	Set(ctx context.Context, key string, statusCode int, body []byte)
}

// MemoryIdempotencyStore holds cached responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || time.Since(cached.CachedAt) > s.ttl {
		return nil, false
	}
	return cached, true
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, statusCode int, body []byte) {
	s.mu.Lock()
	s.entries[key] = &cachedResponse{StatusCode: statusCode, Body: body, CachedAt: time.Now()}
	s.mu.Unlock()
}

// SQLIdempotencyStore provides durable idempotency enforcement so replayed
// submissions survive a process restart. Works against SQLite and Postgres.
type SQLIdempotencyStore struct {
	db       *sql.DB
	postgres bool
	ttl      time.Duration
}

func NewSQLIdempotencyStore(db *sql.DB, postgres bool, ttl time.Duration) (*SQLIdempotencyStore, error) {
	s := &SQLIdempotencyStore{db: db, postgres: postgres, ttl: ttl}
	schema := `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		body BLOB,
		cached_at TIMESTAMP NOT NULL
	);`
	if s.postgres {
		schema = `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		body BYTEA,
		cached_at TIMESTAMPTZ NOT NULL
	);`
	}
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	query := `SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = ?`
	if s.postgres {
		query = `SELECT status_code, body, cached_at FROM idempotency_keys WHERE key = $1`
	}

	var statusCode int
	var body []byte
	var cachedAt time.Time
	err := s.db.QueryRowContext(ctx, query, key).Scan(&statusCode, &body, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return nil, false
	}
	if time.Since(cachedAt) > s.ttl {
		return nil, false
	}
	return &cachedResponse{StatusCode: statusCode, Body: body, CachedAt: cachedAt}, true
}

func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, statusCode int, body []byte) {
	query := `INSERT INTO idempotency_keys (key, status_code, body, cached_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`
	if s.postgres {
		query = `INSERT INTO idempotency_keys (key, status_code, body, cached_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`
	}
	if _, err := s.db.ExecContext(ctx, query, key, statusCode, body, time.Now()); err != nil {
		// Best-effort enrichment; the ledger's unique constraint is the
		// real idempotency guarantee.
		slog.Default().Warn("idempotency key store failed", "error", err)
	}
}

// Cleanup removes expired keys.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) {
	query := `DELETE FROM idempotency_keys WHERE cached_at < ?`
	if s.postgres {
		query = `DELETE FROM idempotency_keys WHERE cached_at < $1`
	}
	_, _ = s.db.ExecContext(ctx, query, time.Now().Add(-s.ttl))
}

// responseRecorder buffers the downstream response so it can be cached.
type responseRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the cached response for a repeated
// Idempotency-Key on mutating requests. Requests without the header pass
// through untouched.
func IdempotencyMiddleware(store IdempotencyStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		if cached, ok := store.Check(r.Context(), key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Cache successful outcomes only; failures should re-run.
		if rec.status < 500 {
			store.Set(r.Context(), key, rec.status, rec.buf.Bytes())
		}
	})
}
