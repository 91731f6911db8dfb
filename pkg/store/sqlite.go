package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/civisign/petitiond/pkg/contracts"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements PetitionStore, Ledger, EscalationStore, and
// OutboxStore over a single embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an ephemeral database in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// The modernc driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an already-open database and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so collaborators (rate-limit buckets,
// idempotency keys) can share one database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS petitions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		support_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS signatures (
		id TEXT PRIMARY KEY,
		petition_id TEXT NOT NULL,
		signer_id TEXT NOT NULL,
		signed_at TEXT NOT NULL,
		integrity_hash TEXT NOT NULL,
		UNIQUE (petition_id, signer_id)
	);
	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		petition_id TEXT NOT NULL UNIQUE,
		trigger_type TEXT NOT NULL,
		support_count INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		triggered_by TEXT,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS escalation_outbox (
		event_id TEXT PRIMARY KEY,
		payload JSON NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		enqueued_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLiteStore) GetPetition(ctx context.Context, id string) (*contracts.Petition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, state, title, support_count, created_at, updated_at FROM petitions WHERE id = ?`, id)
	return scanPetition(row)
}

func (s *SQLiteStore) CreatePetition(ctx context.Context, p *contracts.Petition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO petitions (id, type, state, title, support_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Type), string(p.State), p.Title, p.SupportCount,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if isSQLiteUnique(err) {
		return ErrPetitionExists
	}
	if err != nil {
		return fmt.Errorf("insert petition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TransitionState(ctx context.Context, id string, expected, next contracts.PetitionState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE petitions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(next), fmtTime(time.Now()), id, string(expected))
	if err != nil {
		return fmt.Errorf("transition petition state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost CAS.
		if _, gerr := s.GetPetition(ctx, id); errors.Is(gerr, ErrPetitionNotFound) {
			return ErrPetitionNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *SQLiteStore) FindSignature(ctx context.Context, petitionID, signerID string) (*contracts.Signature, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, petition_id, signer_id, signed_at, integrity_hash
		 FROM signatures WHERE petition_id = ? AND signer_id = ?`, petitionID, signerID)
	return scanSignature(row)
}

func (s *SQLiteStore) CreateSignature(ctx context.Context, sig *contracts.Signature) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cosign tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO signatures (id, petition_id, signer_id, signed_at, integrity_hash)
		 VALUES (?, ?, ?, ?, ?)`,
		sig.ID, sig.PetitionID, sig.SignerID, fmtTime(sig.SignedAt), sig.IntegrityHash)
	if isSQLiteUnique(err) {
		// Lost the race; release the transaction (and its connection)
		// before looking up the winner's details.
		_ = tx.Rollback()
		existing, ferr := s.FindSignature(ctx, sig.PetitionID, sig.SignerID)
		if ferr != nil {
			return 0, fmt.Errorf("lookup winning signature: %w", ferr)
		}
		return 0, &DuplicateSignatureError{SignatureID: existing.ID, SignedAt: existing.SignedAt}
	}
	if err != nil {
		return 0, fmt.Errorf("insert signature: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE petitions SET support_count = support_count + 1, updated_at = ? WHERE id = ?`,
		fmtTime(sig.SignedAt), sig.PetitionID)
	if err != nil {
		return 0, fmt.Errorf("increment support count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrPetitionNotFound
	}

	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT support_count FROM petitions WHERE id = ?`, sig.PetitionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("read support count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cosign tx: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CountSignatures(ctx context.Context, petitionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signatures WHERE petition_id = ?`, petitionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signatures: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetEscalation(ctx context.Context, petitionID string) (*contracts.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, petition_id, trigger_type, support_count, threshold, triggered_by, created_at
		 FROM escalations WHERE petition_id = ?`, petitionID)

	var rec contracts.EscalationRecord
	var triggeredBy sql.NullString
	var createdAt string
	err := row.Scan(&rec.ID, &rec.PetitionID, (*string)(&rec.Trigger), &rec.Count, &rec.Threshold, &triggeredBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscalationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation: %w", err)
	}
	rec.TriggeredBy = triggeredBy.String
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func (s *SQLiteStore) RecordEscalation(ctx context.Context, rec *contracts.EscalationRecord, evt *contracts.EscalationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin escalation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO escalations (id, petition_id, trigger_type, support_count, threshold, triggered_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PetitionID, string(rec.Trigger), rec.Count, rec.Threshold, rec.TriggeredBy, fmtTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert escalation record: %w", err)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal escalation event: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO escalation_outbox (event_id, payload, status, enqueued_at) VALUES (?, ?, 'PENDING', ?)`,
		evt.EventID, string(payload), fmtTime(evt.OccurredAt))
	if err != nil {
		return fmt.Errorf("enqueue escalation event: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]*contracts.EscalationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM escalation_outbox WHERE status = 'PENDING' ORDER BY enqueued_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*contracts.EscalationEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var evt contracts.EscalationEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("corrupt outbox payload: %w", err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escalation_outbox SET status = 'DELIVERED' WHERE event_id = ?`, eventID)
	return err
}

// isSQLiteUnique reports whether err is a unique or primary-key constraint
// violation from the modernc driver.
func isSQLiteUnique(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPetition(row rowScanner) (*contracts.Petition, error) {
	var p contracts.Petition
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, (*string)(&p.Type), (*string)(&p.State), &p.Title, &p.SupportCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPetitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan petition: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func scanSignature(row rowScanner) (*contracts.Signature, error) {
	var sig contracts.Signature
	var signedAt string
	err := row.Scan(&sig.ID, &sig.PetitionID, &sig.SignerID, &signedAt, &sig.IntegrityHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSignatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan signature: %w", err)
	}
	sig.SignedAt = parseTime(signedAt)
	return &sig, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
