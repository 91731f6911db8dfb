package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/civisign/petitiond/pkg/contracts"
)

// uniqueViolation is the Postgres error class for violated unique constraints.
const uniqueViolation = "23505"

// PostgresStore is the durable server-grade implementation of the petition
// store, ledger, escalation store, and outbox.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an already-open database without running migrations.
// Intended for tests driving the store through sqlmock.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for collaborators sharing the database.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS petitions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		support_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS signatures (
		id TEXT PRIMARY KEY,
		petition_id TEXT NOT NULL,
		signer_id TEXT NOT NULL,
		signed_at TIMESTAMPTZ NOT NULL,
		integrity_hash TEXT NOT NULL,
		UNIQUE (petition_id, signer_id)
	);
	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		petition_id TEXT NOT NULL UNIQUE,
		trigger_type TEXT NOT NULL,
		support_count BIGINT NOT NULL,
		threshold BIGINT NOT NULL,
		triggered_by TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS escalation_outbox (
		event_id TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		enqueued_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPetition(ctx context.Context, id string) (*contracts.Petition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, state, title, support_count, created_at, updated_at FROM petitions WHERE id = $1`, id)

	var p contracts.Petition
	err := row.Scan(&p.ID, (*string)(&p.Type), (*string)(&p.State), &p.Title, &p.SupportCount, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPetitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan petition: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) CreatePetition(ctx context.Context, p *contracts.Petition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO petitions (id, type, state, title, support_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, string(p.Type), string(p.State), p.Title, p.SupportCount, p.CreatedAt, p.UpdatedAt)
	if isPGUnique(err) {
		return ErrPetitionExists
	}
	if err != nil {
		return fmt.Errorf("insert petition: %w", err)
	}
	return nil
}

func (s *PostgresStore) TransitionState(ctx context.Context, id string, expected, next contracts.PetitionState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE petitions SET state = $1, updated_at = NOW() WHERE id = $2 AND state = $3`,
		string(next), id, string(expected))
	if err != nil {
		return fmt.Errorf("transition petition state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.GetPetition(ctx, id); errors.Is(gerr, ErrPetitionNotFound) {
			return ErrPetitionNotFound
		}
		return ErrStateConflict
	}
	return nil
}

func (s *PostgresStore) FindSignature(ctx context.Context, petitionID, signerID string) (*contracts.Signature, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, petition_id, signer_id, signed_at, integrity_hash
		 FROM signatures WHERE petition_id = $1 AND signer_id = $2`, petitionID, signerID)

	var sig contracts.Signature
	err := row.Scan(&sig.ID, &sig.PetitionID, &sig.SignerID, &sig.SignedAt, &sig.IntegrityHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSignatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan signature: %w", err)
	}
	return &sig, nil
}

func (s *PostgresStore) CreateSignature(ctx context.Context, sig *contracts.Signature) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cosign tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO signatures (id, petition_id, signer_id, signed_at, integrity_hash)
		 VALUES ($1, $2, $3, $4, $5)`,
		sig.ID, sig.PetitionID, sig.SignerID, sig.SignedAt, sig.IntegrityHash)
	if isPGUnique(err) {
		existing, ferr := s.FindSignature(ctx, sig.PetitionID, sig.SignerID)
		if ferr != nil {
			return 0, fmt.Errorf("lookup winning signature: %w", ferr)
		}
		return 0, &DuplicateSignatureError{SignatureID: existing.ID, SignedAt: existing.SignedAt}
	}
	if err != nil {
		return 0, fmt.Errorf("insert signature: %w", err)
	}

	var count int64
	err = tx.QueryRowContext(ctx,
		`UPDATE petitions SET support_count = support_count + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING support_count`, sig.PetitionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrPetitionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment support count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cosign tx: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountSignatures(ctx context.Context, petitionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signatures WHERE petition_id = $1`, petitionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signatures: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetEscalation(ctx context.Context, petitionID string) (*contracts.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, petition_id, trigger_type, support_count, threshold, triggered_by, created_at
		 FROM escalations WHERE petition_id = $1`, petitionID)

	var rec contracts.EscalationRecord
	var triggeredBy sql.NullString
	err := row.Scan(&rec.ID, &rec.PetitionID, (*string)(&rec.Trigger), &rec.Count, &rec.Threshold, &triggeredBy, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscalationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation: %w", err)
	}
	rec.TriggeredBy = triggeredBy.String
	return &rec, nil
}

func (s *PostgresStore) RecordEscalation(ctx context.Context, rec *contracts.EscalationRecord, evt *contracts.EscalationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin escalation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO escalations (id, petition_id, trigger_type, support_count, threshold, triggered_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.PetitionID, string(rec.Trigger), rec.Count, rec.Threshold, rec.TriggeredBy, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert escalation record: %w", err)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal escalation event: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO escalation_outbox (event_id, payload, status, enqueued_at) VALUES ($1, $2, 'PENDING', $3)`,
		evt.EventID, payload, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("enqueue escalation event: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]*contracts.EscalationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM escalation_outbox WHERE status = 'PENDING' ORDER BY enqueued_at ASC LIMIT $1`, limit)
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

func (s *PostgresStore) MarkDelivered(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escalation_outbox SET status = 'DELIVERED' WHERE event_id = $1`, eventID)
	return err
}

func isPGUnique(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
