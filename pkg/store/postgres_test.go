package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civisign/petitiond/pkg/contracts"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresCreateSignatureSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	signedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO signatures`)).
		WithArgs("sig-1", "pet-1", "alice", signedAt, "sha256:abc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE petitions SET support_count = support_count + 1`)).
		WithArgs("pet-1").
		WillReturnRows(sqlmock.NewRows([]string{"support_count"}).AddRow(int64(42)))
	mock.ExpectCommit()

	count, err := s.CreateSignature(context.Background(), &contracts.Signature{
		ID: "sig-1", PetitionID: "pet-1", SignerID: "alice", SignedAt: signedAt, IntegrityHash: "sha256:abc",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateSignatureUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	signedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO signatures`)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "signatures_petition_id_signer_id_key"})
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, petition_id, signer_id, signed_at, integrity_hash`)).
		WithArgs("pet-1", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "petition_id", "signer_id", "signed_at", "integrity_hash"}).
			AddRow("sig-0", "pet-1", "alice", signedAt, "sha256:orig"))
	mock.ExpectRollback()

	_, err := s.CreateSignature(context.Background(), &contracts.Signature{
		ID: "sig-1", PetitionID: "pet-1", SignerID: "alice", SignedAt: time.Now(),
	})
	var dup *DuplicateSignatureError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "sig-0", dup.SignatureID)
	assert.True(t, dup.SignedAt.Equal(signedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateSignatureOtherErrorNotDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	// A different error class must not be mistaken for a duplicate.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO signatures`)).
		WillReturnError(&pq.Error{Code: "40001"}) // serialization_failure
	mock.ExpectRollback()

	_, err := s.CreateSignature(context.Background(), &contracts.Signature{
		ID: "sig-1", PetitionID: "pet-1", SignerID: "alice", SignedAt: time.Now(),
	})
	require.Error(t, err)
	var dup *DuplicateSignatureError
	assert.False(t, errors.As(err, &dup))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateSignatureMissingPetition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO signatures`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE petitions SET support_count = support_count + 1`)).
		WithArgs("pet-missing").
		WillReturnRows(sqlmock.NewRows([]string{"support_count"}))
	mock.ExpectRollback()

	_, err := s.CreateSignature(context.Background(), &contracts.Signature{
		ID: "sig-1", PetitionID: "pet-missing", SignerID: "alice", SignedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrPetitionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreatePetitionDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO petitions`)).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "petitions_pkey"})

	err := s.CreatePetition(context.Background(), &contracts.Petition{
		ID: "pet-1", Type: contracts.PetitionUrgent, State: contracts.StateReceived,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrPetitionExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionState(t *testing.T) {
	t.Run("wins CAS", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE petitions SET state = $1`)).
			WithArgs("ESCALATED", "pet-1", "RECEIVED").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.TransitionState(context.Background(), "pet-1", contracts.StateReceived, contracts.StateEscalated)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loses CAS", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE petitions SET state = $1`)).
			WithArgs("ESCALATED", "pet-1", "RECEIVED").
			WillReturnResult(sqlmock.NewResult(0, 0))
		// Zero rows triggers a lookup to tell a lost CAS from a missing row.
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, type, state`)).
			WithArgs("pet-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "state", "title", "support_count", "created_at", "updated_at"}).
				AddRow("pet-1", "URGENT", "ESCALATED", "t", int64(100), time.Now(), time.Now()))

		err := s.TransitionState(context.Background(), "pet-1", contracts.StateReceived, contracts.StateEscalated)
		assert.ErrorIs(t, err, ErrStateConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing petition", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE petitions SET state = $1`)).
			WithArgs("ESCALATED", "nope", "RECEIVED").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, type, state`)).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"id", "type", "state", "title", "support_count", "created_at", "updated_at"}))

		err := s.TransitionState(context.Background(), "nope", contracts.StateReceived, contracts.StateEscalated)
		assert.ErrorIs(t, err, ErrPetitionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRecordEscalationRollsBackOnOutboxFailure(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO escalations`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO escalation_outbox`)).
		WillReturnError(&pq.Error{Code: "53100"}) // disk_full
	mock.ExpectRollback()

	err := s.RecordEscalation(context.Background(),
		&contracts.EscalationRecord{ID: "esc-1", PetitionID: "pet-1", Trigger: contracts.TriggerThreshold, CreatedAt: now},
		&contracts.EscalationEvent{EventID: "evt-1", OccurredAt: now})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
