package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civisign/petitiond/pkg/contracts"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPetition(id string) *contracts.Petition {
	now := time.Now()
	return &contracts.Petition{
		ID:        id,
		Type:      contracts.PetitionUrgent,
		State:     contracts.StateReceived,
		Title:     "test petition",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPetitionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePetition(ctx, testPetition("pet-1")))

	p, err := s.GetPetition(ctx, "pet-1")
	require.NoError(t, err)
	assert.Equal(t, "pet-1", p.ID)
	assert.Equal(t, contracts.PetitionUrgent, p.Type)
	assert.Equal(t, contracts.StateReceived, p.State)
	assert.Zero(t, p.SupportCount)

	_, err = s.GetPetition(ctx, "missing")
	assert.ErrorIs(t, err, ErrPetitionNotFound)

	err = s.CreatePetition(ctx, testPetition("pet-1"))
	assert.ErrorIs(t, err, ErrPetitionExists)
}

func TestCreateSignatureAtomicIncrement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePetition(ctx, testPetition("pet-1")))

	for i := 1; i <= 5; i++ {
		signedAt := time.Now()
		count, err := s.CreateSignature(ctx, &contracts.Signature{
			ID:            fmt.Sprintf("sig-%d", i),
			PetitionID:    "pet-1",
			SignerID:      fmt.Sprintf("signer-%d", i),
			SignedAt:      signedAt,
			IntegrityHash: contracts.SignatureHash("pet-1", fmt.Sprintf("signer-%d", i), signedAt),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), count)
	}

	// Counter equals the recount.
	p, err := s.GetPetition(ctx, "pet-1")
	require.NoError(t, err)
	actual, err := s.CountSignatures(ctx, "pet-1")
	require.NoError(t, err)
	assert.Equal(t, p.SupportCount, actual)
	assert.Equal(t, int64(5), actual)
}

func TestCreateSignatureDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePetition(ctx, testPetition("pet-1")))

	signedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := s.CreateSignature(ctx, &contracts.Signature{
		ID: "sig-1", PetitionID: "pet-1", SignerID: "alice", SignedAt: signedAt,
		IntegrityHash: contracts.SignatureHash("pet-1", "alice", signedAt),
	})
	require.NoError(t, err)

	_, err = s.CreateSignature(ctx, &contracts.Signature{
		ID: "sig-2", PetitionID: "pet-1", SignerID: "alice", SignedAt: time.Now(),
	})
	var dup *DuplicateSignatureError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "sig-1", dup.SignatureID)
	assert.True(t, dup.SignedAt.Equal(signedAt))

	// The failed insert must not have bumped the counter.
	p, err := s.GetPetition(ctx, "pet-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.SupportCount)

	// Same signer on another petition is fine.
	require.NoError(t, s.CreatePetition(ctx, testPetition("pet-2")))
	_, err = s.CreateSignature(ctx, &contracts.Signature{
		ID: "sig-3", PetitionID: "pet-2", SignerID: "alice", SignedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestCreateSignatureMissingPetition(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSignature(context.Background(), &contracts.Signature{
		ID: "sig-1", PetitionID: "nope", SignerID: "alice", SignedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrPetitionNotFound)
}

func TestFindSignature(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePetition(ctx, testPetition("pet-1")))

	_, err := s.FindSignature(ctx, "pet-1", "alice")
	assert.ErrorIs(t, err, ErrSignatureNotFound)

	signedAt := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	hash := contracts.SignatureHash("pet-1", "alice", signedAt)
	_, err = s.CreateSignature(ctx, &contracts.Signature{
		ID: "sig-1", PetitionID: "pet-1", SignerID: "alice", SignedAt: signedAt, IntegrityHash: hash,
	})
	require.NoError(t, err)

	sig, err := s.FindSignature(ctx, "pet-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig.ID)
	assert.True(t, sig.SignedAt.Equal(signedAt))
	// The hash must survive the storage round-trip.
	assert.Equal(t, hash, contracts.SignatureHash(sig.PetitionID, sig.SignerID, sig.SignedAt))
}

func TestTransitionStateCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePetition(ctx, testPetition("pet-1")))

	require.NoError(t, s.TransitionState(ctx, "pet-1", contracts.StateReceived, contracts.StateEscalated))

	p, err := s.GetPetition(ctx, "pet-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateEscalated, p.State)

	// A second CAS from RECEIVED loses.
	err = s.TransitionState(ctx, "pet-1", contracts.StateReceived, contracts.StateEscalated)
	assert.ErrorIs(t, err, ErrStateConflict)

	err = s.TransitionState(ctx, "missing", contracts.StateReceived, contracts.StateEscalated)
	assert.ErrorIs(t, err, ErrPetitionNotFound)
}

func TestEscalationRecordAndOutbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePetition(ctx, testPetition("pet-1")))

	_, err := s.GetEscalation(ctx, "pet-1")
	assert.ErrorIs(t, err, ErrEscalationNotFound)

	now := time.Now()
	rec := &contracts.EscalationRecord{
		ID: "esc-1", PetitionID: "pet-1", Trigger: contracts.TriggerThreshold,
		Count: 100, Threshold: 100, TriggeredBy: "alice", CreatedAt: now,
	}
	evt := &contracts.EscalationEvent{
		EventID: "evt-1", EscalationID: "esc-1", PetitionID: "pet-1",
		Trigger: contracts.TriggerThreshold, Count: 100, Threshold: 100, OccurredAt: now,
	}
	require.NoError(t, s.RecordEscalation(ctx, rec, evt))

	got, err := s.GetEscalation(ctx, "pet-1")
	require.NoError(t, err)
	assert.Equal(t, "esc-1", got.ID)
	assert.Equal(t, "alice", got.TriggeredBy)

	events, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].EventID)
	assert.Equal(t, int64(100), events[0].Count)

	require.NoError(t, s.MarkDelivered(ctx, "evt-1"))
	events, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// A second record for the same petition violates the unique constraint.
	err = s.RecordEscalation(ctx, &contracts.EscalationRecord{
		ID: "esc-2", PetitionID: "pet-1", Trigger: contracts.TriggerThreshold, CreatedAt: now,
	}, &contracts.EscalationEvent{EventID: "evt-2", OccurredAt: now})
	require.Error(t, err)

	// And its event must not have leaked into the outbox.
	events, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDuplicateSignatureErrorMessage(t *testing.T) {
	err := &DuplicateSignatureError{SignatureID: "sig-1", SignedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	assert.Contains(t, err.Error(), "sig-1")

	var target *DuplicateSignatureError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &target))
}
