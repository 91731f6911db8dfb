// Package store defines the persistence contracts the co-sign pipeline
// depends on, plus their SQLite, Postgres, and in-memory implementations.
//
// The pipeline does not care how storage achieves its guarantees; it mandates
// two atomicity contracts:
//
//  1. CreateSignature inserts the signature and increments the petition's
//     support counter as one indivisible operation, visible to concurrent
//     readers either fully or not at all.
//  2. TransitionState uses compare-and-swap semantics keyed on the expected
//     prior state, never a blind overwrite.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civisign/petitiond/pkg/contracts"
)

var (
	// ErrPetitionNotFound is returned when a petition id does not exist.
	ErrPetitionNotFound = errors.New("petition not found")

	// ErrPetitionExists is returned when creating a petition whose id is taken.
	ErrPetitionExists = errors.New("petition already exists")

	// ErrSignatureNotFound is returned by FindSignature on a miss.
	ErrSignatureNotFound = errors.New("signature not found")

	// ErrStateConflict is returned when a CAS transition finds the petition
	// in a state other than the expected one. Callers treat a lost CAS as
	// "someone else already did it", not as a failure.
	ErrStateConflict = errors.New("petition state conflict")

	// ErrEscalationNotFound is returned when no escalation record exists.
	ErrEscalationNotFound = errors.New("escalation record not found")
)

// DuplicateSignatureError reports a violated (petition, signer) uniqueness
// constraint. It carries the winning signature's identity so callers can
// build a precise already-signed response without a second lookup.
type DuplicateSignatureError struct {
	SignatureID string
	SignedAt    time.Time
}

func (e *DuplicateSignatureError) Error() string {
	return fmt.Sprintf("signature already exists (id=%s, signed at %s)", e.SignatureID, e.SignedAt.Format(time.RFC3339))
}

// PetitionStore owns petition rows and their lifecycle state.
type PetitionStore interface {
	GetPetition(ctx context.Context, id string) (*contracts.Petition, error)
	CreatePetition(ctx context.Context, p *contracts.Petition) error

	// TransitionState atomically moves the petition from the expected state
	// to the new state. Returns ErrStateConflict if the current state does
	// not match expected, ErrPetitionNotFound if the id is unknown.
	TransitionState(ctx context.Context, id string, expected, next contracts.PetitionState) error
}

// Ledger owns the signature set and the atomic insert-and-increment primitive.
type Ledger interface {
	// FindSignature looks up an existing signature for the pair. Misses
	// return ErrSignatureNotFound.
	FindSignature(ctx context.Context, petitionID, signerID string) (*contracts.Signature, error)

	// CreateSignature inserts sig and increments the petition's support
	// counter in one transaction, returning the counter's new value.
	// A uniqueness violation returns *DuplicateSignatureError carrying the
	// existing signature's id and timestamp.
	CreateSignature(ctx context.Context, sig *contracts.Signature) (int64, error)

	// CountSignatures performs a full recount for one petition.
	CountSignatures(ctx context.Context, petitionID string) (int64, error)
}

// EscalationStore owns escalation records and their outbox events.
type EscalationStore interface {
	// GetEscalation returns the escalation record for a petition, or
	// ErrEscalationNotFound.
	GetEscalation(ctx context.Context, petitionID string) (*contracts.EscalationRecord, error)

	// RecordEscalation persists the record and enqueues its outbox event in
	// one transaction.
	RecordEscalation(ctx context.Context, rec *contracts.EscalationRecord, evt *contracts.EscalationEvent) error
}

// OutboxStore drains escalation events to downstream consumers.
type OutboxStore interface {
	PendingEvents(ctx context.Context, limit int) ([]*contracts.EscalationEvent, error)
	MarkDelivered(ctx context.Context, eventID string) error
}
