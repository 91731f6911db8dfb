package cosign

import (
	"fmt"
	"time"

	"github.com/civisign/petitiond/pkg/contracts"
)

// Each failure kind the pipeline can surface is a distinct type carrying the
// structured context a caller needs for a precise, attributable response.
// Callers discriminate with errors.As; none of these wrap another failure.

// SystemHaltedError is returned while the system is in read-only mode.
type SystemHaltedError struct{}

func (e *SystemHaltedError) Error() string {
	return "system is halted, co-signing is disabled"
}

// IdentityNotFoundError means the signer id is unknown to the identity
// provider.
type IdentityNotFoundError struct {
	SignerID string
}

func (e *IdentityNotFoundError) Error() string {
	return fmt.Sprintf("identity %s not found", e.SignerID)
}

// IdentitySuspendedError means the signer exists but may not sign.
type IdentitySuspendedError struct {
	SignerID string
	Reason   string
}

func (e *IdentitySuspendedError) Error() string {
	return fmt.Sprintf("identity %s is suspended: %s", e.SignerID, e.Reason)
}

// IdentityUnavailableError means the identity provider could not be reached
// in time. RetryAfter is a hint, not a promise.
type IdentityUnavailableError struct {
	RetryAfter time.Duration
}

func (e *IdentityUnavailableError) Error() string {
	return fmt.Sprintf("identity service unavailable, retry after %s", e.RetryAfter)
}

// RateLimitedError means the signer exhausted the sliding-window budget.
// ResetAt is always populated so callers can back off correctly.
type RateLimitedError struct {
	SignerID string
	Current  int64
	Limit    int64
	ResetAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("signer %s rate limited (%d/%d), resets at %s",
		e.SignerID, e.Current, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// RetryAfter is the remaining wait, clamped at zero.
func (e *RateLimitedError) RetryAfter(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// PetitionNotFoundError means the petition id does not exist.
type PetitionNotFoundError struct {
	PetitionID string
}

func (e *PetitionNotFoundError) Error() string {
	return fmt.Sprintf("petition %s not found", e.PetitionID)
}

// PetitionFatedError means the petition already reached a terminal state.
type PetitionFatedError struct {
	PetitionID string
	State      contracts.PetitionState
}

func (e *PetitionFatedError) Error() string {
	return fmt.Sprintf("petition %s is already %s", e.PetitionID, e.State)
}

// AlreadySignedError means this signer already co-signed this petition. It
// carries the winning signature whether the duplicate was caught by the
// optimistic pre-check or by the ledger's unique constraint.
type AlreadySignedError struct {
	PetitionID  string
	SignerID    string
	SignatureID string
	SignedAt    time.Time
}

func (e *AlreadySignedError) Error() string {
	return fmt.Sprintf("signer %s already signed petition %s at %s",
		e.SignerID, e.PetitionID, e.SignedAt.Format(time.RFC3339))
}

// StoreUnavailableError wraps a ledger or petition-store failure whose
// outcome is genuinely unknown. Retrying is safe: the ledger's uniqueness
// constraint makes a replay idempotent.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
