package contracts

import "time"

// CoSignResult is the full outcome of a successful co-sign submission.
// Escalation fields are best-effort: a persisted co-sign is reported as
// success even when the escalation step failed (EscalationTriggered=false).
type CoSignResult struct {
	SignatureID   string    `json:"signature_id"`
	PetitionID    string    `json:"petition_id"`
	SignerID      string    `json:"signer_id"`
	SignedAt      time.Time `json:"signed_at"`
	IntegrityHash string    `json:"integrity_hash"`

	SupportCount int64        `json:"support_count"`
	PetitionType PetitionType `json:"petition_type"`

	IdentityVerified bool `json:"identity_verified"`

	RateLimitRemaining int64     `json:"rate_limit_remaining"`
	RateLimitResetAt   time.Time `json:"rate_limit_reset_at"`

	ThresholdReached bool  `json:"threshold_reached"`
	ThresholdValue   int64 `json:"threshold_value,omitempty"`

	EscalationTriggered bool   `json:"escalation_triggered"`
	EscalationID        string `json:"escalation_id,omitempty"`
	AlreadyEscalated    bool   `json:"already_escalated,omitempty"`
}

// CountVerification is the outcome of an out-of-band consistency check
// comparing the petition's fast counter against a full signature recount.
// It only reports; it never corrects.
type CountVerification struct {
	PetitionID   string `json:"petition_id"`
	CounterValue int64  `json:"counter_value"`
	ActualCount  int64  `json:"actual_count"`
	IsConsistent bool   `json:"is_consistent"`
	Discrepancy  int64  `json:"discrepancy"`
}
