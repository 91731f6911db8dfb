// Package contracts defines the core domain types shared across petitiond:
// petitions, signatures, escalation records, and the co-sign result shape.
//
// Values in this package are treated as immutable once constructed. Stores
// return copies, never shared pointers into internal state.
package contracts

import "time"

// PetitionType classifies a petition and determines its escalation threshold.
type PetitionType string

const (
	PetitionUrgent        PetitionType = "URGENT"
	PetitionGrievance     PetitionType = "GRIEVANCE"
	PetitionGeneral       PetitionType = "GENERAL"
	PetitionCollaborative PetitionType = "COLLABORATIVE"
)

// Valid reports whether t is one of the known petition types.
func (t PetitionType) Valid() bool {
	switch t {
	case PetitionUrgent, PetitionGrievance, PetitionGeneral, PetitionCollaborative:
		return true
	}
	return false
}

// PetitionState is the lifecycle state of a petition.
// RECEIVED is the only non-terminal state; every transition out of it is final.
type PetitionState string

const (
	StateReceived     PetitionState = "RECEIVED"
	StateEscalated    PetitionState = "ESCALATED"
	StateAcknowledged PetitionState = "ACKNOWLEDGED"
	StateReferred     PetitionState = "REFERRED"
)

// IsTerminal reports whether s admits no further state transitions.
func (s PetitionState) IsTerminal() bool {
	return s != StateReceived
}

// AcceptsSignatures reports whether co-signing is still open. ESCALATED is
// terminal for transitions but remains open for signatures: support keeps
// accumulating after a petition has been surfaced for attention.
func (s PetitionState) AcceptsSignatures() bool {
	return s == StateReceived || s == StateEscalated
}

// Petition is the aggregate the co-sign pipeline reads and conditionally
// transitions. The support counter is monotonically non-decreasing while the
// petition is RECEIVED and is only ever mutated through the ledger's atomic
// insert-and-increment primitive.
type Petition struct {
	ID           string        `json:"id"`
	Type         PetitionType  `json:"type"`
	State        PetitionState `json:"state"`
	Title        string        `json:"title"`
	SupportCount int64         `json:"support_count"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
