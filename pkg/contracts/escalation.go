package contracts

import "time"

// EscalationTrigger identifies what caused a petition to escalate.
type EscalationTrigger string

const (
	// TriggerThreshold marks an escalation caused by the support counter
	// reaching the petition type's configured threshold.
	TriggerThreshold EscalationTrigger = "THRESHOLD"

	// TriggerManual marks an operator-initiated escalation.
	TriggerManual EscalationTrigger = "MANUAL"
)

// EscalationRecord is the durable evidence that a petition escalated.
// At most one record ever exists per petition; the executor's CAS on the
// petition state guarantees this even under concurrent triggers.
type EscalationRecord struct {
	ID          string            `json:"id"`
	PetitionID  string            `json:"petition_id"`
	Trigger     EscalationTrigger `json:"trigger"`
	Count       int64             `json:"count"`
	Threshold   int64             `json:"threshold"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// EscalationEvent is the outbox payload published when a petition escalates.
// It is enqueued in the same transaction that writes the EscalationRecord so
// downstream consumers see exactly one event per escalation.
type EscalationEvent struct {
	EventID      string            `json:"event_id"`
	EscalationID string            `json:"escalation_id"`
	PetitionID   string            `json:"petition_id"`
	Trigger      EscalationTrigger `json:"trigger"`
	Count        int64             `json:"count"`
	Threshold    int64             `json:"threshold"`
	TriggeredBy  string            `json:"triggered_by,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
