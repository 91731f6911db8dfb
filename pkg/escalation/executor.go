// Package escalation moves a petition into the ESCALATED state exactly once.
//
// The executor is idempotent under concurrent and repeated invocation: the
// state transition is a compare-and-swap on the petition store, and a lost
// CAS is reported as "already escalated", never as an error. The escalation
// record and its outbox event are written in one transaction after the CAS
// wins, so at most one record and one event ever exist per petition.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/civisign/petitiond/pkg/contracts"
	"github.com/civisign/petitiond/pkg/store"
)

// Outcome reports what one Execute call did.
type Outcome struct {
	Triggered        bool
	AlreadyEscalated bool
	EscalationID     string
}

// Executor performs the one-time escalation transition.
type Executor struct {
	petitions   store.PetitionStore
	escalations store.EscalationStore
	clock       func() time.Time
	logger      *slog.Logger
}

func NewExecutor(petitions store.PetitionStore, escalations store.EscalationStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		petitions:   petitions,
		escalations: escalations,
		clock:       time.Now,
		logger:      logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// Execute escalates the petition if it is still RECEIVED. Repeated triggers
// (the 101st signer after the 100th already escalated) return
// AlreadyEscalated=true without side effects.
func (e *Executor) Execute(ctx context.Context, petitionID string, trigger contracts.EscalationTrigger, count, threshold int64, triggeredBy string) (Outcome, error) {
	p, err := e.petitions.GetPetition(ctx, petitionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load petition %s: %w", petitionID, err)
	}
	if p.State == contracts.StateEscalated {
		return Outcome{AlreadyEscalated: true}, nil
	}
	if p.State.IsTerminal() {
		return Outcome{}, fmt.Errorf("petition %s is %s, cannot escalate", petitionID, p.State)
	}

	err = e.petitions.TransitionState(ctx, petitionID, contracts.StateReceived, contracts.StateEscalated)
	if errors.Is(err, store.ErrStateConflict) {
		// A concurrent caller won the CAS. Idempotent, not an error.
		return Outcome{AlreadyEscalated: true}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("escalate petition %s: %w", petitionID, err)
	}

	now := e.clock()
	rec := &contracts.EscalationRecord{
		ID:          uuid.New().String(),
		PetitionID:  petitionID,
		Trigger:     trigger,
		Count:       count,
		Threshold:   threshold,
		TriggeredBy: triggeredBy,
		CreatedAt:   now,
	}
	evt := &contracts.EscalationEvent{
		EventID:      uuid.New().String(),
		EscalationID: rec.ID,
		PetitionID:   petitionID,
		Trigger:      trigger,
		Count:        count,
		Threshold:    threshold,
		TriggeredBy:  triggeredBy,
		OccurredAt:   now,
	}
	if err := e.escalations.RecordEscalation(ctx, rec, evt); err != nil {
		// The state transition already committed; the petition stays
		// escalated and the record write is the part that failed.
		return Outcome{}, fmt.Errorf("record escalation for %s: %w", petitionID, err)
	}

	e.logger.Info("petition escalated",
		"petition_id", petitionID,
		"escalation_id", rec.ID,
		"trigger", string(trigger),
		"count", count,
		"threshold", threshold)

	return Outcome{Triggered: true, EscalationID: rec.ID}, nil
}

// AlreadyEscalated checks the authoritative store, not a local cache.
func (e *Executor) AlreadyEscalated(ctx context.Context, petitionID string) (bool, error) {
	p, err := e.petitions.GetPetition(ctx, petitionID)
	if err != nil {
		return false, err
	}
	return p.State == contracts.StateEscalated, nil
}
