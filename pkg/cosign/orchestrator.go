// Package cosign sequences one co-sign request through verification,
// admission control, atomic persistence, and conditional escalation.
//
// The orchestrator holds no persistent state of its own; it is a pure
// sequencer over the petition store, the signature ledger, and the rate-limit
// window. Its ordering contract:
//
//	halted check → identity → rate-limit check → petition lookup →
//	duplicate pre-check → atomic insert+increment → rate-limit record →
//	threshold check → conditional escalation
//
// A rejected identity never consumes rate-limit budget, a rate-limited signer
// never reaches the ledger, and a persisted co-sign succeeds regardless of
// what happens to escalation.
package cosign

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/civisign/petitiond/pkg/contracts"
	"github.com/civisign/petitiond/pkg/escalation"
	"github.com/civisign/petitiond/pkg/identity"
	"github.com/civisign/petitiond/pkg/observability"
	"github.com/civisign/petitiond/pkg/ratelimit"
	"github.com/civisign/petitiond/pkg/store"
	"github.com/civisign/petitiond/pkg/threshold"
)

// Escalator is the slice of the escalation executor the pipeline uses.
type Escalator interface {
	Execute(ctx context.Context, petitionID string, trigger contracts.EscalationTrigger, count, threshold int64, triggeredBy string) (escalation.Outcome, error)
}

// Orchestrator implements the co-sign pipeline. Construct with New and the
// explicit collaborator set; there is no global wiring.
type Orchestrator struct {
	verifier  identity.Verifier // nil means backward-compatible unverified mode
	limiter   ratelimit.Limiter
	petitions store.PetitionStore
	ledger    store.Ledger
	escalator Escalator
	checker   *threshold.Checker

	halted atomic.Bool
	clock  func() time.Time
	logger *slog.Logger
	obs    *observability.Provider
}

// Options carries the optional collaborators.
type Options struct {
	Verifier identity.Verifier
	Logger   *slog.Logger
	Obs      *observability.Provider
	Clock    func() time.Time
}

func New(petitions store.PetitionStore, ledger store.Ledger, limiter ratelimit.Limiter, checker *threshold.Checker, escalator Escalator, opts Options) *Orchestrator {
	o := &Orchestrator{
		verifier:  opts.Verifier,
		limiter:   limiter,
		petitions: petitions,
		ledger:    ledger,
		escalator: escalator,
		checker:   checker,
		clock:     opts.Clock,
		logger:    opts.Logger,
		obs:       opts.Obs,
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Halt puts the pipeline in read-only mode. Submissions fail with
// SystemHaltedError until Resume.
func (o *Orchestrator) Halt()        { o.halted.Store(true) }
func (o *Orchestrator) Resume()      { o.halted.Store(false) }
func (o *Orchestrator) Halted() bool { return o.halted.Load() }

// SubmitCoSign runs the full pipeline for one (petition, signer) pair.
func (o *Orchestrator) SubmitCoSign(ctx context.Context, petitionID, signerID string) (*contracts.CoSignResult, error) {
	start := o.clock()
	ctx, span := o.obs.StartSpan(ctx, "cosign.submit",
		trace.WithAttributes(
			attribute.String("petition.id", petitionID),
			attribute.String("signer.id", signerID),
		))
	defer span.End()

	result, err := o.submit(ctx, petitionID, signerID, start)
	if err != nil {
		span.RecordError(err)
		o.obs.RecordFailure(ctx, failureKind(err))
		return nil, err
	}
	o.obs.RecordSubmission(ctx, string(result.PetitionType), o.clock().Sub(start))
	return result, nil
}

func (o *Orchestrator) submit(ctx context.Context, petitionID, signerID string, start time.Time) (*contracts.CoSignResult, error) {
	// Step 1: liveness. No side effects past this point until the ledger
	// write.
	if o.halted.Load() {
		return nil, &SystemHaltedError{}
	}

	// Step 2: identity. A missing verifier is the legacy unverified mode.
	identityVerified := false
	if o.verifier != nil {
		ver, err := o.verifier.Verify(ctx, signerID)
		if err != nil {
			return nil, err
		}
		switch ver.Status {
		case identity.StatusValid:
			identityVerified = true
		case identity.StatusNotFound:
			return nil, &IdentityNotFoundError{SignerID: signerID}
		case identity.StatusSuspended:
			return nil, &IdentitySuspendedError{SignerID: signerID, Reason: ver.Reason}
		case identity.StatusUnavailable:
			return nil, &IdentityUnavailableError{RetryAfter: ver.RetryAfter}
		default:
			return nil, &IdentityUnavailableError{RetryAfter: ver.RetryAfter}
		}
	}

	// Step 3: admission. Strictly after identity so a rejected identity
	// never consumes budget, strictly before the ledger so a limited signer
	// never reaches persistence.
	decision, err := o.limiter.Check(ctx, signerID)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "rate limit check", Err: err}
	}
	if !decision.Allowed {
		return nil, &RateLimitedError{
			SignerID: signerID,
			Current:  decision.Current,
			Limit:    decision.Limit,
			ResetAt:  decision.ResetAt,
		}
	}

	// Step 4: petition lookup.
	petition, err := o.petitions.GetPetition(ctx, petitionID)
	if errors.Is(err, store.ErrPetitionNotFound) {
		return nil, &PetitionNotFoundError{PetitionID: petitionID}
	}
	if err != nil {
		return nil, &StoreUnavailableError{Op: "petition lookup", Err: err}
	}
	if !petition.State.AcceptsSignatures() {
		return nil, &PetitionFatedError{PetitionID: petitionID, State: petition.State}
	}

	// Step 5: optimistic duplicate pre-check. A fast path for a better
	// error; the ledger's unique constraint is the authority. Lookup errors
	// are ignored here so a flaky read cannot block a valid submission.
	if existing, err := o.ledger.FindSignature(ctx, petitionID, signerID); err == nil {
		return nil, &AlreadySignedError{
			PetitionID:  petitionID,
			SignerID:    signerID,
			SignatureID: existing.ID,
			SignedAt:    existing.SignedAt,
		}
	}

	// Step 6: atomic persistence. Insert and counter increment commit
	// together or not at all.
	signedAt := o.clock()
	sig := &contracts.Signature{
		ID:            uuid.New().String(),
		PetitionID:    petitionID,
		SignerID:      signerID,
		SignedAt:      signedAt,
		IntegrityHash: contracts.SignatureHash(petitionID, signerID, signedAt),
	}
	newCount, err := o.ledger.CreateSignature(ctx, sig)
	if err != nil {
		var dup *store.DuplicateSignatureError
		if errors.As(err, &dup) {
			// Race lost against the pre-check's optimism. Same failure as
			// step 5; nothing was applied.
			return nil, &AlreadySignedError{
				PetitionID:  petitionID,
				SignerID:    signerID,
				SignatureID: dup.SignatureID,
				SignedAt:    dup.SignedAt,
			}
		}
		if errors.Is(err, store.ErrPetitionNotFound) {
			return nil, &PetitionNotFoundError{PetitionID: petitionID}
		}
		return nil, &StoreUnavailableError{Op: "signature create", Err: err}
	}

	// Step 7: consume budget, only now that the co-sign is durable.
	if err := o.limiter.Record(ctx, signerID); err != nil {
		// The signature is committed; a lost budget unit is the cheaper
		// inconsistency.
		o.logger.ErrorContext(ctx, "rate limit recording failed",
			"signer_id", signerID, "error", err)
	}
	remaining := decision.Remaining - 1
	if remaining < 0 {
		remaining = 0
	}

	// Step 8: threshold check, pure.
	th := o.checker.Check(petition.Type, newCount)

	result := &contracts.CoSignResult{
		SignatureID:        sig.ID,
		PetitionID:         petitionID,
		SignerID:           signerID,
		SignedAt:           signedAt,
		IntegrityHash:      sig.IntegrityHash,
		SupportCount:       newCount,
		PetitionType:       petition.Type,
		IdentityVerified:   identityVerified,
		RateLimitRemaining: remaining,
		RateLimitResetAt:   decision.ResetAt,
		ThresholdReached:   th.Reached,
		ThresholdValue:     th.Value,
	}

	// Step 9: conditional escalation. Never fails the submission.
	if th.Reached && o.escalator != nil {
		outcome, err := o.escalator.Execute(ctx, petitionID, contracts.TriggerThreshold, newCount, th.Value, signerID)
		if err != nil {
			o.logger.ErrorContext(ctx, "escalation failed after successful co-sign",
				"petition_id", petitionID,
				"count", newCount,
				"threshold", th.Value,
				"error", err)
		} else {
			result.EscalationTriggered = outcome.Triggered
			result.EscalationID = outcome.EscalationID
			result.AlreadyEscalated = outcome.AlreadyEscalated
			if outcome.Triggered {
				o.obs.RecordEscalation(ctx, string(petition.Type))
			}
		}
	}

	return result, nil
}

// VerifyCount compares the petition's fast counter against a full recount of
// its signatures. It reports discrepancies and never corrects them.
func (o *Orchestrator) VerifyCount(ctx context.Context, petitionID string) (*contracts.CountVerification, error) {
	petition, err := o.petitions.GetPetition(ctx, petitionID)
	if errors.Is(err, store.ErrPetitionNotFound) {
		return nil, &PetitionNotFoundError{PetitionID: petitionID}
	}
	if err != nil {
		return nil, &StoreUnavailableError{Op: "petition lookup", Err: err}
	}

	actual, err := o.ledger.CountSignatures(ctx, petitionID)
	if err != nil {
		return nil, &StoreUnavailableError{Op: "signature recount", Err: err}
	}

	return &contracts.CountVerification{
		PetitionID:   petitionID,
		CounterValue: petition.SupportCount,
		ActualCount:  actual,
		IsConsistent: petition.SupportCount == actual,
		Discrepancy:  petition.SupportCount - actual,
	}, nil
}

// failureKind labels a pipeline failure for metrics.
func failureKind(err error) string {
	switch {
	case isType[*SystemHaltedError](err):
		return "system_halted"
	case isType[*IdentityNotFoundError](err):
		return "identity_not_found"
	case isType[*IdentitySuspendedError](err):
		return "identity_suspended"
	case isType[*IdentityUnavailableError](err):
		return "identity_unavailable"
	case isType[*RateLimitedError](err):
		return "rate_limited"
	case isType[*PetitionNotFoundError](err):
		return "petition_not_found"
	case isType[*PetitionFatedError](err):
		return "petition_fated"
	case isType[*AlreadySignedError](err):
		return "already_signed"
	case isType[*StoreUnavailableError](err):
		return "store_unavailable"
	default:
		return "internal"
	}
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
