// Package api — HTTP transport for petitiond, with RFC 7807 Problem Detail
// error responses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/civisign/petitiond/pkg/cosign"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Structured context per failure kind.
	RetryAfterSeconds int64      `json:"retry_after_seconds,omitempty"`
	RateLimit         int64      `json:"rate_limit,omitempty"`
	RateLimitCurrent  int64      `json:"rate_limit_current,omitempty"`
	RateLimitResetAt  *time.Time `json:"rate_limit_reset_at,omitempty"`
	SignatureID       string     `json:"signature_id,omitempty"`
	SignedAt          *time.Time `json:"signed_at,omitempty"`
	PetitionState     string     `json:"petition_state,omitempty"`
	SuspensionReason  string     `json:"suspension_reason,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("https://civisign.org/errors/%d", p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	if p.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(p.RetryAfterSeconds, 10))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a generic RFC 7807 response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteFailure maps a pipeline failure to its HTTP representation. Rate-limit
// responses always carry the reset time and remaining budget; silent
// rejection is disallowed.
func WriteFailure(w http.ResponseWriter, r *http.Request, err error) {
	now := time.Now()

	var halted *cosign.SystemHaltedError
	if errors.As(err, &halted) {
		writeProblem(w, r, &ProblemDetail{
			Title:  "System Halted",
			Status: http.StatusServiceUnavailable,
			Detail: halted.Error(),
		})
		return
	}

	var idNotFound *cosign.IdentityNotFoundError
	if errors.As(err, &idNotFound) {
		writeProblem(w, r, &ProblemDetail{
			Title:  "Identity Not Found",
			Status: http.StatusForbidden,
			Detail: idNotFound.Error(),
		})
		return
	}

	var suspended *cosign.IdentitySuspendedError
	if errors.As(err, &suspended) {
		writeProblem(w, r, &ProblemDetail{
			Title:            "Identity Suspended",
			Status:           http.StatusForbidden,
			Detail:           suspended.Error(),
			SuspensionReason: suspended.Reason,
		})
		return
	}

	var idDown *cosign.IdentityUnavailableError
	if errors.As(err, &idDown) {
		writeProblem(w, r, &ProblemDetail{
			Title:             "Identity Service Unavailable",
			Status:            http.StatusServiceUnavailable,
			Detail:            idDown.Error(),
			RetryAfterSeconds: int64(idDown.RetryAfter / time.Second),
		})
		return
	}

	var limited *cosign.RateLimitedError
	if errors.As(err, &limited) {
		reset := limited.ResetAt
		writeProblem(w, r, &ProblemDetail{
			Title:             "Rate Limit Exceeded",
			Status:            http.StatusTooManyRequests,
			Detail:            limited.Error(),
			RetryAfterSeconds: int64(limited.RetryAfter(now)/time.Second) + 1,
			RateLimit:         limited.Limit,
			RateLimitCurrent:  limited.Current,
			RateLimitResetAt:  &reset,
		})
		return
	}

	var notFound *cosign.PetitionNotFoundError
	if errors.As(err, &notFound) {
		writeProblem(w, r, &ProblemDetail{
			Title:  "Petition Not Found",
			Status: http.StatusNotFound,
			Detail: notFound.Error(),
		})
		return
	}

	var fated *cosign.PetitionFatedError
	if errors.As(err, &fated) {
		writeProblem(w, r, &ProblemDetail{
			Title:         "Petition Already Decided",
			Status:        http.StatusConflict,
			Detail:        fated.Error(),
			PetitionState: string(fated.State),
		})
		return
	}

	var signed *cosign.AlreadySignedError
	if errors.As(err, &signed) {
		signedAt := signed.SignedAt
		writeProblem(w, r, &ProblemDetail{
			Title:       "Already Signed",
			Status:      http.StatusConflict,
			Detail:      signed.Error(),
			SignatureID: signed.SignatureID,
			SignedAt:    &signedAt,
		})
		return
	}

	var storeDown *cosign.StoreUnavailableError
	if errors.As(err, &storeDown) {
		writeProblem(w, r, &ProblemDetail{
			Title:             "Storage Unavailable",
			Status:            http.StatusServiceUnavailable,
			Detail:            "the submission outcome is unknown; retrying is safe",
			RetryAfterSeconds: 5,
		})
		return
	}

	WriteError(w, r, http.StatusInternalServerError, "Internal Error", "unexpected failure")
}
