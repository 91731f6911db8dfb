// Package identity resolves signer identifiers against an external identity
// provider. Only the verification boundary lives here; provider internals
// are out of scope.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Status is the identity provider's verdict on a signer.
type Status string

const (
	StatusValid       Status = "VALID"
	StatusNotFound    Status = "NOT_FOUND"
	StatusSuspended   Status = "SUSPENDED"
	StatusUnavailable Status = "SERVICE_UNAVAILABLE"
)

// Verification carries the status plus whatever context the caller needs to
// build a precise response: a suspension reason, or a retry hint when the
// provider is unreachable.
type Verification struct {
	Status     Status
	Reason     string
	RetryAfter time.Duration
}

// Verifier is the contract the co-sign pipeline depends on.
type Verifier interface {
	Verify(ctx context.Context, signerID string) (Verification, error)
}

// defaultRetryAfter is the hint returned when the provider gives none.
const defaultRetryAfter = 30 * time.Second

// HTTPVerifier calls a JSON identity endpoint with a bounded timeout.
// Timeouts and 5xx responses map to SERVICE_UNAVAILABLE rather than an
// error: the pipeline treats provider unreachability as a business outcome
// with a retry hint, not an internal failure.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

// NewHTTPVerifier points at an identity service base URL. The request
// timeout defaults to 5 seconds when zero.
func NewHTTPVerifier(baseURL string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPVerifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type verifyResponse struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, signerID string) (Verification, error) {
	endpoint := fmt.Sprintf("%s/v1/identities/%s/verify", v.baseURL, url.PathEscape(signerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verification{}, fmt.Errorf("build verify request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		// Context cancellation belongs to the caller; everything else is
		// the provider being unreachable.
		if errors.Is(err, context.Canceled) {
			return Verification{}, err
		}
		return Verification{Status: StatusUnavailable, RetryAfter: defaultRetryAfter}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Verification{Status: StatusNotFound}, nil
	case resp.StatusCode >= 500:
		ra := defaultRetryAfter
		if secs, err := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); err == nil && secs > 0 {
			ra = secs
		}
		return Verification{Status: StatusUnavailable, RetryAfter: ra}, nil
	case resp.StatusCode != http.StatusOK:
		return Verification{}, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Verification{}, fmt.Errorf("decode verify response: %w", err)
	}
	return Verification{Status: body.Status, Reason: body.Reason}, nil
}

// StaticVerifier is a map-backed test double.
type StaticVerifier struct {
	identities map[string]Verification
}

func NewStaticVerifier(identities map[string]Verification) *StaticVerifier {
	return &StaticVerifier{identities: identities}
}

func (v *StaticVerifier) Verify(_ context.Context, signerID string) (Verification, error) {
	if ver, ok := v.identities[signerID]; ok {
		return ver, nil
	}
	return Verification{Status: StatusNotFound}, nil
}
