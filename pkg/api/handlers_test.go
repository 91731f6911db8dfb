package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civisign/petitiond/pkg/contracts"
	"github.com/civisign/petitiond/pkg/cosign"
	"github.com/civisign/petitiond/pkg/escalation"
	"github.com/civisign/petitiond/pkg/ratelimit"
	"github.com/civisign/petitiond/pkg/store"
	"github.com/civisign/petitiond/pkg/threshold"
)

type testServer struct {
	handler http.Handler
	service *Service
	store   *store.MemoryStore
	orch    *cosign.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemoryStore()
	limiter := ratelimit.NewMemoryLimiter(3, time.Hour)
	checker, err := threshold.NewChecker(threshold.DefaultTable())
	require.NoError(t, err)
	executor := escalation.NewExecutor(mem, mem, nil)
	orch := cosign.New(mem, mem, limiter, checker, executor, cosign.Options{})
	svc := NewService(orch, mem, nil)

	return &testServer{
		handler: IdempotencyMiddleware(NewMemoryIdempotencyStore(time.Minute), svc.Routes()),
		service: svc,
		store:   mem,
		orch:    orch,
	}
}

func (ts *testServer) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createPetition(t *testing.T, id string, ptype contracts.PetitionType) {
	t.Helper()
	rec := ts.do(http.MethodPost, "/v1/petitions", CreatePetitionRequest{ID: id, Type: string(ptype), Title: "t"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestCreateAndFetchPetition(t *testing.T) {
	ts := newTestServer(t)
	ts.createPetition(t, "pet-1", contracts.PetitionGeneral)

	rec := ts.do(http.MethodGet, "/v1/petitions/pet-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p contracts.Petition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, contracts.PetitionGeneral, p.Type)
	assert.Equal(t, contracts.StateReceived, p.State)

	rec = ts.do(http.MethodGet, "/v1/petitions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePetitionRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/petitions", CreatePetitionRequest{Type: "WISHLIST"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCoSignSuccess(t *testing.T) {
	ts := newTestServer(t)
	ts.createPetition(t, "pet-1", contracts.PetitionGeneral)

	rec := ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result contracts.CoSignResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.SignatureID)
	assert.Equal(t, int64(1), result.SupportCount)
	assert.False(t, result.EscalationTriggered)
}

func TestCoSignValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/petitions/pet-1/cosign", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCoSignAlreadySigned(t *testing.T) {
	ts := newTestServer(t)
	ts.createPetition(t, "pet-1", contracts.PetitionGeneral)

	rec := ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first contracts.CoSignResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "Already Signed", p.Title)
	assert.Equal(t, first.SignatureID, p.SignatureID)
	require.NotNil(t, p.SignedAt)
}

func TestCoSignPetitionNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/petitions/missing/cosign", CoSignRequest{SignerID: "alice"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Petition Not Found", decodeProblem(t, rec).Title)
}

func TestCoSignRateLimited(t *testing.T) {
	ts := newTestServer(t)
	// The test limiter allows 3 per hour.
	for i := 1; i <= 3; i++ {
		ts.createPetition(t, fmt.Sprintf("pet-%d", i), contracts.PetitionGeneral)
		rec := ts.do(http.MethodPost, fmt.Sprintf("/v1/petitions/pet-%d/cosign", i), CoSignRequest{SignerID: "alice"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	ts.createPetition(t, "pet-4", contracts.PetitionGeneral)
	rec := ts.do(http.MethodPost, "/v1/petitions/pet-4/cosign", CoSignRequest{SignerID: "alice"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	p := decodeProblem(t, rec)
	assert.Equal(t, int64(3), p.RateLimit)
	assert.Equal(t, int64(3), p.RateLimitCurrent)
	require.NotNil(t, p.RateLimitResetAt)
	assert.True(t, p.RateLimitResetAt.After(time.Now()))

	// A different signer is unaffected.
	rec = ts.do(http.MethodPost, "/v1/petitions/pet-4/cosign", CoSignRequest{SignerID: "bob"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCoSignHalted(t *testing.T) {
	ts := newTestServer(t)
	ts.createPetition(t, "pet-1", contracts.PetitionGeneral)
	ts.orch.Halt()

	rec := ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "System Halted", decodeProblem(t, rec).Title)

	rec = ts.do(http.MethodGet, "/healthz", nil, nil)
	assert.Contains(t, rec.Body.String(), "halted")
}

func TestCoSignFatedPetition(t *testing.T) {
	ts := newTestServer(t)
	ts.createPetition(t, "pet-1", contracts.PetitionGeneral)
	require.NoError(t, ts.store.TransitionState(t.Context(), "pet-1", contracts.StateReceived, contracts.StateAcknowledged))

	rec := ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "Petition Already Decided", p.Title)
	assert.Equal(t, "ACKNOWLEDGED", p.PetitionState)
}

func TestVerifyCountEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.createPetition(t, "pet-1", contracts.PetitionGeneral)
	rec := ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/petitions/pet-1/count/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v contracts.CountVerification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.IsConsistent)
	assert.Equal(t, int64(1), v.CounterValue)
	assert.Equal(t, int64(1), v.ActualCount)
	assert.Zero(t, v.Discrepancy)
}

func TestIdempotencyReplay(t *testing.T) {
	ts := newTestServer(t)
	ts.createPetition(t, "pet-1", contracts.PetitionGeneral)

	header := http.Header{"Idempotency-Key": []string{"key-1"}}
	rec := ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, header)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Idempotent-Replay"))
	firstBody := rec.Body.String()

	// The retry replays the original 201 instead of a 409.
	rec = ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, header)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, firstBody, rec.Body.String())

	// Without the key, the duplicate is visible.
	rec = ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: "alice"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCoSignEscalatesAtThreshold(t *testing.T) {
	ts := newTestServer(t)
	// A custom limiter-free server would be simpler, but the standard wiring
	// with a high budget exercises the same path the daemon runs.
	mem := store.NewMemoryStore()
	limiter := ratelimit.NewMemoryLimiter(1000, time.Hour)
	checker, err := threshold.NewChecker(map[contracts.PetitionType]int64{contracts.PetitionGrievance: 3})
	require.NoError(t, err)
	orch := cosign.New(mem, mem, limiter, checker, escalation.NewExecutor(mem, mem, nil), cosign.Options{})
	ts.handler = NewService(orch, mem, nil).Routes()
	ts.store = mem

	now := time.Now()
	require.NoError(t, mem.CreatePetition(t.Context(), &contracts.Petition{
		ID: "pet-1", Type: contracts.PetitionGrievance, State: contracts.StateReceived,
		CreatedAt: now, UpdatedAt: now,
	}))

	var last contracts.CoSignResult
	for i := 1; i <= 3; i++ {
		rec := ts.do(http.MethodPost, "/v1/petitions/pet-1/cosign", CoSignRequest{SignerID: fmt.Sprintf("signer-%d", i)}, nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
	}

	assert.True(t, last.ThresholdReached)
	assert.True(t, last.EscalationTriggered)
	assert.NotEmpty(t, last.EscalationID)

	rec := ts.do(http.MethodGet, "/v1/petitions/pet-1", nil, nil)
	var p contracts.Petition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, contracts.StateEscalated, p.State)
}
