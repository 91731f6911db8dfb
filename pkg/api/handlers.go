package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/civisign/petitiond/pkg/contracts"
	"github.com/civisign/petitiond/pkg/cosign"
	"github.com/civisign/petitiond/pkg/store"
)

// Service exposes the co-sign pipeline over HTTP.
type Service struct {
	orchestrator *cosign.Orchestrator
	petitions    store.PetitionStore
	logger       *slog.Logger
}

func NewService(orchestrator *cosign.Orchestrator, petitions store.PetitionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{orchestrator: orchestrator, petitions: petitions, logger: logger}
}

// Routes registers all endpoints on a fresh mux.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/petitions", s.HandleCreatePetition)
	mux.HandleFunc("GET /v1/petitions/{id}", s.HandleGetPetition)
	mux.HandleFunc("POST /v1/petitions/{id}/cosign", s.HandleCoSign)
	mux.HandleFunc("GET /v1/petitions/{id}/count/verify", s.HandleVerifyCount)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	return mux
}

// CoSignRequest is the submission body.
type CoSignRequest struct {
	SignerID string `json:"signer_id"`
}

// HandleCoSign handles POST /v1/petitions/{id}/cosign.
func (s *Service) HandleCoSign(w http.ResponseWriter, r *http.Request) {
	petitionID := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CoSignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}
	if req.SignerID == "" {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "missing required field: signer_id")
		return
	}

	result, err := s.orchestrator.SubmitCoSign(r.Context(), petitionID, req.SignerID)
	if err != nil {
		WriteFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(result)
}

// HandleVerifyCount handles GET /v1/petitions/{id}/count/verify.
func (s *Service) HandleVerifyCount(w http.ResponseWriter, r *http.Request) {
	verification, err := s.orchestrator.VerifyCount(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verification)
}

// CreatePetitionRequest is the petition creation body.
type CreatePetitionRequest struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// HandleCreatePetition handles POST /v1/petitions.
func (s *Service) HandleCreatePetition(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreatePetitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}

	ptype := contracts.PetitionType(req.Type)
	if !ptype.Valid() {
		WriteError(w, r, http.StatusBadRequest, "Bad Request", "unknown petition type: "+req.Type)
		return
	}

	now := time.Now()
	petition := &contracts.Petition{
		ID:        req.ID,
		Type:      ptype,
		State:     contracts.StateReceived,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if petition.ID == "" {
		petition.ID = uuid.New().String()
	}

	if err := s.petitions.CreatePetition(r.Context(), petition); err != nil {
		if errors.Is(err, store.ErrPetitionExists) {
			WriteError(w, r, http.StatusConflict, "Conflict", "petition id already exists")
			return
		}
		s.logger.Error("petition create failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, "Internal Error", "could not create petition")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(petition)
}

// HandleGetPetition handles GET /v1/petitions/{id}.
func (s *Service) HandleGetPetition(w http.ResponseWriter, r *http.Request) {
	petition, err := s.petitions.GetPetition(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrPetitionNotFound) {
			WriteError(w, r, http.StatusNotFound, "Petition Not Found", "no petition with that id")
			return
		}
		s.logger.Error("petition fetch failed", "error", err)
		WriteError(w, r, http.StatusInternalServerError, "Internal Error", "could not load petition")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(petition)
}

// HandleHealth handles GET /healthz.
func (s *Service) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.orchestrator.Halted() {
		status = "halted"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
