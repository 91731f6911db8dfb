package store

import (
	"context"
	"sync"

	"github.com/civisign/petitiond/pkg/contracts"
)

// MemoryStore is an in-process implementation of all four store contracts.
// It mirrors the SQL stores' semantics (uniqueness, CAS, atomic increment)
// under a single mutex, which makes it safe for concurrent test workloads.
type MemoryStore struct {
	mu         sync.Mutex
	petitions  map[string]contracts.Petition
	signatures map[string]contracts.Signature // keyed petitionID+"\x00"+signerID
	escalation map[string]contracts.EscalationRecord
	outbox     []outboxEntry
}

type outboxEntry struct {
	event     contracts.EscalationEvent
	delivered bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		petitions:  make(map[string]contracts.Petition),
		signatures: make(map[string]contracts.Signature),
		escalation: make(map[string]contracts.EscalationRecord),
	}
}

func sigKey(petitionID, signerID string) string {
	return petitionID + "\x00" + signerID
}

func (s *MemoryStore) GetPetition(_ context.Context, id string) (*contracts.Petition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.petitions[id]
	if !ok {
		return nil, ErrPetitionNotFound
	}
	return &p, nil
}

func (s *MemoryStore) CreatePetition(_ context.Context, p *contracts.Petition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.petitions[p.ID]; ok {
		return ErrPetitionExists
	}
	s.petitions[p.ID] = *p
	return nil
}

func (s *MemoryStore) TransitionState(_ context.Context, id string, expected, next contracts.PetitionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.petitions[id]
	if !ok {
		return ErrPetitionNotFound
	}
	if p.State != expected {
		return ErrStateConflict
	}
	p.State = next
	s.petitions[id] = p
	return nil
}

func (s *MemoryStore) FindSignature(_ context.Context, petitionID, signerID string) (*contracts.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signatures[sigKey(petitionID, signerID)]
	if !ok {
		return nil, ErrSignatureNotFound
	}
	return &sig, nil
}

func (s *MemoryStore) CreateSignature(_ context.Context, sig *contracts.Signature) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sigKey(sig.PetitionID, sig.SignerID)
	if existing, ok := s.signatures[key]; ok {
		return 0, &DuplicateSignatureError{SignatureID: existing.ID, SignedAt: existing.SignedAt}
	}
	p, ok := s.petitions[sig.PetitionID]
	if !ok {
		return 0, ErrPetitionNotFound
	}

	s.signatures[key] = *sig
	p.SupportCount++
	p.UpdatedAt = sig.SignedAt
	s.petitions[sig.PetitionID] = p
	return p.SupportCount, nil
}

func (s *MemoryStore) CountSignatures(_ context.Context, petitionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sig := range s.signatures {
		if sig.PetitionID == petitionID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetEscalation(_ context.Context, petitionID string) (*contracts.EscalationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.escalation[petitionID]
	if !ok {
		return nil, ErrEscalationNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) RecordEscalation(_ context.Context, rec *contracts.EscalationRecord, evt *contracts.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalation[rec.PetitionID] = *rec
	s.outbox = append(s.outbox, outboxEntry{event: *evt})
	return nil
}

func (s *MemoryStore) PendingEvents(_ context.Context, limit int) ([]*contracts.EscalationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []*contracts.EscalationEvent
	for i := range s.outbox {
		if s.outbox[i].delivered {
			continue
		}
		evt := s.outbox[i].event
		events = append(events, &evt)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].event.EventID == eventID {
			s.outbox[i].delivered = true
		}
	}
	return nil
}
