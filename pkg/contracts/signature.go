package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Signature is one signer's durable co-sign of one petition.
// The (PetitionID, SignerID) pair is unique system-wide; the ledger enforces
// this with a storage-level unique constraint, not application logic.
// Signatures are created once and never mutated or deleted.
type Signature struct {
	ID            string    `json:"id"`
	PetitionID    string    `json:"petition_id"`
	SignerID      string    `json:"signer_id"`
	SignedAt      time.Time `json:"signed_at"`
	IntegrityHash string    `json:"integrity_hash"`
}

// SignatureHash computes the integrity hash over the signature's identifying
// tuple. The timestamp is normalized to UTC RFC3339Nano so the hash is stable
// across round-trips through stores with differing time precision.
func SignatureHash(petitionID, signerID string, signedAt time.Time) string {
	payload := fmt.Sprintf("%s|%s|%s", petitionID, signerID, signedAt.UTC().Format(time.RFC3339Nano))
	h := sha256.Sum256([]byte(payload))
	return "sha256:" + hex.EncodeToString(h[:])
}
