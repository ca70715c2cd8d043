package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the PrevHash of the first event in a chain.
const GenesisHash = "genesis"

// Event is an atomic approved change to live state. Events are append-only:
// once written at a sequence number they are never mutated or reused.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	RequestID string    `json:"request_id"`
	ModType   ModType   `json:"mod_type"`
	Target    string    `json:"target"`
	OldValue  *string   `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value"`
	Authority Authority `json:"authority"`
	AppliedAt time.Time `json:"applied_at"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// EventFromRequest builds the single event that applying req would produce.
// Sequence and hashes are assigned when the event is applied.
func EventFromRequest(req ModificationRequest, at time.Time) Event {
	return Event{
		Sequence:  req.Sequence,
		RequestID: req.RequestID,
		ModType:   req.ModType,
		Target:    req.Target,
		OldValue:  req.OldValue,
		NewValue:  req.NewValue,
		Authority: req.Authority,
		AppliedAt: at.UTC(),
	}
}

// hashedFields is the subset of Event covered by the chain hash.
type hashedFields struct {
	Sequence  uint64    `json:"sequence"`
	RequestID string    `json:"request_id"`
	ModType   ModType   `json:"mod_type"`
	Target    string    `json:"target"`
	OldValue  *string   `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value"`
	Authority Authority `json:"authority"`
	AppliedAt string    `json:"applied_at"`
}

// ComputeHash returns sha256(prevHash || canonical JSON of the event body)
// as lowercase hex. Canonicalization follows RFC 8785.
func (e Event) ComputeHash(prevHash string) (string, error) {
	raw, err := json.Marshal(hashedFields{
		Sequence:  e.Sequence,
		RequestID: e.RequestID,
		ModType:   e.ModType,
		Target:    e.Target,
		OldValue:  e.OldValue,
		NewValue:  e.NewValue,
		Authority: e.Authority,
		AppliedAt: e.AppliedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("model: marshal event %d: %w", e.Sequence, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("model: canonicalize event %d: %w", e.Sequence, err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal sets PrevHash and Hash, chaining e onto prevHash.
func (e *Event) Seal(prevHash string) error {
	hash, err := e.ComputeHash(prevHash)
	if err != nil {
		return err
	}
	e.PrevHash = prevHash
	e.Hash = hash
	return nil
}
