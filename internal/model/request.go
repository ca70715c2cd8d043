package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Field length limits for ModificationRequest fields.
const (
	MaxTargetLen = 1024
	MaxValueLen  = 64 * 1024 // 64 KB
	MaxReasonLen = 8 * 1024  // 8 KB
)

// ModType is the kind of mutation a request proposes.
type ModType uint8

const (
	ModState ModType = iota + 1
	ModFileLocation
	ModConfig
)

var modTypeNames = map[ModType]string{
	ModState:        "STATE",
	ModFileLocation: "FILE_LOCATION",
	ModConfig:       "CONFIG",
}

func (m ModType) String() string {
	if s, ok := modTypeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("ModType(%d)", uint8(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m ModType) MarshalText() ([]byte, error) {
	s, ok := modTypeNames[m]
	if !ok {
		return nil, fmt.Errorf("model: invalid mod type %d", uint8(m))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Names are case-insensitive.
func (m *ModType) UnmarshalText(b []byte) error {
	parsed, err := ParseModType(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseModType maps a name such as "state" or "FILE_LOCATION" to its ModType.
func ParseModType(s string) (ModType, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for m, name := range modTypeNames {
		if name == up {
			return m, nil
		}
	}
	return 0, &ValidationError{Field: "mod_type", Message: fmt.Sprintf("unknown mod_type %q", s)}
}

// Authority is a submitter trust tier. Ordering between tiers comes from policy.
type Authority string

const (
	AuthoritySystem Authority = "SYSTEM"
	AuthorityAI     Authority = "AI"
	AuthorityHuman  Authority = "HUMAN"
)

// ModificationRequest is one proposed change to live state.
type ModificationRequest struct {
	RequestID      string    `json:"request_id"`
	ModType        ModType   `json:"mod_type"`
	Target         string    `json:"target"`
	OldValue       *string   `json:"old_value,omitempty"`
	NewValue       string    `json:"new_value"`
	Reason         string    `json:"reason"`
	Authority      Authority `json:"authority"`
	Sequence       uint64    `json:"sequence"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks required fields and length limits.
func (r ModificationRequest) Validate() error {
	if _, ok := modTypeNames[r.ModType]; !ok {
		return &ValidationError{Field: "mod_type", Message: "mod_type is required"}
	}
	if strings.TrimSpace(r.Target) == "" {
		return &ValidationError{Field: "target", Message: "target is required"}
	}
	if len(r.Target) > MaxTargetLen {
		return &ValidationError{Field: "target", Message: fmt.Sprintf("target exceeds maximum length of %d characters", MaxTargetLen)}
	}
	if r.NewValue == "" {
		return &ValidationError{Field: "new_value", Message: "new_value is required"}
	}
	if len(r.NewValue) > MaxValueLen {
		return &ValidationError{Field: "new_value", Message: fmt.Sprintf("new_value exceeds maximum length of %d bytes", MaxValueLen)}
	}
	if r.OldValue != nil && len(*r.OldValue) > MaxValueLen {
		return &ValidationError{Field: "old_value", Message: fmt.Sprintf("old_value exceeds maximum length of %d bytes", MaxValueLen)}
	}
	if strings.TrimSpace(r.Reason) == "" {
		return &ValidationError{Field: "reason", Message: "reason is required"}
	}
	if len(r.Reason) > MaxReasonLen {
		return &ValidationError{Field: "reason", Message: fmt.Sprintf("reason exceeds maximum length of %d bytes", MaxReasonLen)}
	}
	if r.Authority == "" {
		return &ValidationError{Field: "authority", Message: "authority is required"}
	}
	return nil
}

// ErrReplayMismatch is returned when a replay key is presented again with a
// payload that differs from the one first recorded under it.
var ErrReplayMismatch = errors.New("model: idempotency key reused with a different payload")

// ReplayKey is the token used to detect a resubmission: the idempotency key
// when the caller supplied one, otherwise the request id. Keys are scoped to
// the submitting authority, so two tiers never share a key space.
func (r ModificationRequest) ReplayKey() string {
	key := r.RequestID
	if r.IdempotencyKey != "" {
		key = r.IdempotencyKey
	}
	return string(r.Authority) + ":" + key
}

// payloadFields are the request fields a replay must repeat exactly.
// Reason, sequence and timestamps may differ between retries.
type payloadFields struct {
	ModType   ModType   `json:"mod_type"`
	Target    string    `json:"target"`
	OldValue  *string   `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Authority Authority `json:"authority"`
}

// PayloadHash is the hex SHA-256 of the RFC 8785 canonical JSON of the
// fields that identify what the request changes.
func (r ModificationRequest) PayloadHash() (string, error) {
	raw, err := json.Marshal(payloadFields{
		ModType:   r.ModType,
		Target:    r.Target,
		OldValue:  r.OldValue,
		NewValue:  r.NewValue,
		Authority: r.Authority,
	})
	if err != nil {
		return "", fmt.Errorf("model: marshal request %s: %w", r.RequestID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("model: canonicalize request %s: %w", r.RequestID, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ValidationError reports a missing or malformed field. It is a caller error,
// never an infrastructure failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
