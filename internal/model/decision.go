package model

import (
	"fmt"
	"time"
)

// DecisionType is the Gatekeeper's verdict. The set is closed: every switch
// over it in this module handles all five kinds.
type DecisionType uint8

const (
	DecisionAutoApprove DecisionType = iota + 1
	DecisionDistributed
	DecisionPendingHuman
	DecisionRejected
	DecisionHalt
)

var decisionTypeNames = map[DecisionType]string{
	DecisionAutoApprove:  "AUTO_APPROVE",
	DecisionDistributed:  "DISTRIBUTED",
	DecisionPendingHuman: "PENDING_HUMAN",
	DecisionRejected:     "REJECTED",
	DecisionHalt:         "HALT",
}

func (t DecisionType) String() string {
	if s, ok := decisionTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DecisionType(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t DecisionType) MarshalText() ([]byte, error) {
	s, ok := decisionTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("model: invalid decision type %d", uint8(t))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DecisionType) UnmarshalText(b []byte) error {
	parsed, err := ParseDecisionType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseDecisionType maps a wire name back to its DecisionType.
func ParseDecisionType(s string) (DecisionType, error) {
	for t, name := range decisionTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("model: unknown decision type %q", s)
}

// Approved reports whether the decision lets the mutation take effect
// without further human action.
func (t DecisionType) Approved() bool {
	switch t {
	case DecisionAutoApprove, DecisionDistributed:
		return true
	case DecisionPendingHuman, DecisionRejected, DecisionHalt:
		return false
	}
	return false
}

// RequiresHuman reports whether the decision parks the request for ratification.
func (t DecisionType) RequiresHuman() bool {
	switch t {
	case DecisionPendingHuman:
		return true
	case DecisionAutoApprove, DecisionDistributed, DecisionRejected, DecisionHalt:
		return false
	}
	return false
}

// Terminal reports whether no later action can change the outcome.
// HALT is terminal and requires a policy change plus explicit escalation.
func (t DecisionType) Terminal() bool {
	switch t {
	case DecisionAutoApprove, DecisionDistributed, DecisionRejected, DecisionHalt:
		return true
	case DecisionPendingHuman:
		return false
	}
	return true
}

// DecisionCode is the stable taxonomy code explaining a DecisionType.
type DecisionCode string

const (
	CodeProtectedTarget       DecisionCode = "PROTECTED_TARGET"
	CodeSequenceConflict      DecisionCode = "SEQUENCE_CONFLICT"
	CodeUnknownAuthority      DecisionCode = "UNKNOWN_AUTHORITY"
	CodeInsufficientAuthority DecisionCode = "INSUFFICIENT_AUTHORITY"
	CodeRoutinePolicy         DecisionCode = "ROUTINE_POLICY"
	CodeLocalPrecedent        DecisionCode = "LOCAL_PRECEDENT"
	CodeNeighborPrecedent     DecisionCode = "NEIGHBOR_PRECEDENT"
	CodeAwaitingRatification  DecisionCode = "AWAITING_RATIFICATION"
)

// Decision is the Gatekeeper's verdict for one ModificationRequest.
// Build it with NewDecision so Approved and RequiresHuman always agree with Type.
type Decision struct {
	Type            DecisionType `json:"decision_type"`
	Code            DecisionCode `json:"code"`
	Approved        bool         `json:"approved"`
	RequiresHuman   bool         `json:"requires_human"`
	Reason          string       `json:"reason"`
	PrecedentRef    string       `json:"precedent_ref,omitempty"`
	PrecedentSource string       `json:"precedent_source,omitempty"`
	DecidedAt       time.Time    `json:"decided_at"`
}

// NewDecision builds a Decision whose flags are derived from the type.
func NewDecision(t DecisionType, code DecisionCode, reason string, at time.Time) Decision {
	return Decision{
		Type:          t,
		Code:          code,
		Approved:      t.Approved(),
		RequiresHuman: t.RequiresHuman(),
		Reason:        reason,
		DecidedAt:     at.UTC(),
	}
}

// IsConflict reports whether the decision is a stale-sequence rejection.
// Conflicts are transient and never recorded against an idempotency key.
func (d Decision) IsConflict() bool {
	return d.Type == DecisionRejected && d.Code == CodeSequenceConflict
}

// RequestStatus is the lifecycle state of a recorded request.
type RequestStatus string

const (
	RequestApproved RequestStatus = "approved"
	RequestPending  RequestStatus = "pending"
	RequestRejected RequestStatus = "rejected"
	RequestHalted   RequestStatus = "halted"
)

// StatusFor maps an initial decision to the recorded request status.
func StatusFor(t DecisionType) RequestStatus {
	switch t {
	case DecisionAutoApprove, DecisionDistributed:
		return RequestApproved
	case DecisionPendingHuman:
		return RequestPending
	case DecisionRejected:
		return RequestRejected
	case DecisionHalt:
		return RequestHalted
	}
	return RequestRejected
}

// HumanAction is a ratifier's verdict on a pending request.
type HumanAction string

const (
	ActionApprove HumanAction = "approve"
	ActionReject  HumanAction = "reject"
)

// ParseHumanAction validates an action name.
func ParseHumanAction(s string) (HumanAction, error) {
	switch HumanAction(s) {
	case ActionApprove, ActionReject:
		return HumanAction(s), nil
	}
	return "", &ValidationError{Field: "action", Message: fmt.Sprintf("must be approve or reject, got %q", s)}
}

// Resolution records the human action taken on a pending request.
type Resolution struct {
	Action     HumanAction `json:"action"`
	Reason     string      `json:"reason,omitempty"`
	ResolvedAt time.Time   `json:"resolved_at"`
	Sequence   uint64      `json:"sequence,omitempty"`
}
