package model

import (
	"fmt"
	"strings"
	"time"
)

// Proposal defaults applied when the proposer leaves a field empty.
const (
	DefaultProposalType = "Code Enhancement"
	DefaultTrustLevel   = "ENGINEER"
	DefaultRiskLevel    = "LOW"
	DefaultReversible   = "YES"
	DefaultDeltaE       = "+0.05"
)

// ProposalStatus is the lifecycle state of a commit ledger entry.
// The file backend encodes it as the file extension.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "pending"
	StatusCommit   ProposalStatus = "commit"
	StatusRejected ProposalStatus = "rejected"
	StatusApplied  ProposalStatus = "applied"
)

// ProposalStatuses lists every status in lifecycle order.
var ProposalStatuses = []ProposalStatus{StatusPending, StatusCommit, StatusRejected, StatusApplied}

// ParseProposalStatus accepts a status name. "reject" is read as rejected
// for ledgers written by older tooling.
func ParseProposalStatus(s string) (ProposalStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "commit":
		return StatusCommit, nil
	case "rejected", "reject":
		return StatusRejected, nil
	case "applied":
		return StatusApplied, nil
	}
	return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown proposal status %q", s)}
}

// Terminal reports whether the status admits no further transition.
// A commit may still move to applied.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusApplied:
		return true
	case StatusPending, StatusCommit:
		return false
	}
	return true
}

// Rejection records why and when a proposal was rejected.
type Rejection struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Proposal is a code change awaiting, or past, human ratification.
type Proposal struct {
	CommitID     string         `json:"commit_id"`
	Title        string         `json:"title"`
	Proposer     string         `json:"proposer"`
	Summary      string         `json:"summary"`
	FilePath     string         `json:"file_path"`
	Diff         string         `json:"diff"`
	ProposalType string         `json:"proposal_type"`
	TrustLevel   string         `json:"trust_level"`
	RiskLevel    string         `json:"risk_level"`
	Reversible   string         `json:"reversible"`
	DeltaE       string         `json:"delta_e"`
	CreatedAt    time.Time      `json:"created_at"`
	Status       ProposalStatus `json:"status"`
	Rejection    *Rejection     `json:"rejection,omitempty"`
}

// ApplyDefaults fills empty optional fields with their defaults.
func (p *Proposal) ApplyDefaults() {
	if p.ProposalType == "" {
		p.ProposalType = DefaultProposalType
	}
	if p.TrustLevel == "" {
		p.TrustLevel = DefaultTrustLevel
	}
	if p.RiskLevel == "" {
		p.RiskLevel = DefaultRiskLevel
	}
	if p.Reversible == "" {
		p.Reversible = DefaultReversible
	}
	if p.DeltaE == "" {
		p.DeltaE = DefaultDeltaE
	}
}

// Validate checks the fields a proposer must supply.
func (p Proposal) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if strings.TrimSpace(p.Proposer) == "" {
		return &ValidationError{Field: "proposer", Message: "proposer is required"}
	}
	if strings.TrimSpace(p.Summary) == "" {
		return &ValidationError{Field: "summary", Message: "summary is required"}
	}
	if strings.TrimSpace(p.FilePath) == "" {
		return &ValidationError{Field: "file_path", Message: "file_path is required"}
	}
	return nil
}

// ProposalRecord is a ledger entry as stored: raw document plus metadata.
type ProposalRecord struct {
	CommitID  string         `json:"commit_id"`
	Status    ProposalStatus `json:"status"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
