package dualcommit

import "time"

// Modification types.
const (
	ModState        = "STATE"
	ModFileLocation = "FILE_LOCATION"
	ModConfig       = "CONFIG"
)

// Decision types. HALT, REJECTED and PENDING_HUMAN are ordinary responses,
// not errors.
const (
	DecisionAutoApprove  = "AUTO_APPROVE"
	DecisionDistributed  = "DISTRIBUTED"
	DecisionPendingHuman = "PENDING_HUMAN"
	DecisionRejected     = "REJECTED"
	DecisionHalt         = "HALT"
)

// Precedent verdicts.
const (
	VerdictAutoApprove = "AUTO_APPROVE"
	VerdictDistributed = "DISTRIBUTED"
	VerdictNovel       = "NOVEL"
)

// SubmitRequest proposes a change to one target. Authority comes from the
// client's token.
type SubmitRequest struct {
	ModType        string  `json:"mod_type"`
	Target         string  `json:"target"`
	OldValue       *string `json:"old_value,omitempty"`
	NewValue       string  `json:"new_value"`
	Reason         string  `json:"reason"`
	Sequence       uint64  `json:"sequence,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// Decision is the gate's verdict on a request.
type Decision struct {
	Type            string    `json:"decision_type"`
	Code            string    `json:"code"`
	Approved        bool      `json:"approved"`
	RequiresHuman   bool      `json:"requires_human"`
	Reason          string    `json:"reason"`
	PrecedentRef    string    `json:"precedent_ref,omitempty"`
	PrecedentSource string    `json:"precedent_source,omitempty"`
	DecidedAt       time.Time `json:"decided_at"`
}

// SubmitResponse is the outcome of a submission.
type SubmitResponse struct {
	RequestID string   `json:"request_id"`
	Decision  Decision `json:"decision"`
	Status    string   `json:"status"`
	Sequence  uint64   `json:"sequence"`
	Replayed  bool     `json:"replayed"`
}

// Request is a recorded modification request.
type Request struct {
	RequestID      string    `json:"request_id"`
	ModType        string    `json:"mod_type"`
	Target         string    `json:"target"`
	OldValue       *string   `json:"old_value,omitempty"`
	NewValue       string    `json:"new_value"`
	Reason         string    `json:"reason"`
	Authority      string    `json:"authority"`
	Sequence       uint64    `json:"sequence"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PendingRequest is a request awaiting ratification. A stale one can only
// be rejected.
type PendingRequest struct {
	Request   Request   `json:"request"`
	Decision  Decision  `json:"decision"`
	CreatedAt time.Time `json:"created_at"`
	Stale     bool      `json:"stale"`
}

// Resolution records a human action on a request.
type Resolution struct {
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
	Sequence   uint64    `json:"sequence,omitempty"`
}

// RequestRecord is a request with its decision and any resolution.
type RequestRecord struct {
	Request    Request     `json:"request"`
	Decision   Decision    `json:"decision"`
	Status     string      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// HumanActionResponse is the outcome of ratifying or rejecting a request.
type HumanActionResponse struct {
	RequestID       string `json:"request_id"`
	Status          string `json:"status"`
	Sequence        uint64 `json:"sequence"`
	AlreadyResolved bool   `json:"already_resolved"`
}

// State is the gate's applied sequence and chain head.
type State struct {
	Sequence  uint64    `json:"sequence"`
	HeadHash  string    `json:"head_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Value is the live value of one target.
type Value struct {
	Target   string `json:"target"`
	Value    string `json:"value"`
	Sequence uint64 `json:"sequence"`
}

// VerifyReport is the result of recomputing the event chain.
type VerifyReport struct {
	Valid       bool   `json:"valid"`
	Checked     int    `json:"checked"`
	FirstBadSeq uint64 `json:"first_bad_sequence,omitempty"`
	HeadHash    string `json:"head_hash"`
}

// Event is one applied, hash-chained change.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	RequestID string    `json:"request_id"`
	ModType   string    `json:"mod_type"`
	Target    string    `json:"target"`
	OldValue  *string   `json:"old_value,omitempty"`
	NewValue  string    `json:"new_value"`
	Authority string    `json:"authority"`
	AppliedAt time.Time `json:"applied_at"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// PrecedentQuery describes a prospective change.
type PrecedentQuery struct {
	ProposalType string `json:"proposal_type"`
	TrustLevel   string `json:"trust_level"`
	Summary      string `json:"summary"`
	Proposer     string `json:"proposer,omitempty"`
}

// PrecedentResult is the verdict of a precedent check.
type PrecedentResult struct {
	Verdict       string `json:"verdict"`
	Reason        string `json:"reason"`
	MatchedCommit string `json:"matched_commit,omitempty"`
	Source        string `json:"source,omitempty"`
}

// ProposeRequest describes a proposal for the governance ledger. Empty
// optional fields take the server's defaults.
type ProposeRequest struct {
	Title        string `json:"title"`
	Proposer     string `json:"proposer"`
	Summary      string `json:"summary"`
	FilePath     string `json:"file_path"`
	Diff         string `json:"diff"`
	ProposalType string `json:"proposal_type,omitempty"`
	TrustLevel   string `json:"trust_level,omitempty"`
	RiskLevel    string `json:"risk_level,omitempty"`
	Reversible   string `json:"reversible,omitempty"`
	DeltaE       string `json:"delta_e,omitempty"`
}

// ProposeResponse is the outcome of a proposal. Status is "pending",
// "auto_approved" or "distributed"; a proposal settled by precedent has a
// CommitID with an AUTO: or DIST: prefix.
type ProposeResponse struct {
	CommitID      string `json:"commit_id"`
	Status        string `json:"status"`
	Verdict       string `json:"verdict"`
	MatchedCommit string `json:"matched_commit,omitempty"`
}

// Rejection records why a proposal was rejected.
type Rejection struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Proposal is a ledger entry.
type Proposal struct {
	CommitID     string     `json:"commit_id"`
	Title        string     `json:"title"`
	Proposer     string     `json:"proposer"`
	Summary      string     `json:"summary"`
	FilePath     string     `json:"file_path"`
	Diff         string     `json:"diff"`
	ProposalType string     `json:"proposal_type"`
	TrustLevel   string     `json:"trust_level"`
	RiskLevel    string     `json:"risk_level"`
	Reversible   string     `json:"reversible"`
	DeltaE       string     `json:"delta_e"`
	CreatedAt    time.Time  `json:"created_at"`
	Status       string     `json:"status"`
	Rejection    *Rejection `json:"rejection,omitempty"`
}

// ProposalSummary is one row of a proposal listing.
type ProposalSummary struct {
	CommitID  string    `json:"commit_id"`
	Title     string    `json:"title"`
	Proposer  string    `json:"proposer"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProposalDetail is a proposal with its stored document.
type ProposalDetail struct {
	Proposal Proposal `json:"proposal"`
	Content  string   `json:"content"`
}

// RatifyResponse is the outcome of approving or rejecting a proposal.
type RatifyResponse struct {
	CommitID string `json:"commit_id"`
	Status   string `json:"status"`
}

// Health is the server's health report.
type Health struct {
	Status           string     `json:"status"`
	Version          string     `json:"version"`
	Uptime           int64      `json:"uptime_seconds"`
	Sequence         uint64     `json:"sequence"`
	PendingRequests  int        `json:"pending_requests"`
	PendingCommits   int        `json:"pending_commits"`
	LastRatification *time.Time `json:"last_ratification,omitempty"`
}
