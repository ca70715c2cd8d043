package dualcommit

import "time"

// Decision is the public view of a gate decision on a state modification.
// Resolution and ResolutionReason are set once a human has acted on a
// request that was waiting for one.
type Decision struct {
	RequestID        string
	ModType          string
	Target           string
	NewValue         string
	Authority        string
	Type             string // AUTO_APPROVE, DISTRIBUTED, PENDING_HUMAN, REJECTED, HALT
	Code             string
	Reason           string
	Approved         bool
	Sequence         uint64
	DecidedAt        time.Time
	Resolution       string
	ResolutionReason string
}

// Proposal event kinds.
const (
	ProposalCreated  = "created"
	ProposalSettled  = "precedent"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
	ProposalApplied  = "applied"
)

// ProposalEvent is one commit ledger lifecycle step.
type ProposalEvent struct {
	Kind          string
	CommitID      string
	Title         string
	Proposer      string
	Reason        string
	MatchedCommit string
	At            time.Time
}
