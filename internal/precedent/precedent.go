// Package precedent implements the Precedent Ledger: a record of ratified
// decisions consulted before a change is routed to a human. A match in the
// local ledger auto-approves; a match in a neighbor trust domain's ledger
// approves by distributed ratification.
package precedent

import (
	"context"
	"time"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// LocalSource is the reserved name of this domain's own ledger.
const LocalSource = "local"

// Verdict is the outcome of a precedent check.
type Verdict string

const (
	VerdictAutoApprove Verdict = "AUTO_APPROVE"
	VerdictDistributed Verdict = "DISTRIBUTED"
	VerdictNovel       Verdict = "NOVEL"
)

// Entry is one ratified decision.
type Entry struct {
	ID           string    `json:"id"`
	ProposalType string    `json:"proposal_type"`
	TrustLevel   string    `json:"trust_level"`
	Summary      string    `json:"summary"`
	Proposer     string    `json:"proposer,omitempty"`
	RatifiedAt   time.Time `json:"ratified_at"`
}

// Query describes the change being checked for precedent.
type Query struct {
	ProposalType string
	TrustLevel   string
	Summary      string
	Proposer     string
}

// QueryForRequest maps a state modification onto the precedent vocabulary.
func QueryForRequest(req model.ModificationRequest) Query {
	return Query{
		ProposalType: RequestProposalType(req.ModType),
		TrustLevel:   string(req.Authority),
		Summary:      RequestSummary(req),
	}
}

// RequestSummary is the precedent summary of a request: its target and the
// value it sets. A ratified value is precedent only for that same value.
func RequestSummary(req model.ModificationRequest) string {
	return req.Target + " = " + req.NewValue
}

// EntryForRequest builds the ledger entry recorded when req is ratified.
func EntryForRequest(req model.ModificationRequest, ratifiedAt time.Time) Entry {
	return Entry{
		ID:           req.RequestID,
		ProposalType: RequestProposalType(req.ModType),
		TrustLevel:   string(req.Authority),
		Summary:      RequestSummary(req),
		RatifiedAt:   ratifiedAt.UTC(),
	}
}

// EntryForProposal builds the ledger entry recorded when p is ratified.
func EntryForProposal(p model.Proposal, ratifiedAt time.Time) Entry {
	return Entry{
		ID:           p.CommitID,
		ProposalType: p.ProposalType,
		TrustLevel:   p.TrustLevel,
		Summary:      p.Summary,
		Proposer:     p.Proposer,
		RatifiedAt:   ratifiedAt.UTC(),
	}
}

// RequestProposalType is the proposal type under which state modifications
// of the given kind are recorded.
func RequestProposalType(m model.ModType) string {
	return "mod:" + m.String()
}

// Result is the outcome of Checker.Check.
type Result struct {
	Verdict       Verdict `json:"verdict"`
	Reason        string  `json:"reason"`
	MatchedCommit string  `json:"matched_commit,omitempty"`
	Source        string  `json:"source,omitempty"`
}

// Source is a readable precedent ledger.
type Source interface {
	Name() string
	Entries(ctx context.Context) ([]Entry, error)
}

// Recorder appends ratified decisions.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}
