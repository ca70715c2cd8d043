package precedent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/dualcommit/internal/policy"
)

// Checker consults the local ledger, then each neighbor in order. The first
// matching entry decides.
type Checker struct {
	local     Source
	neighbors []Source
	matcher   Matcher
	logger    *slog.Logger
}

// NewChecker builds a Checker. A nil matcher means ExactMatcher.
func NewChecker(local Source, neighbors []Source, matcher Matcher, logger *slog.Logger) *Checker {
	if matcher == nil {
		matcher = ExactMatcher{}
	}
	return &Checker{local: local, neighbors: neighbors, matcher: matcher, logger: logger}
}

// Check looks for a ratified decision equivalent to q.
func (c *Checker) Check(ctx context.Context, q Query) (Result, error) {
	if c.local != nil {
		e, ok, err := c.find(ctx, c.local, q)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return Result{
				Verdict:       VerdictAutoApprove,
				Reason:        fmt.Sprintf("matches ratified %s (%s) in local ledger", e.ID, e.ProposalType),
				MatchedCommit: e.ID,
				Source:        LocalSource,
			}, nil
		}
	}
	for _, n := range c.neighbors {
		e, ok, err := c.find(ctx, n, q)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return Result{
				Verdict:       VerdictDistributed,
				Reason:        fmt.Sprintf("matches ratified %s (%s) in neighbor ledger %s", e.ID, e.ProposalType, n.Name()),
				MatchedCommit: e.ID,
				Source:        n.Name(),
			}, nil
		}
	}
	return Result{Verdict: VerdictNovel, Reason: "no ratified precedent"}, nil
}

func (c *Checker) find(ctx context.Context, src Source, q Query) (Entry, bool, error) {
	entries, err := src.Entries(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	// Newest first.
	for i := len(entries) - 1; i >= 0; i-- {
		if c.matcher.Match(q, entries[i]) {
			c.logger.Debug("precedent: match", "source", src.Name(), "entry", entries[i].ID)
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

// FromPolicy builds a Checker over the local ledger and the neighbors and
// matcher configured in p.
func FromPolicy(p *policy.Policy, local *FileLedger, logger *slog.Logger) *Checker {
	neighbors := make([]Source, 0, len(p.NeighborLedgers))
	for _, n := range p.NeighborLedgers {
		neighbors = append(neighbors, NewNeighborLedger(n.Name, n.Path, logger))
	}
	var m Matcher = ExactMatcher{}
	if p.Matcher == policy.MatcherFuzzy {
		m = FuzzyMatcher{Threshold: p.FuzzyThreshold}
	}
	var src Source
	if local != nil {
		src = local
	}
	return NewChecker(src, neighbors, m, logger)
}
