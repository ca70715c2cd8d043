package precedent

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes free text for comparison: NFKC, Unicode case
// folding, punctuation and symbols dropped, whitespace collapsed.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		switch {
		case unicode.IsSpace(r) || r == '/' || r == '_' || r == '-':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Matcher decides whether a ledger entry is precedent for a query.
type Matcher interface {
	Match(q Query, e Entry) bool
}

// ExactMatcher requires equal type, trust level and summary after
// normalization.
type ExactMatcher struct{}

func (ExactMatcher) Match(q Query, e Entry) bool {
	return sameKind(q, e) && Normalize(q.Summary) == Normalize(e.Summary)
}

// FuzzyMatcher requires equal type and trust level, and a token Jaccard
// similarity of at least Threshold between summaries.
type FuzzyMatcher struct {
	Threshold float64
}

func (m FuzzyMatcher) Match(q Query, e Entry) bool {
	if !sameKind(q, e) {
		return false
	}
	return Jaccard(tokens(q.Summary), tokens(e.Summary)) >= m.Threshold
}

func sameKind(q Query, e Entry) bool {
	return Normalize(q.ProposalType) == Normalize(e.ProposalType) &&
		Normalize(q.TrustLevel) == Normalize(e.TrustLevel)
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(Normalize(s)) {
		out[f] = struct{}{}
	}
	return out
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
