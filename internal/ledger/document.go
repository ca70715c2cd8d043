package ledger

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// DateLayout is the timestamp format written into proposal documents.
const DateLayout = "2006-01-02T15:04:05.000000Z"

const titlePrefix = "Governance Proposal:"

const fence = "```"

var documentTemplate = template.Must(template.New("proposal").Parse(`# ` + titlePrefix + ` {{.Title}}

**Proposer:** {{.Proposer}}
**Date:** {{.Date}}
**Type:** {{.ProposalType}}
**Trust Level:** {{.TrustLevel}}
**Commit ID:** {{.CommitID}}

## Summary
{{.Summary}}

## Proposed Changes
**File:** {{.FilePath}}

## Rationale
This change implements the requested modification with minimal disruption to existing functionality.

## Risk Assessment
- **Risk Level:** {{.RiskLevel}}
- **Reversible:** {{.Reversible}}
- **Dependencies:** None
- **Testing:** Manual verification required

## ΔE Impact
Expected ΔE: {{.DeltaE}}

## Implementation
` + fence + `diff
{{.Diff}}
` + fence + `

---

**Awaiting Human Ratification**

ΔΣ=42
`))

type documentData struct {
	model.Proposal
	Date string
}

// Render writes p as a proposal document. Defaults must already be applied.
func Render(p model.Proposal) (string, error) {
	var buf bytes.Buffer
	data := documentData{Proposal: p, Date: p.CreatedAt.UTC().Format(DateLayout)}
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("ledger: render %s: %w", p.CommitID, err)
	}
	return buf.String(), nil
}

// RejectionAppendix is the block appended to a document when it is rejected.
func RejectionAppendix(reason string, at time.Time) string {
	return fmt.Sprintf("\n\n---\n\n**REJECTED**\nReason: %s\nDate: %s\n", reason, at.UTC().Format(DateLayout))
}

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New()
	})
	return markdownParser
}

var fieldLine = regexp.MustCompile(`^\*\*([^*]+?):\*\*\s*(.*)$`)

// Parse recovers proposal fields from a document. Status is not part of
// the document and is left empty.
func Parse(content string) (model.Proposal, error) {
	source := []byte(content)
	doc := parser().Parser().Parse(text.NewReader(source))

	var (
		p        model.Proposal
		section  string
		summary  []string
		rejected bool
		titled   bool
	)
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			line := strings.Join(rawLines(node, source), " ")
			switch node.Level {
			case 1:
				if t, ok := strings.CutPrefix(line, titlePrefix); ok {
					p.Title = strings.TrimSpace(t)
					titled = true
				}
			case 2:
				section = line
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock:
			if section == "Implementation" && p.Diff == "" {
				p.Diff = strings.TrimSuffix(strings.Join(rawLines(node, source), "\n"), "\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock:
			lines := rawLines(node, source)
			if section == "Summary" {
				summary = append(summary, strings.Join(lines, "\n"))
				return ast.WalkSkipChildren, nil
			}
			for _, line := range lines {
				rejected = parseLine(&p, line, rejected) || rejected
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return model.Proposal{}, fmt.Errorf("ledger: parse document: %w", err)
	}
	if !titled {
		return model.Proposal{}, fmt.Errorf("ledger: parse document: missing %q heading", titlePrefix)
	}
	p.Summary = strings.Join(summary, "\n\n")
	return p, nil
}

// parseLine applies one document line to p and reports whether it opened
// a rejection block.
func parseLine(p *model.Proposal, line string, inRejection bool) bool {
	line = strings.TrimSpace(line)
	if line == "**REJECTED**" {
		p.Rejection = &model.Rejection{}
		return true
	}
	// Older ledgers wrote "REJECTED: <date>" on one line.
	if d, ok := strings.CutPrefix(line, "REJECTED:"); ok {
		p.Rejection = &model.Rejection{At: parseDate(d)}
		return true
	}
	if inRejection && p.Rejection != nil {
		if r, ok := strings.CutPrefix(line, "Reason:"); ok {
			p.Rejection.Reason = strings.TrimSpace(r)
			return false
		}
		if d, ok := strings.CutPrefix(line, "Date:"); ok {
			p.Rejection.At = parseDate(d)
			return false
		}
	}
	if v, ok := strings.CutPrefix(line, "Expected ΔE:"); ok {
		p.DeltaE = strings.TrimSpace(v)
		return false
	}
	m := fieldLine.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	value := strings.TrimSpace(m[2])
	switch m[1] {
	case "Proposer":
		p.Proposer = value
	case "Date":
		p.CreatedAt = parseDate(value)
	case "Type":
		p.ProposalType = value
	case "Trust Level":
		p.TrustLevel = value
	case "Commit ID":
		p.CommitID = value
	case "File":
		p.FilePath = value
	case "Risk Level":
		p.RiskLevel = value
	case "Reversible":
		p.Reversible = value
	}
	return false
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02T15:04:05Z", time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func rawLines(n ast.Node, source []byte) []string {
	lines := n.Lines()
	out := make([]string, 0, lines.Len())
	for i := range lines.Len() {
		seg := lines.At(i)
		out = append(out, strings.TrimRight(string(seg.Value(source)), "\r\n"))
	}
	return out
}
