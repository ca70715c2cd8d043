// Package policy holds the governance rules the Gatekeeper evaluates:
// authority tier ordering, protected targets, per-target authority rules
// with optional CEL conditions, and the principals allowed to call the gate.
package policy

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/dualcommit/internal/model"
)

//go:embed default.yaml
var defaultPolicy []byte

// Matcher names accepted in the policy file.
const (
	MatcherExact = "exact"
	MatcherFuzzy = "fuzzy"
)

// DefaultFuzzyThreshold is the Jaccard similarity the fuzzy matcher requires
// when the policy does not set one.
const DefaultFuzzyThreshold = 0.8

// Rule binds a target pattern to the minimum authority allowed to change it.
// A routine rule auto-approves requests from sufficient authority without
// consulting precedent.
type Rule struct {
	Name         string          `yaml:"name"`
	ModType      string          `yaml:"mod_type"`
	Target       string          `yaml:"target"`
	MinAuthority model.Authority `yaml:"min_authority"`
	Routine      bool            `yaml:"routine"`
	When         string          `yaml:"when"`

	modType model.ModType
	program cel.Program
}

// NeighborRef points at a precedent ledger owned by another trust domain.
type NeighborRef struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Policy is an immutable, compiled governance policy. Build it with Load,
// Parse or Default.
type Policy struct {
	Tiers           []model.Authority `yaml:"tiers"`
	RatifierTier    model.Authority   `yaml:"ratifier_tier"`
	Protected       []string          `yaml:"protected"`
	Rules           []Rule            `yaml:"rules"`
	Principals      []model.Principal `yaml:"principals"`
	NeighborLedgers []NeighborRef     `yaml:"neighbor_ledgers"`
	Matcher         string            `yaml:"matcher"`
	FuzzyThreshold  float64           `yaml:"fuzzy_threshold"`

	rank       map[model.Authority]int
	principals map[string]model.Principal
}

// Default returns the built-in policy.
func Default() *Policy {
	p, err := Parse(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("policy: built-in default is invalid: %v", err))
	}
	return p
}

// Load reads and compiles a policy file. An empty path yields Default().
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied policy path
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes YAML and compiles it. Omitted sections take their
// built-in defaults; unknown keys are an error.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) compile() error {
	if len(p.Tiers) == 0 {
		p.Tiers = []model.Authority{model.AuthoritySystem, model.AuthorityAI, model.AuthorityHuman}
	}
	p.rank = make(map[model.Authority]int, len(p.Tiers))
	for i, t := range p.Tiers {
		t = model.Authority(strings.ToUpper(string(t)))
		if t == "" {
			return fmt.Errorf("tiers[%d]: empty tier name", i)
		}
		if _, dup := p.rank[t]; dup {
			return fmt.Errorf("tiers[%d]: duplicate tier %q", i, t)
		}
		p.Tiers[i] = t
		p.rank[t] = i + 1
	}

	if p.RatifierTier == "" {
		p.RatifierTier = p.Tiers[len(p.Tiers)-1]
	}
	p.RatifierTier = model.Authority(strings.ToUpper(string(p.RatifierTier)))
	if _, ok := p.rank[p.RatifierTier]; !ok {
		return fmt.Errorf("ratifier_tier: unknown tier %q", p.RatifierTier)
	}

	if p.Protected == nil {
		p.Protected = []string{"governance/**", "policy/**"}
	}

	switch p.Matcher {
	case "":
		p.Matcher = MatcherExact
	case MatcherExact, MatcherFuzzy:
	default:
		return fmt.Errorf("matcher: must be %q or %q, got %q", MatcherExact, MatcherFuzzy, p.Matcher)
	}
	if p.FuzzyThreshold == 0 {
		p.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if p.FuzzyThreshold < 0 || p.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy_threshold: must be in (0, 1], got %v", p.FuzzyThreshold)
	}

	env, err := newConditionEnv()
	if err != nil {
		return err
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.Target == "" {
			return fmt.Errorf("rules[%d]: target is required", i)
		}
		if r.ModType != "" {
			mt, err := model.ParseModType(r.ModType)
			if err != nil {
				return fmt.Errorf("rules[%d]: %w", i, err)
			}
			r.modType = mt
		}
		if r.MinAuthority == "" {
			r.MinAuthority = p.Tiers[0]
		}
		r.MinAuthority = model.Authority(strings.ToUpper(string(r.MinAuthority)))
		if _, ok := p.rank[r.MinAuthority]; !ok {
			return fmt.Errorf("rules[%d]: unknown min_authority %q", i, r.MinAuthority)
		}
		if r.When != "" {
			prg, err := compileCondition(env, r.When)
			if err != nil {
				return fmt.Errorf("rules[%d].when: %w", i, err)
			}
			r.program = prg
		}
	}

	p.principals = make(map[string]model.Principal, len(p.Principals))
	for i, pr := range p.Principals {
		if err := model.ValidatePrincipalID(pr.ID); err != nil {
			return fmt.Errorf("principals[%d]: %w", i, err)
		}
		pr.Authority = model.Authority(strings.ToUpper(string(pr.Authority)))
		if _, ok := p.rank[pr.Authority]; !ok {
			return fmt.Errorf("principals[%d]: unknown authority %q", i, pr.Authority)
		}
		if _, dup := p.principals[pr.ID]; dup {
			return fmt.Errorf("principals[%d]: duplicate id %q", i, pr.ID)
		}
		p.Principals[i] = pr
		p.principals[pr.ID] = pr
	}

	seen := make(map[string]bool, len(p.NeighborLedgers))
	for i, n := range p.NeighborLedgers {
		if n.Name == "" || n.Path == "" {
			return fmt.Errorf("neighbor_ledgers[%d]: name and path are required", i)
		}
		if n.Name == "local" || seen[n.Name] {
			return fmt.Errorf("neighbor_ledgers[%d]: name %q is reserved or duplicated", i, n.Name)
		}
		seen[n.Name] = true
	}
	return nil
}

// Rank returns the position of a tier (1 = lowest) and whether it is known.
func (p *Policy) Rank(a model.Authority) (int, bool) {
	r, ok := p.rank[a]
	return r, ok
}

// Known reports whether a is a configured tier.
func (p *Policy) Known(a model.Authority) bool {
	_, ok := p.rank[a]
	return ok
}

// AtLeast reports whether a ranks at or above floor. Unknown tiers never do.
func (p *Policy) AtLeast(a, floor model.Authority) bool {
	ra, ok := p.rank[a]
	if !ok {
		return false
	}
	rm, ok := p.rank[floor]
	if !ok {
		return false
	}
	return ra >= rm
}

// CanRatify reports whether a may approve or reject pending work.
func (p *Policy) CanRatify(a model.Authority) bool {
	return p.AtLeast(a, p.RatifierTier)
}

// IsProtected reports whether target matches a protected pattern.
func (p *Policy) IsProtected(target string) bool {
	t := NormalizeTarget(target)
	for _, pat := range p.Protected {
		if MatchTarget(pat, t) {
			return true
		}
	}
	return false
}

// MatchRule returns the first rule that applies to req. A rule applies when
// its mod type (if set) and target pattern match and its condition (if set)
// evaluates to true.
func (p *Policy) MatchRule(req model.ModificationRequest) (*Rule, bool, error) {
	t := NormalizeTarget(req.Target)
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.modType != 0 && r.modType != req.ModType {
			continue
		}
		if !MatchTarget(r.Target, t) {
			continue
		}
		if r.program != nil {
			ok, err := evalCondition(r.program, req, t)
			if err != nil {
				return nil, false, fmt.Errorf("policy: rule %q: %w", r.label(i), err)
			}
			if !ok {
				continue
			}
		}
		return r, true, nil
	}
	return nil, false, nil
}

// Principal looks up a configured principal by id.
func (p *Policy) Principal(id string) (model.Principal, bool) {
	pr, ok := p.principals[id]
	return pr, ok
}

func (r *Rule) label(i int) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("#%d", i)
}
