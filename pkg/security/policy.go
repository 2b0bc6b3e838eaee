package security

import (
	"fmt"
	"regexp"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

// RuleType selects how a rule is evaluated.
type RuleType string

const (
	RulePermission    RuleType = "permission"
	RuleRateLimit     RuleType = "rate_limit"
	RuleResourceLimit RuleType = "resource_limit"
	RuleContentFilter RuleType = "content_filter"
)

// Effect is applied when a rule triggers.
type Effect string

const (
	EffectAllow           Effect = "allow"
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

const (
	defaultRateLimit  = 100
	defaultRateWindow = 60 * time.Second
)

// Policy groups rules that apply to matching principals, actions and
// resources. Empty match lists match everything.
type Policy struct {
	ID         string   `json:"id" yaml:"id" validate:"required"`
	Name       string   `json:"name,omitempty" yaml:"name"`
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Principals []string `json:"principals,omitempty" yaml:"principals"`
	Actions    []string `json:"actions,omitempty" yaml:"actions"`
	Resources  []string `json:"resources,omitempty" yaml:"resources"`
	Rules      []Rule   `json:"rules" yaml:"rules" validate:"required,min=1,dive"`
}

// Rule is a single check inside a policy.
type Rule struct {
	ID       string           `json:"id" yaml:"id" validate:"required"`
	Type     RuleType         `json:"type" yaml:"type" validate:"required,oneof=permission rate_limit resource_limit content_filter"`
	Effect   Effect           `json:"effect" yaml:"effect" validate:"required,oneof=allow deny require_approval"`
	Priority int              `json:"priority" yaml:"priority"`
	Risk     models.RiskLevel `json:"risk,omitempty" yaml:"risk"`

	// rate_limit
	MaxRequests int             `json:"max_requests,omitempty" yaml:"max_requests"`
	Window      models.Duration `json:"window,omitempty" yaml:"window"`

	// resource_limit
	MaxMemoryMB      float64         `json:"max_memory_mb,omitempty" yaml:"max_memory_mb"`
	MaxExecutionTime models.Duration `json:"max_execution_time,omitempty" yaml:"max_execution_time"`

	// content_filter
	Allow []string `json:"allow,omitempty" yaml:"allow"`
	Deny  []string `json:"deny,omitempty" yaml:"deny"`
}

type compiledRule struct {
	Rule

	policyID string
	allow    []*regexp.Regexp
	deny     []*regexp.Regexp
}

type compiledPolicy struct {
	Policy

	rules []*compiledRule
}

func (p *compiledPolicy) applies(principal, action, resource string) bool {
	if !p.Enabled {
		return false
	}

	return matchOrEmpty(p.Principals, principal) &&
		matchOrEmpty(p.Actions, action) &&
		matchOrEmpty(p.Resources, resource)
}

func matchOrEmpty(patterns []string, name string) bool {
	return len(patterns) == 0 || models.MatchAny(patterns, name)
}

func compilePolicy(policy Policy) (*compiledPolicy, error) {
	out := &compiledPolicy{Policy: policy, rules: make([]*compiledRule, 0, len(policy.Rules))}

	for _, rule := range policy.Rules {
		compiled := &compiledRule{Rule: rule, policyID: policy.ID}

		switch rule.Type {
		case RuleRateLimit:
			if compiled.MaxRequests <= 0 {
				compiled.MaxRequests = defaultRateLimit
			}

			if compiled.Window <= 0 {
				compiled.Window = models.Duration(defaultRateWindow)
			}
		case RuleContentFilter:
			var err error

			compiled.allow, err = compilePatterns(rule.Allow)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
			}

			compiled.deny, err = compilePatterns(rule.Deny)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
			}
		case RulePermission, RuleResourceLimit:
		default:
			return nil, fmt.Errorf("rule %s: unknown rule type %q", rule.ID, rule.Type)
		}

		out.rules = append(out.rules, compiled)
	}

	return out, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))

	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}

		out = append(out, re)
	}

	return out, nil
}

func (r *compiledRule) risk() models.RiskLevel {
	if r.Risk != "" {
		return r.Risk
	}

	switch r.Effect {
	case EffectDeny:
		return models.RiskHigh
	case EffectRequireApproval:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// contentViolation reports whether text violates the filter: any deny pattern
// matches, or an allow list exists and nothing in it matches.
func (r *compiledRule) contentViolation(text string) (bool, string) {
	for _, re := range r.deny {
		if re.MatchString(text) {
			return true, fmt.Sprintf("content matches restricted pattern: %s", re.String())
		}
	}

	if len(r.allow) == 0 {
		return false, ""
	}

	for _, re := range r.allow {
		if re.MatchString(text) {
			return false, ""
		}
	}

	return true, "content does not match any allowed pattern"
}
