// Package decision maps scores and alerts to ALLOW, WARN or BLOCK through an
// explicit ordered policy.
package decision

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Built-in rule names.
const (
	RuleCriticalPattern = "critical-pattern"
	RuleBlockThreshold  = "block-threshold"
	RuleWarnThreshold   = "warn-threshold"
	RuleDefaultAllow    = "default-allow"
)

// Input contains all data needed for a decision.
type Input struct {
	Transaction        *domain.Transaction
	Profile            *domain.IdentityProfile
	Tag                domain.ProfileTag
	FraudProbability   float64
	VulnerabilityScore float64
	Alerts             []domain.PatternAlert
	HistorySize        int
}

// Rule is one step of the policy. Match returns the reasons the rule fired;
// an empty result means it did not.
type Rule struct {
	Name    string
	Outcome domain.Decision
	Match   func(in *Input) []string
}

// Outcome is the decision together with the rule that produced it.
type Outcome struct {
	Decision domain.Decision
	Rule     string
	Reasons  []string
}

// Overrides supplies operator rules for an outcome. BLOCK rules are placed
// after the built-in block rules and WARN rules after the built-in warn rule.
type Overrides interface {
	Rules(outcome domain.Decision) []Rule
}

// Engine evaluates the ordered policy. It holds no per-call state.
type Engine struct {
	th        domain.DecisionThresholds
	overrides Overrides
}

// New creates a decision engine. overrides may be nil.
func New(th domain.DecisionThresholds, overrides Overrides) *Engine {
	return &Engine{th: th, overrides: overrides}
}

// Policy returns the rules in evaluation order.
func (e *Engine) Policy() []Rule {
	policy := []Rule{
		{Name: RuleCriticalPattern, Outcome: domain.DecisionBlock, Match: e.criticalPattern},
		{Name: RuleBlockThreshold, Outcome: domain.DecisionBlock, Match: e.blockThreshold},
	}
	if e.overrides != nil {
		policy = append(policy, e.overrides.Rules(domain.DecisionBlock)...)
	}
	policy = append(policy, Rule{Name: RuleWarnThreshold, Outcome: domain.DecisionWarn, Match: e.warnThreshold})
	if e.overrides != nil {
		policy = append(policy, e.overrides.Rules(domain.DecisionWarn)...)
	}
	return append(policy, Rule{Name: RuleDefaultAllow, Outcome: domain.DecisionAllow, Match: defaultAllow})
}

// Decide returns the outcome of the first rule that matches.
func (e *Engine) Decide(in *Input) Outcome {
	for _, r := range e.Policy() {
		if reasons := r.Match(in); len(reasons) > 0 {
			return Outcome{Decision: r.Outcome, Rule: r.Name, Reasons: reasons}
		}
	}
	// unreachable while default-allow is last
	return Outcome{Decision: domain.DecisionAllow, Rule: RuleDefaultAllow}
}

func (e *Engine) criticalPattern(in *Input) []string {
	return alertReasons(in.Alerts, domain.SeverityCritical)
}

func (e *Engine) blockThreshold(in *Input) []string {
	var reasons []string
	if in.FraudProbability >= e.th.BlockProbability {
		reasons = append(reasons, fmt.Sprintf("Fraud probability %.0f%% at or above block threshold %.0f%%",
			in.FraudProbability*100, e.th.BlockProbability*100))
	}
	if in.VulnerabilityScore >= e.th.BlockVulnerability {
		reasons = append(reasons, fmt.Sprintf("Vulnerability score %.0f/100 at or above block threshold %.0f",
			in.VulnerabilityScore, e.th.BlockVulnerability))
	}
	return reasons
}

func (e *Engine) warnThreshold(in *Input) []string {
	reasons := alertReasons(in.Alerts, domain.SeverityHigh)
	if in.FraudProbability >= e.th.WarnProbability {
		reasons = append(reasons, fmt.Sprintf("Fraud probability %.0f%% at or above warn threshold %.0f%%",
			in.FraudProbability*100, e.th.WarnProbability*100))
	}
	if in.VulnerabilityScore >= e.th.WarnVulnerability {
		reasons = append(reasons, fmt.Sprintf("Vulnerability score %.0f/100 at or above warn threshold %.0f",
			in.VulnerabilityScore, e.th.WarnVulnerability))
	}
	return reasons
}

func defaultAllow(*Input) []string {
	return []string{"No risk indicator reached a warn threshold"}
}

func alertReasons(alerts []domain.PatternAlert, severity domain.Severity) []string {
	var reasons []string
	for _, a := range alerts {
		if a.Severity == severity {
			reasons = append(reasons, a.Description)
		}
	}
	return reasons
}
