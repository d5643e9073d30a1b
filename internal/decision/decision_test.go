package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newEngine(o Overrides) *Engine {
	return New(domain.DefaultThresholds().Decision, o)
}

func alert(sev domain.Severity, desc string) domain.PatternAlert {
	return domain.PatternAlert{Kind: domain.PatternVerificationAttack, Severity: sev, Description: desc}
}

func TestDecide(t *testing.T) {
	e := newEngine(nil)

	tests := []struct {
		name string
		in   Input
		want domain.Decision
		rule string
	}{
		{"clean", Input{FraudProbability: 0.05, VulnerabilityScore: 10}, domain.DecisionAllow, RuleDefaultAllow},
		{"critical alert beats low scores", Input{FraudProbability: 0.01, Alerts: []domain.PatternAlert{alert(domain.SeverityCritical, "x")}}, domain.DecisionBlock, RuleCriticalPattern},
		{"probability block boundary", Input{FraudProbability: 0.8}, domain.DecisionBlock, RuleBlockThreshold},
		{"vulnerability block boundary", Input{VulnerabilityScore: 80}, domain.DecisionBlock, RuleBlockThreshold},
		{"high alert warns", Input{Alerts: []domain.PatternAlert{alert(domain.SeverityHigh, "x")}}, domain.DecisionWarn, RuleWarnThreshold},
		{"probability warn boundary", Input{FraudProbability: 0.5}, domain.DecisionWarn, RuleWarnThreshold},
		{"vulnerability warn boundary", Input{VulnerabilityScore: 50}, domain.DecisionWarn, RuleWarnThreshold},
		{"just below warn", Input{FraudProbability: 0.49, VulnerabilityScore: 49.9}, domain.DecisionAllow, RuleDefaultAllow},
		{"medium alert ignored", Input{Alerts: []domain.PatternAlert{{Severity: domain.SeverityMedium}}}, domain.DecisionAllow, RuleDefaultAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.Decide(&tt.in)
			assert.Equal(t, tt.want, out.Decision)
			assert.Equal(t, tt.rule, out.Rule)
			assert.NotEmpty(t, out.Reasons)
		})
	}
}

func TestDecide_Reasons(t *testing.T) {
	e := newEngine(nil)

	out := e.Decide(&Input{FraudProbability: 0.85, VulnerabilityScore: 82})

	require.Equal(t, domain.DecisionBlock, out.Decision)
	assert.Equal(t, []string{
		"Fraud probability 85% at or above block threshold 80%",
		"Vulnerability score 82/100 at or above block threshold 80",
	}, out.Reasons)

	out = e.Decide(&Input{Alerts: []domain.PatternAlert{
		alert(domain.SeverityCritical, "first"),
		alert(domain.SeverityHigh, "ignored"),
		alert(domain.SeverityCritical, "second"),
	}})
	assert.Equal(t, []string{"first", "second"}, out.Reasons)
}

type staticOverrides map[domain.Decision][]Rule

func (s staticOverrides) Rules(d domain.Decision) []Rule { return s[d] }

func TestPolicyOrder(t *testing.T) {
	always := func(*Input) []string { return []string{"hit"} }
	e := newEngine(staticOverrides{
		domain.DecisionBlock: {{Name: "op-block", Outcome: domain.DecisionBlock, Match: always}},
		domain.DecisionWarn:  {{Name: "op-warn", Outcome: domain.DecisionWarn, Match: always}},
	})

	var names []string
	for _, r := range e.Policy() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{RuleCriticalPattern, RuleBlockThreshold, "op-block", RuleWarnThreshold, "op-warn", RuleDefaultAllow}, names)
}

func TestOverridesOnlyEscalate(t *testing.T) {
	never := func(*Input) []string { return nil }
	bigAmount := func(in *Input) []string {
		if in.HistorySize == 0 {
			return []string{"first transaction"}
		}
		return nil
	}
	e := newEngine(staticOverrides{
		domain.DecisionBlock: {{Name: "never", Outcome: domain.DecisionBlock, Match: never}},
		domain.DecisionWarn:  {{Name: "first-tx", Outcome: domain.DecisionWarn, Match: bigAmount}},
	})

	out := e.Decide(&Input{FraudProbability: 0.1})
	assert.Equal(t, domain.DecisionWarn, out.Decision)
	assert.Equal(t, "first-tx", out.Rule)

	out = e.Decide(&Input{FraudProbability: 0.9})
	assert.Equal(t, domain.DecisionBlock, out.Decision)
	assert.Equal(t, RuleBlockThreshold, out.Rule)
}
