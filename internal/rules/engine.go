// Package rules compiles operator policy rules written in CEL and exposes
// them to the decision engine.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine holds the compiled operator rules. It implements
// decision.Overrides and is safe for concurrent use.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.PolicyRule
	Program cel.Program
}

// NewEngine creates a new rule engine with the decision variables declared.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("time_slot", cel.StringType),
		cel.Variable("is_new_device", cel.BoolType),
		cel.Variable("is_new_beneficiary", cel.BoolType),
		cel.Variable("location_change", cel.BoolType),
		cel.Variable("beneficiary_id", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("fraud_probability", cel.DoubleType),
		cel.Variable("vulnerability_score", cel.DoubleType),
		cel.Variable("profile_tag", cel.StringType),
		cel.Variable("alert_kinds", cel.ListType(cel.StringType)),
		cel.Variable("account_age_days", cel.IntType),
		cel.Variable("device_trust", cel.DoubleType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("history_size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded rules.
func (e *Engine) ValidateRule(cfg *domain.PolicyRule) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine. Disabled rules are
// removed.
func (e *Engine) LoadRule(cfg *domain.PolicyRule) error {
	if cfg != nil && !cfg.Enabled {
		e.mu.Lock()
		delete(e.compiledRules, cfg.ID)
		e.mu.Unlock()
		return nil
	}

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiledRules[cfg.ID] = compiled
	e.mu.Unlock()
	return nil
}

// ReloadRules clears all existing rules and loads new ones. On error the
// previous set stays active.
func (e *Engine) ReloadRules(configs []*domain.PolicyRule) error {
	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rule definitions ordered by name.
func (e *Engine) GetLoadedRules() []*domain.PolicyRule {
	compiled := e.sorted()
	out := make([]*domain.PolicyRule, 0, len(compiled))
	for _, c := range compiled {
		out = append(out, c.Config)
	}
	return out
}

// Rules returns the loaded rules with the given outcome as decision rules,
// ordered by name then id.
func (e *Engine) Rules(outcome domain.Decision) []decision.Rule {
	var out []decision.Rule
	for _, c := range e.sorted() {
		if c.Config.Outcome != outcome {
			continue
		}
		c := c
		out = append(out, decision.Rule{
			Name:    c.Config.Name,
			Outcome: c.Config.Outcome,
			Match:   func(in *decision.Input) []string { return c.match(in) },
		})
	}
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) sorted() []*CompiledRule {
	e.mu.RLock()
	out := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, c := range e.compiledRules {
		out = append(out, c)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Name != out[j].Config.Name {
			return out[i].Config.Name < out[j].Config.Name
		}
		return out[i].Config.ID < out[j].Config.ID
	})
	return out
}

// match evaluates the rule. Evaluation errors are logged and count as no
// match so a broken rule can never block traffic on its own.
func (c *CompiledRule) match(in *decision.Input) []string {
	out, _, err := c.Program.Eval(Activation(in))
	if err != nil {
		slog.Warn("policy rule evaluation failed", "rule_id", c.Config.ID, "error", err)
		return nil
	}
	if !toBool(out) {
		return nil
	}
	reason := c.Config.Reason
	if reason == "" {
		reason = fmt.Sprintf("Policy rule %q matched", c.Config.Name)
	}
	return []string{reason}
}

// Activation builds the CEL variables for a decision input.
func Activation(in *decision.Input) map[string]any {
	act := map[string]any{
		"amount":              0.0,
		"time_slot":           "",
		"is_new_device":       false,
		"is_new_beneficiary":  false,
		"location_change":     false,
		"beneficiary_id":      "",
		"device_id":           "",
		"fraud_probability":   in.FraudProbability,
		"vulnerability_score": in.VulnerabilityScore,
		"profile_tag":         string(in.Tag),
		"alert_kinds":         alertKinds(in.Alerts),
		"account_age_days":    int64(0),
		"device_trust":        0.0,
		"velocity_count":      int64(0),
		"history_size":        int64(in.HistorySize),
	}
	if tx := in.Transaction; tx != nil {
		act["amount"] = tx.Amount.InexactFloat64()
		act["time_slot"] = string(tx.TimeSlot)
		act["is_new_device"] = tx.IsNewDevice
		act["is_new_beneficiary"] = tx.IsNewBeneficiary
		act["location_change"] = tx.LocationChange
		act["beneficiary_id"] = tx.BeneficiaryID
		act["device_id"] = tx.DeviceID
	}
	if p := in.Profile; p != nil {
		act["account_age_days"] = int64(p.AccountAgeDays)
		act["device_trust"] = p.DeviceTrustScore
		act["velocity_count"] = int64(p.TransactionFrequency)
	}
	return act
}

func alertKinds(alerts []domain.PatternAlert) []string {
	kinds := make([]string, 0, len(alerts))
	for _, a := range alerts {
		kinds = append(kinds, string(a.Kind))
	}
	return kinds
}

func toBool(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}

func (e *Engine) compileRule(cfg *domain.PolicyRule) (*CompiledRule, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	if cfg.ID == "" || cfg.Name == "" {
		return nil, fmt.Errorf("%w: rule id and name are required", domain.ErrInvalidInput)
	}
	if cfg.Outcome != domain.DecisionBlock && cfg.Outcome != domain.DecisionWarn {
		return nil, fmt.Errorf("%w: rule %s outcome must be BLOCK or WARN", domain.ErrInvalidInput, cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, cfg.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s must return bool, got %s", domain.ErrInvalidInput, cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{Config: cfg, Program: program}, nil
}
