package rules

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func newRule(id, expr string, outcome domain.Decision) *domain.PolicyRule {
	return &domain.PolicyRule{
		ID:         id,
		Name:       id,
		Expression: expr,
		Outcome:    outcome,
		Reason:     "matched " + id,
		Enabled:    true,
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	if err := engine.LoadRule(newRule("night-big", `time_slot == "Night" && amount > 10000.0`, domain.DecisionWarn)); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}

	disabled := newRule("night-big", "true", domain.DecisionWarn)
	disabled.Enabled = false
	if err := engine.LoadRule(disabled); err != nil {
		t.Fatalf("failed to disable rule: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("expected disabled rule to be unloaded, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	tests := []struct {
		name string
		rule *domain.PolicyRule
	}{
		{"syntax", newRule("bad", "this is not valid CEL !!!", domain.DecisionBlock)},
		{"non bool", newRule("num", "amount * 2.0", domain.DecisionBlock)},
		{"unknown variable", newRule("unk", "debtor_id == 'x'", domain.DecisionBlock)},
		{"allow outcome", newRule("allow", "true", domain.DecisionAllow)},
		{"missing id", &domain.PolicyRule{Name: "x", Expression: "true", Outcome: domain.DecisionWarn, Enabled: true}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.LoadRule(tt.rule)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not load, got %d", engine.RulesCount())
	}
}

func TestRulesMatch(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(newRule("first-timer-big", "history_size == 0 && amount >= 25000.0", domain.DecisionBlock))
	engine.LoadRule(newRule("attack-seen", `"RapidSwitching" in alert_kinds`, domain.DecisionWarn))
	engine.LoadRule(newRule("busy-new", `profile_tag == "NewUser" && velocity_count > 3`, domain.DecisionWarn))

	in := &decision.Input{
		Transaction: &domain.Transaction{Amount: decimal.NewFromInt(30000), TimeSlot: domain.SlotMorning},
		Profile:     &domain.IdentityProfile{TransactionFrequency: 5},
		Tag:         domain.TagNewUser,
		Alerts:      []domain.PatternAlert{{Kind: domain.PatternRapidSwitching}},
	}

	block := engine.Rules(domain.DecisionBlock)
	if len(block) != 1 {
		t.Fatalf("expected 1 block rule, got %d", len(block))
	}
	if got := block[0].Match(in); len(got) != 1 || got[0] != "matched first-timer-big" {
		t.Errorf("unexpected block reasons: %v", got)
	}

	warn := engine.Rules(domain.DecisionWarn)
	if len(warn) != 2 {
		t.Fatalf("expected 2 warn rules, got %d", len(warn))
	}
	if warn[0].Name != "attack-seen" || warn[1].Name != "busy-new" {
		t.Errorf("expected rules ordered by name, got %s, %s", warn[0].Name, warn[1].Name)
	}
	for _, r := range warn {
		if len(r.Match(in)) == 0 {
			t.Errorf("rule %s should match", r.Name)
		}
	}

	in.HistorySize = 3
	if got := block[0].Match(in); len(got) != 0 {
		t.Errorf("expected no match with history, got %v", got)
	}
}

func TestOverridesInDecisionPolicy(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(newRule("new-device-night", `is_new_device && time_slot == "Night"`, domain.DecisionBlock))

	d := decision.New(domain.DefaultThresholds().Decision, engine)
	out := d.Decide(&decision.Input{
		Transaction:      &domain.Transaction{Amount: decimal.NewFromInt(100), TimeSlot: domain.SlotNight, IsNewDevice: true},
		FraudProbability: 0.1,
	})

	if out.Decision != domain.DecisionBlock || out.Rule != "new-device-night" {
		t.Errorf("expected operator block, got %s via %s", out.Decision, out.Rule)
	}
}

func TestDefaultReason(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	r := newRule("r1", "true", domain.DecisionWarn)
	r.Reason = ""
	engine.LoadRule(r)

	got := engine.Rules(domain.DecisionWarn)[0].Match(&decision.Input{})
	if len(got) != 1 || got[0] != `Policy rule "r1" matched` {
		t.Errorf("unexpected reason: %v", got)
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(newRule("old", "true", domain.DecisionWarn))

	err := engine.ReloadRules([]*domain.PolicyRule{
		newRule("a", "amount > 1.0", domain.DecisionWarn),
		newRule("b", "amount > 2.0", domain.DecisionBlock),
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules after reload, got %d", engine.RulesCount())
	}

	err = engine.ReloadRules([]*domain.PolicyRule{newRule("broken", "amount >", domain.DecisionWarn)})
	if err == nil {
		t.Fatal("expected reload error")
	}
	if engine.RulesCount() != 2 {
		t.Errorf("failed reload must keep previous rules, got %d", engine.RulesCount())
	}

	loaded := engine.GetLoadedRules()
	if loaded[0].ID != "a" || loaded[1].ID != "b" {
		t.Errorf("unexpected loaded order: %s, %s", loaded[0].ID, loaded[1].ID)
	}
}

func TestConcurrentLoadAndEvaluate(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	in := &decision.Input{Transaction: &domain.Transaction{Amount: decimal.NewFromInt(10)}}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			engine.LoadRule(newRule(fmt.Sprintf("rule-%d", i), "amount > 0.0", domain.DecisionWarn))
		}(i)
		go func() {
			defer wg.Done()
			for _, r := range engine.Rules(domain.DecisionWarn) {
				r.Match(in)
			}
		}()
	}
	wg.Wait()

	if engine.RulesCount() != 20 {
		t.Errorf("expected 20 rules, got %d", engine.RulesCount())
	}
}
