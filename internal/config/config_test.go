package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(nil))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Edition != domain.EditionCommunity {
		t.Errorf("expected community edition, got %s", cfg.Edition)
	}
	if cfg.Repository.Driver != "sqlite" || cfg.Cache.Type != "memory" || cfg.EventBus.Type != "channel" {
		t.Errorf("unexpected community stack: %+v", cfg)
	}
	if cfg.History.Capacity != 100 || cfg.Thresholds.HistoryCapacity != 100 {
		t.Errorf("expected capacity 100, got %d/%d", cfg.History.Capacity, cfg.Thresholds.HistoryCapacity)
	}
}

func TestFromEnvPro(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"KESTREL_TIER":          "pro",
		"KESTREL_REDIS_ADDR":    "redis:6379",
		"KESTREL_NATS_URL":      "nats://nats:4222",
		"KESTREL_POSTGRES_HOST": "db",
	}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Edition != domain.EditionPro || !cfg.AsyncWorker {
		t.Errorf("expected pro edition with async worker, got %+v", cfg)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Repository.PostgresHost != "db" {
		t.Errorf("unexpected repository config %+v", cfg.Repository)
	}
	if cfg.Cache.RedisAddr != "redis:6379" || cfg.History.RedisAddr != "redis:6379" {
		t.Errorf("redis address not shared: cache=%s history=%s", cfg.Cache.RedisAddr, cfg.History.RedisAddr)
	}
	if cfg.EventBus.NATSUrl != "nats://nats:4222" {
		t.Errorf("unexpected NATS url %s", cfg.EventBus.NATSUrl)
	}
	if cfg.EventBus.NATSQueueGroup != "kestrel-workers" {
		t.Errorf("expected default queue group, got %q", cfg.EventBus.NATSQueueGroup)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(lookupFrom(map[string]string{
		"KESTREL_PORT":                "9090",
		"KESTREL_DEBUG":               "true",
		"KESTREL_LOG_FORMAT":          "text",
		"KESTREL_HISTORY_CAPACITY":    "50",
		"KESTREL_BLOCK_PROBABILITY":   "0.9",
		"KESTREL_VERIFICATION_WINDOW": "2h",
		"KESTREL_MESSAGE_CACHE_TTL":   "30s",
		"KESTREL_OTLP_ENDPOINT":       "otel:4317",
	}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
	if cfg.Thresholds.HistoryCapacity != 50 {
		t.Errorf("history capacity should follow KESTREL_HISTORY_CAPACITY, got %d", cfg.Thresholds.HistoryCapacity)
	}
	if cfg.Thresholds.Decision.BlockProbability != 0.9 {
		t.Errorf("expected block probability 0.9, got %v", cfg.Thresholds.Decision.BlockProbability)
	}
	if cfg.Thresholds.Sequence.VerificationWindow != 2*time.Hour {
		t.Errorf("expected 2h window, got %v", cfg.Thresholds.Sequence.VerificationWindow)
	}
	if cfg.Cache.MessageTTL != 30*time.Second {
		t.Errorf("expected 30s ttl, got %v", cfg.Cache.MessageTTL)
	}
	if cfg.Tracing.Endpoint != "otel:4317" {
		t.Errorf("unexpected endpoint %s", cfg.Tracing.Endpoint)
	}
}

func TestFromEnvInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"malformed int":      {"KESTREL_PORT": "eighty"},
		"malformed bool":     {"KESTREL_ASYNC_WORKER": "sometimes"},
		"malformed duration": {"KESTREL_VERIFICATION_WINDOW": "1 hour"},
		"unknown driver":     {"KESTREL_DB_DRIVER": "oracle"},
		"unknown bus":        {"KESTREL_BUS_TYPE": "kafka"},
		"bad thresholds":     {"KESTREL_WARN_PROBABILITY": "0.95"},
		"bad port":           {"KESTREL_PORT": "70000"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(lookupFrom(vars))
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KESTREL_PORT=7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port from .env, got %d", cfg.Server.Port)
	}
}

func TestFromEnvThresholdsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.json")
	body := `{
		"historyCapacity": 7,
		"vulnerability": {"weights": {"accountAge": 0.3, "deviceTrust": 0.1, "behavior": 0.2,
			"reputation": 0.15, "beneficiaryTrust": 0.15, "location": 0.1}},
		"profile": {"ruralRegions": ["Shimla"]},
		"sequence": {"nightLargeAmount": "50000", "criticalRatio": "500", "rapidSwitchMaxBeneficiaries": 6},
		"message": {"points": {"suspiciousKeyword": 5, "categories": {"COURIER_SCAM": 40}}}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := FromEnv(lookupFrom(map[string]string{
		"KESTREL_THRESHOLDS_FILE":   path,
		"KESTREL_BLOCK_PROBABILITY": "0.9",
	}))
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	th := cfg.Thresholds
	if th.Vulnerability.Weights.AccountAge != 0.3 {
		t.Errorf("expected account age weight 0.3, got %v", th.Vulnerability.Weights.AccountAge)
	}
	if len(th.Profile.RuralRegions) != 1 || th.Profile.RuralRegions[0] != "Shimla" {
		t.Errorf("unexpected rural regions %v", th.Profile.RuralRegions)
	}
	if th.Sequence.NightLargeAmount.String() != "50000" || th.Sequence.CriticalRatio.String() != "500" {
		t.Errorf("unexpected sequence amounts %s/%s", th.Sequence.NightLargeAmount, th.Sequence.CriticalRatio)
	}
	if th.Sequence.RapidSwitchMaxBeneficiaries != 6 {
		t.Errorf("expected max beneficiaries 6, got %d", th.Sequence.RapidSwitchMaxBeneficiaries)
	}
	if th.Message.Points.SuspiciousKeyword != 5 {
		t.Errorf("expected keyword points 5, got %v", th.Message.Points.SuspiciousKeyword)
	}
	if th.Message.Points.Categories[domain.CategoryCourierScam] != 40 || th.Message.Points.Categories[domain.CategoryKYCScam] != 30 {
		t.Errorf("category points not merged: %v", th.Message.Points.Categories)
	}
	if th.Message.Points.Link != 20 || th.Sequence.ProbeAmount.String() != "10" {
		t.Error("fields absent from the file should keep their defaults")
	}
	if th.Decision.BlockProbability != 0.9 {
		t.Errorf("env keys should apply after the file, got %v", th.Decision.BlockProbability)
	}
	if th.HistoryCapacity != cfg.History.Capacity {
		t.Errorf("history capacity should follow KESTREL_HISTORY_CAPACITY, got %d", th.HistoryCapacity)
	}
}

func TestFromEnvThresholdsFileInvalid(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	cases := map[string]string{
		"missing file":   filepath.Join(dir, "absent.json"),
		"malformed json": write("broken.json", `{"decision":`),
		"unknown field":  write("typo.json", `{"decison": {"blockProbability": 0.9}}`),
		"weights off":    write("weights.json", `{"vulnerability": {"weights": {"accountAge": 0.9}}}`),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(lookupFrom(map[string]string{"KESTREL_THRESHOLDS_FILE": path}))
			if !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
