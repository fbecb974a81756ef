package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "DATABASE_URL", "REDIS_URL",
		"LENDING_LOG_LEVEL", "LENDING_PORT", "LENDING_SHUTDOWN_TIMEOUT", "LENDING_REQUEST_TIMEOUT",
		"LENDING_DATABASE_URL", "LENDING_DATABASE_RUN_MIGRATIONS", "LENDING_DATABASE_MAX_CONNS",
		"LENDING_REDIS_URL", "LENDING_REDIS_CACHE_TTL",
		"LENDING_LEDGER_BACKEND", "LENDING_ORACLE_BACKEND", "LENDING_ORACLE_INITIAL_PRICE",
		"LENDING_PAIR", "LENDING_CUSTODY", "LENDING_POOL_OWNER",
		"LENDING_LTV", "LENDING_FEE_RATE", "LENDING_LOAN_TERM",
		"LENDING_LIQUIDATION_CURVE", "LENDING_LIQUIDATION_MAX_BONUS",
		"LENDING_LIQUIDATION_RAMP", "LENDING_LIQUIDATION_STEP",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	p := cfg.Pair()
	if p.Collateral != "COLL" || p.Borrowed != "LEND" {
		t.Errorf("unexpected pair %+v", p)
	}
}

func TestLoad_NoFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Lending.LoanTerm.Duration != 30*24*time.Hour {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "lending.toml")
	body := `
log_level = "debug"

[server]
port = 9090

[lending]
pair = "ETH-USDC"
ltv = "0.75"
loan_term = "168h"

[liquidation]
curve = "step"
step = "30m"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LENDING_FEE_RATE", "0.002")
	t.Setenv("LENDING_PORT", "7070")
	t.Setenv("LENDING_LOAN_TERM", "not-a-duration")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("env should override file port, got %d", cfg.Server.Port)
	}
	if cfg.Lending.Pair != "ETH-USDC" || !cfg.Lending.LTV.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("file values not applied: %+v", cfg.Lending)
	}
	if !cfg.Lending.FeeRate.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("fee rate = %s", cfg.Lending.FeeRate)
	}
	if cfg.Lending.LoanTerm.Duration != 168*time.Hour {
		t.Errorf("malformed env value should be ignored, loan term = %s", cfg.Lending.LoanTerm.Duration)
	}
	if cfg.Liquidation.Curve != "step" || cfg.Liquidation.Step.Duration != 30*time.Minute {
		t.Errorf("liquidation = %+v", cfg.Liquidation)
	}
	// Untouched keys keep their defaults.
	if cfg.Lending.PoolOwner != "pool-owner" {
		t.Errorf("pool owner = %q", cfg.Lending.PoolOwner)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"ledger backend", func(c *Config) { c.Ledger.Backend = "s3" }, "ledger.backend"},
		{"redis ledger without url", func(c *Config) { c.Ledger.Backend = "redis" }, "requires redis.url"},
		{"redis oracle without url", func(c *Config) { c.Oracle.Backend = "redis" }, "requires redis.url"},
		{"fractional price", func(c *Config) { c.Oracle.InitialPrice = decimal.RequireFromString("1.5") }, "initial_price"},
		{"pair", func(c *Config) { c.Lending.Pair = "coll-lend" }, "lending.pair"},
		{"same asset", func(c *Config) { c.Lending.Pair = "COLL-COLL" }, "lending.pair"},
		{"custody is owner", func(c *Config) { c.Lending.Custody = c.Lending.PoolOwner }, "must differ"},
		{"ltv zero", func(c *Config) { c.Lending.LTV = decimal.Zero }, "lending.ltv"},
		{"ltv above one", func(c *Config) { c.Lending.LTV = decimal.RequireFromString("1.01") }, "lending.ltv"},
		{"negative fee", func(c *Config) { c.Lending.FeeRate = decimal.RequireFromString("-0.1") }, "fee_rate"},
		{"loan term", func(c *Config) { c.Lending.LoanTerm.Duration = 0 }, "loan_term"},
		{"curve kind", func(c *Config) { c.Liquidation.Curve = "exponential" }, "liquidation"},
		{"zero ramp", func(c *Config) { c.Liquidation.Ramp.Duration = 0 }, "liquidation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Lending.Custody = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "lending.custody"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Database.URL = "postgres://lender:hunter2@db:5432/lending"
	cfg.Redis.URL = "redis://:s3cret@cache:6379/0"

	red := RedactedConfig(&cfg)
	if strings.Contains(red.Database.URL, "hunter2") || strings.Contains(red.Redis.URL, "s3cret") {
		t.Errorf("password leaked: %q %q", red.Database.URL, red.Redis.URL)
	}
	if !strings.Contains(red.Database.URL, "db:5432") {
		t.Errorf("host should survive redaction: %q", red.Database.URL)
	}
	if cfg.Database.URL != "postgres://lender:hunter2@db:5432/lending" {
		t.Error("original config was modified")
	}
}
