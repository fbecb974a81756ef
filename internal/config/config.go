// Package config defines the lending engine's configuration, its defaults,
// and validation. Values come from an optional TOML file, a .env file, and
// LENDING_* environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/auction"
	"github.com/atmx/lending-engine/internal/pair"
)

// Config is the top-level configuration for the lending engine.
type Config struct {
	LogLevel    string            `toml:"log_level"`
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Oracle      OracleConfig      `toml:"oracle"`
	Lending     LendingConfig     `toml:"lending"`
	Liquidation LiquidationConfig `toml:"liquidation"`
}

// duration wraps time.Duration so it can be decoded from TOML strings such as
// "30s" or "720h".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
}

// DatabaseConfig selects PostgreSQL persistence. An empty URL keeps
// positions in memory.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
	MaxConns      int    `toml:"max_conns"`
}

// RedisConfig holds the Redis connection shared by the position cache, the
// Redis oracle and the Redis ledgers.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// LedgerConfig selects where asset balances live.
type LedgerConfig struct {
	Backend string `toml:"backend"` // memory | redis
}

// OracleConfig selects the price source.
type OracleConfig struct {
	Backend      string          `toml:"backend"`       // static | redis
	InitialPrice decimal.Decimal `toml:"initial_price"` // seeds the static oracle; scaled by 1e8
}

// LendingConfig holds the engine's risk parameters and accounts.
type LendingConfig struct {
	Pair      string          `toml:"pair"` // COLLATERAL-BORROWED
	Custody   string          `toml:"custody"`
	PoolOwner string          `toml:"pool_owner"`
	LTV       decimal.Decimal `toml:"ltv"`
	FeeRate   decimal.Decimal `toml:"fee_rate"`
	LoanTerm  duration        `toml:"loan_term"`
}

// LiquidationConfig selects the bonus curve for overdue positions.
type LiquidationConfig struct {
	Curve    string          `toml:"curve"` // linear | step
	MaxBonus decimal.Decimal `toml:"max_bonus"`
	Ramp     duration        `toml:"ramp"`
	Step     duration        `toml:"step"`
}

// Defaults returns a Config populated with development defaults: in-memory
// storage and ledgers, a static oracle at par, 50% LTV and a 0.1% fee.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{5 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
			MaxConns:      10,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Ledger: LedgerConfig{
			Backend: "memory",
		},
		Oracle: OracleConfig{
			Backend:      "static",
			InitialPrice: decimal.NewFromInt(100_000_000),
		},
		Lending: LendingConfig{
			Pair:      "COLL-LEND",
			Custody:   "lending-engine",
			PoolOwner: "pool-owner",
			LTV:       decimal.RequireFromString("0.5"),
			FeeRate:   decimal.RequireFromString("0.001"),
			LoanTerm:  duration{30 * 24 * time.Hour},
		},
		Liquidation: LiquidationConfig{
			Curve:    auction.CurveLinear,
			MaxBonus: decimal.RequireFromString("0.1"),
			Ramp:     duration{24 * time.Hour},
			Step:     duration{time.Hour},
		},
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the configuration for values the service cannot start
// with. Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server.request_timeout must be positive")
	}
	if c.Database.URL != "" && c.Database.MaxConns <= 0 {
		errs = append(errs, "database.max_conns must be positive")
	}

	switch c.Ledger.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "ledger.backend redis requires redis.url")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown ledger.backend %q (valid: memory, redis)", c.Ledger.Backend))
	}

	switch c.Oracle.Backend {
	case "static":
		if !c.Oracle.InitialPrice.IsPositive() || !c.Oracle.InitialPrice.IsInteger() {
			errs = append(errs, fmt.Sprintf("oracle.initial_price must be a positive integer, got %s", c.Oracle.InitialPrice))
		}
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "oracle.backend redis requires redis.url")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown oracle.backend %q (valid: static, redis)", c.Oracle.Backend))
	}

	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis.cache_ttl must be positive")
	}

	if _, err := pair.Parse(c.Lending.Pair); err != nil {
		errs = append(errs, fmt.Sprintf("lending.pair: %v", err))
	}
	if c.Lending.Custody == "" {
		errs = append(errs, "lending.custody is required")
	}
	if c.Lending.PoolOwner == "" {
		errs = append(errs, "lending.pool_owner is required")
	}
	if c.Lending.Custody != "" && c.Lending.Custody == c.Lending.PoolOwner {
		errs = append(errs, "lending.custody must differ from lending.pool_owner")
	}
	if !c.Lending.LTV.IsPositive() || c.Lending.LTV.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("lending.ltv must be in (0, 1], got %s", c.Lending.LTV))
	}
	if c.Lending.FeeRate.IsNegative() {
		errs = append(errs, fmt.Sprintf("lending.fee_rate must not be negative, got %s", c.Lending.FeeRate))
	}
	if c.Lending.LoanTerm.Duration <= 0 {
		errs = append(errs, "lending.loan_term must be positive")
	}

	if _, err := c.Liquidation.NewCurve(); err != nil {
		errs = append(errs, fmt.Sprintf("liquidation: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Pair returns the parsed asset pair. Call only after Validate succeeds.
func (c *Config) Pair() pair.Pair {
	return pair.MustParse(c.Lending.Pair)
}

// NewCurve builds the configured liquidation bonus curve.
func (l LiquidationConfig) NewCurve() (auction.BonusCurve, error) {
	return auction.NewCurve(l.Curve, l.MaxBonus, l.Ramp.Duration, l.Step.Duration)
}
