package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges an optional TOML file at path on top of the built-in defaults,
// loads .env if present, and applies LENDING_* environment overrides. An
// empty path skips the file. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from LENDING_* environment
// variables that are set and parse. Malformed values are ignored and the
// previous value stays in place.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "LENDING_LOG_LEVEL")

	// ── Server ──
	setInt(&cfg.Server.Port, "LENDING_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-provided port wins
	setDuration(&cfg.Server.ShutdownTimeout, "LENDING_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "LENDING_REQUEST_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "LENDING_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "LENDING_DATABASE_RUN_MIGRATIONS")
	setInt(&cfg.Database.MaxConns, "LENDING_DATABASE_MAX_CONNS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "LENDING_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "LENDING_REDIS_CACHE_TTL")

	// ── Ledger / Oracle ──
	setStr(&cfg.Ledger.Backend, "LENDING_LEDGER_BACKEND")
	setStr(&cfg.Oracle.Backend, "LENDING_ORACLE_BACKEND")
	setDecimal(&cfg.Oracle.InitialPrice, "LENDING_ORACLE_INITIAL_PRICE")

	// ── Lending ──
	setStr(&cfg.Lending.Pair, "LENDING_PAIR")
	setStr(&cfg.Lending.Custody, "LENDING_CUSTODY")
	setStr(&cfg.Lending.PoolOwner, "LENDING_POOL_OWNER")
	setDecimal(&cfg.Lending.LTV, "LENDING_LTV")
	setDecimal(&cfg.Lending.FeeRate, "LENDING_FEE_RATE")
	setDuration(&cfg.Lending.LoanTerm, "LENDING_LOAN_TERM")

	// ── Liquidation ──
	setStr(&cfg.Liquidation.Curve, "LENDING_LIQUIDATION_CURVE")
	setDecimal(&cfg.Liquidation.MaxBonus, "LENDING_LIQUIDATION_MAX_BONUS")
	setDuration(&cfg.Liquidation.Ramp, "LENDING_LIQUIDATION_RAMP")
	setDuration(&cfg.Liquidation.Step, "LENDING_LIQUIDATION_STEP")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
