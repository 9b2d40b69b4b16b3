// Package config assembles the service configuration from three layers:
// built-in defaults, an optional YAML profile, and GATEHOUSE_* environment
// variables. The environment always wins. A numeric value that fails to
// parse aborts startup instead of silently keeping the default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogsDir    string `yaml:"logs_dir"`
	LogLevel   string `yaml:"log_level"`

	ChainID             string  `yaml:"chain_id"`
	FeeMultiplier       float64 `yaml:"fee_multiplier"`
	QueueCapacity       int     `yaml:"queue_capacity"`
	IdempotencyWindowMs int64   `yaml:"idempotency_window_ms"`

	Limits     Limits     `yaml:"limits"`
	Policy     Policy     `yaml:"policy"`
	ProfitGate ProfitGate `yaml:"profit_gate"`
	Store      Store      `yaml:"store"`
	Limiter    Limiter    `yaml:"limiter"`
	Auth       Auth       `yaml:"auth"`
	Validation Validation `yaml:"validation"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	Edge       Edge       `yaml:"edge"`
	Archive    Archive    `yaml:"archive"`
}

// Limits bounds the Screen stage. A zero value disables the matching
// check.
type Limits struct {
	MaxBytes      int64 `yaml:"max_bytes"`
	MaxGas        int64 `yaml:"max_gas"`
	MinDeadlineMs int64 `yaml:"min_deadline_ms"`
	RateLimit     bool  `yaml:"rate_limit"`
}

// Policy configures admission.
type Policy struct {
	AllowedAccounts []string `yaml:"allowed_accounts"`
	Rule            string   `yaml:"rule"`
}

// ProfitGate carries the economic floor. Wei amounts are decimal strings
// so arbitrary precision survives every config layer.
type ProfitGate struct {
	MinProfitWei      string `yaml:"min_profit_wei"`
	MinRoiBps         int64  `yaml:"min_roi_bps"`
	MaxFeePerGas      string `yaml:"max_fee_per_gas"`
	MaxPriorityFeeGas string `yaml:"max_priority_fee_gas"`
	FlashLoanUsed     bool   `yaml:"flash_loan_used"`
	FlashPremiumBps   int64  `yaml:"flash_premium_bps"`
	TipWei            string `yaml:"tip_wei"`
}

// Store selects the intent persistence backend.
type Store struct {
	Backend     string `yaml:"backend"` // memory | sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Limiter selects the rate-limit backend and bucket shape.
type Limiter struct {
	Backend       string  `yaml:"backend"` // memory | redis
	RedisAddr     string  `yaml:"redis_addr"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Auth enables the bearer-token middleware when Secret is non-empty.
type Auth struct {
	Secret string `yaml:"secret"`
}

// Validation points at an optional JSON Schema for intent payloads and
// the optional hex-encoded ed25519 key signed payloads verify against.
type Validation struct {
	SchemaPath     string `yaml:"schema_path"`
	VerifierPubKey string `yaml:"verifier_pub_key"`
}

// Telemetry configures the OpenTelemetry exporters.
type Telemetry struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Edge points at an optional WASM plugin binary.
type Edge struct {
	Plugin string `yaml:"plugin"`
}

// Archive configures the export destination.
type Archive struct {
	Backend  string `yaml:"backend"` // dir | s3 | gcs
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"` // custom S3 endpoint, e.g. MinIO
}

// Default returns the development configuration: memory store, memory
// limiter, telemetry off, every optional check disabled except the
// payload size bound.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		LogsDir:             "logs",
		LogLevel:            "info",
		QueueCapacity:       1024,
		IdempotencyWindowMs: 60_000,
		Limits: Limits{
			MaxBytes: 128 * 1024,
		},
		Store: Store{
			Backend:    "memory",
			SQLitePath: "gatehouse.db",
		},
		Limiter: Limiter{
			Backend:       "memory",
			RedisAddr:     "localhost:6379",
			RatePerSecond: 50,
			Burst:         100,
		},
		Telemetry: Telemetry{
			OTLPEndpoint: "localhost:4317",
		},
		Archive: Archive{
			Backend: "dir",
			Dir:     "archive",
		},
	}
}

// Load builds the configuration. profilePath selects the YAML profile;
// when empty, GATEHOUSE_PROFILE is consulted, and when that is empty too
// no profile is read.
func Load(profilePath string) (*Config, error) {
	cfg := Default()
	if profilePath == "" {
		profilePath = os.Getenv("GATEHOUSE_PROFILE")
	}
	if profilePath != "" {
		if err := loadProfile(cfg, profilePath); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString(&c.ListenAddr, "GATEHOUSE_LISTEN_ADDR")
	envString(&c.LogsDir, "GATEHOUSE_LOGS_DIR")
	envString(&c.LogLevel, "GATEHOUSE_LOG_LEVEL")
	envString(&c.ChainID, "GATEHOUSE_CHAIN_ID")
	envString(&c.Policy.Rule, "GATEHOUSE_POLICY_RULE")
	envString(&c.ProfitGate.MinProfitWei, "GATEHOUSE_MIN_PROFIT_WEI")
	envString(&c.ProfitGate.MaxFeePerGas, "GATEHOUSE_MAX_FEE_PER_GAS")
	envString(&c.ProfitGate.MaxPriorityFeeGas, "GATEHOUSE_MAX_PRIORITY_FEE_GAS")
	envString(&c.ProfitGate.TipWei, "GATEHOUSE_TIP_WEI")
	envString(&c.Store.Backend, "GATEHOUSE_STORE_BACKEND")
	envString(&c.Store.SQLitePath, "GATEHOUSE_SQLITE_PATH")
	envString(&c.Store.PostgresDSN, "GATEHOUSE_POSTGRES_DSN")
	envString(&c.Limiter.Backend, "GATEHOUSE_LIMITER_BACKEND")
	envString(&c.Limiter.RedisAddr, "GATEHOUSE_REDIS_ADDR")
	envString(&c.Auth.Secret, "GATEHOUSE_AUTH_SECRET")
	envString(&c.Validation.SchemaPath, "GATEHOUSE_SCHEMA_PATH")
	envString(&c.Validation.VerifierPubKey, "GATEHOUSE_VERIFIER_PUBKEY")
	envString(&c.Telemetry.OTLPEndpoint, "GATEHOUSE_OTLP_ENDPOINT")
	envString(&c.Edge.Plugin, "GATEHOUSE_EDGE_PLUGIN")
	envString(&c.Archive.Backend, "GATEHOUSE_ARCHIVE_BACKEND")
	envString(&c.Archive.Dir, "GATEHOUSE_ARCHIVE_DIR")
	envString(&c.Archive.Bucket, "GATEHOUSE_ARCHIVE_BUCKET")
	envString(&c.Archive.Prefix, "GATEHOUSE_ARCHIVE_PREFIX")
	envString(&c.Archive.Endpoint, "GATEHOUSE_ARCHIVE_ENDPOINT")
	envList(&c.Policy.AllowedAccounts, "GATEHOUSE_ALLOWED_ACCOUNTS")

	return errors.Join(
		envFloat(&c.FeeMultiplier, "GATEHOUSE_FEE_MULTIPLIER"),
		envInt(&c.QueueCapacity, "GATEHOUSE_QUEUE_CAPACITY"),
		envInt64(&c.IdempotencyWindowMs, "GATEHOUSE_IDEMPOTENCY_WINDOW_MS"),
		envInt64(&c.Limits.MaxBytes, "GATEHOUSE_MAX_BYTES"),
		envInt64(&c.Limits.MaxGas, "GATEHOUSE_MAX_GAS"),
		envInt64(&c.Limits.MinDeadlineMs, "GATEHOUSE_MIN_DEADLINE_MS"),
		envBool(&c.Limits.RateLimit, "GATEHOUSE_RATE_LIMIT"),
		envInt64(&c.ProfitGate.MinRoiBps, "GATEHOUSE_MIN_ROI_BPS"),
		envBool(&c.ProfitGate.FlashLoanUsed, "GATEHOUSE_FLASH_LOAN_USED"),
		envInt64(&c.ProfitGate.FlashPremiumBps, "GATEHOUSE_FLASH_PREMIUM_BPS"),
		envFloat(&c.Limiter.RatePerSecond, "GATEHOUSE_RATE_PER_SECOND"),
		envInt(&c.Limiter.Burst, "GATEHOUSE_RATE_BURST"),
		envBool(&c.Telemetry.Enabled, "GATEHOUSE_OTLP_ENABLED"),
		envBool(&c.Telemetry.Insecure, "GATEHOUSE_OTLP_INSECURE"),
	)
}

// Validate rejects configurations that cannot run: unknown backend
// names and wei amounts that do not parse.
func (c *Config) Validate() error {
	var errs []error

	for _, wei := range []struct {
		name  string
		value string
	}{
		{"profit_gate.min_profit_wei", c.ProfitGate.MinProfitWei},
		{"profit_gate.max_fee_per_gas", c.ProfitGate.MaxFeePerGas},
		{"profit_gate.max_priority_fee_gas", c.ProfitGate.MaxPriorityFeeGas},
		{"profit_gate.tip_wei", c.ProfitGate.TipWei},
	} {
		if _, err := Wei(wei.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", wei.name, err))
		}
	}

	switch c.Store.Backend {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Store.Backend))
	}
	switch c.Limiter.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("config: unknown limiter backend %q", c.Limiter.Backend))
	}
	switch c.Archive.Backend {
	case "", "dir", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("config: unknown archive backend %q", c.Archive.Backend))
	}

	return errors.Join(errs...)
}

// IdempotencyWindow returns the freshness window as a duration.
func (c *Config) IdempotencyWindow() time.Duration {
	return time.Duration(c.IdempotencyWindowMs) * time.Millisecond
}

// MinDeadline returns the required deadline lead time as a duration.
func (c *Config) MinDeadline() time.Duration {
	return time.Duration(c.Limits.MinDeadlineMs) * time.Millisecond
}

// SlogLevel maps the configured level onto slog. Unknown values fall back
// to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Wei parses a wei amount. The empty string is zero. Scientific notation
// is accepted when it denotes an exact integer, so "1e15" works in
// profiles the same way it does in payloads.
func Wei(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	if n, ok := new(big.Int).SetString(s, 10); ok {
		return n, nil
	}
	f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, fmt.Errorf("config: wei amount %q: %w", s, err)
	}
	n, acc := f.Int(nil)
	if acc != big.Exact {
		return nil, fmt.Errorf("config: wei amount %q is not an integer", s)
	}
	return n, nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func envBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
	*dst = b
	return nil
}
