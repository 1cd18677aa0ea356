// Package config loads agent and CLI configuration: defaults, then an
// optional YAML file, then the environment (including a local .env file).
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds everything the binary needs. Protocol packages never read it
// directly; cmd/proofgate hands them the values through constructors.
type Config struct {
	AgentName string `yaml:"agent_name" validate:"required"`

	Backend   BackendConfig   `yaml:"backend"`
	AI        AIConfig        `yaml:"ai"`
	Payment   PaymentConfig   `yaml:"payment"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Transport TransportConfig `yaml:"transport"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Budget    BudgetConfig    `yaml:"budget"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type BackendConfig struct {
	URL       string `yaml:"url" validate:"required,url"`
	APIKey    string `yaml:"api_key"`
	ProjectID string `yaml:"project_id"`
}

type AIConfig struct {
	Mode         string `yaml:"mode" validate:"oneof=simple shared custom"`
	SystemPrompt string `yaml:"system_prompt"`
}

// PaymentConfig describes the wallet and the micropayment rail.
type PaymentConfig struct {
	PrivateKey   string `yaml:"private_key"`
	Recipient    string `yaml:"recipient" validate:"omitempty,eth_addr"`
	Currency     string `yaml:"currency" validate:"required"`
	Chain        string `yaml:"chain" validate:"required"`
	RPCURL       string `yaml:"rpc_url" validate:"required,url"`
	ChainID      int64  `yaml:"chain_id" validate:"gte=0"`
	USDCContract string `yaml:"usdc_contract" validate:"required,eth_addr"`
	USDCDecimals int    `yaml:"usdc_decimals" validate:"gte=0,lte=36"`
}

type TimeoutConfig struct {
	Proof         time.Duration `yaml:"proof" validate:"gt=0"`
	HTTP          time.Duration `yaml:"http" validate:"gt=0"`
	Action        time.Duration `yaml:"action" validate:"gt=0"`
	Confirmations time.Duration `yaml:"confirmations" validate:"gt=0"`
	PlatformPoll  time.Duration `yaml:"platform_poll" validate:"gt=0"`
}

// Transport kinds.
const (
	TransportConsole = "console"
	TransportRedis   = "redis"
	TransportNATS    = "nats"
)

type TransportConfig struct {
	Kind  string      `yaml:"kind" validate:"oneof=console redis nats"`
	Redis RedisConfig `yaml:"redis"`
	NATS  NATSConfig  `yaml:"nats"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	StreamIn  string `yaml:"stream_in"`
	StreamOut string `yaml:"stream_out"`
	Group     string `yaml:"group"`
}

type NATSConfig struct {
	URL              string `yaml:"url"`
	SubjectIn        string `yaml:"subject_in"`
	SubjectOutPrefix string `yaml:"subject_out_prefix"`
}

type LedgerConfig struct {
	// DSN is empty or "memory", "sqlite:<path>", or a postgres:// URL.
	DSN string `yaml:"dsn"`
}

// BudgetConfig limits are in currency units, e.g. "1.50" USDC. Zero means
// unlimited for that window.
type BudgetConfig struct {
	DailyLimit       string `yaml:"daily_limit" validate:"omitempty,numeric"`
	MonthlyLimit     string `yaml:"monthly_limit" validate:"omitempty,numeric"`
	SenderRatePerMin int    `yaml:"sender_rate_per_min" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		AgentName: "proofgate",
		Backend:   BackendConfig{URL: "http://localhost:8000"},
		AI:        AIConfig{Mode: "simple"},
		Payment: PaymentConfig{
			Currency:     "USDC",
			Chain:        "base",
			RPCURL:       "https://mainnet.base.org",
			ChainID:      8453,
			USDCContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			USDCDecimals: 6,
		},
		Timeouts: TimeoutConfig{
			Proof:         2 * time.Minute,
			HTTP:          30 * time.Second,
			Action:        5 * time.Minute,
			Confirmations: 2 * time.Minute,
			PlatformPoll:  3 * time.Minute,
		},
		Transport: TransportConfig{
			Kind: TransportConsole,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				StreamIn:  "proofgate:inbox",
				StreamOut: "proofgate:outbox",
				Group:     "proofgate",
			},
			NATS: NATSConfig{
				URL:              "nats://localhost:4222",
				SubjectIn:        "proofgate.inbox",
				SubjectOutPrefix: "proofgate.outbox.",
			},
		},
		Budget:    BudgetConfig{SenderRatePerMin: 20},
		Telemetry: TelemetryConfig{OTLPEndpoint: "localhost:4317"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Transport.Kind {
	case TransportRedis:
		if c.Transport.Redis.Addr == "" || c.Transport.Redis.StreamIn == "" || c.Transport.Redis.StreamOut == "" {
			return errors.New("invalid config: redis transport needs addr, stream_in and stream_out")
		}
	case TransportNATS:
		if c.Transport.NATS.URL == "" || c.Transport.NATS.SubjectIn == "" {
			return errors.New("invalid config: nats transport needs url and subject_in")
		}
	}
	if c.AI.Mode == "custom" && strings.TrimSpace(c.AI.SystemPrompt) == "" {
		return errors.New("invalid config: ai mode custom needs a system prompt")
	}
	return nil
}

// BudgetLimits returns the daily and monthly limits in currency units.
func (c *Config) BudgetLimits() (daily, monthly decimal.Decimal) {
	daily, _ = decimal.NewFromString(orZero(c.Budget.DailyLimit))
	monthly, _ = decimal.NewFromString(orZero(c.Budget.MonthlyLimit))
	return daily, monthly
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

type lookupFunc func(string) (string, bool)

func applyEnv(c *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("AGENT_NAME", &c.AgentName)
	str("ISO_MW_API_URL", &c.Backend.URL)
	str("ISO_MW_API_KEY", &c.Backend.APIKey)
	str("ISO_MW_PROJECT_ID", &c.Backend.ProjectID)
	str("AI_MODE", &c.AI.Mode)
	str("AI_SYSTEM_PROMPT", &c.AI.SystemPrompt)

	str("WALLET_PRIVATE_KEY", &c.Payment.PrivateKey)
	str("X402_RECIPIENT", &c.Payment.Recipient)
	str("X402_CURRENCY", &c.Payment.Currency)
	str("X402_CHAIN", &c.Payment.Chain)
	str("CHAIN_RPC_URL", &c.Payment.RPCURL)
	if v, ok := lookup("CHAIN_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CHAIN_ID: %w", err))
		} else {
			c.Payment.ChainID = id
		}
	}
	str("USDC_CONTRACT", &c.Payment.USDCContract)
	num("USDC_DECIMALS", &c.Payment.USDCDecimals)

	dur("PROOF_TIMEOUT", &c.Timeouts.Proof)
	dur("HTTP_TIMEOUT", &c.Timeouts.HTTP)
	dur("ACTION_TIMEOUT", &c.Timeouts.Action)
	dur("CONFIRMATIONS_TIMEOUT", &c.Timeouts.Confirmations)
	dur("PLATFORM_POLL_TIMEOUT", &c.Timeouts.PlatformPoll)

	str("TRANSPORT", &c.Transport.Kind)
	str("REDIS_ADDR", &c.Transport.Redis.Addr)
	str("REDIS_STREAM_IN", &c.Transport.Redis.StreamIn)
	str("REDIS_STREAM_OUT", &c.Transport.Redis.StreamOut)
	str("REDIS_GROUP", &c.Transport.Redis.Group)
	str("NATS_URL", &c.Transport.NATS.URL)
	str("NATS_SUBJECT_IN", &c.Transport.NATS.SubjectIn)
	str("NATS_SUBJECT_OUT_PREFIX", &c.Transport.NATS.SubjectOutPrefix)

	str("LEDGER_DSN", &c.Ledger.DSN)
	str("BUDGET_DAILY_LIMIT", &c.Budget.DailyLimit)
	str("BUDGET_MONTHLY_LIMIT", &c.Budget.MonthlyLimit)
	num("SENDER_RATE_PER_MIN", &c.Budget.SenderRatePerMin)

	boolean("OTEL_ENABLED", &c.Telemetry.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	c.Log.Level = strings.ToLower(c.Log.Level)
	c.AI.Mode = strings.ToLower(c.AI.Mode)
	c.Transport.Kind = strings.ToLower(c.Transport.Kind)

	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log section.
func NewLogger(lc LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
