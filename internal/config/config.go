package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config contains all runtime settings for the terminal orchestration service.
type Config struct {
	Env              string
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	IAMMode        string
	IAMBaseURL     string
	IAMTimeout     time.Duration
	IAMBearerToken string

	SessionRefreshInterval time.Duration
	SessionStatusInterval  time.Duration
	SessionMaxLifetime     time.Duration

	ApprovalPollInterval time.Duration
	ApprovalTimeout      time.Duration

	WithdrawDenomination decimal.Decimal
	WithdrawMin          decimal.Decimal
	WithdrawMax          decimal.Decimal
	Currency             string

	TerminalCustomerID string

	DatabaseURL       string
	ReceiptRetention  int
	RedisURL          string
	CredentialKey     string
	KafkaBrokers      []string
	KafkaReceiptTopic string
}

// LoadDotEnv reads variables from the given files (".env" when none are
// given) without overriding the process environment. Missing files are fine.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		Env:                    envOrDefault("APP_ENV", "development"),
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "smartatm"),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("LOG_FORMAT", ""),
		IAMMode:                strings.ToLower(envOrDefault("IAM_MODE", "mock")),
		IAMBaseURL:             stringsTrimSpace("IAM_BASE_URL"),
		IAMBearerToken:         stringsTrimSpace("IAM_BEARER_TOKEN"),
		Currency:               strings.ToUpper(envOrDefault("WALLET_CURRENCY", "USD")),
		TerminalCustomerID:     stringsTrimSpace("TERMINAL_CUSTOMER_ID"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		RedisURL:               stringsTrimSpace("REDIS_URL"),
		CredentialKey:          envOrDefault("CREDENTIAL_KEY", "smartatm:bearer"),
		KafkaBrokers:           listFromEnv("KAFKA_BROKERS"),
		KafkaReceiptTopic:      envOrDefault("KAFKA_RECEIPT_TOPIC", "smartatm.receipts"),
		ReceiptRetention:       500,
		ShutdownTimeout:        15 * time.Second,
		IAMTimeout:             10 * time.Second,
		SessionRefreshInterval: 60 * time.Second,
		SessionStatusInterval:  10 * time.Second,
		SessionMaxLifetime:     5 * time.Minute,
		ApprovalPollInterval:   2 * time.Second,
		ApprovalTimeout:        5 * time.Minute,
		WithdrawDenomination:   decimal.NewFromInt(20),
		WithdrawMin:            decimal.NewFromInt(20),
		WithdrawMax:            decimal.NewFromInt(800),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.IAMTimeout, err = durationFromEnv("IAM_TIMEOUT", cfg.IAMTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRefreshInterval, err = durationFromEnv("SESSION_REFRESH_INTERVAL", cfg.SessionRefreshInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionStatusInterval, err = durationFromEnv("SESSION_STATUS_INTERVAL", cfg.SessionStatusInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxLifetime, err = durationFromEnv("SESSION_MAX_LIFETIME", cfg.SessionMaxLifetime)
	if err != nil {
		return Config{}, err
	}
	cfg.ApprovalPollInterval, err = durationFromEnv("APPROVAL_POLL_INTERVAL", cfg.ApprovalPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ApprovalTimeout, err = durationFromEnv("APPROVAL_TIMEOUT", cfg.ApprovalTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReceiptRetention, err = intFromEnv("RECEIPT_RETENTION", cfg.ReceiptRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.WithdrawDenomination, err = decimalFromEnv("WITHDRAW_DENOMINATION", cfg.WithdrawDenomination)
	if err != nil {
		return Config{}, err
	}
	cfg.WithdrawMin, err = decimalFromEnv("WITHDRAW_MIN", cfg.WithdrawMin)
	if err != nil {
		return Config{}, err
	}
	cfg.WithdrawMax, err = decimalFromEnv("WITHDRAW_MAX", cfg.WithdrawMax)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.IAMMode {
	case "mock":
	case "http":
		if c.IAMBaseURL == "" {
			return fmt.Errorf("IAM_BASE_URL is required when IAM_MODE=http")
		}
		if u, err := url.Parse(c.IAMBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("IAM_BASE_URL must be an absolute URL")
		}
	default:
		return fmt.Errorf("IAM_MODE must be http or mock")
	}
	if c.IAMTimeout <= 0 {
		return fmt.Errorf("IAM_TIMEOUT must be positive")
	}
	if c.SessionRefreshInterval < time.Second {
		return fmt.Errorf("SESSION_REFRESH_INTERVAL must be at least 1s")
	}
	if c.SessionStatusInterval <= 0 {
		return fmt.Errorf("SESSION_STATUS_INTERVAL must be positive")
	}
	if c.SessionMaxLifetime <= 0 {
		return fmt.Errorf("SESSION_MAX_LIFETIME must be positive")
	}
	if c.ApprovalPollInterval <= 0 {
		return fmt.Errorf("APPROVAL_POLL_INTERVAL must be positive")
	}
	if c.ApprovalTimeout < c.ApprovalPollInterval {
		return fmt.Errorf("APPROVAL_TIMEOUT must be >= APPROVAL_POLL_INTERVAL")
	}
	if !c.WithdrawDenomination.IsPositive() {
		return fmt.Errorf("WITHDRAW_DENOMINATION must be positive")
	}
	if !c.WithdrawMin.IsPositive() {
		return fmt.Errorf("WITHDRAW_MIN must be positive")
	}
	if c.WithdrawMax.LessThan(c.WithdrawMin) {
		return fmt.Errorf("WITHDRAW_MAX must be >= WITHDRAW_MIN")
	}
	if c.ReceiptRetention <= 0 {
		return fmt.Errorf("RECEIPT_RETENTION must be positive")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaReceiptTopic) == "" {
		return fmt.Errorf("KAFKA_RECEIPT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func decimalFromEnv(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
