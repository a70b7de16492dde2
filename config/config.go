// Package config loads the engine's runtime options from a YAML file and
// resolves secrets from the environment so they never live on disk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"creditgate/models"
)

// Config captures the runtime options for the credit engine daemon.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	Database      DatabaseConfig `yaml:"database"`
	Gateway       GatewayConfig  `yaml:"gateway"`
	StatusToken   TokenConfig    `yaml:"status_token"`
	Jobs          JobsConfig     `yaml:"jobs"`
	Log           LogConfig      `yaml:"log"`
	Plans         []PlanConfig   `yaml:"plans"`

	ReservationTTL time.Duration `yaml:"-"`
	IdempotencyTTL time.Duration `yaml:"-"`

	ReservationTTLMinutes int `yaml:"reservation_ttl_minutes"`
	IdempotencyTTLHours   int `yaml:"idempotency_ttl_hours"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// GatewayConfig describes the external payment gateway endpoint and its
// HMAC credentials.
type GatewayConfig struct {
	BaseURL      string `yaml:"base_url"`
	QueryURL     string `yaml:"query_url"`
	MerchantCode string `yaml:"merchant_code"`
	ReturnURL    string `yaml:"return_url"`
	Secret       string `yaml:"secret"`
	SecretEnv    string `yaml:"secret_env"`
}

// TokenConfig describes the signing key and lifetime for payment status
// polling tokens.
type TokenConfig struct {
	Secret     string        `yaml:"secret"`
	SecretEnv  string        `yaml:"secret_env"`
	TTL        time.Duration `yaml:"-"`
	TTLMinutes int           `yaml:"ttl_minutes"`
}

// JobsConfig tunes the cadence and batch bounds of the repair jobs.
type JobsConfig struct {
	SweepInterval       time.Duration `yaml:"-"`
	ReapInterval        time.Duration `yaml:"-"`
	CreditRetryInterval time.Duration `yaml:"-"`
	PaymentExpiry       time.Duration `yaml:"-"`

	SweepIntervalSeconds       int `yaml:"sweep_interval_seconds"`
	ReapIntervalMinutes        int `yaml:"reap_interval_minutes"`
	CreditRetryIntervalMinutes int `yaml:"credit_retry_interval_minutes"`
	PendingPaymentTTLHours     int `yaml:"pending_payment_ttl_hours"`

	SweepBatch        int `yaml:"sweep_batch"`
	ReapBatch         int `yaml:"reap_batch"`
	CreditRetryBatch  int `yaml:"credit_retry_batch"`
	MaxCreditAttempts int `yaml:"max_credit_attempts"`
}

// LogConfig controls optional rotating file output alongside stdout.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// PlanConfig declares a purchasable credit plan in the catalog.
type PlanConfig struct {
	Code         string `yaml:"code"`
	PriceMinor   int64  `yaml:"price_minor"`
	ChatCredits  int64  `yaml:"chat_credits"`
	QuizCredits  int64  `yaml:"quiz_credits"`
	ValidityDays int    `yaml:"validity_days"`
}

// Load reads configuration from disk, applies defaults, and resolves
// environment-backed secrets.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress:         ":8090",
		ReservationTTLMinutes: 10,
		IdempotencyTTLHours:   24,
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:creditgate.db",
		},
		StatusToken: TokenConfig{TTLMinutes: 15},
		Jobs: JobsConfig{
			SweepIntervalSeconds:       60,
			ReapIntervalMinutes:        60,
			CreditRetryIntervalMinutes: 5,
			PendingPaymentTTLHours:     24,
			SweepBatch:                 100,
			ReapBatch:                  200,
			CreditRetryBatch:           20,
			MaxCreditAttempts:          5,
		},
	}
	if strings.TrimSpace(path) == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) finalize() error {
	c.ListenAddress = strings.TrimSpace(c.ListenAddress)
	if c.ListenAddress == "" {
		c.ListenAddress = ":8090"
	}
	if c.ReservationTTLMinutes <= 0 {
		c.ReservationTTLMinutes = 10
	}
	if c.IdempotencyTTLHours <= 0 {
		c.IdempotencyTTLHours = 24
	}
	c.ReservationTTL = time.Duration(c.ReservationTTLMinutes) * time.Minute
	c.IdempotencyTTL = time.Duration(c.IdempotencyTTLHours) * time.Hour

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "", "sqlite":
		c.Database.Driver = "sqlite"
	case "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if env := strings.TrimSpace(c.Database.DSNEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("dsn_env %s is empty", env)
		}
		c.Database.DSN = value
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn required")
	}

	var err error
	c.Gateway.Secret, err = resolveSecret(c.Gateway.Secret, c.Gateway.SecretEnv, "gateway secret")
	if err != nil {
		return err
	}
	c.Gateway.BaseURL = strings.TrimSpace(c.Gateway.BaseURL)
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base_url required")
	}
	c.Gateway.MerchantCode = strings.TrimSpace(c.Gateway.MerchantCode)
	if c.Gateway.MerchantCode == "" {
		return fmt.Errorf("gateway merchant_code required")
	}
	c.Gateway.ReturnURL = strings.TrimSpace(c.Gateway.ReturnURL)
	if c.Gateway.ReturnURL == "" {
		return fmt.Errorf("gateway return_url required")
	}
	c.Gateway.QueryURL = strings.TrimSpace(c.Gateway.QueryURL)

	c.StatusToken.Secret, err = resolveSecret(c.StatusToken.Secret, c.StatusToken.SecretEnv, "status token secret")
	if err != nil {
		return err
	}
	if c.StatusToken.TTLMinutes <= 0 {
		c.StatusToken.TTLMinutes = 15
	}
	c.StatusToken.TTL = time.Duration(c.StatusToken.TTLMinutes) * time.Minute

	if err := c.Jobs.finalize(); err != nil {
		return err
	}

	if len(c.Plans) == 0 {
		return fmt.Errorf("at least one plan required")
	}
	seen := make(map[string]struct{}, len(c.Plans))
	for i := range c.Plans {
		p := &c.Plans[i]
		p.Code = strings.TrimSpace(p.Code)
		if p.Code == "" {
			return fmt.Errorf("plan %d: code required", i)
		}
		if _, dup := seen[p.Code]; dup {
			return fmt.Errorf("plan %s declared twice", p.Code)
		}
		seen[p.Code] = struct{}{}
		if p.PriceMinor <= 0 {
			return fmt.Errorf("plan %s: price_minor must be positive", p.Code)
		}
		if p.ChatCredits < 0 || p.QuizCredits < 0 {
			return fmt.Errorf("plan %s: credit amounts must not be negative", p.Code)
		}
		if p.ChatCredits == 0 && p.QuizCredits == 0 {
			return fmt.Errorf("plan %s: grants no credits", p.Code)
		}
		if p.ValidityDays <= 0 {
			return fmt.Errorf("plan %s: validity_days must be positive", p.Code)
		}
	}
	return nil
}

func (j *JobsConfig) finalize() error {
	if j.SweepIntervalSeconds <= 0 {
		j.SweepIntervalSeconds = 60
	}
	if j.ReapIntervalMinutes <= 0 {
		j.ReapIntervalMinutes = 60
	}
	if j.CreditRetryIntervalMinutes <= 0 {
		j.CreditRetryIntervalMinutes = 5
	}
	if j.PendingPaymentTTLHours <= 0 {
		j.PendingPaymentTTLHours = 24
	}
	if j.SweepBatch <= 0 {
		j.SweepBatch = 100
	}
	if j.ReapBatch <= 0 {
		j.ReapBatch = 200
	}
	if j.CreditRetryBatch <= 0 {
		j.CreditRetryBatch = 20
	}
	if j.MaxCreditAttempts <= 0 {
		j.MaxCreditAttempts = 5
	}
	j.SweepInterval = time.Duration(j.SweepIntervalSeconds) * time.Second
	j.ReapInterval = time.Duration(j.ReapIntervalMinutes) * time.Minute
	j.CreditRetryInterval = time.Duration(j.CreditRetryIntervalMinutes) * time.Minute
	j.PaymentExpiry = time.Duration(j.PendingPaymentTTLHours) * time.Hour
	return nil
}

// PlanCatalog converts the configured plans into the lookup map the
// reconciler consumes.
func (c Config) PlanCatalog() map[string]models.Plan {
	catalog := make(map[string]models.Plan, len(c.Plans))
	for _, p := range c.Plans {
		catalog[p.Code] = models.Plan{
			Code:         p.Code,
			PriceMinor:   p.PriceMinor,
			ChatCredits:  p.ChatCredits,
			QuizCredits:  p.QuizCredits,
			ValidityDays: p.ValidityDays,
		}
	}
	return catalog
}

func resolveSecret(inline, envName, label string) (string, error) {
	inline = strings.TrimSpace(inline)
	if inline != "" {
		return inline, nil
	}
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return "", fmt.Errorf("%s required", label)
	}
	value := strings.TrimSpace(os.Getenv(envName))
	if value == "" {
		return "", fmt.Errorf("%s env %s is empty", label, envName)
	}
	return value, nil
}
