package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MerchantSeed provisions a merchant credential at startup.
type MerchantSeed struct {
	ID            string `toml:"ID"`
	APIKey        string `toml:"APIKey"`
	APISecret     string `toml:"APISecret"`
	WebhookSecret string `toml:"WebhookSecret"`
	WalletAddress string `toml:"WalletAddress"`
}

// RateLimitConfig bounds a single route class.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Config captures runtime configuration for the payment gateway.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	DatabaseDSN string `toml:"DatabaseDSN"`

	SettlementJWTSecret  string   `toml:"SettlementJWTSecret"`
	AllowedTimestampSkew duration `toml:"AllowedTimestampSkew"`
	NonceTTL             duration `toml:"NonceTTL"`

	DefaultChainID     uint64   `toml:"DefaultChainID"`
	MinConfirmations   int      `toml:"MinConfirmations"`
	ExpirySweepEvery   duration `toml:"ExpirySweepEvery"`
	ExpiryBatchSize    int      `toml:"ExpiryBatchSize"`
	DispatchPollEvery  duration `toml:"DispatchPollEvery"`
	DeliveryMaxRetries int      `toml:"DeliveryMaxRetries"`

	RateLimits map[string]RateLimitConfig `toml:"RateLimits"`
	Merchants  []MerchantSeed             `toml:"Merchants"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads the TOML file at path, applies environment overrides, and
// validates the result. A missing path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:        ":8080",
		Environment:          "development",
		AllowedTimestampSkew: duration{2 * time.Minute},
		NonceTTL:             duration{10 * time.Minute},
		DefaultChainID:       1,
		MinConfirmations:     12,
		ExpirySweepEvery:     duration{5 * time.Second},
		ExpiryBatchSize:      100,
		DispatchPollEvery:    duration{2 * time.Second},
		DeliveryMaxRetries:   8,
		RateLimits: map[string]RateLimitConfig{
			"intents":  {RequestsPerMinute: 600, Burst: 30},
			"webhooks": {RequestsPerMinute: 300, Burst: 15},
		},
	}
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PAYGATE_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("PAYGATE_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("PAYGATE_DB_DSN")); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("PAYGATE_SETTLEMENT_JWT_SECRET")); v != "" {
		cfg.SettlementJWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("PAYGATE_TIMESTAMP_SKEW")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.AllowedTimestampSkew = duration{dur}
		}
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen address is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return errors.New("database DSN is required")
	}
	if strings.TrimSpace(c.SettlementJWTSecret) == "" {
		return errors.New("settlement JWT secret is required")
	}
	if c.AllowedTimestampSkew.Duration <= 0 {
		return errors.New("allowed timestamp skew must be positive")
	}
	if c.NonceTTL.Duration < c.AllowedTimestampSkew.Duration {
		c.NonceTTL = duration{2 * c.AllowedTimestampSkew.Duration}
	}
	if c.ExpiryBatchSize <= 0 {
		return errors.New("expiry batch size must be positive")
	}
	if c.DeliveryMaxRetries <= 0 {
		return errors.New("delivery max retries must be positive")
	}
	for i, seed := range c.Merchants {
		if strings.TrimSpace(seed.APIKey) == "" || strings.TrimSpace(seed.APISecret) == "" {
			return fmt.Errorf("merchant seed %d must include APIKey and APISecret", i)
		}
		if strings.TrimSpace(seed.WebhookSecret) == "" {
			return fmt.Errorf("merchant seed %d must include WebhookSecret", i)
		}
	}
	return nil
}

// TimestampSkew reports the maximum accepted request timestamp skew.
func (c *Config) TimestampSkew() time.Duration { return c.AllowedTimestampSkew.Duration }

// NonceWindow reports the nonce replay cache TTL.
func (c *Config) NonceWindow() time.Duration { return c.NonceTTL.Duration }
