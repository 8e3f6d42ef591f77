package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paygate.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = ":9090"
Environment = "production"
DatabaseDSN = "host=db user=paygate dbname=paygate"
SettlementJWTSecret = "super-secret"
AllowedTimestampSkew = "90s"
DefaultChainID = 137
MinConfirmations = 20
ExpirySweepEvery = "10s"
ExpiryBatchSize = 250
DispatchPollEvery = "1s"
DeliveryMaxRetries = 5

[RateLimits.intents]
RequestsPerMinute = 1200.0
Burst = 50

[[Merchants]]
APIKey = "ak_live"
APISecret = "sk_live"
WebhookSecret = "whsec_live"
WalletAddress = "0xabc"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" || cfg.Environment != "production" {
		t.Fatalf("basic fields: %+v", cfg)
	}
	if cfg.DefaultChainID != 137 || cfg.MinConfirmations != 20 {
		t.Fatalf("chain fields: %+v", cfg)
	}
	if cfg.TimestampSkew() != 90*time.Second {
		t.Fatalf("skew %s", cfg.TimestampSkew())
	}
	if cfg.ExpirySweepEvery.Duration != 10*time.Second || cfg.ExpiryBatchSize != 250 {
		t.Fatalf("expiry fields: %+v", cfg)
	}
	if cfg.DeliveryMaxRetries != 5 {
		t.Fatalf("retries %d", cfg.DeliveryMaxRetries)
	}
	if rl, ok := cfg.RateLimits["intents"]; !ok || rl.RequestsPerMinute != 1200 || rl.Burst != 50 {
		t.Fatalf("rate limits: %+v", cfg.RateLimits)
	}
	if len(cfg.Merchants) != 1 || cfg.Merchants[0].APIKey != "ak_live" {
		t.Fatalf("merchants: %+v", cfg.Merchants)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
DatabaseDSN = "host=db"
SettlementJWTSecret = "super-secret"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("default listen %s", cfg.ListenAddress)
	}
	if cfg.MinConfirmations != 12 || cfg.DeliveryMaxRetries != 8 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.NonceWindow() < cfg.TimestampSkew() {
		t.Fatal("nonce window must cover the timestamp skew")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = ":8080"
DatabaseDSN = "host=db"
SettlementJWTSecret = "from-file"
`)
	t.Setenv("PAYGATE_LISTEN", ":7070")
	t.Setenv("PAYGATE_SETTLEMENT_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7070" {
		t.Fatalf("env override ignored: %s", cfg.ListenAddress)
	}
	if cfg.SettlementJWTSecret != "from-env" {
		t.Fatalf("secret override ignored: %s", cfg.SettlementJWTSecret)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"missing dsn", `SettlementJWTSecret = "s"`},
		{"missing secret", `DatabaseDSN = "host=db"`},
		{"incomplete merchant", `
DatabaseDSN = "host=db"
SettlementJWTSecret = "s"
[[Merchants]]
APIKey = "ak"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.contents)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
