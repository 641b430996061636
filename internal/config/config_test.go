package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.DomainID = "alpha"
	cfg.Mode = "serve"
	cfg.Transport.SharedSecret = "s3cret"
	cfg.Keys.PrivateKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"
	return cfg
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty domain id", func(c *Config) { c.DomainID = "" }, "domain_id"},
		{"bad mode", func(c *Config) { c.Mode = "turbo" }, "unknown mode"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad ledger backend", func(c *Config) { c.Ledger.Backend = "carrier-pigeon" }, "unknown backend"},
		{"evm without rpc", func(c *Config) {
			c.Ledger.Backend = "evm"
		}, "rpc_url"},
		{"missing key material", func(c *Config) {
			c.Keys.PrivateKey = ""
		}, "private_key"},
		{"peer without trusted signer", func(c *Config) {
			c.Bridge.Peers = map[string]string{"beta": "0x02"}
		}, "signers"},
		{"bad fee", func(c *Config) { c.Bridge.FlatFee = "ten" }, "flat_fee"},
		{"missing secret in relay", func(c *Config) {
			c.Mode = "relay"
			c.Transport.SharedSecret = ""
		}, "shared_secret"},
		{"bad asset amount", func(c *Config) {
			c.Vault.Assets = []AssetLimitConfig{{Asset: "0x01", MaxLoanAmount: "lots"}}
		}, "max_loan_amount"},
		{"sim peer equals self", func(c *Config) {
			c.Mode = "sim"
			c.Sim.PeerDomainID = c.DomainID
		}, "peer_domain_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLASHMESH_DOMAIN_ID", "beta")
	t.Setenv("FLASHMESH_BRIDGE_MIN_SPACING", "90s")
	t.Setenv("FLASHMESH_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("FLASHMESH_NOTIFY_EVENTS", "loan.repaid, breaker.changed")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.DomainID != "beta" {
		t.Errorf("DomainID = %q, want beta", cfg.DomainID)
	}
	if cfg.Bridge.MinSpacing.Duration != 90*time.Second {
		t.Errorf("MinSpacing = %v, want 90s", cfg.Bridge.MinSpacing.Duration)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[1] != "breaker.changed" {
		t.Errorf("Notify.Events = %v", cfg.Notify.Events)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Keys.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pw"

	red := RedactedConfig(&cfg)
	if red.Keys.PrivateKey != "***" || red.Postgres.Password != "***" || red.Transport.SharedSecret != "***" {
		t.Fatalf("secrets not redacted: %+v", red)
	}
	if cfg.Keys.PrivateKey != "deadbeef" {
		t.Fatal("redaction mutated the original config")
	}
}
