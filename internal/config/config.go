// Package config defines the top-level configuration for a flashmesh node
// and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by FLASHMESH_* environment
// variables.
type Config struct {
	DomainID string `toml:"domain_id"`
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Keys      KeysConfig      `toml:"keys"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Vault     VaultConfig     `toml:"vault"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Transport TransportConfig `toml:"transport"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Sim       SimConfig       `toml:"sim"`
}

// KeysConfig holds the operator key material.
type KeysConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LedgerConfig selects and parameterizes the asset ledger backend.
type LedgerConfig struct {
	// Backend is "memory" (sim) or "evm".
	Backend  string `toml:"backend"`
	RPCURL   string `toml:"rpc_url"`
	GasLimit uint64 `toml:"gas_limit"`
}

// VaultConfig holds the loan vault parameters.
type VaultConfig struct {
	Account string             `toml:"account"`
	Paused  bool               `toml:"paused"`
	Assets  []AssetLimitConfig `toml:"assets"`
}

// AssetLimitConfig is the per-asset limit block under [[vault.assets]].
type AssetLimitConfig struct {
	Asset          string `toml:"asset"`
	MaxLoanAmount  string `toml:"max_loan_amount"` // decimal asset units; empty disables
	MaxActiveLoans int    `toml:"max_active_loans"`
}

// BridgeConfig holds the cross-domain orchestrator parameters.
type BridgeConfig struct {
	Account       string            `toml:"account"`
	Escrow        string            `toml:"escrow"`
	FlatFee       string            `toml:"flat_fee"`        // decimal asset units
	MaxLoanAmount string            `toml:"max_loan_amount"` // decimal asset units; empty disables
	MinSpacing    duration          `toml:"min_spacing"`
	Peers         map[string]string `toml:"peers"` // domain id -> orchestrator account
}

// TransportConfig holds the stream-mesh transport parameters.
type TransportConfig struct {
	// SharedSecret authenticates envelopes between peers. Every node in the
	// mesh must carry the same value.
	SharedSecret string `toml:"shared_secret"`

	// Signers maps each peer domain id to the operator address whose
	// signature its transfer entries must carry.
	Signers map[string]string `toml:"signers"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	AdminToken  string   `toml:"admin_token"`
	CORSOrigins []string `toml:"cors_origins"`

	// MinRequestSpacing throttles API requests per client IP. Zero disables
	// throttling.
	MinRequestSpacing duration `toml:"min_request_spacing"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// SimConfig parameterizes the two-domain simulation mode.
type SimConfig struct {
	PeerDomainID string   `toml:"peer_domain_id"`
	LoanAmount   string   `toml:"loan_amount"`
	Rounds       int      `toml:"rounds"`
	Interval     duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		DomainID: "local",
		Mode:     "full",
		LogLevel: "info",
		Ledger: LedgerConfig{
			Backend:  "memory",
			GasLimit: 120_000,
		},
		Bridge: BridgeConfig{
			FlatFee:    "0",
			MinSpacing: duration{10 * time.Second},
			Peers:      map[string]string{},
		},
		Transport: TransportConfig{
			Signers: map[string]string{},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "flashmesh",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flashmesh-archive",
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"loan.repaid", "bridge.completed", "breaker.changed", "emergency.withdrawal"},
		},
		Sim: SimConfig{
			PeerDomainID: "remote",
			LoanAmount:   "1000",
			Rounds:       3,
			Interval:     duration{2 * time.Second},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true,
	"relay": true,
	"sim":   true,
	"full":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLedgerBackends enumerates the accepted values for Ledger.Backend.
var validLedgerBackends = map[string]bool{
	"memory": true,
	"evm":    true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.DomainID) == "" {
		errs = append(errs, "domain_id must not be empty")
	}
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, relay, sim, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if !validLedgerBackends[strings.ToLower(c.Ledger.Backend)] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, evm)", c.Ledger.Backend))
	}
	if strings.EqualFold(c.Ledger.Backend, "evm") {
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url is required for the evm backend")
		}
	}

	// Amount strings must be valid decimals when set.
	checkAmount := func(field, v string) {
		if v == "" {
			return
		}
		if _, ok := new(big.Int).SetString(v, 10); !ok {
			errs = append(errs, fmt.Sprintf("%s: %q is not a decimal integer", field, v))
		}
	}
	checkAmount("bridge: flat_fee", c.Bridge.FlatFee)
	checkAmount("bridge: max_loan_amount", c.Bridge.MaxLoanAmount)
	for i, a := range c.Vault.Assets {
		if a.Asset == "" {
			errs = append(errs, fmt.Sprintf("vault: assets[%d]: asset must not be empty", i))
		}
		checkAmount(fmt.Sprintf("vault: assets[%d].max_loan_amount", i), a.MaxLoanAmount)
		if a.MaxActiveLoans < 0 {
			errs = append(errs, fmt.Sprintf("vault: assets[%d].max_active_loans must be >= 0", i))
		}
	}
	if c.Bridge.MinSpacing.Duration < 0 {
		errs = append(errs, "bridge: min_spacing must not be negative")
	}

	// Every mode on the stream mesh needs the shared secret, an operator
	// key to sign outbound transfers, and a trusted signer for each peer.
	if c.Mode == "serve" || c.Mode == "relay" || c.Mode == "full" {
		if c.Transport.SharedSecret == "" {
			errs = append(errs, "transport: shared_secret is required for mode "+c.Mode)
		}
		if c.Keys.PrivateKey == "" && c.Keys.EncryptedKeyPath == "" {
			errs = append(errs, "keys: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		for dom := range c.Bridge.Peers {
			if _, ok := c.Transport.Signers[dom]; !ok {
				errs = append(errs, "transport: signers is missing an entry for peer domain "+dom)
			}
		}
	}
	if c.Keys.EncryptedKeyPath != "" && c.Keys.KeyPassword == "" {
		errs = append(errs, "keys: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Sim
	if c.Mode == "sim" {
		if c.Sim.PeerDomainID == "" || c.Sim.PeerDomainID == c.DomainID {
			errs = append(errs, "sim: peer_domain_id must be set and differ from domain_id")
		}
		checkAmount("sim: loan_amount", c.Sim.LoanAmount)
		if c.Sim.Rounds < 1 {
			errs = append(errs, "sim: rounds must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
