package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLASHMESH_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLASHMESH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.DomainID, "FLASHMESH_DOMAIN_ID")
	setStr(&cfg.Mode, "FLASHMESH_MODE")
	setStr(&cfg.LogLevel, "FLASHMESH_LOG_LEVEL")

	// ── Keys ──
	setStr(&cfg.Keys.PrivateKey, "FLASHMESH_KEYS_PRIVATE_KEY")
	setStr(&cfg.Keys.EncryptedKeyPath, "FLASHMESH_KEYS_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Keys.KeyPassword, "FLASHMESH_KEYS_KEY_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "FLASHMESH_LEDGER_BACKEND")
	setStr(&cfg.Ledger.RPCURL, "FLASHMESH_LEDGER_RPC_URL")
	setUint64(&cfg.Ledger.GasLimit, "FLASHMESH_LEDGER_GAS_LIMIT")

	// ── Vault ──
	setStr(&cfg.Vault.Account, "FLASHMESH_VAULT_ACCOUNT")
	setBool(&cfg.Vault.Paused, "FLASHMESH_VAULT_PAUSED")

	// ── Bridge ──
	setStr(&cfg.Bridge.Account, "FLASHMESH_BRIDGE_ACCOUNT")
	setStr(&cfg.Bridge.Escrow, "FLASHMESH_BRIDGE_ESCROW")
	setStr(&cfg.Bridge.FlatFee, "FLASHMESH_BRIDGE_FLAT_FEE")
	setStr(&cfg.Bridge.MaxLoanAmount, "FLASHMESH_BRIDGE_MAX_LOAN_AMOUNT")
	setDuration(&cfg.Bridge.MinSpacing, "FLASHMESH_BRIDGE_MIN_SPACING")

	// ── Transport ──
	setStr(&cfg.Transport.SharedSecret, "FLASHMESH_TRANSPORT_SHARED_SECRET")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLASHMESH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FLASHMESH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHMESH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHMESH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHMESH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHMESH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHMESH_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLASHMESH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLASHMESH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLASHMESH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FLASHMESH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHMESH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHMESH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLASHMESH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FLASHMESH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FLASHMESH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FLASHMESH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FLASHMESH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHMESH_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHMESH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHMESH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHMESH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLASHMESH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLASHMESH_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "FLASHMESH_S3_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FLASHMESH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLASHMESH_SERVER_PORT")
	setStr(&cfg.Server.AdminToken, "FLASHMESH_SERVER_ADMIN_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "FLASHMESH_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.MinRequestSpacing, "FLASHMESH_SERVER_MIN_REQUEST_SPACING")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLASHMESH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLASHMESH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLASHMESH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLASHMESH_NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
