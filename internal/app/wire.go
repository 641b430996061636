package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	s3blob "github.com/meshloan/flashmesh/internal/blob/s3"
	"github.com/meshloan/flashmesh/internal/cache/redis"
	"github.com/meshloan/flashmesh/internal/config"
	"github.com/meshloan/flashmesh/internal/crypto"
	"github.com/meshloan/flashmesh/internal/domain"
	ledgerevm "github.com/meshloan/flashmesh/internal/ledger/evm"
	ledgermem "github.com/meshloan/flashmesh/internal/ledger/memory"
	"github.com/meshloan/flashmesh/internal/notify"
	"github.com/meshloan/flashmesh/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Ledger and the operator account it signs as. For the memory backend
	// the operator falls back to the configured vault account.
	Ledger   domain.AssetLedger
	Operator common.Address

	// Stores
	LoanStore  domain.LoanStore
	TripStore  domain.RoundTripStore
	AuditStore domain.AuditStore

	// Redis-backed infrastructure
	Redis    *redis.Client
	Limiter  domain.SpacingLimiter
	Locks    domain.LockManager
	EventBus domain.EventBus

	// Stream-mesh authentication: HMAC for instruction envelopes, the
	// operator's receipt signer for transfer entries.
	EnvelopeAuth *crypto.EnvelopeAuth
	Receipts     *crypto.ReceiptSigner

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. Sim mode wires itself from
// in-memory pieces and never calls Wire.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.LoanStore = postgres.NewLoanStore(pool)
	deps.TripStore = postgres.NewRoundTripStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.Limiter = redis.NewSpacingLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)
	deps.EnvelopeAuth = crypto.NewEnvelopeAuth([]byte(cfg.Transport.SharedSecret))

	// --- Operator key ---
	// Signs outbound transfer entries in every mode, and ledger
	// transactions on the evm backend.
	key, err := crypto.LoadOperatorKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Keys.PrivateKey,
		EncryptedKeyPath: cfg.Keys.EncryptedKeyPath,
		KeyPassword:      cfg.Keys.KeyPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: operator key: %w", err)
	}
	deps.Receipts = crypto.NewReceiptSigner(key)

	// --- Ledger backend ---
	switch cfg.Ledger.Backend {
	case "evm":
		evmLedger, err := ledgerevm.Dial(ctx, cfg.Ledger.RPCURL, key, cfg.Ledger.GasLimit)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: evm ledger: %w", err)
		}
		closers = append(closers, evmLedger.Close)
		deps.Ledger = evmLedger
		deps.Operator = ethcrypto.PubkeyToAddress(key.PublicKey)
	default:
		deps.Ledger = ledgermem.New()
		deps.Operator = common.HexToAddress(cfg.Vault.Account)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.LoanStore, deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
