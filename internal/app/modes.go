package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/meshloan/flashmesh/internal/bridge"
	"github.com/meshloan/flashmesh/internal/bus"
	"github.com/meshloan/flashmesh/internal/callback"
	"github.com/meshloan/flashmesh/internal/domain"
	ledgermem "github.com/meshloan/flashmesh/internal/ledger/memory"
	"github.com/meshloan/flashmesh/internal/notify"
	"github.com/meshloan/flashmesh/internal/server"
	"github.com/meshloan/flashmesh/internal/server/handler"
	"github.com/meshloan/flashmesh/internal/server/ws"
	storemem "github.com/meshloan/flashmesh/internal/store/memory"
	"github.com/meshloan/flashmesh/internal/transport/loopback"
	transportredis "github.com/meshloan/flashmesh/internal/transport/redis"
	"github.com/meshloan/flashmesh/internal/vault"
)

// node bundles the per-domain core built on top of wired dependencies.
type node struct {
	vault     *vault.Vault
	orch      *bridge.Orchestrator
	targets   *callback.Registry
	transport *transportredis.Node
}

// operatorPerms is everything the configured operator may do.
var operatorPerms = []domain.Permission{
	domain.PermPause,
	domain.PermSetLimits,
	domain.PermSetBreaker,
	domain.PermEmergency,
	domain.PermWithdrawFees,
	domain.PermSetRateLimits,
}

// buildNode assembles the vault, callback registry, stream-mesh transport,
// and orchestrator for this domain, and applies the configured vault state.
func (a *App) buildNode(ctx context.Context, deps *Dependencies) (*node, error) {
	acl := domain.ACL{}
	acl.Grant(deps.Operator, operatorPerms...)

	vaultAccount := common.HexToAddress(a.cfg.Vault.Account)
	v := vault.New(a.cfg.DomainID, vaultAccount, deps.Ledger, deps.LoanStore, deps.EventBus, acl, a.logger)

	var assets []common.Address
	for _, lim := range a.cfg.Vault.Assets {
		asset := common.HexToAddress(lim.Asset)
		assets = append(assets, asset)

		al := domain.AssetLimits{Asset: asset, MaxActiveLoans: lim.MaxActiveLoans}
		if lim.MaxLoanAmount != "" {
			max, ok := new(big.Int).SetString(lim.MaxLoanAmount, 10)
			if !ok {
				return nil, fmt.Errorf("build node: asset %s: bad max_loan_amount %q", lim.Asset, lim.MaxLoanAmount)
			}
			al.MaxLoanAmount = max
		}
		if err := v.SetAssetLimits(ctx, deps.Operator, al); err != nil {
			return nil, fmt.Errorf("build node: asset limits: %w", err)
		}
	}
	if err := v.RestoreActiveCounts(ctx, assets); err != nil {
		return nil, fmt.Errorf("build node: restore active counts: %w", err)
	}
	if a.cfg.Vault.Paused {
		if err := v.SetPaused(ctx, deps.Operator, true); err != nil {
			return nil, fmt.Errorf("build node: pause: %w", err)
		}
	}

	targets := callback.NewRegistry()
	targets.Register(callback.NewRepayer(deps.Operator, deps.Ledger, a.logger))

	signers := make(map[string]common.Address, len(a.cfg.Transport.Signers))
	for dom, addr := range a.cfg.Transport.Signers {
		signers[dom] = common.HexToAddress(addr)
	}

	bridgeAccount := common.HexToAddress(a.cfg.Bridge.Account)
	escrow := common.HexToAddress(a.cfg.Bridge.Escrow)
	tn := transportredis.NewNode(transportredis.NodeConfig{
		DomainID: a.cfg.DomainID,
		Sender:   bridgeAccount,
		Escrow:   escrow,
		Auth:     deps.EnvelopeAuth,
		Signer:   deps.Receipts,
		Signers:  signers,
	}, deps.Redis, deps.Ledger, a.logger)

	bcfg, err := a.bridgeConfig()
	if err != nil {
		return nil, err
	}

	orch := bridge.New(a.cfg.DomainID, bridgeAccount, deps.Ledger, tn, v, targets,
		deps.TripStore, deps.Limiter, deps.EventBus, acl, bcfg, a.logger)
	tn.SetHandler(orch)

	return &node{vault: v, orch: orch, targets: targets, transport: tn}, nil
}

// bridgeConfig translates the TOML bridge block into orchestrator settings.
func (a *App) bridgeConfig() (bridge.Config, error) {
	cfg := bridge.Config{
		MinSpacing: a.cfg.Bridge.MinSpacing.Duration,
		Peers:      make(map[string]common.Address, len(a.cfg.Bridge.Peers)),
	}
	if a.cfg.Bridge.FlatFee != "" {
		fee, ok := new(big.Int).SetString(a.cfg.Bridge.FlatFee, 10)
		if !ok {
			return cfg, fmt.Errorf("bridge config: bad flat_fee %q", a.cfg.Bridge.FlatFee)
		}
		cfg.FlatFee = fee
	}
	if a.cfg.Bridge.MaxLoanAmount != "" {
		max, ok := new(big.Int).SetString(a.cfg.Bridge.MaxLoanAmount, 10)
		if !ok {
			return cfg, fmt.Errorf("bridge config: bad max_loan_amount %q", a.cfg.Bridge.MaxLoanAmount)
		}
		cfg.MaxLoanAmount = max
	}
	for domainID, addr := range a.cfg.Bridge.Peers {
		cfg.Peers[domainID] = common.HexToAddress(addr)
	}
	return cfg, nil
}

// ServeMode runs the HTTP API plus the stream-mesh consumer for this
// domain, so one process can both take API calls and answer inbound
// instructions.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	n, err := a.buildNode(ctx, deps)
	if err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}

	g.Go(func() error {
		return n.transport.Run(ctx)
	})

	a.startEventRelay(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, n)

	return g.Wait()
}

// RelayMode runs the stream-mesh consumer: it settles inbound transfers,
// verifies and dispatches inbound messages, and answers them. A distributed
// lock keeps one consumer per domain across replicas.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting relay mode")

	g, ctx := errgroup.WithContext(ctx)

	n, err := a.buildNode(ctx, deps)
	if err != nil {
		return fmt.Errorf("relay mode: %w", err)
	}

	unlock, err := deps.Locks.Acquire(ctx, "relay:"+a.cfg.DomainID, 24*time.Hour)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("relay mode: another relay is consuming domain %s: %w", a.cfg.DomainID, err)
		}
		return fmt.Errorf("relay mode: relay lock: %w", err)
	}
	defer unlock()

	g.Go(func() error {
		return n.transport.Run(ctx)
	})

	a.startEventRelay(ctx, g, deps)

	return g.Wait()
}

// FullMode runs every subsystem: the stream consumer, the HTTP API, the
// notification relay, and the archive loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	n, err := a.buildNode(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g.Go(func() error {
		return n.transport.Run(ctx)
	})

	a.startEventRelay(ctx, g, deps)
	if deps.Archiver != nil {
		a.startArchiveLoop(ctx, g, deps)
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, n)
	}

	return g.Wait()
}

// startEventRelay forwards domain events to the configured notification
// channels.
func (a *App) startEventRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	relay := notify.NewRelay(deps.Notifier, deps.EventBus, a.logger)
	g.Go(func() error {
		return relay.Run(ctx)
	})
}

// startArchiveLoop periodically exports closed loans and audit rows older
// than the retention window to blob storage. A short-lived lock keeps
// concurrent nodes from archiving the same window twice.
func (a *App) startArchiveLoop(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	g.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		runOnce := func() {
			unlock, err := deps.Locks.Acquire(ctx, "archive", 10*time.Minute)
			if err != nil {
				if !errors.Is(err, domain.ErrLockHeld) {
					a.logger.WarnContext(ctx, "archive: lock failed", slog.String("error", err.Error()))
				}
				return
			}
			defer unlock()

			before := time.Now().UTC().Add(-retention)
			loans, err := deps.Archiver.ArchiveLoans(ctx, before)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive: loans failed", slog.String("error", err.Error()))
			}
			audit, err := deps.Archiver.ArchiveAudit(ctx, before)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive: audit failed", slog.String("error", err.Error()))
			}
			a.logger.InfoContext(ctx, "archive: cycle done",
				slog.Int64("loans", loans),
				slog.Int64("audit_rows", audit),
				slog.Time("before", before),
			)
		}

		runOnce()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				runOnce()
			}
		}
	})
}

// startHTTPServer adds the HTTP + WebSocket API goroutines to the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, n *node) {
	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		DomainID:  a.cfg.DomainID,
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Status: handler.NewStatusHandler(a.cfg.DomainID, a.cfg.Mode, n.vault, n.orch),
		Loans:  handler.NewLoanHandler(n.vault, deps.LoanStore, n.targets, a.logger),
		Bridge: handler.NewBridgeHandler(n.orch, deps.TripStore, a.logger),
		Admin:  handler.NewAdminHandler(n.vault, n.orch, deps.Operator, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AdminToken:  a.cfg.Server.AdminToken,
	}
	if a.cfg.Server.MinRequestSpacing.Duration > 0 {
		srvCfg.RateLimiter = deps.Limiter
		srvCfg.MinSpacing = a.cfg.Server.MinRequestSpacing.Duration
	}

	srv := server.NewServer(srvCfg, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// Sim-mode fixtures. The loopback bus keeps everything in process, so the
// addresses only need to be distinct.
var (
	simAsset       = common.HexToAddress("0x5103000000000000000000000000000000000001")
	simCaller      = common.HexToAddress("0x5103000000000000000000000000000000000002")
	simVaultLocal  = common.HexToAddress("0x5103000000000000000000000000000000000003")
	simVaultPeer   = common.HexToAddress("0x5103000000000000000000000000000000000004")
	simBridgeLocal = common.HexToAddress("0x5103000000000000000000000000000000000005")
	simBridgePeer  = common.HexToAddress("0x5103000000000000000000000000000000000006")
	simRepayer     = common.HexToAddress("0x5103000000000000000000000000000000000007")
	simOperator    = common.HexToAddress("0x5103000000000000000000000000000000000008")
)

// simDomain is one side of the in-process simulation mesh.
type simDomain struct {
	ledger *ledgermem.Ledger
	vault  *vault.Vault
	orch   *bridge.Orchestrator
	trips  domain.RoundTripStore
}

// SimMode spins up two in-process domains over the loopback bus and drives
// the configured number of cross-domain round trips through them. It is the
// quickest way to watch a full initiate/execute/complete cycle end to end
// without Redis or Postgres.
func (a *App) SimMode(ctx context.Context) error {
	amount, ok := new(big.Int).SetString(a.cfg.Sim.LoanAmount, 10)
	if !ok {
		return fmt.Errorf("sim mode: bad loan_amount %q", a.cfg.Sim.LoanAmount)
	}
	bcfg, err := a.bridgeConfig()
	if err != nil {
		return fmt.Errorf("sim mode: %w", err)
	}
	fee := bcfg.FlatFee
	if fee == nil {
		fee = big.NewInt(0)
	}

	localID := a.cfg.DomainID
	peerID := a.cfg.Sim.PeerDomainID
	a.logger.InfoContext(ctx, "starting sim mode",
		slog.String("local", localID),
		slog.String("peer", peerID),
		slog.String("amount", amount.String()),
		slog.Int("rounds", a.cfg.Sim.Rounds),
	)

	mesh := loopback.NewBus()
	local := a.buildSimDomain(mesh, localID, simVaultLocal, simBridgeLocal, simBridgePeer, peerID)
	peer := a.buildSimDomain(mesh, peerID, simVaultPeer, simBridgePeer, simBridgeLocal, localID)

	// Fund the caller and the peer-side repayer, and let the local
	// orchestrator pull principal and fee from the caller.
	funding := new(big.Int).Mul(new(big.Int).Add(amount, fee), big.NewInt(int64(a.cfg.Sim.Rounds)+1))
	local.ledger.Mint(simAsset, simCaller, funding)
	peer.ledger.Mint(simAsset, simRepayer, funding)
	if err := local.ledger.Approve(ctx, simAsset, simCaller, simBridgeLocal, funding); err != nil {
		return fmt.Errorf("sim mode: approve: %w", err)
	}

	interval := a.cfg.Sim.Interval.Duration
	for round := 1; round <= a.cfg.Sim.Rounds; round++ {
		messageID, err := local.orch.Initiate(ctx, simCaller, peerID, simAsset, amount, fee, simRepayer, nil)
		if err != nil {
			return fmt.Errorf("sim mode: round %d: initiate: %w", round, err)
		}

		// Two pumps move the full round trip: the first settles the
		// outbound transfer and runs the remote loan, the second carries
		// the returned principal and completion home.
		for _, errs := range [][]error{mesh.Pump(ctx), mesh.Pump(ctx)} {
			for _, perr := range errs {
				a.logger.WarnContext(ctx, "sim: delivery error", slog.String("error", perr.Error()))
			}
		}

		rt, err := local.trips.GetByMessageID(ctx, messageID)
		if err != nil {
			return fmt.Errorf("sim mode: round %d: lookup: %w", round, err)
		}
		callerBalance, _ := local.ledger.BalanceOf(ctx, simAsset, simCaller)
		a.logger.InfoContext(ctx, "sim: round finished",
			slog.Int("round", round),
			slog.String("message_id", messageID),
			slog.String("status", string(rt.Status)),
			slog.String("caller_balance", callerBalance.String()),
			slog.String("fees_collected", local.orch.CollectedFees().String()),
		)

		if round < a.cfg.Sim.Rounds && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}

	a.logger.InfoContext(ctx, "sim mode complete")
	return nil
}

// buildSimDomain wires one loopback domain from in-memory pieces.
func (a *App) buildSimDomain(mesh *loopback.Bus, domainID string, vaultAccount, bridgeAccount, peerBridge common.Address, peerID string) *simDomain {
	ledger := ledgermem.New()
	mesh.RegisterDomain(domainID, ledger)

	acl := domain.ACL{}
	acl.Grant(simOperator, operatorPerms...)

	events := bus.New()
	v := vault.New(domainID, vaultAccount, ledger, storemem.NewLoanStore(), events, acl, a.logger)

	targets := callback.NewRegistry()
	targets.Register(callback.NewRepayer(simRepayer, ledger, a.logger))

	trips := storemem.NewRoundTripStore()
	orch := bridge.New(domainID, bridgeAccount, ledger, mesh.Endpoint(domainID, bridgeAccount), v, targets,
		trips, storemem.NewSpacingLimiter(), events, acl,
		bridge.Config{Peers: map[string]common.Address{peerID: peerBridge}}, a.logger)
	mesh.SetHandler(domainID, orch)

	return &simDomain{ledger: ledger, vault: v, orch: orch, trips: trips}
}
