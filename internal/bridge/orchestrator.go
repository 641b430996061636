// Package bridge drives the cross-domain flash-loan round trip: one asset
// transfer plus one instruction message out, and a local vault loan executed
// on the receiving side once the paired transfer is independently verified.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshloan/flashmesh/internal/callback"
	"github.com/meshloan/flashmesh/internal/domain"
	"github.com/meshloan/flashmesh/internal/guard"
	"github.com/meshloan/flashmesh/internal/vault"
)

// remoteLoanTimeout bounds the local loan opened for a cross-domain request.
// The execute step runs within the same delivery, so the timeout only
// matters if that step fails and the principal must be reclaimed.
const remoteLoanTimeout = time.Hour

// Config holds the orchestrator's tunable limits.
type Config struct {
	// MaxLoanAmount caps the principal of any cross-domain loan. Nil or zero
	// disables the cap.
	MaxLoanAmount *big.Int

	// MinSpacing is the minimum interval between one caller's initiations.
	MinSpacing time.Duration

	// FlatFee is the fee, in asset units, required to initiate. Nil means no
	// fee.
	FlatFee *big.Int

	// Peers maps remote domain ids to their orchestrator ledger accounts.
	Peers map[string]common.Address
}

// Orchestrator is the per-domain bridge coordinator. It owns a ledger
// account used as escrow, fee collector, and as funder-and-borrower of the
// local loans it opens for inbound cross-domain requests.
type Orchestrator struct {
	domainID  string
	account   common.Address
	ledger    domain.AssetLedger
	transport domain.Transport
	vault     *vault.Vault
	targets   *callback.Registry
	trips     domain.RoundTripStore
	limiter   domain.SpacingLimiter
	bus       domain.EventBus // optional
	acl       domain.ACL
	logger    *slog.Logger

	guard guard.Guard

	mu      sync.Mutex
	cfg     Config
	breaker bool
	fees    *big.Int

	now func() time.Time
}

// New creates an Orchestrator for one domain.
func New(domainID string, account common.Address, ledger domain.AssetLedger, transport domain.Transport, v *vault.Vault, targets *callback.Registry, trips domain.RoundTripStore, limiter domain.SpacingLimiter, bus domain.EventBus, acl domain.ACL, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		domainID:  domainID,
		account:   account,
		ledger:    ledger,
		transport: transport,
		vault:     v,
		targets:   targets,
		trips:     trips,
		limiter:   limiter,
		bus:       bus,
		acl:       acl,
		cfg:       cfg,
		fees:      big.NewInt(0),
		logger:    logger.With(slog.String("component", "bridge"), slog.String("domain", domainID)),
		now:       time.Now,
	}
}

// WithClock overrides the orchestrator's time source. Intended for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Account is the orchestrator's ledger account.
func (o *Orchestrator) Account() common.Address { return o.account }

// Initiate starts a cross-domain flash loan: it collects the fee and the
// principal from the caller, moves the principal to the destination domain,
// and dispatches the paired instruction message. Returns the instruction
// message id.
//
// Precondition failures happen before the caller's rate-limit timestamp is
// updated; failures after the reservation still consume the slot.
func (o *Orchestrator) Initiate(ctx context.Context, caller common.Address, destDomain string, asset common.Address, amount, fee *big.Int, target common.Address, payload []byte) (string, error) {
	if err := o.guard.Enter(); err != nil {
		return "", fmt.Errorf("bridge: initiate: %w", err)
	}
	defer o.guard.Exit()

	o.mu.Lock()
	breaker := o.breaker
	cfg := o.cfg
	o.mu.Unlock()

	if breaker {
		return "", fmt.Errorf("bridge: initiate: %w", domain.ErrCircuitBreaker)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("bridge: initiate: non-positive amount: %w", domain.ErrInvalidInput)
	}
	if cfg.MaxLoanAmount != nil && cfg.MaxLoanAmount.Sign() > 0 && amount.Cmp(cfg.MaxLoanAmount) > 0 {
		return "", fmt.Errorf("bridge: initiate: amount %s over max %s: %w", amount, cfg.MaxLoanAmount, domain.ErrAmountExceedsMax)
	}
	if target == (common.Address{}) || asset == (common.Address{}) || caller == (common.Address{}) {
		return "", fmt.Errorf("bridge: initiate: zero address: %w", domain.ErrInvalidInput)
	}
	peer, ok := cfg.Peers[destDomain]
	if !ok {
		return "", fmt.Errorf("bridge: initiate: unknown destination domain %q: %w", destDomain, domain.ErrInvalidInput)
	}
	if cfg.FlatFee != nil && cfg.FlatFee.Sign() > 0 {
		if fee == nil || fee.Cmp(cfg.FlatFee) < 0 {
			return "", fmt.Errorf("bridge: initiate: fee %s below %s: %w", amountString(fee), cfg.FlatFee, domain.ErrInsufficientFee)
		}
	}

	// Rate-limit reservation. From here on a failure no longer refunds the
	// caller's slot.
	allowed, err := o.limiter.Reserve(ctx, caller.Hex(), cfg.MinSpacing, o.now())
	if err != nil {
		return "", fmt.Errorf("bridge: initiate: rate limiter: %w", err)
	}
	if !allowed {
		return "", fmt.Errorf("bridge: initiate: caller %s: %w", caller, domain.ErrRateLimited)
	}

	// Collect the fee, then the principal.
	if cfg.FlatFee != nil && cfg.FlatFee.Sign() > 0 {
		if err := o.ledger.TransferFrom(ctx, asset, o.account, caller, o.account, fee); err != nil {
			return "", fmt.Errorf("bridge: initiate: collect fee: %w", err)
		}
		o.mu.Lock()
		o.fees.Add(o.fees, fee)
		o.mu.Unlock()
	}
	if err := o.ledger.TransferFrom(ctx, asset, o.account, caller, o.account, amount); err != nil {
		return "", fmt.Errorf("bridge: initiate: collect principal: %w", err)
	}

	// Leg 1: the asset.
	transferID, err := o.transport.SendAsset(ctx, asset, peer, amount, destDomain)
	if err != nil {
		return "", fmt.Errorf("bridge: initiate: send asset: %w", err)
	}

	// Leg 2: the instruction naming the transfer.
	env := domain.Envelope{
		Kind: domain.MessageFlashLoan,
		Instruction: &domain.Instruction{
			TransferID:   transferID,
			OriginDomain: o.domainID,
			Caller:       caller,
			Asset:        asset,
			Amount:       amount,
			Target:       target,
			Payload:      payload,
		},
	}
	body, err := domain.EncodeEnvelope(env)
	if err != nil {
		return "", fmt.Errorf("bridge: initiate: %w", err)
	}
	messageID, err := o.transport.SendMessage(ctx, destDomain, peer, body)
	if err != nil {
		return "", fmt.Errorf("bridge: initiate: send message: %w", err)
	}

	if err := o.trips.Create(ctx, domain.PendingRoundTrip{
		MessageID:   messageID,
		TransferID:  transferID,
		DestDomain:  destDomain,
		Caller:      caller,
		Asset:       asset,
		Amount:      new(big.Int).Set(amount),
		Target:      target,
		Status:      domain.RoundTripPending,
		InitiatedAt: o.now(),
	}); err != nil {
		// The round trip is already in flight; losing the record only costs
		// observability.
		o.logger.Error("pending round trip not recorded",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}

	o.logger.Info("cross-domain loan initiated",
		slog.String("message_id", messageID),
		slog.String("transfer_id", transferID),
		slog.String("dest", destDomain),
		slog.String("amount", amount.String()),
	)
	o.emit(ctx, domain.EventBridgeInitiated, map[string]any{
		"message_id":  messageID,
		"transfer_id": transferID,
		"dest":        destDomain,
		"caller":      caller.Hex(),
		"asset":       asset.Hex(),
		"amount":      amount.String(),
		"target":      target.Hex(),
	})
	return messageID, nil
}

// HandleDelivery processes one inbound transport message. It is the only
// entry point for cross-domain execution; a delivery that the transport has
// not authenticated is rejected outright.
func (o *Orchestrator) HandleDelivery(ctx context.Context, d domain.Delivery) error {
	if !d.Authenticated {
		return fmt.Errorf("bridge: delivery %s: %w", d.MessageID, domain.ErrUnauthorized)
	}

	env, err := domain.DecodeEnvelope(d.Payload)
	if err != nil {
		return fmt.Errorf("bridge: delivery %s: %w", d.MessageID, err)
	}

	switch env.Kind {
	case domain.MessageFlashLoan:
		if env.Instruction == nil {
			return fmt.Errorf("bridge: delivery %s: empty instruction: %w", d.MessageID, domain.ErrInvalidInput)
		}
		return o.executeFlashLoan(ctx, d.MessageID, *env.Instruction)
	case domain.MessageCompletion:
		if env.Completion == nil {
			return fmt.Errorf("bridge: delivery %s: empty completion: %w", d.MessageID, domain.ErrInvalidInput)
		}
		return o.recordCompletion(ctx, *env.Completion)
	default:
		return fmt.Errorf("bridge: delivery %s: unknown kind %q: %w", d.MessageID, env.Kind, domain.ErrInvalidInput)
	}
}

// executeFlashLoan is the destination-side half of the round trip: verify
// the paired transfer, open and execute a local loan, and loop the principal
// back to the origin. A failure anywhere fails the whole delivery; retry is
// owned by the transport.
func (o *Orchestrator) executeFlashLoan(ctx context.Context, messageID string, in domain.Instruction) error {
	if err := o.guard.Enter(); err != nil {
		return fmt.Errorf("bridge: execute %s: %w", messageID, err)
	}
	defer o.guard.Exit()

	// The transfer must be verified before any loan exists. The instruction
	// alone is not proof of funds.
	settled, err := o.transport.WasTransferSuccessful(ctx, in.TransferID)
	if err != nil {
		return fmt.Errorf("bridge: execute %s: verify transfer %s: %w", messageID, in.TransferID, err)
	}
	if !settled {
		return fmt.Errorf("bridge: execute %s: transfer %s: %w", messageID, in.TransferID, domain.ErrUnverifiedTransfer)
	}

	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()

	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return fmt.Errorf("bridge: execute %s: non-positive amount: %w", messageID, domain.ErrInvalidInput)
	}
	if cfg.MaxLoanAmount != nil && cfg.MaxLoanAmount.Sign() > 0 && in.Amount.Cmp(cfg.MaxLoanAmount) > 0 {
		return fmt.Errorf("bridge: execute %s: amount %s over max: %w", messageID, in.Amount, domain.ErrAmountExceedsMax)
	}
	if in.Target == (common.Address{}) {
		return fmt.Errorf("bridge: execute %s: zero target: %w", messageID, domain.ErrInvalidInput)
	}
	cb, err := o.targets.Resolve(in.Target)
	if err != nil {
		return fmt.Errorf("bridge: execute %s: target %s: %w", messageID, in.Target, err)
	}

	// Fund and run the local loan with the orchestrator as both funder and
	// borrower of record.
	if err := o.ledger.Approve(ctx, in.Asset, o.account, o.vault.Account(), in.Amount); err != nil {
		return fmt.Errorf("bridge: execute %s: approve vault: %w", messageID, err)
	}
	loanID, err := o.vault.Create(ctx, o.account, in.Asset, in.Amount, o.account, remoteLoanTimeout)
	if err != nil {
		return fmt.Errorf("bridge: execute %s: open loan: %w", messageID, err)
	}
	if err := o.vault.Execute(ctx, o.account, loanID, cb, in.Payload); err != nil {
		return fmt.Errorf("bridge: execute %s: loan %s: %w", messageID, loanID.Hex(), err)
	}

	// Loop the principal back to the origin.
	originPeer, ok := cfg.Peers[in.OriginDomain]
	if !ok {
		return fmt.Errorf("bridge: execute %s: unknown origin domain %q: %w", messageID, in.OriginDomain, domain.ErrInvalidInput)
	}
	returnID, err := o.transport.SendAsset(ctx, in.Asset, originPeer, in.Amount, in.OriginDomain)
	if err != nil {
		return fmt.Errorf("bridge: execute %s: return asset: %w", messageID, err)
	}

	// Completion notice for the origin's pending record. Best effort: the
	// funds are already on their way back.
	o.sendCompletion(ctx, in.OriginDomain, originPeer, domain.Completion{
		TransferID:       in.TransferID,
		ReturnTransferID: returnID,
		Success:          true,
	})

	o.logger.Info("cross-domain loan completed",
		slog.String("message_id", messageID),
		slog.String("loan_id", loanID.Hex()),
		slog.String("return_transfer_id", returnID),
	)
	o.emit(ctx, domain.EventBridgeCompleted, map[string]any{
		"message_id":         messageID,
		"loan_id":            loanID.Hex(),
		"origin":             in.OriginDomain,
		"asset":              in.Asset.Hex(),
		"amount":             in.Amount.String(),
		"return_transfer_id": returnID,
	})
	return nil
}

func (o *Orchestrator) sendCompletion(ctx context.Context, destDomain string, peer common.Address, c domain.Completion) {
	body, err := domain.EncodeEnvelope(domain.Envelope{Kind: domain.MessageCompletion, Completion: &c})
	if err != nil {
		o.logger.Warn("completion not encoded", slog.String("error", err.Error()))
		return
	}
	if _, err := o.transport.SendMessage(ctx, destDomain, peer, body); err != nil {
		o.logger.Warn("completion not sent",
			slog.String("dest", destDomain),
			slog.String("error", err.Error()),
		)
	}
}

// recordCompletion closes the origin-side pending record for a finished
// round trip and hands the returned principal back to the caller who
// fronted it.
func (o *Orchestrator) recordCompletion(ctx context.Context, c domain.Completion) error {
	rt, err := o.trips.GetByTransferID(ctx, c.TransferID)
	if err != nil {
		return fmt.Errorf("bridge: completion for transfer %s: %w", c.TransferID, err)
	}
	status := domain.RoundTripCompleted
	if !c.Success {
		status = domain.RoundTripFailed
	}
	if c.Success && rt.Status == domain.RoundTripPending {
		if err := o.ledger.Transfer(ctx, rt.Asset, o.account, rt.Caller, rt.Amount); err != nil {
			// Leave the record pending so the refund can be retried.
			return fmt.Errorf("bridge: completion for transfer %s: refund caller: %w", c.TransferID, err)
		}
	}
	if err := o.trips.SetStatus(ctx, rt.MessageID, status, o.now()); err != nil {
		return fmt.Errorf("bridge: completion for transfer %s: %w", c.TransferID, err)
	}
	o.logger.Info("round trip closed",
		slog.String("message_id", rt.MessageID),
		slog.String("status", string(status)),
	)
	return nil
}

// ListPending returns this domain's in-flight round trips.
func (o *Orchestrator) ListPending(ctx context.Context) ([]domain.PendingRoundTrip, error) {
	return o.trips.ListPending(ctx)
}

// CircuitBreakerActive reports the breaker state.
func (o *Orchestrator) CircuitBreakerActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.breaker
}

// SetCircuitBreaker toggles the global kill switch for new initiations.
// Requires PermSetBreaker.
func (o *Orchestrator) SetCircuitBreaker(ctx context.Context, actor common.Address, active bool) error {
	if !o.acl.Allows(actor, domain.PermSetBreaker) {
		return fmt.Errorf("bridge: set breaker: actor %s: %w", actor, domain.ErrUnauthorized)
	}
	o.mu.Lock()
	o.breaker = active
	o.mu.Unlock()

	o.logger.Warn("circuit breaker changed", slog.Bool("active", active), slog.String("actor", actor.Hex()))
	o.emit(ctx, domain.EventBreakerChanged, map[string]any{
		"active": active,
		"actor":  actor.Hex(),
	})
	return nil
}

// SetMaxLoanAmount updates the global principal cap. Requires PermSetLimits.
func (o *Orchestrator) SetMaxLoanAmount(ctx context.Context, actor common.Address, max *big.Int) error {
	if !o.acl.Allows(actor, domain.PermSetLimits) {
		return fmt.Errorf("bridge: set max loan amount: actor %s: %w", actor, domain.ErrUnauthorized)
	}
	if max != nil && max.Sign() < 0 {
		return fmt.Errorf("bridge: set max loan amount: negative: %w", domain.ErrInvalidInput)
	}
	o.mu.Lock()
	o.cfg.MaxLoanAmount = max
	o.mu.Unlock()

	o.emit(ctx, domain.EventLimitUpdated, map[string]any{
		"max_loan_amount": amountString(max),
		"actor":           actor.Hex(),
	})
	return nil
}

// SetMinSpacing updates the per-caller initiation spacing. Requires
// PermSetRateLimits.
func (o *Orchestrator) SetMinSpacing(ctx context.Context, actor common.Address, spacing time.Duration) error {
	if !o.acl.Allows(actor, domain.PermSetRateLimits) {
		return fmt.Errorf("bridge: set min spacing: actor %s: %w", actor, domain.ErrUnauthorized)
	}
	if spacing < 0 {
		return fmt.Errorf("bridge: set min spacing: negative: %w", domain.ErrInvalidInput)
	}
	o.mu.Lock()
	o.cfg.MinSpacing = spacing
	o.mu.Unlock()

	o.emit(ctx, domain.EventLimitUpdated, map[string]any{
		"min_spacing": spacing.String(),
		"actor":       actor.Hex(),
	})
	return nil
}

// CollectedFees returns the fees accumulated since the last withdrawal.
func (o *Orchestrator) CollectedFees() *big.Int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return new(big.Int).Set(o.fees)
}

// WithdrawFees transfers accumulated fees for asset to the recipient.
// Requires PermWithdrawFees.
func (o *Orchestrator) WithdrawFees(ctx context.Context, actor common.Address, asset, to common.Address) (*big.Int, error) {
	if !o.acl.Allows(actor, domain.PermWithdrawFees) {
		return nil, fmt.Errorf("bridge: withdraw fees: actor %s: %w", actor, domain.ErrUnauthorized)
	}

	o.mu.Lock()
	amount := new(big.Int).Set(o.fees)
	o.fees.SetInt64(0)
	o.mu.Unlock()

	if amount.Sign() > 0 {
		if err := o.ledger.Transfer(ctx, asset, o.account, to, amount); err != nil {
			// Restore the counter so the fees stay withdrawable.
			o.mu.Lock()
			o.fees.Add(o.fees, amount)
			o.mu.Unlock()
			return nil, fmt.Errorf("bridge: withdraw fees: %w", err)
		}
	}

	o.logger.Info("fees withdrawn",
		slog.String("amount", amount.String()),
		slog.String("to", to.Hex()),
	)
	return amount, nil
}

func (o *Orchestrator) emit(ctx context.Context, eventType string, detail map[string]any) {
	if o.bus == nil {
		return
	}
	event := domain.Event{
		Type:   eventType,
		Domain: o.domainID,
		At:     o.now(),
		Detail: detail,
	}
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Warn("event publish failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func amountString(a *big.Int) string {
	if a == nil {
		return "0"
	}
	return a.String()
}

// Compile-time interface check.
var _ domain.DeliveryHandler = (*Orchestrator)(nil)
