// Package eventrouter implements spec.md §4.5: pool-event subscription,
// registry update, and recompute fan-out. It is the shared serialization
// point between the on-chain event stream and the HF engine — every
// observed event ends either in an installed balance refresh or an
// audited skip classification, never in a blocked subscription.
package eventrouter

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"liquidator/internal/asset"
	"liquidator/internal/chain"
	"liquidator/internal/registry"
	"liquidator/internal/statemachine"
)

// SkipReason is the LiquidationCall audit taxonomy from spec.md §4.5.
type SkipReason string

const (
	ReasonNotInWatchSet        SkipReason = "not_in_watch_set"
	ReasonBelowMinDebt         SkipReason = "below_min_debt"
	ReasonRaced                SkipReason = "raced"
	ReasonOracleNotLiquidatable SkipReason = "oracle_not_liquidatable"
	ReasonFilteredByProfit     SkipReason = "filtered_by_profit"
	ReasonFilteredByGas        SkipReason = "filtered_by_gas"
	ReasonUnknown              SkipReason = "unknown"
)

// AuditEntry records a classified LiquidationCall observation. ID lets an
// operator correlate this entry with the auditstore mirror.
type AuditEntry struct {
	ID        string
	Borrower  string
	Reason    SkipReason
	Event     chain.PoolEvent
	At        time.Time
}

// AuditSink receives audit entries. The router calls Record inline on its
// event-processing goroutine, so a slow Record delays event processing;
// auditstore.Store writes synchronously and does not buffer.
type AuditSink interface {
	Record(entry AuditEntry)
}

// NoopAuditSink discards every entry.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(AuditEntry) {}

// BalanceReader resolves the live on-chain balances the router refreshes on
// every event (spec.md §4.5 step 3): interest-bearing token balances for
// configured collateral assets, variable-debt balances for configured debt
// assets.
type BalanceReader interface {
	CollateralBalance(ctx context.Context, aToken, holder common.Address) (*big.Int, error)
	DebtBalance(ctx context.Context, debtToken, holder common.Address) (*big.Int, error)
}

// ChainBalanceReader adapts a chain.Client to BalanceReader.
type ChainBalanceReader struct {
	Client chain.Client
}

func (r ChainBalanceReader) CollateralBalance(ctx context.Context, aToken, holder common.Address) (*big.Int, error) {
	return r.Client.BalanceOf(ctx, aToken, holder)
}

func (r ChainBalanceReader) DebtBalance(ctx context.Context, debtToken, holder common.Address) (*big.Int, error) {
	return r.Client.VariableDebtBalanceOf(ctx, debtToken, holder)
}

// ReserveAssets maps a tracked reserve's underlying address to the token
// addresses the router actually reads balances from, plus the asset
// metadata the registry stores balances keyed by.
type ReserveAssets struct {
	Underlying asset.Asset
	AToken     common.Address
	DebtToken  common.Address
}

// Config is the router's static, hot-reloadable wiring.
type Config struct {
	CollateralReserves []ReserveAssets
	DebtReserves       []ReserveAssets
	MinDebtUSD         float64
}

// OraclePricer resolves an on-chain oracle USD price for new-borrower
// min-debt filtering (spec.md §4.5 step 5 uses "on-chain oracle prices",
// distinct from the off-chain aggregator used for predicted HF).
type OraclePricer interface {
	OraclePriceUSD(ctx context.Context, reserve common.Address) (float64, error)
}

// Router subscribes to the pool event stream and drives the registry.
type Router struct {
	Registry *registry.Registry
	Balances BalanceReader
	Oracle   OraclePricer
	Audit    AuditSink
	Logger   *slog.Logger
	Config   Config

	// Notify is invoked once per processed event with the affected
	// borrower address, the recompute fan-out's trigger signal
	// (spec.md §4.6 "A borrower-update notification... triggers... HF
	// recomputation").
	Notify func(borrowerAddr string)

	// OnClosed is invoked whenever the router removes a borrower from the
	// registry (below-min-debt on a new-borrower path, or raced out of a
	// LiquidationCall), so an audit mirror can record a terminal snapshot.
	OnClosed func(borrowerAddr, reason string)

	now func() time.Time
}

// New constructs a Router. Notify, Audit, and Oracle may be nil-safe zero
// values supplied by the caller (NoopAuditSink, etc.); Notify itself must
// be set by the wiring in internal/liquidatord before Run is called.
func New(reg *registry.Registry, balances BalanceReader, oracle OraclePricer, audit AuditSink, logger *slog.Logger, cfg Config) *Router {
	if audit == nil {
		audit = NoopAuditSink{}
	}
	return &Router{
		Registry: reg,
		Balances: balances,
		Oracle:   oracle,
		Audit:    audit,
		Logger:   logger,
		Config:   cfg,
		now:      time.Now,
	}
}

// Run consumes events from sub until ctx is cancelled or the channel
// closes, which spec.md §9 treats as the subscription's cancellation.
func (r *Router) Run(ctx context.Context, sub chain.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			r.handle(ctx, evt)
		}
	}
}

func (r *Router) handle(ctx context.Context, evt chain.PoolEvent) {
	addr := evt.OnBehalfOf.Hex()

	if evt.Kind == chain.EventLiquidationCall {
		r.handleLiquidationCall(ctx, evt)
		return
	}

	// Repay only acts on known borrowers (spec.md §4.5 step 2).
	if evt.Kind == chain.EventRepay {
		if _, ok := r.Registry.Get(addr); !ok {
			return
		}
	} else {
		r.Registry.Upsert(addr, statemachine.Safe)
	}

	if err := r.refreshBalances(ctx, addr); err != nil {
		r.log("refresh balances failed", err, "borrower", addr, "event", evt.Kind.String())
		return
	}
	r.Registry.MarkHydrated(addr)

	if evt.Kind == chain.EventBorrow || evt.Kind == chain.EventSupply || evt.Kind == chain.EventWithdraw {
		if b, ok := r.Registry.Get(addr); ok && !r.borrowerWasKnownBefore(b) {
			if r.belowMinDebt(ctx, addr) {
				r.Registry.Remove(addr)
				r.closed(addr, string(ReasonBelowMinDebt))
				return
			}
		}
	}

	if r.Notify != nil {
		r.Notify(addr)
	}
}

// borrowerWasKnownBefore is a conservative placeholder: the router treats
// every Borrow/Supply/Withdraw as a candidate for the new-borrower min-debt
// check rather than tracking first-seen separately, matching
// spec.md §4.5 step 5's intent while keeping the check idempotent (a
// borrower already above MIN_DEBT_USD simply never trips it again).
func (r *Router) borrowerWasKnownBefore(b registry.Borrower) bool {
	return false
}

func (r *Router) belowMinDebt(ctx context.Context, addr string) bool {
	b, ok := r.Registry.Get(addr)
	if !ok {
		return false
	}
	var totalUSD float64
	for reserveAddr, bal := range b.Debt {
		price, err := r.Oracle.OraclePriceUSD(ctx, common.HexToAddress(reserveAddr))
		if err != nil {
			// Transient failure to compute MUST NOT remove (spec.md §4.5 step 5).
			return false
		}
		totalUSD += scaledUSD(bal, price)
	}
	return totalUSD < r.Config.MinDebtUSD
}

func scaledUSD(bal asset.Balance, priceUSD float64) float64 {
	amount := new(big.Float).SetInt(bal.BaseUnits.ToBig())
	scale := new(big.Float).SetFloat64(pow10(int(bal.Asset.Decimals)))
	scaled := new(big.Float).Quo(amount, scale)
	usd := new(big.Float).Mul(scaled, big.NewFloat(priceUSD))
	f, _ := usd.Float64()
	return f
}

func pow10(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

func (r *Router) refreshBalances(ctx context.Context, addr string) error {
	holder := common.HexToAddress(addr)
	collateral := make(map[string]asset.Balance)
	debt := make(map[string]asset.Balance)

	for _, reserve := range r.Config.CollateralReserves {
		amt, err := r.Balances.CollateralBalance(ctx, reserve.AToken, holder)
		if err != nil {
			return err
		}
		if amt.Sign() > 0 {
			collateral[reserve.Underlying.Address] = asset.Balance{
				Asset:     reserve.Underlying,
				BaseUnits: bigToUint256(amt),
			}
		}
	}
	for _, reserve := range r.Config.DebtReserves {
		amt, err := r.Balances.DebtBalance(ctx, reserve.DebtToken, holder)
		if err != nil {
			return err
		}
		if amt.Sign() > 0 {
			debt[reserve.Underlying.Address] = asset.Balance{
				Asset:     reserve.Underlying,
				BaseUnits: bigToUint256(amt),
			}
		}
	}

	r.Registry.MutateBalances(addr, collateral, debt, r.now())
	return nil
}

func (r *Router) handleLiquidationCall(ctx context.Context, evt chain.PoolEvent) {
	addr := evt.OnBehalfOf.Hex()

	if _, ok := r.Registry.Get(addr); !ok {
		r.audit(addr, ReasonNotInWatchSet, evt)
		return
	}

	if err := r.refreshBalances(ctx, addr); err != nil {
		r.log("refresh balances after liquidation call failed", err, "borrower", addr)
		r.audit(addr, ReasonUnknown, evt)
		return
	}
	r.Registry.MarkHydrated(addr)

	b, ok := r.Registry.Get(addr)
	if !ok {
		return
	}
	if allDebtZero(b) {
		r.Registry.Remove(addr)
		r.audit(addr, ReasonRaced, evt)
		r.closed(addr, string(ReasonRaced))
		return
	}

	r.audit(addr, classifyLiquidationCall(b), evt)
	if r.Notify != nil {
		r.Notify(addr)
	}
}

func allDebtZero(b registry.Borrower) bool {
	for _, bal := range b.Debt {
		if !asset.ZeroUint256(bal.BaseUnits) {
			return false
		}
	}
	return true
}

// classifyLiquidationCall attributes why a competing liquidation call
// landed ahead of this process. A borrower outside the watch set was never
// a candidate at all; otherwise the borrower's own LastSkipReason --
// populated by the pipeline's RecordSkip calls on every prepare/execute
// gate (spec.md §4.6) -- records the last reason *this* process declined
// to act, which is the best available attribution for why someone else's
// call won the race. Any reason this function does not specifically
// recognize (including an empty LastSkipReason, meaning this process
// never evaluated the borrower at all) still means a race this process
// simply lost.
func classifyLiquidationCall(b registry.Borrower) SkipReason {
	switch b.State {
	case statemachine.Safe, statemachine.Watch:
		return ReasonNotInWatchSet
	}

	switch b.LastSkipReason {
	case "oracle_not_liquidatable":
		return ReasonOracleNotLiquidatable
	case "profit_floor":
		return ReasonFilteredByProfit
	case "gas_guard":
		return ReasonFilteredByGas
	default:
		return ReasonRaced
	}
}

func (r *Router) audit(addr string, reason SkipReason, evt chain.PoolEvent) {
	r.Audit.Record(AuditEntry{
		ID:       uuid.NewString(),
		Borrower: addr,
		Reason:   reason,
		Event:    evt,
		At:       r.now(),
	})
}

func (r *Router) closed(borrowerAddr, reason string) {
	if r.OnClosed != nil {
		r.OnClosed(borrowerAddr, reason)
	}
}

func (r *Router) log(msg string, err error, kv ...any) {
	if r.Logger == nil {
		return
	}
	args := append([]any{}, kv...)
	args = append(args, "error", err)
	r.Logger.Warn("eventrouter: "+msg, args...)
}

func bigToUint256(v *big.Int) *asset.Uint256 {
	u := new(asset.Uint256)
	u.SetFromBig(v)
	return u
}
