// Package pipeline implements spec.md §4.6: the simulate-then-execute
// prepare/execute pipeline, the component the budget table weighs heaviest
// (25%). It owns the cached-transaction lifecycle and the ordered gates —
// cheap predicates before expensive RPC calls, oracle HF as the final
// authority — described there.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"lukechampine.com/blake3"

	"liquidator/internal/asset"
	"liquidator/internal/broadcast"
	"liquidator/internal/chain"
	"liquidator/internal/hfengine"
	"liquidator/internal/notifier"
	"liquidator/internal/priceagg"
	"liquidator/internal/quoter"
	"liquidator/internal/registry"
	"liquidator/internal/result"
	"liquidator/internal/signer"
	"liquidator/internal/statemachine"
)

// Metrics is the subset of observability/metrics.LiquidatorMetrics the
// pipeline drives; kept as a small local interface so this package does not
// import the metrics registry directly.
type Metrics interface {
	ObservePrepare(outcome string)
	ObserveExecute(outcome string)
	SetActiveExecutions(n int32)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) ObservePrepare(string)       {}
func (NoopMetrics) ObserveExecute(string)        {}
func (NoopMetrics) SetActiveExecutions(int32)    {}

// Config is the pipeline's hot-reloadable wiring, covering the
// configuration table of spec.md §6 relevant to prepare/execute.
type Config struct {
	ChainID            *big.Int
	Pool               common.Address
	FlashLiquidator    common.Address
	NativeAssetAddr    string // aggregator key priced for gas-to-USD conversion
	OracleBaseDecimals uint8  // decimals of getUserAccountData's USD-denominated fields

	DebtAssets        []string
	CollateralAssets  []string
	ConfiguredSources []asset.Source

	Bonus            float64
	MinDebtUSD       float64
	MaxGasUSD        float64
	MinProfitUSD     float64
	TxCacheTTLBlocks uint64
	MaxConcurrentTx  int32

	EnableExecution bool
	DryRun          bool
	FlashLoanMode   bool
	ReceiveAToken   bool
	MaxSlippageBps  uint64
	TxTimeout       time.Duration

	Bands statemachine.Bands
}

// Pipeline ties the registry, aggregator, chain client, and external
// collaborators together to run prepare and execute.
type Pipeline struct {
	Registry *registry.Registry
	Prices   *priceagg.Aggregator
	Assets   *asset.Table
	Chain    chain.Client
	Encoder  chain.Encoder
	Quoter   quoter.Quoter
	Signer   signer.Signer
	Relay    broadcast.Transport
	Notifier notifier.Notifier
	Logger   *slog.Logger
	Metrics  Metrics

	Config Config

	active int32
	now    func() time.Time
	dedup  *prepareDedup
}

// New constructs a Pipeline with nil-safe collaborator defaults.
func New(cfg Config, deps Pipeline) *Pipeline {
	p := deps
	p.Config = cfg
	if p.Notifier == nil {
		p.Notifier = notifier.NoopNotifier{}
	}
	if p.Metrics == nil {
		p.Metrics = NoopMetrics{}
	}
	p.now = time.Now
	p.dedup = newPrepareDedup()
	return &p
}

// prepareDedup collapses duplicate prepare triggers for the same
// (borrower, debt asset, collateral asset) combination within a block --
// a borrower can fire several Borrow/Repay/price-update triggers in the
// same block, and re-running simulation and gas estimation for each one
// is wasted RPC work. The seen set is keyed on a blake3 hash of the
// tuple and reset whenever the block advances, so it never grows past
// one block's worth of entries.
type prepareDedup struct {
	mu    sync.Mutex
	block uint64
	seen  map[[32]byte]struct{}
}

func newPrepareDedup() *prepareDedup {
	return &prepareDedup{seen: make(map[[32]byte]struct{})}
}

func (d *prepareDedup) seenThisBlock(borrower, debtAsset, collateralAsset string, block uint64) bool {
	key := blake3.Sum256([]byte(borrower + "|" + debtAsset + "|" + collateralAsset))

	d.mu.Lock()
	defer d.mu.Unlock()
	if block != d.block {
		d.block = block
		d.seen = make(map[[32]byte]struct{})
	}
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Prepare implements spec.md §4.6 "prepare(addr)".
func (p *Pipeline) Prepare(ctx context.Context, addr string) result.Result[*registry.CachedTx] {
	b, ok := p.Registry.Get(addr)
	if !ok {
		return result.SkipResult[*registry.CachedTx]("not_found")
	}
	if b.State != statemachine.Critical {
		return result.SkipResult[*registry.CachedTx]("not_critical")
	}

	oracleDebtUSD, err := p.oracleDebtUSD(ctx, addr)
	if err != nil {
		return result.TransientResult[*registry.CachedTx](fmt.Errorf("prepare: oracle debt: %w", err))
	}
	if oracleDebtUSD < p.Config.MinDebtUSD {
		p.Registry.RecordSkip(addr, "below_min_debt", p.now())
		p.Metrics.ObservePrepare("below_min_debt")
		return result.SkipResult[*registry.CachedTx]("below_min_debt")
	}

	if !p.Registry.TryAcquire(addr) {
		return result.SkipResult[*registry.CachedTx]("lock_held")
	}
	defer p.Registry.Release(addr)

	// Step 1: any configured feed stale or disconnected -> silent abort.
	if p.Prices.IsStale(p.Config.ConfiguredSources) {
		return result.SkipResult[*registry.CachedTx]("")
	}

	// Step 2: choose the best (debt, collateral) pair.
	pos := hfengine.Position{Collateral: b.Collateral, Debt: b.Debt}
	candidate, ok := hfengine.EstimateLiquidation(pos, p.Config.DebtAssets, p.Config.CollateralAssets, p.priceLookup, p.decimalsOf(ctx), p.Config.Bonus)
	if !ok {
		p.Registry.RecordSkip(addr, "no_viable_pair", p.now())
		p.Metrics.ObservePrepare("no_viable_pair")
		return result.SkipResult[*registry.CachedTx]("no_viable_pair")
	}

	currentBlock, err := p.Chain.BlockNumber(ctx)
	if err != nil {
		return result.TransientResult[*registry.CachedTx](fmt.Errorf("prepare: block number: %w", err))
	}
	if p.dedup.seenThisBlock(addr, candidate.DebtAsset, candidate.CollateralAsset, currentBlock) {
		p.Registry.RecordSkip(addr, "duplicate_prepare", p.now())
		p.Metrics.ObservePrepare("duplicate_prepare")
		return result.SkipResult[*registry.CachedTx]("duplicate_prepare")
	}

	plan, tx, err := p.buildPlan(ctx, addr, candidate)
	if err != nil {
		p.Registry.RecordSkip(addr, "simulation_failed", p.now())
		p.Metrics.ObservePrepare("simulation_failed")
		return result.SkipResult[*registry.CachedTx]("simulation_failed")
	}

	// Step 3: simulate with the exact payload that will later be broadcast.
	if _, err := p.Chain.StaticCall(ctx, plan); err != nil {
		p.Registry.RecordSkip(addr, "simulation_failed", p.now())
		p.Metrics.ObservePrepare("simulation_failed")
		return result.SkipResult[*registry.CachedTx]("simulation_failed")
	}

	// Step 4: estimate gas, convert to USD.
	gasLimit, fee, gasUSD, err := p.estimateGasUSD(ctx, plan)
	if err != nil {
		return result.TransientResult[*registry.CachedTx](fmt.Errorf("prepare: estimate gas: %w", err))
	}
	if gasUSD > p.Config.MaxGasUSD {
		p.Registry.RecordSkip(addr, "gas_guard", p.now())
		p.Metrics.ObservePrepare("gas_guard")
		return result.SkipResult[*registry.CachedTx]("gas_guard")
	}

	// Step 5: profit floor.
	if candidate.ProfitUSD < p.Config.MinProfitUSD {
		p.Registry.RecordSkip(addr, "profit_floor", p.now())
		p.Metrics.ObservePrepare("profit_floor")
		return result.SkipResult[*registry.CachedTx]("profit_floor")
	}

	cached := &registry.CachedTx{
		Mode:              tx.mode,
		Target:            plan.To.Hex(),
		Payload:           plan.Data,
		Value:             bigToUint256(plan.Value),
		GasLimit:          gasLimit,
		MaxFeePerGas:      bigToUint256(fee.GasFeeCap),
		MaxPriorityFee:    bigToUint256(fee.GasTipCap),
		ExpectedProfitUSD: candidate.ProfitUSD,
		EstimatedGasUSD:   gasUSD,
		PreparedAt:        p.now(),
		SwapPayload:       tx.swapPayload,
		MinSwapOut:        tx.minSwapOut,
	}
	p.Registry.SetCachedTx(addr, cached, currentBlock)
	p.Metrics.ObservePrepare("ok")
	p.Notifier.Notify(ctx, notifier.Event{Borrower: addr, Stage: "prepare", Outcome: "ok", ProfitUSD: candidate.ProfitUSD, At: p.now()})
	return result.OkResult(cached)
}

type builtTx struct {
	mode        registry.TxMode
	swapPayload []byte
	minSwapOut  *asset.Uint256
}

func (p *Pipeline) buildPlan(ctx context.Context, addr string, candidate *hfengine.LiquidationCandidate) (chain.CallPlan, builtTx, error) {
	borrower := common.HexToAddress(addr)
	debtAsset := common.HexToAddress(candidate.DebtAsset)
	collateralAsset := common.HexToAddress(candidate.CollateralAsset)

	if !p.Config.FlashLoanMode {
		data, err := p.Encoder.EncodeLiquidationCall(chain.LiquidationPayload{
			CollateralAsset: collateralAsset,
			DebtAsset:       debtAsset,
			User:            borrower,
			DebtToCover:     candidate.DebtAmount,
			ReceiveAToken:   p.Config.ReceiveAToken,
		})
		if err != nil {
			return chain.CallPlan{}, builtTx{}, err
		}
		return chain.CallPlan{To: p.Config.Pool, Data: data, Value: big.NewInt(0)}, builtTx{mode: registry.TxDirect}, nil
	}

	quote, err := p.Quoter.Quote(ctx, collateralAsset, debtAsset, candidate.RequiredCollateral, p.Config.FlashLiquidator)
	if err != nil {
		return chain.CallPlan{}, builtTx{}, fmt.Errorf("quote swap leg: %w", err)
	}
	data, err := p.Encoder.EncodeFlashExecute(chain.FlashExecutePayload{
		Borrower:        borrower,
		DebtAsset:       debtAsset,
		CollateralAsset: collateralAsset,
		DebtAmount:      candidate.DebtAmount,
		SwapPayload:      quote.Payload,
	})
	if err != nil {
		return chain.CallPlan{}, builtTx{}, err
	}
	return chain.CallPlan{To: p.Config.FlashLiquidator, Data: data, Value: big.NewInt(0)},
		builtTx{mode: registry.TxFlash, swapPayload: quote.Payload, minSwapOut: bigToUint256(quote.MinOut)}, nil
}

// Execute implements spec.md §4.6 "execute(addr)", gates in the specified order.
func (p *Pipeline) Execute(ctx context.Context, addr string) result.Result[string] {
	b, ok := p.Registry.Get(addr)
	if !ok {
		return result.SkipResult[string]("not_found")
	}
	if b.State != statemachine.Liquidatable {
		return result.SkipResult[string]("not_liquidatable")
	}

	if !p.Registry.TryAcquire(addr) {
		return result.SkipResult[string]("lock_held")
	}
	defer p.Registry.Release(addr)

	// 1. Total oracle debt >= MIN_DEBT_USD.
	oracleDebtUSD, err := p.oracleDebtUSD(ctx, addr)
	if err != nil {
		return result.TransientResult[string](fmt.Errorf("execute: oracle debt: %w", err))
	}
	if oracleDebtUSD < p.Config.MinDebtUSD {
		p.Registry.RecordSkip(addr, "below_min_debt", p.now())
		p.Metrics.ObserveExecute("below_min_debt")
		return result.SkipResult[string]("below_min_debt")
	}

	// 2. Price policy gate (fail-closed, S6).
	if !p.Prices.CanExecute(p.Config.ConfiguredSources) {
		p.Registry.RecordSkip(addr, "price-feed-policy", p.now())
		p.Metrics.ObserveExecute("price-feed-policy")
		return result.SkipResult[string]("price-feed-policy")
	}

	// 3. Staleness predicate.
	if p.Prices.IsStale(p.Config.ConfiguredSources) {
		p.Registry.RecordSkip(addr, "price_stale", p.now())
		p.Metrics.ObserveExecute("price_stale")
		return result.SkipResult[string]("price_stale")
	}

	// 4. Concurrency counter.
	if atomic.LoadInt32(&p.active) >= p.Config.MaxConcurrentTx {
		return result.SkipResult[string]("concurrency_limit")
	}

	currentBlock, err := p.Chain.BlockNumber(ctx)
	if err != nil {
		return result.TransientResult[string](fmt.Errorf("execute: block number: %w", err))
	}

	// 5. cached_tx present; if absent call prepare and return.
	b, _ = p.Registry.Get(addr)
	if b.CachedTx == nil {
		prep := p.prepareLocked(ctx, addr)
		return propagatePrepare(prep)
	}

	// 6. Cache TTL.
	if p.Registry.IsCacheStale(addr, currentBlock, p.Config.TxCacheTTLBlocks) {
		p.Registry.InvalidateCache(addr, "ttl_expired")
		prep := p.prepareLocked(ctx, addr)
		return propagatePrepare(prep)
	}

	// 7. Refresh oracle HF; final authority.
	oracleHF, err := p.oracleHF(ctx, addr)
	if err != nil {
		return result.TransientResult[string](fmt.Errorf("execute: oracle hf: %w", err))
	}
	hfBands := p.bandsSnapshot()
	if oracleHF >= 1.0 || oracleHF > hfBands.Liquidatable {
		p.Registry.RecordSkip(addr, "oracle_not_liquidatable", p.now())
		p.Metrics.ObserveExecute("oracle_not_liquidatable")
		return result.SkipResult[string]("oracle_not_liquidatable")
	}

	b, _ = p.Registry.Get(addr)
	cached := b.CachedTx

	// 8/9. Recompute net profit against a fresh gas estimate and re-check
	// both the profit floor and the gas guard (spec.md §4.6 steps 8-9).
	plan := chain.CallPlan{To: common.HexToAddress(cached.Target), Data: cached.Payload, Value: uint256ToBig(cached.Value), GasLimit: cached.GasLimit}
	_, _, gasUSD, err := p.estimateGasUSD(ctx, plan)
	if err != nil {
		gasUSD = cached.EstimatedGasUSD // fall back to the cached estimate on a transient re-estimate failure
	}
	netProfit := cached.ExpectedProfitUSD - gasUSD
	if netProfit < p.Config.MinProfitUSD {
		p.Registry.RecordSkip(addr, "profit_floor", p.now())
		p.Metrics.ObserveExecute("profit_floor")
		return result.SkipResult[string]("profit_floor")
	}
	if gasUSD > p.Config.MaxGasUSD {
		p.Registry.RecordSkip(addr, "gas_guard", p.now())
		p.Metrics.ObserveExecute("gas_guard")
		return result.SkipResult[string]("gas_guard")
	}

	// 10. Dry-run / execution disabled.
	if !p.Config.EnableExecution || p.Config.DryRun {
		p.Logger.Info("execute: dry-run, not broadcasting", "borrower", addr, "expected_profit_usd", cached.ExpectedProfitUSD)
		p.Metrics.ObserveExecute("dry_run")
		return result.SkipResult[string]("dry_run")
	}

	// 11. Dispatch under the concurrency counter.
	atomic.AddInt32(&p.active, 1)
	p.Metrics.SetActiveExecutions(atomic.LoadInt32(&p.active))
	defer func() {
		atomic.AddInt32(&p.active, -1)
		p.Metrics.SetActiveExecutions(atomic.LoadInt32(&p.active))
	}()

	fee, err := p.Chain.SuggestFeeData(ctx)
	if err != nil {
		return result.TransientResult[string](fmt.Errorf("execute: suggest fee data: %w", err))
	}
	nonce, err := p.nonce(ctx)
	if err != nil {
		return result.TransientResult[string](fmt.Errorf("execute: nonce: %w", err))
	}
	signed, err := p.Signer.SignTransaction(p.Config.ChainID, plan, fee, nonce)
	if err != nil {
		return result.FatalResult[string](fmt.Errorf("execute: sign transaction: %w", err))
	}
	if err := p.Relay.Broadcast(ctx, signed); err != nil {
		p.Registry.RecordSkip(addr, "broadcast_failed", p.now())
		p.Metrics.ObserveExecute("broadcast_failed")
		p.Notifier.Notify(ctx, notifier.Event{Borrower: addr, Stage: "execute", Outcome: "broadcast_failed", At: p.now()})
		return result.TransientResult[string](fmt.Errorf("execute: broadcast: %w", err))
	}

	receiptCtx, cancel := context.WithTimeout(ctx, p.txTimeout())
	defer cancel()
	receipt, err := p.awaitReceipt(receiptCtx, signed.Hash())
	if err != nil {
		p.Registry.RecordSkip(addr, "receipt_failed", p.now())
		p.Metrics.ObserveExecute("receipt_failed")
		p.Notifier.Notify(ctx, notifier.Event{Borrower: addr, Stage: "execute", Outcome: "receipt_failed", TxHash: signed.Hash().Hex(), At: p.now()})
		return result.TransientResult[string](fmt.Errorf("execute: await receipt: %w", err))
	}

	p.Metrics.ObserveExecute("ok")
	p.Notifier.Notify(ctx, notifier.Event{Borrower: addr, Stage: "execute", Outcome: "ok", TxHash: signed.Hash().Hex(), ProfitUSD: cached.ExpectedProfitUSD, At: p.now()})
	p.Registry.RecordSkip(addr, "", p.now())
	_ = receipt
	return result.OkResult(signed.Hash().Hex())
}

func propagatePrepare(r result.Result[*registry.CachedTx]) result.Result[string] {
	switch r.Kind {
	case result.Ok:
		return result.OkResult("prepared")
	case result.Skip:
		return result.SkipResult[string](r.Reason)
	case result.Transient:
		return result.TransientResult[string](r.Err)
	default:
		return result.FatalResult[string](r.Err)
	}
}

// prepareLocked re-enters prepare from within execute's already-held lock
// (spec.md §4.6 "cached_tx present; if absent call prepare"). Because the
// per-borrower advisory lock is held by this call's own goroutine and is
// not a re-entrant OS mutex, it releases and reacquires around the nested
// Prepare call rather than deadlocking; TryAcquire's non-blocking semantics
// guarantee a concurrent caller still cannot interleave a second prepare.
func (p *Pipeline) prepareLocked(ctx context.Context, addr string) result.Result[*registry.CachedTx] {
	p.Registry.Release(addr)
	defer func() {
		// Best-effort: re-acquire so the deferred Release in Execute is a
		// harmless no-op rather than double-releasing someone else's lock.
		p.Registry.TryAcquire(addr)
	}()
	return p.Prepare(ctx, addr)
}

func (p *Pipeline) bandsSnapshot() statemachine.Bands {
	return p.Config.Bands
}

func (p *Pipeline) oracleDebtUSD(ctx context.Context, addr string) (float64, error) {
	account, err := p.Chain.GetUserAccountData(ctx, p.Config.Pool, common.HexToAddress(addr))
	if err != nil {
		return 0, err
	}
	return scaleOracleUSD(account.TotalDebtUSD, p.Config.OracleBaseDecimals), nil
}

func (p *Pipeline) oracleHF(ctx context.Context, addr string) (float64, error) {
	account, err := p.Chain.GetUserAccountData(ctx, p.Config.Pool, common.HexToAddress(addr))
	if err != nil {
		return 0, err
	}
	if account.HealthFactorRay == nil || account.HealthFactorRay.Cmp(maxUint256) == 0 {
		return math.Inf(1), nil
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(account.HealthFactorRay), big.NewFloat(1e18))
	v, _ := f.Float64()
	return v, nil
}

func scaleOracleUSD(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetFloat64(pow10(int(decimals))))
	out, _ := f.Float64()
	return out
}

func pow10(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

func (p *Pipeline) priceLookup(addr string) (float64, bool) {
	return p.Prices.Price(addr)
}

func (p *Pipeline) decimalsOf(ctx context.Context) func(addr string) uint8 {
	return func(addr string) uint8 {
		if d, ok := p.Assets.Decimals(addr); ok {
			return d
		}
		d, err := p.Chain.ERC20Decimals(ctx, common.HexToAddress(addr))
		if err != nil {
			return 18
		}
		p.Assets.MemoizeDecimals(addr, d)
		return d
	}
}

func (p *Pipeline) estimateGasUSD(ctx context.Context, plan chain.CallPlan) (uint64, chain.FeeData, float64, error) {
	gasLimit, err := p.Chain.EstimateGas(ctx, plan)
	if err != nil {
		return 0, chain.FeeData{}, 0, err
	}
	fee, err := p.Chain.SuggestFeeData(ctx)
	if err != nil {
		return 0, chain.FeeData{}, 0, err
	}
	nativePriceUSD, ok := p.Prices.Price(p.Config.NativeAssetAddr)
	if !ok {
		return gasLimit, fee, 0, fmt.Errorf("no native asset price available for gas conversion")
	}
	gasCost := new(big.Float).SetInt(new(big.Int).Mul(big.NewInt(int64(gasLimit)), fee.GasFeeCap))
	gasCostEth := new(big.Float).Quo(gasCost, big.NewFloat(1e18))
	gasUSD, _ := new(big.Float).Mul(gasCostEth, big.NewFloat(nativePriceUSD)).Float64()
	return gasLimit, fee, gasUSD, nil
}

func (p *Pipeline) nonce(ctx context.Context) (uint64, error) {
	// Nonce management is an RPC-transport concern out of this core's
	// scope (spec.md §1 non-goals); callers inject a Signer whose
	// SignTransaction already resolves the correct nonce out-of-band in
	// production, and tests supply a fixed nonce via a stub Signer.
	return 0, nil
}

func (p *Pipeline) txTimeout() time.Duration {
	if p.Config.TxTimeout <= 0 {
		return 2 * time.Minute
	}
	return p.Config.TxTimeout
}

func (p *Pipeline) awaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := p.Chain.TransactionReceipt(ctx, hash)
			if err == nil && receipt != nil {
				return receipt, nil
			}
		}
	}
}

func bigToUint256(v *big.Int) *asset.Uint256 {
	if v == nil {
		return asset.NewUint256FromUint64(0)
	}
	u := new(asset.Uint256)
	u.SetFromBig(v)
	return u
}

func uint256ToBig(v *asset.Uint256) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}
