// Package blockloop implements spec.md §4.7: a periodic timer that
// refreshes HF for WATCH/CRITICAL borrowers from cached prices, dispatches
// execute on entry into LIQUIDATABLE, and emits periodic statistics. It
// never calls prepare — preparation is driven exclusively by the event
// fan-out (spec.md §4.7).
package blockloop

import (
	"context"
	"log/slog"
	"time"

	"liquidator/internal/chain"
	"liquidator/internal/hfengine"
	"liquidator/internal/pipeline"
	"liquidator/internal/priceagg"
	"liquidator/internal/registry"
	"liquidator/internal/result"
	"liquidator/internal/statemachine"
)

// Loop owns the BLOCK_POLL_INTERVAL timer.
type Loop struct {
	Registry *registry.Registry
	Prices   *priceagg.Aggregator
	Chain    chain.Client
	Pipeline *pipeline.Pipeline
	Logger   *slog.Logger

	PollInterval   time.Duration
	StatsEveryN    uint64
	DebtAssets     []string
	CollateralAssets []string
	Thresholds     hfengine.ThresholdLookup

	tickCount uint64
}

// Run blocks until ctx is cancelled, firing one tick per PollInterval
// (spec.md §4.7, §5 "Shutdown cancels the block loop").
func (l *Loop) Run(ctx context.Context) {
	interval := l.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	currentBlock, err := l.Chain.BlockNumber(ctx)
	if err != nil {
		l.log("block number failed", err)
		return
	}
	// Fee data is fetched each tick and only a failure is logged; the
	// reading is not kept, and prepare and execute request their own fee
	// data for gas-to-USD conversion.
	if _, err := l.Chain.SuggestFeeData(ctx); err != nil {
		l.log("suggest fee data failed", err)
	}

	candidates := l.Registry.ByStates(map[statemachine.State]struct{}{
		statemachine.Watch:    {},
		statemachine.Critical: {},
	})

	now := time.Now()
	for _, b := range candidates {
		if !b.Hydrated {
			continue
		}
		pos := hfengine.Position{Collateral: b.Collateral, Debt: b.Debt}
		computed := hfengine.Compute(pos, l.Prices.Price, l.Thresholds)
		for _, miss := range computed.Missing {
			l.log("missing price during block-loop recompute", nil, "borrower", b.Address, "asset", miss.Asset, "side", miss.Side)
		}

		upd := l.Registry.UpdateHF(b.Address, computed.HF, nil, now)
		if upd.Found && upd.Changed && upd.NewState == statemachine.Liquidatable {
			go l.execute(ctx, b.Address)
		}
	}

	l.tickCount++
	if l.StatsEveryN > 0 && l.tickCount%l.StatsEveryN == 0 {
		stats := l.Registry.Stats()
		l.Logger.Info("block-loop stats",
			"block", currentBlock,
			"safe", stats.Safe,
			"watch", stats.Watch,
			"critical", stats.Critical,
			"liquidatable", stats.Liquidatable,
		)
	}
}

func (l *Loop) execute(ctx context.Context, addr string) {
	res := l.Pipeline.Execute(ctx, addr)
	switch res.Kind {
	case result.Ok:
		l.Logger.Info("block-loop dispatched execute", "borrower", addr, "tx", res.Value)
	case result.Skip:
		if res.Reason != "" {
			l.Logger.Warn("block-loop execute skipped", "borrower", addr, "reason", res.Reason)
		}
	case result.Transient:
		l.Logger.Error("block-loop execute transient failure", "borrower", addr, "error", res.Err)
	default:
		l.Logger.Error("block-loop execute fatal failure", "borrower", addr, "error", res.Err)
	}
}

func (l *Loop) log(msg string, err error, kv ...any) {
	if l.Logger == nil {
		return
	}
	args := append([]any{}, kv...)
	if err != nil {
		args = append(args, "error", err)
	}
	l.Logger.Warn("blockloop: "+msg, args...)
}
