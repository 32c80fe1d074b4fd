// Package fanout is the recompute fan-out described in spec.md §4.6's
// opening paragraph: a borrower-update or price-update notification
// triggers HF recomputation for each affected hydrated borrower, and
// schedules prepare whenever a recomputed borrower is CRITICAL with no
// cached transaction. It is deliberately a
// channel-backed publisher/subscriber, not a callback list, per the
// message-passing-hub guidance in spec.md §9.
package fanout

import (
	"context"
	"log/slog"
	"time"

	"liquidator/internal/hfengine"
	"liquidator/internal/pipeline"
	"liquidator/internal/priceagg"
	"liquidator/internal/registry"
	"liquidator/internal/result"
	"liquidator/internal/statemachine"
)

// FanOut wires the two notification sources to HF recomputation and
// prepare scheduling.
type FanOut struct {
	Registry   *registry.Registry
	Prices     *priceagg.Aggregator
	Pipeline   *pipeline.Pipeline
	Thresholds hfengine.ThresholdLookup
	Logger     *slog.Logger

	// BorrowerUpdates carries addresses pushed by the event router's
	// Notify callback (spec.md §4.5 step 6).
	BorrowerUpdates chan string
	// PriceUpdates carries asset addresses pushed by the aggregator's
	// debounced emission (spec.md §4.4).
	PriceUpdates priceagg.Subscriber

	now func() time.Time
}

// New constructs a FanOut with buffered notification channels so a slow
// consumer never blocks the event router or the aggregator's Ingest path.
func New(reg *registry.Registry, prices *priceagg.Aggregator, pl *pipeline.Pipeline, thresholds hfengine.ThresholdLookup, logger *slog.Logger) *FanOut {
	f := &FanOut{
		Registry:        reg,
		Prices:          prices,
		Pipeline:        pl,
		Thresholds:      thresholds,
		Logger:          logger,
		BorrowerUpdates: make(chan string, 1024),
		PriceUpdates:    make(priceagg.Subscriber, 1024),
		now:             time.Now,
	}
	prices.Subscribe(f.PriceUpdates)
	return f
}

// Run blocks until ctx is cancelled.
func (f *FanOut) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr := <-f.BorrowerUpdates:
			f.recompute(ctx, addr)
		case assetAddr := <-f.PriceUpdates:
			f.onPriceUpdate(ctx, assetAddr)
		}
	}
}

func (f *FanOut) onPriceUpdate(ctx context.Context, assetAddr string) {
	affected := f.Registry.ByStates(map[statemachine.State]struct{}{
		statemachine.Safe:         {},
		statemachine.Watch:        {},
		statemachine.Critical:     {},
		statemachine.Liquidatable: {},
	})
	for _, b := range affected {
		if !b.Hydrated {
			continue
		}
		if !holdsAsset(b, assetAddr) {
			continue
		}
		// A price update invalidates existing cached_tx for CRITICAL/
		// LIQUIDATABLE borrowers on the touched asset before recomputing
		// (spec.md §4.6).
		if b.State == statemachine.Critical || b.State == statemachine.Liquidatable {
			f.Registry.InvalidateCache(b.Address, "price_update")
		}
		f.recompute(ctx, b.Address)
	}
}

func holdsAsset(b registry.Borrower, assetAddr string) bool {
	if _, ok := b.Collateral[assetAddr]; ok {
		return true
	}
	if _, ok := b.Debt[assetAddr]; ok {
		return true
	}
	return false
}

func (f *FanOut) recompute(ctx context.Context, addr string) {
	b, ok := f.Registry.Get(addr)
	if !ok || !b.Hydrated {
		return
	}

	pos := hfengine.Position{Collateral: b.Collateral, Debt: b.Debt}
	computed := hfengine.Compute(pos, f.Prices.Price, f.Thresholds)
	for _, miss := range computed.Missing {
		f.log("missing price during recompute", nil, "borrower", addr, "asset", miss.Asset, "side", miss.Side)
	}

	upd := f.Registry.UpdateHF(addr, computed.HF, nil, f.now())
	if !upd.Found {
		return
	}

	if upd.NewState == statemachine.Critical {
		if b2, ok := f.Registry.Get(addr); ok && b2.CachedTx == nil {
			go f.schedulePrepare(ctx, addr)
		}
	}
}

func (f *FanOut) schedulePrepare(ctx context.Context, addr string) {
	res := f.Pipeline.Prepare(ctx, addr)
	switch res.Kind {
	case result.Ok:
		f.log("prepare scheduled from fan-out succeeded", nil, "borrower", addr)
	case result.Skip:
		if res.Reason != "" {
			f.log("prepare scheduled from fan-out skipped", nil, "borrower", addr, "reason", res.Reason)
		}
	case result.Transient:
		f.log("prepare scheduled from fan-out had a transient failure", res.Err, "borrower", addr)
	case result.Fatal:
		f.log("prepare scheduled from fan-out failed fatally", res.Err, "borrower", addr)
	}
}

func (f *FanOut) log(msg string, err error, kv ...any) {
	if f.Logger == nil {
		return
	}
	args := append([]any{}, kv...)
	if err != nil {
		args = append(args, "error", err)
	}
	f.Logger.Warn("fanout: "+msg, args...)
}
