package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liquidator/internal/asset"
	"liquidator/internal/hfengine"
	"liquidator/internal/priceagg"
	"liquidator/internal/registry"
	"liquidator/internal/statemachine"
)

const (
	weth = "0xweth"
	usdc = "0xusdc"
)

func testBands() statemachine.Bands {
	return statemachine.Bands{Watch: 1.10, Critical: 1.04, Liquidatable: 1.00}
}

func testThresholds() hfengine.ThresholdLookup {
	return asset.NewTable(map[string]float64{weth: 0.8}).Threshold
}

func seedBorrower(reg *registry.Registry, addr string, state statemachine.State, collateralBaseUnits, debtBaseUnits uint64) {
	reg.Upsert(addr, state)
	reg.MutateBalances(addr, map[string]asset.Balance{
		weth: {Asset: asset.Asset{Address: weth, Decimals: 18}, BaseUnits: asset.NewUint256FromUint64(collateralBaseUnits)},
	}, map[string]asset.Balance{
		usdc: {Asset: asset.Asset{Address: usdc, Decimals: 6}, BaseUnits: asset.NewUint256FromUint64(debtBaseUnits)},
	}, time.Now())
	reg.MarkHydrated(addr)
}

func newFanOut(reg *registry.Registry, prices *priceagg.Aggregator) *FanOut {
	return &FanOut{
		Registry:   reg,
		Prices:     prices,
		Thresholds: testThresholds(),
	}
}

func TestRecomputeUpdatesHFForHydratedBorrower(t *testing.T) {
	reg := registry.New(testBands())
	// 1 WETH @ $3000 * 0.8 threshold = $2400 weighted collateral;
	// 1000 USDC debt -> HF = 2.4, comfortably SAFE.
	seedBorrower(reg, "0xborrower", statemachine.Watch, 1e18, 1000_000000)

	prices := priceagg.New(time.Millisecond, time.Minute)
	prices.Ingest(asset.Price{Asset: weth, USD: 3000, Source: asset.SourceBinance})
	prices.Ingest(asset.Price{Asset: usdc, USD: 1, Source: asset.SourceBinance})

	f := newFanOut(reg, prices)
	f.recompute(context.Background(), "0xborrower")

	b, ok := reg.Get("0xborrower")
	require.True(t, ok)
	require.Equal(t, statemachine.Safe, b.State)
}

func TestRecomputeIgnoresUnknownBorrower(t *testing.T) {
	reg := registry.New(testBands())
	f := newFanOut(reg, priceagg.New(time.Millisecond, time.Minute))

	require.NotPanics(t, func() {
		f.recompute(context.Background(), "0xghost")
	})
}

func TestRecomputeIgnoresUnhydratedBorrower(t *testing.T) {
	reg := registry.New(testBands())
	reg.Upsert("0xborrower", statemachine.Watch)

	f := newFanOut(reg, priceagg.New(time.Millisecond, time.Minute))
	f.recompute(context.Background(), "0xborrower")

	b, ok := reg.Get("0xborrower")
	require.True(t, ok)
	require.Equal(t, statemachine.Watch, b.State, "an unhydrated borrower must never be reclassified")
}

func TestOnPriceUpdateInvalidatesCacheAndRecomputesOutOfCritical(t *testing.T) {
	reg := registry.New(testBands())
	// 1 WETH @ $1500 * 0.8 = $1200 weighted collateral against 1150 USDC debt
	// -> HF ~1.043, which classifies as WATCH; the borrower is seeded directly
	// in CRITICAL with a cached transaction.
	seedBorrower(reg, "0xborrower", statemachine.Critical, 1e18, 1150_000000)
	reg.SetCachedTx("0xborrower", &registry.CachedTx{Mode: registry.TxDirect}, 10)

	prices := priceagg.New(time.Millisecond, time.Minute)
	prices.Ingest(asset.Price{Asset: weth, USD: 1500, Source: asset.SourceBinance})
	prices.Ingest(asset.Price{Asset: usdc, USD: 1, Source: asset.SourceBinance})

	f := newFanOut(reg, prices)

	// A fresh, higher WETH price lifts HF from ~1.0435 to ~1.0783 -- still
	// inside the WATCH band (1.04, 1.10] -- moving the borrower out of
	// CRITICAL into WATCH.
	prices.Ingest(asset.Price{Asset: weth, USD: 1550, Source: asset.SourceBinance})
	f.onPriceUpdate(context.Background(), weth)

	b, ok := reg.Get("0xborrower")
	require.True(t, ok)
	require.Equal(t, statemachine.Watch, b.State)
	require.Nil(t, b.CachedTx, "leaving CRITICAL must clear any cached transaction")
}

func TestOnPriceUpdateIgnoresBorrowersNotHoldingTheAsset(t *testing.T) {
	reg := registry.New(testBands())
	seedBorrower(reg, "0xborrower", statemachine.Watch, 1e18, 1000_000000)

	prices := priceagg.New(time.Millisecond, time.Minute)
	prices.Ingest(asset.Price{Asset: weth, USD: 3000, Source: asset.SourceBinance})
	prices.Ingest(asset.Price{Asset: usdc, USD: 1, Source: asset.SourceBinance})

	f := newFanOut(reg, prices)
	f.onPriceUpdate(context.Background(), "0xsomeotherasset")

	b, ok := reg.Get("0xborrower")
	require.True(t, ok)
	// Untouched: still WATCH since recompute was never invoked for it.
	require.Equal(t, statemachine.Watch, b.State)
}

func TestHoldsAsset(t *testing.T) {
	b := registry.Borrower{
		Collateral: map[string]asset.Balance{weth: {}},
		Debt:       map[string]asset.Balance{usdc: {}},
	}
	require.True(t, holdsAsset(b, weth))
	require.True(t, holdsAsset(b, usdc))
	require.False(t, holdsAsset(b, "0xother"))
}

func TestRunDispatchesBorrowerUpdatesToRecompute(t *testing.T) {
	reg := registry.New(testBands())
	seedBorrower(reg, "0xborrower", statemachine.Watch, 1e18, 1000_000000)

	prices := priceagg.New(time.Millisecond, time.Minute)
	prices.Ingest(asset.Price{Asset: weth, USD: 3000, Source: asset.SourceBinance})
	prices.Ingest(asset.Price{Asset: usdc, USD: 1, Source: asset.SourceBinance})

	f := New(reg, prices, nil, testThresholds(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	f.BorrowerUpdates <- "0xborrower"

	require.Eventually(t, func() bool {
		b, ok := reg.Get("0xborrower")
		return ok && b.State == statemachine.Safe
	}, time.Second, 10*time.Millisecond)
}
