package eventrouter

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"liquidator/internal/asset"
	"liquidator/internal/chain"
	"liquidator/internal/registry"
	"liquidator/internal/statemachine"
)

var (
	errOracleUnavailable = errors.New("oracle unavailable")
	errRPCUnavailable    = errors.New("rpc unavailable")
)

const (
	weth = "0x0000000000000000000000000000000000000001"
	usdc = "0x0000000000000000000000000000000000000002"

	aWeth = "0x00000000000000000000000000000000000011"
	dUSDC = "0x00000000000000000000000000000000000022"
)

func testBands() statemachine.Bands {
	return statemachine.Bands{Watch: 1.10, Critical: 1.04, Liquidatable: 1.00}
}

func wethAsset() asset.Asset { return asset.Asset{Address: weth, Symbol: "WETH", Decimals: 18} }
func usdcAsset() asset.Asset { return asset.Asset{Address: usdc, Symbol: "USDC", Decimals: 6} }

func testConfig() Config {
	return Config{
		CollateralReserves: []ReserveAssets{
			{Underlying: wethAsset(), AToken: common.HexToAddress(aWeth)},
		},
		DebtReserves: []ReserveAssets{
			{Underlying: usdcAsset(), DebtToken: common.HexToAddress(dUSDC)},
		},
		MinDebtUSD: 50,
	}
}

// fakeBalances returns fixed collateral/debt balances for every holder,
// regardless of which token address is requested, keyed only by whether the
// caller asked for the collateral or debt reserve.
type fakeBalances struct {
	collateral *big.Int
	debt       *big.Int
	err        error
}

func (f *fakeBalances) CollateralBalance(ctx context.Context, aToken, holder common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.collateral, nil
}

func (f *fakeBalances) DebtBalance(ctx context.Context, debtToken, holder common.Address) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.debt, nil
}

type fakeOracle struct {
	priceUSD float64
	err      error
}

func (f *fakeOracle) OraclePriceUSD(ctx context.Context, reserve common.Address) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.priceUSD, nil
}

type fakeAuditSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (f *fakeAuditSink) Record(entry AuditEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeAuditSink) last() (AuditEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return AuditEntry{}, false
	}
	return f.entries[len(f.entries)-1], true
}

func newTestRouter(balances BalanceReader, oracle OraclePricer, audit AuditSink) (*Router, *registry.Registry) {
	reg := registry.New(testBands())
	r := New(reg, balances, oracle, audit, nil, testConfig())
	return r, reg
}

const borrower = "0x00000000000000000000000000000000000abc"

func poolEvent(kind chain.EventKind) chain.PoolEvent {
	return chain.PoolEvent{
		Kind:       kind,
		OnBehalfOf: common.HexToAddress(borrower),
		Amount:     big.NewInt(1),
	}
}

func TestHandleBorrowUpsertsAndRefreshesBalances(t *testing.T) {
	balances := &fakeBalances{collateral: big.NewInt(1e18), debt: big.NewInt(1000e6)}
	oracle := &fakeOracle{priceUSD: 3000}
	r, reg := newTestRouter(balances, oracle, NoopAuditSink{})

	r.handle(context.Background(), poolEvent(chain.EventBorrow))

	b, ok := reg.Get(borrower)
	require.True(t, ok)
	require.True(t, b.Hydrated)
	require.Contains(t, b.Collateral, weth)
	require.Contains(t, b.Debt, usdc)
}

func TestHandleRepayIgnoresUnknownBorrower(t *testing.T) {
	balances := &fakeBalances{collateral: big.NewInt(0), debt: big.NewInt(0)}
	r, reg := newTestRouter(balances, &fakeOracle{}, NoopAuditSink{})

	r.handle(context.Background(), poolEvent(chain.EventRepay))

	_, ok := reg.Get(borrower)
	require.False(t, ok, "repay on an unknown borrower must not create a record")
}

func TestHandleBorrowBelowMinDebtRemovesBorrowerAndFiresOnClosed(t *testing.T) {
	// 0.001 USDC of debt at $1 is far under MinDebtUSD=50.
	balances := &fakeBalances{collateral: big.NewInt(0), debt: big.NewInt(1000)}
	oracle := &fakeOracle{priceUSD: 1}
	r, reg := newTestRouter(balances, oracle, NoopAuditSink{})

	var closedAddr, closedReason string
	r.OnClosed = func(addr, reason string) {
		closedAddr, closedReason = addr, reason
	}

	r.handle(context.Background(), poolEvent(chain.EventBorrow))

	_, ok := reg.Get(borrower)
	require.False(t, ok, "below-min-debt borrower must be removed")
	require.Equal(t, common.HexToAddress(borrower).Hex(), closedAddr)
	require.Equal(t, string(ReasonBelowMinDebt), closedReason)
}

func TestHandleBorrowOracleErrorDoesNotRemoveBorrower(t *testing.T) {
	balances := &fakeBalances{collateral: big.NewInt(0), debt: big.NewInt(1000)}
	oracle := &fakeOracle{err: errOracleUnavailable}
	r, reg := newTestRouter(balances, oracle, NoopAuditSink{})

	r.handle(context.Background(), poolEvent(chain.EventBorrow))

	_, ok := reg.Get(borrower)
	require.True(t, ok, "a transient oracle failure must not remove the borrower")
}

func TestHandleNotifiesOnSuccessfulRefresh(t *testing.T) {
	balances := &fakeBalances{collateral: big.NewInt(1e18), debt: big.NewInt(1000e6)}
	r, _ := newTestRouter(balances, &fakeOracle{priceUSD: 3000}, NoopAuditSink{})

	var notified string
	r.Notify = func(addr string) { notified = addr }

	r.handle(context.Background(), poolEvent(chain.EventSupply))
	require.Equal(t, common.HexToAddress(borrower).Hex(), notified)
}

func TestHandleLiquidationCallNotInWatchSetIsAudited(t *testing.T) {
	audit := &fakeAuditSink{}
	r, _ := newTestRouter(&fakeBalances{}, &fakeOracle{}, audit)

	r.handle(context.Background(), poolEvent(chain.EventLiquidationCall))

	entry, ok := audit.last()
	require.True(t, ok)
	require.Equal(t, ReasonNotInWatchSet, entry.Reason)
}

func TestHandleLiquidationCallRacedWhenDebtGoesToZero(t *testing.T) {
	audit := &fakeAuditSink{}
	balances := &fakeBalances{collateral: big.NewInt(1e18), debt: big.NewInt(0)}
	r, reg := newTestRouter(balances, &fakeOracle{}, audit)
	reg.Upsert(borrower, statemachine.Critical)

	var closedReason string
	r.OnClosed = func(addr, reason string) { closedReason = reason }

	r.handle(context.Background(), poolEvent(chain.EventLiquidationCall))

	_, ok := reg.Get(borrower)
	require.False(t, ok, "a fully-repaid borrower must be removed after a competing liquidation")
	entry, ok := audit.last()
	require.True(t, ok)
	require.Equal(t, ReasonRaced, entry.Reason)
	require.Equal(t, string(ReasonRaced), closedReason)
}

func TestHandleLiquidationCallPartialDebtIsAuditedAndNotified(t *testing.T) {
	audit := &fakeAuditSink{}
	balances := &fakeBalances{collateral: big.NewInt(1e18), debt: big.NewInt(500e6)}
	r, reg := newTestRouter(balances, &fakeOracle{}, audit)
	reg.Upsert(borrower, statemachine.Critical)

	var notified string
	r.Notify = func(addr string) { notified = addr }

	r.handle(context.Background(), poolEvent(chain.EventLiquidationCall))

	_, ok := reg.Get(borrower)
	require.True(t, ok, "a partially liquidated borrower stays in the registry")
	entry, ok := audit.last()
	require.True(t, ok)
	require.Equal(t, ReasonRaced, entry.Reason)
	require.Equal(t, common.HexToAddress(borrower).Hex(), notified)
}

func TestHandleLiquidationCallAttributesLastPipelineSkipReason(t *testing.T) {
	cases := []struct {
		name           string
		lastSkipReason string
		want           SkipReason
	}{
		{"oracle", "oracle_not_liquidatable", ReasonOracleNotLiquidatable},
		{"profit", "profit_floor", ReasonFilteredByProfit},
		{"gas", "gas_guard", ReasonFilteredByGas},
		{"unattributed", "lock_held", ReasonRaced},
		{"never evaluated", "", ReasonRaced},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			audit := &fakeAuditSink{}
			balances := &fakeBalances{collateral: big.NewInt(1e18), debt: big.NewInt(500e6)}
			r, reg := newTestRouter(balances, &fakeOracle{}, audit)
			reg.Upsert(borrower, statemachine.Critical)
			if tc.lastSkipReason != "" {
				reg.RecordSkip(borrower, tc.lastSkipReason, time.Now())
			}

			r.handle(context.Background(), poolEvent(chain.EventLiquidationCall))

			entry, ok := audit.last()
			require.True(t, ok)
			require.Equal(t, tc.want, entry.Reason)
		})
	}
}

func TestRefreshBalancesPropagatesBalanceReaderError(t *testing.T) {
	balances := &fakeBalances{err: errRPCUnavailable}
	r, reg := newTestRouter(balances, &fakeOracle{}, NoopAuditSink{})
	reg.Upsert(borrower, statemachine.Safe)

	err := r.refreshBalances(context.Background(), borrower)
	require.Error(t, err)
}

func TestRefreshBalancesOmitsZeroBalances(t *testing.T) {
	balances := &fakeBalances{collateral: big.NewInt(0), debt: big.NewInt(0)}
	r, reg := newTestRouter(balances, &fakeOracle{}, NoopAuditSink{})
	reg.Upsert(borrower, statemachine.Safe)

	require.NoError(t, r.refreshBalances(context.Background(), borrower))

	b, ok := reg.Get(borrower)
	require.True(t, ok)
	require.Empty(t, b.Collateral)
	require.Empty(t, b.Debt)
}
