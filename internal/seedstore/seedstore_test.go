package seedstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"liquidator/internal/asset"
	"liquidator/internal/registry"
	"liquidator/internal/statemachine"
)

func testBands() statemachine.Bands {
	return statemachine.Bands{Watch: 1.10, Critical: 1.04, Liquidatable: 1.00}
}

func TestSeedInsertsUnhydratedSafeBorrowers(t *testing.T) {
	reg := registry.New(testBands())
	now := time.Now().UTC()

	candidates := []Candidate{
		{
			Address: "0xABC",
			Collateral: map[string]asset.Balance{
				"0xweth": {Asset: asset.Asset{Address: "0xweth", Symbol: "WETH", Decimals: 18}, BaseUnits: uint256.NewInt(1_000_000_000_000_000_000)},
			},
			Debt: map[string]asset.Balance{
				"0xusdc": {Asset: asset.Asset{Address: "0xusdc", Symbol: "USDC", Decimals: 6}, BaseUnits: uint256.NewInt(500_000_000)},
			},
		},
	}

	require.NoError(t, Seed(reg, nil, candidates, now))

	b, ok := reg.Get("0xabc")
	require.True(t, ok)
	require.Equal(t, statemachine.Safe, b.State)
	require.False(t, b.Hydrated)
	require.Contains(t, b.Collateral, "0xweth")
	require.Contains(t, b.Debt, "0xusdc")
}

func TestSeedNeverOverwritesHydratedBorrower(t *testing.T) {
	reg := registry.New(testBands())
	now := time.Now().UTC()
	reg.Upsert("0xabc", statemachine.Watch)
	reg.MutateBalances("0xabc", map[string]asset.Balance{}, map[string]asset.Balance{}, now)
	reg.MarkHydrated("0xabc")

	candidates := []Candidate{{Address: "0xabc"}}
	require.NoError(t, Seed(reg, nil, candidates, now))

	b, ok := reg.Get("0xabc")
	require.True(t, ok)
	require.Equal(t, statemachine.Watch, b.State, "seed must not reset an already-hydrated borrower")
}

func TestSeedRejectsEmptyAddress(t *testing.T) {
	reg := registry.New(testBands())
	err := Seed(reg, nil, []Candidate{{Address: ""}}, time.Now())
	require.ErrorIs(t, err, ErrEmptyAddress)
}

func TestStoreSaveAndLoadBatch(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "seed.db"))
	require.NoError(t, err)
	defer store.Close()

	candidates := []Candidate{{Address: "0xabc"}, {Address: "0xdef"}}
	require.NoError(t, store.SaveBatch(candidates))

	loaded, ok, err := store.LoadBatch()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, loaded, 2)
}

func TestStoreLoadBatchEmptyWhenUnset(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "seed.db"))
	require.NoError(t, err)
	defer store.Close()

	loaded, ok, err := store.LoadBatch()
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, loaded)
}

func TestSeedPersistsBatchWhenStoreProvided(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "seed.db"))
	require.NoError(t, err)
	defer store.Close()

	reg := registry.New(testBands())
	candidates := []Candidate{{Address: "0xabc"}}
	require.NoError(t, Seed(reg, store, candidates, time.Now()))

	loaded, ok, err := store.LoadBatch()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, loaded, 1)
}
