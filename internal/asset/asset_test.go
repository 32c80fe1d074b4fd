package asset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableThresholdFallsBackToDefault(t *testing.T) {
	table := NewTable(map[string]float64{"0xABC": 0.85})

	require.Equal(t, 0.85, table.Threshold("0xabc"), "lookup must be case-insensitive")
	require.Equal(t, DefaultLiquidationThreshold, table.Threshold("0xunconfigured"))
}

func TestTableDecimalsUnresolvedUntilMemoized(t *testing.T) {
	table := NewTable(nil)

	_, ok := table.Decimals("0xabc")
	require.False(t, ok)

	table.MemoizeDecimals("0xABC", 6)
	d, ok := table.Decimals("0xabc")
	require.True(t, ok)
	require.Equal(t, uint8(6), d)
}

func TestMemoizeDecimalsIsSetOnce(t *testing.T) {
	table := NewTable(nil)
	table.MemoizeDecimals("0xabc", 18)
	table.MemoizeDecimals("0xabc", 6) // must not clobber

	d, ok := table.Decimals("0xabc")
	require.True(t, ok)
	require.Equal(t, uint8(18), d)
}

func TestZeroUint256(t *testing.T) {
	require.True(t, ZeroUint256(nil))
	require.True(t, ZeroUint256(NewUint256FromUint64(0)))
	require.False(t, ZeroUint256(NewUint256FromUint64(1)))
}
