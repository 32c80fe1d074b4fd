package priceagg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liquidator/internal/asset"
)

func TestDebounceEmitsOnceForRapidUpdates(t *testing.T) {
	a := New(20*time.Millisecond, time.Second)
	ch := make(Subscriber, 8)
	a.Subscribe(ch)

	for i := 0; i < 5; i++ {
		a.Ingest(asset.Price{Asset: "weth", USD: float64(2000 + i), CapturedAt: time.Now(), Source: asset.SourceBinance})
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(40 * time.Millisecond)

	count := 0
drain:
	for {
		select {
		case <-ch:
			count++
		default:
			break drain
		}
	}
	require.Equal(t, 1, count)
}

func TestPolicyGateFailClosed(t *testing.T) {
	a := New(time.Millisecond, 50*time.Millisecond)
	configured := []asset.Source{asset.SourceBinance, asset.SourcePyth}

	require.False(t, a.CanExecute(configured)) // nothing ingested yet

	a.Ingest(asset.Price{Asset: "weth", USD: 2000, Source: asset.SourceBinance})
	require.True(t, a.CanExecute(configured)) // one live source suffices

	time.Sleep(80 * time.Millisecond)
	require.False(t, a.CanExecute(configured)) // both now stale/disconnected
}

func TestIsStaleRequiresAnyConfiguredConnectedSourceStale(t *testing.T) {
	a := New(time.Millisecond, 30*time.Millisecond)
	a.Ingest(asset.Price{Asset: "weth", USD: 2000, Source: asset.SourceBinance})
	require.False(t, a.IsStale([]asset.Source{asset.SourceBinance}))

	time.Sleep(50 * time.Millisecond)
	require.True(t, a.IsStale([]asset.Source{asset.SourceBinance}))
}

func TestLastWriterWinsOnSameAssetSlot(t *testing.T) {
	a := New(time.Millisecond, time.Second)
	a.Ingest(asset.Price{Asset: "weth", USD: 1900, Source: asset.SourceBinance})
	a.Ingest(asset.Price{Asset: "weth", USD: 2000, Source: asset.SourcePyth})
	price, ok := a.Price("weth")
	require.True(t, ok)
	require.Equal(t, 2000.0, price)
}
