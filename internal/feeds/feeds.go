// Package feeds implements the two independent off-chain price-feed push
// connectors described in spec.md §6: Binance and Pyth. Each runs its own
// reconnect loop with bounded backoff (spec.md §5: "~1-5s") and forwards
// decoded prices into the shared priceagg.Aggregator.
package feeds

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"liquidator/internal/asset"
	"liquidator/internal/priceagg"
)

// Sink is the minimal surface a connector needs from the aggregator.
type Sink interface {
	Ingest(p asset.Price)
	SetConnected(src asset.Source, connected bool)
}

var _ Sink = (*priceagg.Aggregator)(nil)

// SymbolMap maps a feed's native symbol/feed-id to the internal asset
// address the aggregator keys prices by (spec.md §6: "two configured maps").
type SymbolMap map[string]string

// Connector is one push-stream price source.
type Connector interface {
	Source() asset.Source
	// Run blocks, reconnecting with bounded backoff until ctx is cancelled.
	Run(ctx context.Context, sink Sink) error
}

// NewBackoff builds the bounded exponential backoff policy shared by every
// connector's reconnect loop (~1-5s per spec.md §5).
func NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops it
	return b
}
