package feeds

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"liquidator/internal/asset"
)

// BinanceConnector subscribes to Binance's combined trade-stream endpoint
// for the configured symbols and maps them to internal asset addresses via
// binance_symbol_map (spec.md §6, §9 config table).
type BinanceConnector struct {
	Endpoint string
	Symbols  []string
	Mapping  SymbolMap
	Logger   *slog.Logger
}

type binanceTradeEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

func (b *BinanceConnector) Source() asset.Source { return asset.SourceBinance }

func (b *BinanceConnector) Run(ctx context.Context, sink Sink) error {
	policy := backoff.WithContext(NewBackoff(), ctx)
	for {
		err := b.runOnce(ctx, sink)
		sink.SetConnected(asset.SourceBinance, false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if b.Logger != nil {
			b.Logger.Warn("binance feed disconnected, retrying", "error", err, "retry_in", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *BinanceConnector) runOnce(ctx context.Context, sink Sink) error {
	url := b.streamURL()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial binance stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	sink.SetConnected(asset.SourceBinance, true)

	for {
		var evt binanceTradeEvent
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			return fmt.Errorf("read binance trade: %w", err)
		}
		assetAddr, ok := b.Mapping[strings.ToUpper(evt.Data.Symbol)]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(evt.Data.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		sink.Ingest(asset.Price{
			Asset:      assetAddr,
			USD:        price,
			CapturedAt: time.Now(),
			Source:     asset.SourceBinance,
		})
	}
}

func (b *BinanceConnector) streamURL() string {
	streams := make([]string, 0, len(b.Symbols))
	for _, s := range b.Symbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	return b.Endpoint + "/stream?streams=" + strings.Join(streams, "/")
}
