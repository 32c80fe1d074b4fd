package feeds

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"liquidator/internal/asset"
)

// PythConnector subscribes to Pyth Hermes' price-stream websocket for the
// configured feed IDs and maps them via pyth_feed_map (spec.md §6).
type PythConnector struct {
	Endpoint string
	FeedIDs  []string
	Mapping  SymbolMap
	Logger   *slog.Logger
}

type pythSubscribeRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type pythPriceUpdate struct {
	Type  string `json:"type"`
	Price struct {
		ID    string `json:"id"`
		Price struct {
			Price    string `json:"price"`
			Expo     int    `json:"expo"`
			PublishT int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"price_feed"`
}

func (p *PythConnector) Source() asset.Source { return asset.SourcePyth }

func (p *PythConnector) Run(ctx context.Context, sink Sink) error {
	policy := backoff.WithContext(NewBackoff(), ctx)
	for {
		err := p.runOnce(ctx, sink)
		sink.SetConnected(asset.SourcePyth, false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if p.Logger != nil {
			p.Logger.Warn("pyth feed disconnected, retrying", "error", err, "retry_in", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *PythConnector) runOnce(ctx context.Context, sink Sink) error {
	conn, _, err := websocket.Dial(ctx, p.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial pyth stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	if err := wsjson.Write(ctx, conn, pythSubscribeRequest{Type: "subscribe", IDs: p.FeedIDs}); err != nil {
		return fmt.Errorf("subscribe pyth feeds: %w", err)
	}

	sink.SetConnected(asset.SourcePyth, true)

	for {
		var update pythPriceUpdate
		if err := wsjson.Read(ctx, conn, &update); err != nil {
			return fmt.Errorf("read pyth update: %w", err)
		}
		if update.Type != "price_update" {
			continue
		}
		assetAddr, ok := p.Mapping[update.Price.ID]
		if !ok {
			continue
		}
		raw, err := strconv.ParseFloat(update.Price.Price.Price, 64)
		if err != nil {
			continue
		}
		price := raw * pow10(update.Price.Price.Expo)
		if price <= 0 {
			continue
		}
		sink.Ingest(asset.Price{
			Asset:      assetAddr,
			USD:        price,
			CapturedAt: time.Now(),
			Source:     asset.SourcePyth,
		})
	}
}

func pow10(expo int) float64 {
	result := 1.0
	if expo < 0 {
		for i := 0; i > expo; i-- {
			result /= 10
		}
		return result
	}
	for i := 0; i < expo; i++ {
		result *= 10
	}
	return result
}
