// Package corectx holds the two process-wide caches the rest of the agent
// observes by reference — the decimals table and the price aggregator —
// described in spec.md §9 design notes: "Inject them as references to a
// single core context constructed at startup rather than as hidden
// singletons; this is the one concession to testability over the source
// layout." Every other package takes these as explicit constructor
// arguments; no package reaches for a package-level var to obtain them.
package corectx

import (
	"time"

	"liquidator/internal/asset"
	"liquidator/internal/priceagg"
	"liquidator/internal/registry"
	"liquidator/internal/statemachine"
)

// Context bundles the caches and the borrower registry constructed once at
// startup and threaded through every component that needs them.
type Context struct {
	Assets   *asset.Table
	Prices   *priceagg.Aggregator
	Registry *registry.Registry
}

// New constructs a Context from startup configuration. thresholds maps
// lowercased reserve address to its liquidation threshold (spec.md §4.3);
// bands classifies the registry's health-factor bands; debounce/staleAfter
// configure the price aggregator per spec.md §4.4.
func New(thresholds map[string]float64, bands statemachine.Bands, debounce, staleAfter time.Duration) *Context {
	return &Context{
		Assets:   asset.NewTable(thresholds),
		Prices:   priceagg.New(debounce, staleAfter),
		Registry: registry.New(bands),
	}
}
