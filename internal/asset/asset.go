// Package asset defines the symbolic asset, balance, and price tuples that
// flow through the registry and HF engine, plus the process-wide decimals
// cache described in spec.md §3 and §5 ("Decimals for unknown assets are
// resolved lazily and memoized" / "process-wide caches with init-on-first-use").
package asset

import (
	"strings"
	"sync"
	"time"
)

// Source identifies which off-chain feed produced a Price.
type Source int

const (
	SourceBinance Source = iota
	SourcePyth
)

func (s Source) String() string {
	switch s {
	case SourceBinance:
		return "binance"
	case SourcePyth:
		return "pyth"
	default:
		return "unknown"
	}
}

// DefaultLiquidationThreshold is used for assets absent from the configured
// per-asset table (spec.md §4.3).
const DefaultLiquidationThreshold = 0.75

// Asset is a symbolic identifier for a reserve in the pool, keyed by its
// lowercased on-chain address.
type Asset struct {
	Address  string // lowercased 0x address
	Symbol   string
	Decimals uint8 // 6, 8, or 18 in this target pool
}

// Balance pairs an asset with a non-negative integer amount in the asset's
// smallest denomination. BaseUnits uses uint256 so refresh paths never
// truncate a token's native 256-bit balance before the HF engine scales it.
type Balance struct {
	Asset     Asset
	BaseUnits *Uint256
}

// Price is an immutable (asset, price_usd, captured_at, source) tuple. A new
// update produces a new Price rather than mutating an existing one.
type Price struct {
	Asset       string // lowercased address
	USD         float64
	CapturedAt  time.Time
	Source      Source
}

// Table resolves per-asset decimals and liquidation thresholds, memoizing
// lazily-discovered decimals with a last-known-good fallback (spec.md §5).
type Table struct {
	mu         sync.RWMutex
	decimals   map[string]uint8
	thresholds map[string]float64
}

// NewTable constructs a Table seeded with the configured liquidation
// thresholds. Decimals are resolved lazily via Resolve.
func NewTable(thresholds map[string]float64) *Table {
	t := &Table{
		decimals:   make(map[string]uint8),
		thresholds: make(map[string]float64, len(thresholds)),
	}
	for addr, thr := range thresholds {
		t.thresholds[normalize(addr)] = thr
	}
	return t
}

// Threshold returns the configured liquidation threshold for addr, falling
// back to DefaultLiquidationThreshold when unconfigured.
func (t *Table) Threshold(addr string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.thresholds[normalize(addr)]; ok {
		return v
	}
	return DefaultLiquidationThreshold
}

// Decimals returns the memoized decimals for addr and whether they have
// been resolved yet.
func (t *Table) Decimals(addr string) (uint8, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.decimals[normalize(addr)]
	return d, ok
}

// MemoizeDecimals records a lazily-resolved decimals value exactly once;
// later calls are no-ops so a last-known-good value is never clobbered by a
// subsequent transient RPC read.
func (t *Table) MemoizeDecimals(addr string, decimals uint8) {
	key := normalize(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.decimals[key]; ok {
		return
	}
	t.decimals[key] = decimals
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
