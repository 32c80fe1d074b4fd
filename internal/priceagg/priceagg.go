// Package priceagg fans in two independent price-feed connectors, debounces
// the aggregator-level update notification, and implements the staleness
// predicate and fail-closed execution policy gate described in spec.md §4.4.
package priceagg

import (
	"sync"
	"time"

	"liquidator/internal/asset"
)

// Subscriber receives the asset address whose debounced update fired.
type Subscriber chan string

type sourceState struct {
	connected    bool
	lastUpdateAt time.Time
}

// Aggregator is safe for concurrent use; Ingest is called from each feed
// connector's goroutine.
type Aggregator struct {
	mu      sync.Mutex
	prices  map[string]asset.Price
	sources map[asset.Source]*sourceState
	timers  map[string]*time.Timer

	debounce   time.Duration
	staleAfter time.Duration

	subsMu sync.RWMutex
	subs   []Subscriber

	now func() time.Time
}

// New constructs an Aggregator. debounce and staleAfter correspond to
// PRICE_UPDATE_DEBOUNCE and PRICE_STALE_MS.
func New(debounce, staleAfter time.Duration) *Aggregator {
	return &Aggregator{
		prices:     make(map[string]asset.Price),
		sources:    make(map[asset.Source]*sourceState),
		timers:     make(map[string]*time.Timer),
		debounce:   debounce,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Subscribe registers a channel that receives one notification per quiet
// debounce period per asset. Callers should drain promptly; the aggregator
// never blocks on a full channel — it drops the notification rather than
// stalling ingestion (ingestion must never suspend behind a slow consumer).
func (a *Aggregator) Subscribe(ch Subscriber) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.subs = append(a.subs, ch)
}

// Ingest records a new price, replacing the slot unconditionally
// (last-writer-wins), marks the source live, and (re)starts the debounce
// timer for this asset.
func (a *Aggregator) Ingest(p asset.Price) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.prices[p.Asset] = p

	src := a.sources[p.Source]
	if src == nil {
		src = &sourceState{}
		a.sources[p.Source] = src
	}
	src.connected = true
	src.lastUpdateAt = a.now()

	if t, ok := a.timers[p.Asset]; ok {
		t.Stop()
	}
	assetAddr := p.Asset
	a.timers[p.Asset] = time.AfterFunc(a.debounce, func() {
		a.emit(assetAddr)
	})
}

func (a *Aggregator) emit(assetAddr string) {
	a.subsMu.RLock()
	defer a.subsMu.RUnlock()
	for _, sub := range a.subs {
		select {
		case sub <- assetAddr:
		default:
		}
	}
}

// SetConnected updates a source's liveness flag directly, used by feed
// connectors on connect/disconnect events that carry no price payload.
func (a *Aggregator) SetConnected(src asset.Source, connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.sources[src]
	if s == nil {
		s = &sourceState{}
		a.sources[src] = s
	}
	s.connected = connected
}

// Price returns the latest cached price for addr.
func (a *Aggregator) Price(addr string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.prices[addr]
	if !ok {
		return 0, false
	}
	return p.USD, true
}

func (a *Aggregator) isLiveLocked(src asset.Source) bool {
	s, ok := a.sources[src]
	if !ok || !s.connected {
		return false
	}
	return a.now().Sub(s.lastUpdateAt) <= a.staleAfter
}

// CanExecute is the hard policy gate: allowed iff at least one configured
// source is live (spec.md §4.4).
func (a *Aggregator) CanExecute(configured []asset.Source) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, src := range configured {
		if a.isLiveLocked(src) {
			return true
		}
	}
	return false
}

// IsStale is the soft warn predicate used during preparation: true iff any
// configured AND connected source's last update exceeds PRICE_STALE_MS
// (spec.md §4.4 — deliberately distinct from CanExecute).
func (a *Aggregator) IsStale(configured []asset.Source) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, src := range configured {
		s, ok := a.sources[src]
		if !ok || !s.connected {
			continue
		}
		if a.now().Sub(s.lastUpdateAt) > a.staleAfter {
			return true
		}
	}
	return false
}
