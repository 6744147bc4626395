// Package marketdata provides Memory, an in-memory implementation of
// ports.MarketData backed by per-(productType, symbol, frequency)
// ordered bar slices (spec §6).
package marketdata

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/pkg/types"
)

type seriesKey struct {
	productType types.ProductType
	symbol      string
	frequency   types.Frequency
}

// Memory is a caller-seeded, in-memory ports.MarketData. It carries no
// loader of its own: a caller registers symbols with AddSymbols,
// populates each series with SeedBar (Extend only repeats a series' last
// bar; Update does nothing), then drives the logical clock with
// SetBartime. Adequate for tests and for replaying a
// pre-loaded series; out of scope are network/CSV/DB feeds.
type Memory struct {
	logger *zap.Logger

	mu      sync.RWMutex
	bartime time.Time
	series  map[seriesKey][]types.Bar
	symbols map[types.ProductType]map[types.Frequency]map[string]bool
}

// New creates an empty Memory market data store.
func New(logger *zap.Logger) *Memory {
	return &Memory{
		logger:  logger.Named("marketdata"),
		series:  make(map[seriesKey][]types.Bar),
		symbols: make(map[types.ProductType]map[types.Frequency]map[string]bool),
	}
}

// AddSymbols registers symbols for productType/frequency.
func (m *Memory) AddSymbols(productType types.ProductType, symbols []string, frequency types.Frequency) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byFreq, ok := m.symbols[productType]
	if !ok {
		byFreq = make(map[types.Frequency]map[string]bool)
		m.symbols[productType] = byFreq
	}
	set, ok := byFreq[frequency]
	if !ok {
		set = make(map[string]bool)
		byFreq[frequency] = set
	}
	for _, s := range symbols {
		set[s] = true
		key := seriesKey{productType, s, frequency}
		if _, ok := m.series[key]; !ok {
			m.series[key] = nil
		}
	}
}

// SeedBar appends a bar directly to a series, for callers building a
// fixed replay series up front rather than streaming via Extend.
func (m *Memory) SeedBar(productType types.ProductType, symbol string, frequency types.Frequency, bar types.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey{productType, symbol, frequency}
	m.series[key] = append(m.series[key], bar)
}

// Update is a no-op for Memory: series are seeded wholesale ahead of
// time via SeedBar/Extend rather than pulled incrementally from a feed.
func (m *Memory) Update(types.ProductType, types.Frequency, ...string) error {
	return nil
}

// Extend appends the most recent bar of each registered symbol under
// productType/frequency again, stamped at the current Bartime — the
// pattern used for end-of-day rollover onto types.Daily when no
// independent daily series has been seeded.
func (m *Memory) Extend(productType types.ProductType, frequency types.Frequency) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.symbols[productType][frequency]
	for symbol := range set {
		key := seriesKey{productType, symbol, frequency}
		bars := m.series[key]
		if len(bars) == 0 {
			continue
		}
		last := bars[len(bars)-1]
		last.Datetime = m.bartime
		m.series[key] = append(bars, last)
	}
	return nil
}

func (m *Memory) bar(productType types.ProductType, symbol string, frequency types.Frequency, ts time.Time) (types.Bar, bool) {
	key := seriesKey{productType, symbol, frequency}
	bars := m.series[key]
	i := sort.Search(len(bars), func(i int) bool { return !bars[i].Datetime.Before(ts) })
	if i < len(bars) && bars[i].Datetime.Equal(ts) {
		return bars[i], true
	}
	return types.Bar{}, false
}

// Bar returns the bar at exactly ts, or Valid=false if none exists.
func (m *Memory) Bar(productType types.ProductType, symbol string, frequency types.Frequency, ts time.Time) types.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bar(productType, symbol, frequency, ts)
	if !ok {
		return types.Bar{}
	}
	return b
}

// CurrentBar returns the bar at the current Bartime.
func (m *Memory) CurrentBar(productType types.ProductType, symbol string, frequency types.Frequency) types.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bar(productType, symbol, frequency, m.bartime)
	if !ok {
		return types.Bar{}
	}
	return b
}

// LastValidBar returns the most recent bar at or before Bartime whose
// Valid flag is set.
func (m *Memory) LastValidBar(productType types.ProductType, symbol string, frequency types.Frequency) types.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := seriesKey{productType, symbol, frequency}
	bars := m.series[key]
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Datetime.After(m.bartime) {
			continue
		}
		if bars[i].Valid {
			return bars[i]
		}
	}
	return types.Bar{}
}

// View returns the ordered bar history up to and including Bartime.
func (m *Memory) View(productType types.ProductType, symbol string, frequency types.Frequency) []types.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := seriesKey{productType, symbol, frequency}
	bars := m.series[key]
	i := sort.Search(len(bars), func(i int) bool { return bars[i].Datetime.After(m.bartime) })
	out := make([]types.Bar, i)
	copy(out, bars[:i])
	return out
}

// Bartime returns the engine's current logical clock.
func (m *Memory) Bartime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bartime
}

// SetBartime advances the logical clock; it rejects any regression.
func (m *Memory) SetBartime(ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.bartime.IsZero() && ts.Before(m.bartime) {
		m.logger.Warn("rejected bartime regression",
			zap.Time("current", m.bartime), zap.Time("requested", ts))
		return &bartimeRegressionError{current: m.bartime, requested: ts}
	}
	m.bartime = ts
	return nil
}

type bartimeRegressionError struct {
	current   time.Time
	requested time.Time
}

func (e *bartimeRegressionError) Error() string {
	return "marketdata: bartime regression: current " + e.current.String() + " requested " + e.requested.String()
}
