// Package ports declares the facades the core consumes but does not
// implement (spec §6): market data and persistence. Concrete
// implementations live in internal/marketdata and internal/store; the
// core packages (internal/position, internal/portfolio, internal/engine)
// depend only on these interfaces.
package ports

import (
	"context"
	"time"

	"github.com/atlas-quant/barengine/pkg/types"
)

// MarketData is the facade the core uses to read bars and advance the
// logical clock (spec §6).
type MarketData interface {
	// AddSymbols registers symbols for a product type at a frequency so
	// later Update/Extend calls know to carry them forward.
	AddSymbols(productType types.ProductType, symbols []string, frequency types.Frequency)

	// Update advances the series for productType/frequency to the
	// MarketData's current Bartime, optionally restricted to symbols.
	Update(productType types.ProductType, frequency types.Frequency, symbols ...string) error

	// Extend appends a new bar for the given frequency (used for EOD
	// rollover onto "1D").
	Extend(productType types.ProductType, frequency types.Frequency) error

	// Bar returns the bar at exactly ts, or a zero-value Bar with
	// Valid=false if none exists.
	Bar(productType types.ProductType, symbol string, frequency types.Frequency, ts time.Time) types.Bar

	// CurrentBar returns the bar at the current Bartime.
	CurrentBar(productType types.ProductType, symbol string, frequency types.Frequency) types.Bar

	// LastValidBar returns the most recent bar at or before Bartime whose
	// Valid flag is set.
	LastValidBar(productType types.ProductType, symbol string, frequency types.Frequency) types.Bar

	// View returns the ordered bar history for productType/symbol/frequency
	// up to and including Bartime.
	View(productType types.ProductType, symbol string, frequency types.Frequency) []types.Bar

	// Bartime returns the engine's current logical clock.
	Bartime() time.Time

	// SetBartime advances the logical clock. Implementations must reject
	// any ts earlier than the current Bartime.
	SetBartime(ts time.Time) error
}

// Store is the persistence facade the core uses to snapshot orders and
// positions across day boundaries (spec §6).
type Store interface {
	InsertOrders(ctx context.Context, sourceID string, ts time.Time, snapshot []types.OrderSnapshot) error
	InsertPositionsSnapshot(ctx context.Context, sourceID string, ts time.Time, snapshot []types.PositionSnapshot) error
	InsertPositions(ctx context.Context, sourceID string, rows []types.PositionRow) error
	GetPositions(ctx context.Context, sourceID string, ts *time.Time) ([]types.PositionRow, error)
	MaxDatetime(ctx context.Context, sourceID string) (time.Time, bool, error)
}

// Metric is the EOD metric hook the PositionManager invokes (spec §4.4).
// Anything beyond this hook is out of scope of the core.
type Metric interface {
	Calculate(ts time.Time) error
}
