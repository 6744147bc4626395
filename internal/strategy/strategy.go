// Package strategy defines the Strategy extension point and the
// per-strategy Context handle the engine hands to every callback (spec
// §4's component F).
package strategy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/internal/portfolio"
	"github.com/atlas-quant/barengine/internal/position"
	"github.com/atlas-quant/barengine/pkg/ports"
	"github.com/atlas-quant/barengine/pkg/types"
)

// Strategy is the user extension point. Implementations own no mutable
// global state the core reads — everything they need arrives through
// the Context passed to Initialize (spec §2 component F).
type Strategy interface {
	Initialize(ctx *Context)

	OnStart(bartime time.Time)
	OnStop(bartime time.Time)

	OnBeginOfDay(bartime time.Time)
	OnEndOfDay(bartime time.Time)

	OnMarketOpen(bartime time.Time)
	OnMarketClose(bartime time.Time)

	OnBar(bartime time.Time)
	OnFills(bartime time.Time, orders []*order.Order)
	OnCancels(bartime time.Time, orders []*order.Order)
}

// symbolSet is the set of (productType, symbol) pairs a strategy is
// registered to trade.
type symbolSet map[types.ProductType]map[string]bool

// Context is the handle every Strategy callback runs against: stable
// identity, registered symbols, and references to the shared
// components it is allowed to act on (spec §9's design note — an
// explicit handle, not reflection-based attribute stashing).
type Context struct {
	id   string
	uuid uuid.UUID

	Orders     *order.Manager
	Portfolio  *portfolio.Book
	Positions  *position.Manager
	MarketData ports.MarketData

	symbols symbolSet
}

// NewContext creates a Context for a strategy with a stable id/uuid.
func NewContext(id string, orders *order.Manager, book *portfolio.Book, positions *position.Manager, marketData ports.MarketData) *Context {
	return &Context{
		id:         id,
		uuid:       uuid.New(),
		Orders:     orders,
		Portfolio:  book,
		Positions:  positions,
		MarketData: marketData,
		symbols:    make(symbolSet),
	}
}

// ID returns the strategy's id.
func (c *Context) ID() string { return c.id }

// UUID returns the strategy's stable uuid.
func (c *Context) UUID() uuid.UUID { return c.uuid }

// RegisterSymbol declares that the strategy trades (productType, symbol).
func (c *Context) RegisterSymbol(productType types.ProductType, symbol string) {
	set, ok := c.symbols[productType]
	if !ok {
		set = make(map[string]bool)
		c.symbols[productType] = set
	}
	set[symbol] = true
}

// HasSymbol reports whether the strategy is registered for
// (productType, symbol). Implements portfolio.Strategy.
func (c *Context) HasSymbol(productType types.ProductType, symbol string) bool {
	return c.symbols[productType] != nil && c.symbols[productType][symbol]
}

// originatorID is the OriginatorID new strategy-originated orders carry.
func (c *Context) originatorID() string { return "strategy." + c.id }

// NewOrder constructs and registers a CREATED order originated by this
// strategy (spec §3 "born CREATED by a Strategy or Portfolio").
func (c *Context) NewOrder(productType types.ProductType, symbol string, side types.OrderSide, quantity, price decimal.Decimal, ts time.Time) (*order.Order, error) {
	o := order.New(c.originatorID(), c.uuid, c.id, c.uuid, productType, symbol, side, quantity, price, ts)
	if err := c.Orders.New(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Position returns the strategy's current position for (productType, symbol).
func (c *Context) Position(productType types.ProductType, symbol string) decimal.Decimal {
	return c.Positions.GetValue(types.Key{StrategyID: c.id, ProductType: productType, Symbol: symbol})
}

// SetIntent declares a target position for (productType, symbol),
// consumed by the portfolio's next ProcessIntents.
func (c *Context) SetIntent(productType types.ProductType, symbol string, target decimal.Decimal) {
	c.Portfolio.SetIntent(c.id, productType, symbol, target)
}

// Base embeds into a concrete Strategy to supply no-op defaults for the
// callbacks it does not care about.
type Base struct{}

func (Base) Initialize(*Context)                 {}
func (Base) OnStart(time.Time)                   {}
func (Base) OnStop(time.Time)                    {}
func (Base) OnBeginOfDay(time.Time)               {}
func (Base) OnEndOfDay(time.Time)                {}
func (Base) OnMarketOpen(time.Time)              {}
func (Base) OnMarketClose(time.Time)             {}
func (Base) OnBar(time.Time)                     {}
func (Base) OnFills(time.Time, []*order.Order)   {}
func (Base) OnCancels(time.Time, []*order.Order) {}
