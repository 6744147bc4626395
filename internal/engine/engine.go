// Package engine implements the EventProcessor: the single driver of
// the per-bar cycle and day boundaries, orchestrating every other
// component (spec §4.7). Strategies and portfolios live in this
// package's arena with stable ids; orders never hold live pointers back
// into it.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/broker"
	"github.com/atlas-quant/barengine/internal/events"
	"github.com/atlas-quant/barengine/internal/exchange"
	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/internal/portfolio"
	"github.com/atlas-quant/barengine/internal/position"
	"github.com/atlas-quant/barengine/internal/risk"
	"github.com/atlas-quant/barengine/internal/strategy"
	"github.com/atlas-quant/barengine/pkg/ports"
	"github.com/atlas-quant/barengine/pkg/tradeerr"
	"github.com/atlas-quant/barengine/pkg/types"
)

// stuckStates are the open states "up to but not including SENT" —
// orders that should have been staged, risk-checked, and handed to the
// broker within the bar they were created (spec §4.7).
var stuckStates = []order.State{order.Created, order.Staged, order.RiskAccepted}

type strategyEntry struct {
	ctx  *strategy.Context
	impl strategy.Strategy
}

// BarSpec is one bar in a Run sequence: its logical time, the product
// types to advance, and the bar frequency.
type BarSpec struct {
	Bartime      time.Time
	ProductTypes []types.ProductType
	Frequency    types.Frequency
}

// Processor is the EventProcessor. It holds the arena of attached
// strategies and portfolios plus references to every other component
// it drives; Orders never point back into this arena (spec §4.7,
// "Back-references" design note).
type Processor struct {
	logger     *zap.Logger
	marketData ports.MarketData
	orders     *order.Manager
	risk       *risk.Validator
	positions  *position.Manager
	exchange   *exchange.Exchange // nil when not simulating
	broker     *broker.Broker
	bus        *events.Bus
	simulation bool

	strategies []*strategyEntry
	portfolios []*portfolio.Book
}

// New creates a Processor. exch may be nil when simulation is false —
// the engine then skips every Exchange.* call, per spec §4.7's
// "If in simulation" guards.
func New(logger *zap.Logger, marketData ports.MarketData, orders *order.Manager, validator *risk.Validator, positions *position.Manager, exch *exchange.Exchange, br *broker.Broker, bus *events.Bus, simulation bool) *Processor {
	return &Processor{
		logger:     logger.Named("engine"),
		marketData: marketData,
		orders:     orders,
		risk:       validator,
		positions:  positions,
		exchange:   exch,
		broker:     br,
		bus:        bus,
		simulation: simulation,
	}
}

// AddPortfolio attaches a portfolio to the arena. ProcessBar iterates
// attached portfolios in the order they were added.
func (p *Processor) AddPortfolio(book *portfolio.Book) {
	p.portfolios = append(p.portfolios, book)
}

// AddStrategy creates a Context for id, binds it to book, calls
// impl.Initialize, and attaches it to the arena. Returns the Context so
// the caller can RegisterSymbol before the engine starts running bars.
func (p *Processor) AddStrategy(id string, book *portfolio.Book, impl strategy.Strategy) *strategy.Context {
	ctx := strategy.NewContext(id, p.orders, book, p.positions, p.marketData)
	book.AddStrategy(ctx)
	entry := &strategyEntry{ctx: ctx, impl: impl}
	p.strategies = append(p.strategies, entry)
	impl.Initialize(ctx)
	return ctx
}

// sortedStrategies returns attached strategies ordered by id, so
// dispatch order is deterministic independent of attachment order.
func (p *Processor) sortedStrategies() []*strategyEntry {
	out := append([]*strategyEntry(nil), p.strategies...)
	sort.Slice(out, func(i, j int) bool { return out[i].ctx.ID() < out[j].ctx.ID() })
	return out
}

func (p *Processor) barLookup(frequency types.Frequency) exchange.BarLookup {
	return func(productType types.ProductType, symbol string) types.Bar {
		return p.marketData.CurrentBar(productType, symbol, frequency)
	}
}

// ProcessCancels buckets OMS.CancelsToProcess() by originator, dispatches
// OnCancels to each attached strategy whose bucket is present, then
// closes every cancel. Portfolio-originated cancels are never delivered
// to a strategy callback (spec §4.7).
func (p *Processor) ProcessCancels(bartime time.Time) error {
	cancels := p.orders.CancelsToProcess()
	buckets := make(map[string][]*order.Order, len(cancels))
	for _, o := range cancels {
		buckets[o.OriginatorID] = append(buckets[o.OriginatorID], o)
	}
	for _, entry := range p.sortedStrategies() {
		if bucket, ok := buckets["strategy."+entry.ctx.ID()]; ok {
			entry.impl.OnCancels(bartime, bucket)
		}
	}
	for _, o := range cancels {
		if err := p.orders.CloseOrder(o); err != nil {
			return fmt.Errorf("process cancels: %w", err)
		}
	}
	return nil
}

// ProcessFills books every unbooked fill via PositionManager.BookFills,
// then dispatches OnFills to each attached strategy whose bucket is
// present (spec §4.7). Booking happens before dispatch, so
// ctx.Position(...) inside OnFills already reflects the fill.
func (p *Processor) ProcessFills(bartime time.Time) error {
	booked, err := p.positions.BookFills()
	if err != nil {
		return fmt.Errorf("process fills: %w", err)
	}
	for _, entry := range p.sortedStrategies() {
		if orders, ok := booked["strategy."+entry.ctx.ID()]; ok {
			entry.impl.OnFills(bartime, orders)
		}
		if p.bus != nil {
			for _, o := range booked["strategy."+entry.ctx.ID()] {
				p.bus.Publish(events.NewOrderBookedEvent(bartime, o.UUID.String(), o.StrategyID, o.Symbol, string(o.Side), o.Fill.TotalQuantity, o.Fill.AveragePrice))
			}
		}
	}
	return nil
}

// CheckStuckOrders raises ErrStuckOrder if any order is still short of
// SENT — no order should be mid-staging once SendOrders has run for the
// bar (spec §4.7).
func (p *Processor) CheckStuckOrders(bartime time.Time) error {
	stuck := p.orders.OrdersList(order.Filter{States: stuckStates})
	if len(stuck) == 0 {
		return nil
	}
	if p.bus != nil {
		for _, o := range stuck {
			p.bus.Publish(events.NewStuckOrderDetectedEvent(bartime, o.UUID.String(), string(o.State), o.Symbol))
		}
	}
	return fmt.Errorf("check stuck orders: %d order(s) short of SENT: %w", len(stuck), tradeerr.ErrStuckOrder)
}

// ProcessBar runs the exact ten-step phase ordering of spec §4.7.
func (p *Processor) ProcessBar(ctx context.Context, productTypes []types.ProductType, frequency types.Frequency) error {
	for _, pt := range productTypes {
		if err := p.marketData.Update(pt, frequency); err != nil {
			return fmt.Errorf("process bar: update %s: %w", pt, err)
		}
	}
	if err := p.positions.UpdatePnL(ctx); err != nil {
		return fmt.Errorf("process bar: pnl (pre-exchange): %w", err)
	}

	bartime := p.marketData.Bartime()
	if p.simulation && p.exchange != nil {
		p.exchange.ProcessOrders(p.barLookup(frequency), bartime)
	}
	if err := p.broker.UpdateOrderStates(bartime); err != nil {
		return fmt.Errorf("process bar: update order states: %w", err)
	}
	if err := p.ProcessCancels(bartime); err != nil {
		return err
	}
	if err := p.ProcessFills(bartime); err != nil {
		return err
	}
	if err := p.positions.UpdatePnL(ctx); err != nil {
		return fmt.Errorf("process bar: pnl (post-fill): %w", err)
	}

	for _, entry := range p.sortedStrategies() {
		entry.impl.OnBar(bartime)
	}
	for _, book := range p.portfolios {
		if err := book.ProcessOrders(bartime); err != nil {
			return fmt.Errorf("process bar: portfolio %s: %w", book.ID(), err)
		}
		if err := p.risk.ProcessPortfolioOrders(book.ID(), bartime); err != nil {
			return fmt.Errorf("process bar: risk %s: %w", book.ID(), err)
		}
	}
	if err := p.broker.SendOrders(bartime); err != nil {
		return fmt.Errorf("process bar: send orders: %w", err)
	}
	if err := p.CheckStuckOrders(bartime); err != nil {
		return err
	}

	if p.bus != nil {
		p.bus.Publish(events.NewBarProcessedEvent(bartime, productTypes))
	}
	return nil
}

// MarketOpen marks productTypes open and dispatches OnMarketOpen.
func (p *Processor) MarketOpen(productTypes []types.ProductType) {
	bartime := p.marketData.Bartime()
	for _, pt := range productTypes {
		p.orders.SetMarketState(pt, true)
	}
	for _, entry := range p.sortedStrategies() {
		entry.impl.OnMarketOpen(bartime)
	}
}

// MarketClose marks productTypes closed, cancels residual exchange
// orders when simulating, reconciles and processes cancels one last
// time, dispatches OnMarketClose, then asserts no order remains open
// (spec §4.7).
func (p *Processor) MarketClose(productTypes []types.ProductType) error {
	bartime := p.marketData.Bartime()
	for _, pt := range productTypes {
		p.orders.SetMarketState(pt, false)
	}
	if p.simulation && p.exchange != nil {
		p.exchange.MarketClose(bartime)
	}
	if err := p.broker.UpdateOrderStates(bartime); err != nil {
		return fmt.Errorf("market close: update order states: %w", err)
	}
	if err := p.ProcessCancels(bartime); err != nil {
		return err
	}
	for _, entry := range p.sortedStrategies() {
		entry.impl.OnMarketClose(bartime)
	}
	if open := p.orders.OpenOrders(); len(open) > 0 {
		return fmt.Errorf("market close: %d order(s) still open: %w", len(open), tradeerr.ErrResidualOpenOrders)
	}
	return nil
}

// BeginOfDay rolls the position book forward and dispatches
// OnBeginOfDay.
func (p *Processor) BeginOfDay(ctx context.Context) error {
	if err := p.positions.BeginOfDay(ctx); err != nil {
		return fmt.Errorf("begin of day: %w", err)
	}
	bartime := p.marketData.Bartime()
	for _, entry := range p.sortedStrategies() {
		entry.impl.OnBeginOfDay(bartime)
	}
	return nil
}

// EndOfDay extends each product type's daily series, dispatches
// OnEndOfDay, then rolls the position book and order registry forward.
func (p *Processor) EndOfDay(ctx context.Context, productTypes []types.ProductType) error {
	for _, pt := range productTypes {
		if err := p.marketData.Extend(pt, types.Daily); err != nil {
			return fmt.Errorf("end of day: extend %s: %w", pt, err)
		}
	}
	bartime := p.marketData.Bartime()
	for _, entry := range p.sortedStrategies() {
		entry.impl.OnEndOfDay(bartime)
	}
	if err := p.positions.EndOfDay(ctx, bartime); err != nil {
		return fmt.Errorf("end of day: positions: %w", err)
	}
	if err := p.orders.EndOfDay(ctx, bartime); err != nil {
		return fmt.Errorf("end of day: orders: %w", err)
	}
	return nil
}

// Stop dispatches OnStop, then persists the position book and order
// registry's final state.
func (p *Processor) Stop(ctx context.Context) error {
	bartime := p.marketData.Bartime()
	for _, entry := range p.sortedStrategies() {
		entry.impl.OnStop(bartime)
	}
	if err := p.positions.Stop(ctx, bartime); err != nil {
		return fmt.Errorf("stop: positions: %w", err)
	}
	if err := p.orders.Stop(ctx, bartime); err != nil {
		return fmt.Errorf("stop: orders: %w", err)
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Run sequences a series of bars per spec §4.7's outer runner rule:
// the first bar of a day begins it (BeginOfDay, MarketOpen); a bar
// whose date advances past the previous one closes the previous day
// first (MarketClose, EndOfDay) before beginning the new one; every
// other bar just runs ProcessBar. Stop runs once after the final bar.
func (p *Processor) Run(ctx context.Context, bars []BarSpec) error {
	if len(bars) == 0 {
		return nil
	}

	var prev *BarSpec
	for i := range bars {
		b := bars[i]
		if prev == nil || dateOnly(b.Bartime).After(dateOnly(prev.Bartime)) {
			if prev != nil {
				if err := p.MarketClose(prev.ProductTypes); err != nil {
					return err
				}
				if err := p.EndOfDay(ctx, prev.ProductTypes); err != nil {
					return err
				}
			}
			if err := p.marketData.SetBartime(b.Bartime); err != nil {
				return fmt.Errorf("run: set bartime: %w", err)
			}
			if err := p.BeginOfDay(ctx); err != nil {
				return err
			}
			p.MarketOpen(b.ProductTypes)
		} else {
			if err := p.marketData.SetBartime(b.Bartime); err != nil {
				return fmt.Errorf("run: set bartime: %w", err)
			}
		}

		if err := p.ProcessBar(ctx, b.ProductTypes, b.Frequency); err != nil {
			return err
		}
		prev = &b
	}
	return p.Stop(ctx)
}
