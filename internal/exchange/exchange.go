// Package exchange implements the in-memory PaperExchange matching
// engine for LIMIT orders over bar OHLCV (spec §4.5).
package exchange

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/pkg/tradeerr"
	"github.com/atlas-quant/barengine/pkg/types"
)

// Fill is one exchange-side fill record.
type Fill struct {
	ID         string
	Timestamp  time.Time
	Bartime    time.Time
	Quantity   decimal.Decimal
	Price      decimal.Decimal
}

// Replace is one replace request recorded against an exchange order.
type Replace struct {
	Quantity *decimal.Decimal
	Details  order.LimitDetails
}

// Order mirrors a broker-submitted order on the exchange side: its own
// id, live status, fill records, and replace requests (spec §3
// "Exchange-internal order"). Only the Exchange mutates it.
type Order struct {
	ID          string
	ProductType types.ProductType
	Symbol      string
	Side        types.OrderSide
	Type        order.Type
	Quantity    decimal.Decimal
	Details     order.LimitDetails

	State          order.State
	FilledQuantity decimal.Decimal
	FillPrice      decimal.Decimal

	Fills    []Fill
	Replaces []Replace
}

// BarLookup resolves the current bar for a (productType, symbol) at
// matching time; it is how ProcessOrders reads market data without the
// exchange depending on the MarketData port directly.
type BarLookup func(productType types.ProductType, symbol string) types.Bar

// Exchange is the PaperExchange.
type Exchange struct {
	mu     sync.Mutex
	logger *zap.Logger
	cfg    types.ExchangeConfig

	nextOrderID uint64
	nextFillID  uint64

	open       map[string]*Order
	openOrder  []string // insertion order
	closed     map[string]*Order
}

// New creates a PaperExchange.
func New(logger *zap.Logger, cfg types.ExchangeConfig) *Exchange {
	return &Exchange{
		logger: logger.Named("paper-exchange"),
		cfg:    cfg,
		open:   make(map[string]*Order),
		closed: make(map[string]*Order),
	}
}

// ReceiveOrder admits a new order onto the exchange, LIVE from the start,
// with an initial replace record capturing the original quantity/details.
func (e *Exchange) ReceiveOrder(productType types.ProductType, symbol string, side types.OrderSide, qty decimal.Decimal, orderType order.Type, details order.LimitDetails) (string, error) {
	if orderType != order.TypeLimit {
		return "", fmt.Errorf("exchange receive order: %w", tradeerr.ErrUnsupportedOrderType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextOrderID++
	id := strconv.FormatUint(e.nextOrderID, 10)
	o := &Order{
		ID:          id,
		ProductType: productType,
		Symbol:      symbol,
		Side:        side,
		Type:        orderType,
		Quantity:    qty,
		Details:     details,
		State:       order.Live,
		Replaces:    []Replace{{Quantity: &qty, Details: details}},
	}
	e.open[id] = o
	e.openOrder = append(e.openOrder, id)
	return id, nil
}

// ReceiveCancel flips the order to CANCEL_SENT iff it is still open.
func (e *Exchange) ReceiveCancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.open[id]
	if !ok {
		return nil
	}
	o.State = order.CancelSent
	return nil
}

// ReceiveReplace appends a replace record and sets REPLACE_SENT iff the
// order is still open.
func (e *Exchange) ReceiveReplace(id string, newQty *decimal.Decimal, newDetails order.LimitDetails) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.open[id]
	if !ok {
		return nil
	}
	o.Replaces = append(o.Replaces, Replace{Quantity: newQty, Details: newDetails})
	o.State = order.ReplaceSent
	return nil
}

// GetOrder returns a copy of the exchange-side order, open or closed.
func (e *Exchange) GetOrder(id string) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.open[id]; ok {
		return *o, true
	}
	if o, ok := e.closed[id]; ok {
		return *o, true
	}
	return Order{}, false
}

// ProcessOrders runs one matching pass over every open order, in
// insertion order (spec §4.5, §5's determinism guarantee).
func (e *Exchange) ProcessOrders(bars BarLookup, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	remaining := e.openOrder[:0:0]
	for _, id := range e.openOrder {
		o, ok := e.open[id]
		if !ok {
			continue
		}
		switch o.State {
		case order.CancelSent:
			e.cancelLocked(o)
			continue
		case order.ReplaceSent:
			e.replaceLocked(o)
		}

		if o.State == order.Live || o.State == order.PartiallyFilled {
			e.matchLocked(o, bars, ts)
		}

		if _, stillOpen := e.open[id]; stillOpen {
			remaining = append(remaining, id)
		}
	}
	e.openOrder = remaining
}

func (e *Exchange) cancelLocked(o *Order) {
	o.State = order.Canceled
	e.closeLocked(o)
}

func (e *Exchange) closeLocked(o *Order) {
	delete(e.open, o.ID)
	e.closed[o.ID] = o
}

// replaceLocked applies the last replace record. If the already-filled
// quantity meets or exceeds the new quantity the order collapses to
// FILLED; otherwise it returns to LIVE.
func (e *Exchange) replaceLocked(o *Order) {
	last := o.Replaces[len(o.Replaces)-1]
	newQty := o.Quantity
	if last.Quantity != nil {
		newQty = *last.Quantity
	}
	o.Quantity = newQty
	o.Details = last.Details

	if o.FilledQuantity.GreaterThanOrEqual(newQty) {
		o.State = order.Filled
		e.closeLocked(o)
		return
	}
	o.State = order.Live
}

// matchLocked checks whether o crosses the current bar. A buy requires
// bar.Low present; a sell requires bar.High present (spec §4.5) — a nil
// field means "not reported this bar", not "zero", so it never crosses.
func (e *Exchange) matchLocked(o *Order, bars BarLookup, ts time.Time) {
	bar := bars(o.ProductType, o.Symbol)
	if !bar.Valid || bar.Volume == nil || bar.Volume.IsZero() {
		return
	}

	var crosses bool
	switch o.Side {
	case types.Buy:
		crosses = bar.Low != nil && bar.Low.LessThan(o.Details.Price)
	case types.Sell:
		crosses = bar.High != nil && bar.High.GreaterThan(o.Details.Price)
	}
	if !crosses {
		return
	}

	remaining := o.Quantity.Sub(o.FilledQuantity)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return
	}
	fillCap := bar.Volume.Mul(e.cfg.FillMultiplier).Floor()
	qty := decimal.Min(remaining, fillCap)
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}
	e.fillLocked(o, qty, ts)
}

// fillLocked appends a fill, recomputes the VWAP fill price, and advances
// state to PARTIALLY_FILLED or FILLED.
func (e *Exchange) fillLocked(o *Order, qty decimal.Decimal, ts time.Time) {
	e.nextFillID++
	fill := Fill{
		ID:        strconv.FormatUint(e.nextFillID, 10),
		Timestamp: ts,
		Bartime:   ts,
		Quantity:  qty,
		Price:     o.Details.Price,
	}
	o.Fills = append(o.Fills, fill)

	var totalValue, totalQty decimal.Decimal
	for _, f := range o.Fills {
		totalValue = totalValue.Add(f.Price.Mul(f.Quantity))
		totalQty = totalQty.Add(f.Quantity)
	}
	o.FilledQuantity = totalQty
	if !totalQty.IsZero() {
		o.FillPrice = totalValue.Div(totalQty)
	}

	if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
		o.State = order.Filled
		e.closeLocked(o)
		return
	}
	o.State = order.PartiallyFilled
}

// MarketClose cancels every currently open order at ts (spec §4.5).
func (e *Exchange) MarketClose(ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = ts
	for _, id := range e.openOrder {
		o, ok := e.open[id]
		if !ok {
			continue
		}
		o.State = order.Canceled
		e.closeLocked(o)
	}
	e.openOrder = nil
}

// OpenOrderCount reports the number of orders still open on the exchange.
func (e *Exchange) OpenOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.openOrder)
}
