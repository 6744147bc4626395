// Package broker implements the PaperBroker: the only component allowed
// to talk to the Exchange, and the home of commission calculation
// (spec §4.6).
package broker

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/exchange"
	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/pkg/tradeerr"
	"github.com/atlas-quant/barengine/pkg/types"
)

// CommissionPolicy computes the commission charged for a fill of
// quantity shares of productType. Implementations may reject product
// types they do not price.
type CommissionPolicy interface {
	Commission(productType types.ProductType, quantity decimal.Decimal) (decimal.Decimal, error)
}

// StockCommission is the default flat per-share policy (spec §4.6). It
// only prices the "stock" product type.
type StockCommission struct {
	FeePerShare decimal.Decimal
}

// Commission implements CommissionPolicy.
func (c StockCommission) Commission(productType types.ProductType, quantity decimal.Decimal) (decimal.Decimal, error) {
	if productType != "stock" {
		return decimal.Zero, fmt.Errorf("commission for product type %s: %w", productType, tradeerr.ErrUnsupported)
	}
	return c.FeePerShare.Mul(quantity), nil
}

// Broker is the PaperBroker: it owns broker-side order ids, submits
// orders/cancels/replaces to the Exchange, and reconciles fills back
// onto the OrderManager's orders.
type Broker struct {
	mu         sync.Mutex
	logger     *zap.Logger
	orders     *order.Manager
	exchange   *exchange.Exchange
	commission CommissionPolicy

	nextBrokerID uint64
}

// New creates a PaperBroker.
func New(logger *zap.Logger, orders *order.Manager, exch *exchange.Exchange, commission CommissionPolicy) *Broker {
	return &Broker{
		logger:     logger.Named("paper-broker"),
		orders:     orders,
		exchange:   exch,
		commission: commission,
	}
}

// SendOrders submits every CANCEL_REQUESTED, REPLACE_REQUESTED, and
// RISK_ACCEPTED order to the exchange, in that order: outstanding
// cancels first, then replaces, then brand-new orders (spec §4.6).
func (b *Broker) SendOrders(ts time.Time) error {
	for _, o := range b.orders.OrdersList(order.Filter{States: []order.State{order.CancelRequested}}) {
		if err := b.SendCancelRequested(o, ts); err != nil {
			return err
		}
	}
	for _, o := range b.orders.OrdersList(order.Filter{States: []order.State{order.ReplaceRequested}}) {
		if err := b.SendReplaceRequested(o, ts); err != nil {
			return err
		}
	}
	for _, o := range b.orders.OrdersList(order.Filter{States: []order.State{order.RiskAccepted}}) {
		if err := b.SendOrder(o, ts); err != nil {
			return err
		}
	}
	return nil
}

// SendOrder submits a RISK_ACCEPTED order to the exchange: assigns a
// broker id, transitions to SENT, and records the exchange id.
func (b *Broker) SendOrder(o *order.Order, ts time.Time) error {
	if o.State != order.RiskAccepted {
		return fmt.Errorf("send order %s in state %s: %w", o.UUID, o.State, tradeerr.ErrIllegalStateTransition)
	}

	b.mu.Lock()
	b.nextBrokerID++
	brokerID := strconv.FormatUint(b.nextBrokerID, 10)
	b.mu.Unlock()

	if err := b.orders.SetBrokerID(o, brokerID); err != nil {
		return err
	}
	if err := b.orders.ChangeState(o, order.Sent, ts); err != nil {
		return err
	}

	exchangeID, err := b.exchange.ReceiveOrder(o.ProductType, o.Symbol, o.Side, o.Quantity, o.Type, o.Details)
	if err != nil {
		return fmt.Errorf("send order %s: %w", o.UUID, err)
	}
	return b.orders.SetExchangeID(o, exchangeID)
}

// SendCancelRequested forwards a cancel to the exchange and transitions
// the order to CANCEL_SENT. An order that never reached the exchange
// (no exchange id) is marked CANCELED directly — there is nothing for
// the exchange to cancel (spec §4.6).
func (b *Broker) SendCancelRequested(o *order.Order, ts time.Time) error {
	if o.ExchangeID == "" {
		if err := b.orders.ChangeState(o, order.Canceled, ts); err != nil {
			return err
		}
		return b.orders.CloseOrder(o)
	}
	if err := b.exchange.ReceiveCancel(o.ExchangeID); err != nil {
		return err
	}
	return b.orders.ChangeState(o, order.CancelSent, ts)
}

// SendReplaceRequested forwards the latest replace record to the
// exchange and transitions the order to REPLACE_SENT. Fails with
// ErrStuckReplace if the order has no exchange id yet.
func (b *Broker) SendReplaceRequested(o *order.Order, ts time.Time) error {
	if o.ExchangeID == "" {
		return fmt.Errorf("replace order %s: %w", o.UUID, tradeerr.ErrStuckReplace)
	}
	if len(o.Replaces) == 0 {
		return fmt.Errorf("replace order %s: no replace record: %w", o.UUID, tradeerr.ErrStuckReplace)
	}
	last := o.Replaces[len(o.Replaces)-1]
	if err := b.exchange.ReceiveReplace(o.ExchangeID, last.Quantity, last.Details); err != nil {
		return err
	}
	return b.orders.ChangeState(o, order.ReplaceSent, ts)
}

// trackedStates are the states UpdateOrderStates reconciles against the
// exchange (spec §4.6).
var trackedStates = []order.State{order.Live, order.Sent, order.CancelSent, order.ReplaceSent, order.PartiallyFilled}

// UpdateOrderStates reconciles every order in a tracked state against
// its exchange-side counterpart: mirrors a differing exchange state
// locally, then processes any new fills when the exchange reports
// PARTIALLY_FILLED or FILLED (spec §4.6). It never closes a CANCELED
// order itself — that is ProcessCancels's job, run after OnCancels.
func (b *Broker) UpdateOrderStates(ts time.Time) error {
	for _, o := range b.orders.OrdersList(order.Filter{States: trackedStates}) {
		if o.ExchangeID == "" {
			return fmt.Errorf("order %s: %w", o.UUID, tradeerr.ErrStuckOrder)
		}
		exo, ok := b.exchange.GetOrder(o.ExchangeID)
		if !ok {
			return fmt.Errorf("order %s exchange id %s: %w", o.UUID, o.ExchangeID, tradeerr.ErrStuckOrder)
		}

		if exo.State != o.State {
			if err := b.orders.ChangeState(o, exo.State, ts); err != nil {
				return err
			}
		}

		if exo.State == order.PartiallyFilled || exo.State == order.Filled {
			if err := b.processFills(o, exo, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

// processFills ingests every exchange fill not yet reflected on o,
// pricing commission via the configured policy; if no new fill arrived
// but the exchange already reports FILLED, it just closes the order
// (e.g. a replace collapsed it below the filled quantity). An order that
// received new fills stays open; the position manager closes it once
// those fills are booked.
func (b *Broker) processFills(o *order.Order, exo exchange.Order, ts time.Time) error {
	newFills := exo.Fills[len(o.Fills):]
	for _, f := range newFills {
		commission, err := b.commission.Commission(o.ProductType, f.Quantity)
		if err != nil {
			return fmt.Errorf("order %s: %w", o.UUID, err)
		}
		b.orders.AddFill(o, order.Fill{
			FillID:     f.ID,
			Timestamp:  ts,
			Bartime:    f.Bartime,
			Quantity:   f.Quantity,
			Price:      f.Price,
			Commission: commission,
			Booked:     false,
		})
	}

	if len(newFills) == 0 && o.State == order.Filled && !o.Closed {
		return b.orders.CloseOrder(o)
	}
	return nil
}
