// Package risk implements the stateless Risk validator (spec §4.2):
// admitting STAGED orders into RISK_ACCEPTED or RISK_REJECTED, and
// checking REPLACE_REQUESTED orders (left as they are, moved to
// REPLACE_REJECTED, or RISK_REJECTED on a closed market), using
// market-open state and a quantity sanity check.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/pkg/types"
)

// Validator is the Risk component. It holds no per-order state; calling
// ProcessPortfolioOrders twice for the same bar and portfolio is
// idempotent (spec §4.2).
type Validator struct {
	logger *zap.Logger
	orders *order.Manager
	maxQty decimal.Decimal
}

// New creates a Validator bound to a Manager and a quantity ceiling.
func New(logger *zap.Logger, orders *order.Manager, cfg types.RiskConfig) *Validator {
	return &Validator{
		logger: logger.Named("risk"),
		orders: orders,
		maxQty: cfg.MaxOrderQuantity,
	}
}

// ProcessPortfolioOrders validates every STAGED/REPLACE_REQUESTED order
// belonging to portfolioID, at logical time ts.
func (v *Validator) ProcessPortfolioOrders(portfolioID string, ts time.Time) error {
	staged := v.orders.OrdersList(order.Filter{
		PortfolioIDs: []string{portfolioID},
		States:       []order.State{order.Staged, order.ReplaceRequested},
	})
	for _, o := range staged {
		if err := v.processOrder(o, ts); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) processOrder(o *order.Order, ts time.Time) error {
	open, err := v.orders.MarketState(o.ProductType)
	if err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if !open {
		return v.reject(o, ts)
	}

	switch o.State {
	case order.ReplaceRequested:
		if v.requestedQuantity(o).GreaterThan(v.maxQty) {
			return v.orders.ChangeState(o, order.ReplaceRejected, ts)
		}
		// Passes: leave REPLACE_REQUESTED for the broker to pick up.
		return nil
	case order.Staged:
		if o.Quantity.GreaterThan(v.maxQty) {
			return v.reject(o, ts)
		}
		return v.orders.ChangeState(o, order.RiskAccepted, ts)
	default:
		// LIVE/SENT/other states are left untouched.
		return nil
	}
}

func (v *Validator) reject(o *order.Order, ts time.Time) error {
	if err := v.orders.ChangeState(o, order.RiskRejected, ts); err != nil {
		return err
	}
	return v.orders.CloseOrder(o)
}

// requestedQuantity returns the quantity the most recent replace record
// asks for, or the order's current quantity when that record leaves
// quantity unchanged (nil).
func (v *Validator) requestedQuantity(o *order.Order) decimal.Decimal {
	if len(o.Replaces) == 0 {
		return o.Quantity
	}
	last := o.Replaces[len(o.Replaces)-1]
	if last.Quantity == nil {
		return o.Quantity
	}
	return *last.Quantity
}
