// Package order implements the Order aggregate and the OrderManager,
// the single source of truth for order identity and state (spec §4.1).
package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-quant/barengine/pkg/types"
)

// Type is the order type. LIMIT is the only type the engine supports
// (spec Non-goals: arbitrary order types beyond LIMIT).
type Type string

// TypeLimit is the sole supported order type.
const TypeLimit Type = "LIMIT"

// LimitDetails is the Details payload for a LIMIT order.
type LimitDetails struct {
	Price decimal.Decimal
}

// StateEntry records one entry into the append-only state history log.
type StateEntry struct {
	State     State
	Timestamp time.Time
}

// Fill records one exchange-provided fill, keyed by the exchange's fill id.
type Fill struct {
	FillID     string
	Timestamp  time.Time
	Bartime    time.Time
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Booked     bool
}

// Replace records one replace request against the order.
type Replace struct {
	Quantity *decimal.Decimal // nil means "unchanged"
	Details  LimitDetails
}

// FillAggregate is the order's running fill summary (spec §3 invariant 1).
type FillAggregate struct {
	AveragePrice    decimal.Decimal
	TotalQuantity   decimal.Decimal
	TotalCommission decimal.Decimal
	Booked          bool
}

// Order is a stable-identity, single-owner value: all state, and the
// append-only fills/replaces/state-history logs, are mutated exclusively
// by Manager (spec §5 "Shared resources"). The one exception is each
// Fill's Booked flag, which position.Manager.EnterTradeFromOrder sets
// directly as it books that fill; every other component treats an
// *Order as read-only.
type Order struct {
	UUID uuid.UUID

	CreatedAt time.Time

	OriginatorID   string
	OriginatorUUID uuid.UUID

	StrategyID   string
	StrategyUUID uuid.UUID

	// PortfolioID/PortfolioUUID are write-once, set during staging.
	PortfolioID   string
	PortfolioUUID uuid.UUID

	ProductType types.ProductType
	Symbol      string
	Side        types.OrderSide
	Type        Type
	Quantity    decimal.Decimal
	Details     LimitDetails

	// BrokerID/ExchangeID are write-once each.
	BrokerID   string
	ExchangeID string

	Fill FillAggregate

	Closed bool
	State  State

	StateHistory []StateEntry
	Fills        []Fill
	Replaces     []Replace
}

// New constructs an Order in the CREATED state. It does not register the
// order with any Manager; call Manager.New to do that.
func New(originatorID string, originatorUUID uuid.UUID, strategyID string, strategyUUID uuid.UUID, productType types.ProductType, symbol string, side types.OrderSide, quantity decimal.Decimal, price decimal.Decimal, createdAt time.Time) *Order {
	o := &Order{
		UUID:           uuid.New(),
		CreatedAt:      createdAt,
		OriginatorID:   originatorID,
		OriginatorUUID: originatorUUID,
		StrategyID:     strategyID,
		StrategyUUID:   strategyUUID,
		ProductType:    productType,
		Symbol:         symbol,
		Side:           side,
		Type:           TypeLimit,
		Quantity:       quantity,
		Details:        LimitDetails{Price: price},
		State:          Created,
	}
	o.StateHistory = append(o.StateHistory, StateEntry{State: Created, Timestamp: createdAt})
	return o
}

// Snapshot returns the stable column projection of the order (spec §6).
func (o *Order) Snapshot() types.OrderSnapshot {
	stateTimestamps := make(map[string]time.Time, len(o.StateHistory))
	for _, e := range o.StateHistory {
		key := string(e.State)
		if _, ok := stateTimestamps[key]; !ok {
			stateTimestamps[key] = e.Timestamp
		}
	}
	return types.OrderSnapshot{
		OriginatorID:    o.OriginatorID,
		StrategyID:      o.StrategyID,
		StrategyUUID:    o.StrategyUUID.String(),
		PortfolioID:     o.PortfolioID,
		PortfolioUUID:   o.PortfolioUUID.String(),
		Quantity:        o.Quantity,
		EventType:       "ORDER",
		ProductType:     o.ProductType,
		Symbol:          o.Symbol,
		BuySell:         o.Side,
		Type:            string(o.Type),
		Details:         map[string]any{"price": o.Details.Price},
		State:           string(o.State),
		Closed:          o.Closed,
		UUID:            o.UUID.String(),
		CreateTimestamp: o.CreatedAt,
		FillPrice:       o.Fill.AveragePrice,
		FillQuantity:    o.Fill.TotalQuantity,
		Commission:      o.Fill.TotalCommission,
		Booked:          o.Fill.Booked,
		BrokerOrderID:   o.BrokerID,
		ExchangeOrderID: o.ExchangeID,
		StateTimestamps: stateTimestamps,
	}
}
