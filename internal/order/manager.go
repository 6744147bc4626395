package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/pkg/ports"
	"github.com/atlas-quant/barengine/pkg/tradeerr"
	"github.com/atlas-quant/barengine/pkg/types"
)

// Filter selects orders for OrdersList/OrdersDataFrame. Semantics are AND
// across fields, OR across the values listed within one field (spec
// §4.1 "Filter semantics"). A nil/empty field is not applied.
type Filter struct {
	States        []State
	OriginatorIDs []string
	StrategyIDs   []string
	PortfolioIDs  []string
	Booked        *bool
	Closed        *bool
}

func (f Filter) matches(o *Order) bool {
	if len(f.States) > 0 && !containsState(f.States, o.State) {
		return false
	}
	if len(f.OriginatorIDs) > 0 && !containsString(f.OriginatorIDs, o.OriginatorID) {
		return false
	}
	if len(f.StrategyIDs) > 0 && !containsString(f.StrategyIDs, o.StrategyID) {
		return false
	}
	if len(f.PortfolioIDs) > 0 && !containsString(f.PortfolioIDs, o.PortfolioID) {
		return false
	}
	if f.Booked != nil && o.Fill.Booked != *f.Booked {
		return false
	}
	if f.Closed != nil && o.Closed != *f.Closed {
		return false
	}
	return true
}

func containsState(haystack []State, needle State) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func boolPtr(b bool) *bool { return &b }

// openFilter / closedFilter back OpenOrders/ClosedOrders.
var openFilter = Filter{Closed: boolPtr(false)}
var closedFilter = Filter{Closed: boolPtr(true)}

// Manager is the single source of truth for orders (spec §4.1). Every
// mutation of an Order's state, booked flag, closed flag, or portfolio
// linkage must go through it.
type Manager struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	store    ports.Store
	sourceID string

	orders      map[uuid.UUID]*Order
	insertOrder []uuid.UUID // insertion order, for ordered listing

	marketState map[types.ProductType]bool
}

// NewManager creates an OrderManager that snapshots to store under sourceID.
func NewManager(logger *zap.Logger, store ports.Store, sourceID string) *Manager {
	return &Manager{
		logger:      logger.Named("order-manager"),
		store:       store,
		sourceID:    sourceID,
		orders:      make(map[uuid.UUID]*Order),
		marketState: make(map[types.ProductType]bool),
	}
}

// New registers a new order. Fails with ErrDuplicateOrder if the uuid is
// already known.
func (m *Manager) New(o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.UUID]; ok {
		return fmt.Errorf("order %s: %w", o.UUID, tradeerr.ErrDuplicateOrder)
	}
	m.orders[o.UUID] = o
	m.insertOrder = append(m.insertOrder, o.UUID)
	m.logger.Debug("order registered",
		zap.String("uuid", o.UUID.String()),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("state", string(o.State)),
	)
	return nil
}

// ChangeState moves order to target via the state-machine validator. It
// is a no-op if target already equals the order's current state.
func (m *Manager) ChangeState(o *Order, target State, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changeStateLocked(o, target, ts)
}

func (m *Manager) changeStateLocked(o *Order, target State, ts time.Time) error {
	if o.State == target {
		return nil
	}
	if !CanTransition(o.State, target) {
		return fmt.Errorf("order %s: %s -> %s: %w", o.UUID, o.State, target, tradeerr.ErrIllegalStateTransition)
	}
	o.State = target
	o.StateHistory = append(o.StateHistory, StateEntry{State: target, Timestamp: ts})
	return nil
}

// CloseOrder asserts the order's current state is terminal and flips
// Closed to true. Fails with ErrNotClosedState otherwise.
func (m *Manager) CloseOrder(o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !IsClosed(o.State) {
		return fmt.Errorf("order %s in state %s: %w", o.UUID, o.State, tradeerr.ErrNotClosedState)
	}
	o.Closed = true
	return nil
}

// ReplaceOrder appends to the replaces log and transitions the order to
// REPLACE_REQUESTED. A nil quantity means "unchanged". Per spec §9,
// replacing an already-closed order is tolerated as a no-op with a log
// line, not an error.
func (m *Manager) ReplaceOrder(o *Order, quantity *decimal.Decimal, details LimitDetails, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.Closed {
		m.logger.Info("replace requested on closed order, ignoring",
			zap.String("uuid", o.UUID.String()), zap.String("state", string(o.State)))
		return nil
	}
	o.Replaces = append(o.Replaces, Replace{Quantity: quantity, Details: details})
	return m.changeStateLocked(o, ReplaceRequested, ts)
}

// SetBooked flips the order's booked flag.
func (m *Manager) SetBooked(o *Order, booked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Fill.Booked = booked
}

// AddPortfolio write-once-asserts and denormalizes the portfolio id/uuid
// onto the order.
func (m *Manager) AddPortfolio(o *Order, portfolioID string, portfolioUUID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.PortfolioID != "" || o.PortfolioUUID != uuid.Nil {
		return fmt.Errorf("order %s already has portfolio %s", o.UUID, o.PortfolioID)
	}
	o.PortfolioID = portfolioID
	o.PortfolioUUID = portfolioUUID
	return nil
}

// SetBrokerID write-once-assigns the broker-side order id.
func (m *Manager) SetBrokerID(o *Order, brokerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.BrokerID != "" {
		return fmt.Errorf("order %s already has broker id %s", o.UUID, o.BrokerID)
	}
	o.BrokerID = brokerID
	return nil
}

// SetExchangeID write-once-assigns the exchange-side order id.
func (m *Manager) SetExchangeID(o *Order, exchangeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ExchangeID != "" {
		return fmt.Errorf("order %s already has exchange id %s", o.UUID, o.ExchangeID)
	}
	o.ExchangeID = exchangeID
	return nil
}

// AddFill appends a new exchange-provided fill and recomputes the
// order's running FillAggregate (VWAP average price, total quantity,
// total commission). The new fill starts unbooked.
func (m *Manager) AddFill(o *Order, fill Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Fills = append(o.Fills, fill)

	var value, qty, commission decimal.Decimal
	for _, f := range o.Fills {
		value = value.Add(f.Price.Mul(f.Quantity))
		qty = qty.Add(f.Quantity)
		commission = commission.Add(f.Commission)
	}
	o.Fill.TotalQuantity = qty
	o.Fill.TotalCommission = commission
	if !qty.IsZero() {
		o.Fill.AveragePrice = value.Div(qty)
	}
	o.Fill.Booked = false
}

// Order returns the live order for uuid. Intended for same-goroutine,
// engine-thread use (spec §5's single-threaded-within-a-bar model); for
// cross-goroutine consumers use OrdersDataFrame.
func (m *Manager) Order(id uuid.UUID) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, tradeerr.ErrUnknownOrder)
	}
	return o, nil
}

// OrdersList returns orders matching filter in insertion order.
func (m *Manager) OrdersList(filter Filter) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Order, 0, len(m.insertOrder))
	for _, id := range m.insertOrder {
		o := m.orders[id]
		if filter.matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// OrdersDataFrame returns a copied, cross-goroutine-safe snapshot of
// orders matching filter, in insertion order (spec §6's column set).
func (m *Manager) OrdersDataFrame(filter Filter) []types.OrderSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.OrderSnapshot, 0, len(m.insertOrder))
	for _, id := range m.insertOrder {
		o := m.orders[id]
		if filter.matches(o) {
			out = append(out, o.Snapshot())
		}
	}
	return out
}

// OpenOrders returns all non-closed orders in insertion order.
func (m *Manager) OpenOrders() []*Order { return m.OrdersList(openFilter) }

// ClosedOrders returns all closed orders in insertion order.
func (m *Manager) ClosedOrders() []*Order { return m.OrdersList(closedFilter) }

// ToBeBookedList returns FILLED/PARTIALLY_FILLED orders not yet booked.
func (m *Manager) ToBeBookedList() []*Order {
	return m.OrdersList(Filter{States: []State{Filled, PartiallyFilled}, Booked: boolPtr(false)})
}

// CancelsToProcess returns CANCELED orders not yet closed.
func (m *Manager) CancelsToProcess() []*Order {
	return m.OrdersList(Filter{States: []State{Canceled}, Closed: boolPtr(false)})
}

// MarketState returns whether productType's market is open. Fails with
// ErrUnknownMarket if it was never set.
func (m *Manager) MarketState(productType types.ProductType) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open, ok := m.marketState[productType]
	if !ok {
		return false, fmt.Errorf("product type %s: %w", productType, tradeerr.ErrUnknownMarket)
	}
	return open, nil
}

// SetMarketState sets whether productType's market is open.
func (m *Manager) SetMarketState(productType types.ProductType, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketState[productType] = open
}

// MarketStates returns a copy of every known product type's market state.
func (m *Manager) MarketStates() map[types.ProductType]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.ProductType]bool, len(m.marketState))
	for k, v := range m.marketState {
		out[k] = v
	}
	return out
}

// Stop persists an orders snapshot to the store. It does NOT clear the
// in-memory registry (spec §4.1).
func (m *Manager) Stop(ctx context.Context, ts time.Time) error {
	snapshot := m.OrdersDataFrame(Filter{})
	if err := m.store.InsertOrders(ctx, m.sourceID, ts, snapshot); err != nil {
		return fmt.Errorf("order manager stop: %w", err)
	}
	return nil
}

// EndOfDay persists an orders snapshot, then clears the in-memory
// registry (spec §4.1).
func (m *Manager) EndOfDay(ctx context.Context, ts time.Time) error {
	if err := m.Stop(ctx, ts); err != nil {
		return err
	}
	m.mu.Lock()
	m.orders = make(map[uuid.UUID]*Order)
	m.insertOrder = nil
	m.mu.Unlock()
	return nil
}
