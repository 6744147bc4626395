// Package portfolio implements the Portfolio intent engine and staging
// step (spec §4.3): translating target-position intents into LIMIT
// orders, and staging strategy-originated CREATED orders.
package portfolio

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/pkg/ports"
	"github.com/atlas-quant/barengine/pkg/tradeerr"
	"github.com/atlas-quant/barengine/pkg/types"
)

// Strategy is the minimal view of an attached strategy the portfolio
// needs: its identity and which (productType, symbol) pairs it is
// registered to trade. internal/strategy.Context implements this.
type Strategy interface {
	ID() string
	UUID() uuid.UUID
	HasSymbol(productType types.ProductType, symbol string) bool
}

// PositionValue is the subset of the PositionManager the intent engine
// reads from.
type PositionValue interface {
	GetValue(key types.Key) decimal.Decimal
}

type intentRow struct {
	Target    *decimal.Decimal
	OrderUUID *uuid.UUID
}

// Book is the Portfolio.
type Book struct {
	mu sync.Mutex

	logger     *zap.Logger
	orders     *order.Manager
	positions  PositionValue
	marketData ports.MarketData
	liveFreq   types.Frequency

	id   string
	uuid uuid.UUID

	strategies []Strategy

	intents    map[types.Key]*intentRow
	intentKeys []types.Key
}

// New creates a Portfolio with a stable id/uuid.
func New(logger *zap.Logger, orders *order.Manager, positions PositionValue, marketData ports.MarketData, id string, liveFreq types.Frequency) *Book {
	return &Book{
		logger:     logger.Named("portfolio").With(zap.String("portfolio_id", id)),
		orders:     orders,
		positions:  positions,
		marketData: marketData,
		liveFreq:   liveFreq,
		id:         id,
		uuid:       uuid.New(),
		intents:    make(map[types.Key]*intentRow),
	}
}

// ID returns the portfolio's id.
func (b *Book) ID() string { return b.id }

// UUID returns the portfolio's stable uuid.
func (b *Book) UUID() uuid.UUID { return b.uuid }

// AddStrategy binds a strategy to this portfolio.
func (b *Book) AddStrategy(s Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategies = append(b.strategies, s)
}

func (b *Book) findStrategy(id string) Strategy {
	for _, s := range b.strategies {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

func (b *Book) row(key types.Key) *intentRow {
	r, ok := b.intents[key]
	if !ok {
		r = &intentRow{}
		b.intents[key] = r
		b.intentKeys = append(b.intentKeys, key)
	}
	return r
}

// SetIntent upserts the target position for (strategyId, productType,
// symbol).
func (b *Book) SetIntent(strategyID string, productType types.ProductType, symbol string, target decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.row(types.Key{StrategyID: strategyID, ProductType: productType, Symbol: symbol})
	r.Target = &target
}

// GetIntent reads the target position for (strategyId, productType,
// symbol), if one is set.
func (b *Book) GetIntent(strategyID string, productType types.ProductType, symbol string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.intents[types.Key{StrategyID: strategyID, ProductType: productType, Symbol: symbol}]
	if !ok || r.Target == nil {
		return decimal.Zero, false
	}
	return *r.Target, true
}

// sideForSign returns Buy for a strictly positive ttd, Sell otherwise.
// Callers must not invoke it for a zero ttd.
func sideForSign(ttd decimal.Decimal) types.OrderSide {
	if ttd.IsPositive() {
		return types.Buy
	}
	return types.Sell
}

// ProcessIntents walks every intent row in insertion order, applying
// the target/existing-order/ttd decision table (spec §4.3), then clears
// every target field.
func (b *Book) ProcessIntents(ts time.Time) error {
	b.mu.Lock()
	keys := append([]types.Key(nil), b.intentKeys...)
	b.mu.Unlock()

	for _, key := range keys {
		b.mu.Lock()
		row := b.intents[key]
		b.mu.Unlock()
		if err := b.processIntentRow(key, row, ts); err != nil {
			return err
		}
	}

	b.mu.Lock()
	for _, row := range b.intents {
		row.Target = nil
	}
	b.mu.Unlock()
	return nil
}

func (b *Book) processIntentRow(key types.Key, row *intentRow, ts time.Time) error {
	var existing *order.Order
	if row.OrderUUID != nil {
		o, err := b.orders.Order(*row.OrderUUID)
		if err != nil {
			row.OrderUUID = nil
		} else {
			existing = o
		}
	}
	existingOpen := existing != nil && !existing.Closed

	if row.Target == nil {
		if existingOpen {
			return b.cancelRequest(existing, row, ts)
		}
		return nil
	}

	target := *row.Target
	actual := b.positions.GetValue(key)
	ttd := target.Sub(actual)

	if !existingOpen {
		if ttd.IsZero() {
			return nil
		}
		return b.newOrder(key, row, ttd, ts)
	}

	sameSign := existing.Side == sideForSign(ttd)
	if !sameSign {
		if err := b.cancelRequest(existing, row, ts); err != nil {
			return err
		}
		if ttd.IsZero() {
			return nil
		}
		return b.newOrder(key, row, ttd, ts)
	}

	if ttd.IsZero() {
		return b.cancelRequest(existing, row, ts)
	}
	filled := existing.Fill.TotalQuantity
	newQty := ttd.Abs().Add(filled)
	bar := b.marketData.LastValidBar(key.ProductType, key.Symbol, b.liveFreq)
	return b.orders.ReplaceOrder(existing, &newQty, order.LimitDetails{Price: bar.CloseValue()}, ts)
}

func (b *Book) cancelRequest(o *order.Order, row *intentRow, ts time.Time) error {
	if err := b.orders.ChangeState(o, order.CancelRequested, ts); err != nil {
		return err
	}
	row.OrderUUID = nil
	return nil
}

func (b *Book) newOrder(key types.Key, row *intentRow, ttd decimal.Decimal, ts time.Time) error {
	strategy := b.findStrategy(key.StrategyID)
	if strategy == nil || !strategy.HasSymbol(key.ProductType, key.Symbol) {
		return fmt.Errorf("portfolio %s: %s/%s: %w", b.id, key.ProductType, key.Symbol, tradeerr.ErrNotRegistered)
	}

	bar := b.marketData.LastValidBar(key.ProductType, key.Symbol, b.liveFreq)
	side := sideForSign(ttd)
	qty := ttd.Abs()

	originatorID := fmt.Sprintf("portfolio.%s", b.id)
	o := order.New(originatorID, b.uuid, key.StrategyID, strategy.UUID(), key.ProductType, key.Symbol, side, qty, bar.CloseValue(), ts)
	if err := b.orders.New(o); err != nil {
		return err
	}
	if err := b.orders.AddPortfolio(o, b.id, b.uuid); err != nil {
		return err
	}
	// Portfolio-originated orders are intent-driven, not strategy-driven,
	// so they skip ProcessOrders' CREATED->STAGED staging loop (that loop
	// only claims strategy-originated orders) and go straight to STAGED
	// so Risk sees them later this same bar.
	if err := b.orders.ChangeState(o, order.Staged, ts); err != nil {
		return err
	}
	row.OrderUUID = &o.UUID
	return nil
}

// ProcessOrders runs ProcessIntents, then stages every CREATED order
// originated by an attached strategy (spec §4.3).
func (b *Book) ProcessOrders(ts time.Time) error {
	if err := b.ProcessIntents(ts); err != nil {
		return err
	}

	b.mu.Lock()
	strategies := append([]Strategy(nil), b.strategies...)
	b.mu.Unlock()

	sort.Slice(strategies, func(i, j int) bool { return strategies[i].ID() < strategies[j].ID() })
	for _, s := range strategies {
		originatorID := "strategy." + s.ID()
		for _, o := range b.orders.OrdersList(order.Filter{OriginatorIDs: []string{originatorID}, States: []order.State{order.Created}}) {
			if err := b.orders.ChangeState(o, order.Staged, ts); err != nil {
				return err
			}
			if err := b.orders.AddPortfolio(o, b.id, b.uuid); err != nil {
				return err
			}
		}
	}
	return nil
}
