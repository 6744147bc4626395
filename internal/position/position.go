// Package position implements the PositionManager: position rows keyed
// by (strategyId, productType, symbol), trade booking, and PnL (spec
// §4.4).
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/pkg/ports"
	"github.com/atlas-quant/barengine/pkg/tradeerr"
	"github.com/atlas-quant/barengine/pkg/types"
)

// Trade is one booked fill, assigned a monotonically increasing id.
type Trade struct {
	TradeID     uint64
	Originator  string
	StrategyID  string
	Bartime     time.Time
	ProductType types.ProductType
	Symbol      string
	Side        types.OrderSide
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Extras      map[string]any
}

// Row is one position row's running accumulators and PnL (spec §4.4).
type Row struct {
	Key types.Key

	StartPosition   decimal.Decimal
	CurrentPosition decimal.Decimal
	BuyQuantity     decimal.Decimal
	SellQuantity    decimal.Decimal
	BuyAvgPrice     decimal.Decimal
	SellAvgPrice    decimal.Decimal
	Commission      decimal.Decimal

	PriorClosePrice decimal.Decimal
	CurrentPrice    decimal.Decimal

	BuyPnL      decimal.Decimal
	SellPnL     decimal.Decimal
	TradePnL    decimal.Decimal
	PositionPnL decimal.Decimal
	GrossPnL    decimal.Decimal
	NetPnL      decimal.Decimal
}

// NetQuantity is buyQuantity - sellQuantity (spec §4.4).
func (r Row) NetQuantity() decimal.Decimal {
	return r.BuyQuantity.Sub(r.SellQuantity)
}

func (r Row) snapshot() types.PositionSnapshot {
	return types.PositionSnapshot{
		StrategyID:      r.Key.StrategyID,
		ProductType:     r.Key.ProductType,
		Symbol:          r.Key.Symbol,
		CurrentPosition: r.CurrentPosition,
		StartPosition:   r.StartPosition,
		NetQuantity:     r.NetQuantity(),
		BuyQuantity:     r.BuyQuantity,
		SellQuantity:    r.SellQuantity,
		BuyAvgPrice:     r.BuyAvgPrice,
		SellAvgPrice:    r.SellAvgPrice,
		BuyPnL:          r.BuyPnL,
		SellPnL:         r.SellPnL,
		TradePnL:        r.TradePnL,
		PositionPnL:     r.PositionPnL,
		GrossPnL:        r.GrossPnL,
		Commission:      r.Commission,
		NetPnL:          r.NetPnL,
		PriorClosePrice: r.PriorClosePrice,
		CurrentPrice:    r.CurrentPrice,
	}
}

// namedMetric preserves EOD metric insertion order (spec §4.4).
type namedMetric struct {
	name   string
	metric ports.Metric
}

// Manager is the PositionManager.
type Manager struct {
	mu sync.RWMutex

	logger      *zap.Logger
	store       ports.Store
	marketData  ports.MarketData
	orders      *order.Manager
	sourceID    string
	liveFreq    types.Frequency

	rows  map[types.Key]*Row
	keys  []types.Key // insertion order
	newTrades []Trade
	nextTradeID uint64

	metrics []namedMetric
}

// New creates a PositionManager.
func New(logger *zap.Logger, store ports.Store, marketData ports.MarketData, orders *order.Manager, sourceID string, liveFreq types.Frequency) *Manager {
	return &Manager{
		logger:     logger.Named("position-manager"),
		store:      store,
		marketData: marketData,
		orders:     orders,
		sourceID:   sourceID,
		liveFreq:   liveFreq,
		rows:       make(map[types.Key]*Row),
	}
}

// AddMetric registers an EOD metric under name, preserving insertion
// order for calculateEodMetrics's ordered invocation.
func (m *Manager) AddMetric(name string, metric ports.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, namedMetric{name: name, metric: metric})
}

func (m *Manager) row(key types.Key) *Row {
	r, ok := m.rows[key]
	if !ok {
		r = &Row{Key: key}
		m.rows[key] = r
		m.keys = append(m.keys, key)
	}
	return r
}

// GetValue returns the row's currentPosition, or zero if the row does
// not exist (spec §4.3 "actual = positionManager.GetValue(...)").
func (m *Manager) GetValue(key types.Key) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[key]
	if !ok {
		return decimal.Zero
	}
	return r.CurrentPosition
}

// EnterTrade books one trade: assigns a monotonic trade id, converts
// bartime to UTC, and folds it into the row's accumulators.
func (m *Manager) EnterTrade(originator, strategyID string, bartime time.Time, productType types.ProductType, symbol string, side types.OrderSide, qty, price decimal.Decimal, extras map[string]any) (Trade, error) {
	if side != types.Buy && side != types.Sell {
		return Trade{}, fmt.Errorf("enter trade: side %q: %w", side, tradeerr.ErrUnsupported)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTradeID++
	trade := Trade{
		TradeID:     m.nextTradeID,
		Originator:  originator,
		StrategyID:  strategyID,
		Bartime:     bartime.UTC(),
		ProductType: productType,
		Symbol:      symbol,
		Side:        side,
		Quantity:    qty,
		Price:       price,
		Extras:      extras,
	}
	m.newTrades = append(m.newTrades, trade)
	m.updatePositionRowLocked(trade)
	return trade, nil
}

// updatePositionRowLocked accumulates buy/sell quantity and VWAP
// average price, and recomputes currentPosition (spec §4.4).
func (m *Manager) updatePositionRowLocked(trade Trade) {
	key := types.Key{StrategyID: trade.StrategyID, ProductType: trade.ProductType, Symbol: trade.Symbol}
	r := m.row(key)

	switch trade.Side {
	case types.Buy:
		totalValue := r.BuyAvgPrice.Mul(r.BuyQuantity).Add(trade.Price.Mul(trade.Quantity))
		r.BuyQuantity = r.BuyQuantity.Add(trade.Quantity)
		if !r.BuyQuantity.IsZero() {
			r.BuyAvgPrice = totalValue.Div(r.BuyQuantity)
		}
	case types.Sell:
		totalValue := r.SellAvgPrice.Mul(r.SellQuantity).Add(trade.Price.Mul(trade.Quantity))
		r.SellQuantity = r.SellQuantity.Add(trade.Quantity)
		if !r.SellQuantity.IsZero() {
			r.SellAvgPrice = totalValue.Div(r.SellQuantity)
		}
	}
	r.CurrentPosition = r.StartPosition.Add(r.NetQuantity())
}

// EnterTradeFromOrder books one trade per unbooked fill on o, in
// ascending order, marking each fill and (if the order is now FILLED)
// the order itself closed (spec §4.4).
func (m *Manager) EnterTradeFromOrder(o *order.Order) error {
	for i := range o.Fills {
		f := &o.Fills[i]
		if f.Booked {
			continue
		}
		extras := map[string]any{"fill_id": f.FillID, "commission": f.Commission}
		if _, err := m.EnterTrade(o.OriginatorID, o.StrategyID, f.Bartime, o.ProductType, o.Symbol, o.Side, f.Quantity, f.Price, extras); err != nil {
			return err
		}
		f.Booked = true
	}
	m.orders.SetBooked(o, true)
	if o.State == order.Filled {
		return m.orders.CloseOrder(o)
	}
	return nil
}

// BookFills books every unbooked fill across ToBeBookedList, returning
// the orders booked this call grouped by originator id, in the order
// they were booked.
func (m *Manager) BookFills() (map[string][]*order.Order, error) {
	booked := make(map[string][]*order.Order)
	for _, o := range m.orders.ToBeBookedList() {
		if err := m.EnterTradeFromOrder(o); err != nil {
			return nil, err
		}
		booked[o.OriginatorID] = append(booked[o.OriginatorID], o)
	}
	return booked, nil
}

// sortedKeys returns the manager's row keys in a stable lexicographic
// order (strategyId, productType, symbol), for deterministic iteration
// independent of map/insertion order.
func (m *Manager) sortedKeys() []types.Key {
	out := make([]types.Key, len(m.keys))
	copy(out, m.keys)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StrategyID != b.StrategyID {
			return a.StrategyID < b.StrategyID
		}
		if a.ProductType != b.ProductType {
			return a.ProductType < b.ProductType
		}
		return a.Symbol < b.Symbol
	})
	return out
}

// UpdatePnL is a no-op on an empty book; otherwise it fills in missing
// prior closes, refreshes current prices, and recalculates PnL for
// every row (spec §4.4).
func (m *Manager) UpdatePnL(ctx context.Context) error {
	m.mu.Lock()
	empty := len(m.keys) == 0
	m.mu.Unlock()
	if empty {
		return nil
	}
	if err := m.InitializePriorClose(); err != nil {
		return err
	}
	if err := m.UpdateCurrentPrices(ctx); err != nil {
		return err
	}
	m.calculatePnL()
	return nil
}

// InitializePriorClose fills in any row's missing priorClosePrice from
// the daily series' most recent valid close at or before Bartime.
func (m *Manager) InitializePriorClose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		r := m.rows[key]
		if !r.PriorClosePrice.IsZero() {
			continue
		}
		m.marketData.AddSymbols(key.ProductType, []string{key.Symbol}, types.Daily)
		if err := m.marketData.Update(key.ProductType, types.Daily, key.Symbol); err != nil {
			return fmt.Errorf("initialize prior close for %s/%s: %w", key.ProductType, key.Symbol, err)
		}
		// The live-frequency series must also be registered and current
		// (spec §4.4), even though this method only reads the daily one.
		m.marketData.AddSymbols(key.ProductType, []string{key.Symbol}, m.liveFreq)
		if err := m.marketData.Update(key.ProductType, m.liveFreq, key.Symbol); err != nil {
			return fmt.Errorf("initialize live series for %s/%s: %w", key.ProductType, key.Symbol, err)
		}
		bar := m.marketData.LastValidBar(key.ProductType, key.Symbol, types.Daily)
		if bar.Valid {
			r.PriorClosePrice = bar.CloseValue()
		}
	}
	return nil
}

// UpdateCurrentPrices refreshes every row's currentPrice from the
// live-frequency series' last valid close. Every row's price is fetched
// in its own goroutine, all joined before any row is updated (spec §5's
// one permitted parallel section).
func (m *Manager) UpdateCurrentPrices(ctx context.Context) error {
	m.mu.Lock()
	keys := append([]types.Key(nil), m.keys...)
	m.mu.Unlock()

	prices := make([]decimal.Decimal, len(keys))
	g, _ := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			bar := m.marketData.LastValidBar(key.ProductType, key.Symbol, m.liveFreq)
			if bar.Valid {
				prices[i] = bar.CloseValue()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, key := range keys {
		if !prices[i].IsZero() {
			m.rows[key].CurrentPrice = prices[i]
		}
	}
	return nil
}

// InsertTodayClose overwrites currentPrice with the 1D current bar's
// close, for EOD rollover.
func (m *Manager) InsertTodayClose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		bar := m.marketData.CurrentBar(key.ProductType, key.Symbol, types.Daily)
		if bar.Valid {
			m.rows[key].CurrentPrice = bar.CloseValue()
		}
	}
}

// calculatePnL applies the spec §4.4 PnL formulas to every row.
func (m *Manager) calculatePnL() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		r := m.rows[key]
		r.BuyPnL = r.BuyQuantity.Mul(r.PriorClosePrice.Sub(r.BuyAvgPrice))
		r.SellPnL = r.SellQuantity.Mul(r.SellAvgPrice.Sub(r.PriorClosePrice))
		r.TradePnL = r.BuyPnL.Add(r.SellPnL)
		r.PositionPnL = r.CurrentPosition.Mul(r.CurrentPrice.Sub(r.PriorClosePrice))
		r.GrossPnL = r.TradePnL.Add(r.PositionPnL)
		r.NetPnL = r.GrossPnL.Add(r.Commission)
	}
}

// calculateEodMetrics invokes every registered metric, in insertion
// order, at ts.
func (m *Manager) calculateEodMetrics(ts time.Time) error {
	m.mu.RLock()
	metrics := append([]namedMetric(nil), m.metrics...)
	m.mu.RUnlock()
	for _, nm := range metrics {
		if err := nm.metric.Calculate(ts); err != nil {
			return fmt.Errorf("metric %q: %w", nm.name, err)
		}
	}
	return nil
}

// snapshotRows returns a copy of every row's stable projection, ordered
// lexicographically by key.
func (m *Manager) snapshotRows() []types.PositionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeys()
	out := make([]types.PositionSnapshot, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.rows[key].snapshot())
	}
	return out
}

// savePositions persists one long-form row per position, at ts.
func (m *Manager) savePositions(ctx context.Context, ts time.Time) error {
	m.mu.RLock()
	keys := m.sortedKeys()
	rows := make([]types.PositionRow, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, types.PositionRow{
			StrategyID:  key.StrategyID,
			ProductType: key.ProductType,
			Symbol:      key.Symbol,
			Datetime:    ts,
			Position:    m.rows[key].CurrentPosition,
		})
	}
	m.mu.RUnlock()
	return m.store.InsertPositions(ctx, m.sourceID, rows)
}

func (m *Manager) savePositionsSnapshot(ctx context.Context, ts time.Time) error {
	return m.store.InsertPositionsSnapshot(ctx, m.sourceID, ts, m.snapshotRows())
}

// BeginOfDay replaces the book with the last saved position per
// (strategy, productType, symbol), dropping rows whose stored position
// is zero, and fills in each row's prior close.
func (m *Manager) BeginOfDay(ctx context.Context) error {
	ts, ok, err := m.store.MaxDatetime(ctx, m.sourceID)
	if err != nil {
		return fmt.Errorf("begin of day: %w", err)
	}
	if !ok {
		return nil
	}
	stored, err := m.store.GetPositions(ctx, m.sourceID, &ts)
	if err != nil {
		return fmt.Errorf("begin of day: load positions: %w", err)
	}

	m.mu.Lock()
	m.rows = make(map[types.Key]*Row)
	m.keys = nil
	for _, row := range stored {
		if row.Position.IsZero() {
			continue
		}
		key := types.Key{StrategyID: row.StrategyID, ProductType: row.ProductType, Symbol: row.Symbol}
		r := m.row(key)
		r.StartPosition = row.Position
		r.CurrentPosition = row.Position
	}
	m.mu.Unlock()

	return m.InitializePriorClose()
}

// EndOfDay rolls the book forward: if non-empty, overwrites
// currentPrice with the day's close, recalculates PnL, runs the
// registered EOD metrics in order, and persists both the long-form
// positions and the snapshot; the snapshot is always persisted even
// when the book is empty (spec §4.4).
func (m *Manager) EndOfDay(ctx context.Context, ts time.Time) error {
	m.mu.Lock()
	empty := len(m.keys) == 0
	m.mu.Unlock()

	if !empty {
		m.InsertTodayClose()
		m.calculatePnL()
		if err := m.calculateEodMetrics(ts); err != nil {
			return err
		}
		if err := m.savePositions(ctx, ts); err != nil {
			return err
		}
	}
	return m.savePositionsSnapshot(ctx, ts)
}

// Stop persists the current book: refresh PnL, save positions if
// non-empty, always save the snapshot, then run the EOD metrics.
func (m *Manager) Stop(ctx context.Context, ts time.Time) error {
	if err := m.UpdatePnL(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	empty := len(m.keys) == 0
	m.mu.Unlock()
	if !empty {
		if err := m.savePositions(ctx, ts); err != nil {
			return err
		}
	}
	if err := m.savePositionsSnapshot(ctx, ts); err != nil {
		return err
	}
	return m.calculateEodMetrics(ts)
}

// Rows returns a copy of every row's stable projection, for the admin
// surface.
func (m *Manager) Rows() []types.PositionSnapshot { return m.snapshotRows() }
