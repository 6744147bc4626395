package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/internal/position"
	"github.com/atlas-quant/barengine/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
func dp(f float64) *decimal.Decimal { v := decimal.NewFromFloat(f); return &v }

type fakeStore struct {
	positionRows []types.PositionRow
	snapshots    []types.PositionSnapshot
	maxDatetime  time.Time
	hasMax       bool
}

func (f *fakeStore) InsertOrders(context.Context, string, time.Time, []types.OrderSnapshot) error {
	return nil
}
func (f *fakeStore) InsertPositionsSnapshot(_ context.Context, _ string, _ time.Time, snap []types.PositionSnapshot) error {
	f.snapshots = snap
	return nil
}
func (f *fakeStore) InsertPositions(_ context.Context, _ string, rows []types.PositionRow) error {
	f.positionRows = rows
	return nil
}
func (f *fakeStore) GetPositions(_ context.Context, _ string, _ *time.Time) ([]types.PositionRow, error) {
	return f.positionRows, nil
}
func (f *fakeStore) MaxDatetime(context.Context, string) (time.Time, bool, error) {
	return f.maxDatetime, f.hasMax, nil
}

type fakeMarketData struct {
	bars map[string]types.Bar // key: productType|symbol|frequency
}

func key(productType types.ProductType, symbol string, freq types.Frequency) string {
	return string(productType) + "|" + symbol + "|" + string(freq)
}

func newFakeMarketData() *fakeMarketData { return &fakeMarketData{bars: make(map[string]types.Bar)} }

func (f *fakeMarketData) set(productType types.ProductType, symbol string, freq types.Frequency, bar types.Bar) {
	f.bars[key(productType, symbol, freq)] = bar
}

func (f *fakeMarketData) AddSymbols(types.ProductType, []string, types.Frequency) {}
func (f *fakeMarketData) Update(types.ProductType, types.Frequency, ...string) error { return nil }
func (f *fakeMarketData) Extend(types.ProductType, types.Frequency) error            { return nil }
func (f *fakeMarketData) Bar(productType types.ProductType, symbol string, freq types.Frequency, _ time.Time) types.Bar {
	return f.bars[key(productType, symbol, freq)]
}
func (f *fakeMarketData) CurrentBar(productType types.ProductType, symbol string, freq types.Frequency) types.Bar {
	return f.bars[key(productType, symbol, freq)]
}
func (f *fakeMarketData) LastValidBar(productType types.ProductType, symbol string, freq types.Frequency) types.Bar {
	return f.bars[key(productType, symbol, freq)]
}
func (f *fakeMarketData) View(types.ProductType, string, types.Frequency) []types.Bar { return nil }
func (f *fakeMarketData) Bartime() time.Time                                         { return time.Time{} }
func (f *fakeMarketData) SetBartime(time.Time) error                                 { return nil }

func newManager() (*position.Manager, *fakeMarketData, *order.Manager) {
	md := newFakeMarketData()
	om := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	pm := position.New(zap.NewNop(), &fakeStore{}, md, om, "src", types.Frequency("1m"))
	return pm, md, om
}

func TestEnterTradeAccumulatesVWAPAndPosition(t *testing.T) {
	pm, _, _ := newManager()
	now := time.Now().UTC()

	if _, err := pm.EnterTrade("strategy.s1", "s1", now, "stock", "X", types.Buy, d(10), d(100), nil); err != nil {
		t.Fatalf("enter trade: %v", err)
	}
	if _, err := pm.EnterTrade("strategy.s1", "s1", now, "stock", "X", types.Buy, d(10), d(110), nil); err != nil {
		t.Fatalf("enter trade: %v", err)
	}

	key := types.Key{StrategyID: "s1", ProductType: "stock", Symbol: "X"}
	if got := pm.GetValue(key); !got.Equal(d(20)) {
		t.Fatalf("expected current position 20, got %s", got)
	}
}

func TestEnterTradeRejectsInvalidSide(t *testing.T) {
	pm, _, _ := newManager()
	if _, err := pm.EnterTrade("strategy.s1", "s1", time.Now().UTC(), "stock", "X", types.OrderSide("short"), d(1), d(1), nil); err == nil {
		t.Fatal("expected error for invalid side")
	}
}

func TestBookFillsMarksBookedAndClosesFilled(t *testing.T) {
	pm, _, om := newManager()
	now := time.Now().UTC()
	o := order.New("strategy.s1", uuid.New(), "s1", uuid.New(), "stock", "X", types.Buy, d(10), d(100), now)
	_ = om.New(o)
	_ = om.AddPortfolio(o, "p1", uuid.New())
	for _, s := range []order.State{order.Staged, order.RiskAccepted, order.Sent, order.Live} {
		_ = om.ChangeState(o, s, now)
	}
	om.AddFill(o, order.Fill{FillID: "1", Timestamp: now, Bartime: now, Quantity: d(10), Price: d(100), Commission: d(-0.1)})
	_ = om.ChangeState(o, order.Filled, now)

	booked, err := pm.BookFills()
	if err != nil {
		t.Fatalf("book fills: %v", err)
	}
	if len(booked["strategy.s1"]) != 1 {
		t.Fatalf("expected one order booked for strategy.s1, got %v", booked)
	}
	if !o.Fill.Booked {
		t.Fatal("expected order marked booked")
	}
	if !o.Closed {
		t.Fatal("expected FILLED order to be closed after booking")
	}
	if len(om.ToBeBookedList()) != 0 {
		t.Fatal("expected ToBeBookedList to be empty after booking")
	}
}

func TestUpdatePnLIsNoOpOnEmptyBook(t *testing.T) {
	pm, _, _ := newManager()
	if err := pm.UpdatePnL(context.Background()); err != nil {
		t.Fatalf("update pnl on empty book: %v", err)
	}
}

func TestCalculatePnLFormulas(t *testing.T) {
	pm, md, _ := newManager()
	now := time.Now().UTC()
	if _, err := pm.EnterTrade("strategy.s1", "s1", now, "stock", "X", types.Buy, d(10), d(95), nil); err != nil {
		t.Fatalf("enter trade: %v", err)
	}

	md.set("stock", "X", types.Daily, types.Bar{Close: dp(100), Valid: true})
	md.set("stock", "X", "1m", types.Bar{Close: dp(105), Valid: true})

	if err := pm.UpdatePnL(context.Background()); err != nil {
		t.Fatalf("update pnl: %v", err)
	}

	rows := pm.Rows()
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	r := rows[0]
	// buyPnL = 10 * (100 - 95) = 50
	if !r.BuyPnL.Equal(d(50)) {
		t.Fatalf("expected buyPnL 50, got %s", r.BuyPnL)
	}
	// positionPnL = 10 * (105 - 100) = 50
	if !r.PositionPnL.Equal(d(50)) {
		t.Fatalf("expected positionPnL 50, got %s", r.PositionPnL)
	}
	if !r.GrossPnL.Equal(d(100)) {
		t.Fatalf("expected grossPnL 100, got %s", r.GrossPnL)
	}
	if !r.NetPnL.Equal(d(100)) {
		t.Fatalf("expected netPnL 100 (zero commission), got %s", r.NetPnL)
	}
}

func TestBeginOfDayDropsZeroPositionsAndLoadsRest(t *testing.T) {
	store := &fakeStore{
		hasMax:      true,
		maxDatetime: time.Now().UTC(),
		positionRows: []types.PositionRow{
			{StrategyID: "s1", ProductType: "stock", Symbol: "X", Position: d(10)},
			{StrategyID: "s1", ProductType: "stock", Symbol: "Y", Position: d(0)},
		},
	}
	md := newFakeMarketData()
	md.set("stock", "X", types.Daily, types.Bar{Close: dp(50), Valid: true})
	om := order.NewManager(zap.NewNop(), store, "src")
	pm := position.New(zap.NewNop(), store, md, om, "src", types.Frequency("1m"))

	if err := pm.BeginOfDay(context.Background()); err != nil {
		t.Fatalf("begin of day: %v", err)
	}

	rows := pm.Rows()
	if len(rows) != 1 || rows[0].Symbol != "X" {
		t.Fatalf("expected only non-zero row X to survive, got %v", rows)
	}
	if !rows[0].StartPosition.Equal(d(10)) {
		t.Fatalf("expected start position 10, got %s", rows[0].StartPosition)
	}
}

func TestEndOfDayAlwaysSavesSnapshotEvenWhenEmpty(t *testing.T) {
	store := &fakeStore{}
	md := newFakeMarketData()
	om := order.NewManager(zap.NewNop(), store, "src")
	pm := position.New(zap.NewNop(), store, md, om, "src", types.Frequency("1m"))

	if err := pm.EndOfDay(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("end of day: %v", err)
	}
	if store.snapshots == nil {
		t.Fatal("expected a snapshot to be persisted even for an empty book")
	}
	if len(store.positionRows) != 0 {
		t.Fatal("expected no long-form rows persisted for an empty book")
	}
}
