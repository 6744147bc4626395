package portfolio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/internal/portfolio"
	"github.com/atlas-quant/barengine/pkg/tradeerr"
	"github.com/atlas-quant/barengine/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
func dp(f float64) *decimal.Decimal { v := decimal.NewFromFloat(f); return &v }

type fakeStore struct{}

func (fakeStore) InsertOrders(context.Context, string, time.Time, []types.OrderSnapshot) error {
	return nil
}
func (fakeStore) InsertPositionsSnapshot(context.Context, string, time.Time, []types.PositionSnapshot) error {
	return nil
}
func (fakeStore) InsertPositions(context.Context, string, []types.PositionRow) error { return nil }
func (fakeStore) GetPositions(context.Context, string, *time.Time) ([]types.PositionRow, error) {
	return nil, nil
}
func (fakeStore) MaxDatetime(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

type fakePositions struct{ values map[types.Key]decimal.Decimal }

func (f fakePositions) GetValue(key types.Key) decimal.Decimal {
	if v, ok := f.values[key]; ok {
		return v
	}
	return decimal.Zero
}

type fakeMarketData struct{ close decimal.Decimal }

func (f fakeMarketData) AddSymbols(types.ProductType, []string, types.Frequency) {}
func (f fakeMarketData) Update(types.ProductType, types.Frequency, ...string) error { return nil }
func (f fakeMarketData) Extend(types.ProductType, types.Frequency) error            { return nil }
func (f fakeMarketData) Bar(types.ProductType, string, types.Frequency, time.Time) types.Bar {
	return types.Bar{Close: &f.close, Valid: true}
}
func (f fakeMarketData) CurrentBar(types.ProductType, string, types.Frequency) types.Bar {
	return types.Bar{Close: &f.close, Valid: true}
}
func (f fakeMarketData) LastValidBar(types.ProductType, string, types.Frequency) types.Bar {
	return types.Bar{Close: &f.close, Valid: true}
}
func (f fakeMarketData) View(types.ProductType, string, types.Frequency) []types.Bar { return nil }
func (f fakeMarketData) Bartime() time.Time                                         { return time.Time{} }
func (f fakeMarketData) SetBartime(time.Time) error                                 { return nil }

type fakeStrategy struct {
	id      string
	uuid    uuid.UUID
	symbols map[string]bool
}

func newFakeStrategy(id string, symbols ...string) *fakeStrategy {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &fakeStrategy{id: id, uuid: uuid.New(), symbols: set}
}

func (s *fakeStrategy) ID() string      { return s.id }
func (s *fakeStrategy) UUID() uuid.UUID { return s.uuid }
func (s *fakeStrategy) HasSymbol(_ types.ProductType, symbol string) bool { return s.symbols[symbol] }

func setup(closePrice float64) (*order.Manager, *portfolio.Book, *fakePositions) {
	om := order.NewManager(zap.NewNop(), fakeStore{}, "src")
	positions := &fakePositions{values: make(map[types.Key]decimal.Decimal)}
	md := fakeMarketData{close: d(closePrice)}
	book := portfolio.New(zap.NewNop(), om, positions, md, "p1", types.Frequency("1m"))
	return om, book, positions
}

func TestNoIntentNoExistingOrderIsNoOp(t *testing.T) {
	om, book, _ := setup(100)
	s := newFakeStrategy("s1", "X")
	book.AddStrategy(s)

	if err := book.ProcessIntents(time.Now().UTC()); err != nil {
		t.Fatalf("process intents: %v", err)
	}
	if len(om.OrdersList(order.Filter{})) != 0 {
		t.Fatal("expected no orders created")
	}
}

func TestNewIntentCreatesOrder(t *testing.T) {
	om, book, _ := setup(100)
	s := newFakeStrategy("s1", "X")
	book.AddStrategy(s)
	book.SetIntent("s1", "stock", "X", d(10))

	now := time.Now().UTC()
	if err := book.ProcessIntents(now); err != nil {
		t.Fatalf("process intents: %v", err)
	}
	orders := om.OrdersList(order.Filter{})
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	o := orders[0]
	if o.Side != types.Buy || !o.Quantity.Equal(d(10)) {
		t.Fatalf("expected buy 10, got side=%s qty=%s", o.Side, o.Quantity)
	}
	if !o.Details.Price.Equal(d(100)) {
		t.Fatalf("expected price 100, got %s", o.Details.Price)
	}

	// Target cleared after processing.
	if _, ok := book.GetIntent("s1", "stock", "X"); ok {
		t.Fatal("expected target to be cleared after ProcessIntents")
	}
}

func TestIntentForUnregisteredSymbolFails(t *testing.T) {
	_, book, _ := setup(100)
	s := newFakeStrategy("s1") // no symbols registered
	book.AddStrategy(s)
	book.SetIntent("s1", "stock", "X", d(10))

	err := book.ProcessIntents(time.Now().UTC())
	if !errors.Is(err, tradeerr.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestAbsentTargetCancelsOpenExistingOrder(t *testing.T) {
	om, book, _ := setup(100)
	s := newFakeStrategy("s1", "X")
	book.AddStrategy(s)
	book.SetIntent("s1", "stock", "X", d(10))
	now := time.Now().UTC()
	if err := book.ProcessIntents(now); err != nil {
		t.Fatalf("first process: %v", err)
	}

	// No new intent set -> target is absent now.
	if err := book.ProcessIntents(now); err != nil {
		t.Fatalf("second process: %v", err)
	}
	orders := om.OrdersList(order.Filter{})
	if len(orders) != 1 || orders[0].State != order.CancelRequested {
		t.Fatalf("expected existing order cancel-requested, got %v", orders)
	}
}

func TestSameSignReplacesExistingOrder(t *testing.T) {
	om, book, positions := setup(100)
	s := newFakeStrategy("s1", "X")
	book.AddStrategy(s)
	book.SetIntent("s1", "stock", "X", d(10))
	now := time.Now().UTC()
	_ = book.ProcessIntents(now)

	// Position hasn't moved; raise the target so ttd stays positive (buy).
	positions.values[types.Key{StrategyID: "s1", ProductType: "stock", Symbol: "X"}] = d(0)
	book.SetIntent("s1", "stock", "X", d(25))
	if err := book.ProcessIntents(now); err != nil {
		t.Fatalf("process: %v", err)
	}

	orders := om.OrdersList(order.Filter{})
	if len(orders) != 1 {
		t.Fatalf("expected the same order reused via replace, got %d orders", len(orders))
	}
	if orders[0].State != order.ReplaceRequested {
		t.Fatalf("expected REPLACE_REQUESTED, got %s", orders[0].State)
	}
	last := orders[0].Replaces[len(orders[0].Replaces)-1]
	if last.Quantity == nil || !last.Quantity.Equal(d(25)) {
		t.Fatalf("expected replace quantity 25, got %v", last.Quantity)
	}
}

func TestOppositeSignCancelsThenIssuesNewOrder(t *testing.T) {
	om, book, positions := setup(100)
	s := newFakeStrategy("s1", "X")
	book.AddStrategy(s)
	book.SetIntent("s1", "stock", "X", d(10))
	now := time.Now().UTC()
	_ = book.ProcessIntents(now)
	firstOrderID := om.OrdersList(order.Filter{})[0].UUID

	// Position caught up to +10 via a simulated fill, now target flips negative.
	positions.values[types.Key{StrategyID: "s1", ProductType: "stock", Symbol: "X"}] = d(10)
	book.SetIntent("s1", "stock", "X", d(-5))
	if err := book.ProcessIntents(now); err != nil {
		t.Fatalf("process: %v", err)
	}

	orders := om.OrdersList(order.Filter{})
	if len(orders) != 2 {
		t.Fatalf("expected original order cancel-requested plus a new sell order, got %d", len(orders))
	}
	var original, fresh *order.Order
	for _, o := range orders {
		if o.UUID == firstOrderID {
			original = o
		} else {
			fresh = o
		}
	}
	if original.State != order.CancelRequested {
		t.Fatalf("expected original order cancel-requested, got %s", original.State)
	}
	if fresh.Side != types.Sell || !fresh.Quantity.Equal(d(15)) {
		t.Fatalf("expected new sell order for 15, got side=%s qty=%s", fresh.Side, fresh.Quantity)
	}
}

func TestProcessOrdersStagesCreatedOrders(t *testing.T) {
	om, book, _ := setup(100)
	s := newFakeStrategy("s1", "X")
	book.AddStrategy(s)

	now := time.Now().UTC()
	o := order.New("strategy.s1", uuid.New(), "s1", s.UUID(), "stock", "X", types.Buy, d(5), d(50), now)
	if err := om.New(o); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := book.ProcessOrders(now); err != nil {
		t.Fatalf("process orders: %v", err)
	}
	if o.State != order.Staged {
		t.Fatalf("expected STAGED, got %s", o.State)
	}
	if o.PortfolioID != "p1" {
		t.Fatalf("expected portfolio id stamped, got %q", o.PortfolioID)
	}
}
