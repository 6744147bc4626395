package order_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/pkg/tradeerr"
	"github.com/atlas-quant/barengine/pkg/types"
)

type fakeStore struct {
	orderSnapshots []types.OrderSnapshot
}

func (f *fakeStore) InsertOrders(_ context.Context, _ string, _ time.Time, snapshot []types.OrderSnapshot) error {
	f.orderSnapshots = snapshot
	return nil
}
func (f *fakeStore) InsertPositionsSnapshot(context.Context, string, time.Time, []types.PositionSnapshot) error {
	return nil
}
func (f *fakeStore) InsertPositions(context.Context, string, []types.PositionRow) error { return nil }
func (f *fakeStore) GetPositions(context.Context, string, *time.Time) ([]types.PositionRow, error) {
	return nil, nil
}
func (f *fakeStore) MaxDatetime(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func newTestOrder() *order.Order {
	return order.New("strategy.s1", uuid.New(), "s1", uuid.New(), "stock", "X", types.Buy, decimal.NewFromInt(100), decimal.NewFromFloat(15), time.Now().UTC())
}

func TestNewDuplicateOrder(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o := newTestOrder()
	if err := m.New(o); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.New(o); err == nil {
		t.Fatal("expected duplicate order error")
	}
}

func TestChangeStateLegalPath(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o := newTestOrder()
	_ = m.New(o)

	now := time.Now().UTC()
	steps := []order.State{order.Staged, order.RiskAccepted, order.Sent, order.Live}
	for _, s := range steps {
		if err := m.ChangeState(o, s, now); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if o.State != order.Live {
		t.Fatalf("expected LIVE, got %s", o.State)
	}
	if len(o.StateHistory) != 5 { // CREATED + 4 steps
		t.Fatalf("expected 5 state history entries, got %d", len(o.StateHistory))
	}
}

func TestChangeStateNoOp(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o := newTestOrder()
	_ = m.New(o)
	before := len(o.StateHistory)
	if err := m.ChangeState(o, order.Created, time.Now().UTC()); err != nil {
		t.Fatalf("no-op transition should not error: %v", err)
	}
	if len(o.StateHistory) != before {
		t.Fatalf("no-op transition should not append history")
	}
}

func TestChangeStateIllegal(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o := newTestOrder()
	_ = m.New(o)
	// CREATED -> LIVE is not reachable in one step.
	err := m.ChangeState(o, order.Live, time.Now().UTC())
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	if !errors.Is(err, tradeerr.ErrIllegalStateTransition) {
		t.Fatalf("expected ErrIllegalStateTransition, got %v", err)
	}
}

func TestClosedOrderIsImmutable(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o := newTestOrder()
	_ = m.New(o)
	now := time.Now().UTC()
	_ = m.ChangeState(o, order.RiskRejected, now)
	if err := m.CloseOrder(o); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.ChangeState(o, order.Staged, now); err == nil {
		t.Fatal("expected transition out of closed state to fail")
	}
}

func TestCloseOrderRequiresClosedState(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o := newTestOrder()
	_ = m.New(o)
	if err := m.CloseOrder(o); err == nil {
		t.Fatal("expected ErrNotClosedState")
	}
}

func TestReplaceOnClosedOrderIsNoOp(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o := newTestOrder()
	_ = m.New(o)
	now := time.Now().UTC()
	_ = m.ChangeState(o, order.RiskRejected, now)
	_ = m.CloseOrder(o)

	price := decimal.NewFromInt(40)
	if err := m.ReplaceOrder(o, &price, order.LimitDetails{Price: price}, now); err != nil {
		t.Fatalf("replace on closed order should be a no-op, not an error: %v", err)
	}
	if o.State != order.RiskRejected {
		t.Fatalf("state should be unchanged, got %s", o.State)
	}
}

func TestToBeBookedListAndFilters(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o1 := newTestOrder()
	o2 := newTestOrder()
	_ = m.New(o1)
	_ = m.New(o2)

	now := time.Now().UTC()
	for _, s := range []order.State{order.Staged, order.RiskAccepted, order.Sent, order.Live, order.PartiallyFilled, order.Filled} {
		_ = m.ChangeState(o1, s, now)
	}
	if got := m.ToBeBookedList(); len(got) != 1 || got[0] != o1 {
		t.Fatalf("expected o1 in ToBeBookedList, got %v", got)
	}

	m.SetBooked(o1, true)
	if got := m.ToBeBookedList(); len(got) != 0 {
		t.Fatalf("expected empty ToBeBookedList after booking, got %v", got)
	}
}

func TestMarketStateUnknownFails(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	if _, err := m.MarketState("stock"); err == nil {
		t.Fatal("expected ErrUnknownMarket")
	}
	m.SetMarketState("stock", true)
	open, err := m.MarketState("stock")
	if err != nil || !open {
		t.Fatalf("expected open market state, got %v %v", open, err)
	}
}

func TestAddPortfolioWriteOnce(t *testing.T) {
	m := order.NewManager(zap.NewNop(), &fakeStore{}, "src")
	o := newTestOrder()
	_ = m.New(o)
	if err := m.AddPortfolio(o, "p1", uuid.New()); err != nil {
		t.Fatalf("first AddPortfolio: %v", err)
	}
	if err := m.AddPortfolio(o, "p2", uuid.New()); err == nil {
		t.Fatal("expected error on second AddPortfolio call")
	}
}

func TestEndOfDayClearsRegistryStopDoesNot(t *testing.T) {
	store := &fakeStore{}
	m := order.NewManager(zap.NewNop(), store, "src")
	o := newTestOrder()
	_ = m.New(o)

	if err := m.Stop(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(m.OrdersList(order.Filter{})) != 1 {
		t.Fatal("Stop must not clear the registry")
	}
	if len(store.orderSnapshots) != 1 {
		t.Fatal("Stop must persist a snapshot")
	}

	if err := m.EndOfDay(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("end of day: %v", err)
	}
	if len(m.OrdersList(order.Filter{})) != 0 {
		t.Fatal("EndOfDay must clear the registry")
	}
}
