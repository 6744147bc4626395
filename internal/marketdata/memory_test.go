package marketdata_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/marketdata"
	"github.com/atlas-quant/barengine/pkg/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
func dp(f float64) *decimal.Decimal { v := decimal.NewFromFloat(f); return &v }

func TestBarAndCurrentBarLookup(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	md.AddSymbols("stock", []string{"X"}, "1m")

	t1 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	md.SeedBar("stock", "X", "1m", types.Bar{Datetime: t1, Close: dp(100), Valid: true})
	md.SeedBar("stock", "X", "1m", types.Bar{Datetime: t2, Close: dp(101), Valid: true})

	if err := md.SetBartime(t1); err != nil {
		t.Fatalf("set bartime: %v", err)
	}
	if got := md.CurrentBar("stock", "X", "1m"); !got.Close.Equal(d(100)) {
		t.Fatalf("expected close 100 at t1, got %s", got.Close)
	}
	if got := md.Bar("stock", "X", "1m", t2); !got.Close.Equal(d(101)) {
		t.Fatalf("expected close 101 at t2, got %s", got.Close)
	}
	if got := md.Bar("stock", "X", "1m", t2.Add(time.Hour)); got.Valid {
		t.Fatalf("expected Valid=false for a timestamp with no bar, got %+v", got)
	}
}

func TestSetBartimeRejectsRegression(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	t1 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	if err := md.SetBartime(t1); err != nil {
		t.Fatalf("set bartime: %v", err)
	}
	if err := md.SetBartime(t1.Add(-time.Minute)); err == nil {
		t.Fatal("expected an error on bartime regression")
	}
	if md.Bartime() != t1 {
		t.Fatalf("expected bartime to remain %v after rejected regression, got %v", t1, md.Bartime())
	}
}

func TestLastValidBarSkipsInvalidBars(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	t1 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)
	md.SeedBar("stock", "X", "1m", types.Bar{Datetime: t1, Close: dp(100), Valid: true})
	md.SeedBar("stock", "X", "1m", types.Bar{Datetime: t2, Valid: false})
	md.SeedBar("stock", "X", "1m", types.Bar{Datetime: t3, Valid: false})

	if err := md.SetBartime(t3); err != nil {
		t.Fatalf("set bartime: %v", err)
	}
	got := md.LastValidBar("stock", "X", "1m")
	if !got.Valid || !got.Close.Equal(d(100)) {
		t.Fatalf("expected to fall back to the bar at t1, got %+v", got)
	}
}

func TestViewReturnsBarsUpToBartime(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	t1 := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)
	md.SeedBar("stock", "X", "1m", types.Bar{Datetime: t1, Close: dp(100), Valid: true})
	md.SeedBar("stock", "X", "1m", types.Bar{Datetime: t2, Close: dp(101), Valid: true})
	md.SeedBar("stock", "X", "1m", types.Bar{Datetime: t3, Close: dp(102), Valid: true})

	if err := md.SetBartime(t2); err != nil {
		t.Fatalf("set bartime: %v", err)
	}
	view := md.View("stock", "X", "1m")
	if len(view) != 2 {
		t.Fatalf("expected 2 bars at or before t2, got %d", len(view))
	}
	if !view[len(view)-1].Close.Equal(d(101)) {
		t.Fatalf("expected last bar in view to be at t2, got close %s", view[len(view)-1].Close)
	}
}

func TestExtendCarriesLastBarForwardAtBartime(t *testing.T) {
	md := marketdata.New(zap.NewNop())
	md.AddSymbols("stock", []string{"X"}, types.Daily)

	t1 := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	md.SeedBar("stock", "X", types.Daily, types.Bar{Datetime: t1, Close: dp(100), Valid: true})

	t2 := t1.AddDate(0, 0, 1)
	if err := md.SetBartime(t2); err != nil {
		t.Fatalf("set bartime: %v", err)
	}
	if err := md.Extend("stock", types.Daily); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if got := md.CurrentBar("stock", "X", types.Daily); !got.Close.Equal(d(100)) {
		t.Fatalf("expected extended bar to carry the prior close forward, got %s", got.Close)
	}
}
