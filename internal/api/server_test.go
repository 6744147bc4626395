// Package api_test provides tests for the admin HTTP/WebSocket surface.
package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/api"
	"github.com/atlas-quant/barengine/internal/events"
	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/internal/position"
	"github.com/atlas-quant/barengine/pkg/types"
)

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

type fakeMarketData struct{}

func (fakeMarketData) AddSymbols(types.ProductType, []string, types.Frequency)    {}
func (fakeMarketData) Update(types.ProductType, types.Frequency, ...string) error { return nil }
func (fakeMarketData) Extend(types.ProductType, types.Frequency) error            { return nil }
func (fakeMarketData) Bar(types.ProductType, string, types.Frequency, time.Time) types.Bar {
	return types.Bar{}
}
func (fakeMarketData) CurrentBar(types.ProductType, string, types.Frequency) types.Bar {
	return types.Bar{}
}
func (fakeMarketData) LastValidBar(types.ProductType, string, types.Frequency) types.Bar {
	return types.Bar{}
}
func (fakeMarketData) View(types.ProductType, string, types.Frequency) []types.Bar { return nil }
func (fakeMarketData) Bartime() time.Time                                         { return time.Time{} }
func (fakeMarketData) SetBartime(time.Time) error                                 { return nil }

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	om := order.NewManager(logger, fakeStore{}, "src")
	pm := position.New(logger, fakeStore{}, fakeMarketData{}, om, "src", types.Frequency("1m"))
	bus := events.NewBus(logger, events.DefaultConfig())
	t.Cleanup(bus.Stop)

	server := api.NewServer(logger, types.ServerConfig{Host: "localhost", Port: 0}, om, pm, bus)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return server, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", body["status"])
	}
}

func TestOrdersEndpointReflectsManagerState(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/orders")
	if err != nil {
		t.Fatalf("orders request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["count"].(float64) != 0 {
		t.Fatalf("expected zero orders, got %v", body["count"])
	}
}

func TestPositionsEndpointReturnsEmptySnapshot(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/positions")
	if err != nil {
		t.Fatalf("positions request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["count"].(float64) != 0 {
		t.Fatalf("expected zero positions, got %v", body["count"])
	}
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}
