package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/internal/events"
	"github.com/atlas-quant/barengine/internal/order"
	"github.com/atlas-quant/barengine/internal/position"
	"github.com/atlas-quant/barengine/pkg/types"
)

// Server is the admin HTTP/WebSocket/metrics surface (spec §6). It
// reads OrdersDataFrame/position-snapshot projections and subscribes
// to the lifecycle event bus; it never gates a core transition.
type Server struct {
	logger     *zap.Logger
	config     types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	metrics    *Metrics

	orders    *order.Manager
	positions *position.Manager
}

// NewServer wires the admin surface's routes against orders/positions
// and subscribes the hub to bus for live lifecycle events.
func NewServer(logger *zap.Logger, config types.ServerConfig, orders *order.Manager, positions *position.Manager, bus *events.Bus) *Server {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := &Server{
		logger:    logger.Named("api"),
		config:    config,
		router:    mux.NewRouter(),
		hub:       NewHub(logger, metrics),
		metrics:   metrics,
		orders:    orders,
		positions: positions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go s.hub.Run()
	if bus != nil {
		s.subscribeHub(bus)
	}

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/orders", s.handleGetOrders).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handleGetPositions).Methods("GET")
	s.router.Handle("/api/v1/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)

	return s
}

// subscribeHub bridges engine lifecycle events onto the WebSocket hub
// and the admin metrics, so both stay observation-only consumers of
// the same events the engine publishes.
func (s *Server) subscribeHub(bus *events.Bus) {
	bus.Subscribe(events.EventTypeBarProcessed, func(e events.Event) error {
		s.metrics.barsProcessed.Inc()
		s.hub.Broadcast(MsgTypeBarProcessed, e)
		return nil
	})
	bus.Subscribe(events.EventTypeOrderBooked, func(e events.Event) error {
		s.metrics.ordersBooked.Inc()
		if booked, ok := e.(*events.OrderBookedEvent); ok {
			s.hub.PublishToChannel(StrategyChannel(booked.StrategyID), MsgTypeOrderBooked, booked)
			return nil
		}
		s.hub.Broadcast(MsgTypeOrderBooked, e)
		return nil
	})
	bus.Subscribe(events.EventTypeStuckOrderDetect, func(e events.Event) error {
		s.metrics.stuckOrders.Inc()
		s.hub.Broadcast(MsgTypeStuckOrder, e)
		return nil
	})
}

// Router exposes the underlying mux.Router for tests that want to
// drive it directly via httptest.NewServer without binding a port.
func (s *Server) Router() *mux.Router { return s.router }

// Start serves the admin HTTP/WebSocket/metrics surface; it blocks
// until Stop shuts the listener down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var handler http.Handler = s.router
	if s.config.EnableCORS {
		handler = cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.router)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting admin server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.metrics.openOrders.Set(float64(len(s.orders.OpenOrders())))
	s.metrics.wsClientCount.Set(float64(s.hub.ClientCount()))

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	filter := order.Filter{}
	if strategyID := r.URL.Query().Get("strategy_id"); strategyID != "" {
		filter.StrategyIDs = []string{strategyID}
	}
	if r.URL.Query().Get("open") == "true" {
		filter.Closed = boolPtr(false)
	}

	rows := s.orders.OrdersDataFrame(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": rows,
		"count":  len(rows),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	rows := s.positions.Rows()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": rows,
		"count":     len(rows),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client
	s.logger.Info("websocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func boolPtr(b bool) *bool { return &b }
