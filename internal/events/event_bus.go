// Package events provides the buffered event bus the engine publishes
// bar-lifecycle events onto for the admin/observability surface to
// consume. Publishing never sits on ProcessBar's hot path: Publish is
// non-blocking and drops on a full buffer rather than stall the engine.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/barengine/pkg/types"
)

// EventType categorizes a lifecycle event.
type EventType string

const (
	EventTypeBarProcessed     EventType = "bar_processed"
	EventTypeOrderBooked      EventType = "order_booked"
	EventTypeStuckOrderDetect EventType = "stuck_order_detected"
)

// Event is the common interface every published event satisfies.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent carries the fields every event shares.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// BarProcessedEvent marks the completion of one ProcessBar call.
type BarProcessedEvent struct {
	BaseEvent
	Bartime      time.Time `json:"bartime"`
	ProductTypes []string  `json:"product_types"`
}

// OrderBookedEvent fires once per strategy-originated order booked in
// ProcessFills; portfolio-originated orders publish none.
type OrderBookedEvent struct {
	BaseEvent
	OrderUUID   string          `json:"order_uuid"`
	StrategyID  string          `json:"strategy_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

// StuckOrderDetectedEvent fires when CheckStuckOrders finds an order
// still short of SENT at the end of a bar.
type StuckOrderDetectedEvent struct {
	BaseEvent
	OrderUUID string           `json:"order_uuid"`
	State     string           `json:"state"`
	Symbol    string           `json:"symbol"`
}

// EventHandler processes one event. A returned error is logged, not
// propagated — the bus is fire-and-forget.
type EventHandler func(event Event) error

// EventFilter selectively admits events to a subscription.
type EventFilter func(event Event) bool

// SubscriptionOptions configures a subscription's delivery behavior.
type SubscriptionOptions struct {
	Filter EventFilter
	Async  bool
}

// Subscription is a live registration returned by Subscribe.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool { return s.active.Load() }

// BusStats tracks bus throughput for the admin surface.
type BusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// Config configures the bus's worker pool and buffering.
type Config struct {
	NumWorkers int
	BufferSize int
}

// DefaultConfig returns sensible defaults for a single-process engine.
func DefaultConfig() Config {
	return Config{NumWorkers: 4, BufferSize: 4096}
}

// Bus routes published lifecycle events to subscribers off a buffered
// channel, via a small fixed worker pool, so a slow subscriber cannot
// stall the engine thread publishing into it.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates a Bus and starts its worker pool.
func NewBus(logger *zap.Logger, cfg Config) *Bus {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		workerCount: cfg.NumWorkers,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("events"),
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := b.subscribers[event.GetType()]
	all := b.allSubscribers
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
	for _, sub := range all {
		b.deliver(sub, event)
	}
	b.eventsProcessed.Add(1)
}

func (b *Bus) deliver(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Options.Filter != nil && !sub.Options.Filter(event) {
		return
	}
	if sub.Options.Async {
		go b.invoke(sub, event)
		return
	}
	b.invoke(sub, event)
}

func (b *Bus) invoke(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()
	if err := sub.Handler(event); err != nil {
		b.processingErrors.Add(1)
		b.logger.Warn("event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

var subscriptionCounter atomic.Int64

func nextSubscriptionID() string {
	n := subscriptionCounter.Add(1)
	return "sub_" + strconvItoa(n)
}

var eventCounter atomic.Int64

func nextEventID() string {
	n := eventCounter.Add(1)
	return "evt_" + strconvItoa(n)
}

func strconvItoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Subscribe registers handler for eventType.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{ID: nextSubscriptionID(), EventType: eventType, Handler: handler, Options: options}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	b.activeSubscribers.Add(1)
	return sub
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	options := SubscriptionOptions{Async: true}
	if len(opts) > 0 {
		options = opts[0]
	}
	sub := &Subscription{ID: nextSubscriptionID(), EventType: "*", Handler: handler, Options: options}
	sub.active.Store(true)

	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, sub)
	b.mu.Unlock()
	b.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates sub; already-queued deliveries still drain.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	b.activeSubscribers.Add(-1)
}

// Publish enqueues event without blocking; a full buffer drops it.
func (b *Bus) Publish(event Event) {
	select {
	case b.eventChan <- event:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// Stats returns a point-in-time snapshot of bus throughput.
func (b *Bus) Stats() BusStats {
	return BusStats{
		EventsPublished:   b.eventsPublished.Load(),
		EventsProcessed:   b.eventsProcessed.Load(),
		EventsDropped:     b.eventsDropped.Load(),
		ProcessingErrors:  b.processingErrors.Load(),
		ActiveSubscribers: b.activeSubscribers.Load(),
	}
}

// Stop shuts the bus down, waiting up to 5s for in-flight deliveries.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus shutdown timed out")
	}
}

// NewBarProcessedEvent constructs a BarProcessedEvent.
func NewBarProcessedEvent(bartime time.Time, productTypes []types.ProductType) *BarProcessedEvent {
	pts := make([]string, len(productTypes))
	for i, pt := range productTypes {
		pts[i] = string(pt)
	}
	return &BarProcessedEvent{
		BaseEvent:    BaseEvent{ID: nextEventID(), Type: EventTypeBarProcessed, Timestamp: bartime},
		Bartime:      bartime,
		ProductTypes: pts,
	}
}

// NewOrderBookedEvent constructs an OrderBookedEvent.
func NewOrderBookedEvent(ts time.Time, orderUUID, strategyID, symbol, side string, qty, avgPrice decimal.Decimal) *OrderBookedEvent {
	return &OrderBookedEvent{
		BaseEvent:  BaseEvent{ID: nextEventID(), Type: EventTypeOrderBooked, Timestamp: ts},
		OrderUUID:  orderUUID,
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		AvgPrice:   avgPrice,
	}
}

// NewStuckOrderDetectedEvent constructs a StuckOrderDetectedEvent.
func NewStuckOrderDetectedEvent(ts time.Time, orderUUID, state, symbol string) *StuckOrderDetectedEvent {
	return &StuckOrderDetectedEvent{
		BaseEvent: BaseEvent{ID: nextEventID(), Type: EventTypeStuckOrderDetect, Timestamp: ts},
		OrderUUID: orderUUID,
		State:     state,
		Symbol:    symbol,
	}
}
