// Package types provides the value types shared across the engine's
// packages: bars, sides, frequencies and the stable wire projections
// the Store facade persists.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order or trade.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// ProductType identifies the asset class an order/position belongs to.
// The engine itself is agnostic to the value; only the default
// commission policy special-cases "stock".
type ProductType string

// Frequency is a market-data sampling interval, e.g. "1m" or "1D".
type Frequency string

// Daily is the frequency used for prior-close lookups and EOD rollover.
const Daily Frequency = "1D"

// Bar is a single OHLCV observation for one (productType, symbol, frequency).
// Any numeric field may be absent except Datetime (spec §3): a nil pointer
// means the field was not reported this bar, distinct from a present-and-zero
// value. Valid distinguishes a real (possibly partially-absent) bar from "no
// such bar".
type Bar struct {
	Datetime time.Time
	Open     *decimal.Decimal
	High     *decimal.Decimal
	Low      *decimal.Decimal
	Close    *decimal.Decimal
	Volume   *decimal.Decimal
	Valid    bool
}

// OpenValue returns Open, or zero if absent.
func (b Bar) OpenValue() decimal.Decimal { return valueOrZero(b.Open) }

// HighValue returns High, or zero if absent.
func (b Bar) HighValue() decimal.Decimal { return valueOrZero(b.High) }

// LowValue returns Low, or zero if absent.
func (b Bar) LowValue() decimal.Decimal { return valueOrZero(b.Low) }

// CloseValue returns Close, or zero if absent.
func (b Bar) CloseValue() decimal.Decimal { return valueOrZero(b.Close) }

// VolumeValue returns Volume, or zero if absent.
func (b Bar) VolumeValue() decimal.Decimal { return valueOrZero(b.Volume) }

func valueOrZero(p *decimal.Decimal) decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return *p
}

// DecimalPtr is a convenience constructor for Bar's nullable fields.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

// Key identifies a position or intent row: (strategyID, productType, symbol).
type Key struct {
	StrategyID  string
	ProductType ProductType
	Symbol      string
}

// OrderSnapshot is the stable column projection of an Order persisted by
// the Store facade at EOD/stop (spec §6). StateTimestamps holds the
// timestamp of first entry into each state name the order passed through.
type OrderSnapshot struct {
	OriginatorID    string
	StrategyID      string
	StrategyUUID    string
	PortfolioID     string
	PortfolioUUID   string
	Quantity        decimal.Decimal
	EventType       string
	ProductType     ProductType
	Symbol          string
	BuySell         OrderSide
	Type            string
	Details         map[string]any
	State           string
	Closed          bool
	UUID            string
	CreateTimestamp time.Time
	FillPrice       decimal.Decimal
	FillQuantity    decimal.Decimal
	Commission      decimal.Decimal
	Booked          bool
	BrokerOrderID   string
	ExchangeOrderID string
	StateTimestamps map[string]time.Time
}

// PositionSnapshot is the stable column projection of a position row
// persisted by the Store facade (spec §6).
type PositionSnapshot struct {
	StrategyID      string
	ProductType     ProductType
	Symbol          string
	CurrentPosition decimal.Decimal
	StartPosition   decimal.Decimal
	NetQuantity     decimal.Decimal
	BuyQuantity     decimal.Decimal
	SellQuantity    decimal.Decimal
	BuyAvgPrice     decimal.Decimal
	SellAvgPrice    decimal.Decimal
	BuyPnL          decimal.Decimal
	SellPnL         decimal.Decimal
	TradePnL        decimal.Decimal
	PositionPnL     decimal.Decimal
	GrossPnL        decimal.Decimal
	Commission      decimal.Decimal
	NetPnL          decimal.Decimal
	PriorClosePrice decimal.Decimal
	CurrentPrice    decimal.Decimal
}

// PositionRow is a long-form (strategy, productType, symbol, datetime,
// position) record as persisted by Store.InsertPositions.
type PositionRow struct {
	StrategyID  string
	ProductType ProductType
	Symbol      string
	Datetime    time.Time
	Position    decimal.Decimal
}
