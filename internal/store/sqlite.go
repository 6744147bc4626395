// Package store provides SQLite, a database/sql-backed implementation
// of ports.Store (spec §6) used to persist order and position
// snapshots across day boundaries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atlas-quant/barengine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_snapshots (
	source_id          TEXT NOT NULL,
	snapshot_ts         INTEGER NOT NULL,
	originator_id       TEXT NOT NULL,
	strategy_id         TEXT NOT NULL,
	strategy_uuid       TEXT NOT NULL,
	portfolio_id        TEXT NOT NULL,
	portfolio_uuid      TEXT NOT NULL,
	quantity            TEXT NOT NULL,
	event_type          TEXT NOT NULL,
	product_type        TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	buy_sell            TEXT NOT NULL,
	order_type          TEXT NOT NULL,
	details             TEXT NOT NULL,
	state               TEXT NOT NULL,
	closed              INTEGER NOT NULL,
	order_uuid          TEXT NOT NULL,
	create_timestamp    INTEGER NOT NULL,
	fill_price          TEXT NOT NULL,
	fill_quantity       TEXT NOT NULL,
	commission          TEXT NOT NULL,
	booked              INTEGER NOT NULL,
	broker_order_id     TEXT NOT NULL,
	exchange_order_id   TEXT NOT NULL,
	state_timestamps    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS position_snapshots (
	source_id           TEXT NOT NULL,
	snapshot_ts         INTEGER NOT NULL,
	strategy_id         TEXT NOT NULL,
	product_type        TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	current_position    TEXT NOT NULL,
	start_position      TEXT NOT NULL,
	net_quantity        TEXT NOT NULL,
	buy_quantity        TEXT NOT NULL,
	sell_quantity       TEXT NOT NULL,
	buy_avg_price       TEXT NOT NULL,
	sell_avg_price      TEXT NOT NULL,
	buy_pnl             TEXT NOT NULL,
	sell_pnl            TEXT NOT NULL,
	trade_pnl           TEXT NOT NULL,
	position_pnl        TEXT NOT NULL,
	gross_pnl           TEXT NOT NULL,
	commission          TEXT NOT NULL,
	net_pnl             TEXT NOT NULL,
	prior_close_price   TEXT NOT NULL,
	current_price       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	source_id    TEXT NOT NULL,
	strategy_id  TEXT NOT NULL,
	product_type TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	datetime     INTEGER NOT NULL,
	position     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_source_datetime ON positions (source_id, datetime);
`

// SQLite is a database/sql + modernc.org/sqlite implementation of
// ports.Store. Timestamps are truncated to second precision at the
// persistence boundary; in-memory values keep sub-second precision.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed Store at path.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writes; avoid lock contention
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func truncSecond(ts time.Time) int64 {
	return ts.Truncate(time.Second).Unix()
}

// InsertOrders persists one row per OrderSnapshot, all stamped at ts.
func (s *SQLite) InsertOrders(ctx context.Context, sourceID string, ts time.Time, snapshot []types.OrderSnapshot) error {
	if len(snapshot) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert orders: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO order_snapshots (
		source_id, snapshot_ts, originator_id, strategy_id, strategy_uuid, portfolio_id, portfolio_uuid,
		quantity, event_type, product_type, symbol, buy_sell, order_type, details, state, closed,
		order_uuid, create_timestamp, fill_price, fill_quantity, commission, booked,
		broker_order_id, exchange_order_id, state_timestamps
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("insert orders: prepare: %w", err)
	}
	defer stmt.Close()

	snapshotTS := truncSecond(ts)
	for _, o := range snapshot {
		details, err := json.Marshal(o.Details)
		if err != nil {
			return fmt.Errorf("insert orders: marshal details: %w", err)
		}
		stateTimestamps, err := marshalStateTimestamps(o.StateTimestamps)
		if err != nil {
			return fmt.Errorf("insert orders: marshal state timestamps: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			sourceID, snapshotTS, o.OriginatorID, o.StrategyID, o.StrategyUUID, o.PortfolioID, o.PortfolioUUID,
			o.Quantity.String(), o.EventType, string(o.ProductType), o.Symbol, string(o.BuySell), o.Type, string(details),
			o.State, boolToInt(o.Closed), o.UUID, truncSecond(o.CreateTimestamp), o.FillPrice.String(),
			o.FillQuantity.String(), o.Commission.String(), boolToInt(o.Booked), o.BrokerOrderID, o.ExchangeOrderID,
			string(stateTimestamps),
		); err != nil {
			return fmt.Errorf("insert orders: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert orders: commit: %w", err)
	}
	return nil
}

// InsertPositionsSnapshot persists one row per PositionSnapshot, all
// stamped at ts.
func (s *SQLite) InsertPositionsSnapshot(ctx context.Context, sourceID string, ts time.Time, snapshot []types.PositionSnapshot) error {
	if len(snapshot) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert position snapshots: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO position_snapshots (
		source_id, snapshot_ts, strategy_id, product_type, symbol, current_position, start_position,
		net_quantity, buy_quantity, sell_quantity, buy_avg_price, sell_avg_price, buy_pnl, sell_pnl,
		trade_pnl, position_pnl, gross_pnl, commission, net_pnl, prior_close_price, current_price
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("insert position snapshots: prepare: %w", err)
	}
	defer stmt.Close()

	snapshotTS := truncSecond(ts)
	for _, p := range snapshot {
		if _, err := stmt.ExecContext(ctx,
			sourceID, snapshotTS, p.StrategyID, string(p.ProductType), p.Symbol,
			p.CurrentPosition.String(), p.StartPosition.String(), p.NetQuantity.String(),
			p.BuyQuantity.String(), p.SellQuantity.String(), p.BuyAvgPrice.String(), p.SellAvgPrice.String(),
			p.BuyPnL.String(), p.SellPnL.String(), p.TradePnL.String(), p.PositionPnL.String(),
			p.GrossPnL.String(), p.Commission.String(), p.NetPnL.String(), p.PriorClosePrice.String(),
			p.CurrentPrice.String(),
		); err != nil {
			return fmt.Errorf("insert position snapshots: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert position snapshots: commit: %w", err)
	}
	return nil
}

// InsertPositions persists one long-form row per PositionRow.
func (s *SQLite) InsertPositions(ctx context.Context, sourceID string, rows []types.PositionRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert positions: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO positions
		(source_id, strategy_id, product_type, symbol, datetime, position)
		VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("insert positions: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			sourceID, r.StrategyID, string(r.ProductType), r.Symbol, truncSecond(r.Datetime), r.Position.String(),
		); err != nil {
			return fmt.Errorf("insert positions: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert positions: commit: %w", err)
	}
	return nil
}

// GetPositions returns every position row for sourceID, optionally
// restricted to exactly the given datetime.
func (s *SQLite) GetPositions(ctx context.Context, sourceID string, ts *time.Time) ([]types.PositionRow, error) {
	var rows *sql.Rows
	var err error
	if ts != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT strategy_id, product_type, symbol, datetime, position
			FROM positions WHERE source_id = ? AND datetime = ? ORDER BY strategy_id, product_type, symbol`,
			sourceID, truncSecond(*ts))
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT strategy_id, product_type, symbol, datetime, position
			FROM positions WHERE source_id = ? ORDER BY datetime, strategy_id, product_type, symbol`,
			sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("get positions: query: %w", err)
	}
	defer rows.Close()

	var out []types.PositionRow
	for rows.Next() {
		var (
			r          types.PositionRow
			productType string
			datetime    int64
			position    string
		)
		if err := rows.Scan(&r.StrategyID, &productType, &r.Symbol, &datetime, &position); err != nil {
			return nil, fmt.Errorf("get positions: scan: %w", err)
		}
		r.ProductType = types.ProductType(productType)
		r.Datetime = time.Unix(datetime, 0).UTC()
		pos, err := decimal.NewFromString(position)
		if err != nil {
			return nil, fmt.Errorf("get positions: parse position: %w", err)
		}
		r.Position = pos
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get positions: rows: %w", err)
	}
	return out, nil
}

// MaxDatetime returns the latest datetime persisted for sourceID
// across the positions table, or ok=false if nothing has been
// persisted yet.
func (s *SQLite) MaxDatetime(ctx context.Context, sourceID string) (time.Time, bool, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(datetime) FROM positions WHERE source_id = ?`, sourceID).Scan(&max)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("max datetime: %w", err)
	}
	if !max.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(max.Int64, 0).UTC(), true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStateTimestamps(m map[string]time.Time) ([]byte, error) {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = truncSecond(v)
	}
	return json.Marshal(out)
}
