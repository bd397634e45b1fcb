package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuelink/internal/domain/ledger"
)

const (
	positionSelectSQL = `
SELECT position_side, amount::text, entry_price::text, unrealized_pnl::text
FROM exchange_positions
WHERE account_id = $1 AND symbol = $2;
`
	positionUpsertSQL = `
INSERT INTO exchange_positions (account_id, symbol, position_side, amount, entry_price, unrealized_pnl, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (account_id, symbol, position_side) DO UPDATE SET
    amount = EXCLUDED.amount,
    entry_price = EXCLUDED.entry_price,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    updated_at = EXCLUDED.updated_at;
`
	positionDeleteSQL = `DELETE FROM exchange_positions WHERE account_id = $1 AND symbol = $2 AND position_side = $3;`

	orderSelectSQL = `
SELECT order_id, status, price::text, orig_qty::text, executed_qty::text
FROM exchange_open_orders
WHERE account_id = $1 AND symbol = $2;
`
	orderUpsertSQL = `
INSERT INTO exchange_open_orders (account_id, order_id, symbol, client_order_id, status, price, orig_qty, executed_qty, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (account_id, order_id) DO UPDATE SET
    status = EXCLUDED.status,
    price = EXCLUDED.price,
    orig_qty = EXCLUDED.orig_qty,
    executed_qty = EXCLUDED.executed_qty,
    updated_at = EXCLUDED.updated_at;
`
	orderDeleteSQL = `DELETE FROM exchange_open_orders WHERE account_id = $1 AND order_id = $2;`
)

// PositionLedger stores the latest reconciled exchange positions and open orders.
type PositionLedger struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*PositionLedger)(nil)

// NewPositionLedger constructs a PositionLedger backed by the provided pgx pool.
func NewPositionLedger(pool *pgxpool.Pool) *PositionLedger {
	return &PositionLedger{pool: pool}
}

type storedPosition struct {
	amount     decimal.Decimal
	entryPrice decimal.Decimal
	pnl        decimal.Decimal
}

func positionMatches(current storedPosition, pos ledger.Position) bool {
	return current.amount.Equal(pos.Amount) &&
		current.entryPrice.Equal(pos.EntryPrice) &&
		current.pnl.Equal(pos.UnrealizedPnL)
}

type storedOrder struct {
	status   string
	price    decimal.Decimal
	origQty  decimal.Decimal
	executed decimal.Decimal
}

func orderMatches(current storedOrder, order ledger.Order) bool {
	return current.status == order.Status &&
		current.price.Equal(order.Price) &&
		current.origQty.Equal(order.OrigQty) &&
		current.executed.Equal(order.ExecutedQty)
}

func decimalsFromText(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimalFromText(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// Apply replaces local rows for the snapshot's (account, symbol) with exchange truth.
// The returned count is the number of rows inserted, changed in any stored
// field, or deleted.
func (l *PositionLedger) Apply(ctx context.Context, snapshot ledger.Snapshot) (int, error) {
	if l.pool == nil {
		return 0, fmt.Errorf("position ledger: nil pool")
	}
	symbol := strings.ToUpper(strings.TrimSpace(snapshot.Symbol))
	if symbol == "" {
		return 0, fmt.Errorf("position ledger: symbol required")
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := l.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return 0, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	corrections, err := l.applyPositions(ctx, tx, snapshot, symbol)
	if err != nil {
		return 0, err
	}
	orderCorrections, err := l.applyOrders(ctx, tx, snapshot, symbol)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit ledger tx: %w", err)
	}
	return corrections + orderCorrections, nil
}

func (l *PositionLedger) applyPositions(ctx context.Context, tx pgx.Tx, snapshot ledger.Snapshot, symbol string) (int, error) {
	rows, err := tx.Query(ctx, positionSelectSQL, snapshot.AccountID, symbol)
	if err != nil {
		return 0, fmt.Errorf("select positions: %w", err)
	}
	existing := make(map[string]storedPosition)
	for rows.Next() {
		var side, amount, entry, pnl string
		if err := rows.Scan(&side, &amount, &entry, &pnl); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan position: %w", err)
		}
		parsed, err := decimalsFromText(amount, entry, pnl)
		if err != nil {
			rows.Close()
			return 0, err
		}
		existing[side] = storedPosition{amount: parsed[0], entryPrice: parsed[1], pnl: parsed[2]}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate positions: %w", err)
	}

	corrections := 0
	seen := make(map[string]struct{}, len(snapshot.Positions))
	for _, pos := range snapshot.Positions {
		if pos.Amount.IsZero() {
			continue
		}
		side := normalizeSide(pos.Side)
		seen[side] = struct{}{}
		if current, ok := existing[side]; ok && positionMatches(current, pos) {
			continue
		}
		amount, err := numericFromDecimal(pos.Amount)
		if err != nil {
			return 0, err
		}
		entry, err := numericFromDecimal(pos.EntryPrice)
		if err != nil {
			return 0, err
		}
		pnl, err := numericFromDecimal(pos.UnrealizedPnL)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, positionUpsertSQL, snapshot.AccountID, symbol, side, amount, entry, pnl, snapshot.FetchedAt.UTC()); err != nil {
			return 0, fmt.Errorf("upsert position: %w", err)
		}
		corrections++
	}
	for side := range existing {
		if _, ok := seen[side]; ok {
			continue
		}
		if _, err := tx.Exec(ctx, positionDeleteSQL, snapshot.AccountID, symbol, side); err != nil {
			return 0, fmt.Errorf("delete position: %w", err)
		}
		corrections++
	}
	return corrections, nil
}

func (l *PositionLedger) applyOrders(ctx context.Context, tx pgx.Tx, snapshot ledger.Snapshot, symbol string) (int, error) {
	rows, err := tx.Query(ctx, orderSelectSQL, snapshot.AccountID, symbol)
	if err != nil {
		return 0, fmt.Errorf("select open orders: %w", err)
	}
	existing := make(map[int64]storedOrder)
	for rows.Next() {
		var id int64
		var status, price, orig, executed string
		if err := rows.Scan(&id, &status, &price, &orig, &executed); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan open order: %w", err)
		}
		parsed, err := decimalsFromText(price, orig, executed)
		if err != nil {
			rows.Close()
			return 0, err
		}
		existing[id] = storedOrder{status: status, price: parsed[0], origQty: parsed[1], executed: parsed[2]}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate open orders: %w", err)
	}

	corrections := 0
	seen := make(map[int64]struct{}, len(snapshot.OpenOrders))
	for _, order := range snapshot.OpenOrders {
		seen[order.OrderID] = struct{}{}
		if current, ok := existing[order.OrderID]; ok && orderMatches(current, order) {
			continue
		}
		price, err := numericFromDecimal(order.Price)
		if err != nil {
			return 0, err
		}
		orig, err := numericFromDecimal(order.OrigQty)
		if err != nil {
			return 0, err
		}
		executed, err := numericFromDecimal(order.ExecutedQty)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, orderUpsertSQL, snapshot.AccountID, order.OrderID, symbol, order.ClientOrderID, order.Status, price, orig, executed, snapshot.FetchedAt.UTC()); err != nil {
			return 0, fmt.Errorf("upsert open order: %w", err)
		}
		corrections++
	}
	for id := range existing {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, err := tx.Exec(ctx, orderDeleteSQL, snapshot.AccountID, id); err != nil {
			return 0, fmt.Errorf("delete open order: %w", err)
		}
		corrections++
	}
	return corrections, nil
}

func normalizeSide(side string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(side))
	if trimmed == "" {
		return "BOTH"
	}
	return trimmed
}
