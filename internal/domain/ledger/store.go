// Package ledger defines the contract for persisting exchange truth gathered during reconciliation.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one exchange-reported position leg.
type Position struct {
	Symbol        string
	Side          string
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Order is one exchange-reported open order.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Status        string
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
}

// Snapshot is the authoritative exchange state for one (account, symbol) pair.
type Snapshot struct {
	AccountID  int64
	Symbol     string
	Positions  []Position
	OpenOrders []Order
	FetchedAt  time.Time
}

// Store applies snapshots to local records and reports how many rows were corrected.
type Store interface {
	Apply(ctx context.Context, snapshot Snapshot) (int, error)
}
