package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuelink/internal/domain/ledger"
	"github.com/coachpo/venuelink/internal/infra/adapters/binance"
	"github.com/coachpo/venuelink/internal/observability"
)

// SignedCaller is the subset of the signed client used to pull exchange truth.
type SignedCaller interface {
	CallJSON(ctx context.Context, accountID int64, method, path string, params url.Values, out any) error
}

// ExchangeReconciler fetches positions and open orders for a pair and applies
// them to the ledger.
type ExchangeReconciler struct {
	client SignedCaller
	store  ledger.Store
	now    func() time.Time
	logger observability.Logger
}

// NewExchangeReconciler wires client and store.
func NewExchangeReconciler(client SignedCaller, store ledger.Store, logger observability.Logger) *ExchangeReconciler {
	return &ExchangeReconciler{
		client: client,
		store:  store,
		now:    time.Now,
		logger: observability.Or(logger),
	}
}

// Reconcile implements Reconciler.
func (r *ExchangeReconciler) Reconcile(ctx context.Context, accountID int64, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	params := url.Values{}
	params.Set("symbol", symbol)

	var risks []futures.PositionRisk
	if err := r.client.CallJSON(ctx, accountID, http.MethodGet, binance.PositionRiskPath(), params, &risks); err != nil {
		return fmt.Errorf("fetch positions %s: %w", symbol, err)
	}
	var orders []futures.Order
	if err := r.client.CallJSON(ctx, accountID, http.MethodGet, binance.OpenOrdersPath(), params, &orders); err != nil {
		return fmt.Errorf("fetch open orders %s: %w", symbol, err)
	}

	snapshot := BuildSnapshot(accountID, symbol, risks, orders, r.now().UTC())
	if r.store == nil {
		return nil
	}
	corrections, err := r.store.Apply(ctx, snapshot)
	if err != nil {
		return fmt.Errorf("apply snapshot %s: %w", symbol, err)
	}
	if corrections > 0 {
		r.logger.Info("reconcile corrected records",
			observability.F("account", accountID),
			observability.F("symbol", symbol),
			observability.F("corrections", corrections))
	}
	return nil
}

// BuildSnapshot converts exchange payloads for symbol into a ledger snapshot.
// Entries for other symbols are ignored.
func BuildSnapshot(accountID int64, symbol string, risks []futures.PositionRisk, orders []futures.Order, fetchedAt time.Time) ledger.Snapshot {
	positions := lo.FilterMap(risks, func(p futures.PositionRisk, _ int) (ledger.Position, bool) {
		if !strings.EqualFold(p.Symbol, symbol) {
			return ledger.Position{}, false
		}
		return ledger.Position{
			Symbol:        symbol,
			Side:          p.PositionSide,
			Amount:        parseDecimal(p.PositionAmt),
			EntryPrice:    parseDecimal(p.EntryPrice),
			UnrealizedPnL: parseDecimal(p.UnRealizedProfit),
		}, true
	})
	open := lo.FilterMap(orders, func(o futures.Order, _ int) (ledger.Order, bool) {
		if !strings.EqualFold(o.Symbol, symbol) || o.OrderID == 0 {
			return ledger.Order{}, false
		}
		return ledger.Order{
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        symbol,
			Status:        string(o.Status),
			Price:         parseDecimal(o.Price),
			OrigQty:       parseDecimal(o.OrigQuantity),
			ExecutedQty:   parseDecimal(o.ExecutedQuantity),
		}, true
	})
	return ledger.Snapshot{
		AccountID:  accountID,
		Symbol:     symbol,
		Positions:  positions,
		OpenOrders: open,
		FetchedAt:  fetchedAt,
	}
}

func parseDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return d
}
