package postgres

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/internal/domain/ledger"
)

func TestPositionLedgerNilPool(t *testing.T) {
	_, err := NewPositionLedger(nil).Apply(context.Background(), ledger.Snapshot{AccountID: 1, Symbol: "BTCUSDT"})
	require.Error(t, err)
}

func TestNormalizeSide(t *testing.T) {
	require.Equal(t, "BOTH", normalizeSide(""))
	require.Equal(t, "LONG", normalizeSide(" long "))
}

func TestNumericRoundTrip(t *testing.T) {
	value := decimal.RequireFromString("-0.0125")
	numeric, err := numericFromDecimal(value)
	require.NoError(t, err)
	require.True(t, numeric.Valid)

	parsed, err := decimalFromText("-0.0125")
	require.NoError(t, err)
	require.True(t, parsed.Equal(value))

	zero, err := decimalFromText("")
	require.NoError(t, err)
	require.True(t, zero.IsZero())
}

func TestPositionMatchesComparesEveryStoredField(t *testing.T) {
	stored := storedPosition{
		amount:     decimal.RequireFromString("0.010"),
		entryPrice: decimal.RequireFromString("42000.5"),
		pnl:        decimal.RequireFromString("1.25"),
	}
	pos := ledger.Position{
		Amount:        decimal.RequireFromString("0.01"),
		EntryPrice:    decimal.RequireFromString("42000.50"),
		UnrealizedPnL: decimal.RequireFromString("1.25"),
	}
	require.True(t, positionMatches(stored, pos))

	moved := pos
	moved.EntryPrice = decimal.RequireFromString("41990")
	require.False(t, positionMatches(stored, moved))

	moved = pos
	moved.UnrealizedPnL = decimal.RequireFromString("-3")
	require.False(t, positionMatches(stored, moved))
}

func TestOrderMatchesComparesEveryStoredField(t *testing.T) {
	stored := storedOrder{
		status:   "NEW",
		price:    decimal.RequireFromString("41000"),
		origQty:  decimal.RequireFromString("0.02"),
		executed: decimal.Zero,
	}
	order := ledger.Order{Status: "NEW", Price: decimal.NewFromInt(41000), OrigQty: decimal.RequireFromString("0.020")}
	require.True(t, orderMatches(stored, order))

	amended := order
	amended.Price = decimal.NewFromInt(40500)
	require.False(t, orderMatches(stored, amended))
}
