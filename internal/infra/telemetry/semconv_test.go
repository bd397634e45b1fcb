package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func lookup(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}

func TestSymbolAttributesIncludeAccountAndSymbol(t *testing.T) {
	attrs := SymbolAttributes(5, "BTCUSDT")
	account, ok := lookup(attrs, AttrAccount)
	require.True(t, ok)
	require.Equal(t, "5", account)
	symbol, ok := lookup(attrs, AttrSymbol)
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", symbol)
	_, ok = lookup(attrs, AttrEnvironment)
	require.True(t, ok)
}

func TestSymbolAttributesOmitEmptySymbol(t *testing.T) {
	_, ok := lookup(SymbolAttributes(1, ""), AttrSymbol)
	require.False(t, ok)
}

func TestConnectionAttributesCarryChannelState(t *testing.T) {
	attrs := ConnectionAttributes(7, ChannelUser, "degraded")
	channel, _ := lookup(attrs, AttrChannel)
	state, _ := lookup(attrs, AttrConnectionState)
	require.Equal(t, ChannelUser, channel)
	require.Equal(t, "degraded", state)
}
