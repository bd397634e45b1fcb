// Package telemetry provides OpenTelemetry wiring and semantic conventions for venuelink.
package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys. Namespaced following OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrAccount identifies the trading account a signal belongs to.
	AttrAccount = attribute.Key("account.id")
	// AttrSymbol captures the tradable instrument symbol (e.g. BTCUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrChannel distinguishes market and user websocket channels.
	AttrChannel = attribute.Key("channel")
	// AttrConnectionState labels connection lifecycle signals (open, degraded, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrMessageType differentiates payload classes inside a single stream.
	AttrMessageType = attribute.Key("message.type")
	// AttrHTTPMethod records the REST verb.
	AttrHTTPMethod = attribute.Key("http.method")
	// AttrHTTPPath records the REST path without query string.
	AttrHTTPPath = attribute.Key("http.path")
	// AttrLimitKey labels rate-limit counters (REQUEST_WEIGHT_1M, ORDERS_10S, ...).
	AttrLimitKey = attribute.Key("ratelimit.key")
	// AttrOperation differentiates specific operations (listen_key_keepalive, reconcile, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrStoreRoles lists the stores served by a database pool (credentials, ledger).
	AttrStoreRoles = attribute.Key("store.roles")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
)

// Channel values.
const (
	ChannelMarket = "market"
	ChannelUser   = "user"
)

// AccountAttributes returns the base attribute set for per-account metrics.
func AccountAttributes(accountID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrAccount.String(strconv.FormatInt(accountID, 10)),
	}
}

// SymbolAttributes returns per-account, per-symbol attributes.
func SymbolAttributes(accountID int64, symbol string) []attribute.KeyValue {
	attrs := AccountAttributes(accountID)
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	return attrs
}

// ConnectionAttributes returns attributes for channel state metrics.
func ConnectionAttributes(accountID int64, channel, state string) []attribute.KeyValue {
	return append(AccountAttributes(accountID),
		AttrChannel.String(channel),
		AttrConnectionState.String(state),
	)
}

// RequestAttributes returns attributes for signed REST request metrics.
func RequestAttributes(accountID int64, method, path, result string) []attribute.KeyValue {
	return append(AccountAttributes(accountID),
		AttrHTTPMethod.String(method),
		AttrHTTPPath.String(path),
		AttrResult.String(result),
	)
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(accountID int64, operation, result string) []attribute.KeyValue {
	return append(AccountAttributes(accountID),
		AttrOperation.String(operation),
		AttrResult.String(result),
	)
}
