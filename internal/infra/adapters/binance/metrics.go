package binance

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

type clientMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	retries  metric.Int64Counter
}

func newClientMetrics() *clientMetrics {
	meter := otel.Meter("adapter.binance")
	cm := &clientMetrics{}
	cm.requests, _ = meter.Int64Counter("venuelink.rest.requests",
		metric.WithDescription("Signed REST requests by result"),
		metric.WithUnit("{request}"))
	cm.duration, _ = meter.Float64Histogram("venuelink.rest.duration",
		metric.WithDescription("Signed REST request latency"),
		metric.WithUnit("ms"))
	cm.retries, _ = meter.Int64Counter("venuelink.rest.retries",
		metric.WithDescription("Signed REST retries by reason"),
		metric.WithUnit("{retry}"))
	return cm
}

func (cm *clientMetrics) recordRequest(ctx context.Context, accountID int64, method, path, result string, elapsed time.Duration) {
	if cm == nil || cm.requests == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.RequestAttributes(accountID, method, path, result)
	cm.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	if cm.duration != nil {
		cm.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func (cm *clientMetrics) recordRetry(ctx context.Context, accountID int64, reason string) {
	if cm == nil || cm.retries == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.OperationResultAttributes(accountID, "rest_retry", reason)
	cm.retries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

type streamMetrics struct {
	channel string

	reconnects       metric.Int64Counter
	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	handshake        metric.Float64Histogram
}

func newStreamMetrics(channel string) *streamMetrics {
	meter := otel.Meter("adapter.binance")
	sm := &streamMetrics{channel: channel}

	sm.reconnects, _ = meter.Int64Counter("venuelink.channel.reconnects",
		metric.WithDescription("Websocket dial attempts by result"),
		metric.WithUnit("{reconnect}"))

	sm.messagesReceived, _ = meter.Int64Counter("venuelink.channel.messages",
		metric.WithDescription("Websocket messages received"),
		metric.WithUnit("{message}"))

	sm.messageBytes, _ = meter.Int64Histogram("venuelink.channel.message_bytes",
		metric.WithDescription("Size of websocket messages"),
		metric.WithUnit("By"))

	sm.handshake, _ = meter.Float64Histogram("venuelink.channel.handshake.duration",
		metric.WithDescription("Websocket handshake latency"),
		metric.WithUnit("ms"))

	return sm
}

func (sm *streamMetrics) baseAttrs(accountID int64, symbol string) []attribute.KeyValue {
	return append(telemetry.SymbolAttributes(accountID, symbol), telemetry.AttrChannel.String(sm.channel))
}

func (sm *streamMetrics) recordDial(ctx context.Context, accountID int64, symbol, result string, elapsed time.Duration) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(sm.baseAttrs(accountID, symbol), telemetry.AttrResult.String(result))
	sm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
	if sm.handshake != nil && result == "success" {
		sm.handshake.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(sm.baseAttrs(accountID, symbol)...))
	}
}

func (sm *streamMetrics) recordMessage(ctx context.Context, accountID int64, symbol string, bytes int) {
	if sm == nil || sm.messagesReceived == nil || sm.messageBytes == nil || bytes <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs(accountID, symbol)
	sm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.messageBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// classifyResult maps a call outcome onto a low-cardinality metric label.
func classifyResult(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, context.Canceled) {
		return "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if code, ok := errs.CodeOf(err); ok {
		return strings.ToLower(string(code))
	}
	return "error"
}
