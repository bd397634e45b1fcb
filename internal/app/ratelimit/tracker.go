package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/app/session"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
	"github.com/coachpo/venuelink/internal/observability"
)

// DefaultAlertThreshold is the usage ratio above which an alert fires.
const DefaultAlertThreshold = 0.8

// Alert describes a counter crossing the alert threshold.
type Alert struct {
	AccountID int64
	Key       string
	Count     int
	Limit     int
	Ratio     float64
	At        time.Time
}

// AlertFunc receives alerts. It is invoked outside the tracker lock.
type AlertFunc func(Alert)

// Sink receives a copy of the usage map after every Record. It is called with
// the tracker lock held and must not call back into the tracker.
type Sink interface {
	SetRateLimits(accountID int64, usage map[string]session.RateLimitUsage)
}

type counter struct {
	usage   session.RateLimitUsage
	alerted bool
}

// Tracker keeps the latest usage per (account, limit key).
type Tracker struct {
	mu       sync.Mutex
	counters map[int64]map[string]*counter

	limits    map[string]Limit
	threshold float64
	now       func() time.Time
	sink      Sink
	onAlert   AlertFunc
	logger    observability.Logger

	alertCounter metric.Int64Counter
	usageGauge   metric.Float64Gauge
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLimits replaces the configured quotas.
func WithLimits(limits []Limit) Option {
	return func(t *Tracker) {
		t.limits = make(map[string]Limit, len(limits))
		for _, l := range limits {
			t.limits[l.Key()] = l
		}
	}
}

// WithThreshold overrides DefaultAlertThreshold.
func WithThreshold(threshold float64) Option {
	return func(t *Tracker) {
		if threshold > 0 && threshold <= 1 {
			t.threshold = threshold
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSink pushes usage copies into the session registry.
func WithSink(sink Sink) Option {
	return func(t *Tracker) {
		t.sink = sink
	}
}

// WithAlertFunc registers an alert callback.
func WithAlertFunc(fn AlertFunc) Option {
	return func(t *Tracker) {
		t.onAlert = fn
	}
}

// WithLogger overrides the tracker logger.
func WithLogger(logger observability.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker constructs a tracker seeded with DefaultLimits.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		counters:  make(map[int64]map[string]*counter),
		threshold: DefaultAlertThreshold,
		now:       time.Now,
	}
	WithLimits(DefaultLimits())(t)
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.logger = observability.Or(t.logger)
	meter := otel.Meter("ratelimit")
	t.alertCounter, _ = meter.Int64Counter("venuelink.ratelimit.alerts",
		metric.WithDescription("Rate-limit threshold crossings"),
		metric.WithUnit("{alert}"))
	t.usageGauge, _ = meter.Float64Gauge("venuelink.ratelimit.usage_ratio",
		metric.WithDescription("Latest count/limit ratio per limit key"))
	return t
}

// Record overwrites the counters for each entry and raises an alert once per
// upward crossing of the threshold. It never blocks on I/O.
func (t *Tracker) Record(accountID int64, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	now := t.now()
	var alerts []Alert

	t.mu.Lock()
	account := t.counters[accountID]
	if account == nil {
		account = make(map[string]*counter)
		t.counters[accountID] = account
	}
	for _, entry := range entries {
		k := entry.Key()
		limit := entry.Limit
		if limit <= 0 {
			limit = t.limits[k].Limit
		}
		interval := entry.Unit.Duration(entry.IntervalNum)
		windowStart := now
		if interval > 0 {
			windowStart = now.Truncate(interval)
		}

		c, ok := account[k]
		if !ok {
			c = &counter{}
			account[k] = c
		}
		if ok && windowStart.After(c.usage.WindowStart) {
			c.alerted = false
		}
		c.usage = session.RateLimitUsage{
			Type:        entry.Type,
			Interval:    interval,
			Limit:       limit,
			Count:       entry.Count,
			WindowStart: windowStart,
			UpdatedAt:   now,
		}
		ratio := c.usage.Ratio()
		switch {
		case limit > 0 && ratio > t.threshold:
			if !c.alerted {
				c.alerted = true
				alerts = append(alerts, Alert{AccountID: accountID, Key: k, Count: entry.Count, Limit: limit, Ratio: ratio, At: now})
			}
		default:
			c.alerted = false
		}
	}
	snapshot := t.statusLocked(accountID)
	// Pushed under the lock so the session never ends up holding an older
	// copy than the tracker. The sink is an in-memory write.
	if t.sink != nil {
		t.sink.SetRateLimits(accountID, snapshot)
	}
	t.mu.Unlock()

	ctx := context.Background()
	for k, usage := range snapshot {
		if t.usageGauge != nil {
			t.usageGauge.Record(ctx, usage.Ratio(), metric.WithAttributes(
				append(telemetry.AccountAttributes(accountID), telemetry.AttrLimitKey.String(k))...))
		}
	}
	for _, alert := range alerts {
		t.logger.Error("rate limit threshold crossed",
			observability.F("account", alert.AccountID),
			observability.F("limit", alert.Key),
			observability.F("count", alert.Count),
			observability.F("max", alert.Limit),
			observability.F("ratio", alert.Ratio))
		if t.alertCounter != nil {
			t.alertCounter.Add(ctx, 1, metric.WithAttributes(
				append(telemetry.AccountAttributes(accountID), telemetry.AttrLimitKey.String(alert.Key))...))
		}
		if t.onAlert != nil {
			t.onAlert(alert)
		}
	}
}

// Status returns a copy of the account's counters keyed by limit key.
func (t *Tracker) Status(accountID int64) map[string]session.RateLimitUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(accountID)
}

func (t *Tracker) statusLocked(accountID int64) map[string]session.RateLimitUsage {
	account := t.counters[accountID]
	out := make(map[string]session.RateLimitUsage, len(account))
	for k, c := range account {
		out[k] = c.usage
	}
	return out
}

// Saturated reports whether any counter is at or over its limit inside its current window.
func (t *Tracker) Saturated(accountID int64) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.counters[accountID] {
		u := c.usage
		if u.Limit <= 0 || u.Count < u.Limit {
			continue
		}
		if u.Interval <= 0 || now.Before(u.WindowStart.Add(u.Interval)) {
			return true
		}
	}
	return false
}

// Forget drops every counter held for the account.
func (t *Tracker) Forget(accountID int64) {
	t.mu.Lock()
	delete(t.counters, accountID)
	t.mu.Unlock()
}
