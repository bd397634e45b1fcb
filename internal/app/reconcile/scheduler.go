package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/infra/telemetry"
	"github.com/coachpo/venuelink/internal/observability"
)

const (
	defaultInterval       = time.Minute
	defaultMaxConcurrency = 4
)

// Reconciler compares local records for one pair against the exchange and corrects them.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID int64, symbol string) error
}

// ReconcilerFunc adapts a function to Reconciler.
type ReconcilerFunc func(ctx context.Context, accountID int64, symbol string) error

// Reconcile implements Reconciler.
func (f ReconcilerFunc) Reconcile(ctx context.Context, accountID int64, symbol string) error {
	return f(ctx, accountID, symbol)
}

// SyncRecorder receives successful reconciliation timestamps.
type SyncRecorder interface {
	MarkSynced(accountID int64, symbol string, at time.Time)
}

// Outcome is the result of one reconciliation attempt.
type Outcome string

const (
	OutcomeReconciled Outcome = "reconciled"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeBusy       Outcome = "busy"
	OutcomeFailed     Outcome = "failed"
)

// Target is a tracked (account, symbol) pair.
type Target struct {
	AccountID int64
	Symbol    string
}

// PassResult counts outcomes of one scheduled pass.
type PassResult map[Outcome]int

// Scheduler runs reconciliation on a fixed interval and on demand, skipping
// pairs the gate defers. Deferred pairs are not queued; the next tick re-checks.
type Scheduler struct {
	gate           *Gate
	reconciler     Reconciler
	syncs          SyncRecorder
	interval       time.Duration
	maxConcurrency int
	now            func() time.Time
	logger         observability.Logger

	mu       sync.Mutex
	tracked  map[pairKey]struct{}
	inFlight map[pairKey]struct{}

	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithMaxConcurrency bounds parallel reconciliations within a pass.
func WithMaxConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrency = n
		}
	}
}

// WithSyncRecorder stamps successful passes, typically onto the session.
func WithSyncRecorder(recorder SyncRecorder) SchedulerOption {
	return func(s *Scheduler) {
		s.syncs = recorder
	}
}

// WithSchedulerClock overrides the time source used for sync stamps.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSchedulerLogger overrides the scheduler logger.
func WithSchedulerLogger(logger observability.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler constructs a scheduler consulting gate before every run.
func NewScheduler(gate *Gate, reconciler Reconciler, opts ...SchedulerOption) *Scheduler {
	if gate == nil {
		gate = NewGate(DefaultCooldown)
	}
	s := &Scheduler{
		gate:           gate,
		reconciler:     reconciler,
		interval:       defaultInterval,
		maxConcurrency: defaultMaxConcurrency,
		now:            time.Now,
		tracked:        make(map[pairKey]struct{}),
		inFlight:       make(map[pairKey]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = observability.Or(s.logger)
	meter := otel.Meter("reconcile")
	s.outcomes, _ = meter.Int64Counter("venuelink.reconcile.outcomes",
		metric.WithDescription("Reconciliation attempts by outcome"),
		metric.WithUnit("{attempt}"))
	s.duration, _ = meter.Float64Histogram("venuelink.reconcile.duration",
		metric.WithDescription("Reconciliation latency"),
		metric.WithUnit("ms"))
	return s
}

// Track adds the pair to every scheduled pass.
func (s *Scheduler) Track(accountID int64, symbol string) {
	key := newPairKey(accountID, symbol)
	if key.symbol == "" {
		return
	}
	s.mu.Lock()
	s.tracked[key] = struct{}{}
	s.mu.Unlock()
}

// Untrack removes the pair.
func (s *Scheduler) Untrack(accountID int64, symbol string) {
	s.mu.Lock()
	delete(s.tracked, newPairKey(accountID, symbol))
	s.mu.Unlock()
}

// UntrackAccount removes every pair of accountID.
func (s *Scheduler) UntrackAccount(accountID int64) {
	s.mu.Lock()
	for key := range s.tracked {
		if key.accountID == accountID {
			delete(s.tracked, key)
		}
	}
	s.mu.Unlock()
}

// Targets lists tracked pairs ordered by account then symbol.
func (s *Scheduler) Targets() []Target {
	s.mu.Lock()
	out := make([]Target, 0, len(s.tracked))
	for key := range s.tracked {
		out = append(out, Target{AccountID: key.accountID, Symbol: key.symbol})
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Target) int {
		return cmp.Or(cmp.Compare(a.AccountID, b.AccountID), cmp.Compare(a.Symbol, b.Symbol))
	})
	return out
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result := s.Pass(ctx)
			s.logger.Debug("reconcile pass complete",
				observability.F("reconciled", result[OutcomeReconciled]),
				observability.F("deferred", result[OutcomeDeferred]),
				observability.F("failed", result[OutcomeFailed]))
		}
	}
}

// Pass reconciles every tracked pair once with bounded concurrency.
func (s *Scheduler) Pass(ctx context.Context) PassResult {
	targets := s.Targets()
	result := PassResult{}
	if len(targets) == 0 {
		return result
	}
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(min(s.maxConcurrency, len(targets)))
	for _, target := range targets {
		p.Go(func() {
			outcome, _ := s.attempt(ctx, target.AccountID, target.Symbol)
			mu.Lock()
			result[outcome]++
			mu.Unlock()
		})
	}
	p.Wait()
	return result
}

// Trigger reconciles one pair now, typically after detected divergence. It
// honours the gate exactly like a scheduled pass.
func (s *Scheduler) Trigger(ctx context.Context, accountID int64, symbol string) (Outcome, error) {
	return s.attempt(ctx, accountID, symbol)
}

func (s *Scheduler) attempt(ctx context.Context, accountID int64, symbol string) (Outcome, error) {
	key := newPairKey(accountID, symbol)
	if s.gate.ShouldDefer(key.accountID, key.symbol) {
		s.count(ctx, key, OutcomeDeferred)
		return OutcomeDeferred, nil
	}

	s.mu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.mu.Unlock()
		s.count(ctx, key, OutcomeBusy)
		return OutcomeBusy, nil
	}
	s.inFlight[key] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}()

	start := time.Now()
	err := s.reconcile(ctx, key)
	s.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(telemetry.SymbolAttributes(key.accountID, key.symbol)...))
	if err != nil {
		s.count(ctx, key, OutcomeFailed)
		s.logger.Error("reconcile failed",
			observability.F("account", key.accountID),
			observability.F("symbol", key.symbol),
			observability.F("error", err))
		return OutcomeFailed, err
	}
	if s.syncs != nil {
		s.syncs.MarkSynced(key.accountID, key.symbol, s.now())
	}
	s.count(ctx, key, OutcomeReconciled)
	return OutcomeReconciled, nil
}

func (s *Scheduler) reconcile(ctx context.Context, key pairKey) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciler panic: %v", r)
		}
	}()
	if s.reconciler == nil {
		return fmt.Errorf("reconcile: no reconciler configured")
	}
	return s.reconciler.Reconcile(ctx, key.accountID, key.symbol)
}

func (s *Scheduler) count(ctx context.Context, key pairKey, outcome Outcome) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(key.accountID, "reconcile", string(outcome))...))
}
