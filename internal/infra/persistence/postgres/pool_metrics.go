package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

// StoreRole names a store that reads or writes through a pool.
type StoreRole string

const (
	RoleCredentials StoreRole = "credentials"
	RoleLedger      StoreRole = "ledger"
)

// PoolUsage is the part of pgxpool.Stat reported for the stores.
type PoolUsage struct {
	Idle          int32
	Acquired      int32
	Constructing  int32
	Max           int32
	EmptyAcquires int64
	AcquireWait   time.Duration
}

func usageOf(pool *pgxpool.Pool) func() PoolUsage {
	return func() PoolUsage {
		stat := pool.Stat()
		return PoolUsage{
			Idle:          stat.IdleConns(),
			Acquired:      stat.AcquiredConns(),
			Constructing:  stat.ConstructingConns(),
			Max:           stat.MaxConns(),
			EmptyAcquires: stat.EmptyAcquireCount(),
			AcquireWait:   stat.AcquireDuration(),
		}
	}
}

// PoolObserver reports connection usage of the pool shared by the credential
// store and the position ledger. A credential lookup that waits on an
// exhausted pool shows up in the acquire wait before it shows up as a stale
// session.
type PoolObserver struct {
	registration metric.Registration
}

// ObservePool registers the pool gauges, labelled with the roles it serves.
func ObservePool(pool *pgxpool.Pool, roles ...StoreRole) (*PoolObserver, error) {
	if pool == nil {
		return nil, errors.New("observe pool: nil pool")
	}
	return observePool(otel.Meter("store.postgres"), usageOf(pool), roles)
}

func observePool(meter metric.Meter, usage func() PoolUsage, roles []StoreRole) (*PoolObserver, error) {
	connections, err := meter.Int64ObservableGauge("venuelink.store.connections",
		metric.WithDescription("Store pool connections by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("store connections gauge: %w", err)
	}
	capacity, err := meter.Int64ObservableGauge("venuelink.store.connections.max",
		metric.WithDescription("Configured store pool size"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("store capacity gauge: %w", err)
	}
	emptyAcquires, err := meter.Int64ObservableCounter("venuelink.store.acquire.empty",
		metric.WithDescription("Acquires that waited because no idle connection was available"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, fmt.Errorf("store empty acquire counter: %w", err)
	}
	acquireWait, err := meter.Float64ObservableCounter("venuelink.store.acquire.wait",
		metric.WithDescription("Cumulative time spent acquiring store connections"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("store acquire wait counter: %w", err)
	}

	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrStoreRoles.String(joinRoles(roles)),
	}
	stateAttrs := func(state string) metric.ObserveOption {
		return metric.WithAttributes(append(slices.Clone(base), telemetry.AttrConnectionState.String(state))...)
	}
	idle, acquired, constructing := stateAttrs("idle"), stateAttrs("acquired"), stateAttrs("constructing")
	baseOpt := metric.WithAttributes(base...)

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		u := usage()
		o.ObserveInt64(connections, int64(u.Idle), idle)
		o.ObserveInt64(connections, int64(u.Acquired), acquired)
		o.ObserveInt64(connections, int64(u.Constructing), constructing)
		o.ObserveInt64(capacity, int64(u.Max), baseOpt)
		o.ObserveInt64(emptyAcquires, u.EmptyAcquires, baseOpt)
		o.ObserveFloat64(acquireWait, u.AcquireWait.Seconds(), baseOpt)
		return nil
	}, connections, capacity, emptyAcquires, acquireWait)
	if err != nil {
		return nil, fmt.Errorf("register store pool callback: %w", err)
	}
	return &PoolObserver{registration: reg}, nil
}

// Close stops reporting. Safe on a nil observer.
func (p *PoolObserver) Close() {
	if p == nil || p.registration == nil {
		return
	}
	_ = p.registration.Unregister()
}

func joinRoles(roles []StoreRole) string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		if name := strings.TrimSpace(string(role)); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "unassigned"
	}
	slices.Sort(names)
	return strings.Join(slices.Compact(names), ",")
}
