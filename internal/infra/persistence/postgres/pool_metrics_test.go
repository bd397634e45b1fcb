package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestObservePoolReportsUsageByRole(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	usage := PoolUsage{Idle: 3, Acquired: 2, Constructing: 1, Max: 16, EmptyAcquires: 7, AcquireWait: 1500 * time.Millisecond}
	observer, err := observePool(provider.Meter("test"), func() PoolUsage { return usage },
		[]StoreRole{RoleLedger, RoleCredentials, RoleLedger})
	require.NoError(t, err)

	data := collect(t, reader)
	gauge, ok := data["venuelink.store.connections"].(metricdata.Gauge[int64])
	require.True(t, ok)
	byState := make(map[string]int64)
	for _, dp := range gauge.DataPoints {
		roles, _ := dp.Attributes.Value(telemetry.AttrStoreRoles)
		require.Equal(t, "credentials,ledger", roles.AsString())
		state, _ := dp.Attributes.Value(telemetry.AttrConnectionState)
		byState[state.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"idle": 3, "acquired": 2, "constructing": 1}, byState)

	capacity := data["venuelink.store.connections.max"].(metricdata.Gauge[int64])
	require.Equal(t, int64(16), capacity.DataPoints[0].Value)
	empty := data["venuelink.store.acquire.empty"].(metricdata.Sum[int64])
	require.Equal(t, int64(7), empty.DataPoints[0].Value)
	wait := data["venuelink.store.acquire.wait"].(metricdata.Sum[float64])
	require.InDelta(t, 1.5, wait.DataPoints[0].Value, 1e-9)

	observer.Close()
	usage.Acquired = 9
	data = collect(t, reader)
	if agg, ok := data["venuelink.store.connections"]; ok {
		require.Empty(t, agg.(metricdata.Gauge[int64]).DataPoints, "unregistered callback should stop reporting")
	}
}

func TestObservePoolRejectsNilPool(t *testing.T) {
	_, err := ObservePool(nil, RoleCredentials)
	require.Error(t, err)
	var observer *PoolObserver
	observer.Close()
}

func TestJoinRolesDefaults(t *testing.T) {
	require.Equal(t, "unassigned", joinRoles(nil))
	require.Equal(t, "credentials", joinRoles([]StoreRole{" credentials ", ""}))
	require.Equal(t, attribute.STRING, telemetry.AttrStoreRoles.String("x").Value.Type())
}
