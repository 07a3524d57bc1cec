package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mgmtagent/internal/domain"
)

func TestNewPrometheusMetrics_UsesProvidedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	m := NewPrometheusMetrics(registry)
	m.ObserveRegistryBind(domain.RegistryModeCreated, nil)
	m.ObserveConnectorStart(5*time.Millisecond, nil)
	m.ObserveConnectorStop(nil)
	m.SetConnectorUp(true)
	m.ObserveAuthentication(domain.AuthOutcomeRejected)
	m.ObserveCall("/mgmt.connector.v1.Management/Info", time.Millisecond, nil)
	m.ObserveWatcherJoin("batch-job")

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}

	assert.Contains(t, names, "mgmt_registry_binds_total")
	assert.Contains(t, names, "mgmt_connector_starts_total")
	assert.Contains(t, names, "mgmt_connector_stops_total")
	assert.Contains(t, names, "mgmt_connector_start_duration_seconds")
	assert.Contains(t, names, "mgmt_connector_up")
	assert.Contains(t, names, "mgmt_auth_attempts_total")
	assert.Contains(t, names, "mgmt_call_duration_seconds")
	assert.Contains(t, names, "mgmt_watcher_joins_total")
}

func TestPrometheusMetrics_Labels(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.ObserveAuthentication(domain.AuthOutcomeAccepted)
	m.ObserveAuthentication(domain.AuthOutcomeRejected)
	m.ObserveAuthentication(domain.AuthOutcomeRejected)
	m.ObserveRegistryBind(domain.RegistryModeReused, errors.New("boom"))
	m.SetConnectorUp(true)
	m.SetConnectorUp(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.authAttempts.WithLabelValues("accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.authAttempts.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registryBinds.WithLabelValues("reused", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectorUp))
}

func TestRuntimeProvider_GatherIncludesGoCollector(t *testing.T) {
	provider := NewRuntimeProvider(NewRuntimeRegistry(), zap.NewNop())

	families, err := provider.Gather(context.Background())
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "go_goroutines" {
			found = true
		}
	}
	require.True(t, found)
}

func TestRuntimeProvider_Invoke(t *testing.T) {
	provider := NewRuntimeProvider(prometheus.NewRegistry(), zap.NewNop())
	ctx := context.Background()

	_, err := provider.Invoke(ctx, OpGC, nil)
	require.NoError(t, err)

	out, err := provider.Invoke(ctx, OpStack, map[string]any{"all": false})
	require.NoError(t, err)
	require.Contains(t, out["stack"], "goroutine")

	out, err = provider.Invoke(ctx, OpSetGCPercent, map[string]any{"percent": float64(100)})
	require.NoError(t, err)
	previous := out["previous"].(float64)
	_, err = provider.Invoke(ctx, OpSetGCPercent, map[string]any{"percent": previous})
	require.NoError(t, err)

	_, err = provider.Invoke(ctx, OpSetGCPercent, map[string]any{"percent": "high"})
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeInvalidArgument, code)

	_, err = provider.Invoke(ctx, "runtime.reboot", nil)
	code, ok = domain.CodeFrom(err)
	require.True(t, ok)
	require.Equal(t, domain.CodeNotFound, code)
}

func TestRuntimeProvider_Info(t *testing.T) {
	provider := NewRuntimeProvider(nil, nil)
	info := provider.Info(context.Background())
	require.Positive(t, info.PID)
	require.Positive(t, info.Goroutines)
	require.NotEmpty(t, info.GoVersion)
}
