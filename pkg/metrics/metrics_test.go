package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndRecord(t *testing.T) {
	t.Parallel()

	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m))

	m.RecordToolCall("sales", ResultOK)
	m.RecordToolCall("sales", ResultOK)
	m.RecordToolCall("sales", ResultError)
	m.RecordUpstreamConnect("stdio", ResultError)
	m.SetUpstreamConnections(3)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.SetCatalogEntries("tools", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("sales", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("sales", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamConnects.WithLabelValues("stdio", ResultError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.upstreamConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.catalogEntries.WithLabelValues("tools")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordToolCall("x", ResultOK)
	m.SetUpstreamConnections(1)
	m.RecordHeartbeatFailure()
	m.SessionOpened()
	m.SetCatalogEntries("tools", 1)
}
