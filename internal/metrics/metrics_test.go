package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNew_NilRegisterer(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestNew_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Inbound("accepted")
	m.Inbound("accepted")
	m.Inbound("forbidden")
	m.Pipeline("done", 1500*time.Millisecond)
	m.Pipeline("denied_rate", 10*time.Millisecond)
	m.Generation("empty")
	m.Dropped("queue_full")

	require.Equal(t, 2.0, testutil.ToFloat64(m.inbound.WithLabelValues("accepted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.inbound.WithLabelValues("forbidden")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("done")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.generations.WithLabelValues("empty")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("queue_full")))
	require.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Inbound("accepted")
		m.Pipeline("done", time.Second)
		m.Generation("ok")
		m.Dropped("closed")
	})
}
