package jobmetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestTrackerRecordsStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("period_close").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("period_close").End(boom), boom)

	require.Equal(t, 1.0, counterValue(t, m.runs.WithLabelValues("period_close", "success")))
	require.Equal(t, 1.0, counterValue(t, m.runs.WithLabelValues("period_close", "failure")))
	require.Equal(t, 1.0, counterValue(t, m.failures.WithLabelValues("period_close")))
}

func TestObserveClosing(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveClosing("closed", time.Second)
	m.ObserveClosing("closed", time.Second)
	m.ObserveClosing("blocked", time.Millisecond)

	require.Equal(t, 2.0, counterValue(t, m.closings.WithLabelValues("closed")))
	require.Equal(t, 1.0, counterValue(t, m.closings.WithLabelValues("blocked")))

	var nilMetrics *Metrics
	nilMetrics.ObserveClosing("closed", time.Second)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
