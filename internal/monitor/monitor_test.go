package monitor

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr)
}

func TestMonitor_RecordIncrementsCount(t *testing.T) {
	m := New(testLogger(), nil)
	m.Record(KindTransientRemote, "classifier", "timeout")
	m.Record(KindTransientRemote, "classifier", "timeout again")
	m.Record(KindValidation, "classifier", "bad payload")

	assert.Equal(t, int64(2), m.Count(KindTransientRemote, "classifier"))
	assert.Equal(t, int64(1), m.Count(KindValidation, "classifier"))
	assert.Equal(t, int64(0), m.Count(KindBudgetExhaustion, "classifier"))
}

func TestMonitor_RecentBoundedAndOrdered(t *testing.T) {
	m := New(testLogger(), nil)
	m.Record(KindValidation, "x", "first")
	m.Record(KindValidation, "x", "second")
	m.Record(KindValidation, "x", "third")

	recent := m.Recent(2)
	assert.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Message)
	assert.Equal(t, "third", recent[1].Message)
}

func TestMonitor_RecordIncrementsPrometheusCounterWhenWired(t *testing.T) {
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_errors_total",
	}, []string{"kind", "component"})

	m := New(testLogger(), nil, errorsTotal)
	m.Record(KindTransientRemote, "classifier", "timeout")
	m.Record(KindTransientRemote, "classifier", "timeout again")

	var metric dto.Metric
	require.NoError(t, errorsTotal.WithLabelValues(string(KindTransientRemote), "classifier").Write(&metric))
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())
}

func TestMonitor_OnTickCallbackFires(t *testing.T) {
	var got Tick
	m := New(testLogger(), func(t Tick) { got = t })
	m.Record(KindFatalConfig, "config", "missing key")
	assert.Equal(t, KindFatalConfig, got.Kind)
	assert.Equal(t, "missing key", got.Message)
}
