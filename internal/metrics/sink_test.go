package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_OrdersTotalLabelledByCategoryAndMethod(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	s := &Sink{reg: r}
	s.RecordOrder("Backend", "regex")
	s.RecordOrder("Backend", "regex")
	s.RecordOrder("Frontend", "llm")

	assert.Equal(t, float64(2), testutil.ToFloat64(r.OrdersTotal.WithLabelValues("Backend", "regex")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.OrdersTotal.WithLabelValues("Frontend", "llm")))
}

func TestRegistry_GaugesSettable(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.CacheSize.Set(42)
	r.BudgetRemaining.Set(3.5)

	assert.Equal(t, float64(42), testutil.ToFloat64(r.CacheSize))
	assert.Equal(t, 3.5, testutil.ToFloat64(r.BudgetRemaining))
}
