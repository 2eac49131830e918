package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testTariff() Tariff {
	return Tariff{CostPerKInputTokens: 0.001, CostPerKOutputTokens: 0.002}
}

func TestGovernor_AllowsUntilCeiling(t *testing.T) {
	g := NewGovernor(0.01, testTariff())
	assert.True(t, g.Allow())
	g.Record(5000, 0) // 5000/1000*0.001 = 0.005
	assert.True(t, g.Allow())
	g.Record(5000, 0) // total 0.010, at ceiling
	assert.False(t, g.Allow())
}

func TestGovernor_RemainingNeverNegative(t *testing.T) {
	g := NewGovernor(0.01, testTariff())
	g.Record(50000, 0)
	assert.Equal(t, float64(0), g.Remaining())
}

func TestTariff_Cost(t *testing.T) {
	tar := testTariff()
	assert.InDelta(t, 0.003, tar.Cost(1000, 1000), 1e-9)
}

func TestGovernor_ResetDayRestoresHeadroom(t *testing.T) {
	g := NewGovernor(0.01, testTariff())
	g.Record(5000, 0)
	g.Record(5000, 0)
	assert.False(t, g.Allow())

	g.ResetDay()

	assert.True(t, g.Allow())
	assert.Equal(t, float64(0), g.Spent())
}
