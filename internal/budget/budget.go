// Package budget implements the budget governor: a daily cost ceiling
// gate in front of the remote classifier. Grounded on the
// teacher's internal/api/ratelimit.go mutex-guarded counter-with-reset
// shape (RateLimiter/ipBucket/cleanupLoop), adapted from a per-IP token
// bucket to a single process-wide daily spend counter reset at UTC
// midnight instead of on a rolling window.
package budget

import (
	"context"
	"sync"
	"time"
)

// Tariff converts token counts into USD cost.
type Tariff struct {
	CostPerKInputTokens  float64
	CostPerKOutputTokens float64
}

// Cost computes the USD cost of a completion given input/output token
// counts, using a per-thousand-token tariff.
func (t Tariff) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*t.CostPerKInputTokens + float64(outputTokens)/1000*t.CostPerKOutputTokens
}

// Governor tracks cumulative spend for the current UTC day and refuses
// further remote-classifier calls once the ceiling is reached.
type Governor struct {
	mu       sync.Mutex
	ceiling  float64
	spent    float64
	day      string
	tariff   Tariff
}

// NewGovernor constructs a Governor with the given daily ceiling and
// tariff. The day counter starts at the current UTC date.
func NewGovernor(ceilingUSD float64, tariff Tariff) *Governor {
	return &Governor{
		ceiling: ceilingUSD,
		day:     currentDay(),
		tariff:  tariff,
	}
}

func currentDay() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Allow reports whether the governor currently has headroom to permit one
// more remote-classifier call. It does not reserve any budget — callers
// must report actual spend via Record after the call completes: budget
// is checked before the call and charged after.
func (g *Governor) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.spent < g.ceiling
}

// Record charges the governor for tokens actually consumed by a
// completed remote-classifier call.
func (g *Governor) Record(inputTokens, outputTokens int) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	cost := g.tariff.Cost(inputTokens, outputTokens)
	g.spent += cost
	return cost
}

// Spent reports the current day's cumulative spend.
func (g *Governor) Spent() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.spent
}

// Remaining reports headroom under the ceiling; never negative.
func (g *Governor) Remaining() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	if r := g.ceiling - g.spent; r > 0 {
		return r
	}
	return 0
}

func (g *Governor) rolloverLocked() {
	if today := currentDay(); today != g.day {
		g.day = today
		g.spent = 0
	}
}

// ResetDay unconditionally zeroes the current day's spend and advances
// the day marker to today. Scheduled to run once per UTC day by Run, but
// may also be invoked manually (an operator-triggered reset).
func (g *Governor) ResetDay() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.day = currentDay()
	g.spent = 0
}

// Run wakes on every tick and resets the day whenever the UTC date has
// rolled over, until ctx is cancelled. Owned and started explicitly by
// the caller (cmd/userbot/main.go).
func (g *Governor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			g.rolloverLocked()
			g.mu.Unlock()
		}
	}
}
