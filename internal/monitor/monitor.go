// Package monitor implements the error monitor: a rolling counter
// keyed by (kind, component) with bounded recent history, used for
// alerting side-channel visibility rather than control flow. Grounded on
// internal/heuristics/alert_system.go's AlertManager (RWMutex-guarded
// state, bounded history slice, severity-gated
// callback), generalized from Bitcoin-forensics alert severities to
// pipeline error kinds.
package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Kind enumerates the pipeline error categories this monitor tracks.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindTransientRemote       Kind = "transient_remote"
	KindTransientPersistence  Kind = "transient_persistence"
	KindBudgetExhaustion      Kind = "budget_exhaustion"
	KindFatalConfig           Kind = "fatal_config"
)

// Tick is one recorded error occurrence.
type Tick struct {
	Kind      Kind
	Component string
	Message   string
	At        time.Time
}

type counterKey struct {
	kind      Kind
	component string
}

// Monitor tracks error counts and recent history, independent of any
// downstream alerting integration — there is no paging integration.
type Monitor struct {
	mu          sync.RWMutex
	counts      map[counterKey]int64
	recent      []Tick
	maxHistory  int
	onTick      func(Tick) // optional, e.g. websocket broadcast
	errorsTotal *prometheus.CounterVec // optional, labels: kind, component
	log         zerolog.Logger
}

// New constructs a Monitor. onTick and errorsTotal may both be nil; when
// errorsTotal is set (metrics.Registry.ErrorsTotal in production) every
// Record call also increments the Prometheus counter for that (kind,
// component) pair, so /metrics reflects the same ticks Recent() exposes.
func New(log zerolog.Logger, onTick func(Tick), errorsTotal ...*prometheus.CounterVec) *Monitor {
	var counter *prometheus.CounterVec
	if len(errorsTotal) > 0 {
		counter = errorsTotal[0]
	}
	return &Monitor{
		counts:      make(map[counterKey]int64),
		maxHistory:  500,
		onTick:      onTick,
		errorsTotal: counter,
		log:         log.With().Str("component", "error_monitor").Logger(),
	}
}

// Record logs a tick at Warn/Error level (fatal_config escalates to
// Error), increments its rolling counter, and appends to bounded recent
// history.
func (m *Monitor) Record(kind Kind, component, message string) {
	t := Tick{Kind: kind, Component: component, Message: message, At: time.Now().UTC()}

	m.mu.Lock()
	key := counterKey{kind: kind, component: component}
	m.counts[key]++
	m.recent = append(m.recent, t)
	if len(m.recent) > m.maxHistory {
		m.recent = m.recent[len(m.recent)-m.maxHistory:]
	}
	m.mu.Unlock()

	event := m.log.Warn()
	if kind == KindFatalConfig {
		event = m.log.Error()
	}
	event.Str("kind", string(kind)).Str("component", component).Msg(message)

	if m.errorsTotal != nil {
		m.errorsTotal.WithLabelValues(string(kind), component).Inc()
	}
	if m.onTick != nil {
		m.onTick(t)
	}
}

// Count returns the rolling count for a (kind, component) pair.
func (m *Monitor) Count(kind Kind, component string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[counterKey{kind: kind, component: component}]
}

// Recent returns up to n most-recent ticks, newest last.
func (m *Monitor) Recent(n int) []Tick {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	out := make([]Tick, n)
	copy(out, m.recent[len(m.recent)-n:])
	return out
}
