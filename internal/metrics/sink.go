// Package metrics maintains the DailyStat row for the current day and
// exposes the same counters via
// Prometheus. The Prometheus wiring (promauto.NewCounterVec /
// NewGaugeVec keyed by label, held on a struct) is grounded on
// Generativebots-ocx-backend-go-svc's internal/escrow/metrics.go.
// Day-row maintenance is grounded on the additive-UPSERT idiom already
// in internal/db/postgres.go, reused here through internal/db's
// IncrementDailyStat.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Viphunter83/userbot-orders/internal/db"
	"github.com/Viphunter83/userbot-orders/internal/models"
)

// Registry holds every counter/gauge this process exposes.
type Registry struct {
	MessagesTotal   prometheus.Counter
	OrdersTotal     *prometheus.CounterVec // labels: category, detected_by
	LLMTokensTotal  prometheus.Counter
	LLMCostTotal    prometheus.Counter
	CacheSize       prometheus.Gauge
	BudgetRemaining prometheus.Gauge
	ErrorsTotal     *prometheus.CounterVec // labels: kind, component
}

// NewRegistry constructs and registers every collector on the given
// Prometheus registerer. cmd/userbot passes a dedicated
// prometheus.NewRegistry() that it also serves on /metrics; tests pass a
// fresh one each.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		MessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "userbot_messages_total",
			Help: "Total inbound messages processed by the orchestrator.",
		}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "userbot_orders_total",
			Help: "Total detected orders, by category and detection method.",
		}, []string{"category", "detected_by"}),
		LLMTokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "userbot_llm_tokens_total",
			Help: "Total tokens consumed by the remote classifier.",
		}),
		LLMCostTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "userbot_llm_cost_usd_total",
			Help: "Total USD cost billed by the remote classifier.",
		}),
		CacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "userbot_cache_entries",
			Help: "Current entry count in the response cache.",
		}),
		BudgetRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "userbot_budget_remaining_usd",
			Help: "Remaining daily LLM budget headroom in USD.",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "userbot_errors_total",
			Help: "Total recorded pipeline errors, by kind and component.",
		}, []string{"kind", "component"}),
	}
}

// Sink combines the Prometheus registry with the persisted DailyStat row,
// so a single increment call keeps both in sync. store may be nil — on
// the HTTP-fallback persistence path there is no pooled connection to
// maintain a DailyStat row against, and the sink degrades to
// Prometheus-only counters rather than panicking.
type Sink struct {
	store *db.Store
	reg   *Registry
}

// NewSink constructs a Sink over a Store, which may be nil.
func NewSink(store *db.Store, reg *Registry) *Sink {
	return &Sink{store: store, reg: reg}
}

// Delta is an additive set of counters for one increment call — each
// field is an additive delta, never an absolute value.
type Delta struct {
	Messages int64
	Orders   int64
	Regex    int64
	LLM      int64
	Tokens   int64
	CostUSD  float64
}

// Record applies delta to both the day's persisted row and the
// corresponding Prometheus counters. The persisted row is skipped when no
// Store is configured.
func (s *Sink) Record(ctx context.Context, delta Delta) error {
	if s.store != nil {
		date := time.Now().UTC().Format("2006-01-02")
		if err := db.IncrementDailyStat(ctx, s.store.Pool(), date, delta.Messages, delta.Orders, delta.Regex, delta.LLM, delta.Tokens, delta.CostUSD); err != nil {
			return err
		}
	}

	if delta.Messages > 0 {
		s.reg.MessagesTotal.Add(float64(delta.Messages))
	}
	if delta.Tokens > 0 {
		s.reg.LLMTokensTotal.Add(float64(delta.Tokens))
	}
	if delta.CostUSD > 0 {
		s.reg.LLMCostTotal.Add(delta.CostUSD)
	}
	return nil
}

// RecordOrder increments the category/method-labelled order counter in
// addition to the aggregate Delta passed to Record.
func (s *Sink) RecordOrder(category models.Category, method models.DetectionMethod) {
	s.reg.OrdersTotal.WithLabelValues(string(category), string(method)).Inc()
}

// Today reads the current UTC day's persisted counters for reporting.
func (s *Sink) Today(ctx context.Context) (models.DailyStat, error) {
	if s.store == nil {
		return models.DailyStat{}, fmt.Errorf("metrics sink has no persisted store configured")
	}
	date := time.Now().UTC().Format("2006-01-02")
	return db.GetDailyStat(ctx, s.store.Pool(), date)
}

// RecordChatActivity rolls up per-chat daily activity into ChatStat. A
// no-op when no Store is configured.
func (s *Sink) RecordChatActivity(ctx context.Context, chatID int64, messages, orders int64) error {
	if s.store == nil {
		return nil
	}
	date := time.Now().UTC().Format("2006-01-02")
	return db.UpsertChatStat(ctx, s.store.Pool(), chatID, date, messages, orders)
}
