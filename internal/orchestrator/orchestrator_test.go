package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Viphunter83/userbot-orders/internal/budget"
	"github.com/Viphunter83/userbot-orders/internal/cache"
	"github.com/Viphunter83/userbot-orders/internal/classifier"
	"github.com/Viphunter83/userbot-orders/internal/db"
	"github.com/Viphunter83/userbot-orders/internal/metrics"
	"github.com/Viphunter83/userbot-orders/internal/models"
	"github.com/Viphunter83/userbot-orders/internal/monitor"
	"github.com/Viphunter83/userbot-orders/internal/patterns"
	"github.com/Viphunter83/userbot-orders/internal/registry"
)

func TestInboundMessage_BodyPrefersText(t *testing.T) {
	m := InboundMessage{Text: "hello", Caption: "caption"}
	assert.Equal(t, "hello", m.body())
}

func TestInboundMessage_BodyFallsBackToCaption(t *testing.T) {
	m := InboundMessage{Caption: "caption only"}
	assert.Equal(t, "caption only", m.body())
}

func TestAuthorNamePtr_EmptyIsNil(t *testing.T) {
	assert.Nil(t, authorNamePtr(""))
	assert.Equal(t, "alice", *authorNamePtr("alice"))
}

func TestPermaLinkPtr_EmptyIsNil(t *testing.T) {
	assert.Nil(t, permaLinkPtr(""))
	assert.Equal(t, "https://t.me/x/1", *permaLinkPtr("https://t.me/x/1"))
}

// --- fixtures below exercise Process end-to-end against an HTTPFallback
// REST stub (no pooled database required) and, for tier B/C/D cases, a
// stub chat-completions backend standing in for the remote classifier.

// fallbackStub is a PostgREST-shaped stand-in for the tabular REST
// surface HTTPFallback talks to. /userbot_orders tracks message_id to
// reproduce the real schema's UNIQUE constraint: a repeat insert for an
// already-seen message_id comes back 409, exactly like Postgres would.
type fallbackStub struct {
	mu         sync.Mutex
	seenOrders map[string]bool
	orderPosts []map[string]any
}

func newFallbackStub() *fallbackStub {
	return &fallbackStub{seenOrders: make(map[string]bool)}
}

func (s *fallbackStub) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/chats"):
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`[{"id":1,"chatId":"c1","chatName":"Devs","chatType":"group"}]`))
		case strings.HasPrefix(r.URL.Path, "/messages"):
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		case strings.HasPrefix(r.URL.Path, "/userbot_orders"):
			body, _ := io.ReadAll(r.Body)
			var posted map[string]any
			_ = json.Unmarshal(body, &posted)
			id, _ := posted["message_id"].(string)

			s.mu.Lock()
			dup := s.seenOrders[id]
			s.seenOrders[id] = true
			s.orderPosts = append(s.orderPosts, posted)
			s.mu.Unlock()

			if dup {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func (s *fallbackStub) orderPostCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orderPosts)
}

func (s *fallbackStub) lastOrderText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.orderPosts) == 0 {
		return ""
	}
	text, _ := s.orderPosts[len(s.orderPosts)-1]["text"].(string)
	return text
}

// llmStub stands in for the remote classifier's chat-completions endpoint.
// respond is called once per request and returns the raw JSON array
// content the real model would otherwise have produced.
type llmStub struct {
	mu      sync.Mutex
	calls   int
	respond func() string
}

func (s *llmStub) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls++
		content := s.respond()
		s.mu.Unlock()

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func (s *llmStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testLog() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testRegistryWithActiveChat(t *testing.T, chatID string) *registry.Registry {
	t.Helper()
	reg, err := registry.Load(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, err)
	require.NoError(t, reg.Add(chatID, "Devs", "group", 1))
	return reg
}

// orderTracker records every order the orchestrator's onOrder callback
// fires for, in call order.
type orderTracker struct {
	mu  sync.Mutex
	ids []string
}

func (o *orderTracker) record(order models.Order) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, order.ExternalMessageID)
}

func (o *orderTracker) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ids)
}

// harness bundles one Process-ready Orchestrator plus the stubs backing
// its persistence and classification collaborators, and an orderTracker
// recording every callback fired through onOrder.
type harness struct {
	orch     *Orchestrator
	fallback *fallbackStub
	llm      *llmStub
	orders   *orderTracker
}

// relevances, if non-empty, is consumed in order across successive LLM
// stub calls; once exhausted it repeats the last value.
func newHarness(t *testing.T, cfg Config, relevances []float64) *harness {
	t.Helper()
	return newHarnessWithCeiling(t, cfg, relevances, 1000.0)
}

// newHarnessWithCeiling lets the budget-exhaustion test share a single
// governor between the classifier and the orchestrator, exactly as
// cmd/userbot/main.go wires the production instance.
func newHarnessWithCeiling(t *testing.T, cfg Config, relevances []float64, ceilingUSD float64) *harness {
	t.Helper()

	fb := newFallbackStub()
	fbSrv := fb.server()
	t.Cleanup(fbSrv.Close)
	fallback := db.NewHTTPFallback(fbSrv.URL, "tok")

	idx := 0
	llm := &llmStub{respond: func() string {
		r := 0.9
		switch {
		case len(relevances) == 0:
		case idx < len(relevances):
			r = relevances[idx]
		default:
			r = relevances[len(relevances)-1]
		}
		idx++
		return fmt.Sprintf(`[{"is_order":true,"category":"Backend","relevance":%v,"reason":"stub"}]`, r)
	}}
	llmSrv := llm.server()
	t.Cleanup(llmSrv.Close)

	gov := budget.NewGovernor(ceilingUSD, budget.Tariff{CostPerKInputTokens: 0.1, CostPerKOutputTokens: 0.1})
	cl := classifier.New(classifier.Config{
		BaseURL:        llmSrv.URL,
		Model:          "stub",
		Timeout:        2 * time.Second,
		MaxRetries:     1,
		BatchSize:      1,
		RetryBaseDelay: time.Millisecond,
	}, cache.NewMemoryCache(time.Minute), gov, testLog())

	reg := testRegistryWithActiveChat(t, "c1")
	sink := metrics.NewSink(nil, metrics.NewRegistry(prometheus.NewRegistry()))
	mon := monitor.New(testLog(), nil)
	tracker := &orderTracker{}

	orch := New(reg, patterns.New(), cl, gov, nil, fallback, sink, mon, tracker.record, cfg, testLog())

	return &harness{orch: orch, fallback: fb, llm: llm, orders: tracker}
}

// tierAMatchText is an all-ASCII phrase guaranteed to trip a tier-A
// pattern regardless of Unicode word-boundary edge cases in the
// Cyrillic half of the pattern bank, so dedup/idempotency tests don't
// depend on normalizing Cyrillic input.
const tierAMatchText = "looking for a backend developer"

func longNonMatchingText(n int) string {
	return strings.Repeat("a", n)
}

// longNonMatchingWords stays above any tier-A confidence pattern (no
// hire/need/looking-for keywords) while still reading as natural text, so
// it reliably falls through to the remote classifier.
func longNonMatchingWords(minLen int) string {
	base := "the quick brown fox jumps over the lazy dog near the riverbank "
	var b strings.Builder
	for b.Len() < minLen {
		b.WriteString(base)
	}
	return b.String()
}

func baseConfig() Config {
	return Config{
		RelevanceThreshold:    0.5,
		ShortMessageGuard:     20,
		MaxConcurrentLLMCalls: 10,
	}
}

// --- at-most-one-order dedup / idempotent delivery ---

func TestOrchestrator_DuplicateMessage_AtMostOneOrder(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	msg := InboundMessage{
		ExternalID: "m1",
		ChatID:     "c1",
		AuthorID:   "u1",
		// Tier A pattern match avoids the remote classifier entirely.
		Text: tierAMatchText,
	}

	require.NoError(t, h.orch.Process(context.Background(), msg))
	require.NoError(t, h.orch.Process(context.Background(), msg))

	assert.Equal(t, 1, h.orders.count(), "onOrder must fire at most once for a duplicate message")
	assert.Equal(t, 2, h.fallback.orderPostCount(), "both insert attempts still reach the store; the second is the one that observes the conflict")
}

func TestOrchestrator_IdempotentDoubleDelivery_SameOutcomeBothTimes(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	msg := InboundMessage{
		ExternalID: "m2",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       "hiring a mobile developer for our app",
	}

	err1 := h.orch.Process(context.Background(), msg)
	err2 := h.orch.Process(context.Background(), msg)

	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.Equal(t, 1, h.orders.count())
}

// --- message-length boundaries ---

func TestOrchestrator_ShortMessageGuard_AtBoundarySkipsClassifier(t *testing.T) {
	cfg := baseConfig()
	cfg.ShortMessageGuard = 20
	h := newHarness(t, cfg, nil)

	msg := InboundMessage{
		ExternalID: "m3",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       longNonMatchingText(20), // == guard: must NOT reach the classifier
	}
	require.NoError(t, h.orch.Process(context.Background(), msg))
	assert.Equal(t, 0, h.llm.callCount())
	assert.Equal(t, 0, h.orders.count())
}

func TestOrchestrator_ShortMessageGuard_JustAboveBoundaryReachesClassifier(t *testing.T) {
	cfg := baseConfig()
	cfg.ShortMessageGuard = 20
	h := newHarness(t, cfg, []float64{0.9})

	msg := InboundMessage{
		ExternalID: "m4",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       longNonMatchingText(21), // one rune over the guard
	}
	require.NoError(t, h.orch.Process(context.Background(), msg))
	assert.Equal(t, 1, h.llm.callCount())
	assert.Equal(t, 1, h.orders.count())
}

func TestOrchestrator_MessageLength_TruncatedAt10000(t *testing.T) {
	cfg := baseConfig()
	h := newHarness(t, cfg, []float64{0.9})

	msg := InboundMessage{
		ExternalID: "m5",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       longNonMatchingWords(10_001) + strings.Repeat("z", 10), // push well past the bound
	}
	require.NoError(t, h.orch.Process(context.Background(), msg))
	assert.LessOrEqual(t, len([]rune(h.fallback.lastOrderText())), models.MaxMessageLength)
	assert.Equal(t, models.MaxMessageLength, len([]rune(h.fallback.lastOrderText())))
}

// --- confidence / relevance boundaries ---

func TestOrchestrator_PatternConfidence_AtAcceptanceFloorIsAccepted(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	msg := InboundMessage{
		ExternalID: "m6",
		ChatID:     "c1",
		AuthorID:   "u1",
		// matches the ui_ux_help_request pattern, confidence pinned at
		// patterns.AcceptanceFloor (0.80) exactly.
		Text: "need help with css",
	}
	require.NoError(t, h.orch.Process(context.Background(), msg))
	assert.Equal(t, 1, h.orders.count())
	assert.Equal(t, 0, h.llm.callCount(), "a tier-A match must short-circuit before the remote classifier")
}

func TestOrchestrator_Relevance_AtThresholdIsAccepted(t *testing.T) {
	cfg := baseConfig()
	cfg.RelevanceThreshold = 0.5
	h := newHarness(t, cfg, []float64{0.5})

	msg := InboundMessage{
		ExternalID: "m7",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       longNonMatchingWords(50),
	}
	require.NoError(t, h.orch.Process(context.Background(), msg))
	assert.Equal(t, 1, h.orders.count(), "relevance exactly at threshold must be accepted, not excluded")
}

func TestOrchestrator_Relevance_BelowThresholdIsRejected(t *testing.T) {
	cfg := baseConfig()
	cfg.RelevanceThreshold = 0.5
	h := newHarness(t, cfg, []float64{0.49})

	msg := InboundMessage{
		ExternalID: "m8",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       longNonMatchingWords(50),
	}
	require.NoError(t, h.orch.Process(context.Background(), msg))
	assert.Equal(t, 0, h.orders.count())
	assert.Equal(t, 0, h.fallback.orderPostCount())
}

// --- budget exhaustion ---

func TestOrchestrator_BudgetExhausted_NeverCallsClassifier(t *testing.T) {
	// Zero-ceiling governor: Allow() is false from the first call onward,
	// shared between the classifier and the orchestrator exactly as
	// cmd/userbot/main.go wires the production instance.
	h := newHarnessWithCeiling(t, baseConfig(), []float64{0.9}, 0)

	msg := InboundMessage{
		ExternalID: "m9",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       longNonMatchingWords(50),
	}
	require.NoError(t, h.orch.Process(context.Background(), msg))
	assert.Equal(t, 0, h.llm.callCount(), "an exhausted budget must stop the pipeline before any HTTP call to the classifier")
	assert.Equal(t, 0, h.orders.count())
}

// --- fallback-only persistence path (no pooled *db.Store) ---

func TestOrchestrator_FallbackOnlyPath_SinkNeverPanics(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	msg := InboundMessage{
		ExternalID: "m10",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       "looking for a mobile developer",
	}
	assert.NotPanics(t, func() {
		require.NoError(t, h.orch.Process(context.Background(), msg))
	})
	assert.Equal(t, 1, h.orders.count())
}

func TestOrchestrator_FallbackOnlyPath_NonOrderMessageStillRecordsWithoutPanic(t *testing.T) {
	h := newHarness(t, baseConfig(), nil)
	msg := InboundMessage{
		ExternalID: "m11",
		ChatID:     "c1",
		AuthorID:   "u1",
		Text:       "short", // matches no pattern and is below ShortMessageGuard, so it never reaches the classifier
	}
	assert.NotPanics(t, func() {
		require.NoError(t, h.orch.Process(context.Background(), msg))
	})
	assert.Equal(t, 0, h.orders.count())
}

func TestOrchestrator_UnmonitoredChat_NeverCallsClassifierOrFallback(t *testing.T) {
	h := newHarness(t, baseConfig(), []float64{0.9})
	msg := InboundMessage{
		ExternalID: "m12",
		ChatID:     "unregistered",
		AuthorID:   "u1",
		Text:       longNonMatchingWords(50),
	}
	require.NoError(t, h.orch.Process(context.Background(), msg))
	assert.Equal(t, 0, h.llm.callCount())
	assert.Equal(t, 0, h.fallback.orderPostCount())
}
