// Package orchestrator runs the per-message detection pipeline, invoked
// once per inbound update. Goroutine-per-message dispatch with a soft
// concurrency cap on the paid tier is grounded on
// internal/mempool/poller.go's per-tick processing loop (bounded work,
// measured timing) generalized from a ticker-driven batch loop to one
// invocation per message; the semaphore.Weighted gate bounds concurrent
// paid-tier calls.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Viphunter83/userbot-orders/internal/budget"
	"github.com/Viphunter83/userbot-orders/internal/classifier"
	"github.com/Viphunter83/userbot-orders/internal/db"
	"github.com/Viphunter83/userbot-orders/internal/metrics"
	"github.com/Viphunter83/userbot-orders/internal/models"
	"github.com/Viphunter83/userbot-orders/internal/monitor"
	"github.com/Viphunter83/userbot-orders/internal/patterns"
	"github.com/Viphunter83/userbot-orders/internal/registry"
)

// InboundMessage is the shape the messaging-network client dispatches
// per update.
type InboundMessage struct {
	ExternalID string          `json:"messageId" binding:"required"`
	ChatID     string          `json:"chatId" binding:"required"`
	ChatName   string          `json:"chatName"`
	ChatKind   models.ChatKind `json:"chatType"`
	AuthorID   string          `json:"authorId"`
	AuthorName string          `json:"authorName"`
	Text       string          `json:"text"`
	Caption    string          `json:"caption"`
	Timestamp  time.Time       `json:"timestamp"`
	PermaLink  string          `json:"telegramLink"`
}

// body returns whichever of Text/Caption carries content.
func (m InboundMessage) body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Orchestrator wires every pipeline collaborator. All fields are safe
// for concurrent use: the registry is read-mostly, the pattern bank is
// immutable after construction, and the store/cache/governor are
// internally synchronized.
type Orchestrator struct {
	registry   *registry.Registry
	patterns   *patterns.Matcher
	classifier *classifier.Client
	governor   *budget.Governor
	store      *db.Store
	fallback   *db.HTTPFallback
	sink       *metrics.Sink
	monitor    *monitor.Monitor
	onOrder    func(models.Order)
	sem        *semaphore.Weighted
	log        zerolog.Logger

	relevanceThreshold float64
	shortMessageGuard   int
}

// Config is the subset of process configuration the orchestrator needs
// beyond its injected collaborators.
type Config struct {
	RelevanceThreshold    float64
	ShortMessageGuard     int
	MaxConcurrentLLMCalls int64
}

// New constructs an Orchestrator. Every dependency is injected
// explicitly — no package-level singletons.
func New(
	reg *registry.Registry,
	pm *patterns.Matcher,
	cl *classifier.Client,
	gov *budget.Governor,
	store *db.Store,
	fallback *db.HTTPFallback,
	sink *metrics.Sink,
	mon *monitor.Monitor,
	onOrder func(models.Order),
	cfg Config,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:            reg,
		patterns:            pm,
		classifier:          cl,
		governor:            gov,
		store:               store,
		fallback:            fallback,
		sink:                sink,
		monitor:             mon,
		onOrder:             onOrder,
		sem:                 semaphore.NewWeighted(cfg.MaxConcurrentLLMCalls),
		log:                 log.With().Str("component", "orchestrator").Logger(),
		relevanceThreshold:  cfg.RelevanceThreshold,
		shortMessageGuard:   cfg.ShortMessageGuard,
	}
}

// Process runs the pipeline for one inbound message: extract, allow-list,
// normalize, persist, classify, persist the detection, record metrics. It
// is safe to invoke concurrently from many goroutines, one per inbound
// message, with no ordering guarantee across messages.
func (o *Orchestrator) Process(ctx context.Context, msg InboundMessage) error {
	// Step 1: extraction.
	text := msg.body()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if msg.ExternalID == "" || msg.ChatID == "" {
		return nil
	}

	// Step 2: allow-list.
	if !o.registry.IsMonitored(msg.ChatID) {
		return nil
	}

	// Step 3: normalize.
	normalized := classifier.Normalize(text)
	normalized = models.TruncateText(normalized)
	if normalized == "" {
		return nil
	}

	// Step 4: persist the message (ensure chat, then insert message).
	chatRow, dup, persistErr := o.persistMessage(ctx, msg, normalized)
	if persistErr != nil {
		o.monitor.Record(monitor.KindTransientPersistence, "orchestrator", persistErr.Error())
		return persistErr
	}
	_ = dup // a dedup hit still proceeds to classification

	// Step 5: Tier A (pattern matcher).
	if det := o.patterns.Analyze(normalized); det != nil {
		return o.persistOrderAndRecord(ctx, msg, chatRow.ID, normalized, det.Category, det.Confidence, models.DetectionRegex)
	}

	// Step 6: Tier B/C/D (remote classifier), gated by the short-message
	// guard and the soft concurrency cap.
	if utf8.RuneCountInString(normalized) <= o.shortMessageGuard {
		return o.recordMessageOnly(ctx)
	}

	if !o.sem.TryAcquire(1) {
		// Saturated: fall back to tier-A-only, favouring freshness over
		// completeness.
		return o.recordMessageOnly(ctx)
	}
	defer o.sem.Release(1)

	result, err := o.classifier.Classify(ctx, normalized)
	if err != nil {
		o.monitor.Record(monitor.KindTransientRemote, "classifier", err.Error())
		return o.recordMessageOnly(ctx)
	}
	if result == nil || !result.IsOrder || result.Relevance < o.relevanceThreshold {
		return o.recordMessageOnly(ctx)
	}

	if err := o.persistOrderAndRecord(ctx, msg, chatRow.ID, normalized, result.Category, result.Relevance, models.DetectionLLM); err != nil {
		return err
	}

	// Step 7: token/cost metrics, in addition to the message+detection
	// counters persistOrderAndRecord already recorded.
	return o.sink.Record(ctx, metrics.Delta{
		Tokens:  int64(result.TokensIn + result.TokensOut),
		CostUSD: 0, // already charged to the governor inside classifier.Classify
	})
}

// persistMessage ensures the chat row exists, inserts the message, and
// returns the resolved chat (so callers don't need a second chat upsert
// just to learn its id).
func (o *Orchestrator) persistMessage(ctx context.Context, msg InboundMessage, normalized string) (models.Chat, bool, error) {
	if o.store != nil {
		var chat models.Chat
		var created bool
		err := o.store.RunInTx(ctx, func(ctx context.Context, q db.Querier) error {
			chatRes, err := db.UpsertChat(ctx, q, msg.ChatID, msg.ChatName, string(msg.ChatKind))
			if err != nil {
				return err
			}
			chat = chatRes.Row
			msgRes, err := db.InsertMessage(ctx, q, models.Message{
				ExternalID: msg.ExternalID,
				ChatID:     chat.ID,
				AuthorID:   msg.AuthorID,
				AuthorName: authorNamePtr(msg.AuthorName),
				Text:       normalized,
				Timestamp:  msg.Timestamp,
			})
			if err != nil {
				return err
			}
			created = msgRes.Created
			return db.TouchLastMessageAt(ctx, q, chat.ID)
		})
		return chat, !created, err
	}
	if o.fallback != nil {
		chat, err := o.fallback.EnsureChat(ctx, msg.ChatID, msg.ChatName, string(msg.ChatKind))
		if err != nil {
			return models.Chat{}, false, err
		}
		created, err := o.fallback.InsertMessage(ctx, models.Message{
			ExternalID: msg.ExternalID,
			ChatID:     chat.ID,
			AuthorID:   msg.AuthorID,
			AuthorName: authorNamePtr(msg.AuthorName),
			Text:       normalized,
			Timestamp:  msg.Timestamp,
		})
		return chat, !created, err
	}
	return models.Chat{}, false, fmt.Errorf("no persistence path configured")
}

func (o *Orchestrator) persistOrderAndRecord(ctx context.Context, msg InboundMessage, chatID int64, text string, category models.Category, relevance float64, method models.DetectionMethod) error {
	order := models.Order{
		ExternalMessageID: msg.ExternalID,
		ChatID:            chatID,
		AuthorID:          msg.AuthorID,
		AuthorName:        authorNamePtr(msg.AuthorName),
		Text:              text,
		Category:          category,
		Relevance:         relevance,
		DetectedBy:        method,
		PermaLink:         permaLinkPtr(msg.PermaLink),
	}

	var created bool
	var err error
	if o.store != nil {
		var res db.InsertResult[models.Order]
		res, err = db.InsertOrder(ctx, o.store.Pool(), order)
		created = res.Created
	} else if o.fallback != nil {
		created, err = o.fallback.InsertOrder(ctx, order)
	} else {
		err = fmt.Errorf("no persistence path configured")
	}
	if err != nil {
		o.monitor.Record(monitor.KindTransientPersistence, "orchestrator", err.Error())
		return err
	}

	delta := metrics.Delta{Messages: 1}
	if method == models.DetectionRegex {
		delta.Regex = 1
	} else {
		delta.LLM = 1
	}
	if created {
		delta.Orders = 1
	}
	if err := o.sink.Record(ctx, delta); err != nil {
		return err
	}
	if created {
		o.sink.RecordOrder(category, method)
		if o.onOrder != nil {
			persisted := order
			persisted.ChatID = chatID
			o.onOrder(persisted)
		}
	}
	return nil
}

func (o *Orchestrator) recordMessageOnly(ctx context.Context) error {
	return o.sink.Record(ctx, metrics.Delta{Messages: 1})
}

func authorNamePtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func permaLinkPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

