// Package db implements the persistence layer: a pooled transactional
// SQL primary path with a PostgREST-style HTTP fallback.
// Connection/transaction idiom (pool.Begin, deferred rollback, explicit
// commit) is lifted directly from the original internal/db/postgres.go.
// The explicit insert-or-get InsertResult primitive replaces
// original_source/src/database/repository.py's exception-based
// IntegrityError dance with ON CONFLICT ... DO NOTHING RETURNING plus a
// re-read on the no-rows branch.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Viphunter83/userbot-orders/internal/models"
)

// Querier is the common subset of *pgxpool.Pool and pgx.Tx that
// repository functions depend on, so a single call site can run either
// standalone or inside a transaction, letting each per-message pipeline
// run execute within a single transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InsertResult is a tagged result used in place of exception-based
// dedup: Created distinguishes a freshly
// inserted row from a pre-existing one returned on a uniqueness conflict.
type InsertResult[T any] struct {
	Row     T
	Created bool
}

// Store owns the pooled connection and exposes transactional access to
// every repository.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity, matching the
// teacher's Connect(connStr) shape.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool as a Querier, for read-only calls
// that don't need a transaction (health checks, reporting queries).
func (s *Store) Pool() Querier {
	return s.pool
}

// Healthy reports whether the pool can currently serve a query.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// InitSchema loads and executes schema.sql.
func (s *Store) InitSchema(ctx context.Context, schemaPath string) error {
	schemaBytes, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	if _, err := s.pool.Exec(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RunInTx begins a transaction, runs fn with the tx as Querier, and
// commits on success or rolls back on error/panic (teacher's
// begin/defer-rollback/commit idiom).
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertChat ensures a chat row exists for externalID, creating it if
// absent. Race-on-insert (two concurrent creators) resolves via
// ON CONFLICT DO NOTHING RETURNING: the loser sees zero rows and re-reads
// the winner's row.
func UpsertChat(ctx context.Context, q Querier, externalID, name, kind string) (InsertResult[models.Chat], error) {
	row := q.QueryRow(ctx, `
		INSERT INTO chats (chat_id, chat_name, chat_type, is_active, created_at, last_message_at)
		VALUES ($1, $2, $3, true, now(), now())
		ON CONFLICT (chat_id) DO NOTHING
		RETURNING id, chat_id, chat_name, chat_type, is_active, created_at, last_message_at`,
		externalID, name, kind)

	var c models.Chat
	err := row.Scan(&c.ID, &c.ExternalID, &c.Name, &c.Kind, &c.Active, &c.CreatedAt, &c.LastMessageAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err2 := GetChatByExternalID(ctx, q, externalID)
		if err2 != nil {
			return InsertResult[models.Chat]{}, err2
		}
		return InsertResult[models.Chat]{Row: existing, Created: false}, nil
	}
	if err != nil {
		return InsertResult[models.Chat]{}, fmt.Errorf("insert chat: %w", err)
	}
	return InsertResult[models.Chat]{Row: c, Created: true}, nil
}

// GetChatByExternalID reads a chat by its external id.
func GetChatByExternalID(ctx context.Context, q Querier, externalID string) (models.Chat, error) {
	var c models.Chat
	err := q.QueryRow(ctx, `
		SELECT id, chat_id, chat_name, chat_type, is_active, created_at, last_message_at
		FROM chats WHERE chat_id = $1`, externalID).
		Scan(&c.ID, &c.ExternalID, &c.Name, &c.Kind, &c.Active, &c.CreatedAt, &c.LastMessageAt)
	if err != nil {
		return models.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

// TouchLastMessageAt bumps a chat's last_message_at to now.
func TouchLastMessageAt(ctx context.Context, q Querier, chatID int64) error {
	_, err := q.Exec(ctx, `UPDATE chats SET last_message_at = now() WHERE id = $1`, chatID)
	return err
}

// InsertMessage attempts to store a message keyed on (message_id, chat_id).
// A conflict means "already stored" — Created=false and a zero Row. This
// is a dedup signal only; classification must still proceed.
func InsertMessage(ctx context.Context, q Querier, msg models.Message) (InsertResult[models.Message], error) {
	row := q.QueryRow(ctx, `
		INSERT INTO messages (message_id, chat_id, author_id, author_name, text, timestamp, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now())
		ON CONFLICT (message_id, chat_id) DO NOTHING
		RETURNING id, message_id, chat_id, author_id, author_name, text, timestamp, processed, created_at`,
		msg.ExternalID, msg.ChatID, msg.AuthorID, msg.AuthorName, msg.Text, msg.Timestamp)

	var m models.Message
	err := row.Scan(&m.ID, &m.ExternalID, &m.ChatID, &m.AuthorID, &m.AuthorName, &m.Text, &m.Timestamp, &m.Processed, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return InsertResult[models.Message]{Created: false}, nil
	}
	if err != nil {
		return InsertResult[models.Message]{}, fmt.Errorf("insert message: %w", err)
	}
	return InsertResult[models.Message]{Row: m, Created: true}, nil
}

// InsertOrder attempts to store an order keyed on message_id (the source
// message's external id).
// Uniqueness here is the invariant guaranteeing at-most-one order per
// source message regardless of pipeline re-entry.
func InsertOrder(ctx context.Context, q Querier, o models.Order) (InsertResult[models.Order], error) {
	row := q.QueryRow(ctx, `
		INSERT INTO userbot_orders (message_id, chat_id, author_id, author_name, text, category, relevance_score, detected_by, telegram_link, created_at, exported)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), false)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING id, message_id, chat_id, author_id, author_name, text, category, relevance_score, detected_by, telegram_link, created_at, exported, feedback, notes`,
		o.ExternalMessageID, o.ChatID, o.AuthorID, o.AuthorName, o.Text, o.Category, o.Relevance, o.DetectedBy, o.PermaLink)

	var got models.Order
	err := row.Scan(&got.ID, &got.ExternalMessageID, &got.ChatID, &got.AuthorID, &got.AuthorName, &got.Text,
		&got.Category, &got.Relevance, &got.DetectedBy, &got.PermaLink, &got.CreatedAt, &got.Exported, &got.Feedback, &got.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err2 := GetOrderByExternalMessageID(ctx, q, o.ExternalMessageID)
		if err2 != nil {
			return InsertResult[models.Order]{}, err2
		}
		return InsertResult[models.Order]{Row: existing, Created: false}, nil
	}
	if err != nil {
		return InsertResult[models.Order]{}, fmt.Errorf("insert order: %w", err)
	}
	return InsertResult[models.Order]{Row: got, Created: true}, nil
}

// GetOrderByExternalMessageID reads an order by its source message id.
func GetOrderByExternalMessageID(ctx context.Context, q Querier, externalMessageID string) (models.Order, error) {
	var o models.Order
	err := q.QueryRow(ctx, `
		SELECT id, message_id, chat_id, author_id, author_name, text, category, relevance_score, detected_by, telegram_link, created_at, exported, feedback, notes
		FROM userbot_orders WHERE message_id = $1`, externalMessageID).
		Scan(&o.ID, &o.ExternalMessageID, &o.ChatID, &o.AuthorID, &o.AuthorName, &o.Text,
			&o.Category, &o.Relevance, &o.DetectedBy, &o.PermaLink, &o.CreatedAt, &o.Exported, &o.Feedback, &o.Notes)
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListOrders returns recent orders for the admin surface, optionally
// filtered by category, newest first.
func ListOrders(ctx context.Context, q Querier, category string, limit, offset int) ([]models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rows pgx.Rows
	var err error
	if category != "" {
		rows, err = q.Query(ctx, `
			SELECT id, message_id, chat_id, author_id, author_name, text, category, relevance_score, detected_by, telegram_link, created_at, exported, feedback, notes
			FROM userbot_orders WHERE category = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, category, limit, offset)
	} else {
		rows, err = q.Query(ctx, `
			SELECT id, message_id, chat_id, author_id, author_name, text, category, relevance_score, detected_by, telegram_link, created_at, exported, feedback, notes
			FROM userbot_orders ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]models.Order, 0, limit)
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.ExternalMessageID, &o.ChatID, &o.AuthorID, &o.AuthorName, &o.Text,
			&o.Category, &o.Relevance, &o.DetectedBy, &o.PermaLink, &o.CreatedAt, &o.Exported, &o.Feedback, &o.Notes); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// IncrementDailyStat applies additive deltas to the current day's row,
// creating it on first write.
func IncrementDailyStat(ctx context.Context, q Querier, date string, messages, orders, regex, llm, tokens int64, cost float64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO stats (date, total_messages, detected_orders, regex_detections, llm_detections, llm_tokens_used, llm_cost_usd, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (date) DO UPDATE SET
			total_messages   = stats.total_messages + EXCLUDED.total_messages,
			detected_orders  = stats.detected_orders + EXCLUDED.detected_orders,
			regex_detections = stats.regex_detections + EXCLUDED.regex_detections,
			llm_detections   = stats.llm_detections + EXCLUDED.llm_detections,
			llm_tokens_used  = stats.llm_tokens_used + EXCLUDED.llm_tokens_used,
			llm_cost_usd     = stats.llm_cost_usd + EXCLUDED.llm_cost_usd,
			updated_at       = now()`,
		date, messages, orders, regex, llm, tokens, cost)
	return err
}

// GetDailyStat reads a single day's counters; a zero-value row with no
// error is returned if the day has seen no activity yet.
func GetDailyStat(ctx context.Context, q Querier, date string) (models.DailyStat, error) {
	var d models.DailyStat
	err := q.QueryRow(ctx, `
		SELECT id, date, total_messages, detected_orders, regex_detections, llm_detections, llm_tokens_used, llm_cost_usd, avg_response_time_ms, false_positive_count, created_at, updated_at
		FROM stats WHERE date = $1`, date).
		Scan(&d.ID, &d.Date, &d.TotalMessages, &d.DetectedOrders, &d.RegexDetections, &d.LLMDetections,
			&d.LLMTokensUsed, &d.LLMCostUSD, &d.AvgResponseTimeMs, &d.FalsePositiveCount, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DailyStat{Date: date}, nil
	}
	if err != nil {
		return models.DailyStat{}, fmt.Errorf("get daily stat: %w", err)
	}
	return d, nil
}

// UpsertChatStat applies additive deltas to the (chat, date) rollup.
func UpsertChatStat(ctx context.Context, q Querier, chatID int64, date string, messages, orders int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO chat_stats (chat_id, date, messages_count, orders_count, order_percentage)
		VALUES ($1, $2, $3, $4, CASE WHEN $3 = 0 THEN 0 ELSE $4::float / $3 * 100 END)
		ON CONFLICT (chat_id, date) DO UPDATE SET
			messages_count   = chat_stats.messages_count + EXCLUDED.messages_count,
			orders_count     = chat_stats.orders_count + EXCLUDED.orders_count,
			order_percentage = CASE WHEN (chat_stats.messages_count + EXCLUDED.messages_count) = 0 THEN 0
				ELSE (chat_stats.orders_count + EXCLUDED.orders_count)::float / (chat_stats.messages_count + EXCLUDED.messages_count) * 100 END`,
		chatID, date, messages, orders)
	return err
}

// InsertFeedback records an operator correction on a stored order.
func InsertFeedback(ctx context.Context, q Querier, f models.Feedback) (models.Feedback, error) {
	row := q.QueryRow(ctx, `
		INSERT INTO feedback (order_id, feedback_type, reason, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, order_id, feedback_type, reason, created_at`,
		f.OrderID, f.Type, f.Reason)
	var out models.Feedback
	if err := row.Scan(&out.ID, &out.OrderID, &out.Type, &out.Reason, &out.CreatedAt); err != nil {
		return models.Feedback{}, fmt.Errorf("insert feedback: %w", err)
	}
	return out, nil
}
