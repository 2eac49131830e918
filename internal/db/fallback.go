package db

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Viphunter83/userbot-orders/internal/models"
)

// HTTPFallback is the PostgREST-style tabular surface used only when the
// pooled path is unusable. Manual request-building with a
// timeout, shaped after internal/bitcoin/client.go's raw http.Client
// calls; status-code handling (201/409/4xx/5xx) follows
// original_source/src/database/fallback.py's SupabaseClient dance.
type HTTPFallback struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPFallback constructs a fallback client against a PostgREST-style
// base URL, authenticated with a bearer token.
func NewHTTPFallback(baseURL, token string) *HTTPFallback {
	return &HTTPFallback{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (f *HTTPFallback) request(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)
	if method == http.MethodPost {
		req.Header.Set("Prefer", "return=representation,resolution=merge-duplicates")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fallback request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read fallback response: %w", err)
	}
	return resp, respBody, nil
}

// EnsureChat creates the chat row if it does not already exist, or
// returns the existing one, via a PostgREST upsert (on_conflict plus
// merge-duplicates resolution) so the caller always gets back the row's
// internal id to stamp onto subsequent message/order writes — the same
// id the pooled path's UpsertChat returns. Best-effort: not
// transactional with the subsequent message/order writes.
func (f *HTTPFallback) EnsureChat(ctx context.Context, externalID, name, kind string) (models.Chat, error) {
	resp, body, err := f.request(ctx, http.MethodPost, "/chats?on_conflict=chat_id", map[string]any{
		"chat_id":   externalID,
		"chat_name": name,
		"chat_type": kind,
		"is_active": true,
	})
	if err != nil {
		return models.Chat{}, err
	}
	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var rows []models.Chat
		if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
			return models.Chat{}, fmt.Errorf("fallback ensure chat: decode representation: %w", err)
		}
		return rows[0], nil
	case resp.StatusCode >= 500:
		return models.Chat{}, fmt.Errorf("fallback ensure chat: backend error %d: %s", resp.StatusCode, body)
	default:
		return models.Chat{}, fmt.Errorf("fallback ensure chat: schema error %d: %s", resp.StatusCode, body)
	}
}

// InsertMessage stores a message via the tabular surface. 409 means
// already-stored, reported as Created=false with no error, matching the
// pooled path's dedup semantics.
func (f *HTTPFallback) InsertMessage(ctx context.Context, msg models.Message) (bool, error) {
	resp, body, err := f.request(ctx, http.MethodPost, "/messages", map[string]any{
		"message_id":  msg.ExternalID,
		"chat_id":     msg.ChatID,
		"author_id":   msg.AuthorID,
		"author_name": msg.AuthorName,
		"text":        msg.Text,
		"timestamp":   msg.Timestamp,
	})
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode == http.StatusCreated:
		return true, nil
	case resp.StatusCode == http.StatusConflict:
		return false, nil
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("fallback insert message: backend error %d: %s", resp.StatusCode, body)
	default:
		return false, fmt.Errorf("fallback insert message: schema error %d: %s", resp.StatusCode, body)
	}
}

// InsertOrder stores an order via the tabular surface, same status dance
// as InsertMessage.
func (f *HTTPFallback) InsertOrder(ctx context.Context, o models.Order) (bool, error) {
	resp, body, err := f.request(ctx, http.MethodPost, "/userbot_orders", map[string]any{
		"message_id":      o.ExternalMessageID,
		"chat_id":         o.ChatID,
		"author_id":       o.AuthorID,
		"author_name":     o.AuthorName,
		"text":            o.Text,
		"category":        o.Category,
		"relevance_score": o.Relevance,
		"detected_by":     o.DetectedBy,
		"telegram_link":   o.PermaLink,
	})
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode == http.StatusCreated:
		return true, nil
	case resp.StatusCode == http.StatusConflict:
		return false, nil
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("fallback insert order: backend error %d: %s", resp.StatusCode, body)
	default:
		return false, fmt.Errorf("fallback insert order: schema error %d: %s", resp.StatusCode, body)
	}
}

// ListOrders queries the tabular surface using PostgREST-style query
// parameters (?eq./?order=/?limit=/?offset=).
func (f *HTTPFallback) ListOrders(ctx context.Context, category string, limit, offset int) ([]models.Order, error) {
	q := url.Values{}
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if category != "" {
		q.Set("category", "eq."+category)
	}

	resp, body, err := f.request(ctx, http.MethodGet, "/userbot_orders?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fallback list orders: %d: %s", resp.StatusCode, body)
	}

	var orders []models.Order
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode fallback orders: %w", err)
	}
	return orders, nil
}
