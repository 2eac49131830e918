// Package classifier implements the remote classifier client: tier
// B/C/D of the detection pipeline. Request construction and
// manual JSON-over-HTTP-with-timeout plumbing is grounded on the
// teacher's internal/bitcoin/client.go (ScanTxOutset/GetTxOutSetInfoLong
// build raw http.Client requests, set auth headers, unmarshal a JSON
// envelope by hand); the retry loop is grounded on
// original_source/src/utils/retry.py's retry_with_backoff, pinned to
// exponential-with-cap per that source.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/Viphunter83/userbot-orders/internal/budget"
	"github.com/Viphunter83/userbot-orders/internal/cache"
	"github.com/Viphunter83/userbot-orders/internal/models"
)

// MinTextLength is the short-circuit floor below which text is never sent
// to the cache or the network.
const MinTextLength = 3

// Result is one text's classification outcome.
type Result struct {
	IsOrder    bool
	Category   models.Category
	Relevance  float64
	Reason     string
	FromCache  bool
	TokensIn   int
	TokensOut  int
}

// Config is the subset of process configuration the classifier needs.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
	BatchSize   int
	RetryBaseDelay time.Duration
}

// Client is the remote classifier. Safe for concurrent use — it holds no
// mutable state beyond the injected cache and budget governor, which are
// themselves internally synchronized.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  cache.Cache
	gov    *budget.Governor
	log    zerolog.Logger
}

// New constructs a Client. cache and gov may be the same instances shared
// with the rest of the orchestrator.
func New(cfg Config, c cache.Cache, gov *budget.Governor, log zerolog.Logger) *Client {
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		cache: c,
		gov:   gov,
		log:   log.With().Str("component", "classifier").Logger(),
	}
}

// Normalize repairs invalid byte sequences, strips null bytes and
// replacement characters, collapses whitespace runs, and trims ends.
// This is also what the cache key is derived from.
func Normalize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		switch r {
		case 0, '�':
			return -1
		}
		return r
	}, s)
	var b strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Classify runs one text through cache → budget → remote call, in that
// order.
func (c *Client) Classify(ctx context.Context, text string) (*Result, error) {
	normalized := Normalize(text)
	if len(normalized) < MinTextLength {
		return nil, nil
	}

	key := cache.Key(normalized)
	if entry, ok := c.cache.Get(ctx, key); ok {
		return &Result{
			IsOrder:   entry.IsOrder,
			Category:  models.Category(entry.Category),
			Relevance: entry.Relevance,
			FromCache: true,
		}, nil
	}

	if !c.gov.Allow() {
		return nil, nil
	}

	result, err := c.classifyWithRetry(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	c.gov.Record(result.TokensIn, result.TokensOut)
	_ = c.cache.Set(ctx, key, cache.Entry{
		IsOrder:    result.IsOrder,
		Category:   string(result.Category),
		Relevance:  result.Relevance,
		DetectedBy: string(models.DetectionLLM),
		CachedAt:   time.Now().Unix(),
	})
	return result, nil
}

// ClassifyBatch splits inputs into sub-batches of cfg.BatchSize and
// concatenates results. Each input still individually consults the
// cache before batching.
func (c *Client) ClassifyBatch(ctx context.Context, texts []string) ([]*Result, error) {
	out := make([]*Result, len(texts))
	var toSend []string
	var toSendIdx []int

	for i, t := range texts {
		normalized := Normalize(t)
		if len(normalized) < MinTextLength {
			continue
		}
		if entry, ok := c.cache.Get(ctx, cache.Key(normalized)); ok {
			out[i] = &Result{
				IsOrder:   entry.IsOrder,
				Category:  models.Category(entry.Category),
				Relevance: entry.Relevance,
				FromCache: true,
			}
			continue
		}
		toSend = append(toSend, normalized)
		toSendIdx = append(toSendIdx, i)
	}

	batchSize := c.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	for start := 0; start < len(toSend); start += batchSize {
		end := start + batchSize
		if end > len(toSend) {
			end = len(toSend)
		}
		sub := toSend[start:end]
		if !c.gov.Allow() {
			continue
		}
		results, err := c.batchWithRetry(ctx, sub)
		if err != nil {
			c.log.Warn().Err(err).Msg("batch classify failed")
			continue
		}
		for j, r := range results {
			idx := toSendIdx[start+j]
			if r == nil {
				continue
			}
			c.gov.Record(r.TokensIn, r.TokensOut)
			out[idx] = r
			_ = c.cache.Set(ctx, cache.Key(sub[j]), cache.Entry{
				IsOrder:    r.IsOrder,
				Category:   string(r.Category),
				Relevance:  r.Relevance,
				DetectedBy: string(models.DetectionLLM),
				CachedAt:   time.Now().Unix(),
			})
		}
	}
	return out, nil
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func (c *Client) classifyWithRetry(ctx context.Context, normalized string) (*Result, error) {
	results, err := c.batchWithRetry(ctx, []string{normalized})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// batchWithRetry performs the request/retry loop for a sub-batch of
// already-normalized, already-short-circuit-checked texts. Backoff is
// exponential with a cap, matching original_source/src/utils/retry.py.
func (c *Client) batchWithRetry(ctx context.Context, texts []string) ([]*Result, error) {
	maxRetries := c.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.RetryBaseDelay, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		results, err := c.doRequest(ctx, texts)
		if err == nil {
			return results, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("classifier call failed, retrying")
	}
	return nil, fmt.Errorf("classifier exhausted retries: %w", lastErr)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	const exponentialBase = 2.0
	const maxDelay = 60 * time.Second
	d := base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * exponentialBase)
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// isRetryable reports whether err was explicitly marked retryable at its
// origin (network failure, 5xx/429, or a malformed envelope) by doRequest.
// A non-retryable 4xx is never retried on the strength of words its echoed
// response body happens to contain.
func isRetryable(err error) bool {
	var re retryableError
	return errorsAs(err, &re)
}

func errorsAs(err error, target *retryableError) bool {
	for err != nil {
		if re, ok := err.(retryableError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

const systemDirective = `You are a strict JSON classifier. For each numbered input text, decide whether it is a request to hire or commission software development work. Reply with exactly one JSON object per line, in input order: {"is_order": bool, "category": "Backend"|"Frontend"|"Mobile"|"AI/ML"|"Low-Code"|"Other", "relevance": number between 0 and 1, "reason": string}. No prose outside the JSON objects.`

func (c *Client) doRequest(ctx context.Context, texts []string) ([]*Result, error) {
	var payload strings.Builder
	for i, t := range texts {
		fmt.Fprintf(&payload, "%d. %s\n", i+1, t)
	}

	body := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemDirective},
			{Role: "user", Content: payload.String()},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retryableError{fmt.Errorf("network error: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retryableError{fmt.Errorf("network error reading body: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retryableError{fmt.Errorf("classifier returned %d (5xx/429): %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("classifier returned non-retryable %d: %s", resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, retryableError{fmt.Errorf("parse envelope: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, retryableError{fmt.Errorf("parse: no choices returned")}
	}

	objects := extractJSONObjects(parsed.Choices[0].Message.Content)
	results := make([]*Result, len(texts))
	perItemIn := parsed.Usage.PromptTokens / max1(len(texts))
	perItemOut := parsed.Usage.CompletionTokens / max1(len(texts))
	for i := range texts {
		if i >= len(objects) {
			continue
		}
		r, ok := validateSchema(objects[i])
		if !ok {
			continue
		}
		r.TokensIn = perItemIn
		r.TokensOut = perItemOut
		results[i] = r
	}
	return results, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

type rawClassification struct {
	IsOrder   *bool    `json:"is_order"`
	Category  *string  `json:"category"`
	Relevance *float64 `json:"relevance"`
	Reason    string   `json:"reason"`
}

// extractJSONObjects is a lenient parse strategy: try the full payload
// first, then scan for balanced `{…}` substrings.
func extractJSONObjects(content string) []rawClassification {
	var out []rawClassification
	if err := json.Unmarshal([]byte(content), &out); err == nil {
		return out
	}

	depth := 0
	start := -1
	for i, r := range content {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					var rc rawClassification
					if err := json.Unmarshal([]byte(content[start:i+1]), &rc); err == nil {
						out = append(out, rc)
					}
					start = -1
				}
			}
		}
	}
	return out
}

func validateSchema(rc rawClassification) (*Result, bool) {
	if rc.IsOrder == nil || rc.Category == nil || rc.Relevance == nil {
		return nil, false
	}
	if *rc.Relevance < 0 || *rc.Relevance > 1 {
		return nil, false
	}
	cat := models.Category(*rc.Category)
	if !*rc.IsOrder && cat == "" {
		cat = models.CategoryOther
	}
	if !models.ValidCategory(cat) {
		return nil, false
	}
	return &Result{
		IsOrder:   *rc.IsOrder,
		Category:  cat,
		Relevance: *rc.Relevance,
		Reason:    rc.Reason,
	}, true
}
