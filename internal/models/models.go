// Package models holds the persistent and wire-level record types shared
// across the detection pipeline. Plain structs with JSON tags, no ORM —
// the same convention pkg/models used.
package models

import "time"

// ChatKind enumerates the kinds of source a Chat can be.
type ChatKind string

const (
	ChatKindGroup      ChatKind = "group"
	ChatKindSupergroup ChatKind = "supergroup"
	ChatKindChannel    ChatKind = "channel"
)

// Category is the closed taxonomy an Order is classified into.
type Category string

const (
	CategoryBackend  Category = "Backend"
	CategoryFrontend Category = "Frontend"
	CategoryMobile   Category = "Mobile"
	CategoryAIML     Category = "AI/ML"
	CategoryLowCode  Category = "Low-Code"
	CategoryOther    Category = "Other"
)

// ValidCategory reports whether c is a member of the closed taxonomy.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryBackend, CategoryFrontend, CategoryMobile, CategoryAIML, CategoryLowCode, CategoryOther:
		return true
	default:
		return false
	}
}

// DetectionMethod tags which tier produced an Order.
type DetectionMethod string

const (
	DetectionRegex  DetectionMethod = "regex"
	DetectionLLM    DetectionMethod = "llm"
	DetectionManual DetectionMethod = "manual"
)

func ValidDetectionMethod(m DetectionMethod) bool {
	switch m {
	case DetectionRegex, DetectionLLM, DetectionManual:
		return true
	default:
		return false
	}
}

// MaxMessageLength is the truncation bound for persisted message/order text.
const MaxMessageLength = 10_000

// Chat is a distinct source of inbound messages. ExternalID is unique.
type Chat struct {
	ID            int64     `json:"id"`
	ExternalID    string    `json:"chatId"`
	Name          string    `json:"chatName"`
	Kind          ChatKind  `json:"chatType"`
	Active        bool      `json:"isActive"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Message is a single inbound text. (ExternalID, ChatID) is the dedup key.
type Message struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"messageId"`
	ChatID     int64     `json:"chatId"`
	AuthorID   string    `json:"authorId"`
	AuthorName *string   `json:"authorName,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Processed  bool      `json:"processed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Order is a detected service-procurement request. ExternalMessageID is
// unique across all orders — at most one order per source message.
type Order struct {
	ID                int64           `json:"id"`
	ExternalMessageID string          `json:"messageId"`
	ChatID            int64           `json:"chatId"`
	AuthorID          string          `json:"authorId"`
	AuthorName        *string         `json:"authorName,omitempty"`
	Text              string          `json:"text"`
	Category          Category        `json:"category"`
	Relevance         float64         `json:"relevanceScore"`
	DetectedBy        DetectionMethod `json:"detectedBy"`
	PermaLink         *string         `json:"telegramLink,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	Exported          bool            `json:"exported"`
	Feedback          *string         `json:"feedback,omitempty"`
	Notes             *string         `json:"notes,omitempty"`
}

// DailyStat is the one-row-per-UTC-day counter set. Date is unique;
// counters are monotone non-decreasing within a day.
type DailyStat struct {
	ID                 int64     `json:"id"`
	Date               string    `json:"date"` // YYYY-MM-DD, UTC
	TotalMessages       int64     `json:"totalMessages"`
	DetectedOrders       int64     `json:"detectedOrders"`
	RegexDetections      int64     `json:"regexDetections"`
	LLMDetections        int64     `json:"llmDetections"`
	LLMTokensUsed        int64     `json:"llmTokensUsed"`
	LLMCostUSD           float64   `json:"llmCost"`
	AvgResponseTimeMs    float64   `json:"avgResponseTimeMs"`
	FalsePositiveCount   int64     `json:"falsePositiveCount"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// ChatStat is the per-chat, per-day rollup. Unique on (ChatID, Date).
type ChatStat struct {
	ID              int64   `json:"id"`
	ChatID          int64   `json:"chatId"`
	Date            string  `json:"date"`
	MessagesCount   int64   `json:"messagesCount"`
	OrdersCount     int64   `json:"ordersCount"`
	OrderPercentage float64 `json:"orderPercentage"`
}

// Feedback is an operator-supplied correction on a stored order.
type Feedback struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"orderId"`
	Type      string    `json:"feedbackType"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// TruncateText applies the 10,000-character persisted-text bound, never rejecting.
func TruncateText(s string) string {
	r := []rune(s)
	if len(r) <= MaxMessageLength {
		return s
	}
	return string(r[:MaxMessageLength])
}
