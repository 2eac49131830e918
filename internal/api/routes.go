package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Viphunter83/userbot-orders/internal/budget"
	"github.com/Viphunter83/userbot-orders/internal/db"
	"github.com/Viphunter83/userbot-orders/internal/metrics"
	"github.com/Viphunter83/userbot-orders/internal/models"
	"github.com/Viphunter83/userbot-orders/internal/monitor"
	"github.com/Viphunter83/userbot-orders/internal/orchestrator"
	"github.com/Viphunter83/userbot-orders/internal/registry"
)

// APIHandler serves the admin surface: message ingest, order review,
// daily stats, operator feedback, recent errors, budget reset, and
// chat-registry management. Ingest hands each message to the
// orchestrator; the other endpoints read or adjust state the pipeline
// produces or consults.
type APIHandler struct {
	store    *db.Store
	fallback *db.HTTPFallback
	registry *registry.Registry
	sink     *metrics.Sink
	monitor  *monitor.Monitor
	wsHub    *Hub
	orch     *orchestrator.Orchestrator
	governor *budget.Governor
}

// RouterConfig is the subset of process configuration the admin surface
// needs at setup time.
type RouterConfig struct {
	AdminToken   string
	AllowOrigins string
}

// SetupRouter wires the admin HTTP surface: CORS, the live order stream,
// and the bearer-token-protected read/write endpoints.
func SetupRouter(store *db.Store, fallback *db.HTTPFallback, reg *registry.Registry, sink *metrics.Sink, mon *monitor.Monitor, wsHub *Hub, orch *orchestrator.Orchestrator, gov *budget.Governor, cfg RouterConfig, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if cfg.AllowOrigins == "" || cfg.AllowOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(cfg.AllowOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := &APIHandler{store: store, fallback: fallback, registry: reg, sink: sink, monitor: mon, wsHub: wsHub, orch: orch, governor: gov}

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", h.handleHealth)
	}

	stream := r.Group("/api/v1")
	stream.Use(StreamAuthMiddleware(cfg.AdminToken, log))
	{
		stream.GET("/stream", wsHub.Subscribe)
	}

	protected := r.Group("/api/v1")
	protected.Use(AuthMiddleware(cfg.AdminToken, log))
	protected.Use(NewRateLimiter(30, 10).Middleware())
	{
		protected.POST("/ingest", h.handleIngest)
		protected.GET("/orders", h.handleListOrders)
		protected.POST("/feedback", h.handleSubmitFeedback)
		protected.GET("/stats/daily", h.handleDailyStats)
		protected.GET("/errors/recent", h.handleRecentErrors)
		protected.POST("/budget/reset", h.handleResetBudget)

		reg := protected.Group("/registry")
		{
			reg.GET("", h.handleListRegistry)
			reg.POST("", h.handleAddRegistryEntry)
			reg.PUT("/:chatId/active", h.handleSetRegistryActive)
			reg.DELETE("/:chatId", h.handleRemoveRegistryEntry)
		}
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	healthy := true
	if h.store != nil {
		healthy = h.store.Healthy(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "operational",
		"dbConnected":   h.store != nil,
		"dbHealthy":     healthy,
		"fallbackInUse": h.store == nil && h.fallback != nil,
		"monitoredChats": len(h.registry.ListActive()),
	})
}

// handleIngest is the HTTP entry point the messaging-network client
// dispatches inbound updates to. Each accepted message is processed on its
// own goroutine, matching the pipeline's goroutine-per-message model; the
// endpoint itself returns immediately rather than waiting on
// classification, since Tier D latency is unbounded under load.
func (h *APIHandler) handleIngest(c *gin.Context) {
	var msg orchestrator.InboundMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	go func() {
		bg := context.WithoutCancel(ctx)
		if err := h.orch.Process(bg, msg); err != nil {
			h.monitor.Record(monitor.KindValidation, "ingest", err.Error())
		}
	}()

	c.Status(http.StatusAccepted)
}

// handleListOrders returns recent detected orders, optionally filtered by
// category, with offset pagination.
func (h *APIHandler) handleListOrders(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "direct persistence not configured, admin reads require the pooled path"})
		return
	}

	category := c.Query("category")
	if category != "" && !models.ValidCategory(models.Category(category)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	orders, err := db.ListOrders(c.Request.Context(), h.store.Pool(), category, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": orders, "limit": limit, "offset": offset})
}

// handleSubmitFeedback records an operator correction on a stored order.
func (h *APIHandler) handleSubmitFeedback(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "direct persistence not configured"})
		return
	}

	var req struct {
		OrderID int64  `json:"orderId" binding:"required"`
		Type    string `json:"feedbackType" binding:"required"`
		Reason  string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f, err := db.InsertFeedback(c.Request.Context(), h.store.Pool(), models.Feedback{
		OrderID: req.OrderID,
		Type:    req.Type,
		Reason:  req.Reason,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, f)
}

// handleDailyStats returns the persisted counters for a given UTC day,
// defaulting to today.
func (h *APIHandler) handleDailyStats(c *gin.Context) {
	if h.sink == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics sink not configured"})
		return
	}
	date := c.Query("date")
	if date == "" {
		stat, err := h.sink.Today(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stat)
		return
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "direct persistence not configured, historical stats require the pooled path"})
		return
	}
	stat, err := db.GetDailyStat(c.Request.Context(), h.store.Pool(), date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stat)
}

// handleRecentErrors surfaces the Error Monitor's bounded in-memory
// history for operator visibility.
func (h *APIHandler) handleRecentErrors(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{"data": h.monitor.Recent(n)})
}

// handleResetBudget lets an operator force the daily spend counter back
// to zero ahead of the next scheduled UTC rollover, e.g. after raising
// the ceiling mid-day.
func (h *APIHandler) handleResetBudget(c *gin.Context) {
	h.governor.ResetDay()
	c.JSON(http.StatusOK, gin.H{"spent": h.governor.Spent()})
}

func (h *APIHandler) handleListRegistry(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.registry.ListActive()})
}

func (h *APIHandler) handleAddRegistryEntry(c *gin.Context) {
	var req struct {
		ChatID   string `json:"chatId" binding:"required"`
		Name     string `json:"chatName"`
		Kind     string `json:"chatType" binding:"required"`
		Priority int    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.registry.Add(req.ChatID, req.Name, req.Kind, req.Priority); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	entry, _ := h.registry.Get(req.ChatID)
	c.JSON(http.StatusCreated, entry)
}

func (h *APIHandler) handleSetRegistryActive(c *gin.Context) {
	chatID := c.Param("chatId")
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.registry.SetActive(chatID, req.Active); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	entry, _ := h.registry.Get(chatID)
	c.JSON(http.StatusOK, entry)
}

func (h *APIHandler) handleRemoveRegistryEntry(c *gin.Context) {
	chatID := c.Param("chatId")
	if err := h.registry.Remove(chatID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// BroadcastOrder pushes a newly detected order to every subscribed
// dashboard client over the websocket hub.
func BroadcastOrder(wsHub *Hub, order models.Order) {
	payload := gin.H{"type": "order_detected", "order": order}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	wsHub.Broadcast(data)
}
