// Command userbot runs the order-detection engine: it connects the
// persistence layer, the response cache, the budget governor, the
// pattern matcher and remote classifier, and the admin HTTP surface,
// then blocks serving until signalled to shut down.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/Viphunter83/userbot-orders/internal/api"
	"github.com/Viphunter83/userbot-orders/internal/budget"
	"github.com/Viphunter83/userbot-orders/internal/cache"
	"github.com/Viphunter83/userbot-orders/internal/classifier"
	"github.com/Viphunter83/userbot-orders/internal/config"
	"github.com/Viphunter83/userbot-orders/internal/db"
	"github.com/Viphunter83/userbot-orders/internal/metrics"
	"github.com/Viphunter83/userbot-orders/internal/models"
	"github.com/Viphunter83/userbot-orders/internal/monitor"
	"github.com/Viphunter83/userbot-orders/internal/orchestrator"
	"github.com/Viphunter83/userbot-orders/internal/patterns"
	"github.com/Viphunter83/userbot-orders/internal/registry"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load(&log)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Load(cfg.ChatRegistryPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load chat registry")
	}

	var store *db.Store
	var fallback *db.HTTPFallback
	store, err = db.Connect(ctx, cfg.DSN())
	if err != nil {
		log.Warn().Err(err).Msg("pooled database path unavailable, falling back to REST path")
		if cfg.RESTFallbackURL == "" {
			log.Fatal().Msg("no REST_FALLBACK_URL configured and pooled database path unavailable")
		}
		fallback = db.NewHTTPFallback(cfg.RESTFallbackURL, cfg.RESTFallbackToken)
	} else {
		defer store.Close()
		if err := store.InitSchema(ctx, "internal/db/schema.sql"); err != nil {
			log.Warn().Err(err).Msg("schema init failed, assuming already applied")
		}
	}

	var respCache cache.Cache
	var memCache *cache.MemoryCache
	if cfg.CacheEnabled {
		switch cfg.CacheBackend {
		case "redis":
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
			respCache = cache.NewRedisCache(rdb, cfg.CacheTTL)
		default:
			mc := cache.NewMemoryCache(cfg.CacheTTL)
			go mc.Run(ctx, cfg.CacheSweep)
			respCache = mc
			memCache = mc
		}
	}

	governor := budget.NewGovernor(cfg.DailyBudgetCeiling, budget.Tariff{
		CostPerKInputTokens:  cfg.CostPerKInputTokens,
		CostPerKOutputTokens: cfg.CostPerKOutputTokens,
	})
	go governor.Run(ctx, time.Minute)

	classifierClient := classifier.New(classifier.Config{
		APIKey:         cfg.LLMAPIKey,
		Model:          cfg.LLMModel,
		BaseURL:        cfg.LLMBaseURL,
		Temperature:    cfg.LLMTemperature,
		MaxTokens:      cfg.LLMMaxTokens,
		Timeout:        cfg.LLMTimeout,
		MaxRetries:     cfg.LLMMaxRetries,
		BatchSize:      cfg.LLMBatchSize,
		RetryBaseDelay: cfg.LLMRetryBaseDelay,
	}, respCache, governor, log)

	promReg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(promReg)
	// Sink degrades gracefully to Prometheus-only counters when store is
	// nil (the HTTP-fallback persistence path), so it's always safe to
	// construct and hand to the orchestrator unconditionally.
	sink := metrics.NewSink(store, metricsRegistry)

	mon := monitor.New(log, nil, metricsRegistry.ErrorsTotal)

	go reportGauges(ctx, metricsRegistry, governor, memCache, time.Minute)

	wsHub := api.NewHub(log)
	go wsHub.Run()

	pm := patterns.NewWithFloor(cfg.RegexConfidenceFloor)

	onOrder := func(o models.Order) { api.BroadcastOrder(wsHub, o) }

	orch := orchestrator.New(reg, pm, classifierClient, governor, store, fallback, sink, mon, onOrder, orchestrator.Config{
		RelevanceThreshold:    cfg.RelevanceThreshold,
		ShortMessageGuard:     cfg.ShortMessageGuard,
		MaxConcurrentLLMCalls: int64(cfg.MaxConcurrentLLMCalls),
	}, log)

	router := api.SetupRouter(store, fallback, reg, sink, mon, wsHub, orch, governor, api.RouterConfig{
		AdminToken:   cfg.AdminToken,
		AllowOrigins: cfg.AllowOrigins,
	}, log)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("admin surface listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("admin surface")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin surface shutdown")
	}
	log.Info().Msg("shutdown complete")
}

// reportGauges keeps the budget-headroom and cache-size Prometheus gauges
// current. memCache is nil when caching is disabled or backed by Redis
// (which has no in-process entry count to report), in which case the
// cache gauge is simply left at zero.
func reportGauges(ctx context.Context, reg *metrics.Registry, gov *budget.Governor, memCache *cache.MemoryCache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		reg.BudgetRemaining.Set(gov.Remaining())
		if memCache != nil {
			reg.CacheSize.Set(float64(memCache.Len()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
