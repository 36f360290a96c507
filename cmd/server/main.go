// Package main is the entry point for the memgate gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blueberrycongee/memgate/internal/api"
	"github.com/blueberrycongee/memgate/internal/config"
	"github.com/blueberrycongee/memgate/internal/embedding"
	"github.com/blueberrycongee/memgate/internal/memory"
	"github.com/blueberrycongee/memgate/internal/memory/inmem"
	"github.com/blueberrycongee/memgate/internal/memory/postgres"
	"github.com/blueberrycongee/memgate/internal/metrics"
	"github.com/blueberrycongee/memgate/internal/observability"
	"github.com/blueberrycongee/memgate/internal/provider"
	"github.com/blueberrycongee/memgate/internal/provider/anthropic"
	"github.com/blueberrycongee/memgate/internal/provider/openai"
	"github.com/blueberrycongee/memgate/internal/proxy"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting memgate gateway", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	// Tracing is optional; a noop tracer keeps the span call sites
	// uniform when it is off.
	var tracer trace.Tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracing(ctx, observability.TracingConfig{
			Enabled:     true,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			tracer = tp.Tracer()
			defer func() {
				shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	registry := provider.NewRegistry()
	timeouts := make(map[string]time.Duration)
	for _, provCfg := range cfg.Providers {
		pCfg := provider.Config{APIKey: provCfg.APIKey, BaseURL: provCfg.BaseURL}

		var (
			prov provider.Provider
			err  error
		)
		// Registration order is detection priority: openai first.
		switch provCfg.Name {
		case "openai":
			prov, err = openai.New(pCfg)
		case "anthropic":
			prov, err = anthropic.New(pCfg)
		default:
			logger.Error("unknown provider", "name", provCfg.Name)
			continue
		}
		if err != nil {
			logger.Error("failed to create provider", "name", provCfg.Name, "error", err)
			continue
		}
		registry.Register(prov)
		timeouts[prov.Name()] = provCfg.Timeout
		logger.Info("provider registered", "name", prov.Name())
	}

	engine := buildMemoryEngine(ctx, cfg, logger)

	router := proxy.NewRouter(proxy.Options{
		Registry:    registry,
		Engine:      engine,
		Tracer:      tracer,
		Logger:      logger,
		Timeouts:    timeouts,
		DefaultTopK: cfg.Memory.DefaultTopK,
		MinScore:    cfg.Memory.MinScore,
	})

	handler := api.NewHandler(router, engine, registry, logger)
	if cfg.RateLimit.Enabled {
		handler.SetRateLimiter(api.NewRateLimiter(
			float64(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize))
	}

	mux := http.NewServeMux()
	handler.Routes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var httpHandler http.Handler = mux
	httpHandler = metrics.Middleware(httpHandler)
	httpHandler = observability.RequestIDMiddleware(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if engine != nil && cfg.Memory.Backfill.Enabled {
		go runBackfill(ctx, engine, cfg.Memory.Backfill, logger)
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	cfgManager.Close()
	logger.Info("server stopped")
}

// buildMemoryEngine assembles the memory subsystem from config. An
// explicitly configured postgres DSN must be reachable at startup;
// otherwise the in-memory store is chosen once and kept for the process
// lifetime. A missing embedding key leaves the engine retrieval-capable
// only for pre-embedded data, with new writes queued for backfill.
func buildMemoryEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) *memory.Engine {
	var store memory.VectorStore
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, postgres.Config{
			DSN:       dsn,
			Dimension: cfg.Memory.Embedding.Dimension,
		})
		if err != nil {
			logger.Error("configured postgres store unreachable", "error", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("memory store ready", "backend", "postgres")
	} else {
		store = inmem.New()
		logger.Info("memory store ready", "backend", "inmem")
	}

	var embedder embedding.Embedder
	if cfg.Memory.Embedding.APIKey != "" {
		emb, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:    cfg.Memory.Embedding.APIKey,
			APIBase:   cfg.Memory.Embedding.BaseURL,
			Model:     cfg.Memory.Embedding.Model,
			Dimension: cfg.Memory.Embedding.Dimension,
			Timeout:   cfg.Memory.Embedding.Timeout,
			CacheTTL:  cfg.Memory.Embedding.CacheTTL,
		})
		if err != nil {
			logger.Error("failed to create embedder", "error", err)
			os.Exit(1)
		}
		embedder = emb
	} else {
		logger.Warn("no embedding api key configured, semantic retrieval degraded")
	}

	return memory.NewEngine(store, embedder, logger, cfg.Memory.DefaultTopK)
}

// runBackfill periodically re-embeds records persisted without a
// vector.
func runBackfill(ctx context.Context, engine *memory.Engine, cfg config.BackfillConfig, logger *slog.Logger) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.Backfill(ctx, "", batch)
			if err != nil {
				logger.Warn("backfill pass failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("backfill pass completed", "embedded", n)
			}
		}
	}
}
