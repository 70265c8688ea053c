// Command router is the model-aware LLM reverse proxy entry point.
//
// Usage:
//
//	router [-config path/to/server-list.json] [-listen :18000] [-debug]
//
// The config path defaults to the SERVER_LIST_JSON environment variable,
// then server-list.json in the working directory. Editing the file while
// the process runs swaps the server catalog in place — no restart needed.
// Shutdown is graceful: SIGINT or SIGTERM drains in-flight requests for up
// to 10 seconds.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"llmrouter/internal/accesslog"
	"llmrouter/internal/admin"
	"llmrouter/internal/config"
	"llmrouter/internal/gpu"
	"llmrouter/internal/health"
	"llmrouter/internal/inflight"
	"llmrouter/internal/middleware"
	"llmrouter/internal/modelcache"
	"llmrouter/internal/proxy"
	"llmrouter/internal/selector"
	"llmrouter/internal/sticky"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
var version = "dev"

// router owns the swappable registry. Every component reads the catalog
// through its Registry method, so a hot reload takes effect everywhere at
// once without restarting the background workers.
type router struct {
	mu  sync.RWMutex
	reg *config.Registry
}

func (rt *router) Registry() *config.Registry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.reg
}

func (rt *router) Swap(reg *config.Registry) {
	rt.mu.Lock()
	rt.reg = reg
	rt.mu.Unlock()
}

func main() {
	configPath := flag.String("config", config.Path(), "path to server-list.json")
	listenAddr := flag.String("listen", ":18000", "listen address")
	debug := flag.Bool("debug", os.Getenv("FLASK_DEBUG") == "1", "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	// ── Load configuration ────────────────────────────────────────────────────
	rt := &router{reg: config.Empty()}
	reg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, starting with empty catalog",
			"path", *configPath,
			"error", err,
		)
	} else {
		rt.Swap(reg)
		config.Watch(v, rt.Swap)
	}

	// ── Build runtime objects ─────────────────────────────────────────────────
	gpuMon := gpu.New(nil)
	healthMon := health.New(func() []string {
		return rt.Registry().HealthBases()
	}, health.Config{})
	tracker := inflight.New()
	cache := modelcache.New(modelcache.DefaultTTL, tracker)
	stickyTable := sticky.New(sticky.DefaultTTL)
	access := accesslog.New(accesslog.DefaultRetention)

	picker := selector.New(rt.Registry, healthMon, tracker, cache, stickyTable)
	handler := proxy.New(rt.Registry, picker, tracker, stickyTable, access, cache)
	dashboard := admin.New(rt.Registry, gpuMon, healthMon, tracker, stickyTable, access)

	gpuMon.Start()
	healthMon.Start()

	// ── Routes ────────────────────────────────────────────────────────────────
	// Reserved local endpoints are answered here; everything else streams
	// through the proxy.
	mux := http.NewServeMux()
	dashboard.Register(mux)
	mux.HandleFunc("/v1/models", handler.HandleAggregatedModels)
	mux.Handle("/", handler)

	// No read/write timeouts: chat requests stream token-by-token and can
	// legitimately run for many minutes.
	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           middleware.Logger(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("router listening",
			"addr", *listenAddr,
			"config", *configPath,
			"servers", len(rt.Registry().ServerNames()),
			"rules", len(rt.Registry().Rules()),
			"version", version,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down router")

	healthMon.Stop()
	gpuMon.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("router stopped")
}
