// Command runtime serves the run-event ledger, the Khala fanout bus,
// worker registry, marketplace dispatch, and treasury settlement
// behind the same gateway gate stack as the control plane.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openagents/control/internal/store"
	"github.com/openagents/control/pkg/config"
	"github.com/openagents/control/pkg/gateway"
	"github.com/openagents/control/pkg/kernel"
	"github.com/openagents/control/pkg/khala"
	"github.com/openagents/control/pkg/marketplace"
	"github.com/openagents/control/pkg/projector"
	"github.com/openagents/control/pkg/treasury"
	"github.com/openagents/control/pkg/workerregistry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	slog.Info("runtime: starting", "port", cfg.PortRuntime)

	ctx := context.Background()
	authorityDB, db, err := store.Open(ctx, cfg.DatabaseURL, "data")
	if err != nil {
		slog.Error("runtime: failed to open authority store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := workerregistry.New(2*time.Minute, nil)
	dispatcher := marketplace.NewDispatcher(registry)
	tr := treasury.New(registry, authorityDB)
	proj := projector.New()

	bus := khala.New(cfg.KhalaRetentionWindow,
		khala.WithPollMinInterval(cfg.KhalaPollMinInterval),
		khala.WithFairSliceLimit(cfg.KhalaFairTopicSliceLimit),
		khala.WithConsumerRegistryCap(cfg.KhalaConsumerRegistryCap),
		khala.WithSlowConsumerLagThreshold(uint64(cfg.KhalaSlowConsumerLagThresh)),
		khala.WithSlowConsumerMaxStrikes(cfg.KhalaSlowConsumerMaxStrikes),
	)
	stream := &khala.StreamHandler{Bus: bus, PollInterval: cfg.KhalaPollMinInterval}

	services := &runtimeServices{
		authorityDB: authorityDB,
		projector:   proj,
		bus:         bus,
		stream:      stream,
		registry:    registry,
		dispatcher:  dispatcher,
		treasury:    tr,
	}

	throttleStore := newLimiterStore(cfg)

	routerCfg := gateway.RouterConfig{
		Maintenance: gateway.MaintenanceConfig{
			Enabled:      cfg.MaintenanceModeEnabled,
			AllowedPaths: cfg.MaintenanceAllowedPaths,
			BypassToken:  cfg.MaintenanceBypassToken,
			SigningKey:   []byte(cfg.RuntimeSignatureSecret),
			CookieTTL:    cfg.MaintenanceBypassTTL,
		},
		Compatibility: gateway.CompatibilityConfig{
			MinClientBuildID: atoiOr(cfg.CompatControlBuildMin, 0),
			ProtocolVersion:  cfg.CompatProtocolVersion,
			MinSchemaVersion: schemaBound(cfg.CompatSchemaWindow, 0),
			MaxSchemaVersion: schemaBound(cfg.CompatSchemaWindow, 1),
		},
		ThrottleStore: throttleStore,
	}

	routes := []gateway.Route{
		{Method: http.MethodPost, Path: "/internal/v1/runs", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleStartRun)},
		{Method: http.MethodPost, Path: "/internal/v1/runs/{id}/events", Class: gateway.RouteClassThreadMsg, Handler: http.HandlerFunc(services.handleAppendEvent)},
		{Method: http.MethodGet, Path: "/internal/v1/runs/{id}", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleGetRun)},
		{Method: http.MethodGet, Path: "/internal/v1/khala/topics/{topic}/messages", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleKhalaMessages)},
		{Method: http.MethodGet, Path: "/internal/v1/khala/topics/{topic}/ws", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleKhalaStream)},
		{Method: http.MethodPost, Path: "/internal/v1/workers", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleRegisterWorker)},
		{Method: http.MethodPost, Path: "/internal/v1/workers/{id}/heartbeat", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleWorkerHeartbeat)},
		{Method: http.MethodPost, Path: "/internal/v1/marketplace/dispatch/sandbox-run", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleDispatchSandboxRun)},
		{Method: http.MethodPost, Path: "/internal/v1/treasury/compute/settle/sandbox-run", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleSettleSandboxRun)},
		{Method: http.MethodPost, Path: "/internal/v1/verifications/sandbox-run", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleVerifySandboxRun)},
		{Method: http.MethodPost, Path: "/internal/v1/verifications/repo-index", Class: gateway.RouteClassCodexControl, Handler: http.HandlerFunc(services.handleVerifyRepoIndex)},
	}

	router := gateway.NewRouter(routerCfg, routes)

	topMux := http.NewServeMux()
	topMux.Handle("/metrics", promhttp.Handler())
	topMux.Handle("/", router)

	srv := &http.Server{
		Addr:    ":" + cfg.PortRuntime,
		Handler: topMux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("runtime: server error", "error", err)
		}
	}()

	slog.Info("runtime: ready", "addr", srv.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("runtime: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLimiterStore(cfg *config.Config) kernel.LimiterStore {
	if cfg.RedisAddr == "" {
		return kernel.NewInMemoryLimiterStore()
	}
	slog.Info("runtime: throttle store backed by redis", "addr", cfg.RedisAddr)
	return kernel.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, 0)
}

func atoiOr(s string, def int) int {
	n := 0
	if s == "" {
		return def
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func schemaBound(window []string, idx int) int {
	if idx >= len(window) {
		return 0
	}
	return atoiOr(window[idx], 0)
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
