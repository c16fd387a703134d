// Command control serves the authentication/session control plane: the
// email-challenge flow, refresh-token rotation, and sync/workspace
// token minting, behind the gateway's maintenance/compatibility/
// throttle/session stack.
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
	"github.com/openagents/control/pkg/authsvc"
	"github.com/openagents/control/pkg/config"
	"github.com/openagents/control/pkg/gateway"
	"github.com/openagents/control/pkg/kernel"
	"github.com/openagents/control/pkg/tokenissue"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	minSyncTokenTTL          = 1 * time.Minute
	maxSyncTokenTTL          = 30 * time.Minute
	defaultWorkspaceTokenTTL = 15 * time.Minute
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	slog.Info("control: starting", "port", cfg.PortControl)

	ctx := context.Background()
	_, db, err := store.Open(ctx, cfg.DatabaseURL, "data")
	if err != nil {
		slog.Error("control: failed to open authority store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	authCfg := authsvc.Config{
		MockMode:            cfg.AuthProviderMode != "workos",
		MockAllowedDomains:  cfg.AuthMockAllowedEmails,
		LocalTestSigningKey: cfg.RuntimeSignatureSecret,
	}
	authService := authsvc.New(authCfg, authsvc.MockEmitter{})

	services := &controlServices{
		auth:      authService,
		syncKeys:  cfg.SyncTokenSigningKeys,
		syncKid:   firstKey(cfg.SyncTokenSigningKeys),
		khalaKeys: cfg.WorkspaceTokenSigningKeys,
		khalaKid:  firstKey(cfg.WorkspaceTokenSigningKeys),
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
		Session:       authService,
	}

	routes := []gateway.Route{
		{Method: http.MethodPost, Path: "/api/auth/email", Class: gateway.RouteClassAuthEmail, Handler: http.HandlerFunc(services.handleAuthEmail)},
		{Method: http.MethodPost, Path: "/api/auth/verify", Class: gateway.RouteClassLoginVerify, Handler: http.HandlerFunc(services.handleAuthVerify)},
		{Method: http.MethodPost, Path: "/api/auth/refresh", Class: gateway.RouteClassLoginEmail, Handler: http.HandlerFunc(services.handleAuthRefresh)},
		{Method: http.MethodPost, Path: "/api/auth/logout", Class: gateway.RouteClassLoginEmail, RequiresSession: true, Handler: http.HandlerFunc(services.handleAuthLogout)},
		{Method: http.MethodPost, Path: "/api/auth/sessions/revoke", Class: gateway.RouteClassLoginEmail, RequiresSession: true, Handler: http.HandlerFunc(services.handleSessionsRevoke)},
		{Method: http.MethodPost, Path: "/api/sync/token", Class: gateway.RouteClassCodexControl, RequiresSession: true, Handler: http.HandlerFunc(services.handleSyncToken)},
		{Method: http.MethodPost, Path: "/api/khala/token", Class: gateway.RouteClassCodexControl, RequiresSession: true, Handler: http.HandlerFunc(services.handleKhalaToken)},
	}

	router := gateway.NewRouter(routerCfg, routes)

	topMux := http.NewServeMux()
	topMux.Handle("/metrics", promhttp.Handler())
	topMux.Handle("/", router)

	srv := &http.Server{
		Addr:    ":" + cfg.PortControl,
		Handler: topMux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control: server error", "error", err)
		}
	}()

	slog.Info("control: ready", "addr", srv.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("control: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLimiterStore(cfg *config.Config) kernel.LimiterStore {
	if cfg.RedisAddr == "" {
		return kernel.NewInMemoryLimiterStore()
	}
	slog.Info("control: throttle store backed by redis", "addr", cfg.RedisAddr)
	return kernel.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, 0)
}

func firstKey(keys tokenissue.KeySet) string {
	for kid := range keys {
		return kid
	}
	return ""
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
