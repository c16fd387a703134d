package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openagents/control/pkg/gateway"
	"github.com/openagents/control/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestMaintenanceGate_BlocksWhenEnabled(t *testing.T) {
	cfg := gateway.MaintenanceConfig{Enabled: true, SigningKey: []byte("k"), CookieTTL: time.Minute}
	handler := gateway.MaintenanceGate(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no-store, no-cache, must-revalidate", w.Header().Get("Cache-Control"))
}

func TestMaintenanceGate_AllowsAllowlistedPath(t *testing.T) {
	cfg := gateway.MaintenanceConfig{Enabled: true, AllowedPaths: []string{"/healthz"}, SigningKey: []byte("k"), CookieTTL: time.Minute}
	handler := gateway.MaintenanceGate(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMaintenanceGate_BypassTokenMintsCookieThenAllows(t *testing.T) {
	cfg := gateway.MaintenanceConfig{Enabled: true, BypassToken: "secret", SigningKey: []byte("k"), CookieTTL: time.Minute}
	handler := gateway.MaintenanceGate(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?maintenance_bypass=secret", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusFound, w.Code)

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "oa_maintenance_bypass" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	req2 := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req2.AddCookie(cookie)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestCompatibilityGate_RejectsMissingHeaders(t *testing.T) {
	cfg := gateway.CompatibilityConfig{MinClientBuildID: 100, ProtocolVersion: "v2", MinSchemaVersion: 1, MaxSchemaVersion: 3}
	handler := gateway.CompatibilityGate(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUpgradeRequired, w.Code)
}

func TestCompatibilityGate_AcceptsWithinWindow(t *testing.T) {
	cfg := gateway.CompatibilityConfig{MinClientBuildID: 100, ProtocolVersion: "v2", MinSchemaVersion: 1, MaxSchemaVersion: 3}
	handler := gateway.CompatibilityGate(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("x-oa-client-build-id", "150")
	req.Header.Set("x-oa-protocol-version", "v2")
	req.Header.Set("x-oa-schema-version", "2")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestThrottleMiddleware_EnforcesRouteClassLimit(t *testing.T) {
	store := kernel.NewInMemoryLimiterStore()
	handler := gateway.ThrottleMiddleware(store, gateway.RouteClassLoginEmail)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login_email", nil)
	req.Header.Set("x-real-ip", "203.0.113.9")

	var lastCode int
	for i := 0; i < 7; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		lastCode = w.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, lastCode)
}

func TestIdentityKeyFunc_PrefersBearerThenForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("x-forwarded-for", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "bearer:abc", gateway.IdentityKeyFunc(req))

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("x-forwarded-for", "198.51.100.1, 10.0.0.1")
	assert.Equal(t, "ip:198.51.100.1", gateway.IdentityKeyFunc(req2))
}
