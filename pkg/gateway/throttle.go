package gateway

import (
	"net/http"
	"strings"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/kernel"
)

// RouteClass is one of the fixed throttle buckets.
type RouteClass string

const (
	RouteClassAuthEmail    RouteClass = "auth-email"
	RouteClassLoginEmail   RouteClass = "login-email"
	RouteClassLoginVerify  RouteClass = "login-verify"
	RouteClassThreadMsg    RouteClass = "thread-message"
	RouteClassCodexControl RouteClass = "codex-control"
)

// routeClassPolicies are the fixed per-minute limits,
// expressed as kernel.BackpressurePolicy RPM/burst pairs.
var routeClassPolicies = map[RouteClass]kernel.BackpressurePolicy{
	RouteClassAuthEmail:    {RPM: 30, Burst: 30},
	RouteClassLoginEmail:   {RPM: 6, Burst: 6},
	RouteClassLoginVerify:  {RPM: 10, Burst: 10},
	RouteClassThreadMsg:    {RPM: 60, Burst: 60},
	RouteClassCodexControl: {RPM: 60, Burst: 60},
}

// IdentityKeyFunc resolves the caller identity used as the throttle's
// per-actor key: bearer token, then x-forwarded-for first hop, then
// x-real-ip, else "ip:unknown".
func IdentityKeyFunc(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "bearer:" + strings.TrimPrefix(auth, "Bearer ")
	}
	if xff := r.Header.Get("x-forwarded-for"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return "ip:" + first
		}
	}
	if xri := r.Header.Get("x-real-ip"); xri != "" {
		return "ip:" + xri
	}
	return "ip:unknown"
}

// ThrottleMiddleware enforces the named route class's token-bucket
// limit per identity key through the given LimiterStore (in-memory or
// Redis-backed), keying each bucket by route class and identity.
func ThrottleMiddleware(store kernel.LimiterStore, class RouteClass) func(http.Handler) http.Handler {
	policy, ok := routeClassPolicies[class]
	if !ok {
		policy = kernel.BackpressurePolicy{RPM: 60, Burst: 60}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := string(class) + "|" + IdentityKeyFunc(r)
			allowed, err := store.Allow(r.Context(), key, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfterMs := int64(60000 / policy.RPM)
				if retryAfterMs < 1000 {
					retryAfterMs = 1000
				}
				apierr.RetryAfter(w, retryAfterMs, apierr.ReasonRouteClassRateLimited, map[string]interface{}{
					"route_class": string(class),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
