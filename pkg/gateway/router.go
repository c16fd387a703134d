package gateway

import (
	"net/http"
	"time"

	"github.com/openagents/control/internal/metrics"
	"github.com/openagents/control/pkg/api"
	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/auth"
	"github.com/openagents/control/pkg/kernel"
)

// RouterConfig assembles the shared gate configuration for either the
// control or runtime router.
type RouterConfig struct {
	Maintenance    MaintenanceConfig
	Compatibility  CompatibilityConfig
	AllowedOrigins []string
	ThrottleStore  kernel.LimiterStore
	Idempotency    api.IdempotencyStorer
	Session        SessionResolver
}

// Route is one mounted handler plus the route class it throttles under
// and whether it requires a session.
type Route struct {
	Method           string
	Path             string
	Class            RouteClass
	RequiresSession  bool
	RequiresIdemKey  bool
	Handler          http.Handler
}

// NewRouter builds a mux applying, outermost first: the method guard,
// latency instrumentation, request-id, CORS, maintenance gate,
// compatibility gate (protected routes only), the route's throttle
// class, the session gate (where required), and idempotency replay for
// mutating routes that opt in.
func NewRouter(cfg RouterConfig, routes []Route) http.Handler {
	mux := http.NewServeMux()

	for _, route := range routes {
		handler := route.Handler

		if route.RequiresIdemKey && cfg.Idempotency != nil {
			handler = api.IdempotencyMiddleware(cfg.Idempotency)(handler)
		}
		if route.RequiresSession && cfg.Session != nil {
			handler = SessionGate(cfg.Session)(handler)
		}
		if cfg.ThrottleStore != nil {
			handler = ThrottleMiddleware(cfg.ThrottleStore, route.Class)(handler)
		}
		if route.RequiresSession {
			handler = CompatibilityGate(cfg.Compatibility)(handler)
		}
		handler = MaintenanceGate(cfg.Maintenance)(handler)
		handler = auth.CORSMiddleware(cfg.AllowedOrigins)(handler)
		handler = auth.RequestIDMiddleware(handler)
		handler = instrumentRoute(route.Path, handler)

		mux.Handle(route.Path, methodGuard(route.Method, handler))
	}

	return mux
}

// instrumentRoute records handler latency under the route's own path,
// outermost of the chain so it captures every gate's time too.
func instrumentRoute(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.HTTPRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

func methodGuard(method string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != http.MethodOptions {
			apierr.Write(w, apierr.New(apierr.InvalidRequest, "method not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
