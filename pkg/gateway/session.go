package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/authsvc"
)

type sessionKey struct{}

// SessionResolver authenticates a bearer access token into a session
// or PAT bundle. *authsvc.Service satisfies this directly.
type SessionResolver interface {
	SessionOrPATFromAccessToken(accessToken string) (*authsvc.SessionBundle, error)
}

// SessionGate requires a valid bearer access token and attaches the
// resolved SessionBundle to the request context for handlers below it.
func SessionGate(resolver SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				apierr.Write(w, apierr.New(apierr.Unauthorized, "missing bearer authorization").WithReason(apierr.ReasonMissingAuthorization))
				return
			}

			bundle, err := resolver.SessionOrPATFromAccessToken(strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				if apiErr, ok := err.(*apierr.Error); ok {
					apierr.Write(w, apiErr)
					return
				}
				apierr.Write(w, apierr.New(apierr.Unauthorized, "invalid or expired session"))
				return
			}

			ctx := context.WithValue(r.Context(), sessionKey{}, bundle)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext retrieves the SessionBundle attached by SessionGate.
func SessionFromContext(ctx context.Context) (*authsvc.SessionBundle, bool) {
	bundle, ok := ctx.Value(sessionKey{}).(*authsvc.SessionBundle)
	return bundle, ok
}
