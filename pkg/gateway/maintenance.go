// Package gateway composes the two HTTP routers (control, runtime) out
// of the maintenance, compatibility, throttle, and session gates every
// request passes through before reaching a handler.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openagents/control/pkg/apierr"
)

// MaintenanceConfig drives the maintenance gate.
type MaintenanceConfig struct {
	Enabled       bool
	AllowedPaths  []string // suffix-glob, e.g. "/healthz"
	BypassToken   string
	SigningKey    []byte
	CookieTTL     time.Duration
}

const maintenanceCookieName = "oa_maintenance_bypass"

// MaintenanceGate returns a 503 JSON error while maintenance mode is
// enabled, unless the path is allow-listed or a valid bypass cookie
// (or a matching ?maintenance_bypass= token, which mints that cookie)
// is present.
func MaintenanceGate(cfg MaintenanceConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || pathAllowed(r.URL.Path, cfg.AllowedPaths) {
				next.ServeHTTP(w, r)
				return
			}

			if token := r.URL.Query().Get("maintenance_bypass"); token != "" && cfg.BypassToken != "" &&
				subtle.ConstantTimeCompare([]byte(token), []byte(cfg.BypassToken)) == 1 {
				cookie := signMaintenanceCookie(cfg.SigningKey, cfg.CookieTTL)
				http.SetCookie(w, &http.Cookie{
					Name:     maintenanceCookieName,
					Value:    cookie,
					Path:     "/",
					HttpOnly: true,
					Secure:   true,
					SameSite: http.SameSiteLaxMode,
					MaxAge:   int(cfg.CookieTTL.Seconds()),
				})
				redirectWithoutBypassParam(w, r)
				return
			}

			if c, err := r.Cookie(maintenanceCookieName); err == nil && verifyMaintenanceCookie(cfg.SigningKey, c.Value) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
			apierr.Write(w, apierr.New(apierr.ServiceUnavailable, "the service is undergoing scheduled maintenance").
				WithReason(apierr.ReasonMaintenanceMode))
		})
	}
}

func pathAllowed(path string, allowed []string) bool {
	for _, suffix := range allowed {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func redirectWithoutBypassParam(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Del("maintenance_bypass")
	u := *r.URL
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// signMaintenanceCookie builds "{payload}.{signature}" where payload is
// a base64url-encoded expiry timestamp.
func signMaintenanceCookie(key []byte, ttl time.Duration) string {
	expiresAt := time.Now().Add(ttl).Unix()
	payload := base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(expiresAt, 10)))
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return payload + "." + sig
}

func verifyMaintenanceCookie(key []byte, cookie string) bool {
	parts := strings.SplitN(cookie, ".", 2)
	if len(parts) != 2 {
		return false
	}
	payload, sig := parts[0], parts[1]

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	wantSig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(wantSig)) != 1 {
		return false
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return false
	}
	expiresAt, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false
	}
	return time.Now().Unix() <= expiresAt
}
