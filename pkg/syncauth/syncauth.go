// Package syncauth authorizes bearer-token access to Khala topics
// The topic->scope+owner matrix is a fixed four-entry table,
// not a relationship graph, so authorization is a direct lookup and
// predicate check rather than a traversal.
package syncauth

import (
	"strings"
	"time"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/tokenissue"
)

// SyncPrincipal is what a verified bearer token resolves to.
type SyncPrincipal struct {
	UserID        string
	OrgID         string
	DeviceID      string
	ClientSurface string
	Scopes        map[string]bool
}

// Config bounds a single authorizer instance.
type Config struct {
	Keys               tokenissue.KeySet
	RequireJTI         bool
	MaxTokenAgeSeconds int64
	RevokedJTIs        map[string]bool
	AllowedOrigins     map[string]bool
	OriginEnforced     bool
}

// VerifyPrincipal validates a bearer token and constructs a SyncPrincipal.
func VerifyPrincipal(cfg Config, bearer string, now time.Time) (*SyncPrincipal, error) {
	if bearer == "" {
		return nil, apierr.New(apierr.Unauthorized, "missing authorization").WithReason(apierr.ReasonMissingAuthorization)
	}

	claims, err := tokenissue.Verify(cfg.Keys, bearer, now)
	if err != nil {
		return nil, err
	}

	jti, _ := claims.Extra["jti"].(string)
	if cfg.RequireJTI && jti == "" {
		return nil, apierr.New(apierr.Unauthorized, "missing jti").WithReason(apierr.ReasonMissingAuthorization)
	}
	if jti != "" && cfg.RevokedJTIs[jti] {
		return nil, apierr.New(apierr.Unauthorized, "token revoked").WithReason(apierr.ReasonTokenRevoked)
	}
	if cfg.MaxTokenAgeSeconds > 0 && now.Unix()-claims.IssuedAt > cfg.MaxTokenAgeSeconds {
		return nil, apierr.New(apierr.Unauthorized, "token expired").WithReason(apierr.ReasonTokenExpired)
	}

	scopes := map[string]bool{}
	if raw, ok := claims.Extra["scopes"].([]interface{}); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes[str] = true
			}
		}
	}

	p := &SyncPrincipal{Scopes: scopes}
	p.UserID, _ = claims.Extra["user_id"].(string)
	p.OrgID, _ = claims.Extra["org_id"].(string)
	p.DeviceID, _ = claims.Extra["device_id"].(string)
	p.ClientSurface, _ = claims.Extra["client_surface"].(string)
	return p, nil
}

// topicMatcher is a static matrix entry: a topic pattern, the scope it
// requires, and an ownership predicate evaluated against the matched
// path segment (empty matches always pass).
type topicMatcher struct {
	match func(topic string) (matched bool, ownerSegment string)
	scope string
}

var matrix = []topicMatcher{
	{
		match: func(topic string) (bool, string) {
			return strings.HasPrefix(topic, "run:") && strings.HasSuffix(topic, ":events"), ""
		},
		scope: "runtime.run_events",
	},
	{
		match: func(topic string) (bool, string) {
			if !strings.HasPrefix(topic, "worker:") || !strings.HasSuffix(topic, ":lifecycle") {
				return false, ""
			}
			rest := strings.TrimPrefix(topic, "worker:")
			workerID := strings.TrimSuffix(rest, ":lifecycle")
			return true, workerID
		},
		scope: "runtime.worker_lifecycle_events",
	},
	{
		match: func(topic string) (bool, string) {
			if !strings.HasPrefix(topic, "fleet:user:") || !strings.HasSuffix(topic, ":workers") {
				return false, ""
			}
			rest := strings.TrimPrefix(topic, "fleet:user:")
			userID := strings.TrimSuffix(rest, ":workers")
			return true, userID
		},
		scope: "runtime.worker_lifecycle_events",
	},
	{
		match: func(topic string) (bool, string) {
			return topic == "codex.worker_events", ""
		},
		scope: "runtime.codex_worker_events",
	},
}

// WorkerOwnerLookup resolves the owning user id for a worker id, used
// by the worker:<w>:lifecycle binding check.
type WorkerOwnerLookup func(workerID string) (ownerUserID string, ok bool)

// Authorize checks a principal's access to a topic against the fixed
// topic matrix, the onyx surface restriction, and origin policy.
func Authorize(cfg Config, p *SyncPrincipal, topic, origin string, lookupWorkerOwner WorkerOwnerLookup) error {
	if cfg.OriginEnforced && origin != "" && !cfg.AllowedOrigins[origin] {
		return apierr.New(apierr.Forbidden, "origin not allowed").WithReason(apierr.ReasonOriginNotAllowed)
	}

	if p.ClientSurface == "onyx" && !(strings.HasPrefix(topic, "run:") && strings.HasSuffix(topic, ":events")) {
		return apierr.New(apierr.Forbidden, "surface not permitted for this topic").WithReason(apierr.ReasonSurfacePolicyDenied)
	}

	var matched *topicMatcher
	var ownerSegment string
	for i := range matrix {
		if ok, seg := matrix[i].match(topic); ok {
			matched = &matrix[i]
			ownerSegment = seg
			break
		}
	}
	if matched == nil {
		return apierr.New(apierr.Forbidden, "topic does not match any authorization rule").WithReason(apierr.ReasonMissingScope)
	}
	if !p.Scopes[matched.scope] {
		return apierr.New(apierr.Forbidden, "missing required scope").WithReason(apierr.ReasonMissingScope).WithDetails(map[string]interface{}{
			"required_scope": matched.scope,
		})
	}

	switch {
	case strings.HasPrefix(topic, "worker:"):
		if lookupWorkerOwner == nil {
			return apierr.New(apierr.Forbidden, "owner mismatch").WithReason(apierr.ReasonOwnerMismatch)
		}
		owner, ok := lookupWorkerOwner(ownerSegment)
		if !ok || owner != p.UserID {
			return apierr.New(apierr.Forbidden, "owner mismatch").WithReason(apierr.ReasonOwnerMismatch)
		}
	case strings.HasPrefix(topic, "fleet:user:"):
		if ownerSegment != p.UserID {
			return apierr.New(apierr.Forbidden, "owner mismatch").WithReason(apierr.ReasonOwnerMismatch)
		}
	}

	return nil
}
