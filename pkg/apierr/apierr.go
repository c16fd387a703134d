// Package apierr defines the single wire error shape every gateway and
// internal handler writes through.
package apierr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ReasonCode is a stable machine-readable identifier that drives client
// recovery behavior. Values are never renumbered once shipped.
type ReasonCode string

const (
	ReasonMissingAuthorization ReasonCode = "missing_authorization"
	ReasonTokenExpired         ReasonCode = "token_expired"
	ReasonTokenRevoked         ReasonCode = "token_revoked"
	ReasonMissingScope         ReasonCode = "missing_scope"
	ReasonOwnerMismatch        ReasonCode = "owner_mismatch"
	ReasonSurfacePolicyDenied  ReasonCode = "surface_policy_denied"
	ReasonOriginNotAllowed     ReasonCode = "origin_not_allowed"
	ReasonInvalidClientBuild   ReasonCode = "invalid_client_build"
	ReasonUpgradeRequired      ReasonCode = "upgrade_required"
	ReasonSchemaOutOfWindow    ReasonCode = "schema_out_of_window"
	ReasonInvalidScope         ReasonCode = "invalid_scope"
	ReasonSyncTokenUnavailable ReasonCode = "sync_token_unavailable"
	ReasonKhalaTokenUnavail    ReasonCode = "khala_token_unavailable"
	ReasonKhalaPublishLimited  ReasonCode = "khala_publish_rate_limited"
	ReasonDispatchRateLimited  ReasonCode = "compute_dispatch_rate_limited"
	ReasonRetentionFloorBreach ReasonCode = "retention_floor_breach"
	ReasonReplayBudgetExceeded ReasonCode = "replay_budget_exceeded"
	ReasonRouteClassRateLimited ReasonCode = "route_class_rate_limited"
	ReasonMaintenanceMode      ReasonCode = "maintenance_mode"
)

// Taxonomy is the fixed set of error classes exposed on the wire.
type Taxonomy string

const (
	InvalidRequest     Taxonomy = "invalid_request"
	Unauthorized       Taxonomy = "unauthorized"
	Forbidden          Taxonomy = "forbidden"
	NotFound           Taxonomy = "not_found"
	Conflict           Taxonomy = "conflict"
	RateLimited        Taxonomy = "rate_limited"
	PayloadTooLarge    Taxonomy = "payload_too_large"
	StaleCursor        Taxonomy = "stale_cursor"
	SlowConsumerEvict  Taxonomy = "slow_consumer_evicted"
	UpgradeRequired    Taxonomy = "upgrade_required"
	WritePathFrozen    Taxonomy = "write_path_frozen"
	ServiceUnavailable Taxonomy = "service_unavailable"
	Internal           Taxonomy = "internal"
)

var statusByTaxonomy = map[Taxonomy]int{
	InvalidRequest:     http.StatusBadRequest,
	Unauthorized:       http.StatusUnauthorized,
	Forbidden:          http.StatusForbidden,
	NotFound:           http.StatusNotFound,
	Conflict:           http.StatusConflict,
	RateLimited:        http.StatusTooManyRequests,
	PayloadTooLarge:    http.StatusRequestEntityTooLarge,
	StaleCursor:        http.StatusGone,
	SlowConsumerEvict:  http.StatusConflict,
	UpgradeRequired:    http.StatusUpgradeRequired,
	WritePathFrozen:    http.StatusServiceUnavailable,
	ServiceUnavailable: http.StatusServiceUnavailable,
	Internal:           http.StatusInternalServerError,
}

// Error is the wire body: {error, message, reason_code?, details?}.
type Error struct {
	ErrorCode  Taxonomy               `json:"error"`
	Message    string                 `json:"message"`
	ReasonCode ReasonCode             `json:"reason_code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`

	status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

// New builds an Error for the given taxonomy class.
func New(class Taxonomy, message string) *Error {
	return &Error{ErrorCode: class, Message: message, status: statusByTaxonomy[class]}
}

// WithReason attaches a stable reason code.
func (e *Error) WithReason(r ReasonCode) *Error {
	e.ReasonCode = r
	return e
}

// WithDetails attaches structured detail fields (e.g. expected/actual seq).
func (e *Error) WithDetails(d map[string]interface{}) *Error {
	e.Details = d
	return e
}

// Status returns the HTTP status code this error maps to.
func (e *Error) Status() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// Write renders the error as the taxonomy JSON body.
func Write(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(err)
}

// WriteInternal logs the underlying error and writes a generic internal
// response; the original error is never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal error", "error", err)
	Write(w, New(Internal, "an unexpected error occurred"))
}

// RetryAfter writes a rate_limited response carrying a Retry-After header.
func RetryAfter(w http.ResponseWriter, retryAfterMs int64, reason ReasonCode, details map[string]interface{}) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterMs/1000))
	e := New(RateLimited, "rate limit exceeded").WithReason(reason).WithDetails(details)
	Write(w, e)
}
