package tokenissue

import (
	"time"

	"github.com/openagents/control/pkg/apierr"
)

// SyncTokenRequest is the input to the sync-token minter.
type SyncTokenRequest struct {
	UserID            string
	OrgID             string
	SessionID         string
	DeviceID          string
	SessionDeviceID   string
	IsPAT             bool
	RequestedScopes   []string
	RequestedTopics   []string
	RequestedTTL      time.Duration
	AllowedScopes     map[string]bool
	PolicyCrossCheck  func(activeOrg string, scopes, topics []string) bool
}

// SyncTokenResponse is what the minter hands back to the gateway.
type SyncTokenResponse struct {
	Token         string `json:"token"`
	ClaimsVersion int    `json:"claims_version"`
	ExpiresIn     int64  `json:"expires_in"`
}

const syncClaimsVersion = 1

// IssueSyncToken validates scopes, device binding, and the auth
// service's policy cross-check before minting a sync token.
func IssueSyncToken(keys KeySet, activeKid string, minTTL, maxTTL time.Duration, req SyncTokenRequest, now time.Time) (SyncTokenResponse, error) {
	for _, scope := range req.RequestedScopes {
		if !req.AllowedScopes[scope] {
			return SyncTokenResponse{}, apierr.New(apierr.InvalidRequest, "scope not allowed").WithReason(apierr.ReasonInvalidScope).WithDetails(map[string]interface{}{
				"scope": scope,
			})
		}
	}

	if !req.IsPAT && req.DeviceID != "" && req.DeviceID != req.SessionDeviceID {
		return SyncTokenResponse{}, apierr.New(apierr.Unauthorized, "device_id does not match session").WithReason(apierr.ReasonOwnerMismatch)
	}

	if req.PolicyCrossCheck != nil && !req.PolicyCrossCheck(req.OrgID, req.RequestedScopes, req.RequestedTopics) {
		return SyncTokenResponse{}, apierr.New(apierr.Forbidden, "policy evaluation denied requested scopes/topics")
	}

	ttl := clampTTL(req.RequestedTTL, minTTL, maxTTL)
	exp := now.Add(ttl)

	token, err := Issue(keys, activeKid, Claims{
		ClaimsVersion: syncClaimsVersion,
		IssuedAt:      now.Unix(),
		ExpiresAt:     exp.Unix(),
		Extra: map[string]interface{}{
			"user_id":    req.UserID,
			"org_id":     req.OrgID,
			"session_id": req.SessionID,
			"device_id":  req.DeviceID,
			"scopes":     req.RequestedScopes,
			"topics":     req.RequestedTopics,
		},
	}, apierr.ReasonSyncTokenUnavailable)
	if err != nil {
		return SyncTokenResponse{}, err
	}

	return SyncTokenResponse{Token: token, ClaimsVersion: syncClaimsVersion, ExpiresIn: int64(ttl.Seconds())}, nil
}
