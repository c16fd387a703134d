package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/authsvc"
	"github.com/openagents/control/pkg/gateway"
	"github.com/openagents/control/pkg/tokenissue"
)

// controlServices bundles every dependency a control-plane handler needs.
type controlServices struct {
	auth       *authsvc.Service
	syncKeys   tokenissue.KeySet
	syncKid    string
	khalaKeys  tokenissue.KeySet
	khalaKid   string
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apierr.New(apierr.InvalidRequest, "request body is required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apierr.New(apierr.InvalidRequest, "malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *controlServices) handleAuthEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	challengeID, err := s.auth.StartChallenge(req.Email)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"challengeId": challengeID,
		"email":       req.Email,
	})
}

func (s *controlServices) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		ChallengeID string `json:"challengeId"`
		DeviceID    string `json:"deviceId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	access, refresh, session, err := s.auth.VerifyChallenge(req.ChallengeID, req.Code, "api", req.DeviceID, r.RemoteAddr, r.UserAgent())
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":        access,
		"refreshToken": refresh,
		"sessionId":    session.ID,
	})
}

func (s *controlServices) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken       string  `json:"refresh_token"`
		RotateRefreshToken bool    `json:"rotate_refresh_token"`
		DeviceID           *string `json:"device_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	access, newRefresh, session, err := s.auth.RefreshSession(req.RefreshToken, req.DeviceID, req.RotateRefreshToken)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":        access,
		"refreshToken": newRefresh,
		"sessionId":    session.ID,
	})
}

func (s *controlServices) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	bundle, ok := gateway.SessionFromContext(r.Context())
	if !ok || bundle.Session == nil {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "no active session"))
		return
	}
	_, err := s.auth.RevokeUserSessions(bundle.User.ID, bundle.Session.ID, authsvc.RevokeSessionsRequest{
		Target:         authsvc.TargetSessionID,
		TargetValue:    bundle.Session.ID,
		IncludeCurrent: true,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *controlServices) handleSessionsRevoke(w http.ResponseWriter, r *http.Request) {
	bundle, ok := gateway.SessionFromContext(r.Context())
	if !ok {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "no active session"))
		return
	}
	var req struct {
		SessionID         string `json:"session_id"`
		DeviceID          string `json:"device_id"`
		RevokeAllSessions bool   `json:"revoke_all_sessions"`
		IncludeCurrent    bool   `json:"include_current"`
		Reason            string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}

	target := authsvc.TargetAllSession
	value := ""
	switch {
	case req.SessionID != "":
		target = authsvc.TargetSessionID
		value = req.SessionID
	case req.DeviceID != "":
		target = authsvc.TargetDeviceID
		value = req.DeviceID
	}

	currentSessionID := ""
	if bundle.Session != nil {
		currentSessionID = bundle.Session.ID
	}
	revoked, err := s.auth.RevokeUserSessions(bundle.User.ID, currentSessionID, authsvc.RevokeSessionsRequest{
		Target:         target,
		TargetValue:    value,
		IncludeCurrent: req.IncludeCurrent,
		Reason:         req.Reason,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"revokedSessionIds": revoked,
		"reason":            req.Reason,
	})
}

func (s *controlServices) handleSyncToken(w http.ResponseWriter, r *http.Request) {
	bundle, ok := gateway.SessionFromContext(r.Context())
	if !ok {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "no active session"))
		return
	}
	var req struct {
		Scopes     []string `json:"scopes"`
		Topics     []string `json:"topics"`
		TTLSeconds int64    `json:"ttl_seconds"`
		DeviceID   string   `json:"device_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}

	allowed := make(map[string]bool, len(req.Scopes))
	for _, scope := range req.Scopes {
		allowed[scope] = true
	}
	sessionDeviceID := req.DeviceID
	if bundle.Session != nil {
		sessionDeviceID = bundle.Session.DeviceID
	}

	resp, err := tokenissue.IssueSyncToken(s.syncKeys, s.syncKid, minSyncTokenTTL, maxSyncTokenTTL, tokenissue.SyncTokenRequest{
		UserID:          bundle.User.ID,
		DeviceID:        req.DeviceID,
		SessionDeviceID: sessionDeviceID,
		IsPAT:           bundle.PAT != nil,
		RequestedScopes: req.Scopes,
		RequestedTopics: req.Topics,
		RequestedTTL:    time.Duration(req.TTLSeconds) * time.Second,
		AllowedScopes:   allowed,
	}, time.Now().UTC())
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token_type":     "Bearer",
		"token":          resp.Token,
		"claims_version": resp.ClaimsVersion,
		"expires_in":     resp.ExpiresIn,
		"scopes":         req.Scopes,
		"granted_topics": req.Topics,
	})
}

func (s *controlServices) handleKhalaToken(w http.ResponseWriter, r *http.Request) {
	bundle, ok := gateway.SessionFromContext(r.Context())
	if !ok {
		apierr.Write(w, apierr.New(apierr.Unauthorized, "no active session"))
		return
	}
	var req struct {
		Scope       []string `json:"scope"`
		WorkspaceID string   `json:"workspace_id"`
		Role        string   `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	resp, err := tokenissue.IssueWorkspaceToken(s.khalaKeys, s.khalaKid, "openagents-control", "openagents-workspace", defaultWorkspaceTokenTTL, tokenissue.WorkspaceTokenRequest{
		UserID:      bundle.User.ID,
		WorkspaceID: req.WorkspaceID,
		Role:        req.Role,
		Scopes:      req.Scope,
	}, time.Now().UTC())
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeServiceErr(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		apierr.Write(w, apiErr)
		return
	}
	apierr.WriteInternal(w, err)
}
