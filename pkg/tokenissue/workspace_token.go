package tokenissue

import (
	"time"

	"github.com/openagents/control/pkg/apierr"
)

var validRoles = map[string]bool{"member": true, "admin": true, "owner": true}

// WorkspaceTokenRequest is the input to the workspace-token minter.
type WorkspaceTokenRequest struct {
	UserID      string
	Scopes      []string
	WorkspaceID string
	Role        string
}

// WorkspaceTokenResponse is the workspace token minting output shape.
type WorkspaceTokenResponse struct {
	TokenType     string `json:"token_type"`
	Token         string `json:"token"`
	Issuer        string `json:"issuer"`
	Audience      string `json:"audience"`
	ClaimsVersion int    `json:"claims_version"`
	ExpiresIn     int64  `json:"expires_in"`
}

const workspaceClaimsVersion = 1

// IssueWorkspaceToken mints a workspace-scoped token. Role validation
// is authoritative here at mint time: a role recorded in a claim
// reflects a decision made at issuance, not a live lookup performed on
// every subsequent request.
func IssueWorkspaceToken(keys KeySet, activeKid, issuer, audience string, ttl time.Duration, req WorkspaceTokenRequest, now time.Time) (WorkspaceTokenResponse, error) {
	if req.Role != "" && !validRoles[req.Role] {
		return WorkspaceTokenResponse{}, apierr.New(apierr.InvalidRequest, "role must be one of member, admin, owner")
	}

	exp := now.Add(ttl)
	token, err := Issue(keys, activeKid, Claims{
		ClaimsVersion: workspaceClaimsVersion,
		IssuedAt:      now.Unix(),
		ExpiresAt:     exp.Unix(),
		Extra: map[string]interface{}{
			"user_id":      req.UserID,
			"scopes":       req.Scopes,
			"workspace_id": req.WorkspaceID,
			"role":         req.Role,
		},
	}, apierr.ReasonKhalaTokenUnavail)
	if err != nil {
		return WorkspaceTokenResponse{}, err
	}

	return WorkspaceTokenResponse{
		TokenType:     "Bearer",
		Token:         token,
		Issuer:        issuer,
		Audience:      audience,
		ClaimsVersion: workspaceClaimsVersion,
		ExpiresIn:     int64(ttl.Seconds()),
	}, nil
}
