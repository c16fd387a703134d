package tokenissue_test

import (
	"testing"
	"time"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/tokenissue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify_RoundTrip(t *testing.T) {
	keys := tokenissue.KeySet{"k1": "supersecret"}
	now := time.Now()

	token, err := tokenissue.Issue(keys, "k1", tokenissue.Claims{
		ClaimsVersion: 1,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(time.Hour).Unix(),
		Extra:         map[string]interface{}{"user_id": "u1"},
	}, apierr.ReasonSyncTokenUnavailable)
	require.NoError(t, err)
	assert.Contains(t, token, "v1.")

	claims, err := tokenissue.Verify(keys, token, now)
	require.NoError(t, err)
	assert.Equal(t, "k1", claims.Kid)
	assert.Equal(t, "u1", claims.Extra["user_id"])
}

func TestVerify_RejectsTamperedSignature(t *testing.T) {
	keys := tokenissue.KeySet{"k1": "supersecret"}
	now := time.Now()
	token, err := tokenissue.Issue(keys, "k1", tokenissue.Claims{ExpiresAt: now.Add(time.Hour).Unix()}, apierr.ReasonSyncTokenUnavailable)
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, err = tokenissue.Verify(keys, tampered, now)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.Unauthorized, apiErr.ErrorCode)
}

func TestVerify_RejectsExpired(t *testing.T) {
	keys := tokenissue.KeySet{"k1": "supersecret"}
	now := time.Now()
	token, err := tokenissue.Issue(keys, "k1", tokenissue.Claims{ExpiresAt: now.Add(-time.Minute).Unix()}, apierr.ReasonSyncTokenUnavailable)
	require.NoError(t, err)

	_, err = tokenissue.Verify(keys, token, now)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.ReasonTokenExpired, apiErr.ReasonCode)
}

func TestIssueSyncToken_RejectsDisallowedScope(t *testing.T) {
	keys := tokenissue.KeySet{"k1": "s"}
	_, err := tokenissue.IssueSyncToken(keys, "k1", time.Second, time.Hour, tokenissue.SyncTokenRequest{
		RequestedScopes: []string{"runtime.not_allowed"},
		AllowedScopes:   map[string]bool{"runtime.run_events": true},
	}, time.Now())
	require.Error(t, err)
}

func TestIssueSyncToken_ClampsTTL(t *testing.T) {
	keys := tokenissue.KeySet{"k1": "s"}
	resp, err := tokenissue.IssueSyncToken(keys, "k1", 60*time.Second, 300*time.Second, tokenissue.SyncTokenRequest{
		RequestedScopes: []string{"runtime.run_events"},
		AllowedScopes:   map[string]bool{"runtime.run_events": true},
		RequestedTTL:    10000 * time.Second,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(300), resp.ExpiresIn)
}

func TestIssueSyncToken_DeviceMismatchRejected(t *testing.T) {
	keys := tokenissue.KeySet{"k1": "s"}
	_, err := tokenissue.IssueSyncToken(keys, "k1", time.Second, time.Hour, tokenissue.SyncTokenRequest{
		RequestedScopes: []string{"runtime.run_events"},
		AllowedScopes:   map[string]bool{"runtime.run_events": true},
		DeviceID:        "device-a",
		SessionDeviceID: "device-b",
	}, time.Now())
	require.Error(t, err)
}

func TestIssueWorkspaceToken_RejectsInvalidRole(t *testing.T) {
	keys := tokenissue.KeySet{"k1": "s"}
	_, err := tokenissue.IssueWorkspaceToken(keys, "k1", "openagents", "control", time.Hour, tokenissue.WorkspaceTokenRequest{
		Role: "superadmin",
	}, time.Now())
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidRequest, apiErr.ErrorCode)
}

func TestIssue_UnavailableWithoutSigningKey(t *testing.T) {
	_, err := tokenissue.Issue(tokenissue.KeySet{}, "missing", tokenissue.Claims{}, apierr.ReasonSyncTokenUnavailable)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.ServiceUnavailable, apiErr.ErrorCode)
}
