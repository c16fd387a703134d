package authsvc_test

import (
	"testing"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/authsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	email, code string
}

func (c *captureEmitter) Emit(email, code string) error {
	c.email, c.code = email, code
	return nil
}

func TestChallengeRoundTrip(t *testing.T) {
	emitter := &captureEmitter{}
	svc := authsvc.New(authsvc.Config{}, emitter)

	challengeID, err := svc.StartChallenge("alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, challengeID)
	require.NotEmpty(t, emitter.code)

	access, refresh, sess, err := svc.VerifyChallenge(challengeID, emitter.code, "autopilot-ios", "device-1", "1.2.3.4", "ua")
	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)
	assert.Equal(t, "mobile:autopilot-ios", sess.TokenName)

	bundle, err := svc.SessionFromAccessToken(access)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", bundle.User.Email)
}

func TestVerifyChallenge_WrongCodeRejected(t *testing.T) {
	emitter := &captureEmitter{}
	svc := authsvc.New(authsvc.Config{}, emitter)

	challengeID, err := svc.StartChallenge("bob@example.com")
	require.NoError(t, err)

	_, _, _, err = svc.VerifyChallenge(challengeID, "000000", "web", "d1", "", "")
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.Unauthorized, apiErr.ErrorCode)
}

func TestRefreshSession_ReplayRevokesSession(t *testing.T) {
	emitter := &captureEmitter{}
	svc := authsvc.New(authsvc.Config{}, emitter)
	challengeID, _ := svc.StartChallenge("carol@example.com")
	_, refresh, _, err := svc.VerifyChallenge(challengeID, emitter.code, "web", "d1", "", "")
	require.NoError(t, err)

	_, newRefresh, _, err := svc.RefreshSession(refresh, nil, true)
	require.NoError(t, err)
	require.NotEqual(t, refresh, newRefresh)

	// Replaying the consumed refresh token must revoke the whole session.
	_, _, _, err = svc.RefreshSession(refresh, nil, true)
	require.Error(t, err)

	// The rotated token must also now be rejected since its session was revoked.
	_, _, _, err = svc.RefreshSession(newRefresh, nil, true)
	require.Error(t, err)
}

func TestRefreshSession_DeviceMismatchRejected(t *testing.T) {
	emitter := &captureEmitter{}
	svc := authsvc.New(authsvc.Config{}, emitter)
	challengeID, _ := svc.StartChallenge("dave@example.com")
	_, refresh, _, err := svc.VerifyChallenge(challengeID, emitter.code, "web", "device-a", "", "")
	require.NoError(t, err)

	other := "device-b"
	_, _, _, err = svc.RefreshSession(refresh, &other, true)
	require.Error(t, err)
}

func TestRegisterAPIUser_RequiresMockMode(t *testing.T) {
	svc := authsvc.New(authsvc.Config{MockMode: false}, &captureEmitter{})
	_, _, _, err := svc.RegisterAPIUser("x@example.com", "X")
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.Forbidden, apiErr.ErrorCode)
}

func TestRegisterAPIUser_EnforcesAllowedDomains(t *testing.T) {
	svc := authsvc.New(authsvc.Config{MockMode: true, MockAllowedDomains: []string{"openagents.com"}}, &captureEmitter{})
	_, _, _, err := svc.RegisterAPIUser("x@evil.com", "X")
	require.Error(t, err)

	user, created, token, err := svc.RegisterAPIUser("x@openagents.com", "X")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, token)
	assert.Equal(t, "x@openagents.com", user.Email)
}

func TestPATLifecycle(t *testing.T) {
	svc := authsvc.New(authsvc.Config{}, &captureEmitter{})

	pat, token, err := svc.IssuePAT("user-x", "ci-token")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	bundle, err := svc.SessionOrPATFromAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, pat.ID, bundle.PAT.ID)

	require.NoError(t, svc.RevokePAT(pat.ID))
	_, err = svc.SessionOrPATFromAccessToken(token)
	require.Error(t, err)
}

func TestLocalTestSignIn_RequiresConfiguredKeyAndAllowlist(t *testing.T) {
	svc := authsvc.New(authsvc.Config{}, &captureEmitter{})
	_, err := svc.LocalTestSignIn(map[string]string{"email": "x@example.com"}, []string{"email"}, "sig")
	require.Error(t, err)
}
