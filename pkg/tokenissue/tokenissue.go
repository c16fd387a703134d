// Package tokenissue implements the shared HMAC-SHA256 token envelope
// used by both the sync-token and workspace-token minters:
// "v1.<payload>.<signature>", URL-safe base64 without padding.
package tokenissue

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openagents/control/pkg/apierr"
)

const version = "v1"

var b64 = base64.RawURLEncoding

// KeySet maps a key id to its HMAC secret. The active kid is whichever
// key the caller chooses to sign with; verify uses the key named by the
// token's kid, so a rotated-out token stays valid while its kid remains
// configured.
type KeySet map[string]string

// Claims is the decoded payload shared by both token kinds. Issuer-
// specific fields travel in Extra.
type Claims struct {
	Kid           string                 `json:"kid"`
	ClaimsVersion int                    `json:"claims_version"`
	IssuedAt      int64                  `json:"iat"`
	ExpiresAt     int64                  `json:"exp"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Issue signs claims with the given key id's secret and returns the
// wire-format token. Returns a service_unavailable error tagged with
// unavailableReason if the kid has no configured key.
func Issue(keys KeySet, kid string, claims Claims, unavailableReason apierr.ReasonCode) (string, error) {
	secret, ok := keys[kid]
	if !ok || secret == "" {
		return "", apierr.New(apierr.ServiceUnavailable, "no signing key configured").WithReason(unavailableReason)
	}
	claims.Kid = kid

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := b64.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(version + "." + payload))
	sig := b64.EncodeToString(mac.Sum(nil))

	return version + "." + payload + "." + sig, nil
}

// Verify checks a token's signature against the configured key its kid names and
// returns the decoded claims if valid and unexpired.
func Verify(keys KeySet, token string, now time.Time) (Claims, error) {
	parts := splitToken(token)
	if len(parts) != 3 || parts[0] != version {
		return Claims{}, apierr.New(apierr.Unauthorized, "malformed token").WithReason(apierr.ReasonMissingAuthorization)
	}
	payload, sig := parts[1], parts[2]

	payloadJSON, err := b64.DecodeString(payload)
	if err != nil {
		return Claims{}, apierr.New(apierr.Unauthorized, "malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Claims{}, apierr.New(apierr.Unauthorized, "malformed token claims")
	}

	secret, ok := keys[claims.Kid]
	if !ok || secret == "" {
		return Claims{}, apierr.New(apierr.Unauthorized, "unknown signing key").WithReason(apierr.ReasonTokenRevoked)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(version + "." + payload))
	wantSig := b64.EncodeToString(mac.Sum(nil))

	gotSigBytes, err := b64.DecodeString(sig)
	if err != nil {
		return Claims{}, apierr.New(apierr.Unauthorized, "malformed token signature")
	}
	wantSigBytes, _ := b64.DecodeString(wantSig)
	if subtle.ConstantTimeCompare(gotSigBytes, wantSigBytes) != 1 {
		return Claims{}, apierr.New(apierr.Unauthorized, "invalid token signature")
	}

	if claims.ExpiresAt > 0 && now.Unix() > claims.ExpiresAt {
		return Claims{}, apierr.New(apierr.Unauthorized, "token expired").WithReason(apierr.ReasonTokenExpired)
	}

	return claims, nil
}

func splitToken(token string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	return parts
}

func clampTTL(requested, min, max time.Duration) time.Duration {
	if requested < min {
		return min
	}
	if requested > max {
		return max
	}
	return requested
}
