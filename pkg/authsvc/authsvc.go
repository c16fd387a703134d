// Package authsvc implements the email-challenge auth flow, session and
// refresh-token rotation, PAT management, and local test sign-in
// described below.
package authsvc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openagents/control/pkg/apierr"
	"golang.org/x/crypto/bcrypt"
)

// ChallengeEmitter delivers a one-time code out of band. The mock
// emitter (used in dev) logs the code; the production emitter would
// call out to WorkOS or an equivalent provider.
type ChallengeEmitter interface {
	Emit(email, code string) error
}

// MockEmitter logs the code instead of sending it, for local/dev use.
type MockEmitter struct{}

func (MockEmitter) Emit(email, code string) error {
	slog.Info("challenge code issued (mock emitter)", "email", email, "code", code)
	return nil
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// refreshRecord is one link in a session's refresh-token chain. Only
// the record matching Session.CurrentRefreshHash is live; every earlier
// record is Consumed. Presenting any non-current record is a replay.
type refreshRecord struct {
	Hash      string
	Consumed  bool
	CreatedAt time.Time
}

// Session is one login. Its refresh token rotates many times over the
// session's life, but revocation is always a single flag on the
// Session itself, so a replay anywhere in the chain revokes every
// refresh token ever issued for it in one step.
type Session struct {
	ID                 string
	UserID             string
	DeviceID           string
	TokenName          string
	AccessTokenID      string
	CurrentRefreshHash string
	RefreshChain       []refreshRecord
	Revoked            bool
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

func (s *Session) currentRecord() *refreshRecord {
	for i := range s.RefreshChain {
		if s.RefreshChain[i].Hash == s.CurrentRefreshHash {
			return &s.RefreshChain[i]
		}
	}
	return nil
}

type challenge struct {
	ID        string
	Email     string
	CodeHash  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed  bool
}

type PersonalAccessToken struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	Revoked    bool      `json:"revoked"`
}

// Membership is an opaque org-membership record returned in SessionBundle.
type Membership struct {
	OrgID string `json:"org_id"`
	Role  string `json:"role"`
}

// SessionBundle is what session_from_access_token resolves to.
type SessionBundle struct {
	User        User         `json:"user"`
	Session     *Session     `json:"session,omitempty"`
	PAT         *PersonalAccessToken `json:"pat,omitempty"`
	Memberships []Membership `json:"memberships"`
}

// Config bounds the service's behavior.
type Config struct {
	MockMode            bool
	MockAllowedDomains  []string
	ChallengeTTL        time.Duration
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	LocalTestSigningKey string
	LocalTestAllowedEmails map[string]bool
}

// Service is the in-memory implementation of the auth service. A
// Postgres-backed implementation would share this exact surface.
type Service struct {
	mu sync.Mutex

	cfg     Config
	emitter ChallengeEmitter
	clock   func() time.Time

	usersByEmail map[string]*User
	usersByID    map[string]*User
	challenges   map[string]*challenge
	sessions     map[string]*Session // keyed by session id
	accessIndex  map[string]string   // access token id -> session id
	refreshIndex map[string]string   // refresh secret hash -> session id
	pats         map[string]*PersonalAccessToken
	patSecretIdx map[string]string // pat secret hash -> pat id
	memberships  map[string][]Membership
}

func New(cfg Config, emitter ChallengeEmitter) *Service {
	if emitter == nil {
		emitter = MockEmitter{}
	}
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = 10 * time.Minute
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	return &Service{
		cfg:          cfg,
		emitter:      emitter,
		clock:        time.Now,
		usersByEmail: make(map[string]*User),
		usersByID:    make(map[string]*User),
		challenges:   make(map[string]*challenge),
		sessions:     make(map[string]*Session),
		accessIndex:  make(map[string]string),
		refreshIndex: make(map[string]string),
		pats:         make(map[string]*PersonalAccessToken),
		patSecretIdx: make(map[string]string),
		memberships:  make(map[string][]Membership),
	}
}

// StartChallenge creates or refreshes a challenge record and delivers
// the code out of band. Only the challenge id is ever returned.
func (s *Service) StartChallenge(email string) (challengeID string, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", apierr.New(apierr.InvalidRequest, "email is invalid")
	}

	code := generateCode()
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash challenge code: %w", err)
	}

	now := s.clock()
	c := &challenge{
		ID:        uuid.NewString(),
		Email:     email,
		CodeHash:  string(hash),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	}

	s.mu.Lock()
	s.challenges[c.ID] = c
	s.mu.Unlock()

	if err := s.emitter.Emit(email, code); err != nil {
		return "", apierr.New(apierr.ServiceUnavailable, "challenge delivery unavailable")
	}
	return c.ID, nil
}

// VerifyChallenge validates the code and issues a new session.
func (s *Service) VerifyChallenge(challengeID, code, clientName, deviceID, ip, ua string) (accessToken, refreshToken string, session *Session, err error) {
	s.mu.Lock()
	c, ok := s.challenges[challengeID]
	s.mu.Unlock()
	if !ok {
		return "", "", nil, apierr.New(apierr.Unauthorized, "challenge not found")
	}
	if c.Consumed || s.clock().After(c.ExpiresAt) {
		return "", "", nil, apierr.New(apierr.Unauthorized, "challenge expired or already used")
	}
	if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)) != nil {
		return "", "", nil, apierr.New(apierr.Unauthorized, "invalid code")
	}

	s.mu.Lock()
	c.Consumed = true
	user := s.getOrCreateUserLocked(c.Email)
	s.mu.Unlock()

	tokenName := "mobile:" + clientName
	return s.mintSession(user, tokenName, deviceID)
}

func (s *Service) mintSession(user *User, tokenName, deviceID string) (accessToken, refreshToken string, session *Session, err error) {
	now := s.clock()
	accessID := randomToken()
	refreshSecret := randomToken()
	refreshHash := hashSecret(refreshSecret)

	sess := &Session{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		DeviceID:           deviceID,
		TokenName:          tokenName,
		AccessTokenID:      accessID,
		CurrentRefreshHash: refreshHash,
		RefreshChain:       []refreshRecord{{Hash: refreshHash, CreatedAt: now}},
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.cfg.RefreshTokenTTL),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.accessIndex[accessID] = sess.ID
	s.refreshIndex[refreshHash] = sess.ID
	s.mu.Unlock()

	return "oaat_" + accessID, "oart_" + refreshSecret, sess, nil
}

// RefreshSession rotates a refresh token. Presenting an already consumed
// token of a session's chain revokes the whole session, which immediately
// invalidates every refresh token ever issued in its chain (replay
// defense). A token that was never issued is rejected without revoking
// anything.
func (s *Service) RefreshSession(refreshToken string, deviceID *string, rotate bool) (accessToken, newRefreshToken string, session *Session, err error) {
	secret := strings.TrimPrefix(refreshToken, "oart_")
	hash := hashSecret(secret)

	s.mu.Lock()
	sessID, ok := s.refreshIndex[hash]
	if !ok {
		s.mu.Unlock()
		return "", "", nil, apierr.New(apierr.Unauthorized, "refresh token not recognized")
	}
	sess := s.sessions[sessID]

	if sess.Revoked {
		s.mu.Unlock()
		return "", "", nil, apierr.New(apierr.Unauthorized, "refresh token already used; session revoked").WithReason(apierr.ReasonTokenRevoked)
	}
	if hash != sess.CurrentRefreshHash {
		sess.Revoked = true
		s.mu.Unlock()
		return "", "", nil, apierr.New(apierr.Unauthorized, "refresh token already used; session revoked").WithReason(apierr.ReasonTokenRevoked)
	}
	if deviceID != nil && *deviceID != sess.DeviceID {
		s.mu.Unlock()
		return "", "", nil, apierr.New(apierr.Unauthorized, "device_id does not match session")
	}

	accessID := randomToken()
	sess.AccessTokenID = accessID
	s.accessIndex[accessID] = sess.ID

	if rotate {
		if rec := sess.currentRecord(); rec != nil {
			rec.Consumed = true
		}
		newSecret := randomToken()
		newHash := hashSecret(newSecret)
		now := s.clock()
		sess.CurrentRefreshHash = newHash
		sess.RefreshChain = append(sess.RefreshChain, refreshRecord{Hash: newHash, CreatedAt: now})
		sess.ExpiresAt = now.Add(s.cfg.RefreshTokenTTL)
		s.refreshIndex[newHash] = sess.ID
		s.mu.Unlock()
		return "oaat_" + accessID, "oart_" + newSecret, sess, nil
	}

	s.mu.Unlock()
	return "oaat_" + accessID, refreshToken, sess, nil
}

func (s *Service) SessionFromAccessToken(token string) (*SessionBundle, error) {
	id := strings.TrimPrefix(token, "oaat_")
	s.mu.Lock()
	defer s.mu.Unlock()

	sessID, ok := s.accessIndex[id]
	if !ok {
		return nil, apierr.New(apierr.Unauthorized, "access token not recognized")
	}
	sess := s.sessions[sessID]
	if sess.Revoked {
		return nil, apierr.New(apierr.Unauthorized, "session revoked").WithReason(apierr.ReasonTokenRevoked)
	}
	if s.clock().After(sess.ExpiresAt) {
		return nil, apierr.New(apierr.Unauthorized, "session expired").WithReason(apierr.ReasonTokenExpired)
	}

	user := s.usersByID[sess.UserID]
	return &SessionBundle{User: *user, Session: sess, Memberships: s.memberships[user.ID]}, nil
}

// SessionOrPATFromAccessToken tries a session access token first, then
// falls back to a personal access token.
func (s *Service) SessionOrPATFromAccessToken(token string) (*SessionBundle, error) {
	if strings.HasPrefix(token, "oaat_") {
		return s.SessionFromAccessToken(token)
	}

	id := strings.TrimPrefix(token, "oapat_")
	hash := hashSecret(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	patID, ok := s.patSecretIdx[hash]
	if !ok {
		return nil, apierr.New(apierr.Unauthorized, "token not recognized")
	}
	pat := s.pats[patID]
	if pat.Revoked {
		return nil, apierr.New(apierr.Unauthorized, "PAT revoked").WithReason(apierr.ReasonTokenRevoked)
	}
	user := s.usersByID[pat.UserID]
	if user == nil {
		user = &User{ID: pat.UserID}
	}
	return &SessionBundle{User: *user, PAT: pat, Memberships: s.memberships[user.ID]}, nil
}

// RegisterAPIUser is enabled only in mock mode and optionally checks an
// allowed-domain list.
func (s *Service) RegisterAPIUser(email, name string) (user User, created bool, token string, err error) {
	if !s.cfg.MockMode {
		return User{}, false, "", apierr.New(apierr.Forbidden, "register_api_user is only available in mock auth mode")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if len(s.cfg.MockAllowedDomains) > 0 && !domainAllowed(email, s.cfg.MockAllowedDomains) {
		return User{}, false, "", apierr.New(apierr.Forbidden, "email domain is not allow-listed")
	}

	s.mu.Lock()
	existing, exists := s.usersByEmail[email]
	var u *User
	if exists {
		u = existing
	} else {
		u = &User{ID: uuid.NewString(), Email: email, Name: name, CreatedAt: s.clock()}
		s.usersByEmail[email] = u
		s.usersByID[u.ID] = u
	}
	s.mu.Unlock()

	_, secret, err := s.issuePATLocked(u.ID, "api-registration")
	if err != nil {
		return User{}, false, "", err
	}
	return *u, !exists, secret, nil
}

// RevokeTarget selects the scope of a bulk session revocation.
type RevokeTarget string

const (
	TargetSessionID  RevokeTarget = "SessionId"
	TargetDeviceID   RevokeTarget = "DeviceId"
	TargetAllSession RevokeTarget = "AllSessions"
)

type RevokeSessionsRequest struct {
	Target        RevokeTarget
	TargetValue   string
	IncludeCurrent bool
	Reason        string
}

func (s *Service) RevokeUserSessions(userID, currentSessionID string, req RevokeSessionsRequest) (revokedSessionIDs []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if !req.IncludeCurrent && id == currentSessionID {
			continue
		}
		switch req.Target {
		case TargetSessionID:
			if id != req.TargetValue {
				continue
			}
		case TargetDeviceID:
			if sess.DeviceID != req.TargetValue {
				continue
			}
		case TargetAllSession:
			// no filter
		default:
			continue
		}
		sess.Revoked = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Service) IssuePAT(userID, name string) (*PersonalAccessToken, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuePATLocked(userID, name)
}

func (s *Service) issuePATLocked(userID, name string) (*PersonalAccessToken, string, error) {
	secret := randomToken()
	hash := hashSecret(secret)
	pat := &PersonalAccessToken{ID: uuid.NewString(), UserID: userID, Name: name, SecretHash: hash, CreatedAt: s.clock()}
	s.pats[pat.ID] = pat
	s.patSecretIdx[hash] = pat.ID
	return pat, "oapat_" + secret, nil
}

// ListPATs returns non-revoked PATs for a user, flagging the caller's
// own current PAT (by id) as current.
func (s *Service) ListPATs(userID, currentPATID string) []struct {
	PersonalAccessToken
	IsCurrent bool `json:"is_current"`
} {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []struct {
		PersonalAccessToken
		IsCurrent bool `json:"is_current"`
	}
	for _, pat := range s.pats {
		if pat.UserID != userID || pat.Revoked {
			continue
		}
		out = append(out, struct {
			PersonalAccessToken
			IsCurrent bool `json:"is_current"`
		}{PersonalAccessToken: *pat, IsCurrent: pat.ID == currentPATID})
	}
	return out
}

func (s *Service) RevokePAT(patID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pat, ok := s.pats[patID]
	if !ok {
		return apierr.New(apierr.NotFound, "PAT not found")
	}
	pat.Revoked = true
	return nil
}

func (s *Service) RevokeAllPATs(userID string) (revokedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pat := range s.pats {
		if pat.UserID == userID && !pat.Revoked {
			pat.Revoked = true
			revokedIDs = append(revokedIDs, id)
		}
	}
	sort.Strings(revokedIDs)
	return revokedIDs
}

// LocalTestSignIn requires an HMAC-SHA256 signature over the canonical
// unsigned query string (every parameter except signature, in the
// order given) and is only available when a signing key and an email
// allow-list are configured.
func (s *Service) LocalTestSignIn(params map[string]string, order []string, signature string) (*SessionBundle, error) {
	if s.cfg.LocalTestSigningKey == "" || len(s.cfg.LocalTestAllowedEmails) == 0 {
		return nil, apierr.New(apierr.Forbidden, "local_test_sign_in is not configured")
	}
	email, ok := params["email"]
	if !ok || !s.cfg.LocalTestAllowedEmails[strings.ToLower(email)] {
		return nil, apierr.New(apierr.Forbidden, "email is not allow-listed")
	}

	var b strings.Builder
	for i, k := range order {
		if k == "signature" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.LocalTestSigningKey))
	mac.Write([]byte(b.String()))
	want := mac.Sum(nil)
	got, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, apierr.New(apierr.Unauthorized, "invalid signature")
	}

	s.mu.Lock()
	user := s.getOrCreateUserLocked(strings.ToLower(email))
	s.mu.Unlock()

	return &SessionBundle{User: *user, Memberships: s.memberships[user.ID]}, nil
}

func (s *Service) getOrCreateUserLocked(email string) *User {
	if u, ok := s.usersByEmail[email]; ok {
		return u
	}
	u := &User{ID: uuid.NewString(), Email: email, CreatedAt: s.clock()}
	s.usersByEmail[email] = u
	s.usersByID[u.ID] = u
	return u
}

func domainAllowed(email string, domains []string) bool {
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 {
		return false
	}
	for _, d := range domains {
		if strings.EqualFold(parts[1], d) {
			return true
		}
	}
	return false
}

func generateCode() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	n := (uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])) % 1000000
	return fmt.Sprintf("%06d", n)
}

func randomToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
