package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"entitlements-api/internal/model"
	"entitlements-api/pkg/uid"
)

const (
	// tokenVersion is the only token format accepted by Verify.
	tokenVersion = 1

	// clockSkew tolerates issued-at timestamps slightly in the future.
	clockSkew = 60 * time.Second
)

// Enumerated verification failures. Every rejection carries one of these;
// failures are reported, never silently downgraded.
var (
	ErrSessionDisabled = errors.New("session auth disabled")
	ErrTokenMalformed  = errors.New("malformed token")
	ErrTokenSignature  = errors.New("token signature mismatch")
	ErrTokenVersion    = errors.New("unsupported token version")
	ErrTokenTimestamps = errors.New("missing token timestamps")
	ErrTokenFromFuture = errors.New("token issued in the future")
	ErrTokenExpired    = errors.New("token expired")
	ErrBindingMismatch = errors.New("request does not match token binding")
)

// SessionService issues and verifies short-lived signed tokens binding a
// request to an installation and user identity. Tokens are a two-part
// structure: base64url(JSON payload) + "." + base64url(HMAC-SHA256).
// Stateless; verification has no side effects.
type SessionService struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionService creates a session service. An empty secret disables
// session auth system-wide.
func NewSessionService(secret string, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &SessionService{ttl: ttl}
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Enabled reports whether a server secret is configured.
func (s *SessionService) Enabled() bool {
	return len(s.secret) > 0
}

// TTL returns the configured token lifetime.
func (s *SessionService) TTL() time.Duration {
	return s.ttl
}

// Issue mints a signed token for the given binding. All binding fields are
// optional; an empty field leaves that dimension unbound.
func (s *SessionService) Issue(identity, installID, platform string) (string, *model.SessionTokenPayload, error) {
	if !s.Enabled() {
		return "", nil, ErrSessionDisabled
	}

	now := time.Now().UTC()
	payload := &model.SessionTokenPayload{
		Version:   tokenVersion,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
		TokenID:   uid.New(),
		Identity:  identity,
		InstallID: installID,
		Platform:  platform,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialize token payload: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(s.sign(body))
	return token, payload, nil
}

// Verify checks the token structure, signature and timestamps and returns
// the bound payload. Callers must additionally check the request's claimed
// identity/installId/platform against the payload with CheckBinding.
func (s *SessionService) Verify(token string) (*model.SessionTokenPayload, error) {
	if !s.Enabled() {
		return nil, ErrSessionDisabled
	}

	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 2 {
		return nil, ErrTokenMalformed
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	if !hmac.Equal(sig, s.sign(body)) {
		return nil, ErrTokenSignature
	}

	var payload model.SessionTokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrTokenMalformed
	}

	if payload.Version != tokenVersion {
		return nil, ErrTokenVersion
	}
	if payload.IssuedAt <= 0 || payload.ExpiresAt <= 0 {
		return nil, ErrTokenTimestamps
	}

	now := time.Now().Unix()
	if payload.IssuedAt > now+int64(clockSkew.Seconds()) {
		return nil, ErrTokenFromFuture
	}
	if payload.ExpiresAt < now {
		return nil, ErrTokenExpired
	}

	return &payload, nil
}

// CheckBinding verifies the claimed identity, install id and platform from
// a request body against the token's bound values and returns
// ErrBindingMismatch when they disagree. A claim that omits a field defers
// to the token; a non-empty claim must equal the non-empty bound value. A
// mismatch is an authentication failure even with a valid signature.
func (s *SessionService) CheckBinding(p *model.SessionTokenPayload, identity, installID, platform string) error {
	if p == nil {
		return ErrBindingMismatch
	}
	for _, pair := range [][2]string{
		{p.Identity, identity},
		{p.InstallID, installID},
		{p.Platform, platform},
	} {
		if pair[0] != "" && pair[1] != "" && pair[0] != pair[1] {
			return ErrBindingMismatch
		}
	}
	return nil
}

func (s *SessionService) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
