package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Audience is stamped into every viewer session token.
const Audience = "spheres-viewer"

var (
	// ErrInvalidToken indicates a malformed token or a signature mismatch.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Session is the verified content of a viewer token. Subject is the
// client id the viewer may resume its event stream under.
type Session struct {
	Subject   string    `json:"client_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionTokens mints and checks compact HS256 tokens that bind a viewer
// to a server-assigned client id.
type SessionTokens struct {
	secret []byte
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewSessionTokens builds a token authority for the shared secret. A
// non-positive ttl falls back to one hour.
func NewSessionTokens(secret string, ttl, leeway time.Duration) (*SessionTokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("session secret must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionTokens{secret: []byte(secret), ttl: ttl, leeway: max(leeway, 0), now: time.Now}, nil
}

// WithClock overrides the token clock for deterministic tests.
func (s *SessionTokens) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

type header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type payload struct {
	Subject  string `json:"sub"`
	Expires  int64  `json:"exp"`
	Issued   int64  `json:"iat"`
	Audience string `json:"aud"`
}

// Issue signs a token for subject. An empty subject receives a fresh
// random id with the "viewer-" prefix.
func (s *SessionTokens) Issue(subject string) (string, Session, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		var raw [8]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return "", Session{}, fmt.Errorf("generate client id: %w", err)
		}
		subject = "viewer-" + hex.EncodeToString(raw[:])
	}
	now := s.now().Truncate(time.Second)
	session := Session{Subject: subject, IssuedAt: now, ExpiresAt: now.Add(s.ttl)}

	headerJSON, err := json.Marshal(header{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", Session{}, err
	}
	payloadJSON, err := json.Marshal(payload{
		Subject:  subject,
		Expires:  session.ExpiresAt.Unix(),
		Issued:   session.IssuedAt.Unix(),
		Audience: Audience,
	})
	if err != nil {
		return "", Session{}, err
	}
	signingInput := encodeSegment(headerJSON) + "." + encodeSegment(payloadJSON)
	return signingInput + "." + encodeSegment(s.sign(signingInput)), session, nil
}

// Verify checks the signature, audience and expiry of token.
func (s *SessionTokens) Verify(token string) (Session, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Session{}, ErrInvalidToken
	}

	//1.- Reject anything that is not HS256 before touching the signature.
	var head header
	if err := decodeJSON(parts[0], &head); err != nil {
		return Session{}, ErrInvalidToken
	}
	if head.Algorithm != "HS256" {
		return Session{}, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, head.Algorithm)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, s.sign(parts[0]+"."+parts[1])) {
		return Session{}, ErrInvalidToken
	}

	//2.- Only a signed payload is trusted for subject and expiry.
	var body payload
	if err := decodeJSON(parts[1], &body); err != nil {
		return Session{}, ErrInvalidToken
	}
	if strings.TrimSpace(body.Subject) == "" || body.Expires <= 0 {
		return Session{}, ErrInvalidToken
	}
	if body.Audience != Audience {
		return Session{}, fmt.Errorf("%w: audience %q", ErrInvalidToken, body.Audience)
	}
	expires := time.Unix(body.Expires, 0)
	if expires.Add(s.leeway).Before(s.now()) {
		return Session{}, ErrExpiredToken
	}
	return Session{Subject: body.Subject, IssuedAt: time.Unix(body.Issued, 0), ExpiresAt: expires}, nil
}

func (s *SessionTokens) sign(input string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

func encodeSegment(raw []byte) string { return base64.RawURLEncoding.EncodeToString(raw) }

func decodeJSON(segment string, target any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
