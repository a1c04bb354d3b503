package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTokens(t *testing.T, secret string, now time.Time) *SessionTokens {
	t.Helper()
	tokens, err := NewSessionTokens(secret, time.Minute, time.Second)
	if err != nil {
		t.Fatalf("NewSessionTokens: %v", err)
	}
	tokens.WithClock(func() time.Time { return now })
	return tokens
}

func TestSessionTokensRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", now)

	token, issued, err := tokens.Issue("viewer-7")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !issued.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", issued.ExpiresAt)
	}
	session, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if session.Subject != "viewer-7" || !session.ExpiresAt.Equal(issued.ExpiresAt) {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestSessionTokensAssignFreshSubject(t *testing.T) {
	tokens := newTokens(t, "secret", time.Unix(1700000000, 0))
	_, first, err := tokens.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, second, err := tokens.Issue("  ")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasPrefix(first.Subject, "viewer-") || first.Subject == second.Subject {
		t.Fatalf("expected distinct generated subjects, got %q and %q", first.Subject, second.Subject)
	}
}

func TestSessionTokensRejectExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTokens(t, "secret", now)
	token, _, err := issuer.Issue("viewer-7")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	later := newTokens(t, "secret", now.Add(2*time.Minute))
	if _, err := later.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestSessionTokensRejectForeignSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	token, _, err := newTokens(t, "other-secret", now).Issue("viewer-7")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := newTokens(t, "secret", now).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSessionTokensRejectWrongAudience(t *testing.T) {
	now := time.Unix(1700000000, 0)
	token := signRaw(t, "secret", fmt.Sprintf(`{"sub":"viewer-7","exp":%d,"iat":%d,"aud":"admin"}`, now.Add(time.Minute).Unix(), now.Unix()))
	if _, err := newTokens(t, "secret", now).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewSessionTokensRequiresSecret(t *testing.T) {
	if _, err := NewSessionTokens("   ", time.Minute, 0); err == nil {
		t.Fatal("expected an empty secret to be rejected")
	}
}

func signRaw(t *testing.T, secret, body string) string {
	t.Helper()
	head := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	input := head + "." + base64.RawURLEncoding.EncodeToString([]byte(body))
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(input)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
