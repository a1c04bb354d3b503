package networking

import (
	"errors"
	"net/http"
	"strings"

	"floatingspheres/broker/internal/auth"
)

var errMissingSession = errors.New("missing session token")

// Authenticator resolves the client id a websocket request may claim.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// SessionAuthenticator accepts viewers holding a token minted by the
// session endpoint. The token subject replaces any client_id parameter.
type SessionAuthenticator struct {
	Tokens *auth.SessionTokens
}

// Authenticate reads the token from ?auth_token= or the X-Auth-Token header.
func (a SessionAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a.Tokens == nil {
		return "", errors.New("session tokens not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errMissingSession
	}
	session, err := a.Tokens.Verify(token)
	if err != nil {
		return "", err
	}
	return session.Subject, nil
}

// WithAuthenticator requires every websocket dial to pass authenticator.
func WithAuthenticator(authenticator Authenticator) HubOption {
	return func(h *Hub) { h.auth = authenticator }
}
