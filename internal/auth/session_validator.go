package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	DefaultCookieName = "app_session"
	accessTokenQuery  = "access_token"
	bearerPrefix      = "Bearer "
)

var (
	ErrMissingSessionToken   = errors.New("session validator: token required")
	ErrInvalidSessionToken   = errors.New("session validator: invalid token")
	ErrExpiredSessionToken   = errors.New("session validator: token expired")
	ErrMissingSessionSubject = errors.New("session validator: subject required")
	ErrMissingTokenIssuer    = errors.New("session validator: token issuer required")
)

// SessionValidatorConfig describes where session tokens are looked up.
type SessionValidatorConfig struct {
	Tokens     *TokenIssuer
	CookieName string
}

// SessionValidator authenticates HTTP requests carrying a session token in
// the Authorization header, a cookie, or the access_token query parameter.
// The query parameter exists for EventSource clients, which cannot set headers.
type SessionValidator struct {
	tokens     *TokenIssuer
	cookieName string
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, ErrMissingTokenIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &SessionValidator{tokens: cfg.Tokens, cookieName: cookieName}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateRequest finds the request's token and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, err := v.TokenFromRequest(r)
	if err != nil {
		return SessionClaims{}, err
	}
	return v.tokens.ValidateToken(token)
}

// TokenFromRequest prefers the Authorization header, then the cookie, then
// the query parameter.
func (v *SessionValidator) TokenFromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingSessionToken
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrInvalidSessionToken
		}
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token, nil
		}
		return "", ErrMissingSessionToken
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value), nil
	}
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenQuery)); token != "" {
		return token, nil
	}
	return "", ErrMissingSessionToken
}
