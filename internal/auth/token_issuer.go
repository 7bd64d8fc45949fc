package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret must be provided")
	ErrMissingIssuer        = errors.New("token issuer: issuer must be provided")
	ErrMissingAudience      = errors.New("token issuer: audience must be provided")
	ErrInvalidTokenTTL      = errors.New("token issuer: token ttl must be positive")
	ErrInvalidAddress       = errors.New("token issuer: account address is invalid")
)

// TokenIssuerConfig configures the session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionClaims is the payload of a session token. The subject is the
// checksummed account address the session acts as.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// Account is the address named by the subject claim.
func (c SessionClaims) Account() common.Address {
	return common.HexToAddress(c.Subject)
}

// Expiry is the zero time when the token carries no expiry.
func (c SessionClaims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// SessionGrant is a freshly issued token.
type SessionGrant struct {
	Token     string
	ExpiresAt time.Time
	ExpiresIn int64
}

// TokenIssuer issues and validates HS256 session tokens bound to an account.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, ErrInvalidTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           cfg.TokenTTL,
		clock:         clock,
	}, nil
}

// IssueSessionToken signs a token for account. Each token carries a unique id.
func (i *TokenIssuer) IssueSessionToken(_ context.Context, account common.Address) (SessionGrant, error) {
	if account == (common.Address{}) {
		return SessionGrant{}, ErrInvalidAddress
	}
	tokenID, err := uuid.NewV7()
	if err != nil {
		return SessionGrant{}, fmt.Errorf("token issuer: token id: %w", err)
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        tokenID.String(),
		Subject:   account.Hex(),
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return SessionGrant{}, err
	}
	return SessionGrant{
		Token:     signed,
		ExpiresAt: expiresAt,
		ExpiresIn: int64(i.ttl.Seconds()),
	}, nil
}

// ValidateToken checks signature, issuer, audience and lifetime. Expired
// tokens match both ErrExpiredSessionToken and jwt.ErrTokenExpired.
func (i *TokenIssuer) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, fmt.Errorf("%w: %w", ErrExpiredSessionToken, err)
		}
		return SessionClaims{}, fmt.Errorf("%w: %w", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if !common.IsHexAddress(claims.Subject) {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}
