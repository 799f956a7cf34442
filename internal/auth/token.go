// Package auth issues and validates the bearer tokens that bind a device to an owner.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

const (
	defaultTokenTTL = 30 * time.Minute

	// AccessTokenQueryParameter carries the token for clients that cannot set headers,
	// such as event streams.
	AccessTokenQueryParameter = "access_token"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	ErrMissingIssuer        = errors.New("auth: issuer must be provided")
	ErrMissingAudience      = errors.New("auth: audience must be provided")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrMissingSubject       = errors.New("auth: subject claim must be provided")
)

// TokenIssuerConfig configures the owner token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates HS256 owner tokens. The subject is the owner id.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer validates cfg and returns a TokenIssuer.
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
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueOwnerToken produces a signed JWT and its lifetime in seconds for owner.
func (i *TokenIssuer) IssueOwnerToken(_ context.Context, owner ledger.OwnerID) (string, int64, error) {
	validated, err := ledger.NewOwnerID(owner.String())
	if err != nil {
		return "", 0, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()
	registered := jwt.RegisteredClaims{
		Subject:   validated.String(),
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, registered).SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks the token signature, issuer, audience and expiry and returns
// the owner it was issued for.
func (i *TokenIssuer) ValidateToken(tokenString string) (ledger.OwnerID, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrExpiredToken, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	owner, err := ledger.NewOwnerID(claims.Subject)
	if err != nil {
		return "", ErrMissingSubject
	}
	return owner, nil
}

// ValidateRequest reads the bearer token from the Authorization header, or from the
// access_token query parameter when no header is present, and validates it.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (ledger.OwnerID, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	return i.ValidateToken(token)
}

// TokenFromRequest extracts the raw bearer token.
func TokenFromRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingToken
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", ErrMissingToken
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}
	token := strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParameter))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
