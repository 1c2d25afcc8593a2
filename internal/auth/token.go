// Package auth issues and verifies operator access tokens. Operators are
// the administrative callers of the configs, commands and alerts APIs; device
// credentials live in the identity module under a separate signing key.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// Operator scopes.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// Claims holds the JWT payload for operator access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Operator string   `json:"op"`
	Scopes   []string `json:"scp"`
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// TokenService handles operator JWT access tokens.
type TokenService struct {
	secret         []byte
	accessTokenTTL time.Duration
	issuer         string
	now            func() time.Time
}

// NewTokenService creates a TokenService with the given signing secret and TTL.
func NewTokenService(secret []byte, accessTTL time.Duration, issuer string) *TokenService {
	if issuer == "" {
		issuer = "sunlink"
	}
	return &TokenService{
		secret:         secret,
		accessTokenTTL: accessTTL,
		issuer:         issuer,
		now:            time.Now,
	}
}

// IssueAccessToken generates a signed operator token.
func (s *TokenService) IssueAccessToken(operator string, scopes []string) (string, time.Time, error) {
	if operator == "" {
		return "", time.Time{}, apperr.Validation("operator name is required")
	}
	now := s.now()
	expires := now.Add(s.accessTokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{"sunlink-operator"},
		},
		Operator: operator,
		Scopes:   scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expires, nil
}

// ValidateAccessToken parses and validates an operator token. Expired tokens
// yield an apperr Expired error; everything else is Invalid.
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience("sunlink-operator"),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Expired("access token expired", err)
		}
		return nil, apperr.Invalid("invalid access token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.Invalid("invalid token claims", nil)
	}
	return claims, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration {
	return s.accessTokenTTL
}
