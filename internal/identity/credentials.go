package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	apiKeyPrefix  = "slk_"
	nonceSize     = 16
	apiKeySize    = 32
	deviceKeyInfo = "sunlink device credential v1"
	tokenAudience = "sunlink-device"
)

// Credential is what a device presents on every call after provisioning.
// Exactly one of Secret and Token is set.
type Credential struct {
	Type      string `json:"type"`
	Secret    string `json:"secret,omitempty"`
	Token     string `json:"token,omitempty"`
	ExpiresIn int64  `json:"expiresIn,omitempty"`
}

// hashSecret returns the hex sha256 digest stored for a secret.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// secretMatches compares a presented secret with a stored digest in constant time.
func secretMatches(presented, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashSecret(presented)), []byte(storedHash)) == 1
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// newAPIKey generates a fresh device secret.
func newAPIKey() (string, error) {
	s, err := randomHex(apiKeySize)
	if err != nil {
		return "", err
	}
	return apiKeyPrefix + s, nil
}

// DeviceClaims is the JWT payload of a device token.
type DeviceClaims struct {
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies device tokens. Its signing key is derived
// from the configured device secret under a device-only HKDF label, so it
// never equals the operator signing key even when both secrets are reused.
type TokenIssuer struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenIssuer derives the device signing key from secret.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("device token secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(deviceKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive device key: %w", err)
	}
	return &TokenIssuer{key: key, ttl: ttl, issuer: "sunlink", now: time.Now}, nil
}

// IssueToken mints a signed token for deviceID and returns it with its
// lifetime.
func (ti *TokenIssuer) IssueToken(deviceID string) (string, time.Duration, error) {
	token, _, err := ti.issue(deviceID)
	return token, ti.ttl, err
}

// issue also returns the token ID so callers can pin the current token.
func (ti *TokenIssuer) issue(deviceID string) (string, string, error) {
	jti, err := randomHex(nonceSize)
	if err != nil {
		return "", "", err
	}
	now := ti.now()
	claims := DeviceClaims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        jti,
		Subject:   deviceID,
		Issuer:    ti.issuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
	if err != nil {
		return "", "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, jti, nil
}

// VerifyToken checks signature and expiry and returns the device ID.
func (ti *TokenIssuer) VerifyToken(token string) (string, error) {
	claims, err := ti.verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (ti *TokenIssuer) verify(token string) (*DeviceClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &DeviceClaims{}, func(*jwt.Token) (any, error) {
		return ti.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Expired("device token expired", err)
		}
		return nil, apperr.Invalid("invalid device token", err)
	}
	claims, ok := parsed.Claims.(*DeviceClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, apperr.Invalid("invalid device token", nil)
	}
	return claims, nil
}
