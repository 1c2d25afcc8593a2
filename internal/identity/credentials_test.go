package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretMatches(t *testing.T) {
	key, err := newAPIKey()
	require.NoError(t, err)

	assert.True(t, secretMatches(key, hashSecret(key)))
	assert.False(t, secretMatches(key+"x", hashSecret(key)))
	assert.False(t, secretMatches(key, ""), "empty stored hash never matches")
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti, err := NewTokenIssuer([]byte(strings.Repeat("s", 32)), time.Hour)
	require.NoError(t, err)

	token, ttl, err := ti.IssueToken("dev-1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	id, err := ti.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)
}

func TestTokenIssuer_Rejects(t *testing.T) {
	secret := []byte(strings.Repeat("s", 32))
	ti, err := NewTokenIssuer(secret, time.Hour)
	require.NoError(t, err)
	token, _, err := ti.IssueToken("dev-1")
	require.NoError(t, err)

	t.Run("different secret", func(t *testing.T) {
		other, err := NewTokenIssuer([]byte(strings.Repeat("t", 32)), time.Hour)
		require.NoError(t, err)
		_, err = other.VerifyToken(token)
		assert.Equal(t, apperr.AuthInvalid, apperr.ReasonOf(err))
	})

	t.Run("signed with raw secret instead of derived key", func(t *testing.T) {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "dev-1",
			Issuer:    "sunlink",
			Audience:  jwt.ClaimStrings{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString(secret)
		require.NoError(t, err)
		_, err = ti.VerifyToken(forged)
		assert.Equal(t, apperr.AuthInvalid, apperr.ReasonOf(err))
	})

	t.Run("expired", func(t *testing.T) {
		late := *ti
		late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := late.VerifyToken(token)
		assert.Equal(t, apperr.AuthExpired, apperr.ReasonOf(err))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ti.VerifyToken("not-a-jwt")
		assert.Equal(t, apperr.AuthInvalid, apperr.ReasonOf(err))
	})
}

func TestNewTokenIssuer_EmptySecret(t *testing.T) {
	_, err := NewTokenIssuer(nil, time.Hour)
	assert.Error(t, err)
}

func TestIdentityConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*IdentityConfig)
		wantErr bool
	}{
		{"defaults", func(*IdentityConfig) {}, false},
		{"open policy", func(c *IdentityConfig) { c.ClaimPolicy = ClaimPolicyOpen }, false},
		{"unknown policy", func(c *IdentityConfig) { c.ClaimPolicy = "allowlist" }, true},
		{"token without secret", func(c *IdentityConfig) { c.CredentialType = CredentialToken }, true},
		{"token with secret", func(c *IdentityConfig) {
			c.CredentialType = CredentialToken
			c.TokenSecret = strings.Repeat("x", 32)
		}, false},
		{"unknown credential type", func(c *IdentityConfig) { c.CredentialType = "mtls" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
