package identity

import (
	"fmt"
	"time"
)

// Claim policies.
const (
	ClaimPolicyOpen  = "open"
	ClaimPolicyNonce = "nonce"
)

// Credential types.
const (
	CredentialAPIKey = "api-key"
	CredentialToken  = "token"
)

// IdentityConfig holds configuration for the identity module.
type IdentityConfig struct {
	ClaimPolicy    string        `mapstructure:"claim_policy"`
	ClaimNonces    []string      `mapstructure:"claim_nonces"`
	ClaimTTL       time.Duration `mapstructure:"claim_ttl"`
	CredentialType string        `mapstructure:"credential_type"`
	TokenSecret    string        `mapstructure:"token_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

// DefaultConfig returns the default identity configuration.
func DefaultConfig() IdentityConfig {
	return IdentityConfig{
		ClaimPolicy:    ClaimPolicyNonce,
		ClaimTTL:       7 * 24 * time.Hour,
		CredentialType: CredentialAPIKey,
		TokenTTL:       30 * 24 * time.Hour,
	}
}

// Validate checks the configuration for contradictions.
func (c IdentityConfig) Validate() error {
	switch c.ClaimPolicy {
	case ClaimPolicyOpen, ClaimPolicyNonce:
	default:
		return fmt.Errorf("claim_policy %q: must be %q or %q", c.ClaimPolicy, ClaimPolicyOpen, ClaimPolicyNonce)
	}
	switch c.CredentialType {
	case CredentialAPIKey:
	case CredentialToken:
		if len(c.TokenSecret) < 32 {
			return fmt.Errorf("token_secret must be at least 32 bytes for credential_type %q", CredentialToken)
		}
		if c.TokenTTL <= 0 {
			return fmt.Errorf("token_ttl must be positive")
		}
	default:
		return fmt.Errorf("credential_type %q: must be %q or %q", c.CredentialType, CredentialAPIKey, CredentialToken)
	}
	return nil
}
