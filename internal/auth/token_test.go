package auth

import (
	"testing"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
)

func newTestTokenService() *TokenService {
	return NewTokenService([]byte("test-secret-key-32bytes-long!!"), 15*time.Minute, "")
}

func TestIssueAndValidateAccessToken(t *testing.T) {
	ts := newTestTokenService()

	token, expires, err := ts.IssueAccessToken("ops-alice", []string{ScopeRead, ScopeWrite})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}
	if d := time.Until(expires); d <= 14*time.Minute || d > 15*time.Minute {
		t.Errorf("expires in %v, want about 15m", d)
	}

	claims, err := ts.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Operator != "ops-alice" {
		t.Errorf("Operator = %q, want %q", claims.Operator, "ops-alice")
	}
	if claims.Issuer != "sunlink" {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, "sunlink")
	}
	if !claims.HasScope(ScopeWrite) {
		t.Error("expected write scope")
	}
}

func TestIssueAccessToken_RequiresOperator(t *testing.T) {
	_, _, err := newTestTokenService().IssueAccessToken("", nil)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestValidateAccessToken_Failures(t *testing.T) {
	other := NewTokenService([]byte("secret-two-is-32-bytes-long!!!!"), 15*time.Minute, "")
	foreign, _, err := other.IssueAccessToken("mallory", nil)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	expiredSvc := newTestTokenService()
	expiredSvc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _, err := expiredSvc.IssueAccessToken("bob", nil)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	otherIssuer := NewTokenService([]byte("test-secret-key-32bytes-long!!"), time.Minute, "someone-else")
	wrongIss, _, _ := otherIssuer.IssueAccessToken("eve", nil)

	tests := []struct {
		name   string
		token  string
		reason apperr.AuthReason
	}{
		{"wrong secret", foreign, apperr.AuthInvalid},
		{"expired", expired, apperr.AuthExpired},
		{"wrong issuer", wrongIss, apperr.AuthInvalid},
		{"garbage", "not.a.jwt", apperr.AuthInvalid},
	}
	ts := newTestTokenService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.ValidateAccessToken(tt.token)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.ReasonOf(err); got != tt.reason {
				t.Errorf("reason = %q, want %q", got, tt.reason)
			}
		})
	}
}
