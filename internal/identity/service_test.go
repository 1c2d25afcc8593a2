package identity

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/testutil"
	"go.uber.org/zap/zaptest"
)

func testService(t *testing.T, mutate ...func(*IdentityConfig)) *Service {
	t.Helper()
	db := testutil.NewStore(t)
	if err := db.Migrate(context.Background(), "identity", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := DefaultConfig()
	cfg.ClaimPolicy = ClaimPolicyOpen
	for _, fn := range mutate {
		fn(&cfg)
	}
	var tokens *TokenIssuer
	if cfg.TokenSecret != "" {
		var err error
		if tokens, err = NewTokenIssuer([]byte(cfg.TokenSecret), cfg.TokenTTL); err != nil {
			t.Fatalf("NewTokenIssuer: %v", err)
		}
	}
	return NewService(NewDeviceStore(db.DB()), cfg, tokens, nil, zaptest.NewLogger(t))
}

func provision(t *testing.T, s *Service, serial string) *Provisioned {
	t.Helper()
	p, err := s.Provision(context.Background(), ProvisionRequest{Serial: serial, Model: "GW-100"})
	if err != nil {
		t.Fatalf("Provision(%q): %v", serial, err)
	}
	return p
}

func TestProvision_IdempotentBySerial(t *testing.T) {
	s := testService(t)

	first := provision(t, s, "AA:BB:CC")
	second := provision(t, s, "AA:BB:CC")

	if first.Device.ID != second.Device.ID {
		t.Errorf("device id changed across provisions: %s != %s", first.Device.ID, second.Device.ID)
	}
	if !first.Created || second.Created {
		t.Errorf("Created = %v, %v; want true, false", first.Created, second.Created)
	}
	if first.Credential.Type != CredentialAPIKey || !strings.HasPrefix(first.Credential.Secret, apiKeyPrefix) {
		t.Errorf("credential = %+v, want api-key with prefix", first.Credential)
	}

	ctx := context.Background()
	if _, err := s.ValidateCredential(ctx, first.Device.ID, second.Credential.Secret); err != nil {
		t.Errorf("latest secret rejected: %v", err)
	}
	if _, err := s.ValidateCredential(ctx, first.Device.ID, first.Credential.Secret); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("rotated secret accepted, err = %v", err)
	}
}

func TestProvision_SerialValidation(t *testing.T) {
	s := testService(t)
	tests := []struct {
		name   string
		serial string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"bad chars", "AA BB"},
		{"too long", strings.Repeat("A", 65)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Provision(context.Background(), ProvisionRequest{Serial: tt.serial})
			if !apperr.Is(err, apperr.KindValidation) {
				t.Errorf("Provision(%q) error = %v, want validation", tt.serial, err)
			}
		})
	}
}

func TestProvision_ConcurrentSameSerial(t *testing.T) {
	s := testService(t)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Provision(context.Background(), ProvisionRequest{Serial: "SN-RACE"})
			if err != nil {
				t.Errorf("Provision: %v", err)
				return
			}
			ids[i] = p.Device.ID
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent provisions produced different ids: %v", ids)
		}
	}
}

func TestProvision_ClaimPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("static nonce", func(t *testing.T) {
		s := testService(t, func(c *IdentityConfig) {
			c.ClaimPolicy = ClaimPolicyNonce
			c.ClaimNonces = []string{"install-secret"}
		})
		if _, err := s.Provision(ctx, ProvisionRequest{Serial: "SN-1"}); apperr.ReasonOf(err) != apperr.AuthInvalid {
			t.Errorf("missing nonce error = %v, want invalid auth", err)
		}
		if _, err := s.Provision(ctx, ProvisionRequest{Serial: "SN-1", ClaimNonce: "wrong"}); apperr.ReasonOf(err) != apperr.AuthInvalid {
			t.Errorf("wrong nonce error = %v, want invalid auth", err)
		}
		if _, err := s.Provision(ctx, ProvisionRequest{Serial: "SN-1", ClaimNonce: "install-secret"}); err != nil {
			t.Fatalf("static nonce rejected: %v", err)
		}
		// Re-provisioning a known serial needs no nonce.
		if _, err := s.Provision(ctx, ProvisionRequest{Serial: "SN-1"}); err != nil {
			t.Errorf("re-provision without nonce: %v", err)
		}
	})

	t.Run("issued claim is single use and serial bound", func(t *testing.T) {
		s := testService(t, func(c *IdentityConfig) { c.ClaimPolicy = ClaimPolicyNonce })

		nonce, claim, err := s.CreateClaim(ctx, ClaimRequest{Description: "site A", Serial: "SN-A"})
		if err != nil {
			t.Fatalf("CreateClaim: %v", err)
		}
		if claim.MaxUses != 1 || claim.ExpiresAt == nil {
			t.Errorf("claim = %+v, want single use with expiry", claim)
		}

		if _, err := s.Provision(ctx, ProvisionRequest{Serial: "SN-B", ClaimNonce: nonce}); !apperr.Is(err, apperr.KindAuth) {
			t.Errorf("claim bound to SN-A accepted for SN-B: %v", err)
		}
		if _, err := s.Provision(ctx, ProvisionRequest{Serial: "SN-A", ClaimNonce: nonce}); err != nil {
			t.Fatalf("Provision with claim: %v", err)
		}
		if _, err := s.Provision(ctx, ProvisionRequest{Serial: "SN-C", ClaimNonce: nonce}); !apperr.Is(err, apperr.KindAuth) {
			t.Errorf("spent claim accepted: %v", err)
		}

		claims, err := s.ListClaims(ctx)
		if err != nil {
			t.Fatalf("ListClaims: %v", err)
		}
		if len(claims) != 1 || claims[0].UseCount != 1 || claims[0].DeviceID == "" {
			t.Errorf("claims = %+v, want one used claim", claims)
		}
	})

	t.Run("expired claim", func(t *testing.T) {
		s := testService(t, func(c *IdentityConfig) { c.ClaimPolicy = ClaimPolicyNonce })
		nonce, _, err := s.CreateClaim(ctx, ClaimRequest{TTL: time.Minute})
		if err != nil {
			t.Fatalf("CreateClaim: %v", err)
		}
		s.now = func() time.Time { return time.Now().Add(time.Hour) }
		if _, err := s.Provision(ctx, ProvisionRequest{Serial: "SN-X", ClaimNonce: nonce}); !apperr.Is(err, apperr.KindAuth) {
			t.Errorf("expired claim accepted: %v", err)
		}
	})
}

func TestValidateCredential_Failures(t *testing.T) {
	s := testService(t)
	p := provision(t, s, "SN-1")
	ctx := context.Background()

	tests := []struct {
		name     string
		deviceID string
		cred     string
	}{
		{"empty credential", p.Device.ID, ""},
		{"wrong secret", p.Device.ID, "slk_nope"},
		{"unknown device", "00000000-0000-0000-0000-000000000000", p.Credential.Secret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ValidateCredential(ctx, tt.deviceID, tt.cred)
			if apperr.ReasonOf(err) != apperr.AuthInvalid {
				t.Errorf("ValidateCredential error = %v, want invalid auth", err)
			}
		})
	}

	if err := s.SoftDelete(ctx, p.Device.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := s.ValidateCredential(ctx, p.Device.ID, p.Credential.Secret); apperr.ReasonOf(err) != apperr.AuthInvalid {
		t.Errorf("deleted device credential error = %v, want invalid auth", err)
	}
}

func TestTokenCredentials(t *testing.T) {
	s := testService(t, func(c *IdentityConfig) {
		c.CredentialType = CredentialToken
		c.TokenSecret = strings.Repeat("k", 32)
		c.TokenTTL = time.Hour
	})
	ctx := context.Background()

	p := provision(t, s, "SN-T")
	if p.Credential.Type != CredentialToken || p.Credential.Token == "" || p.Credential.ExpiresIn != 3600 {
		t.Fatalf("credential = %+v, want token expiring in 3600s", p.Credential)
	}
	if _, err := s.ValidateCredential(ctx, p.Device.ID, p.Credential.Token); err != nil {
		t.Fatalf("ValidateCredential(token): %v", err)
	}

	other := provision(t, s, "SN-U")
	if _, err := s.ValidateCredential(ctx, other.Device.ID, p.Credential.Token); apperr.ReasonOf(err) != apperr.AuthInvalid {
		t.Errorf("token of another device error = %v, want invalid", err)
	}

	again := provision(t, s, "SN-T")
	if _, err := s.ValidateCredential(ctx, p.Device.ID, p.Credential.Token); apperr.ReasonOf(err) != apperr.AuthInvalid {
		t.Errorf("superseded token error = %v, want invalid", err)
	}

	s.tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.ValidateCredential(ctx, p.Device.ID, again.Credential.Token); apperr.ReasonOf(err) != apperr.AuthExpired {
		t.Errorf("expired token error = %v, want expired", err)
	}
}

func TestLifecycle_Records(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	p := provision(t, s, "SN-L")

	state := func() State {
		d, err := s.Get(ctx, p.Device.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		return StateOf(d)
	}

	if got := state(); got != StateProvisioned {
		t.Errorf("after provision state = %s", got)
	}
	if err := s.RecordConfigSync(ctx, p.Device.ID, "cfg-1", "1.2.0"); err != nil {
		t.Fatalf("RecordConfigSync: %v", err)
	}
	if got := state(); got != StateConfigured {
		t.Errorf("after config sync state = %s", got)
	}
	if err := s.RecordHeartbeat(ctx, p.Device.ID, "cfg-1", 120); err != nil {
		t.Fatalf("RecordHeartbeat: %v", err)
	}
	if got := state(); got != StateOnline {
		t.Errorf("after heartbeat state = %s", got)
	}

	d, _ := s.Get(ctx, p.Device.ID)
	if d.FirmwareVersion != "1.2.0" || d.UptimeSeconds != 120 || d.ConfigAckedAt == nil {
		t.Errorf("device = %+v", d)
	}

	// Re-provision must not reset lifecycle fields.
	provision(t, s, "SN-L")
	if got := state(); got != StateOnline {
		t.Errorf("after re-provision state = %s, want ONLINE", got)
	}

	if err := s.RecordHeartbeat(ctx, "missing", "", 1); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("heartbeat for unknown device error = %v, want not found", err)
	}
}

func TestOwnershipAndSoftDelete(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	a := provision(t, s, "SN-1")
	provision(t, s, "SN-2")

	if err := s.TransferOwnership(ctx, a.Device.ID, "cust-9"); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	owned, err := s.List(ctx, ListFilter{CustomerID: "cust-9"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(owned) != 1 || owned[0].ID != a.Device.ID {
		t.Errorf("customer devices = %+v", owned)
	}

	if err := s.SoftDelete(ctx, a.Device.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := s.SoftDelete(ctx, a.Device.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("second SoftDelete error = %v, want not found", err)
	}
	live, _ := s.List(ctx, ListFilter{})
	all, _ := s.List(ctx, ListFilter{IncludeDeleted: true})
	if len(live) != 1 || len(all) != 2 {
		t.Errorf("live = %d, all = %d; want 1, 2", len(live), len(all))
	}

	// A decommissioned serial comes back under the same ID and owner.
	revived := provision(t, s, "SN-1")
	if revived.Device.ID != a.Device.ID || !revived.Created || revived.Device.CustomerID != "cust-9" {
		t.Errorf("revived = %+v, want same id, created, owner kept", revived.Device)
	}
}
