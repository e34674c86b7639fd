package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vircadia/vircadia-world-sub000/internal/config"
)

const testSecret = "test-secret-at-least-32-chars-long!!"

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(config.Auth{
		Providers: []config.ProviderEntry{
			{Name: "system", Secret: testSecret, Enabled: true},
			{Name: "disabled", Secret: testSecret, Enabled: false},
		},
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func signToken(t *testing.T, claims *Claims, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims(expiresIn time.Duration) *Claims {
	return &Claims{
		AgentID:   "agent-1",
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestValidateSuccess(t *testing.T) {
	v := newTestValidator(t)
	token := signToken(t, validClaims(time.Hour), testSecret)

	res := v.Validate(context.Background(), "system", token)
	if !res.Valid {
		t.Fatalf("Validate failed: %s", res.Reason)
	}
	if res.AgentID != "agent-1" || res.SessionID != "sess-1" {
		t.Errorf("identity: agent=%q session=%q", res.AgentID, res.SessionID)
	}
}

func TestValidateFailureReasons(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	expired := signToken(t, validClaims(-time.Hour), testSecret)
	badSig := signToken(t, validClaims(time.Hour), "wrong-secret-also-32-characters!!!!!")

	noSession := validClaims(time.Hour)
	noSession.SessionID = ""
	missingSession := signToken(t, noSession, testSecret)

	noAgent := validClaims(time.Hour)
	noAgent.AgentID = ""
	missingAgent := signToken(t, noAgent, testSecret)

	notYet := validClaims(time.Hour)
	notYet.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))
	futureToken := signToken(t, notYet, testSecret)

	valid := signToken(t, validClaims(time.Hour), testSecret)

	cases := []struct {
		name     string
		provider string
		token    string
		reason   string
	}{
		{"missing provider", "", valid, ReasonMissingProvider},
		{"unknown provider", "nope", valid, ReasonProviderUnknown},
		{"disabled provider", "disabled", valid, ReasonProviderUnknown},
		{"empty token", "system", "", ReasonMissingToken},
		{"two segments", "system", "aa.bb", ReasonMalformed},
		{"empty segment", "system", "aa..cc", ReasonMalformed},
		{"garbage segments", "system", "aa.bb.cc", ReasonMalformed},
		{"expired", "system", expired, ReasonExpired},
		{"not yet valid", "system", futureToken, ReasonNotYetValid},
		{"bad signature", "system", badSig, ReasonVerificationFailed},
		{"missing sessionId", "system", missingSession, ReasonMissingClaim("sessionId")},
		{"missing agentId", "system", missingAgent, ReasonMissingClaim("agentId")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(ctx, tc.provider, tc.token)
			if res.Valid {
				t.Fatal("expected invalid result")
			}
			if res.Reason != tc.reason {
				t.Errorf("reason: got %q, want %q", res.Reason, tc.reason)
			}
		})
	}
}

func TestValidateRejectsNonHMACAlg(t *testing.T) {
	v := newTestValidator(t)

	// alg=none with a fake signature segment must never verify.
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims(time.Hour))
	unsigned, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	res := v.Validate(context.Background(), "system", unsigned+"x")
	if res.Valid {
		t.Fatal("alg=none token accepted")
	}
}
