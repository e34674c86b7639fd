// Package auth verifies bearer tokens against per-provider signing secrets
// and produces the session/agent identity embedded in them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/vircadia/vircadia-world-sub000/internal/config"
)

// Failure reasons. These are stable strings surfaced across the wire;
// clients match on them, so they never carry internal error text.
const (
	ReasonMissingProvider    = "Missing provider"
	ReasonMissingToken       = "Missing token"
	ReasonProviderUnknown    = "Unknown or disabled provider"
	ReasonMalformed          = "Malformed token"
	ReasonExpired            = "Token expired"
	ReasonNotYetValid        = "Token not yet valid"
	ReasonVerificationFailed = "Token verification failed"
)

// ReasonMissingClaim names the claim a structurally valid token lacks.
func ReasonMissingClaim(claim string) string {
	return fmt.Sprintf("Missing claim: %s", claim)
}

// Claims are the token claims the gateway requires.
type Claims struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// Result is the outcome of validating one token. Failures are in-band:
// Valid false plus a Reason, never an error.
type Result struct {
	AgentID   string
	SessionID string
	Valid     bool
	Reason    string
}

type providerKey struct {
	secret []byte
	jwks   keyfunc.Keyfunc
}

// Validator verifies tokens for a fixed set of configured providers.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	providers map[string]providerKey
}

// NewValidator builds a Validator from the auth configuration. Providers
// with a JWKS URL fetch their key set eagerly so a misconfigured provider
// fails at startup rather than on the first connection.
func NewValidator(cfg config.Auth) (*Validator, error) {
	providers := make(map[string]providerKey, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		if p.JWKSURL != "" {
			jwks, err := keyfunc.NewDefault([]string{p.JWKSURL})
			if err != nil {
				return nil, fmt.Errorf("fetch JWKS for provider %q: %w", p.Name, err)
			}
			providers[p.Name] = providerKey{jwks: jwks}
			continue
		}
		providers[p.Name] = providerKey{secret: []byte(p.Secret)}
	}
	return &Validator{providers: providers}, nil
}

// Validate checks a bearer token issued by the named provider.
func (v *Validator) Validate(ctx context.Context, provider, token string) Result {
	if provider == "" {
		return Result{Reason: ReasonMissingProvider}
	}
	if token == "" {
		return Result{Reason: ReasonMissingToken}
	}
	if !wellFormed(token) {
		return Result{Reason: ReasonMalformed}
	}

	key, ok := v.providers[provider]
	if !ok {
		return Result{Reason: ReasonProviderUnknown}
	}

	var claims Claims
	var err error
	if key.jwks != nil {
		_, err = jwt.ParseWithClaims(token, &claims, key.jwks.KeyfuncCtx(ctx),
			jwt.WithExpirationRequired())
	} else {
		_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key.secret, nil
		})
	}
	if err != nil {
		return Result{Reason: classify(err)}
	}

	if claims.SessionID == "" {
		return Result{Reason: ReasonMissingClaim("sessionId")}
	}
	if claims.AgentID == "" {
		return Result{Reason: ReasonMissingClaim("agentId")}
	}

	return Result{
		AgentID:   claims.AgentID,
		SessionID: claims.SessionID,
		Valid:     true,
	}
}

// wellFormed rejects anything that is not the three-segment signed-token
// shape before touching crypto.
func wellFormed(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

func classify(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	default:
		return ReasonVerificationFailed
	}
}
