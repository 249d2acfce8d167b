// Package auth provides optional JWT validation for WebSocket connects,
// backed by a remote JWKS endpoint.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Validator validates bearer tokens against a JWKS endpoint.
type Validator struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewValidator creates a validator that fetches and caches keys from jwksURL.
// Issuer is only enforced when non-empty.
func NewValidator(jwksURL, issuer, audience string) (*Validator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS keyfunc: %w", err)
	}

	return &Validator{jwks: k, issuer: issuer, audience: audience}, nil
}

// Validate parses and validates a token, returning its registered claims.
func (v *Validator) Validate(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("get audience: %w", err)
		}
		found := false
		for _, a := range aud {
			if a == v.audience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("invalid audience")
		}
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("invalid issuer: %s", claims.Issuer)
	}

	return claims, nil
}
