// Package token verifies the bearer tokens issued by the marketplace's
// identity service. The engine never issues tokens; it only validates them
// and extracts the actor's identity and roles.
package token

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"almoner/internal/platform/middleware"
	id "almoner/pkg/domain"
)

// Validator checks HMAC-signed JWTs against the shared signing key.
type Validator struct {
	signingKey []byte
}

func NewValidator(signingKey string) *Validator {
	return &Validator{signingKey: []byte(signingKey)}
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// ValidateToken parses and verifies the token, returning actor ID and roles.
func (v *Validator) ValidateToken(tokenString string) (*middleware.Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	userID, err := id.ParseUserID(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}

	roles := make([]id.Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, id.Role(r))
	}

	return &middleware.Claims{UserID: userID, Roles: roles}, nil
}

// Sign mints a token for the given actor. Only used by tests and the local
// development harness; production tokens come from the identity service.
func (v *Validator) Sign(userID id.UserID, roles []id.Role) (string, error) {
	strs := make([]string, 0, len(roles))
	for _, r := range roles {
		strs = append(strs, string(r))
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: strs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID.String(),
		},
	})
	return t.SignedString(v.signingKey)
}
