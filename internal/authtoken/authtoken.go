// Package authtoken consumes bearer tokens: validity, expiry, and
// revocation checks. Token issuance is an external collaborator's job; this
// package never signs anything.
package authtoken

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors surfaced to the HTTP layer, which maps them onto the
// taxonomy (expired/invalid -> 401, revoked -> 403).
var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
	ErrRevoked = errors.New("token revoked")
)

// Claims are the token claims the replication core consumes. OrgID scopes
// every query the caller may run; UserID stamps last_modified_by and
// deleted_by.
type Claims struct {
	UserID string `json:"uid"`
	OrgID  string `json:"org"`
	jwt.RegisteredClaims
}

// RevocationChecker reports whether a token (by its jti) or a whole user
// has been revoked. The backing set lives outside the core; a nil checker
// means nothing is ever revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID, userID string) (bool, error)
}

// Verifier validates bearer tokens against a shared secret and an optional
// revocation set.
type Verifier struct {
	secret  []byte
	revoked RevocationChecker
}

// NewVerifier builds a Verifier for HS256 tokens signed with secret.
func NewVerifier(secret []byte, revoked RevocationChecker) *Verifier {
	return &Verifier{secret: secret, revoked: revoked}
}

// Verify parses and validates tokenString, returning its claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !token.Valid {
		return nil, ErrInvalid
	}
	if claims.UserID == "" || claims.OrgID == "" {
		return nil, fmt.Errorf("%w: missing uid/org claims", ErrInvalid)
	}

	if v.revoked != nil {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID, claims.UserID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}
	return claims, nil
}
