package authtoken

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() *Claims {
	return &Claims{
		UserID: "user-1",
		OrgID:  "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerifyValidToken(t *testing.T) {
	v := NewVerifier(testSecret, nil)
	claims, err := v.Verify(context.Background(), signToken(t, validClaims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.OrgID != "org-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	v := NewVerifier(testSecret, nil)
	if _, err := v.Verify(context.Background(), signToken(t, claims)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	v := NewVerifier([]byte("other-secret"), nil)
	if _, err := v.Verify(context.Background(), signToken(t, validClaims())); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestVerifyMissingOrgClaim(t *testing.T) {
	claims := validClaims()
	claims.OrgID = ""
	v := NewVerifier(testSecret, nil)
	if _, err := v.Verify(context.Background(), signToken(t, claims)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

type revokedSet map[string]bool

func (r revokedSet) IsRevoked(ctx context.Context, tokenID, userID string) (bool, error) {
	return r[tokenID] || r[userID], nil
}

func TestVerifyRevokedToken(t *testing.T) {
	v := NewVerifier(testSecret, revokedSet{"jti-1": true})
	if _, err := v.Verify(context.Background(), signToken(t, validClaims())); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestRefreshableSourceSwapsToken(t *testing.T) {
	src := NewRefreshableSource("first", func(ctx context.Context) (string, error) {
		return "second", nil
	})
	ctx := context.Background()

	token, err := src.Token(ctx)
	if err != nil || token != "first" {
		t.Fatalf("token = %q, %v", token, err)
	}
	if _, err := src.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	token, _ = src.Token(ctx)
	if token != "second" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
}
