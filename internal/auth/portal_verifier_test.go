package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const portalSecret = "portal-secret"

func portalToken(t *testing.T, claims PortalClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign portal token: %v", err)
	}
	return signed
}

func testVerifier(t *testing.T, clock func() time.Time) *PortalVerifier {
	t.Helper()
	verifier, err := NewPortalVerifier(PortalVerifierConfig{
		SigningSecret: []byte(portalSecret),
		Issuer:        "clinic-portal",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier
}

func basePortalClaims(now time.Time) PortalClaims {
	return PortalClaims{
		UserID:    "counselor-a",
		UserName:  "Avery Lin",
		UserRole:  "counselor",
		UserEmail: "avery@clinic.example",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "clinic-portal",
			Subject:   "counselor-a",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestVerifyTokenAcceptsPortalToken(t *testing.T) {
	now := time.Unix(1756400000, 0).UTC()
	verifier := testVerifier(t, func() time.Time { return now })

	claims, err := verifier.VerifyToken(portalToken(t, basePortalClaims(now), portalSecret))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "counselor-a" || claims.UserRole != "counselor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyTokenRejectsWrongIssuer(t *testing.T) {
	now := time.Unix(1756400000, 0).UTC()
	verifier := testVerifier(t, func() time.Time { return now })

	claims := basePortalClaims(now)
	claims.Issuer = "someone-else"
	if _, err := verifier.VerifyToken(portalToken(t, claims, portalSecret)); !errors.Is(err, ErrInvalidPortalToken) {
		t.Fatalf("expected ErrInvalidPortalToken, got %v", err)
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1756400000, 0).UTC()
	verifier := testVerifier(t, func() time.Time { return now })

	if _, err := verifier.VerifyToken(portalToken(t, basePortalClaims(now), "wrong-secret")); !errors.Is(err, ErrInvalidPortalToken) {
		t.Fatalf("expected ErrInvalidPortalToken, got %v", err)
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1756400000, 0).UTC()
	verifier := testVerifier(t, func() time.Time { return now.Add(2 * time.Hour) })

	if _, err := verifier.VerifyToken(portalToken(t, basePortalClaims(now), portalSecret)); !errors.Is(err, ErrExpiredPortalToken) {
		t.Fatalf("expected ErrExpiredPortalToken, got %v", err)
	}
}

func TestVerifyTokenRejectsMissingSubject(t *testing.T) {
	now := time.Unix(1756400000, 0).UTC()
	verifier := testVerifier(t, func() time.Time { return now })

	claims := basePortalClaims(now)
	claims.UserID = "  "
	if _, err := verifier.VerifyToken(portalToken(t, claims, portalSecret)); !errors.Is(err, ErrMissingPortalSubject) {
		t.Fatalf("expected ErrMissingPortalSubject, got %v", err)
	}
}

func TestVerifyTokenRejectsEmptyToken(t *testing.T) {
	verifier := testVerifier(t, nil)
	if _, err := verifier.VerifyToken("   "); !errors.Is(err, ErrMissingPortalToken) {
		t.Fatalf("expected ErrMissingPortalToken, got %v", err)
	}
}
