package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingPortalSigningKey = errors.New("portal verifier: signing key required")
	ErrMissingPortalIssuer     = errors.New("portal verifier: issuer required")
	ErrMissingPortalToken      = errors.New("portal verifier: token required")
	ErrInvalidPortalToken      = errors.New("portal verifier: invalid token")
	ErrExpiredPortalToken      = errors.New("portal verifier: token expired")
	ErrMissingPortalSubject    = errors.New("portal verifier: subject required")
)

// PortalClaims mirrors the JWT payload emitted by the clinic staff portal.
type PortalClaims struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	UserRole  string `json:"user_role"`
	UserEmail string `json:"user_email"`
	jwt.RegisteredClaims
}

// PortalVerifierConfig describes how to validate portal-issued JWTs.
type PortalVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// PortalVerifier validates HS256 JWTs issued by the clinic portal. It is the
// identity collaborator: everything downstream trusts the tuple it yields.
type PortalVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewPortalVerifier constructs a verifier with the provided configuration.
func NewPortalVerifier(cfg PortalVerifierConfig) (*PortalVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingPortalSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingPortalIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PortalVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// VerifyToken validates the supplied portal JWT and returns the parsed claims.
func (v *PortalVerifier) VerifyToken(tokenString string) (PortalClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return PortalClaims{}, ErrMissingPortalToken
	}

	claims := &PortalClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidPortalToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return PortalClaims{}, ErrExpiredPortalToken
		}
		return PortalClaims{}, fmt.Errorf("%w: %v", ErrInvalidPortalToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return PortalClaims{}, ErrInvalidPortalToken
	}
	if claims.Issuer != v.issuer {
		return PortalClaims{}, ErrInvalidPortalToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return PortalClaims{}, ErrMissingPortalSubject
	}
	return *claims, nil
}
