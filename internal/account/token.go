package account

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

const tokenIssuer = "healthmanager"

// TokenSigner issues and verifies the HS256 account tokens handed out by
// $login and required by $process-message.
type TokenSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenSigner returns a signer for HS256 tokens valid for ttl.
func NewTokenSigner(key []byte, ttl time.Duration) (*TokenSigner, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("token signing key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive")
	}
	return &TokenSigner{key: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token whose subject is username.
func (s *TokenSigner) Issue(username string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks the signature and expiry of token and returns its subject.
func (s *TokenSigner) Verify(token string) (string, error) {
	if token == "" {
		return "", fhir.Authentication("A token must be provided with this request.")
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return "", fhir.Authentication("This token cannot be asserted and should not be trusted.")
	}
	return claims.Subject, nil
}
