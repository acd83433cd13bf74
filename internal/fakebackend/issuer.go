// ABOUTME: HS256 access-token minting and verification for the development backend
// ABOUTME: An epoch claim lets tests revoke every outstanding token at once

package fakebackend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
	ErrMissingClaim = errors.New("missing required claim")
)

// Issuer signs and verifies access tokens with a shared secret.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer creates an issuer whose tokens live for lifetime.
func NewIssuer(secret []byte, lifetime time.Duration) *Issuer {
	return &Issuer{secret: secret, lifetime: lifetime, now: time.Now}
}

// Generate mints a token for subject tagged with epoch.
func (i *Issuer) Generate(subject string, epoch uint64) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iat":   now.Unix(),
		"exp":   now.Add(i.lifetime).Unix(),
		"epoch": epoch,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify validates the token and returns its subject and epoch.
func (i *Issuer) Verify(tokenString string) (subject string, epoch uint64, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", 0, ErrExpiredToken
		}
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", 0, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", 0, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	// JSON numbers decode as float64.
	e, ok := claims["epoch"].(float64)
	if !ok {
		return "", 0, fmt.Errorf("%w: epoch", ErrMissingClaim)
	}
	return sub, uint64(e), nil
}
