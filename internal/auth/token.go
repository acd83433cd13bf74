// ABOUTME: JWT claim inspection for bearer credentials issued by the authorization server
// ABOUTME: Derives issue and expiry times from the token itself; signatures are the server's concern

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingExpiry = errors.New("token lifetime unknown")
)

// TokenTimes are the lifetime claims carried by an access token.
type TokenTimes struct {
	IssuedAt  time.Time // zero when the token has no iat claim
	ExpiresAt time.Time // zero when the token has no exp claim
}

// ParseTokenTimes reads the iat and exp claims of a JWT without verifying
// its signature. The client never holds the signing key; it only needs to
// know when the server will stop accepting the token.
func ParseTokenTimes(tokenString string) (TokenTimes, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}

	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return TokenTimes{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var times TokenTimes

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return TokenTimes{}, fmt.Errorf("%w: exp: %v", ErrInvalidToken, err)
	}
	if exp != nil {
		times.ExpiresAt = exp.Time
	}

	iat, err := claims.GetIssuedAt()
	if err != nil {
		return TokenTimes{}, fmt.Errorf("%w: iat: %v", ErrInvalidToken, err)
	}
	if iat != nil {
		times.IssuedAt = iat.Time
	}

	return times, nil
}

// resolveLifetime picks the credential's issue and expiry times.
// The token's own claims win; the server-declared expires_in is the fallback.
// A token with neither is rejected rather than given a guessed lifetime.
func resolveLifetime(accessToken string, expiresIn int64, now time.Time) (issuedAt, expiresAt time.Time, err error) {
	issuedAt = now

	times, parseErr := ParseTokenTimes(accessToken)
	if parseErr == nil {
		if !times.IssuedAt.IsZero() {
			issuedAt = times.IssuedAt
		}
		if !times.ExpiresAt.IsZero() {
			return issuedAt, times.ExpiresAt, nil
		}
	}

	if expiresIn > 0 {
		return issuedAt, now.Add(time.Duration(expiresIn) * time.Second), nil
	}

	return time.Time{}, time.Time{}, ErrMissingExpiry
}
