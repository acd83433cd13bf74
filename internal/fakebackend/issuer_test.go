package fakebackend

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_GenerateAndVerify(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), time.Hour)

	token, err := iss.Generate("user-1", 3)
	require.NoError(t, err)

	sub, epoch, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
	assert.Equal(t, uint64(3), epoch)
}

func TestIssuer_Expired(t *testing.T) {
	iss := NewIssuer([]byte("test-secret"), time.Minute)
	now := time.Now()
	iss.now = func() time.Time { return now }

	token, err := iss.Generate("user-1", 0)
	require.NoError(t, err)

	iss.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, _, err = iss.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestIssuer_WrongSecret(t *testing.T) {
	token, err := NewIssuer([]byte("one"), time.Hour).Generate("user-1", 0)
	require.NoError(t, err)

	_, _, err = NewIssuer([]byte("two"), time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_MissingClaims(t *testing.T) {
	secret := []byte("test-secret")
	iss := NewIssuer(secret, time.Hour)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{name: "no sub", claims: jwt.MapClaims{"exp": exp, "epoch": 0}},
		{name: "no epoch", claims: jwt.MapClaims{"exp": exp, "sub": "user-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString(secret)
			require.NoError(t, err)

			_, _, err = iss.Verify(token)
			assert.ErrorIs(t, err, ErrMissingClaim)
		})
	}
}
