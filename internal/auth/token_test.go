package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestResolveIdentity(t *testing.T) {
	userID := uuid.New()
	token, err := IssueAccessToken(secret, userID, time.Minute)
	require.NoError(t, err)

	got, err := NewJWTVerifier(secret).ResolveIdentity(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestResolveIdentityRejects(t *testing.T) {
	userID := uuid.New()
	expired, err := IssueAccessToken(secret, userID, -time.Minute)
	require.NoError(t, err)
	otherSecret, err := IssueAccessToken("another-secret-another-secret-xx", userID, time.Minute)
	require.NoError(t, err)
	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := map[string]string{
		"empty":         "",
		"garbage":       "not-a-jwt",
		"expired":       expired,
		"wrong secret":  otherSecret,
		"refresh token": refresh,
		"bad subject":   badSubject,
	}
	verifier := NewJWTVerifier(secret)
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.ResolveIdentity(context.Background(), token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
