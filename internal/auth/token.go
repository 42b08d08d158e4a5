package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const accessTokenType = "access"

var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves a bearer token into the caller's user id.
type Verifier interface {
	ResolveIdentity(ctx context.Context, token string) (uuid.UUID, error)
}

// Claims is the payload of an access token issued by the platform's auth service.
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 access tokens whose subject is the user id.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a verifier for the shared signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// ResolveIdentity checks signature, expiry and token type and returns the subject.
func (v *JWTVerifier) ResolveIdentity(_ context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != accessTokenType {
		return uuid.Nil, fmt.Errorf("%w: unexpected token type %q", ErrInvalidToken, claims.Type)
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return userID, nil
}

// IssueAccessToken signs an access token for userID. The auth service owns issuance;
// this exists for tooling and tests.
func IssueAccessToken(secret string, userID uuid.UUID, ttl time.Duration) (string, error) {
	issuedAt := time.Now()
	claims := Claims{
		Type: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
