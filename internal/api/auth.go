package api

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rendis/chispa/pkg/schema"
)

// tokenTTL is how long minted tokens stay valid.
const tokenTTL = time.Hour

// Claims is the payload carried by an access token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies HS256 bearer tokens over a shared secret.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a token issuer. The secret must not be empty.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "token secret is required")
	}
	return &TokenIssuer{secret: []byte(secret)}, nil
}

// Mint returns a signed token for the given user.
func (i *TokenIssuer) Mint(userID string) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates a token, returning its claims. Expired or
// tampered tokens fail, as do tokens signed with a different algorithm.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAuth, "invalid token: %v", err)
	}
	return claims, nil
}

// VerifyHeader validates an "Authorization: Bearer <token>" header value.
func (i *TokenIssuer) VerifyHeader(header string) (*Claims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, schema.NewError(schema.ErrCodeAuth, "missing bearer token")
	}
	return i.Verify(token)
}
