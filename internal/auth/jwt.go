package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"kioskqueue/pkg/types"
)

var (
	ErrMissingToken = fmt.Errorf("%w: missing bearer token", types.ErrUnauthorized)
	ErrInvalidToken = fmt.Errorf("%w: invalid token", types.ErrUnauthorized)
)

// Claims are issued by the staff identity provider
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Actor returns the acting staff identity carried by the token
func (c *Claims) Actor() types.Actor {
	return types.Actor{UserID: c.UserID, Role: c.Role}
}

func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || !types.IsStaffRole(claims.Role) {
		return nil, types.ErrRoleNotPermitted
	}
	return claims, nil
}

// IssueToken signs an HS256 token. The server only verifies tokens; kioskctl uses this
// to mint operator tokens against the shared secret.
func IssueToken(secret, issuer string, actor types.Actor, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret cannot be empty")
	}
	now := time.Now()
	claims := &Claims{
		UserID: actor.UserID,
		Role:   actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}
