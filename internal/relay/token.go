package relay

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates signed join tokens minted by the portal's auth
// service. The relay never issues tokens; it only checks the signature and
// reads the identity claims.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns nil when no secret is configured, in which case
// the relay trusts the identity query parameters as-is.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify returns the user id and display name carried by a valid token.
func (v *TokenVerifier) Verify(tokenString string) (userID, userName string, err error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", errors.New("invalid token")
	}

	userID, ok = claims["sub"].(string)
	if !ok || userID == "" {
		return "", "", errors.New("invalid token subject")
	}
	userName, _ = claims["name"].(string)
	return userID, userName, nil
}
