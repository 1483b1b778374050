package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry returns the expiry time embedded in a bearer token. The
// signature is not verified; the server remains the authority. This only
// lets a client skip restoring a session it already knows is dead.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry claim")
	}
	return exp.Time, nil
}

// TokenExpired reports whether a bearer token is past its expiry claim.
// Tokens without a readable expiry are treated as live; the server rejects
// them if they are not.
func TokenExpired(token string) bool {
	exp, err := TokenExpiry(token)
	if err != nil {
		return false
	}
	return time.Now().After(exp)
}
