package socket

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// ok is false when there is no exp claim.
func TokenExpiry(token string) (expiresAt time.Time, ok bool, err error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false, fmt.Errorf("malformed jwt: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// checkToken returns ErrTokenExpired if token expired before now.
func checkToken(token string, now time.Time) error {
	expiresAt, ok, err := TokenExpiry(token)
	if err != nil {
		return err
	}
	if ok && !now.Before(expiresAt) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, expiresAt.Format(time.RFC3339))
	}
	return nil
}
