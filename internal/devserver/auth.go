package devserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime is how long issued tokens stay valid.
const tokenLifetime = 24 * time.Hour

// Claims are the JWT claims the dev server issues and accepts.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// JWTAuth issues and validates HS256 tokens.
type JWTAuth struct {
	secretKey []byte
}

// NewJWTAuth creates a JWT handler signing with secretKey
func NewJWTAuth(secretKey string) *JWTAuth {
	return &JWTAuth{secretKey: []byte(secretKey)}
}

// IssueToken creates a token for clientID
func (j *JWTAuth) IssueToken(clientID string) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, errors.New("clientID cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(tokenLifetime)
	claims := Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}
	return token, expiresAt, nil
}

// ValidateToken validates a token and returns its claims. A leading "JWT "
// or "Bearer " scheme is stripped.
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = stripScheme(tokenString)
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

func stripScheme(header string) string {
	for _, scheme := range []string{"JWT ", "Bearer "} {
		if rest, ok := strings.CutPrefix(header, scheme); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(header)
}
