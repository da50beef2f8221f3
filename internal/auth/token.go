package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "faceblur-orchestrator"

// Claims identifies the caller of the API. Callers are services or
// operators; there are no end-user accounts.
type Claims struct {
	CallerID string `json:"callerId"`
	jwt.RegisteredClaims
}

// ValidateToken validates an HMAC-signed token
func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.CallerID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// IssueToken signs a token for callerID. A zero ttl never expires.
func IssueToken(callerID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		CallerID: callerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  callerID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
