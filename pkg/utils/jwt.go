package utils

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/relaypanel/backend/internal/models"
)

const (
	// Session lifetime doubles as the TTL of the server-side mirror; the
	// signed token and the mirror always expire together.
	SessionTTL         = 48 * time.Hour
	SessionTTLRemember = 7 * 24 * time.Hour
)

var jwtSecret = []byte("change-me-in-production")

type SessionClaims struct {
	UserID uuid.UUID       `json:"userID"`
	Email  string          `json:"email"`
	Role   models.UserRole `json:"role"`
	jwt.RegisteredClaims
}

func ConfigureJWT(secret string) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
}

func SessionLifetime(remember bool) time.Duration {
	if remember {
		return SessionTTLRemember
	}
	return SessionTTL
}

// GenerateSessionToken mints the signed half of a session. The jti links the
// token to its server-side mirror; a token whose mirror is gone is dead even
// though the signature still verifies.
func GenerateSessionToken(user *models.User, remember bool) (token string, jti string, err error) {
	now := time.Now()
	jti = uuid.New().String()
	claims := SessionClaims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionLifetime(remember))),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
			Subject:   user.ID.String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

func ValidateSessionToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("missing token ID")
	}

	return claims, nil
}
