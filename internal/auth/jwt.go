package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"ipgate/internal/support"
)

const (
	RoleAdmin = "admin"

	defaultTokenTTLMinutes = 60
)

var ErrInvalidToken = errors.New("auth: invalid token")

var (
	secretOnce sync.Once
	secret     []byte
)

// jwtSecret reads JWT_SECRET once. Without it a random secret is used, so
// tokens do not survive a restart.
func jwtSecret() []byte {
	secretOnce.Do(func() {
		if value := support.GetEnv("JWT_SECRET", ""); value != "" {
			secret = []byte(value)
			return
		}
		log.Warn("JWT_SECRET is not set, using a random secret for this process")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("auth: generate jwt secret: %v", err))
		}
	})
	return secret
}

func tokenTTL() time.Duration {
	minutes := support.GetEnvInt("JWT_TTL_MINUTES", defaultTokenTTLMinutes)
	if minutes <= 0 {
		minutes = defaultTokenTTLMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// GenerateJWT signs a token for subject with the given role.
func GenerateJWT(subject, role string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(tokenTTL())

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  expires.Unix(),
	})

	signed, err := token.SignedString(jwtSecret())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return jwtSecret(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
