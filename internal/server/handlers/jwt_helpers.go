package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/posync/pkg/api"
)

// TokenIssuer издатель токенов сессии
const TokenIssuer = "posync"

// ErrMissingOwner возвращается для токена без owner_id
var ErrMissingOwner = errors.New("token has no owner_id")

// JWTConfig содержит конфигурацию для JWT
type JWTConfig struct {
	Secret   []byte
	TokenTTL time.Duration
}

// GenerateAccessToken создает новый JWT токен сессии для владельца данных
func GenerateAccessToken(cfg JWTConfig, ownerID, subject string) (string, int64, error) {
	if ownerID == "" {
		return "", 0, ErrMissingOwner
	}
	if subject == "" {
		subject = ownerID
	}

	now := time.Now()
	claims := api.SessionClaims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    TokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(cfg.Secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, int64(cfg.TokenTTL.Seconds()), nil
}

// ValidateAccessToken валидирует и парсит JWT токен сессии
func ValidateAccessToken(cfg JWTConfig, tokenString string) (*api.SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &api.SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Проверяем что используется правильный алгоритм подписи
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*api.SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.OwnerID == "" {
		return nil, ErrMissingOwner
	}
	return claims, nil
}
