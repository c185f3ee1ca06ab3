package api

import "github.com/golang-jwt/jwt/v5"

// SessionClaims claims токена доступа к удаленному сервису данных
type SessionClaims struct {
	OwnerID string `json:"owner_id"` // owner_id команда/магазин, к которой привязаны данные
	jwt.RegisteredClaims
}

// TokenRequest представляет запрос на выпуск токена (только для разработки)
type TokenRequest struct {
	OwnerID string `json:"owner_id"`
	Subject string `json:"subject,omitempty"`
}

// TokenResponse представляет ответ с токеном доступа
type TokenResponse struct {
	AccessToken string `json:"access_token"` // JWT access token
	ExpiresIn   int64  `json:"expires_in"`   // время жизни access token в секундах
}

// Problem is an RFC 7807 problem document returned by the data service
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Status   int    `json:"status"`
}

// ProblemContentType media type of Problem responses
const ProblemContentType = "application/problem+json"
