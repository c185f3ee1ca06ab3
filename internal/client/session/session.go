// Package session holds the identity every client component is scoped by.
// The session is resolved once and passed explicitly to the store, the sync
// manager, the hydration coordinator and the façade.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/iudanet/posync/pkg/api"
)

var (
	// ErrNoOwner indicates a session without owner identity
	ErrNoOwner = errors.New("session has no owner id")

	// ErrExpired indicates the access token has expired
	ErrExpired = errors.New("session token expired")
)

// Session текущая идентичность клиента
type Session struct {
	OwnerID     string `json:"owner_id"`     // OwnerID владелец данных (команда/магазин)
	AccessToken string `json:"access_token"` // AccessToken bearer токен удаленного сервиса
	DeviceID    string `json:"device_id"`    // DeviceID идентификатор этого устройства
	ExpiresAt   int64  `json:"expires_at"`   // ExpiresAt unix-время истечения токена, 0 - бессрочно
}

// FromToken builds a session from a bearer token issued by the data service.
// The signature is not verified here; the server does that on every request.
func FromToken(token, deviceID string) (*Session, error) {
	claims := &api.SessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}
	if claims.OwnerID == "" {
		return nil, ErrNoOwner
	}

	if deviceID == "" {
		deviceID = uuid.New().String()
	}

	s := &Session{
		OwnerID:     claims.OwnerID,
		AccessToken: token,
		DeviceID:    deviceID,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Unix()
	}
	return s, nil
}

// Validate проверяет, что сессией можно пользоваться на момент now
func (s *Session) Validate(now time.Time) error {
	if s == nil || s.OwnerID == "" {
		return ErrNoOwner
	}
	if s.ExpiresAt > 0 && now.Unix() >= s.ExpiresAt {
		return ErrExpired
	}
	return nil
}
