package handlers

import "context"

// contextKey тип для ключей контекста
type contextKey string

const (
	// OwnerIDKey ключ для хранения owner_id в контексте
	OwnerIDKey contextKey = "owner_id"
	// SubjectKey ключ для хранения subject токена в контексте
	SubjectKey contextKey = "subject"
)

// WithOwner кладет владельца данных в контекст запроса
func WithOwner(ctx context.Context, ownerID, subject string) context.Context {
	ctx = context.WithValue(ctx, OwnerIDKey, ownerID)
	return context.WithValue(ctx, SubjectKey, subject)
}

// GetOwnerID извлекает owner_id из контекста запроса
func GetOwnerID(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(OwnerIDKey).(string)
	return ownerID, ok && ownerID != ""
}

// GetSubject извлекает subject из контекста запроса
func GetSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(SubjectKey).(string)
	return subject, ok
}
