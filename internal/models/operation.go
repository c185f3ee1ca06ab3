package models

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// OperationType тип отложенной мутации
type OperationType string

const (
	OpInsert OperationType = "INSERT"
	OpUpdate OperationType = "UPDATE"
	OpDelete OperationType = "DELETE"
)

// QueuedOperation мутация, примененная локально, но еще не подтвержденная сервером.
// ID - монотонный ULID, поэтому лексикографический порядок ключей совпадает
// с порядком постановки в очередь.
type QueuedOperation struct {
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	ID            string          `json:"id"`
	Type          OperationType   `json:"type"`
	Table         Table           `json:"table"`
	RecordID      string          `json:"record_id"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
}

// NewOperationID генерирует ключ очереди
func NewOperationID() string {
	return ulid.Make().String()
}

// Record декодирует payload в типизированную запись таблицы
func (op *QueuedOperation) Record() (Record, error) {
	return DecodeRecord(op.Table, op.Payload)
}

// SyncMeta время последней успешной синхронизации таблицы
type SyncMeta struct {
	LastSyncedAt time.Time `json:"last_synced_at"`
	Table        Table     `json:"table"`
}

// Snapshot закешированный агрегат с ограниченным временем жизни
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
}

// Fresh сообщает, не истек ли TTL снимка на момент now
func (s *Snapshot) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.Timestamp) < ttl
}

// HydrationProgress прогресс полной гидрации для отображения в UI
type HydrationProgress struct {
	CurrentTable Table   `json:"current_table"`
	Completed    int     `json:"completed"`
	Total        int     `json:"total"`
	Percentage   float64 `json:"percentage"`
}
