package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/internal/server/storage"
	"github.com/iudanet/posync/pkg/api"
)

// ServerIDPrefix префикс идентификаторов, выдаваемых сервисом
const ServerIDPrefix = "srv-"

// timeLayout фиксированной ширины: строковое сравнение совпадает с хронологическим
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var columnPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// колонки, хранящиеся отдельно от JSON
var realColumns = map[string]bool{
	"id":         true,
	"owner_id":   true,
	"created_at": true,
	"updated_at": true,
}

var sqlOps = map[api.FilterOp]string{
	api.OpEq:  "=",
	api.OpGt:  ">",
	api.OpGte: ">=",
	api.OpLt:  "<",
	api.OpLte: "<=",
}

// Select returns records matching the query in the requested order
func (s *Storage) Select(ctx context.Context, owner string, table models.Table, q api.Query) ([]json.RawMessage, error) {
	var sb strings.Builder
	sb.WriteString("SELECT data FROM records WHERE table_name = ? AND owner_id = ?")
	args := []any{string(table), owner}

	for _, f := range q.Filters {
		expr, err := columnExpr(f.Column)
		if err != nil {
			return nil, err
		}
		op, ok := sqlOps[f.Op]
		if !ok {
			return nil, fmt.Errorf("%w: operator %q", storage.ErrInvalidColumn, f.Op)
		}
		fmt.Fprintf(&sb, " AND %s %s ?", expr, op)
		args = append(args, filterValue(f.Column, f.Value))
	}

	if q.Order != "" {
		column, desc, err := api.ParseOrder(q.Order)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidColumn, err)
		}
		expr, err := columnExpr(column)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s, id %s", expr, dir, dir)
	} else {
		sb.WriteString(" ORDER BY created_at ASC, id ASC")
	}

	switch {
	case q.Limit > 0:
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	case q.Offset > 0:
		sb.WriteString(" LIMIT -1")
	}
	if q.Offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// Insert stores a new record under a server id
func (s *Storage) Insert(ctx context.Context, owner string, table models.Table, rec json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idempotencyKey != "" {
		existing, err := replayed(ctx, tx, owner, table, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	id := gjson.GetBytes(rec, "id").String()
	if id == "" || models.IsLocalID(id) {
		id = ServerIDPrefix + ulid.Make().String()
	}
	row, err := s.prepare(rec, owner, id)
	if err != nil {
		return nil, err
	}

	exists, err := recordExists(ctx, tx, table, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrDuplicateID, table, id)
	}

	if err := insertRow(ctx, tx, table, row); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (owner_id, key, table_name, record_id, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, owner, idempotencyKey, string(table), id, formatTime(s.now()))
		if err != nil {
			return nil, fmt.Errorf("failed to store idempotency key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", err)
	}
	return row.data, nil
}

// Upsert writes records by id
func (s *Storage) Upsert(ctx context.Context, owner string, table models.Table, recs []json.RawMessage, ignoreDuplicates bool) ([]json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		id := gjson.GetBytes(rec, "id").String()
		if id == "" {
			return nil, storage.ErrMissingID
		}
		row, err := s.prepare(rec, owner, id)
		if err != nil {
			return nil, err
		}

		exists, err := recordExists(ctx, tx, table, id)
		if err != nil {
			return nil, err
		}

		switch {
		case exists && ignoreDuplicates:
			continue
		case exists:
			// запись другого владельца не перезаписываем
			res, err := tx.ExecContext(ctx, `
				UPDATE records SET created_at = ?, updated_at = ?, data = ?
				WHERE table_name = ? AND id = ? AND owner_id = ?
			`, row.createdAt, row.updatedAt, string(row.data), string(table), id, owner)
			if err != nil {
				return nil, fmt.Errorf("failed to update record: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, fmt.Errorf("%w: %s/%s", storage.ErrDuplicateID, table, id)
			}
		default:
			if err := insertRow(ctx, tx, table, row); err != nil {
				return nil, err
			}
		}
		out = append(out, row.data)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return out, nil
}

// Update merges patch into the stored record
func (s *Storage) Update(ctx context.Context, owner string, table models.Table, id string, patch map[string]any) (json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	err = tx.QueryRowContext(ctx, `
		SELECT data FROM records WHERE table_name = ? AND id = ? AND owner_id = ?
	`, string(table), id, owner).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	merged := []byte(data)
	for k, v := range patch {
		if k == "id" || k == "owner_id" {
			continue
		}
		if !columnPattern.MatchString(k) {
			return nil, fmt.Errorf("%w: %q", storage.ErrInvalidColumn, k)
		}
		if merged, err = sjson.SetBytes(merged, k, v); err != nil {
			return nil, fmt.Errorf("failed to apply patch: %w", err)
		}
	}
	if _, ok := patch["updated_at"]; !ok {
		if merged, err = sjson.SetBytes(merged, "updated_at", s.now().UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("failed to apply patch: %w", err)
		}
	}

	row, err := s.prepare(merged, owner, id)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE records SET created_at = ?, updated_at = ?, data = ?
		WHERE table_name = ? AND id = ? AND owner_id = ?
	`, row.createdAt, row.updatedAt, string(row.data), string(table), id, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}
	return row.data, nil
}

// Delete removes the record
// Returns ErrRecordNotFound if record doesn't exist
func (s *Storage) Delete(ctx context.Context, owner string, table models.Table, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE table_name = ? AND id = ? AND owner_id = ?
	`, string(table), id, owner)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrRecordNotFound
	}
	return nil
}

// row подготовленная к записи строка таблицы records
type row struct {
	id        string
	owner     string
	createdAt string
	updatedAt string
	data      json.RawMessage
}

// prepare проставляет id, владельца и отсутствующие метки времени
func (s *Storage) prepare(rec json.RawMessage, owner, id string) (*row, error) {
	if !gjson.ValidBytes(rec) || !gjson.ParseBytes(rec).IsObject() {
		return nil, storage.ErrInvalidRecord
	}

	data, err := sjson.SetBytes(rec, "id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to set id: %w", err)
	}
	if data, err = sjson.SetBytes(data, "owner_id", owner); err != nil {
		return nil, fmt.Errorf("failed to set owner: %w", err)
	}

	now := s.now().UTC()
	stamps := make(map[string]string, 2)
	for _, field := range []string{"created_at", "updated_at"} {
		value := gjson.GetBytes(data, field).String()
		if value == "" || strings.HasPrefix(value, "0001-01-01") {
			value = now.Format(time.RFC3339Nano)
			if data, err = sjson.SetBytes(data, field, value); err != nil {
				return nil, fmt.Errorf("failed to set %s: %w", field, err)
			}
		}
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", storage.ErrInvalidRecord, field, value)
		}
		stamps[field] = formatTime(t)
	}

	return &row{
		id:        id,
		owner:     owner,
		createdAt: stamps["created_at"],
		updatedAt: stamps["updated_at"],
		data:      data,
	}, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, table models.Table, r *row) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (table_name, id, owner_id, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(table), r.id, r.owner, r.createdAt, r.updatedAt, string(r.data))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func recordExists(ctx context.Context, tx *sql.Tx, table models.Table, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM records WHERE table_name = ? AND id = ?
	`, string(table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check record: %w", err)
	}
	return true, nil
}

// replayed возвращает запись, созданную ранее с тем же ключом идемпотентности
func replayed(ctx context.Context, tx *sql.Tx, owner string, table models.Table, key string) (json.RawMessage, error) {
	var data string
	err := tx.QueryRowContext(ctx, `
		SELECT r.data FROM idempotency_keys k
		JOIN records r ON r.table_name = k.table_name AND r.id = k.record_id
		WHERE k.owner_id = ? AND k.key = ? AND k.table_name = ?
	`, owner, key, string(table)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return json.RawMessage(data), nil
}

func columnExpr(column string) (string, error) {
	if !columnPattern.MatchString(column) {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidColumn, column)
	}
	if realColumns[column] {
		return column, nil
	}
	// имя проверено регуляркой
	return fmt.Sprintf("json_extract(data, '$.%s')", column), nil
}

// filterValue приводит значение фильтра к типу, с которым сравнивает SQLite
func filterValue(column, value string) any {
	switch column {
	case "created_at", "updated_at":
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return formatTime(t)
		}
		return value
	case "id", "owner_id":
		return value
	}

	switch value {
	case "true":
		return 1
	case "false":
		return 0
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
