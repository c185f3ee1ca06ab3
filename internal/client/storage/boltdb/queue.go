package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.etcd.io/bbolt"

	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

// ApplyMutation applies the local write and appends op to the queue in one transaction.
// Either both the record change and the queue entry are persisted or neither is.
func (s *Storage) ApplyMutation(ctx context.Context, op *models.QueuedOperation, rec models.Record) error {
	d, err := s.descriptor(op.Table)
	if err != nil {
		return err
	}

	if op.ID == "" {
		op.ID = models.NewOperationID()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	var data []byte
	switch op.Type {
	case models.OpInsert, models.OpUpdate:
		if rec == nil {
			return fmt.Errorf("%s operation on %s requires a record", op.Type, op.Table)
		}
		if data, err = json.Marshal(rec); err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", op.Table, err)
		}
		op.RecordID = rec.Key()
		op.Payload = data
	case models.OpDelete:
		if op.RecordID == "" {
			return fmt.Errorf("delete operation on %s requires record id", op.Table)
		}
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}

	entry, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	return s.update(ctx, func(tx *bbolt.Tx) error {
		if op.Type == models.OpDelete {
			if err := deleteRecord(tx, d, op.RecordID); err != nil {
				return err
			}
		} else if err := putRecord(tx, d, op.RecordID, data); err != nil {
			return err
		}

		q, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}
		if err := q.Put([]byte(op.ID), entry); err != nil {
			return fmt.Errorf("failed to enqueue operation: %w", err)
		}
		return nil
	})
}

// PendingOperations returns queued operations in enqueue order
func (s *Storage) PendingOperations(ctx context.Context) ([]*models.QueuedOperation, error) {
	return s.listOperations(ctx, bucketQueue)
}

// PendingCount returns the number of queued operations
func (s *Storage) PendingCount(ctx context.Context) (int, error) {
	return s.countKeys(ctx, bucketQueue)
}

// PendingRecordIDs returns ids of records of the table that still have queued operations
func (s *Storage) PendingRecordIDs(ctx context.Context, table models.Table) (map[string]struct{}, error) {
	ops, err := s.PendingOperations(ctx)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{})
	for _, op := range ops {
		if op.Table == table {
			ids[op.RecordID] = struct{}{}
		}
	}
	return ids, nil
}

// MarkAttempt records a failed delivery attempt
func (s *Storage) MarkAttempt(ctx context.Context, opID string, cause error) (*models.QueuedOperation, error) {
	var marked *models.QueuedOperation

	err := s.update(ctx, func(tx *bbolt.Tx) error {
		q, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}

		op, err := getOperation(q, opID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		op.Attempts++
		op.LastAttemptAt = &now
		if cause != nil {
			op.LastError = cause.Error()
		}

		marked = op
		return putOperation(q, op)
	})
	if err != nil {
		return nil, err
	}

	return marked, nil
}

// CompleteOperation removes an acknowledged operation
func (s *Storage) CompleteOperation(ctx context.Context, opID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		q, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}
		if q.Get([]byte(opID)) == nil {
			return fmt.Errorf("%w: %s", storage.ErrOperationNotFound, opID)
		}
		return q.Delete([]byte(opID))
	})
}

// ReconcileInsert replaces the local id of an acknowledged INSERT with the server id.
// The record is re-keyed, every child record and every queued payload that mentions
// the local id is rewritten, and the operation is removed, all in one transaction.
func (s *Storage) ReconcileInsert(ctx context.Context, opID string, table models.Table, localID string, remote models.Record) error {
	d, err := s.descriptor(table)
	if err != nil {
		return err
	}
	remoteID := remote.Key()
	if remoteID == "" {
		return fmt.Errorf("remote %s record has empty id", table)
	}

	remoteData, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", table, err)
	}

	return s.update(ctx, func(tx *bbolt.Tx) error {
		q, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}
		if q.Get([]byte(opID)) == nil {
			return fmt.Errorf("%w: %s", storage.ErrOperationNotFound, opID)
		}
		if err := q.Delete([]byte(opID)); err != nil {
			return err
		}

		if localID != remoteID {
			if err := rekeyRecord(tx, d, localID, remoteID, remoteData, q); err != nil {
				return err
			}
			if err := s.rewriteChildren(tx, table, localID, remoteID); err != nil {
				return err
			}
			for _, name := range [][]byte{bucketQueue, bucketFailed} {
				if err := s.rewriteQueue(tx, name, table, localID, remoteID); err != nil {
					return err
				}
			}
		}

		return nil
	})
}

// rekeyRecord переносит запись под серверный id.
// Если по записи остались неотправленные изменения, сохраняется локальная версия.
func rekeyRecord(tx *bbolt.Tx, d models.TableDescriptor, localID, remoteID string, remoteData []byte, q *bbolt.Bucket) error {
	b, err := bucket(tx, tableBucket(d.Name))
	if err != nil {
		return err
	}

	local := b.Get([]byte(localID))
	if local == nil {
		// Запись удалена локально, DELETE уже в очереди
		return nil
	}

	data := remoteData
	if hasPendingFor(q, d.Name, localID) {
		data, err = sjson.SetBytes(append([]byte(nil), local...), "id", remoteID)
		if err != nil {
			return fmt.Errorf("failed to rewrite id: %w", err)
		}
	}

	if err := deleteRecord(tx, d, localID); err != nil {
		return err
	}
	return putRecord(tx, d, remoteID, data)
}

func (s *Storage) rewriteChildren(tx *bbolt.Tx, parent models.Table, localID, remoteID string) error {
	for _, ref := range s.schema.Referencing(parent) {
		child, ok := s.schema.Lookup(ref.Table)
		if !ok {
			continue
		}
		b, err := bucket(tx, tableBucket(child.Name))
		if err != nil {
			return err
		}

		var ids []string
		if child.HasIndex(ref.Field) {
			ids = indexLookup(tx, child.Name, ref.Field, localID)
		} else {
			err := b.ForEach(func(k, v []byte) error {
				if gjson.GetBytes(v, ref.Field).String() == localID {
					ids = append(ids, string(k))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			updated, err := sjson.SetBytes(append([]byte(nil), data...), ref.Field, remoteID)
			if err != nil {
				return fmt.Errorf("failed to rewrite %s.%s: %w", child.Name, ref.Field, err)
			}
			if err := putRecord(tx, child, id, updated); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewriteQueue переписывает record_id и внешние ключи в payload отложенных операций
func (s *Storage) rewriteQueue(tx *bbolt.Tx, name []byte, parent models.Table, localID, remoteID string) error {
	q, err := bucket(tx, name)
	if err != nil {
		return err
	}

	refs := s.schema.Referencing(parent)
	var changed []*models.QueuedOperation

	err = q.ForEach(func(_, v []byte) error {
		var op models.QueuedOperation
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("failed to unmarshal operation: %w", err)
		}

		dirty := false
		if op.Table == parent && op.RecordID == localID {
			op.RecordID = remoteID
			dirty = true
			if len(op.Payload) > 0 {
				if op.Payload, err = sjson.SetBytes(op.Payload, "id", remoteID); err != nil {
					return err
				}
			}
		}
		for _, ref := range refs {
			if ref.Table != op.Table || len(op.Payload) == 0 {
				continue
			}
			if gjson.GetBytes(op.Payload, ref.Field).String() != localID {
				continue
			}
			if op.Payload, err = sjson.SetBytes(op.Payload, ref.Field, remoteID); err != nil {
				return err
			}
			dirty = true
		}

		if dirty {
			changed = append(changed, &op)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rewrite queued operations: %w", err)
	}

	for _, op := range changed {
		if err := putOperation(q, op); err != nil {
			return err
		}
	}
	return nil
}

// PoisonOperation moves the operation to the failed queue together with every
// queued operation that depends on it. Returns the number of dependents moved.
func (s *Storage) PoisonOperation(ctx context.Context, opID string) (int, error) {
	var held int

	err := s.update(ctx, func(tx *bbolt.Tx) error {
		q, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}
		failed, err := bucket(tx, bucketFailed)
		if err != nil {
			return err
		}

		data := q.Get([]byte(opID))
		if data == nil {
			return fmt.Errorf("%w: %s", storage.ErrOperationNotFound, opID)
		}
		if err := failed.Put([]byte(opID), append([]byte(nil), data...)); err != nil {
			return fmt.Errorf("failed to store poisoned operation: %w", err)
		}
		if err := q.Delete([]byte(opID)); err != nil {
			return err
		}

		held, err = s.holdBlocked(q, failed)
		return err
	})
	if err != nil {
		return 0, err
	}
	return held, nil
}

// PoisonBlocked moves queued operations that depend on already failed ones
// to the failed queue. Returns the number of operations moved.
func (s *Storage) PoisonBlocked(ctx context.Context) (int, error) {
	var held int

	err := s.update(ctx, func(tx *bbolt.Tx) error {
		q, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}
		failed, err := bucket(tx, bucketFailed)
		if err != nil {
			return err
		}
		held, err = s.holdBlocked(q, failed)
		return err
	})
	if err != nil {
		return 0, err
	}
	return held, nil
}

// recordKey таблица и id записи
type recordKey struct {
	table models.Table
	id    string
}

// holdBlocked переносит в failed операции очереди, которые нельзя отправить
// раньше упавших: правки той же записи и записи, ссылающиеся на локальный id,
// чья вставка упала. Один проход в порядке очереди покрывает цепочки.
func (s *Storage) holdBlocked(q, failed *bbolt.Bucket) (int, error) {
	blocked := make(map[recordKey]struct{})
	localParents := make(map[recordKey]struct{})

	block := func(op *models.QueuedOperation) {
		blocked[recordKey{op.Table, op.RecordID}] = struct{}{}
		if models.IsLocalID(op.RecordID) && op.Type != models.OpDelete {
			localParents[recordKey{op.Table, op.RecordID}] = struct{}{}
		}
	}

	err := failed.ForEach(func(_, v []byte) error {
		var op models.QueuedOperation
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("failed to unmarshal operation: %w", err)
		}
		block(&op)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(blocked) == 0 {
		return 0, nil
	}

	var held []*models.QueuedOperation
	err = q.ForEach(func(_, v []byte) error {
		var op models.QueuedOperation
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("failed to unmarshal operation: %w", err)
		}
		if !s.dependsOn(&op, blocked, localParents) {
			return nil
		}
		block(&op)
		held = append(held, &op)
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, op := range held {
		if err := q.Delete([]byte(op.ID)); err != nil {
			return 0, err
		}
		op.LastError = "held: an earlier operation it depends on has failed"
		if err := putOperation(failed, op); err != nil {
			return 0, err
		}
	}
	return len(held), nil
}

func (s *Storage) dependsOn(op *models.QueuedOperation, blocked, localParents map[recordKey]struct{}) bool {
	if _, ok := blocked[recordKey{op.Table, op.RecordID}]; ok {
		return true
	}
	if len(op.Payload) == 0 || len(localParents) == 0 {
		return false
	}
	d, ok := s.schema.Lookup(op.Table)
	if !ok {
		return false
	}
	for field, parent := range d.References {
		ref := gjson.GetBytes(op.Payload, field).String()
		if ref == "" {
			continue
		}
		if _, ok := localParents[recordKey{parent, ref}]; ok {
			return true
		}
	}
	return false
}

// FailedOperations returns poisoned operations
func (s *Storage) FailedOperations(ctx context.Context) ([]*models.QueuedOperation, error) {
	return s.listOperations(ctx, bucketFailed)
}

// FailedCount returns the number of poisoned operations
func (s *Storage) FailedCount(ctx context.Context) (int, error) {
	return s.countKeys(ctx, bucketFailed)
}

// RetryFailed requeues poisoned operations with reset attempts.
// Operations keep their ids and therefore their original place in the queue.
func (s *Storage) RetryFailed(ctx context.Context) (int, error) {
	var moved int

	err := s.update(ctx, func(tx *bbolt.Tx) error {
		q, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}
		failed, err := bucket(tx, bucketFailed)
		if err != nil {
			return err
		}

		var ops []*models.QueuedOperation
		err = failed.ForEach(func(_, v []byte) error {
			var op models.QueuedOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("failed to unmarshal operation: %w", err)
			}
			ops = append(ops, &op)
			return nil
		})
		if err != nil {
			return err
		}

		for _, op := range ops {
			if err := failed.Delete([]byte(op.ID)); err != nil {
				return err
			}
			op.Attempts = 0
			op.LastError = ""
			op.LastAttemptAt = nil
			if err := putOperation(q, op); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to retry operations: %w", err)
	}

	return moved, nil
}

func (s *Storage) listOperations(ctx context.Context, name []byte) ([]*models.QueuedOperation, error) {
	ops := make([]*models.QueuedOperation, 0)

	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var op models.QueuedOperation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("failed to unmarshal operation: %w", err)
			}
			ops = append(ops, &op)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	return ops, nil
}

func (s *Storage) countKeys(ctx context.Context, name []byte) (int, error) {
	var n int
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func getOperation(q *bbolt.Bucket, opID string) (*models.QueuedOperation, error) {
	data := q.Get([]byte(opID))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrOperationNotFound, opID)
	}

	var op models.QueuedOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation: %w", err)
	}
	return &op, nil
}

func putOperation(q *bbolt.Bucket, op *models.QueuedOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}
	if err := q.Put([]byte(op.ID), data); err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

func hasPendingFor(q *bbolt.Bucket, table models.Table, recordID string) bool {
	c := q.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if models.Table(gjson.GetBytes(v, "table").String()) == table &&
			gjson.GetBytes(v, "record_id").String() == recordID {
			return true
		}
	}
	return false
}
