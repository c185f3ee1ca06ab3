// Package data is the offline-first façade the UI writes through.
package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

// ErrNotFound запись отсутствует или принадлежит другому владельцу
var ErrNotFound = errors.New("record not found")

// Service определяет интерфейс офлайн-фасада
type Service interface {
	// Create stores a new record locally and queues it for delivery
	Create(ctx context.Context, rec models.Record) (models.Record, error)

	// Update replaces an existing record locally and queues it for delivery
	Update(ctx context.Context, rec models.Record) error

	// Delete removes the record locally and queues the deletion
	Delete(ctx context.Context, table models.Table, id string) error

	// Get returns a record of the current owner
	Get(ctx context.Context, table models.Table, id string) (models.Record, error)

	// List returns every record of the current owner in the table
	List(ctx context.Context, table models.Table) ([]models.Record, error)

	// ListBy returns records of the current owner with field == value
	ListBy(ctx context.Context, table models.Table, field, value string) ([]models.Record, error)
}

// Store is the part of the local store the façade needs
type Store interface {
	storage.RecordStorage
	ApplyMutation(ctx context.Context, op *models.QueuedOperation, rec models.Record) error
}

// DrainRequester is notified after every local write
type DrainRequester interface {
	RequestDrain()
}

// ChangeHook вызывается после успешной локальной записи
type ChangeHook func(ctx context.Context, table models.Table)

// Option настраивает сервис
type Option func(*service)

// WithDrainRequester подключает менеджер синхронизации
func WithDrainRequester(r DrainRequester) Option {
	return func(s *service) {
		s.drain = r
	}
}

// OnChange добавляет обработчик изменений
func OnChange(hook ChangeHook) Option {
	return func(s *service) {
		s.hooks = append(s.hooks, hook)
	}
}

// service handles client-side writes: local store first, remote later
type service struct {
	store   Store
	session *session.Session
	drain   DrainRequester
	logger  *slog.Logger
	now     func() time.Time
	hooks   []ChangeHook
}

// NewService creates a new data service
func NewService(store Store, sess *session.Session, logger *slog.Logger, opts ...Option) Service {
	s := &service{
		store:   store,
		session: sess,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new record locally and queues it for delivery
func (s *service) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	if err := s.session.Validate(s.now()); err != nil {
		return nil, err
	}

	// Генерируем локальный ID если не задан
	if rec.Key() == "" {
		rec.SetKey(models.NewLocalID())
	}
	rec.SetOwner(s.session.OwnerID)
	rec.Touch(s.now().UTC())

	op := &models.QueuedOperation{Type: models.OpInsert, Table: rec.Table()}
	if err := s.store.ApplyMutation(ctx, op, rec); err != nil {
		return nil, fmt.Errorf("failed to create %s record: %w", rec.Table(), err)
	}

	s.logger.Debug("Record created", "table", rec.Table(), "id", rec.Key(), "op_id", op.ID)
	s.changed(ctx, rec.Table())
	return rec, nil
}

// Update replaces an existing record locally and queues it for delivery
func (s *service) Update(ctx context.Context, rec models.Record) error {
	if err := s.session.Validate(s.now()); err != nil {
		return err
	}

	existing, err := s.Get(ctx, rec.Table(), rec.Key())
	if err != nil {
		return err
	}

	rec.SetOwner(s.session.OwnerID)
	// created_at сохраняется от исходной записи
	created, _ := existing.Timestamps()
	rec.SetTimestamps(created, time.Time{})
	rec.Touch(s.now().UTC())

	op := &models.QueuedOperation{Type: models.OpUpdate, Table: rec.Table()}
	if err := s.store.ApplyMutation(ctx, op, rec); err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", rec.Table(), rec.Key(), err)
	}

	s.logger.Debug("Record updated", "table", rec.Table(), "id", rec.Key(), "op_id", op.ID)
	s.changed(ctx, rec.Table())
	return nil
}

// Delete removes the record locally and queues the deletion
func (s *service) Delete(ctx context.Context, table models.Table, id string) error {
	if err := s.session.Validate(s.now()); err != nil {
		return err
	}

	if _, err := s.Get(ctx, table, id); err != nil {
		return err
	}

	op := &models.QueuedOperation{Type: models.OpDelete, Table: table, RecordID: id}
	if err := s.store.ApplyMutation(ctx, op, nil); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}

	s.logger.Debug("Record deleted", "table", table, "id", id, "op_id", op.ID)
	s.changed(ctx, table)
	return nil
}

// Get returns a record of the current owner
func (s *service) Get(ctx context.Context, table models.Table, id string) (models.Record, error) {
	rec, err := s.store.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Owner() != s.session.OwnerID {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return rec, nil
}

// List returns every record of the current owner in the table
func (s *service) List(ctx context.Context, table models.Table) ([]models.Record, error) {
	return s.store.GetByIndex(ctx, table, models.OwnerField, s.session.OwnerID)
}

// ListBy returns records of the current owner with field == value
func (s *service) ListBy(ctx context.Context, table models.Table, field, value string) ([]models.Record, error) {
	recs, err := s.store.GetByIndex(ctx, table, field, value)
	if err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, rec := range recs {
		if rec.Owner() == s.session.OwnerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *service) changed(ctx context.Context, table models.Table) {
	for _, hook := range s.hooks {
		hook(ctx, table)
	}
	if s.drain != nil {
		s.drain.RequestDrain()
	}
}
