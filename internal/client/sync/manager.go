package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/iudanet/posync/internal/client/api"
	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
	pkgapi "github.com/iudanet/posync/pkg/api"
)

// Store is the part of the local store the sync manager works with
type Store interface {
	storage.QueueStorage
	storage.MetadataStorage
}

// Config параметры дренажа очереди
type Config struct {
	BackoffMin  time.Duration // BackoffMin первая задержка повтора
	BackoffMax  time.Duration // BackoffMax верхняя граница задержки
	CallTimeout time.Duration // CallTimeout таймаут одного удаленного вызова
	MaxAttempts int           // MaxAttempts после стольких отказов сервера операция уходит в failed
}

// DefaultConfig returns the default drain parameters
func DefaultConfig() Config {
	return Config{
		BackoffMin:  time.Second,
		BackoffMax:  5 * time.Minute,
		CallTimeout: 30 * time.Second,
		MaxAttempts: 10,
	}
}

// DrainResult contains drain pass results
type DrainResult struct {
	LastError  error         // LastError ошибка, остановившая проход
	Processed  int           // Processed подтвержденные сервером операции
	Reconciled int           // Reconciled вставки, получившие серверный id
	Poisoned   int           // Poisoned операции, перемещенные в failed
	Remaining  int           // Remaining операции, оставшиеся в очереди
	RetryIn    time.Duration // RetryIn задержка до следующей попытки, если проход остановлен
	Halted     bool          // Halted проход остановлен ошибкой доставки
}

// Manager drains the mutation queue against the remote service.
// At most one drain pass runs at a time; concurrent callers share its result.
type Manager struct {
	store  Store
	remote api.RemoteService
	logger *slog.Logger
	online func() bool

	group   singleflight.Group
	trigger chan struct{}

	mu          gosync.Mutex
	backoff     retry.Backoff
	lastDrainAt time.Time

	cfg      Config
	draining atomic.Bool
}

// Option настраивает Manager
type Option func(*Manager)

// WithOnlineCheck задает проверку сети; Run не запускает дренаж офлайн
func WithOnlineCheck(online func() bool) Option {
	return func(m *Manager) {
		m.online = online
	}
}

// NewManager creates a new sync manager
func NewManager(store Store, remote api.RemoteService, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	m := &Manager{
		store:   store,
		remote:  remote,
		cfg:     cfg,
		logger:  logger.With("component", "sync"),
		online:  func() bool { return true },
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.backoff = m.newBackoff()
	return m
}

// Drain delivers queued operations in order until the queue is empty or a delivery fails
func (m *Manager) Drain(ctx context.Context) (*DrainResult, error) {
	v, err, shared := m.group.Do("drain", func() (any, error) {
		return m.drain(ctx)
	})
	if shared {
		m.logger.Debug("Joined running drain pass")
	}
	if err != nil {
		return nil, err
	}
	return v.(*DrainResult), nil
}

// RequestDrain asks Run to start a drain pass without waiting for it
func (m *Manager) RequestDrain() {
	select {
	case m.trigger <- struct{}{}:
	default:
		// Запрос уже ожидает обработки
	}
}

// Run serves drain requests and scheduled retries until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("Sync manager started", "action", "start")

	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Sync manager stopped", "action", "stop")
			return
		case <-m.trigger:
		case <-retryTimer.C:
		}

		if !m.online() {
			m.logger.Debug("Skipping drain while offline", "action", "skip")
			continue
		}

		result, err := m.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			m.logger.Error("Drain failed", "action", "drain", "error", err)
			continue
		}
		if result.Halted {
			retryTimer.Reset(result.RetryIn)
		}
	}
}

// LastDrainAt returns the completion time of the last drain pass
func (m *Manager) LastDrainAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDrainAt
}

// Draining reports whether a drain pass is running
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// PendingCount returns the number of operations waiting for delivery
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.store.PendingCount(ctx)
}

// FailedCount returns the number of poisoned operations
func (m *Manager) FailedCount(ctx context.Context) (int, error) {
	return m.store.FailedCount(ctx)
}

// RetryFailed requeues poisoned operations and asks for a drain
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	n, err := m.store.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.RequestDrain()
	}
	return n, nil
}

func (m *Manager) drain(ctx context.Context) (*DrainResult, error) {
	m.draining.Store(true)
	defer m.draining.Store(false)

	result := &DrainResult{}

	// операции, зависящие от упавших ранее, не обгоняют их
	held, err := m.store.PoisonBlocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to hold blocked operations: %w", err)
	}
	result.Poisoned += held

	ops, err := m.store.PendingOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	if len(ops) == 0 {
		m.finish()
		return result, nil
	}

	m.logger.Info("Starting drain", "action", "drain", "pending", len(ops))
	acked := make(map[models.Table]struct{})

	for i := 0; i < len(ops); i++ {
		op := ops[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remoteRec, deliverErr := m.deliver(ctx, op)
		if deliverErr != nil {
			poisoned, held, err := m.fail(ctx, op, deliverErr)
			if err != nil {
				return nil, err
			}
			if !poisoned {
				result.Halted = true
				result.LastError = deliverErr
				result.Remaining = len(ops) - i
				result.RetryIn = m.nextBackoff()
				break
			}

			result.Poisoned += 1 + held
			if held == 0 {
				continue
			}
		} else {
			reconciled, err := m.acknowledge(ctx, op, remoteRec)
			if err != nil {
				return nil, err
			}
			result.Processed++
			acked[op.Table] = struct{}{}
			if !reconciled {
				continue
			}
			result.Reconciled++
		}

		// Сверка и перенос зависимых операций меняют очередь на диске:
		// перечитываем ее, чтобы отправлять переписанные id
		if ops, err = m.store.PendingOperations(ctx); err != nil {
			return nil, fmt.Errorf("failed to read queue: %w", err)
		}
		i = -1
	}

	now := time.Now()
	for table := range acked {
		if err := m.store.SaveSyncMeta(ctx, table, now); err != nil {
			return nil, err
		}
	}

	if !result.Halted {
		m.resetBackoff()
	}
	m.finish()

	m.logger.Info("Drain completed",
		"action", "drain",
		"processed", result.Processed,
		"reconciled", result.Reconciled,
		"poisoned", result.Poisoned,
		"remaining", result.Remaining,
		"halted", result.Halted)

	return result, nil
}

// deliver отправляет одну операцию. Для вставок с локальным id возвращает
// запись, сохраненную сервером.
func (m *Manager) deliver(ctx context.Context, op *models.QueuedOperation) (models.Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	switch op.Type {
	case models.OpInsert, models.OpUpdate:
		rec, err := op.Record()
		if err != nil {
			return nil, &permanentError{err: err}
		}

		// Вставка с локальным id (или правка записи, чья вставка не дошла)
		// создает запись под серверным id
		if models.IsLocalID(op.RecordID) {
			return m.remote.Insert(callCtx, rec, op.ID)
		}

		// Last-write-wins: локальная версия перезаписывает серверную
		_, err = m.remote.Upsert(callCtx, op.Table, []models.Record{rec}, pkgapi.UpsertOptions{OnConflict: "id"})
		return nil, err

	case models.OpDelete:
		if models.IsLocalID(op.RecordID) {
			// Запись никогда не попадала на сервер
			return nil, nil
		}
		err := m.remote.Delete(callCtx, op.Table, op.RecordID)
		if api.IsNotFound(err) {
			return nil, nil
		}
		return nil, err

	default:
		return nil, &permanentError{err: fmt.Errorf("unknown operation type %q", op.Type)}
	}
}

func (m *Manager) acknowledge(ctx context.Context, op *models.QueuedOperation, remoteRec models.Record) (bool, error) {
	if remoteRec != nil && models.IsLocalID(op.RecordID) {
		if err := m.store.ReconcileInsert(ctx, op.ID, op.Table, op.RecordID, remoteRec); err != nil {
			return false, fmt.Errorf("failed to reconcile %s/%s: %w", op.Table, op.RecordID, err)
		}
		m.logger.Debug("Reconciled local id",
			"table", op.Table,
			"local_id", op.RecordID,
			"remote_id", remoteRec.Key())
		return true, nil
	}

	if err := m.store.CompleteOperation(ctx, op.ID); err != nil {
		return false, fmt.Errorf("failed to complete operation %s: %w", op.ID, err)
	}
	return false, nil
}

// fail фиксирует неудачную попытку. Возвращает true, если операция отравлена,
// и число зависимых операций, ушедших вместе с ней.
func (m *Manager) fail(ctx context.Context, op *models.QueuedOperation, cause error) (bool, int, error) {
	marked, err := m.store.MarkAttempt(ctx, op.ID, cause)
	if err != nil {
		return false, 0, fmt.Errorf("failed to mark attempt: %w", err)
	}

	var perm *permanentError
	rejected := api.IsRejection(cause) || errors.As(cause, &perm)

	if !rejected || (perm == nil && marked.Attempts < m.cfg.MaxAttempts) {
		m.logger.Warn("Delivery failed",
			"op_id", op.ID,
			"type", op.Type,
			"table", op.Table,
			"record_id", op.RecordID,
			"attempts", marked.Attempts,
			"rejected", rejected,
			"error", cause)
		return false, 0, nil
	}

	held, err := m.store.PoisonOperation(ctx, op.ID)
	if err != nil {
		return false, 0, fmt.Errorf("failed to poison operation: %w", err)
	}
	m.logger.Error("Operation moved to failed queue",
		"op_id", op.ID,
		"type", op.Type,
		"table", op.Table,
		"record_id", op.RecordID,
		"attempts", marked.Attempts,
		"held_dependents", held,
		"error", cause)
	return true, held, nil
}

func (m *Manager) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDrainAt = time.Now()
}

func (m *Manager) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.cfg.BackoffMin)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(m.cfg.BackoffMax, b)
}

func (m *Manager) nextBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, stop := m.backoff.Next()
	if stop {
		m.backoff = m.newBackoff()
		d, _ = m.backoff.Next()
	}
	return d
}

func (m *Manager) resetBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoff = m.newBackoff()
}

// permanentError ошибка, которую бессмысленно повторять (поврежденная операция)
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }
