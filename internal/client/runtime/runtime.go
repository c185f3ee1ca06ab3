// Package runtime runs the background side of the client: the network monitor,
// the sync manager and periodic quick syncs, plus the optional proxy command channel.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/posync/internal/client/hydration"
	clientsync "github.com/iudanet/posync/internal/client/sync"
	"github.com/iudanet/posync/internal/models"
)

// DefaultQuickInterval период быстрой синхронизации по умолчанию
const DefaultQuickInterval = 5 * time.Minute

// Syncer дренирует очередь мутаций
type Syncer interface {
	Drain(ctx context.Context) (*clientsync.DrainResult, error)
	RequestDrain()
	Run(ctx context.Context)
	LastDrainAt() time.Time
	Draining() bool
	PendingCount(ctx context.Context) (int, error)
	FailedCount(ctx context.Context) (int, error)
}

// Hydrator выполняет быструю синхронизацию и хранит учет гидрации
type Hydrator interface {
	QuickSync(ctx context.Context) (*hydration.Result, error)
	NeedsFullHydration(ctx context.Context) (bool, error)
	LastQuickSync(ctx context.Context) (time.Time, error)
	Progress() models.HydrationProgress
}

// NetworkMonitor сообщает о переходах online/offline
type NetworkMonitor interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
	Run(ctx context.Context)
}

// Listener фоновый подписчик, например канал команд прокси
type Listener interface {
	Run(ctx context.Context) error
}

// Status снимок состояния клиента для UI и команды status
type Status struct {
	LastSyncedAt       time.Time                `json:"last_synced_at,omitempty"`
	Hydration          models.HydrationProgress `json:"hydration"`
	Pending            int                      `json:"pending"`
	Failed             int                      `json:"failed"`
	Online             bool                     `json:"online"`
	Draining           bool                     `json:"draining"`
	NeedsFullHydration bool                     `json:"needs_full_hydration"`
}

// Option настраивает Runtime
type Option func(*Runtime)

// WithListener добавляет фоновый подписчик, запускаемый вместе с Run
func WithListener(l Listener) Option {
	return func(r *Runtime) {
		r.listeners = append(r.listeners, l)
	}
}

// WithQuickInterval задает период быстрой синхронизации
func WithQuickInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.quickInterval = d
		}
	}
}

// Runtime связывает монитор сети с дренажом очереди и быстрой синхронизацией
type Runtime struct {
	syncer    Syncer
	hydrator  Hydrator
	monitor   NetworkMonitor
	logger    *slog.Logger
	listeners []Listener

	reconnect     chan struct{}
	quickInterval time.Duration
}

// New создает runtime
func New(syncer Syncer, hydrator Hydrator, monitor NetworkMonitor, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		syncer:        syncer,
		hydrator:      hydrator,
		monitor:       monitor,
		logger:        logger.With("component", "runtime"),
		reconnect:     make(chan struct{}, 1),
		quickInterval: DefaultQuickInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnSyncRequested обрабатывает SYNC_REQUESTED из канала команд прокси
func (r *Runtime) OnSyncRequested(tag string) {
	r.logger.Info("Sync requested", "action", "sync_requested", "tag", tag)
	r.syncer.RequestDrain()
}

// Run запускает фоновые компоненты и блокируется до отмены ctx
func (r *Runtime) Run(ctx context.Context) error {
	unsubscribe := r.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		select {
		case r.reconnect <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.syncer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		r.monitor.Run(ctx)
	}()
	for _, l := range r.listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil {
				r.logger.Error("Listener stopped", "action", "listen", "error", err)
			}
		}(l)
	}

	r.logger.Info("Runtime started", "action", "start", "quick_interval", r.quickInterval)

	ticker := time.NewTicker(r.quickInterval)
	defer ticker.Stop()

	// Очередь могла накопиться до запуска
	r.syncer.RequestDrain()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			r.logger.Info("Runtime stopped", "action", "stop")
			return nil
		case <-r.reconnect:
			r.catchUp(ctx)
		case <-ticker.C:
			if r.monitor.Online() {
				r.quickSync(ctx)
			}
		}
	}
}

// catchUp доставляет накопленные офлайн изменения и подтягивает дельту
func (r *Runtime) catchUp(ctx context.Context) {
	r.logger.Info("Back online", "action", "reconnect")

	result, err := r.syncer.Drain(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Error("Drain after reconnect failed", "action", "drain", "error", err)
		}
	case result.Halted:
		r.logger.Warn("Drain halted after reconnect", "action", "drain",
			"remaining", result.Remaining, "retry_in", result.RetryIn, "error", result.LastError)
	default:
		r.logger.Debug("Drain after reconnect completed", "action", "drain", "processed", result.Processed)
	}

	r.quickSync(ctx)
}

func (r *Runtime) quickSync(ctx context.Context) {
	result, err := r.hydrator.QuickSync(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		failed := 0
		if result != nil {
			failed = len(result.Failed)
		}
		r.logger.Warn("Quick sync failed", "action", "quick", "failed_tables", failed, "error", err)
		return
	}
	r.logger.Debug("Quick sync completed", "action", "quick", "skipped", result.Skipped)
}

// Status собирает текущее состояние клиента
func (r *Runtime) Status(ctx context.Context) (*Status, error) {
	pending, err := r.syncer.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := r.syncer.FailedCount(ctx)
	if err != nil {
		return nil, err
	}
	needsFull, err := r.hydrator.NeedsFullHydration(ctx)
	if err != nil {
		return nil, err
	}
	lastQuick, err := r.hydrator.LastQuickSync(ctx)
	if err != nil {
		return nil, err
	}

	last := r.syncer.LastDrainAt()
	if lastQuick.After(last) {
		last = lastQuick
	}

	return &Status{
		Online:             r.monitor.Online(),
		Pending:            pending,
		Failed:             failed,
		Draining:           r.syncer.Draining(),
		LastSyncedAt:       last,
		Hydration:          r.hydrator.Progress(),
		NeedsFullHydration: needsFull,
	}, nil
}
