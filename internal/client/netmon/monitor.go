// Package netmon tracks connectivity to the remote data service.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks reachability of the remote service
type Prober interface {
	Ping(ctx context.Context) error
}

// Config параметры монитора
type Config struct {
	Interval      time.Duration // Interval период проверки
	Timeout       time.Duration // Timeout таймаут одной проверки
	InitialOnline bool          // InitialOnline состояние до первой проверки
}

// DefaultConfig returns the default monitor parameters
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Monitor observes online/offline transitions.
// Subscribers are notified only when the state changes.
type Monitor struct {
	prober Prober
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(online bool)
	nextID int
	online bool

	cfg Config
}

// New creates a new network monitor
func New(prober Prober, cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &Monitor{
		prober: prober,
		cfg:    cfg,
		logger: logger.With("component", "netmon"),
		subs:   make(map[int]func(bool)),
		online: cfg.InitialOnline,
	}
}

// Online returns the current state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for state transitions and returns an unsubscribe func
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline sets the state from an explicit source (OS event, user toggle)
func (m *Monitor) SetOnline(online bool) {
	m.set(online)
}

// Check probes the remote once and updates the state
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		// Остановка монитора не означает потерю сети
		return m.Online()
	}
	if err != nil {
		m.logger.Debug("Probe failed", "action", "probe", "error", err)
	}

	online := err == nil
	m.set(online)
	return online
}

// Run probes periodically until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Network monitor started", "action", "start", "interval", m.cfg.Interval)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Network monitor stopped", "action", "stop")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", "action", "transition", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}
