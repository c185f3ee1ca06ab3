package netmon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeProber struct {
	mu  sync.Mutex
	err error
}

func (p *fakeProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProber) set(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *recorder) record(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, online)
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func TestMonitor_EmitsTransitionsOnly(t *testing.T) {
	prober := &fakeProber{}
	m := New(prober, Config{}, testLogger())

	rec := &recorder{}
	m.Subscribe(rec.record)

	ctx := context.Background()
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Check(ctx))

	prober.set(errors.New("unreachable"))
	assert.False(t, m.Check(ctx))
	assert.False(t, m.Check(ctx))

	m.SetOnline(true)
	m.SetOnline(true)

	assert.Equal(t, []bool{true, false, true}, rec.get())
	assert.True(t, m.Online())
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := New(&fakeProber{}, Config{}, testLogger())

	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.record)
	m.SetOnline(true)
	unsubscribe()
	m.SetOnline(false)

	assert.Equal(t, []bool{true}, rec.get())
}

func TestMonitor_Run(t *testing.T) {
	prober := &fakeProber{err: errors.New("down")}
	m := New(prober, Config{Interval: 10 * time.Millisecond, InitialOnline: true}, testLogger())

	rec := &recorder{}
	m.Subscribe(rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)

	prober.set(nil)
	assert.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false, true}, rec.get())
}
