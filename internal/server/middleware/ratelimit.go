package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/iudanet/posync/internal/server/handlers"
)

// RateLimiter ограничивает число запросов с ключа за фиксированное окно
type RateLimiter struct {
	windows  map[string]*window
	logger   *slog.Logger
	stopC    chan struct{}
	stopOnce sync.Once
	now      func() time.Time
	rate     int
	period   time.Duration
	mu       sync.Mutex
}

// window счетчик запросов ключа в текущем окне
type window struct {
	start time.Time
	count int
}

// NewRateLimiter создает rate limiter: не больше rate запросов за period
func NewRateLimiter(rate int, period time.Duration, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		logger:  logger,
		stopC:   make(chan struct{}),
		now:     time.Now,
		rate:    rate,
		period:  period,
	}

	go rl.evictLoop()

	return rl
}

// evictLoop периодически удаляет окна неактивных ключей
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.period * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evict()
		case <-rl.stopC:
			return
		}
	}
}

func (rl *RateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if now.Sub(w.start) > rl.period*2 {
			delete(rl.windows, key)
		}
	}
}

// Stop останавливает фоновую очистку
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopC) })
}

// Allow учитывает запрос ключа и сообщает, укладывается ли он в лимит
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.period {
		w = &window{start: now}
		rl.windows[key] = w
	}

	if w.count >= rl.rate {
		return false
	}
	w.count++
	return true
}

// RateLimitMiddleware ограничивает частоту запросов с одного адреса.
// Возвращает limiter, чтобы вызывающий мог остановить очистку.
func RateLimitMiddleware(rate int, period time.Duration, logger *slog.Logger) (func(http.Handler) http.Handler, *RateLimiter) {
	limiter := NewRateLimiter(rate, period, logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)

			if !limiter.Allow(key) {
				logger.Warn("Rate limit exceeded",
					"ip", key,
					"method", r.Method,
					"path", r.URL.Path,
				)

				w.Header().Set("Retry-After", strconv.Itoa(int(period.Seconds())))
				handlers.WriteProblem(w, r, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}, limiter
}

// clientIP возвращает IP без порта.
// X-Forwarded-For разбирает chi middleware.RealIP до этого middleware.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
