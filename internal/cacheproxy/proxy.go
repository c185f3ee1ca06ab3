package cacheproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// HeaderCache заголовок ответа с результатом обращения к кешу
const HeaderCache = "X-Posync-Cache"

// Значения заголовка HeaderCache
const (
	CacheHit     = "HIT"
	CacheMiss    = "MISS"
	CacheStale   = "STALE"
	CacheOffline = "OFFLINE"
)

// OfflineMessage текст, возвращаемый в offline ответе
const OfflineMessage = "You are offline. Showing cached data when available."

// OfflinePayload тело ответа, когда сеть недоступна и в кеше ничего нет
type OfflinePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

// Config настройки прокси
type Config struct {
	Origin         *url.URL
	Prefix         string
	Version        string
	APIPrefixes    []string
	SyncTags       []string
	NetworkTimeout time.Duration
	SkipWaiting    bool
}

// Option настраивает Proxy
type Option func(*Proxy)

// WithTransport подменяет транспорт до origin (используется в тестах)
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		p.client.Transport = rt
		p.passthrough.Transport = rt
	}
}

// Proxy caching reverse proxy. Safe for concurrent use.
type Proxy struct {
	cfg         Config
	store       *Store
	logger      *slog.Logger
	classifier  *Classifier
	client      *http.Client
	passthrough *httputil.ReverseProxy
	hub         *hub
	now         func() time.Time

	revalidate singleflight.Group
	wg         sync.WaitGroup

	mu      sync.RWMutex
	active  string
	waiting string
}

// New создает прокси. Активная версия изначально равна cfg.Version.
func New(cfg Config, store *Store, logger *slog.Logger, opts ...Option) *Proxy {
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 10 * time.Second
	}
	origin := cfg.Origin

	p := &Proxy{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		classifier: NewClassifier(cfg.APIPrefixes),
		client:     &http.Client{},
		passthrough: &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(origin)
				pr.SetXForwarded()
			},
		},
		hub:    newHub(logger),
		now:    time.Now,
		active: cfg.Version,
	}
	p.passthrough.ErrorHandler = p.passthroughError

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ActiveVersion возвращает версию, партиции которой сейчас обслуживают запросы
func (p *Proxy) ActiveVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// WaitingVersion возвращает установленную, но еще не активированную версию
func (p *Proxy) WaitingVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.waiting
}

func (p *Proxy) partition(kind Kind) string {
	return PartitionName(p.cfg.Prefix, kind, p.ActiveVersion())
}

// Wait blocks until background revalidations finish.
func (p *Proxy) Wait() {
	p.wg.Wait()
}

// ServeHTTP applies the caching strategy selected for the request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch kind := p.classifier.Classify(r); kind {
	case KindAsset:
		p.cacheFirst(w, r)
	case KindStatic:
		p.staleWhileRevalidate(w, r)
	case KindAPI, KindNavigation:
		p.networkFirst(w, r, kind)
	default:
		p.passthrough.ServeHTTP(w, r)
	}
}

// cacheFirst отдает content-addressed ресурс из кеша без ревалидации
func (p *Proxy) cacheFirst(w http.ResponseWriter, r *http.Request) {
	partition := p.partition(KindAsset)
	key := r.URL.RequestURI()

	if entry, err := p.store.Get(partition, key); err == nil {
		p.serveEntry(w, r, entry, CacheHit)
		return
	}

	entry, err := p.fetch(r.Context(), r.URL, r.Header)
	if err != nil {
		p.logger.Warn("Asset fetch failed", "url", key, "error", err)
		p.serveOffline(w)
		return
	}
	p.storeEntry(partition, key, entry)
	p.serveEntry(w, r, entry, CacheMiss)
}

// staleWhileRevalidate отдает кеш сразу и обновляет его в фоне
func (p *Proxy) staleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	partition := p.partition(KindStatic)
	key := r.URL.RequestURI()

	if entry, err := p.store.Get(partition, key); err == nil {
		p.serveEntry(w, r, entry, CacheStale)
		p.revalidateInBackground(r, partition, key)
		return
	}

	entry, err := p.fetch(r.Context(), r.URL, r.Header)
	if err != nil {
		p.logger.Warn("Static fetch failed", "url", key, "error", err)
		p.serveOffline(w)
		return
	}
	p.storeEntry(partition, key, entry)
	p.serveEntry(w, r, entry, CacheMiss)
}

func (p *Proxy) revalidateInBackground(r *http.Request, partition, key string) {
	u := *r.URL
	header := r.Header.Clone()
	ctx := context.WithoutCancel(r.Context())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _, _ = p.revalidate.Do(partition+"\x00"+key, func() (any, error) {
			entry, err := p.fetch(ctx, &u, header)
			if err != nil {
				p.logger.Debug("Revalidation failed", "url", key, "error", err)
				return nil, err
			}
			p.storeEntry(partition, key, entry)
			return nil, nil
		})
	}()
}

// networkFirst идет в сеть, при ошибке отдает последнюю сохраненную копию
func (p *Proxy) networkFirst(w http.ResponseWriter, r *http.Request, kind Kind) {
	partition := p.partition(kind)
	key := r.URL.RequestURI()

	entry, err := p.fetch(r.Context(), r.URL, r.Header)
	if err == nil && entry.Status < http.StatusInternalServerError {
		p.storeEntry(partition, key, entry)
		p.serveEntry(w, r, entry, CacheMiss)
		return
	}

	if cached, cerr := p.store.Get(partition, key); cerr == nil {
		p.logger.Debug("Serving cached response", "url", key, "kind", kind)
		p.serveEntry(w, r, cached, CacheHit)
		return
	}

	if kind == KindNavigation {
		if root, cerr := p.store.Get(partition, "/"); cerr == nil {
			p.serveEntry(w, r, root, CacheHit)
			return
		}
	}

	if err == nil {
		// origin ответил 5xx, а копии нет: отдаем как есть
		p.serveEntry(w, r, entry, CacheMiss)
		return
	}

	p.logger.Warn("Network unavailable and nothing cached", "url", key, "error", err)
	p.serveOffline(w)
}

// fetch выполняет GET к origin и читает ответ целиком
func (p *Proxy) fetch(ctx context.Context, u *url.URL, header http.Header) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.NetworkTimeout)
	defer cancel()

	target := *p.cfg.Origin
	target.Path = strings.TrimSuffix(target.Path, "/") + u.Path
	target.RawPath = ""
	target.RawQuery = u.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}
	// всегда нужен полный распакованный ответ
	req.Header.Del("Accept-Encoding")
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u.RequestURI(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return NewEntry(u.RequestURI(), resp.StatusCode, resp.Header, body, p.now()), nil
}

// storeEntry сохраняет только успешные ответы
func (p *Proxy) storeEntry(partition, key string, entry *Entry) {
	if entry.Status != http.StatusOK {
		return
	}
	if err := p.store.Put(partition, key, entry); err != nil {
		p.logger.Error("Failed to store cache entry", "partition", partition, "url", key, "error", err)
	}
}

func (p *Proxy) serveEntry(w http.ResponseWriter, r *http.Request, entry *Entry, status string) {
	h := w.Header()
	for name, values := range entry.Header {
		h[name] = append([]string(nil), values...)
	}
	h.Set("ETag", entry.ETag)
	h.Set(HeaderCache, status)

	if match := r.Header.Get("If-None-Match"); match != "" && match == entry.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

func (p *Proxy) serveOffline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderCache, CacheOffline)
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(OfflinePayload{
		Error:   "offline",
		Offline: true,
		Message: OfflineMessage,
	})
}

func (p *Proxy) passthroughError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	p.logger.Warn("Pass-through request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	p.serveOffline(w)
}
