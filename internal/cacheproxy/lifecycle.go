package cacheproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"go.uber.org/multierr"
)

// ErrEmptyVersion возвращается при установке версии без имени
var ErrEmptyVersion = errors.New("cache version is empty")

// Install предзагружает набор статики в партиции новой версии.
// Если хотя бы один URL не загрузился, версия не устанавливается.
// Новая версия ждет Activate, кроме режима SkipWaiting.
func (p *Proxy) Install(ctx context.Context, version string, urls []string) error {
	if version == "" {
		return ErrEmptyVersion
	}

	type fetched struct {
		entry     *Entry
		partition string
		key       string
	}
	entries := make([]fetched, 0, len(urls))

	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid precache url %q: %w", raw, err)
		}
		kind := precacheKind(u.Path)
		header := http.Header{}
		if kind == KindNavigation {
			header.Set("Accept", "text/html")
		}

		entry, err := p.fetch(ctx, u, header)
		if err != nil {
			return fmt.Errorf("failed to precache %s: %w", raw, err)
		}
		if entry.Status != http.StatusOK {
			return fmt.Errorf("failed to precache %s: status %d", raw, entry.Status)
		}
		entries = append(entries, fetched{
			entry:     entry,
			partition: PartitionName(p.cfg.Prefix, kind, version),
			key:       u.RequestURI(),
		})
	}

	for _, f := range entries {
		if err := p.store.Put(f.partition, f.key, f.entry); err != nil {
			return fmt.Errorf("failed to store precached %s: %w", f.key, err)
		}
	}

	p.mu.Lock()
	current := version == p.active
	if !current {
		p.waiting = version
	}
	p.mu.Unlock()

	p.logger.Info("Cache version installed", "version", version, "precached", len(entries))

	// повторная установка активной версии (старт после обновления)
	// сразу убирает партиции прежних версий
	if current {
		_, err := p.PurgeStale()
		return err
	}

	if p.cfg.SkipWaiting {
		return p.Activate()
	}
	return nil
}

// Activate переключает обслуживание на ожидающую версию и удаляет
// партиции всех остальных версий. Без ожидающей версии ничего не делает.
func (p *Proxy) Activate() error {
	p.mu.Lock()
	if p.waiting == "" {
		p.mu.Unlock()
		return nil
	}

	purged, err := p.store.PurgeExcept(p.cfg.Prefix, p.waiting)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to purge old partitions: %w", err)
	}

	p.logger.Info("Cache version activated", "version", p.waiting, "previous", p.active, "purged", purged)
	p.active = p.waiting
	p.waiting = ""
	version := p.active
	p.mu.Unlock()

	p.hub.broadcast(Message{Type: MessageActivated, Version: version})
	return nil
}

// PurgeStale удаляет партиции всех версий, кроме активной и ожидающей
func (p *Proxy) PurgeStale() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := []string{p.active}
	if p.waiting != "" {
		keep = append(keep, p.waiting)
	}
	purged, err := p.store.PurgeExcept(p.cfg.Prefix, keep...)
	if err != nil {
		return nil, fmt.Errorf("failed to purge old partitions: %w", err)
	}
	if len(purged) > 0 {
		p.logger.Info("Stale cache partitions purged", "version", p.active, "purged", purged)
	}
	return purged, nil
}

// ClearCache удаляет все партиции
func (p *Proxy) ClearCache() error {
	if err := p.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	p.logger.Info("Cache cleared")
	return nil
}

// CacheURLs загружает указанные URL в API партицию активной версии
func (p *Proxy) CacheURLs(ctx context.Context, urls []string) error {
	partition := p.partition(KindAPI)

	var errs error
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid url %q: %w", raw, err))
			continue
		}
		entry, err := p.fetch(ctx, u, nil)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if entry.Status != http.StatusOK {
			errs = multierr.Append(errs, fmt.Errorf("failed to cache %s: status %d", raw, entry.Status))
			continue
		}
		if err := p.store.Put(partition, u.RequestURI(), entry); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// precacheKind выбирает партицию для предзагружаемого URL
func precacheKind(p string) Kind {
	switch {
	case IsContentAddressed(p):
		return KindAsset
	case p == "/" || path.Ext(p) == "" || path.Ext(p) == ".html":
		return KindNavigation
	default:
		return KindStatic
	}
}
