package cacheproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Manifest описание набора статики для версии кеша
type Manifest struct {
	Version  string   `json:"version"`
	Precache []string `json:"precache"`
}

// LoadManifest читает файл манифеста
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Version == "" {
		return m, fmt.Errorf("manifest %s: %w", path, ErrEmptyVersion)
	}
	return m, nil
}

// ApplyManifest устанавливает версию из манифеста, если она новая
func (p *Proxy) ApplyManifest(ctx context.Context, m Manifest) error {
	if m.Version == p.ActiveVersion() || m.Version == p.WaitingVersion() {
		return nil
	}
	return p.Install(ctx, m.Version, m.Precache)
}

// WatchManifest следит за файлом манифеста и устанавливает новую версию при
// ее изменении. Блокируется до отмены ctx.
func (p *Proxy) WatchManifest(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	// следим за каталогом: редакторы и деплой заменяют файл целиком
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch manifest directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			m, err := LoadManifest(path)
			if err != nil {
				p.logger.Warn("Manifest reload failed", "path", path, "error", err)
				continue
			}
			if err := p.ApplyManifest(ctx, m); err != nil {
				p.logger.Error("Failed to install manifest version", "version", m.Version, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("Manifest watcher error", "error", err)
		}
	}
}
