// Package cacheproxy implements the caching reverse proxy that sits between
// the application and its origin for GET traffic and static assets.
package cacheproxy

import (
	"net/http"
	"path"
	"strings"
)

// Kind класс запроса, определяющий стратегию кеширования и партицию
type Kind string

const (
	KindPassThrough Kind = ""        // KindPassThrough не кешируется
	KindAsset       Kind = "assets"  // KindAsset content-addressed ресурс, cache-first
	KindStatic      Kind = "static"  // KindStatic прочая статика, stale-while-revalidate
	KindAPI         Kind = "api"     // KindAPI читающие API, network-first
	KindNavigation  Kind = "dynamic" // KindNavigation HTML навигация, network-first
)

// Kinds перечисляет все кешируемые классы.
var Kinds = []Kind{KindAsset, KindStatic, KindAPI, KindNavigation}

const minHashLen = 8

var staticExtensions = map[string]bool{
	".js":          true,
	".mjs":         true,
	".css":         true,
	".png":         true,
	".jpg":         true,
	".jpeg":        true,
	".gif":         true,
	".svg":         true,
	".ico":         true,
	".webp":        true,
	".avif":        true,
	".woff":        true,
	".woff2":       true,
	".ttf":         true,
	".map":         true,
	".webmanifest": true,
}

// Classifier выбирает класс запроса по методу, пути и заголовкам
type Classifier struct {
	apiPrefixes []string
}

// NewClassifier создает классификатор с белым списком API префиксов
func NewClassifier(apiPrefixes []string) *Classifier {
	return &Classifier{apiPrefixes: apiPrefixes}
}

// Classify определяет класс запроса.
// Порядок проверок: метод, API префиксы, хешированные ресурсы, статика, навигация.
func (c *Classifier) Classify(r *http.Request) Kind {
	if r.Method != http.MethodGet {
		return KindPassThrough
	}

	p := r.URL.Path
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return KindAPI
		}
	}

	if IsContentAddressed(p) {
		return KindAsset
	}
	if staticExtensions[strings.ToLower(path.Ext(p))] {
		return KindStatic
	}
	if isNavigation(r) {
		return KindNavigation
	}

	return KindPassThrough
}

// IsContentAddressed сообщает, что путь указывает на ресурс с хешем в имени
// (или лежит под /assets/), который никогда не меняется по этому адресу.
func IsContentAddressed(p string) bool {
	if strings.HasPrefix(p, "/assets/") {
		return true
	}

	base := path.Base(p)
	ext := path.Ext(base)
	if ext == "" {
		return false
	}
	name := strings.TrimSuffix(base, ext)

	segments := strings.FieldsFunc(name, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})
	for _, seg := range segments {
		if len(seg) >= minHashLen && isHex(seg) {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
