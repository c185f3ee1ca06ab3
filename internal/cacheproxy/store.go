package cacheproxy

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

// ErrMiss возвращается, когда в партиции нет записи для ключа
var ErrMiss = errors.New("cache miss")

// Entry сохраненный ответ origin
type Entry struct {
	StoredAt time.Time   `json:"stored_at"`
	Header   http.Header `json:"header"`
	URL      string      `json:"url"`
	ETag     string      `json:"etag"`
	Body     []byte      `json:"body"`
	Status   int         `json:"status"`
}

// NewEntry builds an entry and computes its BLAKE2b-256 ETag.
func NewEntry(url string, status int, header http.Header, body []byte, now time.Time) *Entry {
	sum := blake2b.Sum256(body)
	return &Entry{
		URL:      url,
		Status:   status,
		Header:   cacheableHeader(header),
		Body:     body,
		StoredAt: now,
		ETag:     `"` + hex.EncodeToString(sum[:]) + `"`,
	}
}

// hop-by-hop и пересчитываемые заголовки не сохраняем
var droppedHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Content-Length",
	"Set-Cookie",
	"Date",
}

func cacheableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range droppedHeaders {
		out.Del(name)
	}
	return out
}

// PartitionName формирует имя партиции вида <prefix>-<kind>-<version>
func PartitionName(prefix string, kind Kind, version string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, kind, version)
}

// Store persistent cache partitions, one bbolt bucket per partition.
type Store struct {
	db *bolt.DB
}

// OpenStore открывает (или создает) файл кеша
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close закрывает файл кеша
func (s *Store) Close() error {
	return s.db.Close()
}

// Get читает запись из партиции
func (s *Store) Get(partition, key string) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return ErrMiss
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrMiss
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put сохраняет запись, создавая партицию при необходимости
func (s *Store) Put(partition, key string, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return fmt.Errorf("failed to create partition %s: %w", partition, err)
		}
		return b.Put([]byte(key), raw)
	})
}

// Partitions возвращает отсортированные имена всех партиций
func (s *Store) Partitions() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Keys возвращает ключи партиции; пустой список если партиции нет
func (s *Store) Keys(partition string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// PurgeExcept удаляет партиции вида <prefix>-<kind>-<version> с версией,
// не входящей в keep. Возвращает имена удаленных партиций.
func (s *Store) PurgeExcept(prefix string, keep ...string) ([]string, error) {
	var purged []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		var names []string
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			n := string(name)
			if version, ok := partitionVersion(prefix, n); ok && !slices.Contains(keep, version) {
				names = append(names, n)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, n := range names {
			if err := tx.DeleteBucket([]byte(n)); err != nil {
				return fmt.Errorf("failed to delete partition %s: %w", n, err)
			}
		}
		purged = names
		return nil
	})
	return purged, err
}

// partitionVersion разбирает имя партиции, созданное PartitionName.
// Имена чужих префиксов и неизвестных видов не распознаются.
func partitionVersion(prefix, name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return "", false
	}
	for _, kind := range Kinds {
		if version, ok := strings.CutPrefix(rest, string(kind)+"-"); ok && version != "" {
			return version, true
		}
	}
	return "", false
}

// Clear удаляет все партиции
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, n := range names {
			if err := tx.DeleteBucket(n); err != nil {
				return fmt.Errorf("failed to delete partition %s: %w", n, err)
			}
		}
		return nil
	})
}
