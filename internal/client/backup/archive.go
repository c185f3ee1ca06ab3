// Package backup exports the local store into a gzipped JSON archive,
// imports it back and restores archived records to the remote service.
package backup

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/crypto"
	"github.com/iudanet/posync/internal/models"
)

// FormatVersion версия формата архива
const FormatVersion = 1

var (
	// ErrUnsupportedFormat возвращается для архива неизвестной версии
	ErrUnsupportedFormat = errors.New("unsupported backup format")
	// ErrPassphraseRequired архив зашифрован, а фраза не передана
	ErrPassphraseRequired = errors.New("archive is encrypted, a passphrase is required")
)

// sealedMagic заголовок зашифрованного архива, он же AAD для AES-GCM.
// После него идут соль Argon2id и зашифрованный gzip JSON.
var sealedMagic = []byte("POSYNC-SEALED-1\n")

// Store локальное хранилище, из которого снимается и в которое загружается архив
type Store interface {
	Schema() models.Schema
	GetAll(ctx context.Context, table models.Table) ([]models.Record, error)
	BulkPut(ctx context.Context, table models.Table, recs []models.Record) error
}

// Archive содержимое резервной копии
type Archive struct {
	CreatedAt time.Time                          `json:"created_at"`
	Tables    map[models.Table][]json.RawMessage `json:"tables"`
	OwnerID   string                             `json:"owner_id"`
	DeviceID  string                             `json:"device_id,omitempty"`
	Version   int                                `json:"version"`
}

// Count возвращает общее число записей в архиве
func (a *Archive) Count() int {
	n := 0
	for _, recs := range a.Tables {
		n += len(recs)
	}
	return n
}

// Export snapshots every table of the store into an archive
func Export(ctx context.Context, store Store, sess *session.Session, now time.Time) (*Archive, error) {
	if err := sess.Validate(now); err != nil {
		return nil, err
	}

	a := &Archive{
		Version:   FormatVersion,
		CreatedAt: now.UTC(),
		OwnerID:   sess.OwnerID,
		DeviceID:  sess.DeviceID,
		Tables:    make(map[models.Table][]json.RawMessage),
	}

	for _, d := range store.Schema().ByPriority() {
		recs, err := store.GetAll(ctx, d.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", d.Name, err)
		}
		raw := make([]json.RawMessage, 0, len(recs))
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s/%s: %w", d.Name, rec.Key(), err)
			}
			raw = append(raw, data)
		}
		a.Tables[d.Name] = raw
	}
	return a, nil
}

// Write пишет архив в w как gzip JSON
func Write(w io.Writer, a *Archive) error {
	gz := gzip.NewWriter(w)
	gz.Name = "posync-backup.json"
	gz.ModTime = a.CreatedAt

	if err := json.NewEncoder(gz).Encode(a); err != nil {
		_ = gz.Close()
		return fmt.Errorf("failed to encode archive: %w", err)
	}
	return gz.Close()
}

// Read читает gzip JSON архив
func Read(r io.Reader) (*Archive, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	var a Archive
	if err := json.NewDecoder(gz).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	if a.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedFormat, a.Version)
	}
	return &a, nil
}

// WriteSealed пишет архив, зашифрованный ключом из passphrase
func WriteSealed(w io.Writer, a *Archive, passphrase string) error {
	var buf bytes.Buffer
	if err := Write(&buf, a); err != nil {
		return err
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(buf.Bytes(), key, sealedMagic)
	if err != nil {
		return fmt.Errorf("failed to encrypt archive: %w", err)
	}

	for _, part := range [][]byte{sealedMagic, salt, sealed} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}

// Open читает архив, открытый или зашифрованный. Для зашифрованного без
// passphrase возвращает ErrPassphraseRequired.
func Open(r io.Reader, passphrase string) (*Archive, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(sealedMagic))
	if err != nil || !bytes.Equal(head, sealedMagic) {
		return Read(br)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	data, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	data = data[len(sealedMagic):]
	if len(data) < crypto.SaltSize {
		return nil, fmt.Errorf("%w: truncated header", ErrUnsupportedFormat)
	}

	key, err := crypto.DeriveKey(passphrase, data[:crypto.SaltSize])
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(data[crypto.SaltSize:], key, sealedMagic)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt archive: %w", err)
	}
	return Read(bytes.NewReader(plain))
}

// WriteFile атомарно записывает архив в файл.
// С непустой passphrase архив шифруется.
func WriteFile(path string, a *Archive, passphrase string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".posync-backup-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if passphrase != "" {
		err = WriteSealed(tmp, a, passphrase)
	} else {
		err = Write(tmp, a)
	}
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadFile читает архив из файла
func ReadFile(path, passphrase string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Open(f, passphrase)
}

// FileName имя файла архива для момента at
func FileName(at time.Time) string {
	return "posync-" + at.UTC().Format("20060102T150405Z") + ".json.gz"
}

// Import загружает архив в локальное хранилище.
// Каждая таблица пишется одной транзакцией; записи других владельцев отклоняются.
func Import(ctx context.Context, store Store, sess *session.Session, a *Archive) (int, error) {
	if a.OwnerID != sess.OwnerID {
		return 0, fmt.Errorf("archive belongs to %q, session owner is %q", a.OwnerID, sess.OwnerID)
	}

	total := 0
	for _, d := range store.Schema().ByPriority() {
		raw := a.Tables[d.Name]
		if len(raw) == 0 {
			continue
		}
		recs := make([]models.Record, 0, len(raw))
		for _, data := range raw {
			rec, err := models.DecodeRecord(d.Name, data)
			if err != nil {
				return total, fmt.Errorf("failed to decode %s record: %w", d.Name, err)
			}
			recs = append(recs, rec)
		}
		if err := store.BulkPut(ctx, d.Name, recs); err != nil {
			return total, fmt.Errorf("failed to import %s: %w", d.Name, err)
		}
		total += len(recs)
	}
	return total, nil
}
