// Package crypto seals backup archives with a passphrase-derived AES-256-GCM key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// NonceSize - размер nonce для AES-GCM (12 bytes стандартный размер)
	NonceSize = 12
)

// ErrAuthFailed неверный ключ или поврежденные данные
var ErrAuthFailed = errors.New("authentication failed or corrupted data")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// Encrypt шифрует данные AES-256-GCM.
// Формат результата: nonce (12 bytes) + ciphertext + auth_tag (16 bytes).
// aad аутентифицируется, но не шифруется.
func Encrypt(plaintext, key, aad []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aesGCM.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal дописывает ciphertext и tag после nonce
	return aesGCM.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt дешифрует данные, зашифрованные с помощью Encrypt
func Decrypt(encrypted, key, aad []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(encrypted) < NonceSize+aesGCM.Overhead() {
		return nil, fmt.Errorf("encrypted data too short")
	}

	plaintext, err := aesGCM.Open(nil, encrypted[:NonceSize], encrypted[NonceSize:], aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
