package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Параметры Argon2id
const (
	// Argon2Time - количество итераций (time cost)
	Argon2Time = 1
	// Argon2Memory - объем памяти в KB (64MB = 64*1024 KB)
	Argon2Memory = 64 * 1024
	// Argon2Threads - количество параллельных потоков
	Argon2Threads = 4
	// KeySize - длина ключа AES-256 в байтах
	KeySize = 32
	// SaltSize - размер соли в байтах
	SaltSize = 32
)

// ErrEmptyPassphrase возвращается при попытке вывести ключ из пустой строки
var ErrEmptyPassphrase = errors.New("passphrase cannot be empty")

// keyContext отделяет ключи архивов от любых других ключей из той же фразы
const keyContext = "posync-backup"

// GenerateSalt генерирует криптографически случайную соль
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey выводит ключ шифрования архива из парольной фразы через Argon2id
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	input := append([]byte(passphrase), keyContext...)
	return argon2.IDKey(input, salt, Argon2Time, Argon2Memory, Argon2Threads, KeySize), nil
}
