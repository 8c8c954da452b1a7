// Package imagecrypt implements the encrypted image container used by
// catalog publishers. Containers are self-describing: a magic header, a
// version byte, then the KDF salt, the AES-GCM nonce and the ciphertext.
// Keys are derived from a shared password with PBKDF2-HMAC-SHA256.
package imagecrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	version  = 1
	saltLen  = 16
	nonceLen = 12
	kdfIters = 200_000
	keyLen   = 32
)

var magic = []byte("CIMG")

var (
	// ErrNotEncrypted is returned by Decrypt when the data is not a
	// container at all.
	ErrNotEncrypted = errors.New("data is not an encrypted container")

	// ErrUnknownFormat is returned for a container with an unsupported
	// version or a truncated header.
	ErrUnknownFormat = errors.New("unknown container format")

	// ErrDecrypt is returned when authentication fails, usually a wrong
	// key.
	ErrDecrypt = errors.New("decryption failed")
)

// IsEncrypted reports whether data starts with the container magic.
func IsEncrypted(data []byte) bool {
	return len(data) > len(magic)+1 && bytes.Equal(data[:len(magic)], magic)
}

// Decrypt unwraps a container with the given password.
func Decrypt(data []byte, password string) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, ErrNotEncrypted
	}
	if len(data) < len(magic)+1+saltLen+nonceLen {
		return nil, fmt.Errorf("%w: truncated header", ErrUnknownFormat)
	}
	if data[len(magic)] != version {
		return nil, fmt.Errorf("%w: version %d", ErrUnknownFormat, data[len(magic)])
	}

	offset := len(magic) + 1
	salt := data[offset : offset+saltLen]
	offset += saltLen
	nonce := data[offset : offset+nonceLen]
	offset += nonceLen
	ciphertext := data[offset:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// Encrypt wraps plaintext in a container with a fresh salt and nonce. Used
// by the publishing side and by tests.
func Encrypt(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+1+saltLen+nonceLen+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, version)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, kdfIters, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return gcm, nil
}
