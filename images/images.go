// Package images reads files from the local mirror for display: it
// resolves mirror keys under the image root, falls back to the encrypted
// container when a plain file is missing, decrypts transparently and
// sniffs the media type.
package images

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/catalog-sync/imagecrypt"
)

const encryptedExt = ".cimg"

var (
	// ErrNotFound is returned when neither the plain file nor its
	// encrypted container exists.
	ErrNotFound = errors.New("image not found")

	// ErrKeyRequired is returned for an encrypted image when the keychain
	// holds no key.
	ErrKeyRequired = errors.New("image is encrypted and no key is configured")

	// ErrInvalidPath is returned for a key that is empty, absolute, or
	// would resolve outside the image root.
	ErrInvalidPath = errors.New("invalid image path")
)

// Image is a decoded image ready to serve.
type Image struct {
	Data []byte
	MIME string
	Path string
}

// DataURL renders the image as a base64 data URL.
func (i *Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", i.MIME, base64.StdEncoding.EncodeToString(i.Data))
}

// Read loads an image stored under root by its mirror key. Keys are
// relative paths only; anything that would escape the root is rejected.
// When the plain file is missing, "<name>.cimg" is tried in its place,
// and encrypted content is decrypted with the keychain's key.
func Read(root, key string, kc *imagecrypt.Keychain) (*Image, error) {
	path, err := keyToPath(root, key)
	if err != nil {
		return nil, err
	}

	data, readPath, err := readWithFallback(path)
	if err != nil {
		return nil, err
	}

	if imagecrypt.IsEncrypted(data) {
		key, ok := kc.Key()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyRequired, readPath)
		}
		data, err = imagecrypt.Decrypt(data, key)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", readPath, err)
		}
	}

	return &Image{
		Data: data,
		MIME: DetectMIME(readPath, data),
		Path: readPath,
	}, nil
}

// keyToPath maps a mirror key to a path under root, rejecting anything
// that would escape it. Keys arrive straight from HTTP requests, so
// traversal segments that survive URL decoding must be caught here.
func keyToPath(root, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidPath)
	}

	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, key)
	}

	return filepath.Join(root, clean), nil
}

func readWithFallback(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, path, nil
	}
	if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}

	if !strings.EqualFold(filepath.Ext(path), encryptedExt) {
		alt := path + encryptedExt
		if data, altErr := os.ReadFile(alt); altErr == nil {
			return data, alt, nil
		}
	}

	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, path)
}

// DetectMIME sniffs the media type from magic bytes, falling back to the
// file extension. The extension check strips the encrypted container
// suffix first so "photo.png.cimg" resolves as png.
func DetectMIME(path string, data []byte) string {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	case len(data) >= 2 && data[0] == 'B' && data[1] == 'M':
		return "image/bmp"
	}

	name := strings.TrimSuffix(strings.ToLower(path), encryptedExt)
	switch strings.TrimPrefix(filepath.Ext(name), ".") {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}
