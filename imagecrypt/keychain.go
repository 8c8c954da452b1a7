package imagecrypt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeyEnvVar is the environment variable holding the decryption key.
	KeyEnvVar = "CATALOG_DECRYPT_KEY"

	// KeyFileName is the key file looked for in the search directories.
	KeyFileName = "decrypt.key"
)

// KeyConfig states exactly where a decryption key may come from. The
// resolution order is fixed: environment variable first, then the key file
// in each search directory in order.
type KeyConfig struct {
	EnvVar      string
	KeyFileName string
	SearchDirs  []string
}

// DefaultKeyConfig returns the standard key sources for a data directory.
func DefaultKeyConfig(dataDir string) KeyConfig {
	return KeyConfig{
		EnvVar:      KeyEnvVar,
		KeyFileName: KeyFileName,
		SearchDirs:  []string{dataDir},
	}
}

// Keychain holds the resolved decryption key, if any. Resolve it once at
// startup; it never re-reads its sources.
type Keychain struct {
	key string
}

// LoadKeychain resolves the key from the configured sources. A missing key
// is not an error: plain images need none, and the caller finds out on the
// first encrypted read.
func LoadKeychain(cfg KeyConfig) (*Keychain, error) {
	if cfg.EnvVar != "" {
		if v := strings.TrimSpace(os.Getenv(cfg.EnvVar)); v != "" {
			return &Keychain{key: v}, nil
		}
	}

	for _, dir := range cfg.SearchDirs {
		if cfg.KeyFileName == "" {
			break
		}
		path := filepath.Join(dir, cfg.KeyFileName)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			return &Keychain{key: v}, nil
		}
	}

	return &Keychain{}, nil
}

// StaticKeychain returns a keychain with a fixed key. Used by tests and by
// callers that manage key material themselves.
func StaticKeychain(key string) *Keychain {
	return &Keychain{key: key}
}

// Key returns the resolved key and whether one was found.
func (k *Keychain) Key() (string, bool) {
	if k == nil || k.key == "" {
		return "", false
	}
	return k.key, true
}
