package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	catalogsync "github.com/wolfeidau/catalog-sync"
	"github.com/wolfeidau/catalog-sync/telemetry"
)

// FetchSnapshot downloads a database snapshot to a temp file in destDir and
// returns its path, ready for atomic install. URLs ending in ".zst" are
// decompressed on the fly. When wantSHA256 is non-empty the written bytes
// are hashed in-line and a mismatch discards the file; the declared hash
// covers the snapshot as installed, after any decompression. The caller
// removes the temp file if it is never installed.
func FetchSnapshot(ctx context.Context, client *http.Client, url, wantSHA256, destDir string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	ctx = telemetry.WithSourceContext(ctx, "snapshot")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build snapshot request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected snapshot status %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if strings.HasSuffix(strings.ToLower(strings.SplitN(url, "?", 2)[0]), ".zst") {
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return "", fmt.Errorf("failed to init zstd reader: %w", err)
		}
		defer dec.Close()
		body = dec
	}

	tmp, err := os.CreateTemp(destDir, "snapshot-*.db")
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	hw := catalogsync.NewHashingWriter(tmp)
	if _, err := io.Copy(hw, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close snapshot temp file: %w", err)
	}

	if wantSHA256 != "" && !strings.EqualFold(hw.Sum().String(), wantSHA256) {
		os.Remove(tmpName)
		return "", fmt.Errorf("snapshot hash mismatch: got %s want %s", hw.Sum(), wantSHA256)
	}

	return tmpName, nil
}
