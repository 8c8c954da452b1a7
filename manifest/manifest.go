// Package manifest defines the remote catalog manifest document and the
// fetcher that retrieves it. The manifest is the single source of truth for
// the local mirror: it names the authoritative database snapshot and the
// full set of image files that should exist locally.
package manifest

import (
	"strings"

	catalogsync "github.com/wolfeidau/catalog-sync"
)

// Manifest is the remote catalog manifest document.
type Manifest struct {
	DB     DBSnapshot `json:"db"`
	Images *ImageSet  `json:"images"`
}

// DBSnapshot describes the authoritative database snapshot.
type DBSnapshot struct {
	// Version strictly orders snapshots; a manifest is only newer than the
	// local mirror when Version exceeds the locally stored version.
	Version int64  `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256,omitempty"`
}

// ImageSet declares the image files that should exist in the local mirror.
type ImageSet struct {
	BaseURL string      `json:"base_url"`
	Files   []FileEntry `json:"files"`
}

// FileEntry is a single manifest image entry. File is either a path
// relative to BaseURL or an absolute http(s) URL.
type FileEntry struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256,omitempty"`
}

// Fingerprint is the SHA-256 of the raw manifest document bytes, used for
// change detection only — not for integrity of sub-resources.
type Fingerprint = catalogsync.Hash

// URL returns the download URL for the entry: an absolute http(s) File
// wins, otherwise File is joined onto base.
func (e FileEntry) URL(base string) string {
	if strings.HasPrefix(e.File, "http://") || strings.HasPrefix(e.File, "https://") {
		return e.File
	}
	return base + e.File
}

// HasImages reports whether the manifest declares any image files.
func (m *Manifest) HasImages() bool {
	return m.Images != nil && len(m.Images.Files) > 0
}

// FileSet returns the set of normalized image paths declared by the
// manifest. Reconciliation and download planning both key off this set so
// path comparison rules stay in one place.
func (m *Manifest) FileSet() map[string]struct{} {
	set := make(map[string]struct{})
	if m.Images == nil {
		return set
	}
	for _, f := range m.Images.Files {
		set[NormalizePath(f.File)] = struct{}{}
	}
	return set
}

// CleanPath canonicalizes a manifest path into a mirror storage key:
// backslashes become forward slashes and leading "./" and "/" are
// stripped. Case is preserved, so files land on disk exactly as the
// manifest declares them.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}

// NormalizePath is CleanPath plus case folding, for set membership only:
// path comparisons are platform- and case-insensitive while storage keys
// keep the declared case.
func NormalizePath(p string) string {
	return strings.ToLower(CleanPath(p))
}
