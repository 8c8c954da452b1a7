// Package match links image filenames to catalog products. Filenames in the
// wild carry product codes with assorted suffixes (view angles, sequence
// numbers, separators), so matching derives a set of candidate codes from
// the file stem and tries each against the catalog.
package match

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wolfeidau/catalog-sync/telemetry"
)

// ErrNotFound is returned by a Catalog lookup when no product carries the
// queried code.
var ErrNotFound = errors.New("product not found")

// Catalog is the product surface the matcher needs.
type Catalog interface {
	// CodeToProduct resolves an exact product code (case-insensitive) to a
	// product id. Returns ErrNotFound for unknown codes.
	CodeToProduct(ctx context.Context, code string) (int64, error)

	// LinkImage associates a filename with a product. Duplicate links are
	// ignored; reports whether a new link was created.
	LinkImage(ctx context.Context, productID int64, filename string) (bool, error)
}

// Result summarises one indexing run.
type Result struct {
	Scanned  int `json:"scanned"`
	Matched  int `json:"matched"`
	Inserted int `json:"inserted"`
}

// CandidateCodes derives the product codes a file stem might refer to:
// the whole stem, the prefix before the first underscore, dash or space,
// the stem with non-alphanumerics stripped, and the maximal leading digit
// run. All candidates are upper-cased, deduplicated and sorted so matching
// is deterministic regardless of how the stem was produced.
func CandidateCodes(stem string) []string {
	up := strings.ToUpper(strings.TrimSpace(stem))
	if up == "" {
		return nil
	}

	seen := map[string]struct{}{}
	add := func(c string) {
		if c != "" {
			seen[c] = struct{}{}
		}
	}

	add(up)

	for _, sep := range []string{"_", "-", " "} {
		if before, _, ok := strings.Cut(up, sep); ok {
			add(before)
		}
	}

	var alnum strings.Builder
	for _, r := range up {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			alnum.WriteRune(r)
		}
	}
	add(alnum.String())

	digits := 0
	for digits < len(up) && up[digits] >= '0' && up[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		add(up[:digits])
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// imageExtensions are the file types considered when walking a directory.
var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".bmp":  {},
}

// Matcher indexes image filenames against a Catalog.
type Matcher struct {
	catalog Catalog
}

// NewMatcher creates a Matcher over the given catalog.
func NewMatcher(catalog Catalog) *Matcher {
	return &Matcher{catalog: catalog}
}

// IndexFiles matches a list of manifest-relative filenames against the
// catalog and links the matches. Unmatched files are skipped, not errors.
func (m *Matcher) IndexFiles(ctx context.Context, names []string) (*Result, error) {
	res := &Result{}

	for _, name := range names {
		rel := strings.ReplaceAll(name, "\\", "/")
		if err := m.indexOne(ctx, rel, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// IndexTree walks a directory of images and links every file whose stem
// resolves to a product. Filenames are recorded relative to root with "/"
// separators, matching the manifest convention.
func (m *Matcher) IndexTree(ctx context.Context, root string) (*Result, error) {
	res := &Result{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		return m.indexOne(ctx, filepath.ToSlash(rel), res)
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// indexOne matches one manifest-relative filename. The first candidate, in
// sorted order, that resolves to a product wins.
func (m *Matcher) indexOne(ctx context.Context, rel string, res *Result) error {
	res.Scanned++

	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}
	stem, _, _ := strings.Cut(base, ".")

	var productID int64
	found := false
	for _, code := range CandidateCodes(stem) {
		id, err := m.catalog.CodeToProduct(ctx, code)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		productID = id
		found = true
		break
	}

	telemetry.RecordIndexMatch(ctx, found)
	if !found {
		return nil
	}

	res.Matched++
	inserted, err := m.catalog.LinkImage(ctx, productID, rel)
	if err != nil {
		return err
	}
	if inserted {
		res.Inserted++
	}

	return nil
}
