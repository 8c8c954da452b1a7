package match

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateCodes(t *testing.T) {
	tests := []struct {
		stem string
		want []string
	}{
		{
			stem: "ABC_123",
			want: []string{"ABC", "ABC123", "ABC_123"},
		},
		{
			stem: "7111043002LE",
			want: []string{"7111043002", "7111043002LE"},
		},
		{
			stem: "abc-1 v2",
			want: []string{"ABC", "ABC-1", "ABC-1 V2", "ABC1V2"},
		},
		{
			stem: "PLAIN",
			want: []string{"PLAIN"},
		},
		{
			stem: "  spaced  ",
			want: []string{"SPACED"},
		},
		{
			stem: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.stem, func(t *testing.T) {
			assert.Equal(t, tt.want, CandidateCodes(tt.stem))
		})
	}
}

func TestCandidateCodesDeterministic(t *testing.T) {
	first := CandidateCodes("ABC_123-X 9")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, CandidateCodes("ABC_123-X 9"))
	}
}

// fakeCatalog maps codes to product ids and records image links.
type fakeCatalog struct {
	codes   map[string]int64
	links   map[string]int64
	lookups []string
}

func newFakeCatalog(codes map[string]int64) *fakeCatalog {
	return &fakeCatalog{codes: codes, links: map[string]int64{}}
}

func (f *fakeCatalog) CodeToProduct(_ context.Context, code string) (int64, error) {
	f.lookups = append(f.lookups, code)
	if id, ok := f.codes[code]; ok {
		return id, nil
	}
	return 0, ErrNotFound
}

func (f *fakeCatalog) LinkImage(_ context.Context, productID int64, filename string) (bool, error) {
	if _, ok := f.links[filename]; ok {
		return false, nil
	}
	f.links[filename] = productID
	return true, nil
}

func TestIndexFiles(t *testing.T) {
	cat := newFakeCatalog(map[string]int64{"ABC123": 1, "XYZ": 2})
	m := NewMatcher(cat)

	res, err := m.IndexFiles(context.Background(), []string{
		"abc123_front.jpg",
		`sub\xyz-2.png`,
		"unknown.jpg",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Inserted)

	// Backslashes normalized, full relative path stored.
	assert.EqualValues(t, 2, cat.links["sub/xyz-2.png"])
	assert.EqualValues(t, 1, cat.links["abc123_front.jpg"])
}

func TestIndexFilesDuplicateLinkNotCounted(t *testing.T) {
	cat := newFakeCatalog(map[string]int64{"ABC": 1})
	m := NewMatcher(cat)

	res, err := m.IndexFiles(context.Background(), []string{"abc.jpg", "abc.jpg"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 1, res.Inserted)
}

func TestIndexTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	for _, name := range []string{"abc123_a.jpg", "sub/abc123_b.png", "notes.txt", "nomatch.webp"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), []byte("x"), 0o644))
	}

	cat := newFakeCatalog(map[string]int64{"ABC123": 7})
	m := NewMatcher(cat)

	res, err := m.IndexTree(context.Background(), dir)
	require.NoError(t, err)

	// notes.txt is not an image and is never scanned.
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Inserted)
	assert.EqualValues(t, 7, cat.links["sub/abc123_b.png"])
}

func TestIndexTreeMatchesIndexFiles(t *testing.T) {
	// Walking a tree and indexing the same names as a list must agree.
	dir := t.TempDir()
	names := []string{"abc123_front.jpg", "7111043002le.png"}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	codes := map[string]int64{"ABC123": 1, "7111043002": 2}

	walked := newFakeCatalog(codes)
	resTree, err := NewMatcher(walked).IndexTree(context.Background(), dir)
	require.NoError(t, err)

	listed := newFakeCatalog(codes)
	resFiles, err := NewMatcher(listed).IndexFiles(context.Background(), names)
	require.NoError(t, err)

	assert.Equal(t, resFiles.Matched, resTree.Matched)
	assert.Equal(t, listed.links, walked.links)
}
