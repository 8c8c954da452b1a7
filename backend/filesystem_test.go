package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) *ImageTree {
	t.Helper()
	tree, err := NewImageTree(t.TempDir())
	require.NoError(t, err)
	return tree
}

func TestImageTreeWriteRead(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	err := tree.Write(ctx, "products/ABC123/front.jpg", strings.NewReader("image bytes"))
	require.NoError(t, err)

	rc, err := tree.Read(ctx, "products/ABC123/front.jpg")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "image bytes", string(data))
}

func TestImageTreeWriteOverwrite(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	require.NoError(t, tree.Write(ctx, "a.jpg", strings.NewReader("old")))
	require.NoError(t, tree.Write(ctx, "a.jpg", strings.NewReader("new")))

	rc, err := tree.Read(ctx, "a.jpg")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "new", string(data))
}

func TestImageTreeReadNotFound(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	_, err := tree.Read(ctx, "missing.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImageTreeDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	require.NoError(t, tree.Write(ctx, "a.jpg", strings.NewReader("data")))
	require.NoError(t, tree.Delete(ctx, "a.jpg"))
	require.NoError(t, tree.Delete(ctx, "a.jpg"))

	exists, err := tree.Exists(ctx, "a.jpg")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestImageTreeExists(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	exists, err := tree.Exists(ctx, "a.jpg")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, tree.Write(ctx, "a.jpg", strings.NewReader("data")))

	exists, err = tree.Exists(ctx, "a.jpg")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestImageTreeSize(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	require.NoError(t, tree.Write(ctx, "a.jpg", strings.NewReader("12345")))

	size, err := tree.Size(ctx, "a.jpg")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	_, err = tree.Size(ctx, "missing.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImageTreeList(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	require.NoError(t, tree.Write(ctx, "products/a.jpg", strings.NewReader("a")))
	require.NoError(t, tree.Write(ctx, "products/sub/b.jpg", strings.NewReader("b")))
	require.NoError(t, tree.Write(ctx, "staging/c.jpg", strings.NewReader("c")))

	keys, err := tree.List(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"products/a.jpg", "products/sub/b.jpg", "staging/c.jpg"}, keys)

	keys, err = tree.List(ctx, "products/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"products/a.jpg", "products/sub/b.jpg"}, keys)
}

func TestImageTreeListSkipsTempFiles(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	require.NoError(t, tree.Write(ctx, "a.jpg", strings.NewReader("a")))

	// Simulate an in-flight write from a crashed run.
	err := os.WriteFile(filepath.Join(tree.Root(), tempPrefix+"b.jpg-123"), []byte("partial"), 0o644)
	require.NoError(t, err)

	keys, err := tree.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a.jpg"}, keys)
}

func TestImageTreeRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	err := tree.Write(ctx, "../escape.jpg", strings.NewReader("nope"))
	require.Error(t, err)

	_, err = tree.Read(ctx, "/etc/passwd")
	require.Error(t, err)

	err = tree.Write(ctx, "", strings.NewReader("nope"))
	require.Error(t, err)
}

func TestImageTreeRemoveSubtree(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	require.NoError(t, tree.Write(ctx, "staging/a.jpg", strings.NewReader("a")))
	require.NoError(t, tree.Write(ctx, "staging/deep/b.jpg", strings.NewReader("b")))
	require.NoError(t, tree.Write(ctx, "products/c.jpg", strings.NewReader("c")))

	require.NoError(t, tree.RemoveSubtree(ctx, "staging"))
	// Removing an already-missing subtree is fine.
	require.NoError(t, tree.RemoveSubtree(ctx, "staging"))

	keys, err := tree.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"products/c.jpg"}, keys)
}
