package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewLocal(LocalConfig{BaseDir: dir})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "src-1/abc.html", "text/html", []byte("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "src-1", "abc.html"), uri)

	data, err := os.ReadFile(filepath.Join(dir, "src-1", "abc.html"))
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(data))
}

func TestLocalCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "snapshots")
	_, err := NewLocal(LocalConfig{BaseDir: dir})
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestLocalRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	store, err := NewLocal(LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.html", "", []byte("x"))
	require.Error(t, err)
}

func TestLocalRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	store, err := NewLocal(LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "  ", "", []byte("x"))
	require.Error(t, err)
}

func TestNoopDiscards(t *testing.T) {
	t.Parallel()

	uri, err := Noop{}.PutObject(context.Background(), "any/path", "", []byte("x"))
	require.NoError(t, err)
	require.Empty(t, uri)
}
