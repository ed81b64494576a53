package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adlibrary-insight/internal/storage/local"
)

// TestNew validates the base directory.
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing dir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "exports")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		require.DirExists(t, dir)
	})

	t.Run("missing base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("base dir is a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

// TestPutObject writes nested paths and rejects traversal.
func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "runs/r1.json", "application/json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "runs", "r1.json"), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(filepath.Join(dir, "runs", "r1.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(data))

	_, err = store.PutObject(ctx, "", "text/plain", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(ctx, "../escape.json", "application/json", strings.NewReader("x"))
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "runs"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}
