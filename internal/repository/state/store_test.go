package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	dir := t.TempDir()

	sqlite, err := OpenSQLiteRepository(context.Background(), filepath.Join(dir, "db", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sqlite.Close())
	})

	return map[string]Store{
		"file":   NewFileRepository(filepath.Join(dir, "file", "state.json")),
		"sqlite": sqlite,
	}
}

// TestStore_NotFound verifies Get returns ErrNotFound for a key never written.
func TestStore_NotFound(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			value, err := store.Get(context.Background(), KeyInstalledVersion)
			require.ErrorIs(t, err, ErrNotFound)
			require.Empty(t, value)
		})
	}
}

// TestStore_SetGet ensures Set followed by Get returns the latest value per key.
func TestStore_SetGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, KeyInstalledVersion, "1.0.0"))
			require.NoError(t, store.Set(ctx, "channel", "stable"))
			require.NoError(t, store.Set(ctx, KeyInstalledVersion, "1.0.1"))

			value, err := store.Get(ctx, KeyInstalledVersion)
			require.NoError(t, err)
			require.Equal(t, "1.0.1", value)

			value, err = store.Get(ctx, "channel")
			require.NoError(t, err)
			require.Equal(t, "stable", value)
		})
	}
}

// TestFileRepository_Reopen verifies values survive a new repository on the same file.
func TestFileRepository_Reopen(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, NewFileRepository(file).Set(context.Background(), KeyInstalledVersion, "2.1.0"))

	value, err := NewFileRepository(file).Get(context.Background(), KeyInstalledVersion)
	require.NoError(t, err)
	require.Equal(t, "2.1.0", value)

	entries, err := os.ReadDir(filepath.Dir(file))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestFileRepository_Corrupt verifies a damaged file is reported instead of treated as empty.
func TestFileRepository_Corrupt(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(file, []byte("{not json"), 0o644))

	_, err := NewFileRepository(file).Get(context.Background(), KeyInstalledVersion)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

// TestSQLiteRepository_Reopen verifies values survive reopening the database.
func TestSQLiteRepository_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	repo, err := OpenSQLiteRepository(ctx, path)
	require.NoError(t, err)
	require.NoError(t, repo.Set(ctx, KeyInstalledVersion, "3.0.0"))
	require.NoError(t, repo.Close())

	repo, err = OpenSQLiteRepository(ctx, path)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, repo.Close())
	}()

	value, err := repo.Get(ctx, KeyInstalledVersion)
	require.NoError(t, err)
	require.Equal(t, "3.0.0", value)
}
