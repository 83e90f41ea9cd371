package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

func exerciseStore(t *testing.T, store ports.CheckpointStore) {
	t.Helper()
	ctx := context.Background()

	cp, err := store.Load(ctx, "orders-archive")
	require.NoError(t, err)
	require.Nil(t, cp)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, domain.Checkpoint{PipelineID: "orders-archive", Stream: "orders", Position: 41, UpdatedAt: at}))
	require.NoError(t, store.Save(ctx, domain.Checkpoint{PipelineID: "orders-archive", Stream: "orders", Position: 42, UpdatedAt: at}))

	cp, err = store.Load(ctx, "orders-archive")
	require.NoError(t, err)
	require.Equal(t, domain.Position(42), cp.Position)
	require.Equal(t, "orders", cp.Stream)
	require.True(t, at.Equal(cp.UpdatedAt))

	other, err := store.Load(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, other)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	exerciseStore(t, store)

	// Reopening sees the saved position and no temp files are left behind.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	cp, err := reopened.Load(context.Background(), "orders-archive")
	require.NoError(t, err)
	require.Equal(t, domain.Position(42), cp.Position)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFileStoreCorruptCheckpointIsFatal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.json"), []byte("{nope"), 0o644))

	_, err = store.Load(context.Background(), "p")
	require.Error(t, err)
	require.Equal(t, domain.KindFatal, domain.Classify(err))
}
