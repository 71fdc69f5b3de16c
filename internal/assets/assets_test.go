package assets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// Both non-cloud backends must satisfy the store contract.
var (
	_ bookmarks.AssetStore = (*LocalStore)(nil)
	_ bookmarks.AssetStore = (*MemoryStore)(nil)
	_ bookmarks.AssetStore = (*GCSStore)(nil)
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "user-1", "asset-1", "image/png", []byte("png-bytes")))

	data, contentType, err := s.Get(ctx, "user-1", "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "image/png", contentType)

	require.NoError(t, s.Delete(ctx, "user-1", "asset-1"))
	_, _, err = s.Get(ctx, "user-1", "asset-1")
	require.Error(t, err)

	require.NoError(t, s.Delete(ctx, "user-1", "asset-1"), "deleting a missing asset is not an error")
}

func TestMemoryStoreIsolatesUsers(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "user-1", "asset-1", "text/plain", []byte("mine")))
	_, _, err := s.Get(ctx, "user-2", "asset-1")
	require.Error(t, err)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := NewLocal(LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "user-1", "asset-1", "application/pdf", []byte("pdf-bytes")))

	data, contentType, err := s.Get(ctx, "user-1", "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(data))
	assert.Equal(t, "application/pdf", contentType)

	require.NoError(t, s.Delete(ctx, "user-1", "asset-1"))
	_, _, err = s.Get(ctx, "user-1", "asset-1")
	require.Error(t, err)
}

func TestLocalStoreCreatesBaseDir(t *testing.T) {
	t.Parallel()
	base := filepath.Join(t.TempDir(), "nested", "assets")
	_, err := NewLocal(LocalConfig{BaseDir: base})
	require.NoError(t, err)
	assert.DirExists(t, base)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	t.Parallel()
	s, err := NewLocal(LocalConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = s.Put(context.Background(), "..", "..", "text/plain", []byte("escape"))
	require.Error(t, err)
}

func TestLocalStoreRequiresBaseDir(t *testing.T) {
	t.Parallel()
	_, err := NewLocal(LocalConfig{})
	require.Error(t, err)
}
