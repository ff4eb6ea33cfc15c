package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]CacheStorage {
	sqlite, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]CacheStorage{
		"memory": NewMemStorage(),
		"sqlite": sqlite,
	}
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, storage := range providers(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open(ctx, "dynamic-v1")
			require.NoError(t, err)

			require.NoError(t, store.Put(ctx, CacheEntry{Key: "/api/budgets", Bytes: []byte("first")}))
			require.NoError(t, store.Put(ctx, CacheEntry{Key: "/api/budgets", Bytes: []byte("second")}))

			entry, ok, err := store.Get(ctx, "/api/budgets")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "second", string(entry.Bytes))
			assert.False(t, entry.StoredAt.IsZero())

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"/api/budgets"}, keys)
		})
	}
}

func TestGetMiss(t *testing.T) {
	ctx := context.Background()
	for name, storage := range providers(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open(ctx, "static-v1")
			require.NoError(t, err)
			_, ok, err := store.Get(ctx, "/missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMatchSearchesStoresInCreationOrder(t *testing.T) {
	ctx := context.Background()
	for name, storage := range providers(t) {
		t.Run(name, func(t *testing.T) {
			static, err := storage.Open(ctx, "static-v1")
			require.NoError(t, err)
			dynamic, err := storage.Open(ctx, "dynamic-v1")
			require.NoError(t, err)

			require.NoError(t, dynamic.Put(ctx, CacheEntry{Key: "/app.js", Bytes: []byte("dynamic")}))
			entry, ok, err := storage.Match(ctx, "/app.js")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "dynamic", string(entry.Bytes))

			require.NoError(t, static.Put(ctx, CacheEntry{Key: "/app.js", Bytes: []byte("static")}))
			entry, ok, err = storage.Match(ctx, "/app.js")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "static", string(entry.Bytes))

			_, ok, err = storage.Match(ctx, "/nowhere.js")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDeleteRemovesWholeStore(t *testing.T) {
	ctx := context.Background()
	for name, storage := range providers(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"static-v1", "dynamic-v1", "static-v0"} {
				store, err := storage.Open(ctx, n)
				require.NoError(t, err)
				require.NoError(t, store.Put(ctx, CacheEntry{Key: "/", Bytes: []byte(n)}))
			}

			deleted, err := storage.Delete(ctx, "static-v0")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = storage.Delete(ctx, "static-v0")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err := storage.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v1", "dynamic-v1"}, names)

			// reopening yields an empty store
			reopened, err := storage.Open(ctx, "static-v0")
			require.NoError(t, err)
			_, ok, err := reopened.Get(ctx, "/")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutAfterDeleteFails(t *testing.T) {
	ctx := context.Background()
	for name, storage := range providers(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open(ctx, "dynamic-v0")
			require.NoError(t, err)
			_, err = storage.Delete(ctx, "dynamic-v0")
			require.NoError(t, err)
			err = store.Put(ctx, CacheEntry{Key: "/late", Bytes: []byte("late")})
			assert.ErrorIs(t, err, ErrStoreNotFound)
		})
	}
}

func TestSQLiteStoragePersists(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "persist.db")

	first, err := NewSQLiteStorage(filename)
	require.NoError(t, err)
	store, err := first.Open(ctx, "static-v1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, CacheEntry{Key: "/", Bytes: []byte("index")}))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStorage(filename)
	require.NoError(t, err)
	defer second.Close()
	entry, ok, err := second.Match(ctx, "/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "index", string(entry.Bytes))
}
