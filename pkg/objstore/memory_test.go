package objstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Put(ctx, "archive/tenant=t1/seg1", []byte("hello"), "application/octet-stream")
	require.NoError(t, err)

	data, err := store.Get(ctx, "archive/tenant=t1/seg1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "key", []byte("v1"), ""))
	require.NoError(t, store.Put(ctx, "key", []byte("v2"), ""))

	data, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreListPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "snapshots/tenant=a/ts=2.sqlite.gz", []byte("b"), ""))
	require.NoError(t, store.Put(ctx, "snapshots/tenant=a/ts=1.sqlite.gz", []byte("a"), ""))
	require.NoError(t, store.Put(ctx, "snapshots/tenant=b/ts=1.sqlite.gz", []byte("c"), ""))
	require.NoError(t, store.Put(ctx, "archive/tenant=a/seg", []byte("d"), ""))

	infos, err := store.List(ctx, "snapshots/tenant=a/")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	// Sorted by key.
	assert.Equal(t, "snapshots/tenant=a/ts=1.sqlite.gz", infos[0].Key)
	assert.Equal(t, "snapshots/tenant=a/ts=2.sqlite.gz", infos[1].Key)
	assert.Equal(t, int64(1), infos[0].Size)
	assert.NotZero(t, infos[0].LastModifiedMS)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "key", []byte("v"), ""))
	require.NoError(t, store.Delete(ctx, "key"))

	ok, err := store.Exists(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	require.NoError(t, store.Delete(ctx, "key"))
}

func TestMemoryStoreExists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := store.Exists(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "key", []byte("v"), ""))

	ok, err = store.Exists(ctx, "key")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "key", []byte("abc"), ""))

	data, err := store.Get(ctx, "key")
	require.NoError(t, err)
	data[0] = 'x'

	again, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
