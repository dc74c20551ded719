package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_PutGetDelete(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := "deadletter/2024/01/02/abc.json"
	require.NoError(t, storage.Put(ctx, key, []byte(`{"id":"abc"}`)))

	data, err := storage.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc"}`, string(data))

	// overwrite replaces the content
	require.NoError(t, storage.Put(ctx, key, []byte(`{}`)))
	data, err = storage.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	require.NoError(t, storage.Delete(ctx, key))
	_, err = storage.Get(ctx, key)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// deleting again is not an error
	assert.NoError(t, storage.Delete(ctx, key))
}

func TestLocalStorage_GetMissing(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	_, err = storage.Get(context.Background(), "missing.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStorage_List(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"a/2.json", "a/1.json", "a/b/3.json", "c/4.json"} {
		require.NoError(t, storage.Put(ctx, key, []byte("x")))
	}

	keys, err := storage.List(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1.json", "a/2.json", "a/b/3.json"}, keys)

	keys, err = storage.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalStorage_CanceledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, storage.Put(ctx, "a.json", nil), context.Canceled)
}
