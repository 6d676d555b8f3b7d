package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "pending/missing")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("put get overwrite", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "pending/a", []byte("one")))
		got, err := store.Get(ctx, "pending/a")
		require.NoError(t, err)
		assert.Equal(t, "one", string(got))

		require.NoError(t, store.Put(ctx, "pending/a", []byte("two")))
		got, err = store.Get(ctx, "pending/a")
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("list by namespace in key order", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "pending/c", []byte("c")))
		require.NoError(t, store.Put(ctx, "pending/b", []byte("b")))
		require.NoError(t, store.Put(ctx, "failed/x", []byte("x")))

		keys, err := store.List(ctx, "pending/")
		require.NoError(t, err)
		assert.Equal(t, []string{"pending/a", "pending/b", "pending/c"}, keys)

		keys, err = store.List(ctx, "failed/")
		require.NoError(t, err)
		assert.Equal(t, []string{"failed/x"}, keys)

		keys, err = store.List(ctx, "corrupt/")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "pending/b"))
		require.NoError(t, store.Delete(ctx, "pending/b"))
		_, err := store.Get(ctx, "pending/b")
		assert.True(t, IsNotFound(err))
	})

	t.Run("rejects invalid keys", func(t *testing.T) {
		assert.Error(t, store.Put(ctx, "../escape", []byte("x")))
		assert.Error(t, store.Put(ctx, "nonamespace", []byte("x")))
		assert.Error(t, store.Put(ctx, "pending/../x", []byte("x")))
	})
}
