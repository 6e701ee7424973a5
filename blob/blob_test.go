package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnelbroker/errs"
)

func TestAddressIsStable(t *testing.T) {
	a := Address([]byte("fragment"))
	b := Address([]byte("fragment"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) //hex of a 256-bit digest

	assert.NotEqual(t, a, Address([]byte("other fragment")))
}

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	hash, err := store.Put(ctx, []byte("fragment"))
	require.NoError(t, err)
	assert.Equal(t, Address([]byte("fragment")), hash)

	data, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("fragment"), data)
}

func TestMemoryStorePutIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	h1, err := store.Put(ctx, []byte("fragment"))
	require.NoError(t, err)
	h2, err := store.Put(ctx, []byte("fragment"))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	hash, err := store.Put(ctx, []byte("fragment"))
	require.NoError(t, err)

	data, err := store.Get(ctx, hash)
	require.NoError(t, err)
	data[0] = 'X'

	again, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("fragment"), again)
}
