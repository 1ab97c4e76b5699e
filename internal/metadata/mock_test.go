package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStorePutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	v1, err := m.Put(ctx, "/k", []byte("a"))
	require.NoError(t, err)

	got, err := m.Get(ctx, "/k")
	require.NoError(t, err)
	assert.True(t, got.Exists)
	assert.Equal(t, []byte("a"), got.Value)
	assert.Equal(t, v1, got.Version)

	missing, err := m.Get(ctx, "/absent")
	require.NoError(t, err)
	assert.False(t, missing.Exists)
}

func TestMockStoreCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	v1, err := m.Put(ctx, "/k", []byte("a"), WithExpectNotExists())
	require.NoError(t, err)

	_, err = m.Put(ctx, "/k", []byte("b"), WithExpectNotExists())
	assert.ErrorIs(t, err, ErrVersionMismatch)

	_, err = m.Put(ctx, "/k", []byte("b"), WithExpectedVersion(v1))
	require.NoError(t, err)

	_, err = m.Put(ctx, "/k", []byte("c"), WithExpectedVersion(v1))
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestMockStoreConditionalDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	v1, err := m.Put(ctx, "/k", []byte("a"))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Delete(ctx, "/k", WithDeleteExpectedVersion(v1+1)), ErrVersionMismatch)
	require.NoError(t, m.Delete(ctx, "/k", WithDeleteExpectedVersion(v1)))

	// Idempotent on missing keys.
	require.NoError(t, m.Delete(ctx, "/k"))
}

func TestMockStoreListPrefixAndRange(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	for _, k := range []string{"/s/a", "/s/b", "/s/c", "/t/a"} {
		_, err := m.Put(ctx, k, []byte(k))
		require.NoError(t, err)
	}

	kvs, err := m.List(ctx, "/s/", "", 0)
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	assert.Equal(t, "/s/a", kvs[0].Key)
	assert.Equal(t, "/s/c", kvs[2].Key)

	kvs, err = m.List(ctx, "/s/a", "/s/c", 0)
	require.NoError(t, err)
	require.Len(t, kvs, 2)

	kvs, err = m.List(ctx, "/s/", "", 1)
	require.NoError(t, err)
	require.Len(t, kvs, 1)
}

func TestMockStoreEphemeralLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	_, err := m.PutEphemeral(ctx, "/lock", []byte("holder-1"), WithEphemeralExpectNotExists())
	require.NoError(t, err)

	_, err = m.PutEphemeral(ctx, "/lock", []byte("holder-2"), WithEphemeralExpectNotExists())
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, 2, m.EphemeralPutCount())

	m.ExpireSession()

	got, err := m.Get(ctx, "/lock")
	require.NoError(t, err)
	assert.False(t, got.Exists, "ephemeral key survived session expiry")

	_, err = m.PutEphemeral(ctx, "/lock", []byte("holder-2"), WithEphemeralExpectNotExists())
	require.NoError(t, err)
}

func TestMockStoreClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	require.NoError(t, m.Close())

	_, err := m.Get(ctx, "/k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = m.Put(ctx, "/k", nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = m.PutEphemeral(ctx, "/k", nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, m.Delete(ctx, "/k"), ErrStoreClosed)
	_, err = m.List(ctx, "/", "", 0)
	assert.ErrorIs(t, err, ErrStoreClosed)
}
