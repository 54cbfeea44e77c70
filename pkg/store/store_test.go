package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "kv.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, s)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, s)

	// Namespaces on a disabled store degrade to ErrDisabled, not panics.
	ns := s.Namespace("x")
	err = ns.Put(context.Background(), "k", []byte("v"))
	assert.ErrorIs(t, err, ErrDisabled)
	_, _, err = ns.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.NoError(t, s.Close())
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ns := s.Namespace("sysinfo")

	_, ok, err := ns.Get(ctx, "sample")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ns.Put(ctx, "sample", []byte(`{"load":0.4}`)))
	v, ok, err := ns.Get(ctx, "sample")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"load":0.4}`), v)

	// Upsert overwrites.
	require.NoError(t, ns.Put(ctx, "sample", []byte(`{"load":0.9}`)))
	v, _, err = ns.Get(ctx, "sample")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"load":0.9}`), v)

	require.NoError(t, ns.Delete(ctx, "sample"))
	_, ok, err = ns.Get(ctx, "sample")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamespaceIsolation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a := s.Namespace("a")
	b := s.Namespace("b")
	require.NoError(t, a.Put(ctx, "k", []byte("from-a")))
	require.NoError(t, b.Put(ctx, "k", []byte("from-b")))

	v, ok, err := a.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("from-a"), v)

	keysA, err := a.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keysA)

	require.NoError(t, a.Purge(ctx))
	_, ok, err = a.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// b untouched by a's purge.
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeysSorted(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	ns := s.Namespace("n")
	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, ns.Put(ctx, k, []byte("v")))
	}
	keys, err := ns.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
