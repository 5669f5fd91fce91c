package emitcache

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyOf(t *testing.T) {
	image := []byte{1, 2, 3}
	require.Equal(t, KeyOf("v1", image), KeyOf("v1", image))
	require.NotEqual(t, KeyOf("v1", image), KeyOf("v2", image))
	require.NotEqual(t, KeyOf("v1", image), KeyOf("v1", []byte{1, 2, 4}))
}

func TestCacheRoundTrip(t *testing.T) {
	fc := New(t.TempDir())
	key := KeyOf("v1", []byte("image"))

	_, ok, err := fc.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	want := &Entry{Version: "v1", ModuleName: "m", Methods: 3, IR: []byte("define void @f()")}
	require.NoError(t, fc.Put(key, want))

	got, ok, err := fc.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	require.NoError(t, fc.Delete(key))
	_, ok, err = fc.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	fc := New(dir).(*fileCache)
	key := KeyOf("v1", []byte("image"))

	require.NoError(t, os.WriteFile(fc.path(key), []byte("not msgpack"), 0o644))

	_, ok, err := fc.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	// The corrupt file was cleaned up.
	_, err = os.Stat(fc.path(key))
	require.True(t, os.IsNotExist(err))
}

func TestCacheDeleteMissing(t *testing.T) {
	fc := New(t.TempDir())
	require.NoError(t, fc.Delete(KeyOf("v1", nil)))
}
