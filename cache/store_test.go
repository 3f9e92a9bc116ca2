package cache_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omalloc/originfetch/cache"
)

func TestStore_AbsentEntry(t *testing.T) {
	store, err := cache.Open(t.TempDir(), cache.CBORCodec())
	require.NoError(t, err)
	defer store.Close()

	entry, err := store.Entry("http://example.com/file.bin")
	require.NoError(t, err)

	_, ok := entry.Partial()
	assert.False(t, ok)
	_, ok = entry.Full()
	assert.False(t, ok)
}

func TestStore_FullDownloadAndCommit(t *testing.T) {
	store, err := cache.Open(t.TempDir(), cache.JSONCodec())
	require.NoError(t, err)
	defer store.Close()

	entry, err := store.Entry("ftp://example.com/file.bin")
	require.NoError(t, err)

	w, err := entry.OpenNew()
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	entry.SetSize(11)
	entry.SetMTime(1700000000)
	require.NoError(t, entry.Commit())
	require.NoError(t, entry.Complete())

	stat, ok := entry.Full()
	require.True(t, ok)
	assert.EqualValues(t, 11, stat.Size)
	assert.EqualValues(t, 1700000000, stat.MTime)

	_, ok = entry.Partial()
	assert.False(t, ok)

	r, err := entry.OpenFull()
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
}

func TestStore_ResumePartialAndRemove(t *testing.T) {
	store, err := cache.Open(t.TempDir(), cache.CBORCodec())
	require.NoError(t, err)
	defer store.Close()

	entry, err := store.Entry("http://example.com/movie.mp4")
	require.NoError(t, err)

	w, err := entry.OpenNew()
	require.NoError(t, err)
	_, err = w.Write([]byte("abcd"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	stat, ok := entry.Partial()
	require.True(t, ok)
	assert.EqualValues(t, 4, stat.Size)

	w2, err := entry.OpenPartial(stat.Size)
	require.NoError(t, err)
	_, err = w2.Write([]byte("efgh"))
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	stat, ok = entry.Partial()
	require.True(t, ok)
	assert.EqualValues(t, 8, stat.Size)

	require.NoError(t, entry.RemovePartial())
	_, ok = entry.Partial()
	assert.False(t, ok)
}

func TestStore_MetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := cache.Open(dir, cache.CBORCodec())
	require.NoError(t, err)

	entry, err := store.Entry("http://example.com/a.txt")
	require.NoError(t, err)
	entry.SetSize(42)
	entry.SetMTime(123)
	require.NoError(t, entry.Commit())
	require.NoError(t, store.Close())

	reopened, err := cache.Open(dir, cache.CBORCodec())
	require.NoError(t, err)
	defer reopened.Close()

	entry2, err := reopened.Entry("http://example.com/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 42, entry2.Size())
	assert.EqualValues(t, 123, entry2.MTime())
}
