package timeshift

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"
)

// failingFS fails file creation while fail is set.
type failingFS struct {
	billy.Filesystem
	fail atomic.Bool
}

func (f *failingFS) Create(name string) (billy.File, error) {
	if f.fail.Load() {
		return nil, errors.New("no space left on device")
	}
	return f.Filesystem.Create(name)
}

func TestBlockStore_WriteReadRename(t *testing.T) {
	s := NewBlockStore(memfs.New())

	require.NoError(t, s.Write(pendingName(7), []byte("chunk-7")))
	size, err := s.Size(pendingName(7))
	require.NoError(t, err)
	require.Equal(t, int64(7), size)

	require.NoError(t, s.Rename(pendingName(7), readyName(7)))
	_, err = s.Size(pendingName(7))
	require.Error(t, err)

	dst := make([]byte, 7)
	n, err := s.ReadInto(readyName(7), dst)
	require.NoError(t, err)
	require.Equal(t, "chunk-7", string(dst[:n]))

	t.Run("short_destination", func(t *testing.T) {
		_, err := s.ReadInto(readyName(7), make([]byte, 3))
		require.ErrorIs(t, err, ErrShortBuffer)
	})

	t.Run("remove_missing", func(t *testing.T) {
		require.NoError(t, s.Remove(readyName(7)))
		require.NoError(t, s.Remove(readyName(7)))
	})
}

func TestBlockStore_CleanStale(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/pending_1.bin", []byte("a"), 0o644))
	require.NoError(t, util.WriteFile(fs, "/ready_2.bin", []byte("b"), 0o644))
	require.NoError(t, util.WriteFile(fs, "/notes.txt", []byte("keep"), 0o644))

	s := NewBlockStore(fs)
	removed, err := s.CleanStale()
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = fs.Stat("/notes.txt")
	require.NoError(t, err)

	t.Run("empty_root", func(t *testing.T) {
		removed, err := NewBlockStore(memfs.New()).CleanStale()
		require.NoError(t, err)
		require.Zero(t, removed)
	})
}

func TestBlockStore_Export(t *testing.T) {
	s := NewBlockStore(memfs.New())

	paths, err := s.Exported("s1")
	require.NoError(t, err)
	require.Empty(t, paths)

	p1, err := s.Export("s1", 3, []byte("three"))
	require.NoError(t, err)
	require.Equal(t, "/exported/s1/chunk_3.bin", p1)
	_, err = s.Export("s1", 1, []byte("one"))
	require.NoError(t, err)

	paths, err = s.Exported("s1")
	require.NoError(t, err)
	require.Equal(t, []string{"/exported/s1/chunk_1.bin", "/exported/s1/chunk_3.bin"}, paths)

	removed, err := s.CleanStale()
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestBlockStore_WriteFailure(t *testing.T) {
	fs := &failingFS{Filesystem: memfs.New()}
	fs.fail.Store(true)
	s := NewBlockStore(fs)

	require.Error(t, s.Write(pendingName(1), []byte("x")))
	_, err := s.Size(pendingName(1))
	require.Error(t, err)
}
