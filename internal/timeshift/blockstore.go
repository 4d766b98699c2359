package timeshift

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

const (
	pendingPrefix = "pending_"
	readyPrefix   = "ready_"
	chunkExt      = ".bin"
	exportDir     = "exported"
)

func pendingName(id ChunkID) string {
	return fmt.Sprintf("/%s%d%s", pendingPrefix, id, chunkExt)
}

func readyName(id ChunkID) string {
	return fmt.Sprintf("/%s%d%s", readyPrefix, id, chunkExt)
}

// BlockStore keeps one named file per chunk on a billy filesystem. Chunks are
// written under a pending name and renamed to a ready name once validated, so
// a partial write is never visible as a ready chunk. Calls are serialized;
// billy filesystems such as memfs are not safe for concurrent use.
type BlockStore struct {
	mu sync.Mutex
	fs billy.Filesystem
}

// NewBlockStore returns a BlockStore rooted at fs.
func NewBlockStore(fs billy.Filesystem) *BlockStore {
	return &BlockStore{fs: fs}
}

// Filesystem returns the underlying filesystem.
func (s *BlockStore) Filesystem() billy.Filesystem {
	return s.fs
}

// CleanStale removes chunk files left behind by an earlier session.
func (s *BlockStore) CleanStale() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.fs.ReadDir("/")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list chunk files: %w", err)
	}

	removed := 0
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || !strings.HasSuffix(name, chunkExt) {
			continue
		}
		if !strings.HasPrefix(name, pendingPrefix) && !strings.HasPrefix(name, readyPrefix) {
			continue
		}
		if err := s.fs.Remove("/" + name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

// Write stores data under name. A short or failed write removes the file.
func (s *BlockStore) Write(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}

	n, werr := f.Write(data)
	cerr := f.Close()
	switch {
	case werr != nil:
		err = werr
	case n != len(data):
		err = fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), io.ErrShortWrite)
	case cerr != nil:
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Size returns the size of the named file.
func (s *BlockStore) Size(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := s.fs.Stat(name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ReadInto reads the whole named file into dst and returns its length.
func (s *BlockStore) ReadInto(name string, dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fs.Open(name)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	n, err := io.ReadFull(f, dst)
	switch {
	case err == nil:
		// dst is full; the file must end here.
		var extra [1]byte
		if m, _ := f.Read(extra[:]); m > 0 {
			return n, ErrShortBuffer
		}
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
	default:
		return n, fmt.Errorf("read %s: %w", name, err)
	}
	return n, nil
}

// Rename moves a file, replacing the destination.
func (s *BlockStore) Rename(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

// Remove deletes the named file. A missing file is not an error.
func (s *BlockStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Export writes data to exported/<session>/chunk_<id>.bin and returns the path.
// Exported files are never touched by eviction or cleanup.
func (s *BlockStore) Export(session string, id ChunkID, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.fs.Join("/", exportDir, session)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	name := s.fs.Join(dir, fmt.Sprintf("chunk_%d%s", id, chunkExt))
	if err := util.WriteFile(s.fs, name, data, 0o644); err != nil {
		return "", fmt.Errorf("export chunk %d: %w", id, err)
	}
	return name, nil
}

// Exported lists the exported chunk files of one session.
func (s *BlockStore) Exported(session string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.fs.Join("/", exportDir, session)
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	out := make([]string, 0, len(infos))
	for _, fi := range infos {
		if !fi.IsDir() {
			out = append(out, s.fs.Join(dir, fi.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
