package timeshift

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ChunkStore persists chunks on either backend and moves them between
// backends. Block storage is always available; the pool exists only while
// allocated.
type ChunkStore struct {
	blocks *BlockStore

	mu   sync.RWMutex
	pool *Pool
}

// NewChunkStore returns a ChunkStore backed by blocks and no pool.
func NewChunkStore(blocks *BlockStore) *ChunkStore {
	return &ChunkStore{blocks: blocks}
}

// Blocks returns the block-storage backend.
func (s *ChunkStore) Blocks() *BlockStore {
	return s.blocks
}

// Pool returns the allocated pool, or nil.
func (s *ChunkStore) Pool() *Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// AllocatePool makes sure a pool of the given geometry exists. An existing
// pool is kept when it is large enough or still holds chunks.
func (s *ChunkStore) AllocatePool(slots, slotSize int) (*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.pool; p != nil {
		if p.Slots() == slots && p.SlotSize() >= slotSize {
			return p, nil
		}
		if p.InUse() > 0 {
			return nil, fmt.Errorf("pool in use with %d slots of %d bytes: %w", p.Slots(), p.SlotSize(), ErrSlotOccupied)
		}
	}

	p, err := NewPool(slots, slotSize)
	if err != nil {
		return nil, err
	}
	s.pool = p
	return p, nil
}

// ReleasePool frees the pool once no slot is occupied. It reports whether
// the pool is gone.
func (s *ChunkStore) ReleasePool() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return true
	}
	if s.pool.InUse() > 0 {
		return false
	}
	s.pool = nil
	return true
}

// Persist writes the job's bytes to its target backend. Block chunks are
// written under their pending name; pool chunks go to slot id mod N, which
// must be empty.
func (s *ChunkStore) Persist(job ChunkJob) (StorageRef, error) {
	if job.Target == ModePool {
		p := s.Pool()
		if p == nil {
			return nil, ErrPoolUnavailable
		}
		h, err := p.Acquire(job.ID)
		if err != nil {
			return nil, err
		}
		if err := h.Write(job.Data); err != nil {
			p.Release(h.Ref(), job.ID)
			return nil, err
		}
		return h.Ref(), nil
	}

	name := pendingName(job.ID)
	if err := s.blocks.Write(name, job.Data); err != nil {
		return nil, err
	}
	return FileRef{Name: name}, nil
}

// Validate checks that the stored bytes exist and match the chunk length.
func (s *ChunkStore) Validate(c Chunk) error {
	switch ref := c.Ref.(type) {
	case FileRef:
		size, err := s.blocks.Size(ref.Name)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", c.ID, err)
		}
		if size != int64(c.Length) {
			return fmt.Errorf("chunk %d has %d bytes on disk, want %d: %w", c.ID, size, c.Length, ErrLengthMismatch)
		}
		return nil
	case PoolRef:
		p := s.Pool()
		if p == nil {
			return ErrPoolUnavailable
		}
		n, err := p.Length(ref, c.ID)
		if err != nil {
			return err
		}
		if n != c.Length {
			return fmt.Errorf("chunk %d has %d bytes in slot %d, want %d: %w", c.ID, n, ref.Slot, c.Length, ErrLengthMismatch)
		}
		return nil
	default:
		return fmt.Errorf("chunk %d has no storage: %w", c.ID, ErrChunkNotFound)
	}
}

// Promote renames a validated block chunk from its pending to its ready name.
// Pool chunks are returned unchanged.
func (s *ChunkStore) Promote(c Chunk) (StorageRef, error) {
	ref, ok := c.Ref.(FileRef)
	if !ok {
		return c.Ref, nil
	}
	ready := readyName(c.ID)
	if ref.Name == ready {
		return ref, nil
	}
	if err := s.blocks.Rename(ref.Name, ready); err != nil {
		return nil, err
	}
	return FileRef{Name: ready}, nil
}

// ReadInto copies the chunk's bytes into dst, which must hold c.Length bytes.
func (s *ChunkStore) ReadInto(c Chunk, dst []byte) error {
	if len(dst) < c.Length {
		return ErrShortBuffer
	}
	dst = dst[:c.Length]

	var (
		n   int
		err error
	)
	switch ref := c.Ref.(type) {
	case FileRef:
		n, err = s.blocks.ReadInto(ref.Name, dst)
	case PoolRef:
		p := s.Pool()
		if p == nil {
			return ErrPoolUnavailable
		}
		n, err = p.ReadInto(ref, c.ID, dst)
	default:
		return fmt.Errorf("chunk %d has no storage: %w", c.ID, ErrChunkNotFound)
	}
	if err != nil {
		return err
	}
	if n != c.Length {
		return fmt.Errorf("chunk %d read %d bytes, want %d: %w", c.ID, n, c.Length, ErrLengthMismatch)
	}
	return nil
}

// Verify compares data against the chunk checksum. A zero checksum is not checked.
func (s *ChunkStore) Verify(c Chunk, data []byte) error {
	if c.Checksum == 0 {
		return nil
	}
	if sum := xxhash.Sum64(data); sum != c.Checksum {
		return fmt.Errorf("chunk %d checksum %016x, want %016x: %w", c.ID, sum, c.Checksum, ErrChecksumMismatch)
	}
	return nil
}

// Remove deletes the chunk's bytes from whichever backend holds them.
func (s *ChunkStore) Remove(c Chunk) error {
	return s.RemoveRef(c.ID, c.Ref)
}

// RemoveRef deletes the bytes of chunk id at ref.
func (s *ChunkStore) RemoveRef(id ChunkID, ref StorageRef) error {
	switch r := ref.(type) {
	case FileRef:
		return s.blocks.Remove(r.Name)
	case PoolRef:
		if p := s.Pool(); p != nil {
			p.Release(r, id)
		}
	}
	return nil
}

// Migrate copies a chunk into the target backend and returns its new ref.
// Id, offsets and length are unchanged. The source copy stays in place until
// the caller removes it.
func (s *ChunkStore) Migrate(c Chunk, target StorageMode) (StorageRef, error) {
	if c.Mode() == target {
		return c.Ref, nil
	}

	buf := make([]byte, c.Length)
	if err := s.ReadInto(c, buf); err != nil {
		return nil, fmt.Errorf("migrate chunk %d: %w", c.ID, err)
	}
	if err := s.Verify(c, buf); err != nil {
		return nil, fmt.Errorf("migrate chunk %d: %w", c.ID, err)
	}

	ref, err := s.Persist(ChunkJob{
		ID:          c.ID,
		StartOffset: c.StartOffset,
		Data:        buf,
		Target:      target,
		Checksum:    c.Checksum,
	})
	if err != nil {
		return nil, fmt.Errorf("migrate chunk %d to %s: %w", c.ID, target, err)
	}

	moved := c
	moved.Ref = ref
	if err := s.Validate(moved); err != nil {
		_ = s.RemoveRef(c.ID, ref)
		return nil, fmt.Errorf("migrate chunk %d to %s: %w", c.ID, target, err)
	}
	final, err := s.Promote(moved)
	if err != nil {
		_ = s.RemoveRef(c.ID, ref)
		return nil, fmt.Errorf("migrate chunk %d to %s: %w", c.ID, target, err)
	}
	return final, nil
}
