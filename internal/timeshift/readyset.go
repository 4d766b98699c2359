package timeshift

import (
	"fmt"
	"sort"
)

// readySet is the ordered collection of playable chunks. Chunks are appended
// at the tail, removed at the head, and only their storage ref is ever
// replaced in place. Callers hold Buffer.mu.
type readySet struct {
	chunks []Chunk
	bytes  int64
}

func (r *readySet) len() int { return len(r.chunks) }

func (r *readySet) at(i int) Chunk { return r.chunks[i] }

func (r *readySet) first() (Chunk, bool) {
	if len(r.chunks) == 0 {
		return Chunk{}, false
	}
	return r.chunks[0], true
}

func (r *readySet) last() (Chunk, bool) {
	if len(r.chunks) == 0 {
		return Chunk{}, false
	}
	return r.chunks[len(r.chunks)-1], true
}

// append adds c at the tail. Ids must increase, offsets must not go back, and
// a chunk following its predecessor's id must start where it ended.
func (r *readySet) append(c Chunk) error {
	if last, ok := r.last(); ok {
		if c.ID <= last.ID {
			return fmt.Errorf("chunk %d appended after %d", c.ID, last.ID)
		}
		if c.StartOffset < last.EndOffset {
			return fmt.Errorf("chunk %d starts at %d before %d ends at %d", c.ID, c.StartOffset, last.ID, last.EndOffset)
		}
		if c.ID == last.ID+1 && c.StartOffset != last.EndOffset {
			return fmt.Errorf("chunk %d starts at %d, chunk %d ends at %d", c.ID, c.StartOffset, last.ID, last.EndOffset)
		}
	}
	r.chunks = append(r.chunks, c)
	r.bytes += int64(c.Length)
	return nil
}

func (r *readySet) popFront() Chunk {
	c := r.chunks[0]
	r.chunks[0] = Chunk{}
	r.chunks = r.chunks[1:]
	r.bytes -= int64(c.Length)
	return c
}

// findForOffset returns the index of the chunk containing offset.
func (r *readySet) findForOffset(offset int64) (int, bool) {
	i := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].EndOffset > offset
	})
	if i == len(r.chunks) || !r.chunks[i].Contains(offset) {
		return 0, false
	}
	return i, true
}

// nextAfter returns the index of the first chunk starting after offset, used
// to skip holes and evicted ranges.
func (r *readySet) nextAfter(offset int64) (int, bool) {
	i := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].StartOffset > offset
	})
	return i, i < len(r.chunks)
}

// indexOf returns the index of chunk id.
func (r *readySet) indexOf(id ChunkID) (int, bool) {
	i := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].ID >= id
	})
	if i == len(r.chunks) || r.chunks[i].ID != id {
		return 0, false
	}
	return i, true
}

// after returns the first chunk with an id greater than id.
func (r *readySet) after(id ChunkID) (Chunk, bool) {
	i := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].ID > id
	})
	if i == len(r.chunks) {
		return Chunk{}, false
	}
	return r.chunks[i], true
}

// before returns the last chunk with an id smaller than id.
func (r *readySet) before(id ChunkID) (Chunk, bool) {
	i := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].ID >= id
	})
	if i == 0 {
		return Chunk{}, false
	}
	return r.chunks[i-1], true
}

// findForTime returns the index of the last chunk starting at or before ms.
func (r *readySet) findForTime(ms uint64) int {
	i := sort.Search(len(r.chunks), func(i int) bool {
		return r.chunks[i].StartTimeMs > ms
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// setRef replaces the storage ref of chunk id if it still has old.
func (r *readySet) setRef(id ChunkID, old, ref StorageRef) bool {
	i, ok := r.indexOf(id)
	if !ok || r.chunks[i].Ref != old {
		return false
	}
	r.chunks[i].Ref = ref
	return true
}

func (r *readySet) countMode(mode StorageMode) int {
	n := 0
	for _, c := range r.chunks {
		if c.Mode() == mode {
			n++
		}
	}
	return n
}

func (r *readySet) durationMs() uint64 {
	var d uint64
	for _, c := range r.chunks {
		d += uint64(c.DurationMs)
	}
	return d
}

func (r *readySet) snapshot() []Chunk {
	return append([]Chunk(nil), r.chunks...)
}

func (r *readySet) reset() {
	r.chunks = nil
	r.bytes = 0
}
