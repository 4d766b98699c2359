package timeshift

import (
	"fmt"
	"strings"
)

// ChunkID numbers chunks in recording order. IDs only increase.
type ChunkID uint32

// noChunk marks "no playback chunk" in the atomic playback cell.
const noChunk int64 = -1

// ChunkState is the lifecycle state of a chunk. Only Ready chunks are in the
// ready set; an Invalid chunk failed persistence or validation and is removed.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkReady
	ChunkInvalid
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkReady:
		return "ready"
	case ChunkInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("ChunkState(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON.
func (s ChunkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ChunkState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = ChunkPending
	case "ready":
		*s = ChunkReady
	case "invalid":
		*s = ChunkInvalid
	default:
		return fmt.Errorf("unknown chunk state %q", b)
	}
	return nil
}

// StorageMode selects a chunk backend.
type StorageMode int

const (
	// ModeBlock keeps one named file per chunk.
	ModeBlock StorageMode = iota
	// ModePool keeps chunks in fixed slots of one memory arena.
	ModePool
)

func (m StorageMode) String() string {
	if m == ModePool {
		return "pool"
	}
	return "block"
}

// MarshalText renders the mode by name in JSON.
func (m StorageMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts "pool" or "block".
func (m *StorageMode) UnmarshalText(b []byte) error {
	mode, err := ParseStorageMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseStorageMode parses a mode name.
func ParseStorageMode(s string) (StorageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block", "file", "sd":
		return ModeBlock, nil
	case "pool", "memory", "psram":
		return ModePool, nil
	default:
		return ModeBlock, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// StorageRef locates a chunk's bytes: either a FileRef or a PoolRef.
type StorageRef interface {
	Mode() StorageMode
	String() string
	storageRef()
}

// FileRef is a chunk stored as a named file in block storage.
type FileRef struct {
	Name string
}

func (FileRef) Mode() StorageMode { return ModeBlock }
func (r FileRef) String() string  { return "file:" + r.Name }
func (FileRef) storageRef()       {}

// PoolRef is a chunk stored in a pool slot.
type PoolRef struct {
	Slot SlotIndex
}

func (PoolRef) Mode() StorageMode { return ModePool }
func (r PoolRef) String() string  { return fmt.Sprintf("pool:%d", r.Slot) }
func (PoolRef) storageRef()       {}

// Chunk is a contiguous piece of the recorded stream in global byte
// coordinates. EndOffset of one chunk equals StartOffset of the chunk with the
// next id whenever both are present.
type Chunk struct {
	ID          ChunkID    `json:"id"`
	StartOffset int64      `json:"start_offset"`
	EndOffset   int64      `json:"end_offset"`
	Length      int        `json:"length"`
	Ref         StorageRef `json:"-"`
	State       ChunkState `json:"state"`
	StartTimeMs uint64     `json:"start_time_ms"`
	DurationMs  uint32     `json:"duration_ms"`
	TotalFrames uint32     `json:"total_frames"`
	Checksum    uint64     `json:"checksum"`
}

// Contains reports whether offset falls inside the chunk.
func (c Chunk) Contains(offset int64) bool {
	return offset >= c.StartOffset && offset < c.EndOffset
}

// EndTimeMs is the stream time right after the chunk.
func (c Chunk) EndTimeMs() uint64 {
	return c.StartTimeMs + uint64(c.DurationMs)
}

// Mode reports the backend currently holding the chunk.
func (c Chunk) Mode() StorageMode {
	if c.Ref == nil {
		return ModeBlock
	}
	return c.Ref.Mode()
}

// ChunkJob carries one finalized chunk from the recorder to the writer. The
// writer owns Data once the job is queued.
type ChunkJob struct {
	ID          ChunkID
	StartOffset int64
	Data        []byte
	Target      StorageMode
	Checksum    uint64
}
