// Package sizing derives chunk and buffer sizes from a stream bitrate.
package sizing

import (
	"math"
	"sync"
	"time"
)

const (
	// MinChunkSize and MaxChunkSize bound every computed chunk size.
	MinChunkSize = 32 * 1024
	MaxChunkSize = 512 * 1024

	// DefaultBitrateKbps is assumed until a reliable estimate is available.
	DefaultBitrateKbps = 128

	lowBitrateKbps  = 32
	highBitrateKbps = 320

	longChunkDuration  = 10 * time.Second
	shortChunkDuration = 4 * time.Second

	blockFlushPercent = 80
)

// CommonBitrates are the broadcast bitrates estimates are snapped to.
var CommonBitrates = []int{32, 64, 96, 128, 160, 192, 256, 320}

// Source identifies where a bitrate estimate came from.
type Source int

const (
	SourceDefault Source = iota
	SourceThroughput
	SourceHeader
)

func (s Source) String() string {
	switch s {
	case SourceThroughput:
		return "throughput"
	case SourceHeader:
		return "header"
	default:
		return "default"
	}
}

// Sizes is the full set of sizes derived for one bitrate.
type Sizes struct {
	BitrateKbps         int `json:"bitrate_kbps"`
	ChunkSize           int `json:"chunk_size"`
	RecordingBufferSize int `json:"recording_buffer_size"`
	PlaybackBufferSize  int `json:"playback_buffer_size"`
	FlushThreshold      int `json:"flush_threshold"`
	NetworkReadSize     int `json:"network_read_size"`
}

// ChunkDuration is the playback time covered by one full chunk.
func (s Sizes) ChunkDuration() time.Duration {
	if s.BitrateKbps <= 0 {
		return 0
	}
	return time.Duration(int64(s.ChunkSize) * 8 * int64(time.Millisecond) / int64(s.BitrateKbps))
}

// Calculate returns the sizes for bitrateKbps. High bitrates get short chunks
// (about 4s), low bitrates long ones (about 10s), linearly interpolated in
// between. Pooled storage flushes at the full chunk size so slots stay uniform.
func Calculate(bitrateKbps int, pooled bool) Sizes {
	if bitrateKbps <= 0 {
		bitrateKbps = DefaultBitrateKbps
	}

	d := chunkDuration(bitrateKbps)
	chunk := int(int64(bitrateKbps) * 1000 / 8 * d.Milliseconds() / 1000)
	chunk = clamp(chunk, MinChunkSize, MaxChunkSize)

	flush := chunk
	if !pooled {
		flush = chunk * blockFlushPercent / 100
	}

	return Sizes{
		BitrateKbps:         bitrateKbps,
		ChunkSize:           chunk,
		RecordingBufferSize: chunk + chunk/2,
		PlaybackBufferSize:  chunk * 3,
		FlushThreshold:      flush,
		NetworkReadSize:     networkReadSize(bitrateKbps),
	}
}

func chunkDuration(kbps int) time.Duration {
	switch {
	case kbps <= lowBitrateKbps:
		return longChunkDuration
	case kbps >= highBitrateKbps:
		return shortChunkDuration
	}
	span := longChunkDuration - shortChunkDuration
	frac := float64(kbps-lowBitrateKbps) / float64(highBitrateKbps-lowBitrateKbps)
	return longChunkDuration - time.Duration(float64(span)*frac)
}

func networkReadSize(kbps int) int {
	switch {
	case kbps >= 256:
		return 8 * 1024
	case kbps >= 128:
		return 4 * 1024
	default:
		return 2 * 1024
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SnapBitrate returns the common bitrate nearest to kbps.
func SnapBitrate(kbps float64) int {
	best := CommonBitrates[0]
	bestDist := math.Abs(kbps - float64(best))
	for _, b := range CommonBitrates[1:] {
		if d := math.Abs(kbps - float64(b)); d < bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

// State holds the sizes of one open stream. The first reliable estimate
// latches it; later estimates are ignored until Reset.
type State struct {
	mu      sync.Mutex
	sizes   Sizes
	pooled  bool
	adapted bool
	source  Source
}

// NewState returns a State sized for defaultKbps.
func NewState(defaultKbps int, pooled bool) *State {
	return &State{
		sizes:  Calculate(defaultKbps, pooled),
		pooled: pooled,
	}
}

// Sizes returns the current sizes.
func (s *State) Sizes() Sizes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes
}

// Adapted reports whether a reliable estimate has already been applied.
func (s *State) Adapted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapted
}

// Source reports which estimate produced the current sizes.
func (s *State) Source() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Adapt applies kbps unless the state is already latched. A header estimate
// still replaces a throughput latch once. It reports whether the sizes
// changed hands.
func (s *State) Adapt(kbps int, src Source) (Sizes, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kbps <= 0 {
		return s.sizes, false
	}
	if s.adapted && (s.source == SourceHeader || src != SourceHeader) {
		return s.sizes, false
	}
	if s.adapted && kbps == s.sizes.BitrateKbps {
		s.source = src
		return s.sizes, false
	}

	s.sizes = Calculate(kbps, s.pooled)
	s.adapted = true
	s.source = src
	return s.sizes, true
}

// Recompute re-derives the sizes for a backend change, keeping the bitrate
// and the latch.
func (s *State) Recompute(pooled bool) Sizes {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pooled = pooled
	s.sizes = Calculate(s.sizes.BitrateKbps, pooled)
	return s.sizes
}

// Reset clears the latch for a newly opened stream.
func (s *State) Reset(defaultKbps int, pooled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sizes = Calculate(defaultKbps, pooled)
	s.pooled = pooled
	s.adapted = false
	s.source = SourceDefault
}
