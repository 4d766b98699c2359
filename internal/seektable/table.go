// Package seektable builds a sparse PCM-frame to byte-offset index from an
// MPEG audio byte stream delivered in arbitrary pieces.
package seektable

import (
	"sort"
	"sync"
)

// DefaultStride is the number of PCM frames between entries, about 100ms at 48kHz.
const DefaultStride = 4800

// Entry maps a PCM frame number to the byte offset of the frame starting there.
type Entry struct {
	PCMFrame   uint64 `json:"pcm_frame"`
	ByteOffset int64  `json:"byte_offset"`
}

// FeedResult describes what one Feed call did.
type FeedResult struct {
	Frames     int
	Entries    int
	Resynced   bool
	CarryBytes int
}

// Table is safe for one feeding goroutine and any number of readers.
//
// A header split across two Feed calls is carried in a 4-byte residue. If the
// completed header does not parse, the residue is dropped and scanning resumes
// at the new input, so a few frames may be missed after an unlucky split. The
// table resynchronizes on the next valid header.
type Table struct {
	mu sync.RWMutex

	stride  uint64
	entries []Entry

	pcmFrames      uint64
	frames         uint64
	lastEntryFrame uint64
	sampleRate     int

	residue       [headerLen]byte
	residueLen    int
	residueOffset int64
	skip          int

	nextOffset int64
	fed        bool
}

// New returns an empty table emitting one entry per stride PCM frames.
func New(stride uint64) *Table {
	if stride == 0 {
		stride = DefaultStride
	}
	return &Table{stride: stride}
}

// Build scans a complete file in one pass.
func Build(data []byte, stride uint64) *Table {
	t := New(stride)
	t.Feed(data, 0)
	t.Finish()
	return t
}

// Feed processes data that starts at global byte offset. Input must arrive in
// stream order; a gap in offsets drops the carry state and resynchronizes.
func (t *Table) Feed(data []byte, offset int64) FeedResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res FeedResult
	before := len(t.entries)

	if t.fed && offset != t.nextOffset {
		t.residueLen = 0
		t.skip = 0
		res.Resynced = true
	}
	t.nextOffset = offset + int64(len(data))
	t.fed = true

	pos := t.resolveResidue(data, offset, &res)

	if t.skip > 0 {
		if t.skip >= len(data)-pos {
			t.skip -= len(data) - pos
			pos = len(data)
		} else {
			pos += t.skip
			t.skip = 0
		}
	}

	for pos < len(data) {
		if len(data)-pos < headerLen {
			t.carryTail(data, pos, offset)
			break
		}

		if !isSync(data[pos], data[pos+1]) {
			pos++
			continue
		}

		f, ok := parseHeader(data[pos : pos+headerLen])
		if !ok {
			pos++
			continue
		}

		end := pos + f.length
		if end+1 < len(data) && !isSync(data[end], data[end+1]) {
			pos++
			continue
		}

		t.recordFrame(offset+int64(pos), f)
		res.Frames++

		if end > len(data) {
			t.skip = end - len(data)
			pos = len(data)
		} else {
			pos = end
		}
	}

	res.Entries = len(t.entries) - before
	res.CarryBytes = t.residueLen + t.skip
	return res
}

// resolveResidue tries to complete a carried header with the start of data
// and returns the position scanning should continue from.
func (t *Table) resolveResidue(data []byte, offset int64, res *FeedResult) int {
	if t.residueLen == 0 {
		return 0
	}

	need := headerLen - t.residueLen
	if len(data) < need {
		copy(t.residue[t.residueLen:], data)
		t.residueLen += len(data)
		return len(data)
	}

	var hdr [headerLen]byte
	copy(hdr[:], t.residue[:t.residueLen])
	copy(hdr[t.residueLen:], data[:need])
	start := t.residueOffset
	t.residueLen = 0

	f, ok := parseHeader(hdr[:])
	if !ok {
		return 0
	}

	t.recordFrame(start, f)
	res.Frames++

	frameEnd := start + int64(f.length)
	consumed := frameEnd - offset
	if consumed > int64(len(data)) {
		t.skip = int(consumed - int64(len(data)))
		return len(data)
	}
	return int(consumed)
}

// carryTail keeps the bytes from the last possible sync byte of data.
func (t *Table) carryTail(data []byte, pos int, offset int64) {
	for ; pos < len(data); pos++ {
		if data[pos] == 0xFF {
			n := copy(t.residue[:], data[pos:])
			t.residueLen = n
			t.residueOffset = offset + int64(pos)
			return
		}
	}
}

func (t *Table) recordFrame(byteOffset int64, f frame) {
	if len(t.entries) == 0 || t.pcmFrames-t.lastEntryFrame >= t.stride {
		t.entries = append(t.entries, Entry{PCMFrame: t.pcmFrames, ByteOffset: byteOffset})
		t.lastEntryFrame = t.pcmFrames
	}
	if t.sampleRate == 0 {
		t.sampleRate = f.sampleRate
	}
	t.pcmFrames += uint64(f.samples)
	t.frames++
}

// Finish appends a closing entry at the end of the fed data.
func (t *Table) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) > 0 && t.pcmFrames > t.lastEntryFrame {
		t.entries = append(t.entries, Entry{PCMFrame: t.pcmFrames, ByteOffset: t.nextOffset})
		t.lastEntryFrame = t.pcmFrames
	}
}

// FindSeekPoint returns the greatest entry with PCMFrame <= target.
func (t *Table) FindSeekPoint(target uint64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].PCMFrame > target
	})
	if i == 0 {
		return Entry{}, false
	}
	return t.entries[i-1], true
}

// FrameForMs converts a time to a PCM frame number at the detected sample rate.
func (t *Table) FrameForMs(ms uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.sampleRate == 0 {
		return 0, false
	}
	return ms * uint64(t.sampleRate) / 1000, true
}

// TrimBefore drops entries whose offset precedes offset.
func (t *Table) TrimBefore(offset int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].ByteOffset >= offset
	})
	if i == 0 {
		return 0
	}
	t.entries = append(t.entries[:0], t.entries[i:]...)
	return i
}

// Reset empties the table and its carry state.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = nil
	t.pcmFrames = 0
	t.frames = 0
	t.lastEntryFrame = 0
	t.sampleRate = 0
	t.residueLen = 0
	t.residueOffset = 0
	t.skip = 0
	t.nextOffset = 0
	t.fed = false
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a copy of all entries.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// TotalFrames returns the number of PCM frames seen so far.
func (t *Table) TotalFrames() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcmFrames
}

// SampleRate returns the sample rate of the first frame seen, or 0.
func (t *Table) SampleRate() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sampleRate
}

// MemoryBytes estimates the memory held by the entries.
func (t *Table) MemoryBytes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cap(t.entries) * 16
}
