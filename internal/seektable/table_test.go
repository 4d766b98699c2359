package seektable

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// MPEG-1 layer III, 128 kbps, 44.1 kHz, no padding: 417-byte frames.
var testHeader = []byte{0xFF, 0xFB, 0x90, 0x00}

const testFrameLen = 417

func testFrames(n int) []byte {
	frame := make([]byte, testFrameLen)
	copy(frame, testHeader)
	return bytes.Repeat(frame, n)
}

func TestParseHeader(t *testing.T) {
	f, ok := parseHeader(testHeader)
	require.True(t, ok)
	require.Equal(t, testFrameLen, f.length)
	require.Equal(t, 1152, f.samples)
	require.Equal(t, 44100, f.sampleRate)
	require.Equal(t, 128, f.bitrateKbps)

	for _, bad := range [][]byte{
		{0xFF, 0xFB, 0xF0, 0x00}, // bitrate index 15
		{0xFF, 0xFB, 0x00, 0x00}, // free format
		{0xFF, 0xFB, 0x9C, 0x00}, // reserved sample rate
		{0xFF, 0xF9, 0x90, 0x00}, // reserved layer
		{0xFF, 0xE3, 0x90, 0x00}, // MPEG-2.5
		{0xFE, 0xFB, 0x90, 0x00}, // no sync
	} {
		_, ok := parseHeader(bad)
		require.False(t, ok, "header % x", bad)
	}
}

func TestScan(t *testing.T) {
	info := Scan(testFrames(10))
	require.Equal(t, 10, info.Frames)
	require.Equal(t, uint64(11520), info.Samples)
	require.Equal(t, 44100, info.SampleRate)
	require.Equal(t, uint32(261), info.DurationMs)
	require.Equal(t, 128, info.BitrateKbps)

	t.Run("leading_partial_frame", func(t *testing.T) {
		data := testFrames(5)[100:]
		info := Scan(data)
		require.Equal(t, 4, info.Frames)
	})

	t.Run("no_frames", func(t *testing.T) {
		info := Scan(bytes.Repeat([]byte{0x12, 0x34}, 1000))
		require.Zero(t, info.Frames)
		require.Zero(t, info.DurationMs)
	})
}

func TestBuild(t *testing.T) {
	tbl := Build(testFrames(100), DefaultStride)

	// one entry every 5 frames (5760 >= 4800) plus the closing entry
	require.Equal(t, 21, tbl.Len())
	require.Equal(t, uint64(100*1152), tbl.TotalFrames())
	require.Equal(t, 44100, tbl.SampleRate())

	entries := tbl.Entries()
	require.Equal(t, Entry{PCMFrame: 0, ByteOffset: 0}, entries[0])
	require.Equal(t, Entry{PCMFrame: 5760, ByteOffset: 5 * testFrameLen}, entries[1])
	require.Equal(t, int64(100*testFrameLen), entries[len(entries)-1].ByteOffset)
}

func TestFeedMatchesBuild(t *testing.T) {
	data := testFrames(200)
	want := New(DefaultStride)
	want.Feed(data, 0)

	for _, seed := range []int64{1, 2, 3, 42} {
		rng := rand.New(rand.NewSource(seed))
		got := New(DefaultStride)

		var off int
		for off < len(data) {
			n := 1 + rng.Intn(700)
			if off+n > len(data) {
				n = len(data) - off
			}
			res := got.Feed(data[off:off+n], int64(off))
			require.False(t, res.Resynced)
			off += n
		}

		require.Equal(t, want.Entries(), got.Entries(), "seed %d", seed)
		require.Equal(t, want.TotalFrames(), got.TotalFrames(), "seed %d", seed)
	}
}

func TestFeedHeaderSplit(t *testing.T) {
	data := testFrames(3)
	tbl := New(1)

	// split inside the second header
	cut := testFrameLen + 2
	res := tbl.Feed(data[:cut], 0)
	require.Equal(t, 1, res.Frames)
	require.Equal(t, 2, res.CarryBytes)

	res = tbl.Feed(data[cut:], int64(cut))
	require.Equal(t, 2, res.Frames)
	require.Equal(t, []Entry{
		{PCMFrame: 0, ByteOffset: 0},
		{PCMFrame: 1152, ByteOffset: testFrameLen},
		{PCMFrame: 2304, ByteOffset: 2 * testFrameLen},
	}, tbl.Entries())
}

func TestFeedGapResyncs(t *testing.T) {
	data := testFrames(20)
	tbl := New(DefaultStride)

	tbl.Feed(data[:1000], 0)
	res := tbl.Feed(data[2*testFrameLen*5:], int64(2*testFrameLen*5))
	require.True(t, res.Resynced)
	require.Positive(t, res.Frames)
}

func TestFindSeekPoint(t *testing.T) {
	tbl := Build(testFrames(300), DefaultStride)
	total := tbl.TotalFrames()

	_, ok := New(DefaultStride).FindSeekPoint(0)
	require.False(t, ok)

	var prev Entry
	for f := uint64(0); f <= total+5000; f += 777 {
		e, ok := tbl.FindSeekPoint(f)
		require.True(t, ok)
		require.LessOrEqual(t, e.PCMFrame, f)
		require.GreaterOrEqual(t, e.ByteOffset, prev.ByteOffset)
		prev = e
	}

	entries := tbl.Entries()
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].ByteOffset, entries[i-1].ByteOffset)
		require.Greater(t, entries[i].PCMFrame, entries[i-1].PCMFrame)
	}
}

func TestTrimBefore(t *testing.T) {
	tbl := Build(testFrames(100), DefaultStride)
	n := tbl.TrimBefore(20 * testFrameLen)
	require.Equal(t, 4, n)

	entries := tbl.Entries()
	require.Equal(t, int64(20*testFrameLen), entries[0].ByteOffset)

	_, ok := tbl.FindSeekPoint(0)
	require.False(t, ok, "no entry at or below a trimmed frame")

	tbl.Reset()
	require.Zero(t, tbl.Len())
	require.Zero(t, tbl.TotalFrames())
}

func TestFrameForMs(t *testing.T) {
	tbl := New(DefaultStride)
	_, ok := tbl.FrameForMs(1000)
	require.False(t, ok)

	tbl.Feed(testFrames(2), 0)
	f, ok := tbl.FrameForMs(1000)
	require.True(t, ok)
	require.Equal(t, uint64(44100), f)
}
