package timeshift

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"radio-timeshift/internal/platform/logger"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"
)

// patternBytes returns stream bytes for [offset, offset+n). The pattern never
// contains 0xFF, so it holds no MPEG sync words.
func patternBytes(offset, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((offset + i) % 251)
	}
	return b
}

// bytesSource serves data once; reconnecting afterwards fails.
type bytesSource struct {
	mu     sync.Mutex
	data   []byte
	served bool
}

func (s *bytesSource) Connect(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return nil, errors.New("source gone")
	}
	s.served = true
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// pipeSource hands out one pipe the test writes into.
type pipeSource struct {
	mu        sync.Mutex
	pr        *io.PipeReader
	pw        *io.PipeWriter
	connected bool
	offset    int
}

func newPipeSource() *pipeSource {
	pr, pw := io.Pipe()
	return &pipeSource{pr: pr, pw: pw}
}

func (s *pipeSource) Connect(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil, errors.New("source gone")
	}
	s.connected = true
	return s.pr, nil
}

// feed writes the next n pattern bytes and returns once the recorder read them.
func (s *pipeSource) feed(t *testing.T, n int) {
	t.Helper()
	_, err := s.pw.Write(patternBytes(s.offset, n))
	require.NoError(t, err)
	s.offset += n
}

func testConfig(mode StorageMode) Config {
	return Config{
		Storage:         mode,
		PoolSlots:       8,
		QueueDepth:      4,
		InitialWait:     2 * time.Second,
		LiveEdgeWait:    2 * time.Second,
		PreloadInterval: 5 * time.Millisecond,
		StallTimeout:    -1,
		ReconnectMax:    1,
		ReconnectDelay:  time.Millisecond,
		SwitchIdleWait:  time.Second,
		ShutdownTimeout: 2 * time.Second,
		SampleWindow:    time.Hour,
	}
}

func newTestBuffer(t *testing.T, cfg Config, src Source) *Buffer {
	t.Helper()
	return newTestBufferFS(t, cfg, src, memfs.New())
}

func newTestBufferFS(t *testing.T, cfg Config, src Source, fs billy.Filesystem) *Buffer {
	t.Helper()
	b := New(cfg, src, NewChunkStore(NewBlockStore(fs)), logger.Discard(), nil)
	require.NoError(t, b.Open())
	t.Cleanup(func() { b.Close() })
	return b
}

// appendChunks pushes n chunks of size bytes through the writer path.
func appendChunks(t *testing.T, b *Buffer, n, size int) [][]byte {
	t.Helper()
	var out [][]byte
	for range n {
		b.mu.Lock()
		id := b.nextID
		b.nextID++
		off := b.recordedOffset
		b.recordedOffset += int64(size)
		mode := b.mode
		b.mu.Unlock()

		data := patternBytes(int(off), size)
		b.processJob(b.log, testJob(id, off, data, mode))
		out = append(out, data)
	}
	return out
}

func requireContiguous(t *testing.T, chunks []Chunk) {
	t.Helper()
	for i := 1; i < len(chunks); i++ {
		if chunks[i].ID == chunks[i-1].ID+1 {
			require.Equal(t, chunks[i-1].EndOffset, chunks[i].StartOffset, "chunk %d", chunks[i].ID)
		}
	}
}

func TestBuffer_RoundTrip(t *testing.T) {
	for _, mode := range []StorageMode{ModeBlock, ModePool} {
		t.Run(mode.String(), func(t *testing.T) {
			data := patternBytes(0, 400000)
			b := newTestBuffer(t, testConfig(mode), &bytesSource{data: data})
			require.NoError(t, b.Start(context.Background()))

			got, err := io.ReadAll(b)
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, got), "read %d bytes, recorded %d", len(got), len(data))

			chunks := b.Chunks()
			require.NotEmpty(t, chunks)
			requireContiguous(t, chunks)
			for _, c := range chunks {
				require.Equal(t, mode, c.Mode())
			}
			require.Equal(t, int64(len(data)), b.Size())
			require.True(t, b.IsSeekable())
			require.Equal(t, int64(len(data)), b.TotalDownloadedBytes())
		})
	}
}

// mpegFrames returns n MPEG-1 layer III frames, 128 kbps at 44.1 kHz,
// 417 bytes and 1152 samples each.
func mpegFrames(n int) []byte {
	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0x00})
	return bytes.Repeat(frame, n)
}

func TestBuffer_MPEGStream(t *testing.T) {
	data := mpegFrames(1000)
	b := newTestBuffer(t, testConfig(ModeBlock), &bytesSource{data: data})
	require.NoError(t, b.Start(context.Background()))

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	st := b.Status()
	require.Equal(t, "header", st.BitrateSource)
	require.Positive(t, st.SeekTableEntries)
	require.InDelta(t, 26122, float64(b.TotalDurationMs()), 10)

	var frames uint32
	for _, c := range b.Chunks() {
		frames += c.TotalFrames
	}
	require.Equal(t, uint32(1000), frames)

	// 10s is PCM frame 441000; the seek table entry below it is MPEG frame 380
	off, err := b.SeekToTime(10000)
	require.NoError(t, err)
	require.Equal(t, int64(380*417), off)
}

func TestBuffer_FiveChunksAt128Kbps(t *testing.T) {
	src := newPipeSource()
	b := newTestBuffer(t, testConfig(ModeBlock), src)

	sizes := b.Sizes()
	require.Equal(t, 128, sizes.BitrateKbps)
	require.GreaterOrEqual(t, sizes.ChunkSize, 64*1024)
	require.LessOrEqual(t, sizes.ChunkSize, 256*1024)
	require.GreaterOrEqual(t, sizes.ChunkDuration(), 4*time.Second)
	require.LessOrEqual(t, sizes.ChunkDuration(), 10*time.Second)

	require.NoError(t, b.Start(context.Background()))
	src.feed(t, 5*sizes.FlushThreshold)
	require.Eventually(t, func() bool { return len(b.Chunks()) == 5 }, 5*time.Second, 5*time.Millisecond)

	chunks := b.Chunks()
	for i, c := range chunks {
		require.Equal(t, ChunkID(i), c.ID)
	}
	requireContiguous(t, chunks)

	c, ok := b.FindChunkForOffset(chunks[2].StartOffset)
	require.True(t, ok)
	require.Equal(t, ChunkID(2), c.ID)

	_, ok = b.FindChunkForOffset(chunks[4].EndOffset + 1)
	require.False(t, ok)
	require.True(t, b.Status().Recording)
	require.Zero(t, b.Size())
	require.False(t, b.IsSeekable())
}

func TestBuffer_SwitchWaitsForChunkBoundary(t *testing.T) {
	src := newPipeSource()
	b := newTestBuffer(t, testConfig(ModeBlock), src)
	flush := b.Sizes().FlushThreshold
	require.NoError(t, b.Start(context.Background()))

	src.feed(t, flush/2)
	require.Eventually(t, func() bool {
		return b.Status().BytesInChunk == int64(flush/2)
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, b.RequestSwitch(ModePool))
	mode, pending := b.PendingSwitch()
	require.True(t, pending)
	require.Equal(t, ModePool, mode)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, ModeBlock, b.StorageMode())
	require.Equal(t, int64(flush/2), b.Status().BytesInChunk)

	src.feed(t, flush)
	require.Eventually(t, func() bool { return b.StorageMode() == ModePool }, 5*time.Second, 5*time.Millisecond)

	_, pending = b.PendingSwitch()
	require.False(t, pending)

	chunks := b.Chunks()
	require.Len(t, chunks, 1)
	require.Equal(t, ModePool, chunks[0].Mode())
	require.Equal(t, flush, chunks[0].Length)

	_, err := b.store.Blocks().Size(readyName(0))
	require.Error(t, err)

	data, err := b.ChunkData(0)
	require.NoError(t, err)
	require.Equal(t, patternBytes(0, flush), data)
}

func TestBuffer_ReadSkipsDroppedChunk(t *testing.T) {
	fs := &failingFS{Filesystem: memfs.New()}
	b := newTestBufferFS(t, testConfig(ModeBlock), &bytesSource{}, fs)

	first := appendChunks(t, b, 1, 1000)
	fs.fail.Store(true)
	appendChunks(t, b, 1, 1000)
	fs.fail.Store(false)
	third := appendChunks(t, b, 1, 1000)

	chunks := b.Chunks()
	require.Len(t, chunks, 2)
	require.Equal(t, ChunkID(0), chunks[0].ID)
	require.Equal(t, ChunkID(2), chunks[1].ID)

	_, ok := b.FindChunkForOffset(1500)
	require.False(t, ok)
	_, err := b.store.Blocks().Size(pendingName(1))
	require.Error(t, err)

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	require.Equal(t, append(first[0], third[0]...), got)
}

func TestBuffer_SeekToTime(t *testing.T) {
	b := newTestBuffer(t, testConfig(ModeBlock), &bytesSource{})

	_, err := b.SeekToTime(0)
	require.ErrorIs(t, err, ErrNoData)

	// 16000 bytes at 128 kbps is one second per chunk
	appendChunks(t, b, 3, 16000)
	require.Equal(t, uint64(3000), b.TotalDurationMs())
	require.InDelta(t, 3.0, b.BufferDurationSeconds(), 0.001)
	require.Equal(t, int64(48000), b.BufferedBytes())

	for _, tc := range []struct {
		name   string
		ms     uint64
		offset int64
		posMs  uint64
	}{
		{"start", 0, 0, 0},
		{"middle", 1500, 24000, 1500},
		{"chunk_start", 2000, 32000, 2000},
		{"past_end_clamps", 3000 + 1000, 47984, 2999},
	} {
		t.Run(tc.name, func(t *testing.T) {
			off, err := b.SeekToTime(tc.ms)
			require.NoError(t, err)
			require.Equal(t, tc.offset, off)
			require.Equal(t, tc.offset, b.Tell())
			require.Equal(t, tc.posMs, b.CurrentPositionMs())
		})
	}

	t.Run("read_after_seek", func(t *testing.T) {
		_, err := b.SeekToTime(1500)
		require.NoError(t, err)
		p := make([]byte, 100)
		n, err := b.Read(p)
		require.NoError(t, err)
		require.Equal(t, patternBytes(24000, n), p[:n])
		require.Equal(t, int64(24000+n), b.Tell())
	})
}

func TestBuffer_Seek(t *testing.T) {
	b := newTestBuffer(t, testConfig(ModeBlock), &bytesSource{})

	_, err := b.Seek(0, io.SeekEnd)
	require.ErrorIs(t, err, ErrNoData)

	appendChunks(t, b, 3, 1000)

	off, err := b.Seek(1500, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(1500), off)

	off, err = b.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	require.Equal(t, int64(1500), off)

	off, err = b.Seek(-1, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(2999), off)

	_, err = b.Seek(3000, io.SeekStart)
	require.ErrorIs(t, err, ErrSeekOutOfRange)
	require.Equal(t, int64(2999), b.Tell())

	p := make([]byte, 10)
	n, err := b.Read(p)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = b.Read(p)
	require.ErrorIs(t, err, io.EOF)

	t.Run("blocked_during_switch", func(t *testing.T) {
		b.mu.Lock()
		b.switching = true
		b.mu.Unlock()
		defer func() {
			b.mu.Lock()
			b.switching = false
			b.mu.Unlock()
		}()

		_, err := b.Seek(0, io.SeekStart)
		require.ErrorIs(t, err, ErrSwitchInProgress)
		_, err = b.SeekToTime(0)
		require.ErrorIs(t, err, ErrSwitchInProgress)
	})
}

func TestBuffer_EvictionKeepsPlaybackChunks(t *testing.T) {
	cfg := testConfig(ModeBlock)
	cfg.MaxChunks = 3
	b := newTestBuffer(t, cfg, &bytesSource{})

	b.currentPlayback.Store(1)
	appendChunks(t, b, 6, 1000)

	ids := chunkIDs(b.Chunks())
	require.Equal(t, []ChunkID{1, 2, 3, 4, 5}, ids)

	b.currentPlayback.Store(3)
	appendChunks(t, b, 1, 1000)
	require.Equal(t, []ChunkID{3, 4, 5, 6}, chunkIDs(b.Chunks()))

	_, err := b.store.Blocks().Size(readyName(1))
	require.Error(t, err)
	requireContiguous(t, b.Chunks())
}

func TestBuffer_PoolSlotReuse(t *testing.T) {
	cfg := testConfig(ModePool)
	cfg.PoolSlots = 4
	b := newTestBuffer(t, cfg, &bytesSource{})
	p := b.store.Pool()
	require.NotNil(t, p)

	for id := 0; id < cfg.PoolSlots+6; id++ {
		appendChunks(t, b, 1, 500)

		occupant, busy := p.Occupant(p.SlotFor(ChunkID(id)))
		require.True(t, busy)
		require.Equal(t, ChunkID(id), occupant)

		if id >= cfg.PoolSlots {
			_, ok := b.FindChunkForOffset(int64(id-cfg.PoolSlots) * 500)
			require.False(t, ok, "chunk %d still ready after its slot was reused", id-cfg.PoolSlots)
		}
		require.LessOrEqual(t, len(b.Chunks()), cfg.PoolSlots)
	}

	t.Run("protected_occupant_drops_chunk", func(t *testing.T) {
		first := b.Chunks()[0]
		b.currentPlayback.Store(int64(first.ID))
		defer b.currentPlayback.Store(noChunk)

		appendChunks(t, b, 1, 500)
		require.Equal(t, first.ID, b.Chunks()[0].ID)

		occupant, _ := p.Occupant(p.SlotFor(first.ID))
		require.Equal(t, first.ID, occupant)
		data, err := b.ChunkData(first.ID)
		require.NoError(t, err)
		require.Equal(t, patternBytes(int(first.StartOffset), 500), data)
	})
}

func TestBuffer_ReadAtLiveEdgeTimesOut(t *testing.T) {
	cfg := testConfig(ModeBlock)
	cfg.LiveEdgeWait = 50 * time.Millisecond
	src := newPipeSource()
	b := newTestBuffer(t, cfg, src)
	require.NoError(t, b.Start(context.Background()))

	src.feed(t, b.Sizes().FlushThreshold)
	require.Eventually(t, func() bool { return len(b.Chunks()) == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err := b.Seek(-1, io.SeekEnd)
	require.NoError(t, err)
	p := make([]byte, 16)
	n, err := b.Read(p)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	start := time.Now()
	n, err = b.Read(p)
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, n)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.True(t, b.Status().Recording)
}

func TestBuffer_BufferingEvents(t *testing.T) {
	b := newTestBuffer(t, testConfig(ModeBlock), &bytesSource{})
	appendChunks(t, b, 2, 1000)

	p := make([]byte, 100)
	_, err := b.Read(p)
	require.NoError(t, err)

	ev := <-b.Events()
	require.Equal(t, BufferingStarted, ev.Kind)
	require.Equal(t, ChunkID(0), ev.ChunkID)
	ev = <-b.Events()
	require.Equal(t, BufferingEnded, ev.Kind)

	// served from the loaded window
	_, err = b.Read(p)
	require.NoError(t, err)
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func TestBuffer_PreloadSwapsNextChunk(t *testing.T) {
	b := newTestBuffer(t, testConfig(ModeBlock), &bytesSource{})
	appendChunks(t, b, 2, 1000)

	p := make([]byte, 600)
	_, err := b.Read(p)
	require.NoError(t, err)
	<-b.Events()
	<-b.Events()

	next, _ := b.FindChunkForOffset(1000)
	require.True(t, b.preload(next, nil))
	id, staged := b.win.nextStaged()
	require.True(t, staged)
	require.Equal(t, ChunkID(1), id)

	rest, err := io.ReadAll(b)
	require.NoError(t, err)
	require.Equal(t, patternBytes(600, 1400), rest)
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func TestBuffer_ExportChunk(t *testing.T) {
	b := newTestBuffer(t, testConfig(ModeBlock), &bytesSource{})
	chunks := appendChunks(t, b, 2, 1000)

	path, err := b.ExportChunk(1)
	require.NoError(t, err)

	paths, err := b.ExportedChunks()
	require.NoError(t, err)
	require.Equal(t, []string{path}, paths)

	f, err := b.store.Blocks().Filesystem().Open(path)
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	f.Close()
	require.Equal(t, chunks[1], got)

	_, err = b.ExportChunk(9)
	require.ErrorIs(t, err, ErrChunkNotFound)

	require.NoError(t, b.Close())
	_, err = b.store.Blocks().Filesystem().Stat(path)
	require.NoError(t, err)
}

func TestBuffer_Lifecycle(t *testing.T) {
	b := New(testConfig(ModeBlock), &bytesSource{}, NewChunkStore(NewBlockStore(memfs.New())), nil, nil)
	require.ErrorIs(t, b.Start(context.Background()), ErrNotOpen)

	_, err := b.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, b.Open())
	require.NoError(t, b.Start(context.Background()))
	require.ErrorIs(t, b.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, b.Close())
	require.False(t, b.Status().Open)
}

func chunkIDs(chunks []Chunk) []ChunkID {
	ids := make([]ChunkID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}
