// Package timeshift records a live byte stream into chunks on pooled memory or
// block storage and serves it back as a seekable, time-addressable reader.
package timeshift

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"radio-timeshift/internal/platform/logger"
	"radio-timeshift/internal/platform/metrics"
	"radio-timeshift/internal/seektable"
	"radio-timeshift/internal/sizing"

	"github.com/google/uuid"
)

// Source is a live byte stream that can be reconnected after a disconnect.
type Source interface {
	Connect(ctx context.Context) (io.ReadCloser, error)
}

// Config carries the buffer tunables. Zero values take the defaults below.
type Config struct {
	Storage            StorageMode
	PoolSlots          int
	QueueDepth         int
	EnqueueTimeout     time.Duration
	MinReadyChunks     int
	InitialWait        time.Duration
	LiveEdgeWait       time.Duration
	ResumeMarginChunks int
	ResumeWait         time.Duration
	PreloadInterval    time.Duration
	PreloadPercent     int
	StallTimeout       time.Duration
	MaxWindowBytes     int64
	MaxChunks          int
	ReconnectMax       int
	ReconnectDelay     time.Duration
	ReconnectJitter    time.Duration
	SwitchIdleWait     time.Duration
	ShutdownTimeout    time.Duration
	SeekStride         uint64
	SampleWindow       time.Duration
	DefaultBitrateKbps int
	EventBuffer        int
}

const (
	DefaultPoolSlots       = 16
	DefaultQueueDepth      = 4
	DefaultMaxWindowBytes  = 512 * 1024 * 1024
	defaultEnqueueTimeout  = 2 * time.Second
	defaultInitialWait     = 5 * time.Second
	defaultLiveEdgeWait    = 15 * time.Second
	defaultResumeWait      = time.Second
	defaultPreloadInterval = 100 * time.Millisecond
	defaultPreloadPercent  = 50
	stallChunkMultiple     = 2
	defaultReconnectMax    = 5
	defaultReconnectDelay  = time.Second
	defaultSwitchIdleWait  = 2 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultSampleWindow    = 2 * time.Second
	defaultEventBuffer     = 16
	pausePoll              = 100 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.PoolSlots <= 0 {
		c.PoolSlots = DefaultPoolSlots
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = defaultEnqueueTimeout
	}
	if c.MinReadyChunks <= 0 {
		c.MinReadyChunks = 1
	}
	if c.InitialWait <= 0 {
		c.InitialWait = defaultInitialWait
	}
	if c.LiveEdgeWait <= 0 {
		c.LiveEdgeWait = defaultLiveEdgeWait
	}
	if c.ResumeMarginChunks < 0 {
		c.ResumeMarginChunks = 0
	}
	if c.ResumeWait <= 0 {
		c.ResumeWait = defaultResumeWait
	}
	if c.PreloadInterval <= 0 {
		c.PreloadInterval = defaultPreloadInterval
	}
	if c.PreloadPercent <= 0 || c.PreloadPercent > 100 {
		c.PreloadPercent = defaultPreloadPercent
	}
	if c.MaxWindowBytes == 0 {
		c.MaxWindowBytes = DefaultMaxWindowBytes
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.SwitchIdleWait <= 0 {
		c.SwitchIdleWait = defaultSwitchIdleWait
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.SeekStride == 0 {
		c.SeekStride = seektable.DefaultStride
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = defaultSampleWindow
	}
	if c.DefaultBitrateKbps <= 0 {
		c.DefaultBitrateKbps = sizing.DefaultBitrateKbps
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}

// timeline tracks where the last appended chunk ended, in bytes and ms.
type timeline struct {
	endOffset int64
	endMs     uint64
}

// Buffer is the timeshift buffer. A recorder goroutine drains the Source into
// chunk jobs, a writer goroutine persists them into the ready set, and a
// preloader goroutine stages the next chunk for Read.
//
// mu guards the ready set, the cursor, switch state and the migration queue.
// It is never held across network reads, storage I/O or waits.
type Buffer struct {
	cfg     Config
	src     Source
	store   *ChunkStore
	sizing  *sizing.State
	seek    *seektable.Table
	metrics *metrics.Metrics
	baseLog *slog.Logger
	log     *slog.Logger
	events  chan Event

	mu             sync.Mutex
	open           bool
	running        bool
	sessionID      string
	mode           StorageMode
	pendingMode    *StorageMode
	switching      bool
	switchCache    map[ChunkID][]byte
	migrationQueue []ChunkID
	ready          readySet
	nextID         ChunkID
	recordedOffset int64
	readOffset     int64
	cursorGen      uint64
	timeline       timeline
	changed        chan struct{}
	closing        chan struct{}
	cancel         context.CancelFunc
	done           chan struct{}

	readMu sync.Mutex
	win    *window

	currentPlayback atomic.Int64
	progress        atomic.Uint32
	bytesInChunk    atomic.Int64
	pendingJobs     atomic.Int64
	downloaded      atomic.Int64
	paused          atomic.Bool
	lastProgress    atomic.Int64
}

// New returns a closed Buffer. store holds the chunks; m may be nil.
func New(cfg Config, src Source, store *ChunkStore, log *slog.Logger, m *metrics.Metrics) *Buffer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Discard()
	}
	b := &Buffer{
		cfg:     cfg,
		src:     src,
		store:   store,
		sizing:  sizing.NewState(cfg.DefaultBitrateKbps, cfg.Storage == ModePool),
		seek:    seektable.New(cfg.SeekStride),
		metrics: m,
		baseLog: log.With("component", "timeshift"),
		events:  make(chan Event, cfg.EventBuffer),
		mode:    cfg.Storage,
		changed: make(chan struct{}),
		closing: make(chan struct{}),
	}
	b.log = b.baseLog
	b.currentPlayback.Store(noChunk)
	return b
}

// Open prepares a new session: stale chunk files are removed, sizes reset to
// the default bitrate and the playback window and pool are allocated.
func (b *Buffer) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		return nil
	}

	removed, err := b.store.Blocks().CleanStale()
	if err != nil {
		return fmt.Errorf("clean stale chunks: %w", err)
	}

	pooled := b.cfg.Storage == ModePool
	b.sizing.Reset(b.cfg.DefaultBitrateKbps, pooled)
	sizes := b.sizing.Sizes()
	if pooled {
		if _, err := b.store.AllocatePool(b.cfg.PoolSlots, sizes.ChunkSize); err != nil {
			return fmt.Errorf("allocate pool: %w", err)
		}
	}

	b.sessionID = uuid.NewString()
	b.log = b.baseLog.With("session", b.sessionID)
	b.mode = b.cfg.Storage
	b.pendingMode = nil
	b.switching = false
	b.switchCache = nil
	b.migrationQueue = nil
	b.ready.reset()
	b.nextID = 0
	b.recordedOffset = 0
	b.readOffset = 0
	b.cursorGen = 0
	b.timeline = timeline{}
	b.win = newWindow(sizes.PlaybackBufferSize / 2)
	b.changed = make(chan struct{})
	b.closing = make(chan struct{})
	b.seek.Reset()
	b.currentPlayback.Store(noChunk)
	b.progress.Store(0)
	b.bytesInChunk.Store(0)
	b.downloaded.Store(0)
	b.paused.Store(false)
	b.open = true

	b.log.Info("timeshift opened",
		slog.String("storage", b.mode.String()),
		slog.Int("stale_files_removed", removed),
		logger.Bytes("chunk_size", int64(sizes.ChunkSize)),
		logger.Bytes("playback_buffer", int64(sizes.PlaybackBufferSize)),
	)
	return nil
}

// Start launches the recorder, writer and preloader.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return ErrNotOpen
	}
	if b.running || b.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	jobs := make(chan ChunkJob, b.cfg.QueueDepth)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.running = true
	b.markProgress()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		b.runRecorder(ctx, jobs)
	}()
	go func() {
		defer wg.Done()
		b.runWriter(jobs)
	}()
	go func() {
		defer wg.Done()
		b.runPreloader(ctx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	b.log.Info("timeshift started", slog.Int("queue_depth", b.cfg.QueueDepth))
	return nil
}

// Stop ends recording and waits for the workers to exit. Buffered chunks
// stay readable until Close.
func (b *Buffer) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	t := time.NewTimer(b.cfg.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		b.log.Error("workers did not stop in time", slog.Duration("timeout", b.cfg.ShutdownTimeout))
		return ErrShutdownTimeout
	}

	b.log.Info("timeshift stopped", logger.Bytes("recorded", b.downloaded.Load()))
	return nil
}

// Close stops the workers and deletes every chunk of the session. Exported
// chunks are kept.
func (b *Buffer) Close() error {
	err := b.Stop()

	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return err
	}
	b.open = false
	b.running = false
	chunks := b.ready.snapshot()
	b.ready.reset()
	b.migrationQueue = nil
	b.switchCache = nil
	b.pendingMode = nil
	close(b.closing)
	b.notifyLocked()
	b.mu.Unlock()

	for _, c := range chunks {
		if rerr := b.store.Remove(c); rerr != nil {
			b.log.Warn("remove chunk failed", chunkAttr(c.ID), slog.String("error", rerr.Error()))
		}
	}
	b.store.ReleasePool()
	b.seek.Reset()
	b.currentPlayback.Store(noChunk)

	b.log.Info("timeshift closed", slog.Int("chunks_removed", len(chunks)))
	return err
}

// PauseRecording stops draining the source without dropping the connection.
func (b *Buffer) PauseRecording() {
	if !b.paused.Swap(true) {
		b.log.Info("recording paused")
	}
}

// ResumeRecording undoes PauseRecording.
func (b *Buffer) ResumeRecording() {
	if b.paused.Swap(false) {
		b.log.Info("recording resumed")
	}
}

// markProgress records that the producer delivered bytes or a chunk.
func (b *Buffer) markProgress() {
	b.lastProgress.Store(time.Now().UnixNano())
}

// stallTimeout is how long the producer may go without progress before
// playback at the live edge counts as stalled. Zero or less disables the
// rewind. Left unset it is stallChunkMultiple chunk durations.
func (b *Buffer) stallTimeout() time.Duration {
	if b.cfg.StallTimeout != 0 {
		return b.cfg.StallTimeout
	}
	return stallChunkMultiple * b.sizing.Sizes().ChunkDuration()
}

// producerStalled reports whether nothing arrived for the stall timeout.
func (b *Buffer) producerStalled(now time.Time) bool {
	d := b.stallTimeout()
	if d <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, b.lastProgress.Load())) >= d
}

// Events delivers BufferingStarted/BufferingEnded notifications. Events are
// dropped when nobody drains the channel.
func (b *Buffer) Events() <-chan Event {
	return b.events
}

// StorageMode returns the backend new chunks are written to.
func (b *Buffer) StorageMode() StorageMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Sizes returns the current chunk and buffer sizes.
func (b *Buffer) Sizes() sizing.Sizes {
	return b.sizing.Sizes()
}

// SeekTable exposes the incremental seek table.
func (b *Buffer) SeekTable() *seektable.Table {
	return b.seek
}

// Chunks returns a copy of the ready set.
func (b *Buffer) Chunks() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready.snapshot()
}

// FindChunkForOffset returns the ready chunk containing offset.
func (b *Buffer) FindChunkForOffset(offset int64) (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.ready.findForOffset(offset)
	if !ok {
		return Chunk{}, false
	}
	return b.ready.at(i), true
}

// notifyLocked wakes everyone waiting for a ready-set or cursor change.
func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// waitChange blocks until ch fires, d elapses or the buffer closes. It
// reports whether ch fired.
func (b *Buffer) waitChange(ch <-chan struct{}, d time.Duration) bool {
	b.mu.Lock()
	closing := b.closing
	b.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-closing:
		return false
	}
}

func (b *Buffer) emit(kind EventKind, id ChunkID) {
	select {
	case b.events <- Event{Kind: kind, ChunkID: id, At: time.Now()}:
	default:
	}
}

// readChunk loads c into dst and verifies its checksum.
func (b *Buffer) readChunk(c Chunk, dst []byte) error {
	if err := b.store.ReadInto(c, dst); err != nil {
		return err
	}
	return b.store.Verify(c, dst[:c.Length])
}

func chunkAttr(id ChunkID) slog.Attr {
	return slog.Uint64("chunk_id", uint64(id))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
