package timeshift

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"radio-timeshift/internal/platform/logger"
	"radio-timeshift/internal/platform/metrics"
	"radio-timeshift/internal/sizing"

	"github.com/cespare/xxhash/v2"
)

// recorder is the producer side: it owns the circular staging buffer and
// turns it into chunk jobs at flush boundaries.
type recorder struct {
	b       *Buffer
	log     *slog.Logger
	jobs    chan<- ChunkJob
	staging []byte
	head    int
	inChunk int
	readBuf []byte
	sampler *sizing.Sampler
}

func (b *Buffer) runRecorder(ctx context.Context, jobs chan<- ChunkJob) {
	defer close(jobs)

	rec := &recorder{
		b:       b,
		log:     b.log.With("component", "recorder"),
		jobs:    jobs,
		sampler: sizing.NewSampler(b.cfg.SampleWindow),
	}
	rec.resizeStaging()

	failures := 0
	for ctx.Err() == nil {
		body, err := b.src.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			rec.log.Warn("source connect failed", slog.Int("attempt", failures), slog.String("error", err.Error()))
			if failures >= b.cfg.ReconnectMax || !sleepCtx(ctx, b.reconnectDelay()) {
				break
			}
			continue
		}

		rec.log.Info("source connected")
		stop := context.AfterFunc(ctx, func() { body.Close() })
		n, err := rec.pump(ctx, body)
		if stop() {
			body.Close()
		}
		if ctx.Err() != nil {
			break
		}

		if n > 0 {
			failures = 0
		}
		failures++
		b.metrics.IncReconnects()
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		rec.log.Warn("source disconnected", slog.Int("attempt", failures), slog.String("error", err.Error()))
		if failures >= b.cfg.ReconnectMax || !sleepCtx(ctx, b.reconnectDelay()) {
			break
		}
	}

	if failures >= b.cfg.ReconnectMax {
		rec.log.Error("source unavailable, recording ended", slog.Int("attempts", failures))
	}
	rec.finish()
}

func (b *Buffer) reconnectDelay() time.Duration {
	d := b.cfg.ReconnectDelay
	if j := b.cfg.ReconnectJitter; j > 0 {
		d += rand.N(j)
	}
	return d
}

// pump drains body until it fails or ctx ends, returning the bytes read.
func (r *recorder) pump(ctx context.Context, body io.Reader) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if r.b.paused.Load() {
			if !sleepCtx(ctx, pausePoll) {
				return total, ctx.Err()
			}
			continue
		}

		r.b.serviceMigrationQueue()
		r.maybeSwitch()

		buf := r.readBuffer()
		n, err := body.Read(buf)
		if n > 0 {
			total += int64(n)
			r.b.markProgress()
			r.b.downloaded.Add(int64(n))
			r.b.metrics.AddBytesRecorded(n)
			r.record(buf[:n])
			r.sample(n)
		}
		if err != nil {
			return total, err
		}
	}
}

func (r *recorder) readBuffer() []byte {
	want := r.b.sizing.Sizes().NetworkReadSize
	if len(r.readBuf) != want {
		r.readBuf = make([]byte, want)
	}
	return r.readBuf
}

func (r *recorder) sample(n int) {
	if r.b.sizing.Adapted() {
		return
	}
	kbps, ok := r.sampler.Add(n, time.Now())
	if !ok {
		return
	}
	if sizes, changed := r.b.sizing.Adapt(kbps, sizing.SourceThroughput); changed {
		r.log.Info("chunk sizes adapted",
			slog.String("source", sizing.SourceThroughput.String()),
			slog.Int("bitrate_kbps", sizes.BitrateKbps),
			logger.Bytes("chunk_size", int64(sizes.ChunkSize)),
		)
	}
}

// record appends data to the staging buffer, flushing every time the current
// chunk reaches its limit.
func (r *recorder) record(data []byte) {
	for len(data) > 0 {
		limit := r.flushLimit()
		if r.inChunk >= limit {
			r.flush()
			continue
		}

		take := min(len(data), limit-r.inChunk)
		r.write(data[:take])
		data = data[take:]

		if r.inChunk >= limit {
			r.flush()
			r.maybeSwitch()
		}
	}
}

// flushLimit is the flush threshold, capped by the pool slot size in pool
// mode and by the staging capacity so the ring never overwrites unflushed bytes.
func (r *recorder) flushLimit() int {
	limit := r.b.sizing.Sizes().FlushThreshold
	if r.b.StorageMode() == ModePool {
		if p := r.b.store.Pool(); p != nil && p.SlotSize() < limit {
			limit = p.SlotSize()
		}
	}
	if limit > len(r.staging) {
		limit = len(r.staging)
	}
	return limit
}

func (r *recorder) write(p []byte) {
	n := copy(r.staging[r.head:], p)
	if n < len(p) {
		copy(r.staging, p[n:])
	}
	r.head = (r.head + len(p)) % len(r.staging)
	r.inChunk += len(p)
	r.b.bytesInChunk.Store(int64(r.inChunk))
}

// flush snapshots the in-progress chunk out of the ring and queues it.
func (r *recorder) flush() {
	n := r.inChunk
	if n == 0 {
		return
	}

	data := make([]byte, n)
	start := (r.head - n + len(r.staging)) % len(r.staging)
	if c := copy(data, r.staging[start:]); c < n {
		copy(data[c:], r.staging[:n-c])
	}
	r.inChunk = 0
	r.b.bytesInChunk.Store(0)

	b := r.b
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	offset := b.recordedOffset
	b.recordedOffset += int64(n)
	target := b.mode
	b.mu.Unlock()

	job := ChunkJob{
		ID:          id,
		StartOffset: offset,
		Data:        data,
		Target:      target,
		Checksum:    xxhash.Sum64(data),
	}
	if err := r.enqueue(job); err != nil {
		r.log.Warn("chunk dropped",
			chunkAttr(id),
			slog.Int64("offset", offset),
			slog.Int("length", n),
			slog.String("error", err.Error()),
		)
		b.metrics.IncChunksDropped(metrics.DropQueueFull)
	}

	r.resizeStaging()
}

func (r *recorder) enqueue(job ChunkJob) error {
	r.b.pendingJobs.Add(1)
	select {
	case r.jobs <- job:
		return nil
	default:
	}

	t := time.NewTimer(r.b.cfg.EnqueueTimeout)
	defer t.Stop()
	select {
	case r.jobs <- job:
		return nil
	case <-t.C:
		r.b.pendingJobs.Add(-1)
		return ErrQueueFull
	}
}

// resizeStaging follows the recording buffer size between chunks.
func (r *recorder) resizeStaging() {
	want := r.b.sizing.Sizes().RecordingBufferSize
	if r.inChunk == 0 && len(r.staging) != want {
		r.staging = make([]byte, want)
		r.head = 0
	}
}

// maybeSwitch applies a pending backend switch at a chunk boundary once the
// writer has drained.
func (r *recorder) maybeSwitch() {
	if r.inChunk > 0 {
		return
	}
	target, ok := r.b.PendingSwitch()
	if !ok {
		return
	}
	if !r.b.waitWriterIdle(r.b.cfg.SwitchIdleWait) {
		r.log.Debug("storage switch deferred, writer busy")
		return
	}
	if err := r.b.applySwitch(target); err != nil {
		r.log.Warn("storage switch not applied", slog.String("mode", target.String()), slog.String("error", err.Error()))
	}
}

// finish flushes the partial chunk and settles switch and migration work.
func (r *recorder) finish() {
	r.flush()
	r.maybeSwitch()
	for r.b.serviceMigrationQueue() {
	}
	r.log.Info("recorder stopped", logger.Bytes("recorded", r.b.downloaded.Load()))
}

func (b *Buffer) waitWriterIdle(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for b.pendingJobs.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}
