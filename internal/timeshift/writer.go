package timeshift

import (
	"fmt"
	"log/slog"

	"radio-timeshift/internal/platform/logger"
	"radio-timeshift/internal/platform/metrics"
	"radio-timeshift/internal/seektable"
	"radio-timeshift/internal/sizing"
)

// runWriter persists jobs until the recorder closes the queue. Recording is
// over once the queue is drained.
func (b *Buffer) runWriter(jobs <-chan ChunkJob) {
	log := b.log.With("component", "writer")
	defer func() {
		b.mu.Lock()
		b.running = false
		b.notifyLocked()
		b.mu.Unlock()
		log.Info("writer stopped")
	}()

	for job := range jobs {
		b.processJob(log, job)
		b.pendingJobs.Add(-1)
	}
}

// processJob persists, validates and promotes one chunk. Any failure drops
// the chunk and removes what was stored; recording carries on with a hole.
func (b *Buffer) processJob(log *slog.Logger, job ChunkJob) {
	log = log.With(chunkAttr(job.ID), slog.Int64("offset", job.StartOffset))

	if len(job.Data) == 0 {
		log.Debug("empty chunk discarded")
		b.metrics.IncChunksDropped(metrics.DropEmptyChunk)
		return
	}

	c := Chunk{
		ID:          job.ID,
		StartOffset: job.StartOffset,
		EndOffset:   job.StartOffset + int64(len(job.Data)),
		Length:      len(job.Data),
		State:       ChunkPending,
		Checksum:    job.Checksum,
	}

	if job.Target == ModePool {
		if err := b.makeRoomInPool(job.ID); err != nil {
			log.Warn("chunk dropped, pool slot busy", slog.String("error", err.Error()))
			b.metrics.IncChunksDropped(metrics.DropSlotBusy)
			return
		}
	}

	ref, err := b.store.Persist(job)
	if err != nil {
		if job.Target == ModeBlock {
			c.Ref = FileRef{Name: pendingName(job.ID)}
		}
		b.discard(log.With(slog.String("storage", job.Target.String())), c, metrics.DropPersist, err)
		return
	}
	c.Ref = ref

	if err := b.store.Validate(c); err != nil {
		b.discard(log, c, metrics.DropValidate, err)
		return
	}
	if c.Ref, err = b.store.Promote(c); err != nil {
		c.Ref = ref
		b.discard(log, c, metrics.DropValidate, err)
		return
	}

	info := seektable.Scan(job.Data)
	b.adaptFromHeader(log, info)
	c.TotalFrames = uint32(info.Frames)
	c.DurationMs = info.DurationMs
	if info.Frames == 0 {
		c.DurationMs = estimateDurationMs(int64(c.Length), b.sizing.Sizes().BitrateKbps)
	}
	if res := b.seek.Feed(job.Data, job.StartOffset); res.Resynced {
		log.Debug("seek table resynced", slog.Int("frames", res.Frames), slog.Int("entries", res.Entries))
	}

	b.mu.Lock()
	c.StartTimeMs = b.timelineStartLocked(c.StartOffset)
	c.State = ChunkReady
	if err := b.ready.append(c); err != nil {
		b.mu.Unlock()
		b.discard(log, c, metrics.DropPersist, err)
		return
	}
	b.timeline = timeline{endOffset: c.EndOffset, endMs: c.EndTimeMs()}
	b.markProgress()
	evicted := b.evictLocked()
	b.notifyLocked()
	b.mu.Unlock()

	b.disposeEvicted(evicted)
	b.metrics.IncChunksWritten()

	log.Debug("chunk ready",
		slog.String("storage", c.Ref.String()),
		logger.Bytes("length", int64(c.Length)),
		slog.Uint64("start_ms", c.StartTimeMs),
		slog.Uint64("duration_ms", uint64(c.DurationMs)),
		slog.Int("frames", info.Frames),
	)
}

// discard marks c invalid and removes whatever was stored for it.
func (b *Buffer) discard(log *slog.Logger, c Chunk, reason string, err error) {
	c.State = ChunkInvalid
	if rerr := b.store.Remove(c); rerr != nil {
		log.Warn("remove dropped chunk failed", slog.String("error", rerr.Error()))
	}
	log.Error("chunk dropped",
		slog.String("state", c.State.String()), slog.String("reason", reason), slog.String("error", err.Error()))
	b.metrics.IncChunksDropped(reason)
}

// adaptFromHeader seeds the sizing policy with the bitrate read from the
// first scanned frames.
func (b *Buffer) adaptFromHeader(log *slog.Logger, info seektable.ChunkInfo) {
	if info.BitrateKbps <= 0 {
		return
	}
	kbps := sizing.SnapBitrate(float64(info.BitrateKbps))
	if sizes, changed := b.sizing.Adapt(kbps, sizing.SourceHeader); changed {
		log.Info("chunk sizes adapted",
			slog.String("source", sizing.SourceHeader.String()),
			slog.Int("bitrate_kbps", sizes.BitrateKbps),
			slog.Int("sample_rate", info.SampleRate),
			logger.Bytes("chunk_size", int64(sizes.ChunkSize)),
		)
	}
}

// timelineStartLocked returns the stream time at offset. A hole left by
// dropped chunks is bridged with a bitrate estimate so times stay absolute.
func (b *Buffer) timelineStartLocked(offset int64) uint64 {
	ms := b.timeline.endMs
	if gap := offset - b.timeline.endOffset; gap > 0 {
		ms += uint64(estimateDurationMs(gap, b.sizing.Sizes().BitrateKbps))
	}
	return ms
}

// makeRoomInPool evicts the chunk occupying id's slot, if eviction may.
func (b *Buffer) makeRoomInPool(id ChunkID) error {
	p := b.store.Pool()
	if p == nil {
		return ErrPoolUnavailable
	}
	slot := p.SlotFor(id)
	occupant, busy := p.Occupant(slot)
	if !busy {
		return nil
	}

	b.mu.Lock()
	evicted := b.evictThroughLocked(occupant)
	b.mu.Unlock()
	b.disposeEvicted(evicted)

	if occupant, busy = p.Occupant(slot); busy {
		return fmt.Errorf("slot %d holds chunk %d: %w", slot, occupant, ErrSlotOccupied)
	}
	return nil
}

func estimateDurationMs(n int64, kbps int) uint32 {
	if kbps <= 0 {
		kbps = sizing.DefaultBitrateKbps
	}
	return uint32(n * 8 / int64(kbps))
}
