package timeshift

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Read serves bytes at the read cursor. It waits briefly for initial
// buffering and for the live edge to advance; when those waits run out, when
// the buffer is closed, or once recording has ended and everything was read,
// it returns 0, io.EOF.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.readMu.Lock()
	defer b.readMu.Unlock()

	if !b.waitInitial() {
		return 0, io.EOF
	}

	for {
		b.mu.Lock()
		if !b.open {
			b.mu.Unlock()
			return 0, io.EOF
		}
		off, gen := b.readOffset, b.cursorGen
		i, ok := b.ready.findForOffset(off)
		if !ok {
			if j, ok := b.ready.nextAfter(off); ok {
				next := b.ready.at(j)
				b.readOffset = next.StartOffset
				b.mu.Unlock()
				b.log.Debug("read cursor skipped to next chunk",
					slog.Int64("from", off), slog.Int64("to", next.StartOffset), chunkAttr(next.ID))
				continue
			}
			running, ch := b.running, b.changed
			b.mu.Unlock()

			if !running {
				return 0, io.EOF
			}
			if !b.waitChange(ch, b.cfg.LiveEdgeWait) {
				b.log.Debug("live edge wait expired", slog.Int64("offset", off))
				return 0, io.EOF
			}
			continue
		}
		c := b.ready.at(i)
		cached := b.switchCache[c.ID]
		// Claim c before unlocking so eviction keeps it while it loads.
		b.currentPlayback.Store(int64(c.ID))
		b.progress.Store(uint32(int(off-c.StartOffset) * 100 / c.Length))
		b.mu.Unlock()

		data, err := b.windowFor(c, cached)
		if err != nil {
			b.skipChunk(c, gen, err)
			continue
		}

		rel := int(off - c.StartOffset)
		n := copy(p, data[rel:])
		b.progress.Store(uint32((rel + n) * 100 / c.Length))

		b.mu.Lock()
		if b.cursorGen == gen {
			b.readOffset = off + int64(n)
		}
		b.mu.Unlock()
		return n, nil
	}
}

// windowFor makes c the current window region: it is either already there,
// staged in the next region, or loaded synchronously.
func (b *Buffer) windowFor(c Chunk, cached []byte) ([]byte, error) {
	w := b.win
	reload := w.consumeReload()
	if !reload {
		if data, ok := w.current(c.ID); ok {
			return data, nil
		}
		if w.takeNext(c.ID) {
			b.log.Debug("preloaded chunk swapped in", chunkAttr(c.ID))
			data, _ := w.current(c.ID)
			return data, nil
		}
		b.emit(BufferingStarted, c.ID)
		b.metrics.IncBuffering()
		defer b.emit(BufferingEnded, c.ID)
	}

	if err := b.loadCurrent(c, cached); err != nil {
		return nil, err
	}
	if !reload {
		b.waitResumeMargin(c)
	}
	data, _ := w.current(c.ID)
	return data, nil
}

// loadCurrent reads c from the switch cache or the store into the current
// region. A failed read is retried once with the chunk's latest storage ref
// in case a backend switch moved it.
func (b *Buffer) loadCurrent(c Chunk, cached []byte) error {
	w := b.win
	buf := w.curBuffer(c.Length)
	if cached != nil {
		copy(buf, cached)
		w.commitCurrent(c.ID, c.Length)
		return nil
	}

	err := b.readChunk(c, buf)
	if err != nil {
		b.mu.Lock()
		i, ok := b.ready.indexOf(c.ID)
		var fresh Chunk
		if ok {
			fresh = b.ready.at(i)
		}
		b.mu.Unlock()
		if ok && fresh.Ref != c.Ref {
			err = b.readChunk(fresh, buf)
		}
	}
	if err != nil {
		return err
	}
	w.commitCurrent(c.ID, c.Length)
	return nil
}

// skipChunk moves the cursor past an unreadable chunk.
func (b *Buffer) skipChunk(c Chunk, gen uint64, err error) {
	b.log.Error("chunk unreadable, skipping", chunkAttr(c.ID), slog.String("error", err.Error()))
	b.mu.Lock()
	if b.cursorGen == gen && b.readOffset < c.EndOffset {
		b.readOffset = c.EndOffset
	}
	b.mu.Unlock()
}

// waitInitial holds the first reads until MinReadyChunks are buffered.
func (b *Buffer) waitInitial() bool {
	deadline := time.Now().Add(b.cfg.InitialWait)
	for {
		b.mu.Lock()
		open, running, n, ch := b.open, b.running, b.ready.len(), b.changed
		b.mu.Unlock()

		switch {
		case !open:
			return false
		case n >= b.cfg.MinReadyChunks, !running:
			return n > 0
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.log.Warn("initial buffering timed out", slog.Int("ready_chunks", n))
			return n > 0
		}
		b.waitChange(ch, remaining)
	}
}

// waitResumeMargin waits, bounded by ResumeWait, until ResumeMarginChunks are
// buffered beyond c after a synchronous load.
func (b *Buffer) waitResumeMargin(c Chunk) {
	if b.cfg.ResumeMarginChunks == 0 {
		return
	}
	deadline := time.Now().Add(b.cfg.ResumeWait)
	for {
		b.mu.Lock()
		ahead := 0
		if i, ok := b.ready.indexOf(c.ID); ok {
			ahead = b.ready.len() - i - 1
		}
		running, ch := b.running, b.changed
		b.mu.Unlock()

		if ahead >= b.cfg.ResumeMarginChunks || !running {
			return
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || !b.waitChange(ch, remaining) {
			return
		}
	}
}

// Seek moves the read cursor. The target must lie inside a ready chunk; seek
// never waits for data.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return 0, ErrNotOpen
	}
	if whence == io.SeekCurrent && offset == 0 {
		return b.readOffset, nil
	}
	if b.switching {
		return b.readOffset, ErrSwitchInProgress
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.readOffset + offset
	case io.SeekEnd:
		last, ok := b.ready.last()
		if !ok {
			return b.readOffset, ErrNoData
		}
		abs = last.EndOffset + offset
	default:
		return b.readOffset, fmt.Errorf("whence %d: %w", whence, ErrSeekOutOfRange)
	}

	i, ok := b.ready.findForOffset(abs)
	if !ok {
		return b.readOffset, fmt.Errorf("offset %d: %w", abs, ErrSeekOutOfRange)
	}
	b.moveCursorLocked(abs, b.ready.at(i))
	b.log.Info("seek", slog.Int64("offset", abs), chunkAttr(b.ready.at(i).ID))
	return abs, nil
}

// SeekToTime moves the cursor to stream time ms and returns the byte offset.
// Targets outside the buffered range are clamped to it. The offset is
// interpolated within the chunk and snapped to a seek table entry when one
// falls inside the same chunk.
func (b *Buffer) SeekToTime(ms uint64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return 0, ErrNotOpen
	}
	if b.switching {
		return b.readOffset, ErrSwitchInProgress
	}
	first, ok := b.ready.first()
	if !ok {
		return 0, ErrNoData
	}
	last, _ := b.ready.last()

	target := max(ms, first.StartTimeMs)
	if end := last.EndTimeMs(); end > first.StartTimeMs && target >= end {
		target = end - 1
	}

	i := b.ready.findForTime(target)
	c := b.ready.at(i)
	if target >= c.EndTimeMs() && i+1 < b.ready.len() {
		// target falls into a hole between chunks
		c = b.ready.at(i + 1)
		target = c.StartTimeMs
	}

	off := c.StartOffset
	if c.DurationMs > 0 && target > c.StartTimeMs {
		rel := min(target-c.StartTimeMs, uint64(c.DurationMs))
		off += int64(rel * uint64(c.Length) / uint64(c.DurationMs))
	}
	if off >= c.EndOffset {
		off = c.EndOffset - 1
	}
	off = b.refineSeek(c, target, off)

	b.moveCursorLocked(off, c)
	b.log.Info("seek to time",
		slog.Uint64("requested_ms", ms), slog.Uint64("target_ms", target),
		slog.Int64("offset", off), chunkAttr(c.ID))
	return off, nil
}

// refineSeek snaps off to the nearest seek table entry at or below the target
// frame if that entry lies inside c.
func (b *Buffer) refineSeek(c Chunk, targetMs uint64, off int64) int64 {
	frame, ok := b.seek.FrameForMs(targetMs)
	if !ok {
		return off
	}
	e, ok := b.seek.FindSeekPoint(frame)
	if !ok || !c.Contains(e.ByteOffset) {
		return off
	}
	return e.ByteOffset
}

func (b *Buffer) moveCursorLocked(off int64, c Chunk) {
	b.readOffset = off
	b.cursorGen++
	b.currentPlayback.Store(int64(c.ID))
	b.progress.Store(uint32((off - c.StartOffset) * 100 / int64(c.Length)))
	b.notifyLocked()
}

// Tell returns the read cursor.
func (b *Buffer) Tell() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOffset
}

// Size returns 0 while recording, then the total recorded bytes.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return 0
	}
	return b.recordedOffset
}

// IsSeekable reports whether recording has finished.
func (b *Buffer) IsSeekable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && !b.running
}

// CurrentPositionMs returns the stream time at the read cursor.
func (b *Buffer) CurrentPositionMs() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positionMsLocked()
}

func (b *Buffer) positionMsLocked() uint64 {
	i, ok := b.ready.findForOffset(b.readOffset)
	if !ok {
		if last, ok := b.ready.last(); ok && b.readOffset >= last.EndOffset {
			return last.EndTimeMs()
		}
		if first, ok := b.ready.first(); ok && b.readOffset < first.StartOffset {
			return first.StartTimeMs
		}
		return 0
	}
	c := b.ready.at(i)
	return c.StartTimeMs + uint64(b.readOffset-c.StartOffset)*uint64(c.DurationMs)/uint64(c.Length)
}

// TotalDurationMs returns the stream time at the end of the last ready chunk.
func (b *Buffer) TotalDurationMs() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, ok := b.ready.last()
	if !ok {
		return 0
	}
	return last.EndTimeMs()
}

// BufferedBytes returns the bytes held by ready chunks.
func (b *Buffer) BufferedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready.bytes
}

// BufferDurationSeconds returns the playback time held by ready chunks.
func (b *Buffer) BufferDurationSeconds() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.ready.durationMs()) / 1000
}

// TotalDownloadedBytes returns every byte read from the source this session.
func (b *Buffer) TotalDownloadedBytes() int64 {
	return b.downloaded.Load()
}
