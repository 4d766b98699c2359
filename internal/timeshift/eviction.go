package timeshift

import "log/slog"

// evictableLocked reports whether c may leave the ready set. The current
// playback chunk and everything after it are protected, which covers the
// two chunks following it.
func (b *Buffer) evictableLocked(c Chunk) bool {
	cur := b.currentPlayback.Load()
	return cur == noChunk || int64(c.ID) < cur
}

func (b *Buffer) maxChunksLocked() int {
	limit := b.cfg.MaxChunks
	if b.mode == ModePool && (limit <= 0 || limit > b.cfg.PoolSlots) {
		limit = b.cfg.PoolSlots
	}
	return limit
}

func (b *Buffer) overLimitLocked() bool {
	if limit := b.maxChunksLocked(); limit > 0 && b.ready.len() > limit {
		return true
	}
	return b.cfg.MaxWindowBytes > 0 && b.ready.bytes > b.cfg.MaxWindowBytes
}

// evictLocked removes chunks oldest-first while the window is over its limits.
// Storage is released by disposeEvicted after the lock is dropped.
func (b *Buffer) evictLocked() []Chunk {
	var out []Chunk
	for b.ready.len() > 0 && b.overLimitLocked() {
		head, _ := b.ready.first()
		if !b.evictableLocked(head) {
			break
		}
		out = append(out, b.ready.popFront())
	}
	return out
}

// evictThroughLocked removes chunks oldest-first up to and including id.
func (b *Buffer) evictThroughLocked(id ChunkID) []Chunk {
	var out []Chunk
	for b.ready.len() > 0 {
		head, _ := b.ready.first()
		if head.ID > id || !b.evictableLocked(head) {
			break
		}
		out = append(out, b.ready.popFront())
	}
	return out
}

// disposeEvicted frees the storage of chunks already removed from the ready
// set and prunes the seek table.
func (b *Buffer) disposeEvicted(chunks []Chunk) {
	if len(chunks) == 0 {
		return
	}

	b.mu.Lock()
	quiet := b.switching
	first, hasFirst := b.ready.first()
	b.mu.Unlock()

	for _, c := range chunks {
		if err := b.store.Remove(c); err != nil {
			b.log.Warn("remove evicted chunk failed", chunkAttr(c.ID), slog.String("error", err.Error()))
		}
		if !quiet {
			b.log.Debug("chunk evicted", chunkAttr(c.ID), slog.String("storage", c.Ref.String()))
		}
	}

	if hasFirst {
		b.seek.TrimBefore(first.StartOffset)
	} else {
		b.seek.TrimBefore(chunks[len(chunks)-1].EndOffset)
	}
	b.metrics.AddChunksEvicted(len(chunks))
	b.maybeReleasePool()
}
