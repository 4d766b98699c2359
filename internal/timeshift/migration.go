package timeshift

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"radio-timeshift/internal/platform/logger"
	"radio-timeshift/internal/sizing"
)

const (
	switchOK      = "ok"
	switchAborted = "aborted"
	switchFailed  = "failed"
)

// RequestSwitch asks for new chunks to go to mode. While recording, the
// switch is applied by the recorder at the next chunk boundary. Otherwise it
// is applied at once and the migration queue is drained before returning.
func (b *Buffer) RequestSwitch(mode StorageMode) error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return ErrNotOpen
	}
	if b.switching {
		b.mu.Unlock()
		return ErrSwitchInProgress
	}
	if mode == b.mode {
		b.pendingMode = nil
		b.mu.Unlock()
		return nil
	}
	b.pendingMode = &mode
	running := b.running
	b.mu.Unlock()

	b.log.Info("storage switch requested", slog.String("mode", mode.String()), slog.Bool("deferred", running))
	if running {
		return nil
	}

	if err := b.applySwitch(mode); err != nil {
		return err
	}
	for b.serviceMigrationQueue() {
	}
	return nil
}

// PendingSwitch returns the mode of a requested switch not yet applied.
func (b *Buffer) PendingSwitch() (StorageMode, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pendingMode == nil {
		return b.mode, false
	}
	return *b.pendingMode, true
}

// applySwitch moves chunk storage to target. The writer must be idle and no
// chunk may be in progress. Playback keeps running from the switch cache;
// on failure the previous mode stays in effect.
func (b *Buffer) applySwitch(target StorageMode) error {
	b.mu.Lock()
	if b.switching {
		b.mu.Unlock()
		return ErrSwitchInProgress
	}
	b.pendingMode = nil
	if b.mode == target {
		b.mu.Unlock()
		return nil
	}
	from := b.mode
	b.switching = true
	snap := b.playbackChunksLocked()
	b.mu.Unlock()

	log := b.log.With(slog.String("from", from.String()), slog.String("to", target.String()))
	start := time.Now()

	cache := b.buildSwitchCache(log, snap)
	b.mu.Lock()
	b.switchCache = cache
	b.mu.Unlock()

	var err error
	if target == ModePool {
		err = b.switchToPool(log)
	} else {
		err = b.switchToBlock(log, snap)
	}

	b.win.invalidate()
	b.mu.Lock()
	b.switching = false
	b.switchCache = nil
	if err == nil {
		b.mode = target
	}
	b.notifyLocked()
	b.mu.Unlock()

	if err != nil {
		result := switchFailed
		if errors.Is(err, ErrSwitchAborted) {
			result = switchAborted
		}
		b.metrics.IncStorageSwitch(target.String(), result)
		b.maybeReleasePool()
		log.Error("storage switch failed, mode unchanged", slog.String("error", err.Error()))
		return err
	}

	sizes := b.sizing.Recompute(target == ModePool)
	b.metrics.IncStorageSwitch(target.String(), switchOK)
	b.maybeReleasePool()

	b.mu.Lock()
	queued := len(b.migrationQueue)
	b.mu.Unlock()
	log.Info("storage switched",
		slog.Duration("took", time.Since(start)),
		slog.Int("queued_migrations", queued),
		logger.Bytes("flush_threshold", int64(sizes.FlushThreshold)),
	)
	return nil
}

// playbackChunksLocked returns the current playback chunk and the one after it.
func (b *Buffer) playbackChunksLocked() []Chunk {
	var (
		i  int
		ok bool
	)
	if cur := b.currentPlayback.Load(); cur != noChunk {
		i, ok = b.ready.indexOf(ChunkID(cur))
	}
	if !ok {
		i, ok = b.ready.findForOffset(b.readOffset)
	}
	if !ok {
		return nil
	}
	out := []Chunk{b.ready.at(i)}
	if i+1 < b.ready.len() {
		out = append(out, b.ready.at(i+1))
	}
	return out
}

// buildSwitchCache copies the given chunks into private buffers the reader
// and preloader serve from while storage moves.
func (b *Buffer) buildSwitchCache(log *slog.Logger, chunks []Chunk) map[ChunkID][]byte {
	cache := make(map[ChunkID][]byte, len(chunks))
	for _, c := range chunks {
		buf := make([]byte, c.Length)
		if err := b.readChunk(c, buf); err != nil {
			log.Warn("switch cache miss", chunkAttr(c.ID), slog.String("error", err.Error()))
			continue
		}
		cache[c.ID] = buf
	}
	return cache
}

type movedChunk struct {
	id       ChunkID
	old, ref StorageRef
}

// switchToPool allocates the pool, trims the ready set to the slot count and
// copies every block chunk into its slot. Files are removed only after all
// copies succeeded; any failure reverts the copies.
func (b *Buffer) switchToPool(log *slog.Logger) error {
	b.mu.Lock()
	slotSize := sizing.Calculate(b.sizing.Sizes().BitrateKbps, true).ChunkSize
	for _, c := range b.ready.chunks {
		slotSize = max(slotSize, c.Length)
	}
	b.mu.Unlock()

	p, err := b.store.AllocatePool(b.cfg.PoolSlots, slotSize)
	if err != nil {
		return fmt.Errorf("allocate pool: %w", err)
	}

	b.mu.Lock()
	evicted, err := b.trimForPoolLocked(p.Slots())
	chunks := b.ready.snapshot()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.disposeEvicted(evicted)
	if len(evicted) > 0 {
		log.Info("ready set trimmed for pool", slog.Int("evicted", len(evicted)))
	}

	var moved []movedChunk
	for _, c := range chunks {
		if c.Mode() == ModePool {
			continue
		}
		ref, err := b.store.Migrate(c, ModePool)
		if err != nil {
			for _, m := range moved {
				_ = b.store.RemoveRef(m.id, m.ref)
			}
			return fmt.Errorf("%w: %w", ErrSwitchAborted, err)
		}
		moved = append(moved, movedChunk{id: c.ID, old: c.Ref, ref: ref})
	}

	b.mu.Lock()
	b.migrationQueue = nil
	committed := make([]bool, len(moved))
	for i, m := range moved {
		committed[i] = b.ready.setRef(m.id, m.old, m.ref)
	}
	b.mu.Unlock()

	for i, m := range moved {
		stale := m.old
		if !committed[i] {
			stale = m.ref
		}
		if err := b.store.RemoveRef(m.id, stale); err != nil {
			log.Warn("remove migrated chunk failed", chunkAttr(m.id), slog.String("error", err.Error()))
		}
	}
	return nil
}

// trimForPoolLocked evicts the oldest chunks until the ready set spans at
// most slots ids, so every chunk maps to its own slot. It refuses to evict
// the current playback chunk or anything after it.
func (b *Buffer) trimForPoolLocked(slots int) ([]Chunk, error) {
	last, ok := b.ready.last()
	if !ok || int64(last.ID) < int64(slots) {
		return nil, nil
	}
	keepFrom := last.ID - ChunkID(slots) + 1

	n := 0
	for n < b.ready.len() && b.ready.at(n).ID < keepFrom {
		n++
	}
	if n == 0 {
		return nil, nil
	}
	if c := b.ready.at(n - 1); !b.evictableLocked(c) {
		return nil, fmt.Errorf("chunk %d is in playback and does not fit %d slots: %w", c.ID, slots, ErrSwitchAborted)
	}

	out := make([]Chunk, 0, n)
	for range n {
		out = append(out, b.ready.popFront())
	}
	return out, nil
}

// switchToBlock migrates the playback chunks right away and queues the rest
// for the recorder to move between network reads. The pool stays allocated
// until the queue drains.
func (b *Buffer) switchToBlock(log *slog.Logger, playback []Chunk) error {
	for _, c := range playback {
		if c.Mode() == ModeBlock {
			continue
		}
		if err := b.migrateChunk(c, ModeBlock); err != nil {
			return fmt.Errorf("%w: %w", ErrSwitchAborted, err)
		}
	}

	b.mu.Lock()
	b.migrationQueue = b.migrationQueue[:0]
	for _, c := range b.ready.chunks {
		if c.Mode() == ModePool {
			b.migrationQueue = append(b.migrationQueue, c.ID)
		}
	}
	queued := len(b.migrationQueue)
	b.mu.Unlock()

	log.Debug("playback chunks migrated", slog.Int("synchronous", len(playback)), slog.Int("queued", queued))
	return nil
}

// migrateChunk copies c to target and swaps its ref in the ready set. If c
// was evicted in the meantime the copy is removed instead.
func (b *Buffer) migrateChunk(c Chunk, target StorageMode) error {
	ref, err := b.store.Migrate(c, target)
	if err != nil {
		return err
	}

	b.mu.Lock()
	ok := b.ready.setRef(c.ID, c.Ref, ref)
	b.mu.Unlock()

	stale := c.Ref
	if !ok {
		stale = ref
	}
	if err := b.store.RemoveRef(c.ID, stale); err != nil {
		b.log.Warn("remove migrated chunk failed", chunkAttr(c.ID), slog.String("error", err.Error()))
	}
	return nil
}

// serviceMigrationQueue moves one queued chunk to the current mode. It
// reports whether there was work.
func (b *Buffer) serviceMigrationQueue() bool {
	b.mu.Lock()
	if b.switching || len(b.migrationQueue) == 0 {
		b.mu.Unlock()
		return false
	}
	id := b.migrationQueue[0]
	b.migrationQueue = b.migrationQueue[1:]
	i, ok := b.ready.indexOf(id)
	var c Chunk
	if ok {
		c = b.ready.at(i)
	}
	target := b.mode
	b.mu.Unlock()

	if ok && c.Mode() != target {
		if err := b.migrateChunk(c, target); err != nil {
			b.log.Error("background migration failed, chunk left in place",
				chunkAttr(id), slog.String("storage", c.Ref.String()), slog.String("error", err.Error()))
		}
	}
	b.maybeReleasePool()
	return true
}

// maybeReleasePool frees the pool once block mode no longer needs it.
func (b *Buffer) maybeReleasePool() {
	b.mu.Lock()
	release := !b.switching && b.mode == ModeBlock &&
		len(b.migrationQueue) == 0 && b.ready.countMode(ModePool) == 0
	b.mu.Unlock()

	if release && b.store.Pool() != nil && b.store.ReleasePool() {
		b.log.Info("memory pool released")
	}
}
