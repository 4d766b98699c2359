package timeshift

import "radio-timeshift/internal/sizing"

// Status is a point-in-time view of the buffer.
type Status struct {
	SessionID        string       `json:"session_id"`
	Open             bool         `json:"open"`
	Recording        bool         `json:"recording"`
	Paused           bool         `json:"paused"`
	Storage          StorageMode  `json:"storage"`
	PendingStorage   *StorageMode `json:"pending_storage,omitempty"`
	Switching        bool         `json:"switching"`
	MigrationsQueued int          `json:"migrations_queued"`
	ReadyChunks      int          `json:"ready_chunks"`
	FirstChunk       *ChunkID     `json:"first_chunk,omitempty"`
	LastChunk        *ChunkID     `json:"last_chunk,omitempty"`
	CurrentChunk     *ChunkID     `json:"current_chunk,omitempty"`
	ReadOffset       int64        `json:"read_offset"`
	RecordedBytes    int64        `json:"recorded_bytes"`
	BufferedBytes    int64        `json:"buffered_bytes"`
	BytesInChunk     int64        `json:"bytes_in_chunk"`
	DownloadedBytes  int64        `json:"downloaded_bytes"`
	PositionMs       uint64       `json:"position_ms"`
	DurationMs       uint64       `json:"duration_ms"`
	BufferSeconds    float64      `json:"buffer_seconds"`
	PoolSlotsInUse   int          `json:"pool_slots_in_use"`
	SeekTableEntries int          `json:"seek_table_entries"`
	SeekTableBytes   int          `json:"seek_table_bytes"`
	BitrateSource    string       `json:"bitrate_source"`
	Sizes            sizing.Sizes `json:"sizes"`
}

// Status snapshots the buffer state.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	st := Status{
		SessionID:        b.sessionID,
		Open:             b.open,
		Recording:        b.running,
		Storage:          b.mode,
		Switching:        b.switching,
		MigrationsQueued: len(b.migrationQueue),
		ReadyChunks:      b.ready.len(),
		ReadOffset:       b.readOffset,
		RecordedBytes:    b.recordedOffset,
		BufferedBytes:    b.ready.bytes,
		PositionMs:       b.positionMsLocked(),
		BufferSeconds:    float64(b.ready.durationMs()) / 1000,
	}
	if b.pendingMode != nil {
		m := *b.pendingMode
		st.PendingStorage = &m
	}
	if first, ok := b.ready.first(); ok {
		last, _ := b.ready.last()
		st.FirstChunk = &first.ID
		st.LastChunk = &last.ID
		st.DurationMs = last.EndTimeMs()
	}
	b.mu.Unlock()

	if cur := b.currentPlayback.Load(); cur != noChunk {
		id := ChunkID(cur)
		st.CurrentChunk = &id
	}
	if p := b.store.Pool(); p != nil {
		st.PoolSlotsInUse = p.InUse()
	}
	st.Paused = b.paused.Load()
	st.BytesInChunk = b.bytesInChunk.Load()
	st.DownloadedBytes = b.downloaded.Load()
	st.SeekTableEntries = b.seek.Len()
	st.SeekTableBytes = b.seek.MemoryBytes()
	st.BitrateSource = b.sizing.Source().String()
	st.Sizes = b.sizing.Sizes()
	return st
}

// UpdateMetrics refreshes the buffer gauges. It is meant to run right before
// a metrics scrape.
func (b *Buffer) UpdateMetrics() {
	b.mu.Lock()
	ready, bytes := b.ready.len(), b.ready.bytes
	b.mu.Unlock()

	b.metrics.SetBuffer(ready, bytes, b.sizing.Sizes().BitrateKbps, b.seek.Len())
}
