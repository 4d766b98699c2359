package timeshift

import (
	"fmt"
	"log/slog"

	"radio-timeshift/internal/platform/logger"
)

// ChunkData returns a verified copy of a ready chunk's bytes.
func (b *Buffer) ChunkData(id ChunkID) ([]byte, error) {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return nil, ErrNotOpen
	}
	i, ok := b.ready.indexOf(id)
	var c Chunk
	if ok {
		c = b.ready.at(i)
	}
	cached := b.switchCache[id]
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("chunk %d: %w", id, ErrChunkNotFound)
	}
	buf := make([]byte, c.Length)
	if cached != nil {
		copy(buf, cached)
		return buf, nil
	}
	if err := b.readChunk(c, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ExportChunk copies a ready chunk into the session's exported directory,
// where eviction and Close leave it alone. It returns the file path.
func (b *Buffer) ExportChunk(id ChunkID) (string, error) {
	data, err := b.ChunkData(id)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	session := b.sessionID
	b.mu.Unlock()

	path, err := b.store.Blocks().Export(session, id, data)
	if err != nil {
		return "", err
	}
	b.log.Info("chunk exported", chunkAttr(id), slog.String("path", path), logger.Bytes("length", int64(len(data))))
	return path, nil
}

// ExportedChunks lists the files exported in this session.
func (b *Buffer) ExportedChunks() ([]string, error) {
	b.mu.Lock()
	session := b.sessionID
	b.mu.Unlock()

	if session == "" {
		return nil, ErrNotOpen
	}
	return b.store.Blocks().Exported(session)
}
