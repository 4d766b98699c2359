package timeshift

import (
	"context"
	"log/slog"
	"time"
)

// preloader stages the chunk after the current playback chunk into the
// window's next region once playback is far enough into the current one.
type preloader struct {
	b         *Buffer
	log       *slog.Logger
	lastCur   int64
	preloaded bool
	rewoundAt int64
}

func (b *Buffer) runPreloader(ctx context.Context) {
	p := &preloader{
		b:         b,
		log:       b.log.With("component", "preloader"),
		lastCur:   noChunk,
		rewoundAt: noChunk,
	}

	t := time.NewTicker(b.cfg.PreloadInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("preloader stopped")
			return
		case <-t.C:
			p.poll()
		}
	}
}

func (p *preloader) poll() {
	b := p.b
	cur := b.currentPlayback.Load()
	if cur == noChunk {
		return
	}
	if cur != p.lastCur {
		p.lastCur = cur
		p.preloaded = false
	}
	if p.preloaded || int(b.progress.Load()) < b.cfg.PreloadPercent {
		return
	}

	b.mu.Lock()
	if b.switching || !b.open {
		b.mu.Unlock()
		return
	}
	next, ok := b.ready.after(ChunkID(cur))
	var cached []byte
	if ok {
		cached = b.switchCache[next.ID]
	}
	running := b.running
	b.mu.Unlock()

	if !ok {
		if running {
			p.miss(cur)
		}
		return
	}
	if id, staged := b.win.nextStaged(); staged && id == next.ID {
		p.preloaded = true
		return
	}
	p.preloaded = b.preload(next, cached)
}

// miss handles a poll at the live edge. Playback is rewound by one chunk
// only when the producer has delivered nothing for the stall timeout, and
// only once per live edge. Waiting for a healthy producer is not a stall.
func (p *preloader) miss(cur int64) {
	b := p.b
	if b.paused.Load() || !b.producerStalled(time.Now()) {
		return
	}

	b.mu.Lock()
	last, ok := b.ready.last()
	if !ok || int64(last.ID) == p.rewoundAt || b.switching {
		b.mu.Unlock()
		return
	}
	prev, ok := b.ready.before(ChunkID(cur))
	if !ok {
		b.mu.Unlock()
		return
	}
	p.rewoundAt = int64(last.ID)
	b.moveCursorLocked(prev.StartOffset, prev)
	b.mu.Unlock()

	p.log.Warn("producer stalled, playback rewound",
		slog.Int64("from_chunk", cur), chunkAttr(prev.ID), slog.Duration("stall_timeout", b.stallTimeout()))
}

// preload copies c into the next window region. It reports whether c is now
// staged.
func (b *Buffer) preload(c Chunk, cached []byte) bool {
	buf, gen, ok := b.win.beginPreload(c.ID)
	if !ok {
		return false
	}
	if cap(buf) < c.Length {
		buf = make([]byte, c.Length)
	}
	buf = buf[:cap(buf)]

	var err error
	if cached != nil {
		copy(buf, cached)
	} else {
		err = b.readChunk(c, buf)
	}
	if !b.win.finishPreload(buf, c.Length, gen, err) {
		if err != nil {
			b.log.Debug("preload failed, retrying next poll", chunkAttr(c.ID), slog.String("error", err.Error()))
		}
		return false
	}
	b.mu.Lock()
	quiet := b.switching
	b.mu.Unlock()
	if !quiet {
		b.log.Debug("chunk preloaded", chunkAttr(c.ID))
	}
	return true
}
