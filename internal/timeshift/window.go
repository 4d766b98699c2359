package timeshift

import "sync"

type regionState int

const (
	regionEmpty regionState = iota
	regionLoading
	regionReady
)

// window is the playback window: a current region the reader serves from and
// a next region the preloader fills. The reader owns cur. The preloader owns
// next while it is loading; the reader takes next only once it is ready.
type window struct {
	cur      []byte
	curID    ChunkID
	curLen   int
	curValid bool

	mu        sync.Mutex
	next      []byte
	nextID    ChunkID
	nextLen   int
	nextState regionState
	gen       uint64
	reload    bool
}

// newWindow splits one allocation into two regions of regionSize bytes.
func newWindow(regionSize int) *window {
	buf := make([]byte, 2*regionSize)
	return &window{
		cur:  buf[:regionSize:regionSize],
		next: buf[regionSize:],
	}
}

// current returns the loaded current chunk bytes if they belong to id.
func (w *window) current(id ChunkID) ([]byte, bool) {
	if !w.curValid || w.curID != id {
		return nil, false
	}
	return w.cur[:w.curLen], true
}

// curBuffer returns the current region resized to hold n bytes and marks it
// invalid until commitCurrent.
func (w *window) curBuffer(n int) []byte {
	w.curValid = false
	if cap(w.cur) < n {
		w.cur = make([]byte, n)
	}
	return w.cur[:cap(w.cur)]
}

func (w *window) commitCurrent(id ChunkID, n int) {
	w.curID = id
	w.curLen = n
	w.curValid = true
}

// takeNext swaps a ready next region into the current position.
func (w *window) takeNext(id ChunkID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.nextState != regionReady || w.nextID != id {
		return false
	}
	w.cur, w.next = w.next, w.cur
	w.curID, w.curLen, w.curValid = w.nextID, w.nextLen, true
	w.nextState = regionEmpty
	return true
}

// beginPreload hands the next region to the preloader for id. It fails when
// a load is already running or id is already staged.
func (w *window) beginPreload(id ChunkID) ([]byte, uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.nextState == regionLoading:
		return nil, 0, false
	case w.nextState == regionReady && w.nextID == id:
		return nil, 0, false
	}
	w.nextState = regionLoading
	w.nextID = id
	return w.next, w.gen, true
}

// finishPreload returns the next region to the window. A load that raced an
// invalidate is thrown away.
func (w *window) finishPreload(buf []byte, n int, gen uint64, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.next = buf
	if err != nil || gen != w.gen {
		w.nextState = regionEmpty
		return false
	}
	w.nextLen = n
	w.nextState = regionReady
	return true
}

// nextStaged reports the chunk staged in the next region.
func (w *window) nextStaged() (ChunkID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextID, w.nextState == regionReady
}

// invalidate drops the staged next chunk and makes the reader reload the
// current one, after the chunks moved between backends.
func (w *window) invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.gen++
	if w.nextState == regionReady {
		w.nextState = regionEmpty
	}
	w.reload = true
}

func (w *window) consumeReload() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	r := w.reload
	w.reload = false
	return r
}
