package timeshift

import (
	"fmt"
	"sync"
)

// SlotIndex addresses one slot of a Pool.
type SlotIndex int

type slot struct {
	occupied bool
	id       ChunkID
	length   int
}

// Pool is one pre-allocated arena split into equal slots. Chunk id maps to
// slot id mod N. A slot is handed out only while it is empty, and it is
// emptied only by Release, which callers invoke after the occupant has left
// the ready set.
type Pool struct {
	mu       sync.Mutex
	arena    []byte
	slotSize int
	slots    []slot
}

// NewPool allocates an arena of slots*slotSize bytes.
func NewPool(slots, slotSize int) (*Pool, error) {
	if slots <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("pool geometry %d x %d: %w", slots, slotSize, ErrSlotOutOfRange)
	}
	return &Pool{
		arena:    make([]byte, slots*slotSize),
		slotSize: slotSize,
		slots:    make([]slot, slots),
	}, nil
}

// Slots returns the slot count.
func (p *Pool) Slots() int { return len(p.slots) }

// SlotSize returns the capacity of one slot in bytes.
func (p *Pool) SlotSize() int { return p.slotSize }

// SlotFor returns the slot a chunk id maps to.
func (p *Pool) SlotFor(id ChunkID) SlotIndex {
	return SlotIndex(uint32(id) % uint32(len(p.slots)))
}

// Occupant reports which chunk holds slot s.
func (p *Pool) Occupant(s SlotIndex) (ChunkID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(s) < 0 || int(s) >= len(p.slots) {
		return 0, false
	}
	sl := p.slots[s]
	return sl.id, sl.occupied
}

// InUse returns the number of occupied slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, sl := range p.slots {
		if sl.occupied {
			n++
		}
	}
	return n
}

// SlotHandle is a write reservation of one slot for one chunk.
type SlotHandle struct {
	pool *Pool
	slot SlotIndex
	id   ChunkID
}

// Acquire reserves the slot for id. It fails with ErrSlotOccupied while the
// slot still holds another chunk.
func (p *Pool) Acquire(id ChunkID) (SlotHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.SlotFor(id)
	if sl := p.slots[s]; sl.occupied {
		return SlotHandle{}, fmt.Errorf("slot %d holds chunk %d: %w", s, sl.id, ErrSlotOccupied)
	}
	p.slots[s] = slot{occupied: true, id: id}
	return SlotHandle{pool: p, slot: s, id: id}, nil
}

// Ref returns the storage reference of the reserved slot.
func (h SlotHandle) Ref() PoolRef {
	return PoolRef{Slot: h.slot}
}

// Write copies data into the reserved slot.
func (h SlotHandle) Write(data []byte) error {
	p := h.pool
	if len(data) > p.slotSize {
		return fmt.Errorf("chunk %d is %d bytes, slot holds %d: %w", h.id, len(data), p.slotSize, ErrChunkTooLarge)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sl := &p.slots[h.slot]
	if !sl.occupied || sl.id != h.id {
		return fmt.Errorf("slot %d no longer reserved for chunk %d: %w", h.slot, h.id, ErrSlotOccupied)
	}
	off := int(h.slot) * p.slotSize
	copy(p.arena[off:off+len(data)], data)
	sl.length = len(data)
	return nil
}

// Length returns the byte count stored for id in ref.
func (p *Pool) Length(ref PoolRef, id ChunkID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sl, err := p.slotLocked(ref, id)
	if err != nil {
		return 0, err
	}
	return sl.length, nil
}

// ReadInto copies the bytes of chunk id out of ref into dst.
func (p *Pool) ReadInto(ref PoolRef, id ChunkID, dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sl, err := p.slotLocked(ref, id)
	if err != nil {
		return 0, err
	}
	if len(dst) < sl.length {
		return 0, ErrShortBuffer
	}
	off := int(ref.Slot) * p.slotSize
	return copy(dst, p.arena[off:off+sl.length]), nil
}

// Release empties the slot if id still occupies it.
func (p *Pool) Release(ref PoolRef, id ChunkID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.slotLocked(ref, id); err != nil {
		return
	}
	p.slots[ref.Slot] = slot{}
}

func (p *Pool) slotLocked(ref PoolRef, id ChunkID) (*slot, error) {
	if int(ref.Slot) < 0 || int(ref.Slot) >= len(p.slots) {
		return nil, fmt.Errorf("slot %d: %w", ref.Slot, ErrSlotOutOfRange)
	}
	sl := &p.slots[ref.Slot]
	if !sl.occupied || sl.id != id {
		return nil, fmt.Errorf("slot %d does not hold chunk %d: %w", ref.Slot, id, ErrChunkNotFound)
	}
	return sl, nil
}
