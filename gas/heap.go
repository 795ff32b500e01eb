package gas

import (
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"
)

// ErrFreed is returned when freeing an allocation that is unknown to the
// heap or has already been released.
var ErrFreed = xerrors.New("allocation has been freed")

// BlockFactory builds the backing store for one block of a distributed
// allocation. It is invoked once per block at allocation time and must
// return a value whose layout the owning actions understand (typically a
// slice of elems records, or a single record for one-element blocks).
type BlockFactory func(elems int) interface{}

// allocation describes one distributed allocation: its geometry and the
// per-block backing stores. Blocks never migrate, so the owner of element
// i is fixed at (i / elemsPerBlock) % localities for the lifetime of the
// allocation.
type allocation struct {
	blocks        []interface{}
	elemsPerBlock uint64
	fixedOwner    int   // -1 for cyclic placement
	pins          int64 // atomic; outstanding pins, not consulted by free
	freed         int32 // atomic
}

// heap is the per-runtime table of distributed allocations.
type heap struct {
	mu     sync.Mutex
	nextID uint32
	allocs map[uint32]*allocation
}

func newHeap() *heap {
	return &heap{nextID: 1, allocs: make(map[uint32]*allocation)}
}

func (h *heap) alloc(blocks, elemsPerBlock int, factory BlockFactory, fixedOwner int) Addr {
	backing := make([]interface{}, blocks)
	for i := range backing {
		backing[i] = factory(elemsPerBlock)
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.allocs[id] = &allocation{
		blocks:        backing,
		elemsPerBlock: uint64(elemsPerBlock),
		fixedOwner:    fixedOwner,
	}
	h.mu.Unlock()
	return Addr{alloc: id}
}

func (h *heap) lookup(a Addr) *allocation {
	h.mu.Lock()
	alloc := h.allocs[a.alloc]
	h.mu.Unlock()
	return alloc
}

// pin resolves an address to its backing block and within-block offset.
// The boolean result is false when the block cannot be pinned (the
// allocation is unknown or freed, or the index lies past its last block);
// callers are expected to resend the action that attempted the pin.
func (h *heap) pin(a Addr) (interface{}, int, bool) {
	alloc := h.lookup(a)
	if alloc == nil || atomic.LoadInt32(&alloc.freed) != 0 {
		return nil, 0, false
	}
	atomic.AddInt64(&alloc.pins, 1)
	if atomic.LoadInt32(&alloc.freed) != 0 {
		atomic.AddInt64(&alloc.pins, -1)
		return nil, 0, false
	}

	block := a.index / alloc.elemsPerBlock
	if block >= uint64(len(alloc.blocks)) {
		atomic.AddInt64(&alloc.pins, -1)
		return nil, 0, false
	}
	return alloc.blocks[block], int(a.index % alloc.elemsPerBlock), true
}

func (h *heap) unpin(a Addr) {
	if alloc := h.lookup(a); alloc != nil {
		atomic.AddInt64(&alloc.pins, -1)
	}
}

func (h *heap) free(a Addr) error {
	alloc := h.lookup(a)
	if alloc == nil {
		return ErrFreed
	}
	atomic.StoreInt32(&alloc.freed, 1)

	h.mu.Lock()
	delete(h.allocs, a.alloc)
	h.mu.Unlock()
	return nil
}

// owner returns the locality that owns the block holding element a.
func (h *heap) owner(a Addr, localities int) int {
	alloc := h.lookup(a)
	if alloc == nil {
		return 0
	}
	if alloc.fixedOwner >= 0 {
		return alloc.fixedOwner
	}
	return int(a.index/alloc.elemsPerBlock) % localities
}
