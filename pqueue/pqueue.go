// Package pqueue provides the mutex-guarded binary min-heap used by the
// distributed-control relaxation strategy: a per-locality multiset of
// (vertex handle, tentative distance) pairs ordered by distance.
package pqueue

import (
	"sync"

	"github.com/iu-crest/pxgl/gas"
)

// item is one queued relaxation candidate. pos tracks the item's slot in
// the heap array so entries can be moved without a search.
type item struct {
	vertex   gas.Addr
	distance uint64
	pos      int
}

// Queue is a concurrent min-heap keyed on tentative distance. All
// operations take the queue's mutex; the empty-transition result of Push is
// computed inside the same critical section as the insert so callers can
// use it to decide whether to spawn a drainer.
type Queue struct {
	mu    sync.Mutex
	items []*item
}

// New creates a queue with capacity pre-reserved for hint items.
func New(hint int) *Queue {
	if hint < 0 {
		hint = 0
	}
	return &Queue{items: make([]*item, 0, hint)}
}

// Push inserts a candidate and reports whether the queue was empty before
// the insert.
func (q *Queue) Push(vertex gas.Addr, distance uint64) (wasEmpty bool) {
	q.mu.Lock()
	wasEmpty = len(q.items) == 0
	it := &item{vertex: vertex, distance: distance, pos: len(q.items)}
	q.items = append(q.items, it)
	q.siftUp(it.pos)
	q.mu.Unlock()
	return wasEmpty
}

// Pop removes and returns the minimum-distance candidate. ok is false when
// the queue is empty.
func (q *Queue) Pop() (vertex gas.Addr, distance uint64, ok bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return gas.Nil, 0, false
	}
	head := q.items[0]
	last := len(q.items) - 1
	q.swap(0, last)
	q.items[last] = nil
	q.items = q.items[:last]
	if last > 0 {
		q.siftDown(0)
	}
	q.mu.Unlock()
	return head.vertex, head.distance, true
}

// Empty reports whether the queue holds no candidates.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	empty := len(q.items) == 0
	q.mu.Unlock()
	return empty
}

// Len returns the number of queued candidates.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}

func (q *Queue) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].pos = i
	q.items[j].pos = j
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if q.items[parent].distance <= q.items[i].distance {
			return
		}
		q.swap(parent, i)
		i = parent
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && q.items[left].distance < q.items[smallest].distance {
			smallest = left
		}
		if right < n && q.items[right].distance < q.items[smallest].distance {
			smallest = right
		}
		if smallest == i {
			return
		}
		q.swap(i, smallest)
		i = smallest
	}
}
