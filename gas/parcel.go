package gas

import (
	"sync"

	"golang.org/x/xerrors"
)

// ErrLedgerExhausted indicates that no ledger slot was available for an
// outgoing parcel. The dispatcher recovers by stashing the request on the
// sender's retry queue; the error never propagates to algorithm code.
var ErrLedgerExhausted = xerrors.New("parcel ledger exhausted")

// parcel is one in-flight action invocation. Parcels live in ledger slots
// owned by the sending locality until the target locality finishes running
// the handler.
type parcel struct {
	target Addr
	dst    int // destination locality, resolved at send time
	action Action
	msg    Message
	cont   LCO
	proc   uint64 // owning process group, 0 when untracked
}

// ledger is a fixed arena of parcel slots with free-list maintenance. Slots
// are identified by index so that the eager buffers can carry a small fixed
// payload instead of the full request record.
type ledger struct {
	mu    sync.Mutex
	slots []parcel
	free  []int32
}

func newLedger(n int) *ledger {
	l := &ledger{
		slots: make([]parcel, n),
		free:  make([]int32, n),
	}
	for i := range l.free {
		l.free[i] = int32(n - 1 - i)
	}
	return l
}

// acquire claims a free slot and stores p into it.
func (l *ledger) acquire(p parcel) (int32, error) {
	l.mu.Lock()
	if len(l.free) == 0 {
		l.mu.Unlock()
		return -1, ErrLedgerExhausted
	}
	slot := l.free[len(l.free)-1]
	l.free = l.free[:len(l.free)-1]
	l.slots[slot] = p
	l.mu.Unlock()
	return slot, nil
}

func (l *ledger) at(slot int32) parcel {
	l.mu.Lock()
	p := l.slots[slot]
	l.mu.Unlock()
	return p
}

func (l *ledger) release(slot int32) {
	l.mu.Lock()
	l.slots[slot] = parcel{}
	l.free = append(l.free, slot)
	l.mu.Unlock()
}

// pendingSend is a dispatch request that could not be enqueued eagerly,
// either because the destination's eager buffer was full or because the
// ledger had no free slot. raw holds the request in the latter case.
type pendingSend struct {
	dst  int
	slot int32
	raw  *parcel
}

// retryQueue stashes overflowed sends until the next progress tick.
type retryQueue struct {
	mu      sync.Mutex
	pending []pendingSend
}

func (q *retryQueue) push(p pendingSend) {
	q.mu.Lock()
	q.pending = append(q.pending, p)
	q.mu.Unlock()
}

// drain removes and returns all stashed sends.
func (q *retryQueue) drain() []pendingSend {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()
	return pending
}

func (q *retryQueue) empty() bool {
	q.mu.Lock()
	n := len(q.pending)
	q.mu.Unlock()
	return n == 0
}
