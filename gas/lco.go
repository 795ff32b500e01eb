package gas

import (
	"sync"
)

// LCO identifies a local control object: a synchronization primitive that is
// addressable from any locality. The zero value is the nil LCO; actions
// invoked with a nil continuation simply run fire-and-forget.
type LCO uint64

// NilLCO is the null control object.
const NilLCO LCO = 0

// ReduceID produces the identity element for a reduction.
type ReduceID func() interface{}

// ReduceOp merges a contributed value into the accumulated value and returns
// the result. It must be commutative and associative.
type ReduceOp func(acc, val interface{}) interface{}

// lco is the internal contract shared by all control object flavours.
type lco interface {
	set(val interface{})
	get() interface{}
	wait()
}

// future is a single-shot LCO carrying an optional value. The first set
// wins; later sets are ignored.
type future struct {
	mu    sync.Mutex
	cond  *sync.Cond
	done  bool
	value interface{}
}

func newFuture() *future {
	f := &future{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *future) set(val interface{}) {
	f.mu.Lock()
	if !f.done {
		f.done = true
		f.value = val
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

func (f *future) get() interface{} {
	f.mu.Lock()
	for !f.done {
		f.cond.Wait()
	}
	v := f.value
	f.mu.Unlock()
	return v
}

func (f *future) wait() { f.get() }

// andGate is an N-input AND barrier. Each set consumes one input; waiters
// unblock once all inputs have been consumed.
type andGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending int
}

func newAndGate(n int) *andGate {
	g := &andGate{pending: n}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *andGate) set(interface{}) {
	g.mu.Lock()
	if g.pending > 0 {
		g.pending--
		if g.pending == 0 {
			g.cond.Broadcast()
		}
	}
	g.mu.Unlock()
}

func (g *andGate) get() interface{} {
	g.mu.Lock()
	for g.pending > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
	return nil
}

func (g *andGate) wait() { g.get() }

// allReduce is a reusable N-writer, M-reader reduction. A round completes
// when all writers have contributed; the merged value is then served to
// exactly M readers before the LCO resets for the next round. Writers that
// arrive for the next round before all readers of the previous round have
// drained block until the reset, which keeps successive rounds from
// interleaving.
type allReduce struct {
	mu      sync.Mutex
	cond    *sync.Cond
	writers int
	readers int

	id ReduceID
	op ReduceOp

	acc       interface{}
	contribs  int
	reading   bool
	latched   interface{}
	readsLeft int
}

func newAllReduce(writers, readers int, id ReduceID, op ReduceOp) *allReduce {
	r := &allReduce{
		writers: writers,
		readers: readers,
		id:      id,
		op:      op,
		acc:     id(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *allReduce) set(val interface{}) {
	r.mu.Lock()
	for r.reading {
		r.cond.Wait()
	}
	r.acc = r.op(r.acc, val)
	r.contribs++
	if r.contribs == r.writers {
		r.latched = r.acc
		r.readsLeft = r.readers
		r.reading = true
		r.acc = r.id()
		r.contribs = 0
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

func (r *allReduce) get() interface{} {
	r.mu.Lock()
	for !r.reading {
		r.cond.Wait()
	}
	v := r.latched
	r.readsLeft--
	if r.readsLeft == 0 {
		r.reading = false
		r.cond.Broadcast()
	}
	r.mu.Unlock()
	return v
}

func (r *allReduce) wait() { r.get() }

// lcoTable tracks live control objects for a runtime instance.
type lcoTable struct {
	mu     sync.Mutex
	nextID LCO
	live   map[LCO]lco
}

func newLCOTable() *lcoTable {
	return &lcoTable{nextID: 1, live: make(map[LCO]lco)}
}

func (t *lcoTable) add(obj lco) LCO {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.live[id] = obj
	t.mu.Unlock()
	return id
}

func (t *lcoTable) get(id LCO) lco {
	t.mu.Lock()
	obj := t.live[id]
	t.mu.Unlock()
	return obj
}

func (t *lcoTable) remove(id LCO) {
	t.mu.Lock()
	delete(t.live, id)
	t.mu.Unlock()
}
