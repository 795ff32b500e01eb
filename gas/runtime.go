package gas

import (
	"io/ioutil"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Config encapsulates the options for creating a Runtime.
type Config struct {
	// Localities is the number of localities to simulate in this process.
	// Each locality owns a shard of the global heap and executes the
	// actions targeting its blocks. Defaults to 1.
	Localities int

	// Threads is the number of worker-thread slots per locality. Tasks
	// are striped over the slots; per-thread data structures (e.g. the
	// delta-stepping bucket store) are indexed by the slot ID. Defaults
	// to the number of CPUs.
	Threads int

	// EagerBufferSize bounds the number of parcels that can be queued
	// for a destination locality before the dispatcher falls back to the
	// retry path. Defaults to 1024.
	EagerBufferSize int

	// LedgerSlots is the size of the parcel ledger arena shared by all
	// localities. Defaults to 8192.
	LedgerSlots int

	// RetryInterval is the delay between progress passes over the
	// per-locality retry queues. Defaults to 1ms.
	RetryInterval time.Duration

	// Clock drives the progress loop; tests can inject a fake. Defaults
	// to the wall clock.
	Clock clock.Clock

	// Logger for runtime diagnostics. If not specified, a null logger
	// will be used instead.
	Logger *logrus.Entry
}

// validate checks the runtime configuration and sets default values where
// required.
func (cfg *Config) validate() error {
	var err error
	if cfg.Localities < 0 {
		err = multierror.Append(err, xerrors.New("locality count cannot be negative"))
	}
	if cfg.Localities == 0 {
		cfg.Localities = 1
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.EagerBufferSize <= 0 {
		cfg.EagerBufferSize = 1024
	}
	if cfg.LedgerSlots <= 0 {
		cfg.LedgerSlots = 8192
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// locality holds the per-rank dispatch state: the eager inbox that peers
// send parcel slots into, the retry queue for overflowed sends, and the
// stripe counter used to assign worker-thread slots to tasks.
type locality struct {
	id     int
	inbox  chan int32
	retry  retryQueue
	stripe uint32
}

// Runtime is an in-process rendition of a partitioned global address space:
// a set of localities sharing a global heap, exchanging typed parcels and
// synchronizing through LCOs. It provides the complete surface the SSSP
// core consumes; physical transport selection is outside its scope.
type Runtime struct {
	cfg Config

	heap    *heap
	lcos    *lcoTable
	actions *actionRegistry
	ledger  *ledger
	procs   *processTable
	locs    []*locality

	stopCh  chan struct{}
	loopWg  sync.WaitGroup
	taskWg  sync.WaitGroup
	closing int32
}

// New creates a Runtime with the specified configuration and starts its
// per-locality dispatcher and progress workers. Callers must invoke Close
// once all outstanding work has quiesced.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("runtime config validation failed: %w", err)
	}

	r := &Runtime{
		cfg:     cfg,
		heap:    newHeap(),
		lcos:    newLCOTable(),
		actions: newActionRegistry(),
		ledger:  newLedger(cfg.LedgerSlots),
		procs:   newProcessTable(),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < cfg.Localities; i++ {
		loc := &locality{id: i, inbox: make(chan int32, cfg.EagerBufferSize)}
		r.locs = append(r.locs, loc)
	}
	for _, loc := range r.locs {
		r.loopWg.Add(2)
		go r.dispatchLoop(loc)
		go r.progressLoop(loc)
	}
	return r, nil
}

// Close waits for in-flight tasks to finish and stops the dispatch workers.
// It must only be called once the application knows the system is quiescent;
// the runtime itself performs no termination detection.
func (r *Runtime) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closing, 0, 1) {
		return nil
	}
	r.taskWg.Wait()
	close(r.stopCh)
	r.loopWg.Wait()
	return nil
}

// LocalityCount returns the number of localities in the runtime.
func (r *Runtime) LocalityCount() int { return r.cfg.Localities }

// Threads returns the number of worker-thread slots per locality.
func (r *Runtime) Threads() int { return r.cfg.Threads }

// Owner returns the locality that owns the block holding the addressed
// element.
func (r *Runtime) Owner(a Addr) int { return r.heap.owner(a, r.cfg.Localities) }

// GlobalAlloc creates a block-cyclic distributed allocation of the given
// number of blocks, each holding elemsPerBlock elements built by factory.
func (r *Runtime) GlobalAlloc(blocks, elemsPerBlock int, factory BlockFactory) Addr {
	return r.heap.alloc(blocks, elemsPerBlock, factory, -1)
}

// GlobalCalloc creates a zero-initialized block-cyclic allocation. Factories
// built on make() already produce zeroed storage, so this is an alias kept
// for symmetry with the allocation surface the algorithms were written
// against.
func (r *Runtime) GlobalCalloc(blocks, elemsPerBlock int, factory BlockFactory) Addr {
	return r.heap.alloc(blocks, elemsPerBlock, factory, -1)
}

// AllocLocal creates a single-element allocation pinned to the given
// locality. It backs record co-location: allocating a vertex on the
// locality that owns its index slot.
func (r *Runtime) AllocLocal(owner int, value interface{}) Addr {
	return r.heap.alloc(1, 1, func(int) interface{} { return value }, owner)
}

// Free releases a distributed allocation.
func (r *Runtime) Free(a Addr) {
	if err := r.heap.free(a); err != nil {
		r.cfg.Logger.WithField("addr", a).Warn("freeing unknown allocation")
	}
}

// Pin resolves an address to its local backing block and within-block
// offset. ok is false when the block is not available; the caller should
// return Resend from its handler.
func (r *Runtime) Pin(a Addr) (block interface{}, offset int, ok bool) {
	return r.heap.pin(a)
}

// Unpin releases a pin acquired with Pin.
func (r *Runtime) Unpin(a Addr) { r.heap.unpin(a) }

// Register installs a named action handler and returns its dispatch ID.
// Components register explicitly when they are wired up; the registry is
// locked, so registering while other parcels are in flight is safe.
func (r *Runtime) Register(name string, h Handler) Action {
	return r.actions.register(name, h)
}

// Call asynchronously invokes an action on the locality owning target. The
// continuation LCO, if any, is set with the handler's return value once the
// handler finishes.
func (r *Runtime) Call(target Addr, act Action, msg Message, cont LCO) {
	r.dispatch(0, parcel{target: target, dst: r.Owner(target), action: act, msg: msg, cont: cont})
}

// CallOn invokes an action on an explicit locality with no pinned target.
func (r *Runtime) CallOn(dst int, act Action, msg Message, cont LCO) {
	r.dispatch(0, parcel{dst: dst, action: act, msg: msg, cont: cont})
}

// CallSync invokes an action and blocks until it completes, returning the
// value the handler produced.
func (r *Runtime) CallSync(target Addr, act Action, msg Message) interface{} {
	return r.callSync(0, 0, target, act, msg)
}

func (r *Runtime) callSync(from int, proc uint64, target Addr, act Action, msg Message) interface{} {
	done := r.NewFuture()
	r.dispatch(from, parcel{target: target, dst: r.Owner(target), action: act, msg: msg, cont: done, proc: proc})
	v := r.Get(done)
	r.Delete(done)
	return v
}

// RangeCall issues one asynchronous call per element of the distributed
// array rooted at base, streaming over its blocks in element order.
func (r *Runtime) RangeCall(base Addr, n uint64, act Action, msg Message, cont LCO) {
	for i := uint64(0); i < n; i++ {
		target := base.Add(i)
		r.dispatch(0, parcel{target: target, dst: r.Owner(target), action: act, msg: msg, cont: cont})
	}
}

// Broadcast invokes an action once on every locality. The completion LCO,
// if any, is set after all localities have finished running the handler.
func (r *Runtime) Broadcast(act Action, msg Message, cont LCO) {
	r.broadcast(0, act, msg, cont)
}

func (r *Runtime) broadcast(proc uint64, act Action, msg Message, cont LCO) {
	var gate LCO
	if cont != NilLCO {
		gate = r.NewAnd(r.cfg.Localities)
	}
	for dst := range r.locs {
		r.dispatch(0, parcel{dst: dst, action: act, msg: msg, cont: gate, proc: proc})
	}
	if cont != NilLCO {
		go func() {
			r.Wait(gate)
			r.Delete(gate)
			r.Set(cont, nil)
		}()
	}
}

// BroadcastSync invokes an action on every locality and blocks until all of
// them have finished.
func (r *Runtime) BroadcastSync(act Action, msg Message) {
	done := r.NewFuture()
	r.Broadcast(act, msg, done)
	r.Wait(done)
	r.Delete(done)
}

// NewFuture creates a single-shot future LCO.
func (r *Runtime) NewFuture() LCO { return r.lcos.add(newFuture()) }

// NewAnd creates an n-input AND barrier LCO.
func (r *Runtime) NewAnd(n int) LCO { return r.lcos.add(newAndGate(n)) }

// NewAllReduce creates a reusable reduction LCO with the given writer and
// reader counts, identity and merge operator.
func (r *Runtime) NewAllReduce(writers, readers int, id ReduceID, op ReduceOp) LCO {
	return r.lcos.add(newAllReduce(writers, readers, id, op))
}

// Set stores a value into (or contributes a value to) an LCO.
func (r *Runtime) Set(id LCO, val interface{}) {
	if id == NilLCO {
		return
	}
	obj := r.lcos.get(id)
	if obj == nil {
		r.cfg.Logger.WithField("lco", id).Warn("set on deleted LCO")
		return
	}
	obj.set(val)
}

// Get blocks until the LCO is satisfied and returns its value.
func (r *Runtime) Get(id LCO) interface{} {
	obj := r.lcos.get(id)
	if obj == nil {
		r.cfg.Logger.WithField("lco", id).Panic("get on deleted LCO")
	}
	return obj.get()
}

// Wait blocks until the LCO is satisfied.
func (r *Runtime) Wait(id LCO) {
	obj := r.lcos.get(id)
	if obj == nil {
		r.cfg.Logger.WithField("lco", id).Panic("wait on deleted LCO")
	}
	obj.wait()
}

// Delete releases an LCO.
func (r *Runtime) Delete(id LCO) { r.lcos.remove(id) }

// dispatch places a parcel on the destination's eager buffer, falling back
// to the sender's retry queue when the ledger or the buffer is exhausted.
func (r *Runtime) dispatch(from int, p parcel) {
	if p.proc != 0 {
		r.procs.started(p.proc)
	}
	slot, err := r.ledger.acquire(p)
	if err != nil {
		stash := p
		r.locs[from].retry.push(pendingSend{dst: p.dst, slot: -1, raw: &stash})
		return
	}
	r.enqueueSlot(from, p.dst, slot)
}

func (r *Runtime) enqueueSlot(from, dst int, slot int32) {
	select {
	case r.locs[dst].inbox <- slot:
	default:
		r.locs[from].retry.push(pendingSend{dst: dst, slot: slot})
	}
}

// dispatchLoop delivers inbound parcels to handler tasks. One runs per
// locality; handlers themselves run on their own goroutines so a blocking
// handler never stalls delivery.
func (r *Runtime) dispatchLoop(loc *locality) {
	defer r.loopWg.Done()
	for {
		select {
		case slot := <-loc.inbox:
			r.taskWg.Add(1)
			go r.runTask(loc, slot)
		case <-r.stopCh:
			return
		}
	}
}

// runTask executes one parcel's handler on the destination locality.
func (r *Runtime) runTask(loc *locality, slot int32) {
	defer r.taskWg.Done()
	p := r.ledger.at(slot)
	handler, name := r.actions.lookup(p.action)
	if handler == nil {
		r.cfg.Logger.WithField("action", p.action).Panic("dispatch of unregistered action")
	}

	t := &Task{
		rt:       r,
		locality: loc.id,
		thread:   int(atomic.AddUint32(&loc.stripe, 1)) % r.cfg.Threads,
		proc:     p.proc,
	}
	val, err := handler(t, p.target, p.msg)
	if xerrors.Is(err, Resend) {
		r.enqueueSlot(loc.id, loc.id, slot)
		return
	}
	if err != nil {
		r.cfg.Logger.WithError(err).WithField("action", name).Panic("action failed")
	}

	if p.cont != NilLCO {
		r.Set(p.cont, val)
	}
	if p.proc != 0 {
		r.procs.finished(r, p.proc)
	}
	r.ledger.release(slot)
}

// progressLoop periodically retries sends that overflowed the eager buffers
// or found the ledger exhausted.
func (r *Runtime) progressLoop(loc *locality) {
	defer r.loopWg.Done()
	for {
		select {
		case <-r.cfg.Clock.After(r.cfg.RetryInterval):
			r.retryPending(loc)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runtime) retryPending(loc *locality) {
	for _, ps := range loc.retry.drain() {
		if ps.raw != nil {
			slot, err := r.ledger.acquire(*ps.raw)
			if err != nil {
				loc.retry.push(ps)
				continue
			}
			ps.slot, ps.raw = slot, nil
		}
		select {
		case r.locs[ps.dst].inbox <- ps.slot:
		default:
			loc.retry.push(ps)
		}
	}
}

// Task is the execution context of one action invocation. It carries the
// identity of the locality and worker-thread slot the task runs on and
// inherits the process group of the parcel that spawned it.
type Task struct {
	rt       *Runtime
	locality int
	thread   int
	proc     uint64
}

// Runtime returns the runtime the task runs under.
func (t *Task) Runtime() *Runtime { return t.rt }

// Locality returns the rank of the locality executing the task.
func (t *Task) Locality() int { return t.locality }

// ThreadID returns the worker-thread slot assigned to the task.
func (t *Task) ThreadID() int { return t.thread }

// Yield gives other tasks a chance to run.
func (t *Task) Yield() { runtime.Gosched() }

// Pin resolves an address against the global heap. See Runtime.Pin.
func (t *Task) Pin(a Addr) (interface{}, int, bool) { return t.rt.Pin(a) }

// Unpin releases a pin.
func (t *Task) Unpin(a Addr) { t.rt.Unpin(a) }

// Call invokes an action asynchronously, inheriting the task's process
// group so that structured-parallel termination tracks descendants.
func (t *Task) Call(target Addr, act Action, msg Message, cont LCO) {
	t.rt.dispatch(t.locality, parcel{target: target, dst: t.rt.Owner(target), action: act, msg: msg, cont: cont, proc: t.proc})
}

// CallOn invokes an action on an explicit locality.
func (t *Task) CallOn(dst int, act Action, msg Message, cont LCO) {
	t.rt.dispatch(t.locality, parcel{dst: dst, action: act, msg: msg, cont: cont, proc: t.proc})
}

// CallSync invokes an action and blocks until its handler returns.
func (t *Task) CallSync(target Addr, act Action, msg Message) interface{} {
	return t.rt.callSync(t.locality, t.proc, target, act, msg)
}
