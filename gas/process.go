package gas

import (
	"sync"
	"sync/atomic"
)

// ProcessID names a structured-parallel task group. Every call made from a
// task inside the group spawns a task that is also inside the group; the
// group's completion LCO is set when the last descendant finishes.
type ProcessID uint64

// process tracks the live-task count of one group. The count is incremented
// at send time, before the sending task can finish, so it can only reach
// zero at true quiescence of the group.
type process struct {
	live int64
	done LCO
}

type processTable struct {
	mu     sync.Mutex
	nextID ProcessID
	live   map[ProcessID]*process
}

func newProcessTable() *processTable {
	return &processTable{nextID: 1, live: make(map[ProcessID]*process)}
}

// NewProcess creates a task group whose completion sets done.
func (r *Runtime) NewProcess(done LCO) ProcessID {
	r.procs.mu.Lock()
	id := r.procs.nextID
	r.procs.nextID++
	r.procs.live[id] = &process{done: done}
	r.procs.mu.Unlock()
	return id
}

// ProcessCall invokes an action as the root task of the process group.
func (r *Runtime) ProcessCall(pid ProcessID, target Addr, act Action, msg Message, cont LCO) {
	r.dispatch(0, parcel{target: target, dst: r.Owner(target), action: act, msg: msg, cont: cont, proc: uint64(pid)})
}

// DeleteProcess discards a finished task group.
func (r *Runtime) DeleteProcess(pid ProcessID) {
	r.procs.mu.Lock()
	delete(r.procs.live, pid)
	r.procs.mu.Unlock()
}

func (t *processTable) get(id uint64) *process {
	t.mu.Lock()
	p := t.live[ProcessID(id)]
	t.mu.Unlock()
	return p
}

func (t *processTable) started(id uint64) {
	if p := t.get(id); p != nil {
		atomic.AddInt64(&p.live, 1)
	}
}

func (t *processTable) finished(r *Runtime, id uint64) {
	p := t.get(id)
	if p == nil {
		return
	}
	if atomic.AddInt64(&p.live, -1) == 0 {
		r.Set(p.done, nil)
	}
}
