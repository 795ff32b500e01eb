// Package termination implements global quiescence detection for
// asynchronous task-counting workloads: every locality counts the relax
// tasks it activates and finishes, and a two-phase protocol over a summing
// all-reduce decides when the whole system has gone quiet.
package termination

import (
	"io/ioutil"
	"sync/atomic"

	"github.com/iu-crest/pxgl/gas"
	"github.com/sirupsen/logrus"
)

// Mode selects how an algorithm run detects its completion.
type Mode int

const (
	// Count termination tracks activated and finished task counts on
	// every locality and runs the two-phase detector.
	Count Mode = iota

	// AndLCO termination threads an AND-barrier continuation through
	// every synchronous descendant call; no counters are used.
	AndLCO

	// Process termination wraps the computation in a structured-parallel
	// task group that completes when its last descendant finishes.
	Process
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Count:
		return "count"
	case AndLCO:
		return "and-lco"
	case Process:
		return "process"
	default:
		return "unknown"
	}
}

// Counters holds one locality's cumulative activation and finish counts.
// Increments and the snapshot loads use sync/atomic, whose operations are
// sequentially consistent, so no separate fence is issued before reading.
type Counters struct {
	active   uint64
	finished uint64
}

// AddActive records n newly activated tasks.
func (c *Counters) AddActive(n uint64) { atomic.AddUint64(&c.active, n) }

// IncrFinished records one finished task.
func (c *Counters) IncrFinished() { atomic.AddUint64(&c.finished, 1) }

// Snapshot returns the current (active, finished) pair.
func (c *Counters) Snapshot() (active, finished uint64) {
	return atomic.LoadUint64(&c.active), atomic.LoadUint64(&c.finished)
}

func (c *Counters) reset() {
	atomic.StoreUint64(&c.active, 0)
	atomic.StoreUint64(&c.finished, 0)
}

// countPair is the value type carried through the detector's all-reduce.
type countPair struct {
	active   uint64
	finished uint64
}

type sendCountsMsg struct {
	reduce gas.LCO
}

// Type implements gas.Message.
func (*sendCountsMsg) Type() string { return "termination.send_counts" }

type initMsg struct{}

// Type implements gas.Message.
func (*initMsg) Type() string { return "termination.initialize" }

// Detector owns the per-locality counters and runs the two-phase
// termination protocol over them.
type Detector struct {
	rt     *gas.Runtime
	logger *logrus.Entry

	counters []*Counters

	sendCountsAction gas.Action
	initAction       gas.Action
}

// New creates a detector for the runtime and registers its actions.
func New(rt *gas.Runtime, logger *logrus.Entry) *Detector {
	if logger == nil {
		logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	d := &Detector{rt: rt, logger: logger}
	for i := 0; i < rt.LocalityCount(); i++ {
		d.counters = append(d.counters, &Counters{})
	}
	d.sendCountsAction = rt.Register("termination.send_counts", d.handleSendCounts)
	d.initAction = rt.Register("termination.initialize", d.handleInit)
	return d
}

// Counters returns the counter pair owned by a locality.
func (d *Detector) Counters(locality int) *Counters { return d.counters[locality] }

// Reset zeroes the counters on every locality and blocks until the zeroing
// is visible everywhere. Required before each counted phase.
func (d *Detector) Reset() {
	d.rt.BroadcastSync(d.initAction, &initMsg{})
}

func (d *Detector) handleInit(t *gas.Task, _ gas.Addr, _ gas.Message) (interface{}, error) {
	d.counters[t.Locality()].reset()
	return nil, nil
}

// handleSendCounts contributes one locality's counter snapshot to the
// detector's reduction. The yield between the load and the contribution
// gives in-flight tasks on this locality a chance to run first, which only
// delays termination, never causes it prematurely.
func (d *Detector) handleSendCounts(t *gas.Task, _ gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*sendCountsMsg)
	active, finished := d.counters[t.Locality()].Snapshot()
	t.Yield()
	t.Runtime().Set(args.reduce, countPair{active: active, finished: finished})
	return nil, nil
}

// Detect blocks until the system is globally quiescent: every relax task
// ever dispatched has had its finish observed, across two successive
// zero-activity snapshots with an unchanged finish total. On return it sets
// both outer and internal; internal may be the nil LCO.
//
// One zero-activity snapshot can be stale: a task finishing on locality A
// may already have activated work on locality B that B's snapshot missed.
// Two successive quiet snapshots with equal finish counts prove no work was
// generated in between.
func (d *Detector) Detect(outer, internal gas.LCO) {
	localities := d.rt.LocalityCount()
	reduce := d.rt.NewAllReduce(localities, 1,
		func() interface{} { return countPair{} },
		func(acc, val interface{}) interface{} {
			a, v := acc.(countPair), val.(countPair)
			return countPair{active: a.active + v.active, finished: a.finished + v.finished}
		},
	)
	defer d.rt.Delete(reduce)

	const (
		phase1 = iota
		phase2
	)
	phase := phase1
	var lastFinished uint64
	rounds := 0

	for {
		rounds++
		d.rt.Broadcast(d.sendCountsAction, &sendCountsMsg{reduce: reduce}, gas.NilLCO)
		totals := d.rt.Get(reduce).(countPair)
		activity := totals.active - totals.finished

		d.logger.WithFields(logrus.Fields{
			"round":    rounds,
			"active":   totals.active,
			"finished": totals.finished,
			"phase":    phase + 1,
		}).Debug("termination snapshot")

		if activity != 0 {
			phase = phase1
			continue
		}
		if phase == phase2 && lastFinished == totals.finished {
			d.rt.Set(outer, nil)
			d.rt.Set(internal, nil)
			return
		}
		phase = phase2
		lastFinished = totals.finished
	}
}
