package sssp

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/iu-crest/pxgl/gas"
	"github.com/sirupsen/logrus"
)

// maxLevel is the sentinel contributed to the next-level reduction by
// localities with no remaining buckets.
const maxLevel = uint64(math.MaxUint64)

// bucketNode is one deferred relaxation: the target index slot and the
// tentative distance it was deferred with.
type bucketNode struct {
	vertex   gas.Addr
	distance uint64
}

// bucketStripe holds one worker-thread slot's buckets. Tasks are striped
// over the slots; a slot does not guarantee exclusive residency, so the
// stripe mutex covers the brief append.
type bucketStripe struct {
	mu      sync.Mutex
	buffers [][]bucketNode
}

// bucketStore is one locality's delta-stepping state: per-stripe bucket
// arrays indexed by distance level plus the level cursor shared by the
// locality's tasks.
type bucketStore struct {
	delta        uint64
	currentLevel uint64 // atomic
	stripes      []bucketStripe
}

func newBucketStore(delta uint64, stripes int) *bucketStore {
	return &bucketStore{delta: delta, stripes: make([]bucketStripe, stripes)}
}

func (s *bucketStore) level(distance uint64) uint64 { return distance / s.delta }

func (s *bucketStore) current() uint64 { return atomic.LoadUint64(&s.currentLevel) }

func (s *bucketStore) setCurrent(level uint64) { atomic.StoreUint64(&s.currentLevel, level) }

// insert parks a deferred relaxation in the stripe's bucket for its level.
func (s *bucketStore) insert(stripe int, level uint64, vertex gas.Addr, distance uint64) {
	st := &s.stripes[stripe]
	st.mu.Lock()
	for uint64(len(st.buffers)) <= level {
		st.buffers = append(st.buffers, nil)
	}
	st.buffers[level] = append(st.buffers[level], bucketNode{vertex: vertex, distance: distance})
	st.mu.Unlock()
}

// sizeAtCurrent counts the deferred relaxations at the current level across
// all stripes.
func (s *bucketStore) sizeAtCurrent() uint64 {
	level := s.current()
	var total uint64
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		if level < uint64(len(st.buffers)) {
			total += uint64(len(st.buffers[level]))
		}
		st.mu.Unlock()
	}
	return total
}

// takeCurrent detaches and returns one stripe's bucket at the current
// level.
func (s *bucketStore) takeCurrent(stripe int) []bucketNode {
	level := s.current()
	st := &s.stripes[stripe]
	st.mu.Lock()
	var nodes []bucketNode
	if level < uint64(len(st.buffers)) {
		nodes = st.buffers[level]
		st.buffers[level] = nil
	}
	st.mu.Unlock()
	return nodes
}

// nextLevelLocal returns the smallest level above the current one with a
// non-empty bucket on this locality, or the sentinel when none remains.
func (s *bucketStore) nextLevelLocal() uint64 {
	current := s.current()
	next := maxLevel
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		for level := current + 1; level < uint64(len(st.buffers)) && level < next; level++ {
			if len(st.buffers[level]) > 0 {
				next = level
				break
			}
		}
		st.mu.Unlock()
	}
	return next
}

type initBucketsMsg struct {
	delta uint64
}

// Type implements gas.Message.
func (*initBucketsMsg) Type() string { return "sssp.init_buckets" }

type drainBufferMsg struct {
	nodes []bucketNode
}

// Type implements gas.Message.
func (*drainBufferMsg) Type() string { return "sssp.drain_buffer" }

type nextLevelMsg struct {
	reduce gas.LCO
}

// Type implements gas.Message.
func (*nextLevelMsg) Type() string { return "sssp.next_level" }

func (e *Engine) handleInitBuckets(t *gas.Task, _ gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*initBucketsMsg)
	e.buckets[t.Locality()] = newBucketStore(args.delta, t.Runtime().Threads())
	return nil, nil
}

func (e *Engine) handleDeleteBuckets(t *gas.Task, _ gas.Addr, _ gas.Message) (interface{}, error) {
	e.buckets[t.Locality()] = nil
	return nil, nil
}

// handleAnnounceLevel raises this locality's activation count by the number
// of deferred relaxations about to be drained at the current level. It runs
// before the drain broadcast so every deferred task is activated before its
// finish can be observed.
func (e *Engine) handleAnnounceLevel(t *gas.Task, _ gas.Addr, _ gas.Message) (interface{}, error) {
	e.counters(t.Locality()).AddActive(e.buckets[t.Locality()].sizeAtCurrent())
	return nil, nil
}

// handleDrainLevel detaches every stripe's bucket at the current level and
// spawns one drain task per non-empty buffer.
func (e *Engine) handleDrainLevel(t *gas.Task, _ gas.Addr, _ gas.Message) (interface{}, error) {
	store := e.buckets[t.Locality()]
	for stripe := range store.stripes {
		if nodes := store.takeCurrent(stripe); len(nodes) > 0 {
			t.CallOn(t.Locality(), e.drainBufferAction, &drainBufferMsg{nodes: nodes}, gas.NilLCO)
		}
	}
	return nil, nil
}

// handleDrainBuffer dispatches the deferred relax task for every entry of
// one detached buffer.
func (e *Engine) handleDrainBuffer(t *gas.Task, _ gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*drainBufferMsg)
	for i := len(args.nodes) - 1; i >= 0; i-- {
		node := args.nodes[i]
		t.Call(node.vertex, e.visitAction, &visitMsg{distance: node.distance}, gas.NilLCO)
	}
	return nil, nil
}

// handleNextLevel contributes this locality's candidate next level to a
// min-reduction and installs the global winner as the new current level.
func (e *Engine) handleNextLevel(t *gas.Task, _ gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*nextLevelMsg)
	store := e.buckets[t.Locality()]
	rt := t.Runtime()

	rt.Set(args.reduce, store.nextLevelLocal())
	store.setCurrent(rt.Get(args.reduce).(uint64))
	return nil, nil
}

// Phases returns the number of delta-stepping phases the last run
// executed.
func (e *Engine) Phases() uint64 { return atomic.LoadUint64(&e.phases) }

// runDelta executes the delta-stepping phase loop: per phase, announce the
// current level's deferred work into the activation counts, drain it, run
// termination detection, then advance the level cursor through a global
// min-reduction. The sentinel level ends the run.
func (e *Engine) runDelta(source uint64, done gas.LCO, logger *logrus.Entry) {
	rt := e.cfg.Runtime
	localities := rt.LocalityCount()
	atomic.StoreUint64(&e.phases, 0)

	rt.BroadcastSync(e.initBucketsAction, &initBucketsMsg{delta: e.cfg.Delta})

	// Seed the source at level zero on the locality that owns its slot.
	e.buckets[rt.Owner(e.cfg.Graph.IndexSlot(source))].insert(0, 0, e.cfg.Graph.IndexSlot(source), 0)

	for {
		atomic.AddUint64(&e.phases, 1)
		phaseDone := rt.NewFuture()
		internal := rt.NewFuture()

		e.cfg.Detector.Reset()
		rt.BroadcastSync(e.announceLevelAction, &noArgsMsg{})
		rt.Broadcast(e.drainLevelAction, &noArgsMsg{}, gas.NilLCO)
		e.cfg.Detector.Detect(phaseDone, internal)
		rt.Wait(phaseDone)
		rt.Delete(phaseDone)
		rt.Delete(internal)

		reduce := rt.NewAllReduce(localities, localities,
			func() interface{} { return maxLevel },
			func(acc, val interface{}) interface{} {
				if v := val.(uint64); v < acc.(uint64) {
					return v
				}
				return acc
			},
		)
		rt.BroadcastSync(e.nextLevelAction, &nextLevelMsg{reduce: reduce})
		rt.Delete(reduce)

		next := e.buckets[0].current()
		logger.WithFields(logrus.Fields{
			"phase":      e.Phases(),
			"next_level": next,
		}).Debug("delta-stepping phase complete")

		if next == maxLevel {
			rt.BroadcastSync(e.deleteBucketsAction, &noArgsMsg{})
			rt.Set(done, nil)
			break
		}
	}

	logger.WithField("phases", e.Phases()).Info("delta-stepping executed")
}
