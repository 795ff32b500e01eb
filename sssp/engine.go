// Package sssp implements a distributed asynchronous single-source
// shortest-paths engine over the gas runtime. Relaxations propagate as
// remote tasks that race to lower vertex distances through CAS-guarded
// updates; a run completes when the termination detector proves global
// quiescence. Three strategies share the visit contract: chaotic
// relaxation, distributed control with per-locality priority queues, and
// delta-stepping with bucketed levels.
package sssp

import (
	"github.com/google/uuid"
	"github.com/iu-crest/pxgl/adjlist"
	"github.com/iu-crest/pxgl/gas"
	"github.com/iu-crest/pxgl/pqueue"
	"github.com/iu-crest/pxgl/termination"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type visitMsg struct {
	distance uint64
}

// Type implements gas.Message.
func (*visitMsg) Type() string { return "sssp.visit_vertex" }

// noArgsMsg is the empty payload of the engine's broadcast-only actions.
type noArgsMsg struct{}

// Type implements gas.Message.
func (*noArgsMsg) Type() string { return "sssp.no_args" }

// Engine runs SSSP over a constructed adjacency list. One engine binds one
// strategy and termination mode for its lifetime; concurrent runs over the
// same engine are not supported, but consecutive runs (with a graph reset
// in between) are.
type Engine struct {
	cfg   Config
	stats *stats

	visitAction   gas.Action
	processAction gas.Action

	// Distributed control state, populated by broadcast at run start.
	queues             [][]*pqueue.Queue
	handleQueueAction  gas.Action
	initQueuesAction   gas.Action
	deleteQueuesAction gas.Action

	// Delta-stepping state, populated by broadcast at run start.
	buckets             []*bucketStore
	initBucketsAction   gas.Action
	deleteBucketsAction gas.Action
	announceLevelAction gas.Action
	drainLevelAction    gas.Action
	drainBufferAction   gas.Action
	nextLevelAction     gas.Action

	phases uint64
}

// New creates an Engine, validating the strategy/termination combination
// and registering the engine's actions with the runtime.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("sssp config validation failed: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		stats:   newStats(cfg.Metrics),
		queues:  make([][]*pqueue.Queue, cfg.Runtime.LocalityCount()),
		buckets: make([]*bucketStore, cfg.Runtime.LocalityCount()),
	}

	rt := cfg.Runtime
	e.visitAction = rt.Register("sssp.visit_vertex", e.handleVisit)
	switch cfg.Kind {
	case DistributedControl:
		e.processAction = rt.Register("sssp.dc_process_vertex", e.handleProcessDC)
	default:
		e.processAction = rt.Register("sssp.process_vertex", e.handleProcessChaotic)
	}
	e.handleQueueAction = rt.Register("sssp.handle_queue", e.handleQueue)
	e.initQueuesAction = rt.Register("sssp.init_queues", e.handleInitQueues)
	e.deleteQueuesAction = rt.Register("sssp.delete_queues", e.handleDeleteQueues)
	e.initBucketsAction = rt.Register("sssp.init_buckets", e.handleInitBuckets)
	e.deleteBucketsAction = rt.Register("sssp.delete_buckets", e.handleDeleteBuckets)
	e.announceLevelAction = rt.Register("sssp.announce_level", e.handleAnnounceLevel)
	e.drainLevelAction = rt.Register("sssp.drain_level", e.handleDrainLevel)
	e.drainBufferAction = rt.Register("sssp.drain_buffer", e.handleDrainBuffer)
	e.nextLevelAction = rt.Register("sssp.next_level", e.handleNextLevel)
	return e, nil
}

// counters returns the termination counters of the given locality.
func (e *Engine) counters(locality int) *termination.Counters {
	return e.cfg.Detector.Counters(locality)
}

// handleVisit runs on the locality owning the target index slot: it
// resolves the slot to the vertex record and forwards the tentative
// distance to the strategy's process action. Under AND-LCO termination the
// forward is synchronous so the visit's continuation tree only completes
// once every descendant has.
func (e *Engine) handleVisit(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	vertex := block.([]gas.Addr)[offset]
	t.Unpin(target)

	if e.cfg.Termination == termination.AndLCO {
		t.CallSync(vertex, e.processAction, msg)
		return nil, nil
	}
	t.Call(vertex, e.processAction, msg, gas.NilLCO)
	return nil, nil
}

// handleProcessChaotic performs the CAS-guarded update and, when it wins,
// relaxes every outgoing edge. Exactly one finish is recorded per process
// task under count termination.
func (e *Engine) handleProcessChaotic(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*visitMsg)
	block, _, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	vertex := block.(*adjlist.Vertex)

	if vertex.TryUpdateDistance(args.distance) {
		e.stats.usefulWork.Inc()
		e.sendUpdateToNeighbors(t, vertex, args.distance)
	} else {
		e.stats.uselessWork.Inc()
	}
	t.Unpin(target)

	if e.cfg.Termination == termination.Count {
		e.counters(t.Locality()).IncrFinished()
	}
	return nil, nil
}

// sendUpdateToNeighbors dispatches one relax task per outgoing edge. The
// activation count is raised by the edge count before any dispatch so the
// detector can never observe a finish without its prior activation.
func (e *Engine) sendUpdateToNeighbors(t *gas.Task, vertex *adjlist.Vertex, distance uint64) {
	edges := vertex.Edges()
	if e.cfg.Termination == termination.Count {
		e.counters(t.Locality()).AddActive(uint64(len(edges)))
	}

	var gate gas.LCO
	if e.cfg.Termination == termination.AndLCO {
		gate = t.Runtime().NewAnd(len(edges))
	}

	for _, edge := range edges {
		e.sendVertex(t, e.cfg.Graph.IndexSlot(edge.Dest), distance+edge.Weight, gate)
	}
	e.stats.edgeTraversals.Add(float64(len(edges)))

	if e.cfg.Termination == termination.AndLCO {
		t.Runtime().Wait(gate)
		t.Runtime().Delete(gate)
	}
}

// sendVertex routes one relax dispatch. Delta-stepping intercepts
// dispatches whose distance belongs to a level beyond the current one and
// parks them in the local bucket store instead of sending.
func (e *Engine) sendVertex(t *gas.Task, target gas.Addr, distance uint64, gate gas.LCO) {
	if e.cfg.Kind == DeltaStepping {
		store := e.buckets[t.Locality()]
		if level := store.level(distance); level > store.current() {
			store.insert(t.ThreadID(), level, target, distance)
			if e.cfg.Termination == termination.Count {
				e.counters(t.Locality()).IncrFinished()
			}
			t.Runtime().Set(gate, nil)
			return
		}
	}
	t.Call(target, e.visitAction, &visitMsg{distance: distance}, gate)
}

// Run starts an SSSP run from the given source vertex and returns the
// future that is set when the run reaches global quiescence. Callers read
// distances through the graph once the future is set.
func (e *Engine) Run(source uint64) gas.LCO {
	done := e.cfg.Runtime.NewFuture()
	go e.run(source, done)
	return done
}

func (e *Engine) run(source uint64, done gas.LCO) {
	logger := e.cfg.Logger.WithFields(logrus.Fields{
		"run_id":      uuid.New().String(),
		"kind":        e.cfg.Kind.String(),
		"termination": e.cfg.Termination.String(),
		"source":      source,
	})
	logger.Info("starting sssp run")

	if e.cfg.Kind == DeltaStepping {
		e.runDelta(source, done, logger)
		return
	}

	rt := e.cfg.Runtime
	index := e.cfg.Graph.IndexSlot(source)

	switch e.cfg.Termination {
	case termination.Count:
		detected := rt.NewFuture()
		internal := rt.NewFuture()
		if e.cfg.Kind == DistributedControl {
			rt.BroadcastSync(e.initQueuesAction, &noArgsMsg{})
		}
		e.cfg.Detector.Reset()
		e.counters(0).AddActive(1)
		rt.Call(index, e.visitAction, &visitMsg{distance: 0}, gas.NilLCO)
		e.cfg.Detector.Detect(detected, internal)
		rt.Wait(detected)
		if e.cfg.Kind == DistributedControl {
			rt.BroadcastSync(e.deleteQueuesAction, &noArgsMsg{})
		}
		rt.Delete(detected)
		rt.Delete(internal)
		rt.Set(done, nil)

	case termination.Process:
		inner := rt.NewFuture()
		pid := rt.NewProcess(inner)
		rt.ProcessCall(pid, index, e.visitAction, &visitMsg{distance: 0}, gas.NilLCO)
		rt.Wait(inner)
		rt.Delete(inner)
		rt.DeleteProcess(pid)
		rt.Set(done, nil)

	case termination.AndLCO:
		rt.Call(index, e.visitAction, &visitMsg{distance: 0}, done)
	}

	logger.Info("sssp run dispatched to completion")
}
