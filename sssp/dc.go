package sssp

import (
	"math/rand"

	"github.com/iu-crest/pxgl/adjlist"
	"github.com/iu-crest/pxgl/gas"
	"github.com/iu-crest/pxgl/pqueue"
	"github.com/iu-crest/pxgl/termination"
	"golang.org/x/xerrors"
)

type handleQueueMsg struct {
	queue *pqueue.Queue
}

// Type implements gas.Message.
func (*handleQueueMsg) Type() string { return "sssp.handle_queue" }

// handleInitQueues provisions this locality's priority queue set before a
// distributed-control run.
func (e *Engine) handleInitQueues(t *gas.Task, _ gas.Addr, _ gas.Message) (interface{}, error) {
	queues := make([]*pqueue.Queue, e.cfg.NumPQ)
	for i := range queues {
		queues[i] = pqueue.New(e.cfg.QueueCapacityHint)
	}
	e.queues[t.Locality()] = queues
	return nil, nil
}

func (e *Engine) handleDeleteQueues(t *gas.Task, _ gas.Addr, _ gas.Message) (interface{}, error) {
	e.queues[t.Locality()] = nil
	return nil, nil
}

// handleProcessDC performs the CAS-guarded update; instead of relaxing
// neighbors directly, a winning update parks the vertex on a randomly
// chosen local priority queue so lower distances drain first. The finish
// for a parked update is recorded by the drainer that pops it, not here.
func (e *Engine) handleProcessDC(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*visitMsg)
	block, _, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	vertex := block.(*adjlist.Vertex)

	if vertex.TryUpdateDistance(args.distance) {
		queue := e.queues[t.Locality()][rand.Intn(e.cfg.NumPQ)]
		if queue.Push(target, args.distance) {
			t.CallOn(t.Locality(), e.handleQueueAction, &handleQueueMsg{queue: queue}, gas.NilLCO)
		}
	} else if e.cfg.Termination == termination.Count {
		e.stats.uselessWork.Inc()
		e.counters(t.Locality()).IncrFinished()
	} else {
		// Only count termination is supported with distributed control.
		t.Unpin(target)
		return nil, xerrors.Errorf("distributed control run under %s termination", e.cfg.Termination)
	}

	t.Unpin(target)
	return nil, nil
}

// handleQueue drains one priority queue in distance order. Entries whose
// popped distance no longer matches the vertex's current distance are
// stale and skipped; relaxing them would redundantly re-announce an
// obsolete distance. The drainer exits when the queue is empty — a push
// that flips the queue from empty spawns the next drainer.
func (e *Engine) handleQueue(t *gas.Task, _ gas.Addr, msg gas.Message) (interface{}, error) {
	queue := msg.(*handleQueueMsg).queue
	processed := 0
	for {
		vaddr, distance, ok := queue.Pop()
		if !ok {
			return nil, nil
		}

		block, _, ok := t.Pin(vaddr)
		if !ok {
			return nil, xerrors.New("queued vertex is not resident on its locality")
		}
		vertex := block.(*adjlist.Vertex)
		if vertex.Distance() == distance {
			e.stats.usefulWork.Inc()
			e.sendUpdateToNeighbors(t, vertex, distance)
		} else {
			e.stats.uselessWork.Inc()
		}
		e.counters(t.Locality()).IncrFinished()
		t.Unpin(vaddr)

		if processed++; processed == e.cfg.DrainFreq {
			processed = 0
			t.Yield()
		}
	}
}
