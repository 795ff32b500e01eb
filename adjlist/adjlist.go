// Package adjlist builds and owns the distributed adjacency list: a
// block-cyclic index array of per-vertex handles, each referring to a
// vertex record co-located with its index slot. Construction runs in three
// globally terminated phases over an input edge stream: count the outgoing
// edges of every vertex, allocate each vertex record next to its index
// slot, then insert every edge through a fetch-add write cursor.
package adjlist

import (
	"io/ioutil"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/iu-crest/pxgl/edgelist"
	"github.com/iu-crest/pxgl/gas"
	"github.com/iu-crest/pxgl/termination"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type countEdgeMsg struct {
	counts gas.Addr
}

// Type implements gas.Message.
func (*countEdgeMsg) Type() string { return "adjlist.count_edge" }

type incrementCountMsg struct{}

// Type implements gas.Message.
func (*incrementCountMsg) Type() string { return "adjlist.increment_count" }

type allocEntryMsg struct {
	index gas.Addr
	sync  gas.LCO
}

// Type implements gas.Message.
func (*allocEntryMsg) Type() string { return "adjlist.alloc_entry" }

type allocVertexMsg struct {
	count uint32
	sync  gas.LCO
}

// Type implements gas.Message.
func (*allocVertexMsg) Type() string { return "adjlist.alloc_vertex" }

type insertEdgeMsg struct {
	index gas.Addr
}

// Type implements gas.Message.
func (*insertEdgeMsg) Type() string { return "adjlist.insert_edge" }

type putEdgeMsg struct {
	edge Edge
}

// Type implements gas.Message.
func (*putEdgeMsg) Type() string { return "adjlist.put_edge" }

type emptyMsg struct{}

// Type implements gas.Message.
func (*emptyMsg) Type() string { return "adjlist.empty" }

// BuilderConfig encapsulates the options for creating a Builder.
type BuilderConfig struct {
	// Runtime hosting the distributed arrays.
	Runtime *gas.Runtime

	// Detector provides the termination counters driving the counted
	// construction phases.
	Detector *termination.Detector

	// Logger for per-phase progress. If not specified, a null logger
	// will be used instead.
	Logger *logrus.Entry
}

func (cfg *BuilderConfig) validate() error {
	var err error
	if cfg.Runtime == nil {
		err = multierror.Append(err, xerrors.New("runtime not specified"))
	}
	if cfg.Detector == nil {
		err = multierror.Append(err, xerrors.New("termination detector not specified"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Builder constructs adjacency lists from edge lists.
type Builder struct {
	cfg BuilderConfig

	countEdgeAction      gas.Action
	incrementCountAction gas.Action
	allocEntryAction     gas.Action
	allocVertexAction    gas.Action
	insertEdgeAction     gas.Action
	putEdgeIndexAction   gas.Action
	putEdgeAction        gas.Action
	resetVertexAction    gas.Action
	initDistanceAction   gas.Action
	readDistanceAction   gas.Action
}

// NewBuilder creates a Builder and registers its actions with the runtime.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("builder config validation failed: %w", err)
	}
	b := &Builder{cfg: cfg}
	rt := cfg.Runtime
	b.countEdgeAction = rt.Register("adjlist.count_edge", b.handleCountEdge)
	b.incrementCountAction = rt.Register("adjlist.increment_count", b.handleIncrementCount)
	b.allocEntryAction = rt.Register("adjlist.alloc_entry", b.handleAllocEntry)
	b.allocVertexAction = rt.Register("adjlist.alloc_vertex", b.handleAllocVertex)
	b.insertEdgeAction = rt.Register("adjlist.insert_edge", b.handleInsertEdge)
	b.putEdgeIndexAction = rt.Register("adjlist.put_edge_index", b.handlePutEdgeIndex)
	b.putEdgeAction = rt.Register("adjlist.put_edge", b.handlePutEdge)
	b.resetVertexAction = rt.Register("adjlist.reset_vertex", b.handleResetVertex)
	b.initDistanceAction = rt.Register("adjlist.init_distance", b.handleInitDistance)
	b.readDistanceAction = rt.Register("adjlist.read_distance", b.handleReadDistance)
	return b, nil
}

// List is a constructed adjacency list.
type List struct {
	builder *Builder

	// Index is the base address of the distributed index array. Slot i
	// holds the handle of vertex i's record.
	Index gas.Addr

	// NumVertices is the number of index slots.
	NumVertices uint64
}

// FromEdgeList constructs the adjacency list for the given edge stream.
// The count and insert phases activate one task per edge and block on the
// termination detector; the allocate phase synchronizes on an AND barrier
// sized by the vertex count.
func (b *Builder) FromEdgeList(el *edgelist.EdgeList) (*List, error) {
	rt := b.cfg.Runtime
	localities := rt.LocalityCount()
	epb := int((el.NumVertices + uint64(localities) - 1) / uint64(localities))
	logger := b.cfg.Logger.WithField("build_id", uuid.New().String())

	index := rt.GlobalAlloc(localities, epb, func(elems int) interface{} {
		return make([]gas.Addr, elems)
	})
	counts := rt.GlobalCalloc(localities, epb, func(elems int) interface{} {
		return make([]uint32, elems)
	})

	// Phase 1: build the per-source-vertex edge histogram.
	logger.WithField("edges", el.NumEdges).Info("counting edges per source vertex")
	b.cfg.Detector.Reset()
	b.cfg.Detector.Counters(0).AddActive(el.NumEdges)
	rt.RangeCall(el.Edges, el.NumEdges, b.countEdgeAction, &countEdgeMsg{counts: counts}, gas.NilLCO)
	edgesSync := rt.NewAnd(2)
	b.cfg.Detector.Detect(edgesSync, edgesSync)
	rt.Wait(edgesSync)
	rt.Delete(edgesSync)

	// Phase 2: allocate one vertex record per index slot, co-located with
	// the slot's owning locality.
	logger.WithField("vertices", el.NumVertices).Info("allocating vertex records")
	verticesSync := rt.NewAnd(int(el.NumVertices))
	for i := uint64(0); i < el.NumVertices; i++ {
		rt.Call(counts.Add(i), b.allocEntryAction, &allocEntryMsg{
			index: index.Add(i),
			sync:  verticesSync,
		}, gas.NilLCO)
	}
	rt.Wait(verticesSync)
	rt.Delete(verticesSync)

	// Phase 3: convert edges to adjacencies.
	logger.Info("inserting edges into adjacency records")
	b.cfg.Detector.Reset()
	b.cfg.Detector.Counters(0).AddActive(el.NumEdges)
	rt.RangeCall(el.Edges, el.NumEdges, b.insertEdgeAction, &insertEdgeMsg{index: index}, gas.NilLCO)
	edgesSync = rt.NewAnd(2)
	b.cfg.Detector.Detect(edgesSync, edgesSync)
	rt.Wait(edgesSync)
	rt.Delete(edgesSync)

	// The histogram is only needed during construction.
	rt.Free(counts)

	logger.Info("adjacency list construction complete")
	return &List{builder: b, Index: index, NumVertices: el.NumVertices}, nil
}

// handleCountEdge forwards one edge record to the counter of its source
// vertex. The launched increment is the task the termination count tracks;
// the launcher itself does not contribute a finish.
func (b *Builder) handleCountEdge(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*countEdgeMsg)
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	source := block.([]edgelist.Record)[offset].Source
	t.Unpin(target)

	t.Call(args.counts.Add(source), b.incrementCountAction, &incrementCountMsg{}, gas.NilLCO)
	return nil, nil
}

func (b *Builder) handleIncrementCount(t *gas.Task, target gas.Addr, _ gas.Message) (interface{}, error) {
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	atomic.AddUint32(&block.([]uint32)[offset], 1)
	b.cfg.Detector.Counters(t.Locality()).IncrFinished()
	t.Unpin(target)
	return nil, nil
}

// handleAllocEntry reads one vertex's edge count and forwards the
// allocation request to the locality that owns the vertex's index slot.
func (b *Builder) handleAllocEntry(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*allocEntryMsg)
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	count := atomic.LoadUint32(&block.([]uint32)[offset])
	t.Unpin(target)

	t.Call(args.index, b.allocVertexAction, &allocVertexMsg{count: count, sync: args.sync}, gas.NilLCO)
	return nil, nil
}

// handleAllocVertex allocates the vertex record on the locality owning the
// index slot (pin the slot first, then allocate here, so record and slot
// start out co-located) and publishes its handle.
func (b *Builder) handleAllocVertex(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*allocVertexMsg)
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	vertex := t.Runtime().AllocLocal(t.Locality(), newVertex(args.count))
	block.([]gas.Addr)[offset] = vertex
	t.Unpin(target)

	t.Runtime().Set(args.sync, nil)
	return nil, nil
}

// handleInsertEdge resolves one edge record into an adjacency insert on the
// source vertex's locality.
func (b *Builder) handleInsertEdge(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*insertEdgeMsg)
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	rec := block.([]edgelist.Record)[offset]
	t.Unpin(target)

	t.Call(args.index.Add(rec.Source), b.putEdgeIndexAction, &putEdgeMsg{
		edge: Edge{Dest: rec.Dest, Weight: rec.Weight},
	}, gas.NilLCO)
	return nil, nil
}

func (b *Builder) handlePutEdgeIndex(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	vertex := block.([]gas.Addr)[offset]
	t.Unpin(target)

	t.Call(vertex, b.putEdgeAction, msg, gas.NilLCO)
	return nil, nil
}

// handlePutEdge claims the next write slot of the vertex's edge array and
// stores the adjacency there.
func (b *Builder) handlePutEdge(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*putEdgeMsg)
	block, _, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	vertex := block.(*Vertex)
	vertex.edges[vertex.claimEdgeSlot()] = args.edge
	b.cfg.Detector.Counters(t.Locality()).IncrFinished()
	t.Unpin(target)
	return nil, nil
}

func (b *Builder) handleResetVertex(t *gas.Task, target gas.Addr, _ gas.Message) (interface{}, error) {
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	vertex := block.([]gas.Addr)[offset]
	t.Unpin(target)

	t.CallSync(vertex, b.initDistanceAction, &emptyMsg{})
	return nil, nil
}

func (b *Builder) handleInitDistance(t *gas.Task, target gas.Addr, _ gas.Message) (interface{}, error) {
	block, _, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	block.(*Vertex).resetDistance()
	t.Unpin(target)
	return nil, nil
}

func (b *Builder) handleReadDistance(t *gas.Task, target gas.Addr, _ gas.Message) (interface{}, error) {
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	vertex := block.([]gas.Addr)[offset]
	t.Unpin(target)

	vblock, _, ok := t.Pin(vertex)
	if !ok {
		return nil, gas.Resend
	}
	distance := vblock.(*Vertex).Distance()
	t.Unpin(vertex)
	return distance, nil
}

// IndexSlot returns the global address of vertex v's index slot.
func (l *List) IndexSlot(v uint64) gas.Addr { return l.Index.Add(v) }

// Distance returns the current tentative distance of vertex v.
func (l *List) Distance(v uint64) uint64 {
	return l.builder.cfg.Runtime.CallSync(l.IndexSlot(v), l.builder.readDistanceAction, &emptyMsg{}).(uint64)
}

// Distances reads back the whole distance array. Intended for callers that
// want the result of a completed run.
func (l *List) Distances() []uint64 {
	out := make([]uint64, l.NumVertices)
	for i := range out {
		out[i] = l.Distance(uint64(i))
	}
	return out
}

// Reset reinitializes every vertex's distance. Required between
// consecutive runs over the same graph.
func (l *List) Reset() {
	rt := l.builder.cfg.Runtime
	vertices := rt.NewAnd(int(l.NumVertices))
	for i := uint64(0); i < l.NumVertices; i++ {
		rt.Call(l.IndexSlot(i), l.builder.resetVertexAction, &emptyMsg{}, vertices)
	}
	rt.Wait(vertices)
	rt.Delete(vertices)
}

// Free releases the vertex records and the index array.
func (l *List) Free() {
	rt := l.builder.cfg.Runtime
	for i := uint64(0); i < l.NumVertices; i++ {
		slot := l.IndexSlot(i)
		if block, offset, ok := rt.Pin(slot); ok {
			vertex := block.([]gas.Addr)[offset]
			rt.Unpin(slot)
			if !vertex.IsNil() {
				rt.Free(vertex)
			}
		}
	}
	rt.Free(l.Index)
}

// DumpVertex logs a vertex's adjacency at debug level.
func (l *List) DumpVertex(v uint64, logger *logrus.Entry) {
	rt := l.builder.cfg.Runtime
	slot := l.IndexSlot(v)
	block, offset, ok := rt.Pin(slot)
	if !ok {
		return
	}
	vaddr := block.([]gas.Addr)[offset]
	rt.Unpin(slot)

	vblock, _, ok := rt.Pin(vaddr)
	if !ok {
		return
	}
	vertex := vblock.(*Vertex)
	for _, e := range vertex.Edges() {
		logger.WithFields(logrus.Fields{"vertex": v, "dest": e.Dest, "weight": e.Weight}).Debug("adjacency")
	}
	if len(vertex.Edges()) == 0 {
		logger.WithField("vertex", v).Debug("vertex has no neighbours")
	}
	rt.Unpin(vaddr)
}
