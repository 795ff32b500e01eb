// Package edgelist loads DIMACS shortest-path graph files into a globally
// distributed edge buffer, the input of adjacency-list construction.
package edgelist

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/iu-crest/pxgl/gas"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Record is one input arc: source and destination vertex IDs plus a
// non-negative integer weight.
type Record struct {
	Source uint64
	Dest   uint64
	Weight uint64
}

// EdgeList describes a loaded edge stream: the vertex and edge totals and
// the distributed array holding the records.
type EdgeList struct {
	NumVertices   uint64
	NumEdges      uint64
	Edges         gas.Addr
	EdgesPerBlock int
}

// LoaderConfig encapsulates the options for creating a Loader.
type LoaderConfig struct {
	// Runtime hosting the distributed edge buffer.
	Runtime *gas.Runtime

	// LocalityReaders is the number of localities that read file stripes
	// concurrently. Defaults to every locality in the runtime.
	LocalityReaders int

	// ThreadReaders is the number of reader tasks per participating
	// locality. Defaults to 1.
	ThreadReaders int

	// Logger for load progress and malformed-input warnings. If not
	// specified, a null logger will be used instead.
	Logger *logrus.Entry
}

func (cfg *LoaderConfig) validate() error {
	var err error
	if cfg.Runtime == nil {
		err = multierror.Append(err, xerrors.New("runtime not specified"))
	}
	if cfg.LocalityReaders < 0 || cfg.ThreadReaders < 0 {
		err = multierror.Append(err, xerrors.New("reader counts cannot be negative"))
	}
	if cfg.Runtime != nil && cfg.LocalityReaders == 0 {
		cfg.LocalityReaders = cfg.Runtime.LocalityCount()
	}
	if cfg.ThreadReaders == 0 {
		cfg.ThreadReaders = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

type putEdgeMsg struct {
	record Record
}

// Type implements gas.Message.
func (*putEdgeMsg) Type() string { return "edgelist.put_edge" }

type readStripeMsg struct {
	path  string
	skip  uint64
	quota uint64
	edges gas.Addr
	sync  gas.LCO
}

// Type implements gas.Message.
func (*readStripeMsg) Type() string { return "edgelist.read_stripe" }

// Loader streams DIMACS files into distributed edge buffers. The file is
// partitioned into non-overlapping arc ranges; each reader task skips its
// predecessors' arcs and enqueues its own quota.
type Loader struct {
	cfg LoaderConfig

	putEdgeAction    gas.Action
	readStripeAction gas.Action
}

// NewLoader creates a Loader and registers its actions with the runtime.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.validate(); err != nil {
		return nil, xerrors.Errorf("loader config validation failed: %w", err)
	}
	l := &Loader{cfg: cfg}
	l.putEdgeAction = cfg.Runtime.Register("edgelist.put_edge", l.handlePutEdge)
	l.readStripeAction = cfg.Runtime.Register("edgelist.read_stripe", l.handleReadStripe)
	return l, nil
}

// LoadDIMACS reads a DIMACS shortest-path file and returns the populated
// edge list. The header's vertex count is incremented by one to account
// for the 1..N vertex ID range of the format.
func (l *Loader) LoadDIMACS(path string) (*EdgeList, error) {
	el, err := l.readHeader(path)
	if err != nil {
		return nil, err
	}

	rt := l.cfg.Runtime
	localities := rt.LocalityCount()
	el.EdgesPerBlock = int((el.NumEdges + uint64(localities) - 1) / uint64(localities))
	el.Edges = rt.GlobalAlloc(localities, el.EdgesPerBlock, func(elems int) interface{} {
		return make([]Record, elems)
	})

	edgesSync := rt.NewAnd(int(el.NumEdges))
	readers := l.cfg.LocalityReaders * l.cfg.ThreadReaders
	chunk := el.NumEdges/uint64(readers) + 1

	l.cfg.Logger.WithFields(logrus.Fields{
		"path":     path,
		"vertices": el.NumVertices,
		"edges":    el.NumEdges,
		"readers":  readers,
	}).Info("loading edge list")

	for loc := 0; loc < l.cfg.LocalityReaders; loc++ {
		for th := 0; th < l.cfg.ThreadReaders; th++ {
			reader := uint64(loc*l.cfg.ThreadReaders + th)
			rt.CallOn(loc%localities, l.readStripeAction, &readStripeMsg{
				path:  path,
				skip:  reader * chunk,
				quota: chunk,
				edges: el.Edges,
				sync:  edgesSync,
			}, gas.NilLCO)
		}
	}

	rt.Wait(edgesSync)
	rt.Delete(edgesSync)
	return el, nil
}

// readHeader scans the file for the problem line and sizes the edge list.
func (l *Loader) readHeader(path string) (*EdgeList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open graph file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case 'c', 'a':
			continue
		case 'p':
			el := new(EdgeList)
			if _, err := fmt.Sscanf(line, "p sp %d %d", &el.NumVertices, &el.NumEdges); err != nil {
				return nil, xerrors.Errorf("parse problem line %q: %w", line, err)
			}
			// DIMACS .gr vertex IDs range over 1..N.
			el.NumVertices++
			return el, nil
		default:
			l.cfg.Logger.WithField("line", line).Warn("invalid command specifier in graph file, skipping")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("scan graph file: %w", err)
	}
	return nil, xerrors.Errorf("graph file %q has no problem line", path)
}

// handleReadStripe reads one arc range of the file and stores each arc into
// its slot of the distributed edge buffer. The sync LCO receives one input
// per stored arc.
func (l *Loader) handleReadStripe(t *gas.Task, _ gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*readStripeMsg)

	f, err := os.Open(args.path)
	if err != nil {
		return nil, xerrors.Errorf("open graph file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		skipped uint64
		count   uint64
		scanner = bufio.NewScanner(f)
	)
	for scanner.Scan() && count < args.quota {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case 'c', 'p':
			continue
		case 'a':
			if skipped < args.skip {
				skipped++
				continue
			}
			var rec Record
			if _, err := fmt.Sscanf(line, "a %d %d %d", &rec.Source, &rec.Dest, &rec.Weight); err != nil {
				l.cfg.Logger.WithField("line", line).Warn("malformed arc line, skipping")
				continue
			}
			position := count + skipped
			count++
			t.Call(args.edges.Add(position), l.putEdgeAction, &putEdgeMsg{record: rec}, args.sync)
		default:
			l.cfg.Logger.WithField("line", line).Warn("invalid command specifier in graph file, skipping")
		}
	}
	return nil, scanner.Err()
}

func (l *Loader) handlePutEdge(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
	args := msg.(*putEdgeMsg)
	block, offset, ok := t.Pin(target)
	if !ok {
		return nil, gas.Resend
	}
	block.([]Record)[offset] = args.record
	t.Unpin(target)
	return nil, nil
}

// FromRecords places an in-memory arc slice into a distributed edge buffer.
// It is the handoff used by drivers that synthesize graphs instead of
// streaming them from a file.
func FromRecords(rt *gas.Runtime, numVertices uint64, records []Record) *EdgeList {
	localities := rt.LocalityCount()
	epb := (len(records) + localities - 1) / localities
	if epb == 0 {
		epb = 1
	}
	edges := rt.GlobalAlloc(localities, epb, func(elems int) interface{} {
		return make([]Record, elems)
	})
	for i, rec := range records {
		block, offset, ok := rt.Pin(edges.Add(uint64(i)))
		if !ok {
			continue
		}
		block.([]Record)[offset] = rec
		rt.Unpin(edges.Add(uint64(i)))
	}
	return &EdgeList{
		NumVertices:   numVertices,
		NumEdges:      uint64(len(records)),
		Edges:         edges,
		EdgesPerBlock: epb,
	}
}
