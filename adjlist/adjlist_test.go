package adjlist_test

import (
	"sort"
	"testing"

	"github.com/iu-crest/pxgl/adjlist"
	"github.com/iu-crest/pxgl/edgelist"
	"github.com/iu-crest/pxgl/gas"
	"github.com/iu-crest/pxgl/termination"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(AdjListTestSuite))

func Test(t *testing.T) {
	// Run all gocheck test-suites
	gc.TestingT(t)
}

type AdjListTestSuite struct {
}

type buildEnv struct {
	rt      *gas.Runtime
	det     *termination.Detector
	builder *adjlist.Builder
}

func newBuildEnv(c *gc.C, localities int) *buildEnv {
	rt, err := gas.New(gas.Config{Localities: localities})
	c.Assert(err, gc.IsNil)
	det := termination.New(rt, nil)
	builder, err := adjlist.NewBuilder(adjlist.BuilderConfig{Runtime: rt, Detector: det})
	c.Assert(err, gc.IsNil)
	return &buildEnv{rt: rt, det: det, builder: builder}
}

func (e *buildEnv) close(c *gc.C) { c.Assert(e.rt.Close(), gc.IsNil) }

// edgesOf reads back the stored adjacency of one vertex as (dest, weight)
// pairs sorted for comparison.
func edgesOf(c *gc.C, env *buildEnv, list *adjlist.List, v uint64) []adjlist.Edge {
	slot := list.IndexSlot(v)
	block, offset, ok := env.rt.Pin(slot)
	c.Assert(ok, gc.Equals, true)
	vaddr := block.([]gas.Addr)[offset]
	env.rt.Unpin(slot)

	vblock, _, ok := env.rt.Pin(vaddr)
	c.Assert(ok, gc.Equals, true)
	defer env.rt.Unpin(vaddr)

	edges := append([]adjlist.Edge(nil), vblock.(*adjlist.Vertex).Edges()...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Dest != edges[j].Dest {
			return edges[i].Dest < edges[j].Dest
		}
		return edges[i].Weight < edges[j].Weight
	})
	return edges
}

func (s *AdjListTestSuite) TestConstructionPreservesEdgeMultiplicity(c *gc.C) {
	for _, localities := range []int{1, 3} {
		env := newBuildEnv(c, localities)

		records := []edgelist.Record{
			{Source: 0, Dest: 1, Weight: 1},
			{Source: 0, Dest: 2, Weight: 7},
			{Source: 1, Dest: 2, Weight: 2},
			{Source: 1, Dest: 2, Weight: 2}, // duplicate edge, kept twice
			{Source: 3, Dest: 0, Weight: 9},
		}
		el := edgelist.FromRecords(env.rt, 4, records)
		list, err := env.builder.FromEdgeList(el)
		c.Assert(err, gc.IsNil)

		c.Assert(edgesOf(c, env, list, 0), gc.DeepEquals, []adjlist.Edge{
			{Dest: 1, Weight: 1}, {Dest: 2, Weight: 7},
		}, gc.Commentf("%d localities", localities))
		c.Assert(edgesOf(c, env, list, 1), gc.DeepEquals, []adjlist.Edge{
			{Dest: 2, Weight: 2}, {Dest: 2, Weight: 2},
		}, gc.Commentf("%d localities", localities))
		c.Assert(edgesOf(c, env, list, 2), gc.HasLen, 0)
		c.Assert(edgesOf(c, env, list, 3), gc.DeepEquals, []adjlist.Edge{
			{Dest: 0, Weight: 9},
		})

		env.close(c)
	}
}

func (s *AdjListTestSuite) TestFreshVerticesAreUnreached(c *gc.C) {
	env := newBuildEnv(c, 2)
	defer env.close(c)

	el := edgelist.FromRecords(env.rt, 3, []edgelist.Record{{Source: 0, Dest: 1, Weight: 4}})
	list, err := env.builder.FromEdgeList(el)
	c.Assert(err, gc.IsNil)

	for v := uint64(0); v < 3; v++ {
		c.Assert(list.Distance(v), gc.Equals, adjlist.InfDistance, gc.Commentf("vertex %d", v))
	}
}

func (s *AdjListTestSuite) TestRebuildProducesEquivalentStructure(c *gc.C) {
	env := newBuildEnv(c, 2)
	defer env.close(c)

	records := []edgelist.Record{
		{Source: 0, Dest: 1, Weight: 3},
		{Source: 0, Dest: 2, Weight: 1},
		{Source: 1, Dest: 3, Weight: 1},
		{Source: 2, Dest: 3, Weight: 5},
	}
	el := edgelist.FromRecords(env.rt, 4, records)
	first, err := env.builder.FromEdgeList(el)
	c.Assert(err, gc.IsNil)
	second, err := env.builder.FromEdgeList(el)
	c.Assert(err, gc.IsNil)

	for v := uint64(0); v < 4; v++ {
		c.Assert(edgesOf(c, env, second, v), gc.DeepEquals, edgesOf(c, env, first, v), gc.Commentf("vertex %d", v))
	}
}

func (s *AdjListTestSuite) TestResetRestoresInfinity(c *gc.C) {
	env := newBuildEnv(c, 2)
	defer env.close(c)

	el := edgelist.FromRecords(env.rt, 2, []edgelist.Record{{Source: 0, Dest: 1, Weight: 1}})
	list, err := env.builder.FromEdgeList(el)
	c.Assert(err, gc.IsNil)

	// Dirty a distance the way a run would, then reset.
	slot := list.IndexSlot(1)
	block, offset, ok := env.rt.Pin(slot)
	c.Assert(ok, gc.Equals, true)
	vaddr := block.([]gas.Addr)[offset]
	env.rt.Unpin(slot)
	vblock, _, ok := env.rt.Pin(vaddr)
	c.Assert(ok, gc.Equals, true)
	c.Assert(vblock.(*adjlist.Vertex).TryUpdateDistance(17), gc.Equals, true)
	env.rt.Unpin(vaddr)

	c.Assert(list.Distance(1), gc.Equals, uint64(17))
	list.Reset()
	c.Assert(list.Distance(0), gc.Equals, adjlist.InfDistance)
	c.Assert(list.Distance(1), gc.Equals, adjlist.InfDistance)
}

func (s *AdjListTestSuite) TestSingleVertexGraph(c *gc.C) {
	env := newBuildEnv(c, 1)
	defer env.close(c)

	el := edgelist.FromRecords(env.rt, 1, nil)
	list, err := env.builder.FromEdgeList(el)
	c.Assert(err, gc.IsNil)
	c.Assert(list.NumVertices, gc.Equals, uint64(1))
	c.Assert(edgesOf(c, env, list, 0), gc.HasLen, 0)
	c.Assert(list.Distance(0), gc.Equals, adjlist.InfDistance)
}

func (s *AdjListTestSuite) TestTryUpdateDistanceIsMonotonic(c *gc.C) {
	env := newBuildEnv(c, 1)
	defer env.close(c)

	el := edgelist.FromRecords(env.rt, 1, nil)
	list, err := env.builder.FromEdgeList(el)
	c.Assert(err, gc.IsNil)

	slot := list.IndexSlot(0)
	block, offset, _ := env.rt.Pin(slot)
	vaddr := block.([]gas.Addr)[offset]
	env.rt.Unpin(slot)
	vblock, _, _ := env.rt.Pin(vaddr)
	defer env.rt.Unpin(vaddr)
	vertex := vblock.(*adjlist.Vertex)

	c.Assert(vertex.TryUpdateDistance(10), gc.Equals, true)
	c.Assert(vertex.TryUpdateDistance(10), gc.Equals, false)
	c.Assert(vertex.TryUpdateDistance(12), gc.Equals, false)
	c.Assert(vertex.Distance(), gc.Equals, uint64(10))
	c.Assert(vertex.TryUpdateDistance(3), gc.Equals, true)
	c.Assert(vertex.Distance(), gc.Equals, uint64(3))
}
