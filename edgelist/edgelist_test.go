package edgelist_test

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/iu-crest/pxgl/edgelist"
	"github.com/iu-crest/pxgl/gas"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(LoaderTestSuite))

func Test(t *testing.T) {
	// Run all gocheck test-suites
	gc.TestingT(t)
}

type LoaderTestSuite struct {
}

func writeGraphFile(c *gc.C, content string) string {
	dir := c.MkDir()
	path := filepath.Join(dir, "graph.gr")
	c.Assert(ioutil.WriteFile(path, []byte(content), os.FileMode(0644)), gc.IsNil)
	return path
}

// readBack collects the stored records sorted by (source, dest, weight).
func readBack(c *gc.C, rt *gas.Runtime, el *edgelist.EdgeList) []edgelist.Record {
	out := make([]edgelist.Record, 0, el.NumEdges)
	for i := uint64(0); i < el.NumEdges; i++ {
		block, offset, ok := rt.Pin(el.Edges.Add(i))
		c.Assert(ok, gc.Equals, true)
		out = append(out, block.([]edgelist.Record)[offset])
		rt.Unpin(el.Edges.Add(i))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].Dest != out[j].Dest {
			return out[i].Dest < out[j].Dest
		}
		return out[i].Weight < out[j].Weight
	})
	return out
}

func (s *LoaderTestSuite) TestLoadDIMACS(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 2})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	path := writeGraphFile(c, `c example shortest-path instance
p sp 4 5
a 1 2 3
a 1 3 1
a 2 4 7
a 3 4 2
a 4 1 1
`)

	loader, err := edgelist.NewLoader(edgelist.LoaderConfig{Runtime: rt})
	c.Assert(err, gc.IsNil)
	el, err := loader.LoadDIMACS(path)
	c.Assert(err, gc.IsNil)

	// The vertex count accounts for the 1..N DIMACS ID range.
	c.Assert(el.NumVertices, gc.Equals, uint64(5))
	c.Assert(el.NumEdges, gc.Equals, uint64(5))
	c.Assert(readBack(c, rt, el), gc.DeepEquals, []edgelist.Record{
		{Source: 1, Dest: 2, Weight: 3},
		{Source: 1, Dest: 3, Weight: 1},
		{Source: 2, Dest: 4, Weight: 7},
		{Source: 3, Dest: 4, Weight: 2},
		{Source: 4, Dest: 1, Weight: 1},
	})
}

func (s *LoaderTestSuite) TestStripedReadersCoverWholeFile(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 2})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	content := "p sp 30 30\n"
	expected := make([]edgelist.Record, 0, 30)
	for i := uint64(1); i <= 30; i++ {
		dst := i%30 + 1
		content += fmt.Sprintf("a %d %d %d\n", i, dst, i)
		expected = append(expected, edgelist.Record{Source: i, Dest: dst, Weight: i})
	}
	path := writeGraphFile(c, content)

	loader, err := edgelist.NewLoader(edgelist.LoaderConfig{
		Runtime:         rt,
		LocalityReaders: 2,
		ThreadReaders:   3,
	})
	c.Assert(err, gc.IsNil)
	el, err := loader.LoadDIMACS(path)
	c.Assert(err, gc.IsNil)

	got := readBack(c, rt, el)
	sort.Slice(expected, func(i, j int) bool { return expected[i].Source < expected[j].Source })
	c.Assert(got, gc.DeepEquals, expected)
}

func (s *LoaderTestSuite) TestSkipsMalformedLines(c *gc.C) {
	rt, err := gas.New(gas.Config{})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	path := writeGraphFile(c, `x bogus line
p sp 2 1
c a comment
a 1 2 5
`)

	loader, err := edgelist.NewLoader(edgelist.LoaderConfig{Runtime: rt})
	c.Assert(err, gc.IsNil)
	el, err := loader.LoadDIMACS(path)
	c.Assert(err, gc.IsNil)
	c.Assert(el.NumEdges, gc.Equals, uint64(1))
	c.Assert(readBack(c, rt, el), gc.DeepEquals, []edgelist.Record{{Source: 1, Dest: 2, Weight: 5}})
}

func (s *LoaderTestSuite) TestMissingProblemLine(c *gc.C) {
	rt, err := gas.New(gas.Config{})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	path := writeGraphFile(c, "c just a comment\n")
	loader, err := edgelist.NewLoader(edgelist.LoaderConfig{Runtime: rt})
	c.Assert(err, gc.IsNil)
	_, err = loader.LoadDIMACS(path)
	c.Assert(err, gc.NotNil)
}

func (s *LoaderTestSuite) TestFromRecords(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 3})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	records := []edgelist.Record{
		{Source: 0, Dest: 1, Weight: 1},
		{Source: 1, Dest: 2, Weight: 2},
	}
	el := edgelist.FromRecords(rt, 3, records)
	c.Assert(el.NumVertices, gc.Equals, uint64(3))
	c.Assert(el.NumEdges, gc.Equals, uint64(2))
	c.Assert(readBack(c, rt, el), gc.DeepEquals, records)
}

