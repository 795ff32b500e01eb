package pqueue_test

import (
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/iu-crest/pxgl/gas"
	"github.com/iu-crest/pxgl/pqueue"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(QueueTestSuite))

func Test(t *testing.T) {
	// Run all gocheck test-suites
	gc.TestingT(t)
}

type QueueTestSuite struct {
}

func (s *QueueTestSuite) TestPopOrdering(c *gc.C) {
	q := pqueue.New(16)

	distances := make([]uint64, 100)
	for i := range distances {
		distances[i] = uint64(rand.Intn(1000))
		q.Push(gas.Nil, distances[i])
	}
	sort.Slice(distances, func(i, j int) bool { return distances[i] < distances[j] })

	for i, want := range distances {
		_, got, ok := q.Pop()
		c.Assert(ok, gc.Equals, true)
		c.Assert(got, gc.Equals, want, gc.Commentf("pop %d", i))
	}
	_, _, ok := q.Pop()
	c.Assert(ok, gc.Equals, false)
}

func (s *QueueTestSuite) TestPushReportsEmptyTransition(c *gc.C) {
	q := pqueue.New(4)

	c.Assert(q.Push(gas.Nil, 10), gc.Equals, true)
	c.Assert(q.Push(gas.Nil, 5), gc.Equals, false)

	_, _, _ = q.Pop()
	_, _, _ = q.Pop()
	c.Assert(q.Empty(), gc.Equals, true)
	c.Assert(q.Push(gas.Nil, 7), gc.Equals, true)
}

func (s *QueueTestSuite) TestDuplicateDistances(c *gc.C) {
	q := pqueue.New(4)
	q.Push(gas.Nil, 3)
	q.Push(gas.Nil, 3)
	q.Push(gas.Nil, 1)

	_, d1, _ := q.Pop()
	_, d2, _ := q.Pop()
	_, d3, _ := q.Pop()
	c.Assert(d1, gc.Equals, uint64(1))
	c.Assert(d2, gc.Equals, uint64(3))
	c.Assert(d3, gc.Equals, uint64(3))
}

func (s *QueueTestSuite) TestConcurrentPushPop(c *gc.C) {
	q := pqueue.New(64)

	var wg sync.WaitGroup
	const perWorker = 200
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				q.Push(gas.Nil, uint64(rng.Intn(100)))
			}
		}(int64(w))
	}
	wg.Wait()

	c.Assert(q.Len(), gc.Equals, 4*perWorker)
	prev := uint64(0)
	for {
		_, d, ok := q.Pop()
		if !ok {
			break
		}
		c.Assert(d >= prev, gc.Equals, true)
		prev = d
	}
}
