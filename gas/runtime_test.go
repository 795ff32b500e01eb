package gas_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/iu-crest/pxgl/gas"
	gc "gopkg.in/check.v1"
)

var _ = gc.Suite(new(RuntimeTestSuite))

func Test(t *testing.T) {
	// Run all gocheck test-suites
	gc.TestingT(t)
}

type RuntimeTestSuite struct {
}

type addMsg struct {
	delta uint64
}

func (*addMsg) Type() string { return "test.add" }

type emptyMsg struct{}

func (*emptyMsg) Type() string { return "test.empty" }

func (s *RuntimeTestSuite) TestBlockCyclicOwnership(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 4})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	// Twelve elements in four blocks of three: element i lives in block
	// i/3 which is owned by locality (i/3) % 4.
	arr := rt.GlobalAlloc(4, 3, func(elems int) interface{} { return make([]uint64, elems) })
	for i := uint64(0); i < 12; i++ {
		c.Assert(rt.Owner(arr.Add(i)), gc.Equals, int(i/3), gc.Commentf("element %d", i))
	}
}

func (s *RuntimeTestSuite) TestCallRoutesToOwner(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 3})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	arr := rt.GlobalAlloc(3, 2, func(elems int) interface{} { return make([]uint64, elems) })

	var hits [3]uint64
	action := rt.Register("test.record_locality", func(t *gas.Task, target gas.Addr, _ gas.Message) (interface{}, error) {
		block, offset, ok := t.Pin(target)
		if !ok {
			return nil, gas.Resend
		}
		block.([]uint64)[offset] = uint64(t.Locality())
		t.Unpin(target)
		atomic.AddUint64(&hits[t.Locality()], 1)
		return nil, nil
	})

	done := rt.NewAnd(6)
	for i := uint64(0); i < 6; i++ {
		rt.Call(arr.Add(i), action, &emptyMsg{}, done)
	}
	rt.Wait(done)
	rt.Delete(done)

	for loc := range hits {
		c.Assert(atomic.LoadUint64(&hits[loc]), gc.Equals, uint64(2), gc.Commentf("locality %d", loc))
	}
}

func (s *RuntimeTestSuite) TestCallSyncReturnsHandlerValue(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 2})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	arr := rt.GlobalAlloc(2, 1, func(elems int) interface{} { return make([]uint64, elems) })
	action := rt.Register("test.add_and_return", func(t *gas.Task, target gas.Addr, msg gas.Message) (interface{}, error) {
		block, offset, ok := t.Pin(target)
		if !ok {
			return nil, gas.Resend
		}
		block.([]uint64)[offset] += msg.(*addMsg).delta
		out := block.([]uint64)[offset]
		t.Unpin(target)
		return out, nil
	})

	c.Assert(rt.CallSync(arr.Add(1), action, &addMsg{delta: 40}), gc.Equals, uint64(40))
	c.Assert(rt.CallSync(arr.Add(1), action, &addMsg{delta: 2}), gc.Equals, uint64(42))
}

func (s *RuntimeTestSuite) TestBroadcastRunsOnEveryLocality(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 4})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	var visited [4]uint64
	action := rt.Register("test.mark", func(t *gas.Task, _ gas.Addr, _ gas.Message) (interface{}, error) {
		atomic.AddUint64(&visited[t.Locality()], 1)
		return nil, nil
	})

	rt.BroadcastSync(action, &emptyMsg{})
	for loc := range visited {
		c.Assert(atomic.LoadUint64(&visited[loc]), gc.Equals, uint64(1), gc.Commentf("locality %d", loc))
	}
}

func (s *RuntimeTestSuite) TestRangeCallVisitsEveryElement(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 2})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	const elems = 64
	arr := rt.GlobalAlloc(2, elems/2, func(n int) interface{} { return make([]uint64, n) })
	action := rt.Register("test.incr", func(t *gas.Task, target gas.Addr, _ gas.Message) (interface{}, error) {
		block, offset, ok := t.Pin(target)
		if !ok {
			return nil, gas.Resend
		}
		atomic.AddUint64(&block.([]uint64)[offset], 1)
		t.Unpin(target)
		return nil, nil
	})

	gate := rt.NewAnd(elems)
	rt.RangeCall(arr, elems, action, &emptyMsg{}, gate)
	rt.Wait(gate)
	rt.Delete(gate)

	for i := uint64(0); i < elems; i++ {
		block, offset, ok := rt.Pin(arr.Add(i))
		c.Assert(ok, gc.Equals, true)
		c.Assert(block.([]uint64)[offset], gc.Equals, uint64(1), gc.Commentf("element %d", i))
		rt.Unpin(arr.Add(i))
	}
}

func (s *RuntimeTestSuite) TestFutureLatchesFirstValue(c *gc.C) {
	rt, err := gas.New(gas.Config{})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	f := rt.NewFuture()
	rt.Set(f, 42)
	rt.Set(f, 84)
	c.Assert(rt.Get(f), gc.Equals, 42)
	rt.Delete(f)
}

func (s *RuntimeTestSuite) TestAllReduceRounds(c *gc.C) {
	rt, err := gas.New(gas.Config{})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	reduce := rt.NewAllReduce(3, 1,
		func() interface{} { return uint64(0) },
		func(acc, val interface{}) interface{} { return acc.(uint64) + val.(uint64) },
	)
	defer rt.Delete(reduce)

	// The LCO is reusable: a second round starts cleanly after the first
	// round's reader has drained.
	for round := uint64(1); round <= 3; round++ {
		for i := uint64(0); i < 3; i++ {
			go rt.Set(reduce, round)
		}
		c.Assert(rt.Get(reduce), gc.Equals, round*3, gc.Commentf("round %d", round))
	}
}

func (s *RuntimeTestSuite) TestEagerBufferOverflowFallsBackToRetry(c *gc.C) {
	// A one-slot eager buffer forces nearly every send through the
	// retry queue; all parcels must still be delivered.
	rt, err := gas.New(gas.Config{
		Localities:      2,
		EagerBufferSize: 1,
		LedgerSlots:     4,
		RetryInterval:   100 * time.Microsecond,
	})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	var delivered uint64
	action := rt.Register("test.count", func(t *gas.Task, _ gas.Addr, _ gas.Message) (interface{}, error) {
		atomic.AddUint64(&delivered, 1)
		return nil, nil
	})

	const sends = 256
	gate := rt.NewAnd(sends)
	for i := 0; i < sends; i++ {
		rt.CallOn(i%2, action, &emptyMsg{}, gate)
	}
	rt.Wait(gate)
	rt.Delete(gate)
	c.Assert(atomic.LoadUint64(&delivered), gc.Equals, uint64(sends))
}

func (s *RuntimeTestSuite) TestProcessGroupTracksDescendants(c *gc.C) {
	rt, err := gas.New(gas.Config{Localities: 2})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	// Each task fans out two children until the countdown hits zero; the
	// process completes only after the whole tree has run.
	var ran uint64
	var action gas.Action
	action = rt.Register("test.fanout", func(t *gas.Task, _ gas.Addr, msg gas.Message) (interface{}, error) {
		atomic.AddUint64(&ran, 1)
		if depth := msg.(*addMsg).delta; depth > 0 {
			t.CallOn(0, action, &addMsg{delta: depth - 1}, gas.NilLCO)
			t.CallOn(1, action, &addMsg{delta: depth - 1}, gas.NilLCO)
		}
		return nil, nil
	})

	done := rt.NewFuture()
	pid := rt.NewProcess(done)
	rt.ProcessCall(pid, gas.Nil, action, &addMsg{delta: 3}, gas.NilLCO)
	rt.Wait(done)
	rt.Delete(done)
	rt.DeleteProcess(pid)

	// 1 + 2 + 4 + 8 tasks for a depth-3 binary fan-out.
	c.Assert(atomic.LoadUint64(&ran), gc.Equals, uint64(15))
}

func (s *RuntimeTestSuite) TestFreeMakesPinFail(c *gc.C) {
	rt, err := gas.New(gas.Config{})
	c.Assert(err, gc.IsNil)
	defer func() { c.Assert(rt.Close(), gc.IsNil) }()

	arr := rt.GlobalAlloc(1, 4, func(elems int) interface{} { return make([]uint64, elems) })
	_, _, ok := rt.Pin(arr)
	c.Assert(ok, gc.Equals, true)
	rt.Unpin(arr)

	rt.Free(arr)
	_, _, ok = rt.Pin(arr)
	c.Assert(ok, gc.Equals, false)
}
