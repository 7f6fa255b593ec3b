package mesh

import (
	"time"

	gc "github.com/go-check/check"
)

type FutureSuite struct{}

var _ = gc.Suite(&FutureSuite{})

func (s *FutureSuite) TestNullFutureCompletesImmediately(c *gc.C) {
	var rpc = newRPC(1, 0, true)
	c.Check(rpc.Complete(), gc.Equals, true)
	c.Check(rpc.TargetCount(), gc.Equals, 0)

	var val, err = rpc.Wait(0)
	c.Check(val, gc.IsNil)
	c.Check(err, gc.FitsTypeOf, &Unroutable{})
}

func (s *FutureSuite) TestSingularRpcReturnsBareValue(c *gc.C) {
	var rpc = newRPC(1, 1, true)
	c.Check(rpc.Complete(), gc.Equals, false)

	rpc.incoming(Result{Value: "hello"})
	c.Check(rpc.Complete(), gc.Equals, true)

	var val, err = rpc.Wait(0)
	c.Assert(err, gc.IsNil)
	c.Check(val, gc.Equals, "hello")
}

func (s *FutureSuite) TestFanOutRpcReturnsResultsInArrivalOrder(c *gc.C) {
	var rpc = newRPC(1, 2, false)
	rpc.incoming(Result{Peer: Ident{Host: "b"}, Value: 2})
	c.Check(rpc.Complete(), gc.Equals, false)
	rpc.incoming(Result{Peer: Ident{Host: "a"}, Value: 1})
	c.Check(rpc.Complete(), gc.Equals, true)

	var val, err = rpc.Wait(0)
	c.Assert(err, gc.IsNil)
	var results = val.([]Result)
	c.Assert(results, gc.HasLen, 2)
	c.Check(results[0].Peer.Host, gc.Equals, "b")
	c.Check(results[1].Peer.Host, gc.Equals, "a")
}

func (s *FutureSuite) TestWaitTimeout(c *gc.C) {
	var rpc = newRPC(1, 1, true)
	var _, err = rpc.Wait(time.Millisecond)
	c.Check(err, gc.FitsTypeOf, &WaitTimeout{})
}

func (s *FutureSuite) TestSetTargetCountCanCompleteAlreadySatisfiedRpc(c *gc.C) {
	var rpc = newRPC(1, 0, true) // a zero-target future is complete from the start
	c.Check(rpc.Complete(), gc.Equals, true)

	// A proxied RPC as ProxiedRegistry.Sent books it, before its count arrives.
	var pending = &RPC{counter: 2, done: make(chan struct{}), singular: true}
	pending.incoming(Result{Value: 1})
	c.Check(pending.Complete(), gc.Equals, false)
	pending.setTargetCount(1)
	c.Check(pending.Complete(), gc.Equals, true)
}

func (s *FutureSuite) TestWaitAnyReturnsFirstToComplete(c *gc.C) {
	var r1 = newRPC(1, 1, true)
	var r2 = newRPC(2, 1, true)

	go func() {
		time.Sleep(5 * time.Millisecond)
		r2.incoming(Result{Value: "r2"})
	}()

	var winner, err = WaitAny([]*RPC{r1, r2}, time.Second)
	c.Assert(err, gc.IsNil)
	c.Check(winner, gc.Equals, r2)
}

func (s *FutureSuite) TestWaitAnyWithAlreadyCompleteRpc(c *gc.C) {
	var r1 = newRPC(1, 0, true)
	var r2 = newRPC(2, 1, true)

	var winner, err = WaitAny([]*RPC{r2, r1}, time.Second)
	c.Assert(err, gc.IsNil)
	c.Check(winner, gc.Equals, r1)
}

func (s *FutureSuite) TestTransferRedirectsCompletion(c *gc.C) {
	var source = newRPC(1, 1, true)
	var target = newRPC(2, 1, true)

	var w = newWait([]*RPC{source})
	w.Transfer(source, target)

	target.incoming(Result{Value: "retried"})

	select {
	case <-w.done:
	case <-time.After(time.Second):
		c.Fatal("wait did not complete after transferred rpc finished")
	}
	c.Check(w.completed, gc.Equals, source)
}
