package mesh

import (
	gc "github.com/go-check/check"

	"github.com/PlumpMath/junction/wire"
)

type SubscriptionsSuite struct{}

var _ = gc.Suite(&SubscriptionsSuite{})

func noopHandler(routingID uint64, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return routingID, nil
}

func addLocal(c *gc.C, t *subscriptionTable, msgType wire.MsgType, service string, mask, value uint64, method string, handler HandlerFunc, schedule bool) bool {
	isNew, err := t.AddLocal(msgType, service, mask, value, method, handler, schedule)
	c.Assert(err, gc.IsNil)
	return isNew
}

func (s *SubscriptionsSuite) TestAddFindRemoveLocal(c *gc.C) {
	var t = newSubscriptionTable()

	c.Check(addLocal(c, t, wire.MsgRPCRequest, "svc", 0xff, 0x01, "method.a", noopHandler, false), gc.Equals, true)

	h, schedule, matched := t.FindLocal(wire.MsgRPCRequest, "svc", 0x01, "method.a")
	c.Check(h, gc.NotNil)
	c.Check(schedule, gc.Equals, false)
	c.Check(matched, gc.Equals, true)

	// Same predicate, different method -> same bucket, no re-announce.
	c.Check(addLocal(c, t, wire.MsgRPCRequest, "svc", 0xff, 0x01, "method.b", noopHandler, true), gc.Equals, false)
	_, schedule, _ = t.FindLocal(wire.MsgRPCRequest, "svc", 0x01, "method.b")
	c.Check(schedule, gc.Equals, true)

	// Service matched but method didn't -- the RPCErrNoMethod special case.
	h, _, matched = t.FindLocal(wire.MsgRPCRequest, "svc", 0x01, "method.c")
	c.Check(h, gc.IsNil)
	c.Check(matched, gc.Equals, true)

	// routing_id outside the predicate -- no match at all.
	h, _, matched = t.FindLocal(wire.MsgRPCRequest, "svc", 0x02, "method.a")
	c.Check(h, gc.IsNil)
	c.Check(matched, gc.Equals, false)

	_, _, removed := t.RemoveLocal(wire.MsgRPCRequest, "svc", "method.a")
	c.Check(removed, gc.Equals, false) // method.b still holds the bucket open
	h, _, matched = t.FindLocal(wire.MsgRPCRequest, "svc", 0x01, "method.a")
	c.Check(h, gc.IsNil)
	c.Check(matched, gc.Equals, true)

	mask, value, removed := t.RemoveLocal(wire.MsgRPCRequest, "svc", "method.b")
	c.Check(removed, gc.Equals, true)
	c.Check(mask, gc.Equals, uint64(0xff))
	c.Check(value, gc.Equals, uint64(0x01))
	c.Check(t.local, gc.HasLen, 0)
}

func (s *SubscriptionsSuite) TestImpossibleSubscriptionRejected(c *gc.C) {
	var t = newSubscriptionTable()
	var _, err = t.AddLocal(wire.MsgPublish, "svc", 0x0f, 0x10, "m", noopHandler, false)
	c.Assert(err, gc.NotNil)
	c.Check(err, gc.ErrorMatches, ".*impossible subscription.*")
}

func (s *SubscriptionsSuite) TestOverlappingPredicateSameMethodRejected(c *gc.C) {
	var t = newSubscriptionTable()
	c.Check(addLocal(c, t, wire.MsgPublish, "svc", 0xff, 0x01, "a", noopHandler, false), gc.Equals, true)

	// mask 0x0f / value 0x01 matches routing_id 0x01, same as the first
	// bucket's singleton match -- the two predicates overlap, and both
	// register method "a", so this is rejected.
	var _, err = t.AddLocal(wire.MsgPublish, "svc", 0x0f, 0x01, "a", noopHandler, false)
	c.Assert(err, gc.NotNil)
	c.Check(err, gc.ErrorMatches, ".*overlaps existing.*")
}

func (s *SubscriptionsSuite) TestOverlappingPredicateDifferentMethodCoexists(c *gc.C) {
	var t = newSubscriptionTable()
	c.Check(addLocal(c, t, wire.MsgPublish, "svc", 0xff, 0x01, "a", noopHandler, false), gc.Equals, true)

	// mask 0x0f / value 0x01 overlaps the first bucket's predicate, but
	// registers a different method -- spec.md §3 scopes the no-overlap
	// invariant to same-method subscriptions, so this opens a second
	// bucket rather than being rejected.
	c.Check(addLocal(c, t, wire.MsgPublish, "svc", 0x0f, 0x01, "b", noopHandler, false), gc.Equals, true)
	c.Check(t.local[subsKey{wire.MsgPublish, "svc"}], gc.HasLen, 2)

	// routing_id 0x01 matches both buckets; each method resolves to its
	// own bucket's handler.
	h, _, matched := t.FindLocal(wire.MsgPublish, "svc", 0x01, "a")
	c.Check(h, gc.NotNil)
	c.Check(matched, gc.Equals, true)

	h, _, matched = t.FindLocal(wire.MsgPublish, "svc", 0x01, "b")
	c.Check(h, gc.NotNil)
	c.Check(matched, gc.Equals, true)
}

func (s *SubscriptionsSuite) TestNonOverlappingPredicatesCoexist(c *gc.C) {
	var t = newSubscriptionTable()
	c.Check(addLocal(c, t, wire.MsgPublish, "svc", 0xff, 0x01, "a", noopHandler, false), gc.Equals, true)
	c.Check(addLocal(c, t, wire.MsgPublish, "svc", 0xff, 0x02, "b", noopHandler, false), gc.Equals, true)
	c.Check(t.local[subsKey{wire.MsgPublish, "svc"}], gc.HasLen, 2)
}

func (s *SubscriptionsSuite) TestPeerSubscriptionsFanOutAndDrop(c *gc.C) {
	var t = newSubscriptionTable()
	var p1 = &Peer{}
	var p2 = &Peer{}

	t.AddPeerSubscription(wire.MsgPublish, "svc", 0xff, 0x01, p1)
	t.AddPeerSubscription(wire.MsgPublish, "svc", 0xff, 0x01, p2) // overlapping peer ads are fine

	var peers = t.FindPeers(wire.MsgPublish, "svc", 0x01)
	c.Check(peers, gc.HasLen, 2)

	t.RemovePeerSubscription(wire.MsgPublish, "svc", 0xff, 0x01, p1)
	peers = t.FindPeers(wire.MsgPublish, "svc", 0x01)
	c.Check(peers, gc.HasLen, 1)
	c.Check(peers[0], gc.Equals, p2)

	t.DropPeer(p2)
	peers = t.FindPeers(wire.MsgPublish, "svc", 0x01)
	c.Check(peers, gc.HasLen, 0)
}

func (s *SubscriptionsSuite) TestLocalAdvertisements(c *gc.C) {
	var t = newSubscriptionTable()
	c.Check(addLocal(c, t, wire.MsgPublish, "svc", 0xff, 0x01, "a", noopHandler, false), gc.Equals, true)
	c.Check(addLocal(c, t, wire.MsgRPCRequest, "other", 0x0f, 0x02, "b", noopHandler, false), gc.Equals, true)

	var ads = t.LocalAdvertisements()
	c.Check(ads, gc.HasLen, 2)
}

func (s *SubscriptionsSuite) TestLocallyHandles(c *gc.C) {
	var t = newSubscriptionTable()
	c.Check(addLocal(c, t, wire.MsgPublish, "svc", 0xff, 0x01, "a", noopHandler, false), gc.Equals, true)
	c.Check(t.LocallyHandles(wire.MsgPublish, "svc", 0x01), gc.Equals, true)
	c.Check(t.LocallyHandles(wire.MsgPublish, "svc", 0x02), gc.Equals, false)
}
