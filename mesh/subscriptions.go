package mesh

import (
	"fmt"

	"github.com/PlumpMath/junction/wire"
)

// HandlerFunc answers a single publish or RPC delivered to a locally
// registered handler. args/kwargs mirror the wire payload's positional
// and keyword arguments.
type HandlerFunc func(routingID uint64, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// localHandler is one (service, msg_type) registration's predicate
// bucket -- the Go shape of dispatch.py's per-service handler dict plus
// its mask/value predicate, kept together because a bucket's method
// table only matters once the predicate has matched.
type localHandler struct {
	mask     uint64
	value    uint64
	methods  map[string]HandlerFunc
	schedule map[string]bool // method -> true if this handler wants to run on its own goroutine
}

func (b *localHandler) matches(routingID uint64) bool {
	return routingID&b.mask == b.value
}

// overlaps reports whether two predicates could both match some
// routing_id -- the overlapping-subscription invariant of spec.md §3:
// (mask1 & value2) == (mask2 & value1).
func overlaps(mask1, value1, mask2, value2 uint64) bool {
	return mask1&value2 == mask2&value1
}

// peerHandler is a remote peer's advertised predicate for a given
// (msg_type, service).
type peerHandler struct {
	mask  uint64
	value uint64
	peer  *Peer
}

func (b *peerHandler) matches(routingID uint64) bool {
	return routingID&b.mask == b.value
}

type subsKey struct {
	msgType wire.MsgType
	service string
}

// subscriptionTable holds both the local handler buckets this node
// serves directly and the remote buckets advertised by connected peers,
// grounded on original_source/junction/core/dispatch.py's
// local_subscriptions/peer_subscriptions dictionaries. Access is
// synchronized by the owning Dispatcher's mutex; the table itself holds
// no lock of its own.
type subscriptionTable struct {
	local map[subsKey][]*localHandler
	peer  map[subsKey][]*peerHandler
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		local: make(map[subsKey][]*localHandler),
		peer:  make(map[subsKey][]*peerHandler),
	}
}

// AddLocal registers method under the (msgType, service) bucket matching
// (mask, value), creating the bucket if needed. It rejects an impossible
// predicate (value has bits outside mask) and a predicate that overlaps
// an existing bucket that already serves the same method for the same
// (msgType, service) -- spec.md §3 scopes the no-overlap invariant to
// "two local subscriptions with the same (msg_type, service, method)",
// so an overlapping predicate with a different method is allowed to
// coexist in its own bucket, matching
// original_source/junction/core/dispatch.py's add_local_subscription:
// overlap only raises when `method in phandlers`; an overlap with a
// distinct method falls through to a new bucket. isNew reports whether a
// fresh (mask, value) bucket was created, the signal the caller uses to
// decide whether an ANNOUNCE is owed to every up peer (reusing an
// existing bucket with a new method never re-announces, since peers
// route by predicate alone).
func (t *subscriptionTable) AddLocal(msgType wire.MsgType, service string, mask, value uint64, method string, handler HandlerFunc, schedule bool) (isNew bool, err error) {
	if value&^mask != 0 {
		return false, fmt.Errorf("junction: impossible subscription: value %#x has bits outside mask %#x", value, mask)
	}

	key := subsKey{msgType, service}
	for _, b := range t.local[key] {
		if !overlaps(b.mask, b.value, mask, value) {
			continue
		}
		if _, exists := b.methods[method]; exists {
			return false, fmt.Errorf("junction: subscription (mask=%#x value=%#x method=%q) overlaps existing (mask=%#x value=%#x) already serving that method for service %q",
				mask, value, method, b.mask, b.value, service)
		}
		if b.mask == mask && b.value == value {
			b.methods[method] = handler
			b.schedule[method] = schedule
			return false, nil
		}
	}

	t.local[key] = append(t.local[key], &localHandler{
		mask:     mask,
		value:    value,
		methods:  map[string]HandlerFunc{method: handler},
		schedule: map[string]bool{method: schedule},
	})
	return true, nil
}

// RemoveLocal drops method from whichever bucket holds it under
// (msgType, service), pruning the bucket entirely once it has no
// methods left. removed reports whether a bucket disappeared entirely,
// the signal the caller uses to decide whether an UNSUBSCRIBE is owed.
func (t *subscriptionTable) RemoveLocal(msgType wire.MsgType, service, method string) (mask, value uint64, removed bool) {
	key := subsKey{msgType, service}
	buckets := t.local[key]
	for i, b := range buckets {
		if _, ok := b.methods[method]; !ok {
			continue
		}
		delete(b.methods, method)
		delete(b.schedule, method)
		if len(b.methods) == 0 {
			t.local[key] = append(buckets[:i], buckets[i+1:]...)
			if len(t.local[key]) == 0 {
				delete(t.local, key)
			}
			return b.mask, b.value, true
		}
		return 0, 0, false
	}
	return 0, 0, false
}

// FindLocal returns the (handler, schedule) pair registered for method
// whose predicate matches routingID under (msgType, service). Since
// AddLocal allows overlapping predicates that serve different methods
// to coexist as separate buckets, more than one bucket can match
// routingID; every matching bucket is checked for method before giving
// up, mirroring original_source/junction/core/dispatch.py's
// find_local_handler (which only returns once it finds a bucket with
// `method in handlers`, otherwise keeps scanning).
func (t *subscriptionTable) FindLocal(msgType wire.MsgType, service string, routingID uint64, method string) (HandlerFunc, bool, bool) {
	var serviceMatched bool
	for _, b := range t.local[subsKey{msgType, service}] {
		if !b.matches(routingID) {
			continue
		}
		serviceMatched = true
		if h, ok := b.methods[method]; ok {
			return h, b.schedule[method], true
		}
	}
	return nil, false, serviceMatched
}

// LocallyHandles reports whether some local bucket's predicate matches
// routingID for (msgType, service), independent of method. The
// dispatcher does not call it: target counting (including for
// PROXY_QUERY_COUNT) uses FindLocal's predicate-matched result, which
// gives the same answer.
func (t *subscriptionTable) LocallyHandles(msgType wire.MsgType, service string, routingID uint64) bool {
	for _, b := range t.local[subsKey{msgType, service}] {
		if b.matches(routingID) {
			return true
		}
	}
	return false
}

// AddPeerSubscription records that peer advertises (mask, value) for
// (msgType, service), via an ANNOUNCE or a handshake's subscription
// list.
func (t *subscriptionTable) AddPeerSubscription(msgType wire.MsgType, service string, mask, value uint64, peer *Peer) {
	key := subsKey{msgType, service}
	for _, b := range t.peer[key] {
		if b.mask == mask && b.value == value && b.peer == peer {
			return
		}
	}
	t.peer[key] = append(t.peer[key], &peerHandler{mask: mask, value: value, peer: peer})
}

// RemovePeerSubscription drops a single (mask, value) advertisement from
// peer, as sent in an UNSUBSCRIBE.
func (t *subscriptionTable) RemovePeerSubscription(msgType wire.MsgType, service string, mask, value uint64, peer *Peer) {
	key := subsKey{msgType, service}
	buckets := t.peer[key]
	for i, b := range buckets {
		if b.mask == mask && b.value == value && b.peer == peer {
			t.peer[key] = append(buckets[:i], buckets[i+1:]...)
			if len(t.peer[key]) == 0 {
				delete(t.peer, key)
			}
			return
		}
	}
}

// DropPeer removes every advertisement belonging to peer across every
// (msgType, service) bucket, called once a connection goes down for
// good.
func (t *subscriptionTable) DropPeer(peer *Peer) {
	for key, buckets := range t.peer {
		kept := buckets[:0]
		for _, b := range buckets {
			if b.peer != peer {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(t.peer, key)
		} else {
			t.peer[key] = kept
		}
	}
}

// FindPeers returns every distinct peer whose advertised predicate
// matches routingID for (msgType, service). Unlike local buckets, peer
// predicates are permitted to overlap (a mesh may have several
// reachable handlers for the same routing_id), so fan-out, not a single
// winner, is the norm.
func (t *subscriptionTable) FindPeers(msgType wire.MsgType, service string, routingID uint64) []*Peer {
	var peers []*Peer
	seen := make(map[*Peer]bool)
	for _, b := range t.peer[subsKey{msgType, service}] {
		if b.matches(routingID) && !seen[b.peer] {
			seen[b.peer] = true
			peers = append(peers, b.peer)
		}
	}
	return peers
}

// LocalAdvertisements returns one SubscriptionAd per local bucket,
// flattened across every (msgType, service) key, for inclusion in an
// outbound handshake.
func (t *subscriptionTable) LocalAdvertisements() []wire.SubscriptionAd {
	var ads []wire.SubscriptionAd
	for key, buckets := range t.local {
		for _, b := range buckets {
			ads = append(ads, wire.SubscriptionAd{
				MsgType: key.msgType,
				Service: key.service,
				Mask:    b.mask,
				Value:   b.value,
			})
		}
	}
	return ads
}
