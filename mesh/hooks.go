package mesh

// SelectPeer narrows a fan-out of candidate peers (plus whether a local
// handler also matched) down to the single target a "singular" publish
// or RPC should reach -- spec.md §4's select_peer hook. The default,
// DefaultSelectPeer, picks deterministically so tests and callers don't
// need to special-case "local beats remote" themselves.
type SelectPeer func(peers []*Peer, localMatched bool) (peer *Peer, useLocal bool)

// DefaultSelectPeer prefers the local handler when one matched,
// otherwise picks the peer with the lexicographically smallest Ident --
// grounded on original_source/junction/core/dispatch.py's
// target_selection, which favors determinism over load balancing.
func DefaultSelectPeer(peers []*Peer, localMatched bool) (*Peer, bool) {
	if localMatched {
		return nil, true
	}
	if len(peers) == 0 {
		return nil, false
	}
	best := peers[0]
	for _, p := range peers[1:] {
		if less(p.Ident(), best.Ident()) {
			best = p
		}
	}
	return best, false
}

// ConnectionLost notifies application code that a peer connection has
// gone down for good (not just a transient reconnect attempt). The
// default is a no-op; hub and client wiring pass their own hook through
// to the dispatcher.
type ConnectionLost func(peer Ident)

func defaultConnectionLost(Ident) {}
