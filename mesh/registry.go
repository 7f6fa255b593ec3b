package mesh

import "sync"

// sendTarget names one recipient an RPC_REQUEST (or local invocation)
// went out to, so a later response or a dropped connection can be
// matched back against it.
type sendTarget struct {
	peer    *Peer // nil for a local target
	isLocal bool
}

type inflightEntry struct {
	rpc      *RPC
	awaiting map[*Peer]bool // peers that have not yet answered this counter
}

// Registry is the direct (non-proxied) RPC accounting table of
// spec.md §4.5, grounded on original_source/junction/core/rpc.py's
// RPCClient: it hands out counters, tracks which targets are still
// awaited for each in-flight RPC, and resolves every RPC still awaiting
// a peer when that peer's connection drops.
type Registry struct {
	mu          sync.Mutex
	nextCounter uint64
	inflight    map[uint64]*inflightEntry
	byPeer      map[*Peer]map[uint64]bool
}

func newRegistry() *Registry {
	return &Registry{
		inflight: make(map[uint64]*inflightEntry),
		byPeer:   make(map[*Peer]map[uint64]bool),
	}
}

// NextCounter hands out the next counter value, monotonically
// increasing for the lifetime of this registry.
func (r *Registry) NextCounter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextCounter++
	return r.nextCounter
}

// Sent books a freshly issued RPC against its set of targets, returning
// its RPC future. A target set of zero targets yields an already
// complete future (the "null future" of spec.md §4.4).
func (r *Registry) Sent(counter uint64, targets []sendTarget, singular bool) *RPC {
	rpc := newRPC(counter, len(targets), singular)
	if len(targets) == 0 {
		return rpc
	}

	awaiting := make(map[*Peer]bool, len(targets))
	r.mu.Lock()
	for _, tgt := range targets {
		if tgt.isLocal {
			continue
		}
		awaiting[tgt.peer] = true
		if r.byPeer[tgt.peer] == nil {
			r.byPeer[tgt.peer] = make(map[uint64]bool)
		}
		r.byPeer[tgt.peer][counter] = true
	}
	if len(awaiting) > 0 {
		r.inflight[counter] = &inflightEntry{rpc: rpc, awaiting: awaiting}
	}
	r.mu.Unlock()
	return rpc
}

// Local records a local target's immediate result against rpc, for
// targets that don't round-trip over the wire at all.
func (r *Registry) Local(rpc *RPC, res Result) {
	res.IsLocal = true
	rpc.incoming(res)
}

// Response delivers a RPC_RESPONSE arriving from peer for counter,
// removing the registry's bookkeeping once every target has answered.
func (r *Registry) Response(peer *Peer, counter uint64, res Result) {
	r.mu.Lock()
	entry, ok := r.inflight[counter]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(entry.awaiting, peer)
	delete(r.byPeer[peer], counter)
	done := len(entry.awaiting) == 0
	if done {
		delete(r.inflight, counter)
	}
	r.mu.Unlock()

	entry.rpc.incoming(res)
}

// ConnectionDown resolves every RPC still awaiting peer with a
// LostConnection result, as spec.md §4.2 requires: a dropped connection
// must not leave a caller blocked forever.
func (r *Registry) ConnectionDown(peer *Peer) {
	r.mu.Lock()
	counters := r.byPeer[peer]
	delete(r.byPeer, peer)
	var entries []*inflightEntry
	for counter := range counters {
		entry, ok := r.inflight[counter]
		if !ok {
			continue
		}
		delete(entry.awaiting, peer)
		if len(entry.awaiting) == 0 {
			delete(r.inflight, counter)
		}
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	ident := peer.Ident()
	for _, entry := range entries {
		entry.rpc.incoming(Result{Peer: ident, Err: &LostConnection{Peer: ident}})
	}
}

// proxiedEntry is one client-side proxied RPC's accounting: the pending
// count starts unknown (gotCount false) until the hub's
// PROXY_RESPONSE_COUNT names it, resolving the ambiguity between "no
// count yet" and "a real count of zero" that a bare signed integer
// can't express on its own.
type proxiedEntry struct {
	rpc      *RPC
	pending  int
	gotCount bool
}

// ProxiedRegistry is the client-side proxied-RPC accounting table of
// spec.md §4.4, grounded on original_source/junction/core/rpc.py's
// ProxiedClient. A client has exactly one upstream peer, so entries
// aren't indexed by peer the way Registry's are.
type ProxiedRegistry struct {
	mu           sync.Mutex
	nextCounter  uint64
	inflight     map[uint64]*proxiedEntry
	countQueries map[uint64]*RPC
}

func newProxiedRegistry() *ProxiedRegistry {
	return &ProxiedRegistry{
		inflight:     make(map[uint64]*proxiedEntry),
		countQueries: make(map[uint64]*RPC),
	}
}

// SentCountQuery books a PROXY_QUERY_COUNT that was just written to the
// upstream peer: a pure count probe that resolves in a single
// PROXY_RESPONSE_COUNT reply and never yields a PROXY_RESPONSE.
func (p *ProxiedRegistry) SentCountQuery(counter uint64) *RPC {
	rpc := newRPC(counter, 1, true)
	p.mu.Lock()
	p.countQueries[counter] = rpc
	p.mu.Unlock()
	return rpc
}

// HandleResponseCount dispatches an incoming PROXY_RESPONSE_COUNT to
// whichever bookkeeping it belongs to: a standalone count query, or the
// leading count of a proxied RPC fan-out.
func (p *ProxiedRegistry) HandleResponseCount(counter uint64, n int) {
	p.mu.Lock()
	if rpc, ok := p.countQueries[counter]; ok {
		delete(p.countQueries, counter)
		p.mu.Unlock()
		rpc.incoming(Result{Rc: 0, Value: n})
		return
	}
	p.mu.Unlock()
	p.Expect(counter, n)
}

// NextCounter hands out the next client_counter value.
func (p *ProxiedRegistry) NextCounter() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCounter++
	return p.nextCounter
}

// Sent books a PROXY_REQUEST that was just written to the upstream
// peer, returning its future. Its pending count is not yet meaningful
// until Expect runs, and the future stays incomplete until then.
func (p *ProxiedRegistry) Sent(counter uint64, singular bool) *RPC {
	rpc := &RPC{counter: counter, done: make(chan struct{}), singular: singular}
	p.mu.Lock()
	p.inflight[counter] = &proxiedEntry{rpc: rpc}
	p.mu.Unlock()
	return rpc
}

// Expect records the upstream's PROXY_RESPONSE_COUNT for counter. Per
// spec.md §9's resolution of the proxied fan-out accounting question,
// the protocol guarantees PROXY_RESPONSE_COUNT is written before any
// PROXY_RESPONSE sharing its counter, so Expect always runs before
// Response for the same counter; gotCount exists to make that ordering
// an explicit invariant rather than an accident of field zero-values.
func (p *ProxiedRegistry) Expect(counter uint64, count int) {
	p.mu.Lock()
	entry, ok := p.inflight[counter]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.gotCount = true
	entry.pending = count
	entry.rpc.setTargetCount(count)
	complete := entry.pending <= 0
	if complete {
		delete(p.inflight, counter)
	}
	p.mu.Unlock()
}

// Response delivers a PROXY_RESPONSE for counter.
func (p *ProxiedRegistry) Response(counter uint64, res Result) {
	p.mu.Lock()
	entry, ok := p.inflight[counter]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.pending--
	if entry.gotCount && entry.pending <= 0 {
		delete(p.inflight, counter)
	}
	p.mu.Unlock()

	entry.rpc.incoming(res)
}

// ConnectionDown resolves every still-pending proxied RPC with
// LostConnection -- the upstream connection going down strands every
// outstanding proxy, since a client has only the one peer.
func (p *ProxiedRegistry) ConnectionDown(peer *Peer) {
	p.mu.Lock()
	entries := p.inflight
	queries := p.countQueries
	p.inflight = make(map[uint64]*proxiedEntry)
	p.countQueries = make(map[uint64]*RPC)
	p.mu.Unlock()

	ident := peer.Ident()
	for _, entry := range entries {
		entry.rpc.incoming(Result{Peer: ident, Err: &LostConnection{Peer: ident}})
	}
	for _, rpc := range queries {
		rpc.incoming(Result{Peer: ident, Err: &LostConnection{Peer: ident}})
	}
}
