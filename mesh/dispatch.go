package mesh

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/PlumpMath/junction/wire"
)

// Dispatcher is the single per-node router that every Peer connection
// feeds into and every application-facing call (Hub.Publish, Hub.Rpc,
// Client's proxied equivalents) goes out through. It owns the
// subscription tables, the in-flight RPC registries, and the set of
// live peer connections -- grounded line-for-line on
// original_source/junction/core/dispatch.py's Dispatcher class, which
// plays the identical role for both a Hub and a Client in the Python
// implementation.
//
// Concurrent access from multiple peers' reader goroutines is
// serialized by mu, the idiomatic Go substitute for the single
// greenlet-scheduled loop the original relies on for the same
// guarantee (see SPEC_FULL.md §5).
type Dispatcher struct {
	selfIdent  Ident
	isHub      bool
	selectPeer SelectPeer
	onLost     ConnectionLost

	mu       sync.Mutex
	subs     *subscriptionTable
	peers    map[Ident]*Peer
	allPeers map[*Peer]bool

	registry *Registry
	proxied  *ProxiedRegistry

	proxyMu         sync.Mutex
	inflightProxies map[uint64]*proxyRecord

	chunksMu     sync.Mutex
	chunks       map[chunkKey]*chunkAssembly
	nextChunkCtr uint64

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// proxyRecord is the hub-side bookkeeping for one leg of a client's
// PROXY_REQUEST forwarded on to a mesh peer: once that peer's
// RPC_RESPONSE arrives keyed by this record's registry counter, the
// result is translated into a PROXY_RESPONSE and handed back to
// clientPeer under clientCounter.
type proxyRecord struct {
	clientCounter uint64
	clientPeer    *Peer
}

// NewDispatcher constructs a Dispatcher for a Hub (isHub true, full
// mesh routing) or a Client (isHub false, everything proxied through
// its single upstream). A nil selectPeer/onLost installs the defaults.
func NewDispatcher(selfIdent Ident, isHub bool, selectPeer SelectPeer, onLost ConnectionLost) *Dispatcher {
	if selectPeer == nil {
		selectPeer = DefaultSelectPeer
	}
	if onLost == nil {
		onLost = defaultConnectionLost
	}
	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group

	return &Dispatcher{
		selfIdent:       selfIdent,
		isHub:           isHub,
		selectPeer:      selectPeer,
		onLost:          onLost,
		subs:            newSubscriptionTable(),
		peers:           make(map[Ident]*Peer),
		allPeers:        make(map[*Peer]bool),
		registry:        newRegistry(),
		proxied:         newProxiedRegistry(),
		inflightProxies: make(map[uint64]*proxyRecord),
		chunks:          make(map[chunkKey]*chunkAssembly),
		ctx:             ctx,
		cancel:          cancel,
		eg:              &eg,
	}
}

// AddInbound wraps a freshly accepted connection in a Peer and starts
// its handshake/read/write goroutine.
func (d *Dispatcher) AddInbound(conn net.Conn) *Peer {
	return d.addPeer(conn, "", false, true)
}

// AddOutbound wraps a freshly dialed connection in a Peer. If reconnect
// is true, an unexpected drop redials addr with backoff.
func (d *Dispatcher) AddOutbound(conn net.Conn, addr string, reconnect bool) *Peer {
	return d.addPeer(conn, addr, reconnect, false)
}

func (d *Dispatcher) addPeer(conn net.Conn, addr string, reconnect, inbound bool) *Peer {
	p := newPeer(d, conn, d.selfIdent, addr, reconnect, inbound)
	d.mu.Lock()
	d.allPeers[p] = true
	d.mu.Unlock()

	d.eg.Go(func() error {
		p.run(d.ctx)
		return nil
	})
	return p
}

// Shutdown tears down every live connection and waits for their
// goroutines to exit.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	peers := make([]*Peer, 0, len(d.allPeers))
	for p := range d.allPeers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	for _, p := range peers {
		p.goDown(false, nil)
	}
	d.cancel()
	_ = d.eg.Wait()
}

// Redial dials addr with exponential backoff until it succeeds or the
// Dispatcher is shut down, then wraps the connection as a reconnecting
// outbound peer. Exported so a Hub/Client can retry a seed peer that
// refused its very first connection attempt (a dropped connection's own
// redial is handled internally by Peer.finish).
func (d *Dispatcher) Redial(addr string) { d.redial(addr) }

// redial is called by a Peer whose connection dropped unexpectedly and
// wants to retry addr with backoff.
func (d *Dispatcher) redial(addr string) {
	for attempt := 0; ; attempt++ {
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(reconnectBackoff(attempt)):
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			log.WithError(err).WithField("addr", addr).Debug("redial attempt failed")
			continue
		}
		d.AddOutbound(conn, addr, true)
		return
	}
}

// localAdvertisements returns this node's local subscriptions for
// inclusion in an outbound handshake.
func (d *Dispatcher) localAdvertisements() []wire.SubscriptionAd {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs.LocalAdvertisements()
}

// resolveDuplicate decides, per spec.md §4.2, which of two connections
// to the same remote Ident survives: the connection dialed by whichever
// Ident sorts smaller. It registers p as the current connection for its
// Ident unless p itself is the loser.
func (d *Dispatcher) resolveDuplicate(p *Peer) (winner *Peer, loser bool) {
	d.mu.Lock()
	existing, ok := d.peers[p.Ident()]
	if !ok {
		d.peers[p.Ident()] = p
		d.mu.Unlock()
		return p, false
	}
	d.mu.Unlock()

	dialerIsSelf := !p.inbound
	selfSmaller := less(p.selfIdent, p.Ident())
	pSurvives := dialerIsSelf == selfSmaller

	if !pSurvives {
		return existing, true
	}

	existing.goDown(false, nil)
	d.mu.Lock()
	d.peers[p.Ident()] = p
	d.mu.Unlock()
	return p, false
}

// peerEstablished is called once a Peer's handshake has completed and
// it has won any duplicate-connection tie-break.
func (d *Dispatcher) peerEstablished(p *Peer, remoteSubs []wire.SubscriptionAd) {
	d.mu.Lock()
	for _, ad := range remoteSubs {
		d.subs.AddPeerSubscription(ad.MsgType, ad.Service, ad.Mask, ad.Value, p)
	}
	d.mu.Unlock()
}

// peerLost is called once a Peer's connection has gone down for good:
// its subscriptions are dropped, every RPC still awaiting it is
// resolved with LostConnection, and the connection-lost hook fires.
func (d *Dispatcher) peerLost(p *Peer) {
	d.mu.Lock()
	if d.peers[p.Ident()] == p {
		delete(d.peers, p.Ident())
	}
	delete(d.allPeers, p)
	d.subs.DropPeer(p)
	d.mu.Unlock()

	d.registry.ConnectionDown(p)
	d.proxied.ConnectionDown(p)
	d.dropChunkAssemblies(p)
	d.onLost(p.Ident())
}

// dropChunkAssemblies finishes any chunked publish still streaming from
// p: a connection that dies mid-stream never sends its PUBLISH_END, so
// spec.md §4.4 has the receiver's lazy sequence yield one final
// LostConnection sentinel after whatever chunks already arrived (§8
// scenario 6: publisher streams [1, 2, <kill>], handler sees [1, 2,
// LostConnection]) rather than leaving the assembly to leak or vanish.
func (d *Dispatcher) dropChunkAssemblies(p *Peer) {
	d.chunksMu.Lock()
	var abandoned []*chunkAssembly
	for key, a := range d.chunks {
		if key.peer == p {
			abandoned = append(abandoned, a)
			delete(d.chunks, key)
		}
	}
	d.chunksMu.Unlock()

	for _, a := range abandoned {
		args := append(a.chunks, &LostConnection{Peer: p.Ident()})
		d.handlePublish(a.service, a.routingID, a.method, args, a.kwargs)
	}
}

// Connected reports whether this Dispatcher currently has at least one
// up peer connection -- for a Client, whether its upstream Hub is
// reachable.
func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers) > 0
}

// singleUpstream returns the sole peer a Client dispatcher proxies
// through, or nil if it isn't currently connected.
func (d *Dispatcher) singleUpstream() *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		return p
	}
	return nil
}

// AcceptPublish registers a local publish handler under (service, mask,
// value, method), announcing the predicate to every up peer if it's new
// -- spec.md §4.3's add_local.
func (d *Dispatcher) AcceptPublish(service string, mask, value uint64, method string, handler HandlerFunc, schedule bool) error {
	return d.acceptLocal(wire.MsgPublish, service, mask, value, method, handler, schedule)
}

// AcceptRpc registers a local RPC handler under (service, mask, value,
// method), announcing the predicate to every up peer if it's new.
func (d *Dispatcher) AcceptRpc(service string, mask, value uint64, method string, handler HandlerFunc, schedule bool) error {
	return d.acceptLocal(wire.MsgRPCRequest, service, mask, value, method, handler, schedule)
}

func (d *Dispatcher) acceptLocal(msgType wire.MsgType, service string, mask, value uint64, method string, handler HandlerFunc, schedule bool) error {
	d.mu.Lock()
	isNew, err := d.subs.AddLocal(msgType, service, mask, value, method, handler, schedule)
	var peers []*Peer
	if err == nil && isNew {
		peers = d.livePeersLocked()
	}
	d.mu.Unlock()

	if err != nil {
		return err
	}
	for _, p := range peers {
		_ = p.Send(wire.MsgAnnounce, &wire.AnnounceMsg{MsgType: msgType, Service: service, Mask: mask, Value: value})
	}
	return nil
}

// RemoveAccept unregisters a previously accepted handler, broadcasting
// UNSUBSCRIBE to every up peer if doing so drops the predicate's last
// method -- spec.md §4.3's remove_local.
func (d *Dispatcher) RemoveAccept(msgType wire.MsgType, service, method string) {
	d.mu.Lock()
	mask, value, removed := d.subs.RemoveLocal(msgType, service, method)
	var peers []*Peer
	if removed {
		peers = d.livePeersLocked()
	}
	d.mu.Unlock()

	for _, p := range peers {
		_ = p.Send(wire.MsgUnsubscribe, &wire.UnsubscribeMsg{MsgType: msgType, Service: service, Mask: mask, Value: value})
	}
}

// livePeersLocked returns every currently up peer. Callers must hold d.mu.
func (d *Dispatcher) livePeersLocked() []*Peer {
	peers := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		peers = append(peers, p)
	}
	return peers
}

// targetResolution is the outcome of matching a (service, routing_id,
// method) triple against both the local subscription table and every
// connected peer's advertisements -- the Go shape of dispatch.py's
// target_selection.
type targetResolution struct {
	peers         []*Peer
	localHandler  HandlerFunc
	localSchedule bool
	// localNoMethod is true when a local bucket's predicate matched but
	// the requested method wasn't registered under it: the RPCErrNoMethod
	// special case of spec.md §9, counted as a resolved target in its own
	// right rather than silently treated as no match at all.
	localNoMethod bool
}

func (r targetResolution) total() int {
	n := len(r.peers)
	if r.localHandler != nil || r.localNoMethod {
		n++
	}
	return n
}

func (d *Dispatcher) resolveTargets(msgType wire.MsgType, service string, routingID uint64, method string, singular bool) targetResolution {
	d.mu.Lock()
	handler, schedule, serviceMatchedLocal := d.subs.FindLocal(msgType, service, routingID, method)
	peers := d.subs.FindPeers(msgType, service, routingID)
	d.mu.Unlock()

	var res targetResolution
	localNoMethod := serviceMatchedLocal && handler == nil

	if !singular {
		res.peers = peers
		res.localHandler = handler
		res.localSchedule = schedule
		res.localNoMethod = localNoMethod
		return res
	}

	target, useLocal := d.selectPeer(peers, handler != nil || localNoMethod)
	switch {
	case useLocal && handler != nil:
		res.localHandler, res.localSchedule = handler, schedule
	case useLocal:
		res.localNoMethod = localNoMethod
	case target != nil:
		res.peers = []*Peer{target}
	}
	return res
}

func (d *Dispatcher) countTargets(msgType wire.MsgType, service string, routingID uint64, method string) int {
	return d.resolveTargets(msgType, service, routingID, method, false).total()
}

// doPublish fans a publish out to every matching peer (by wire PUBLISH)
// and the local handler, if any, without awaiting any response --
// shared by Hub.Publish and an incoming PROXY_PUBLISH. A sole Stream
// argument is the lazy-sequence case of spec.md §4.4 and is diverted to
// doPublishChunked instead.
func (d *Dispatcher) doPublish(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) {
	if stream, ok := asStream(args); ok {
		d.doPublishChunked(service, routingID, method, stream, kwargs, singular)
		return
	}
	res := d.resolveTargets(wire.MsgPublish, service, routingID, method, singular)
	for _, p := range res.peers {
		_ = p.Send(wire.MsgPublish, &wire.PublishMsg{Service: service, RoutingID: routingID, Method: method, Args: args, Kwargs: kwargs})
	}
	if res.localHandler != nil {
		d.runLocal(res.localHandler, res.localSchedule, routingID, args, kwargs, nil)
	}
}

// doPublishChunked streams a lazy sequence out as PUBLISH_IS_CHUNKED, N
// PUBLISH_CHUNKs, then PUBLISH_END (spec.md §4.4's "Chunked publish"),
// buffering the same items for the local handler (if any) so it sees
// one call with the complete ordered list, the same shape
// handlePublish's receiving side already assembles for a remote sender.
func (d *Dispatcher) doPublishChunked(service string, routingID uint64, method string, stream Stream, kwargs map[string]interface{}, singular bool) {
	res := d.resolveTargets(wire.MsgPublish, service, routingID, method, singular)
	counter := d.nextChunkCounter()

	for _, p := range res.peers {
		_ = p.Send(wire.MsgPublishIsChunked, &wire.PublishIsChunkedMsg{
			Service: service, RoutingID: routingID, Method: method, Counter: counter, Kwargs: kwargs,
		})
	}

	var buffered []interface{}
	for item := range stream {
		for _, p := range res.peers {
			_ = p.Send(wire.MsgPublishChunk, &wire.PublishChunkMsg{Counter: counter, Chunk: item})
		}
		if res.localHandler != nil {
			buffered = append(buffered, item)
		}
	}

	for _, p := range res.peers {
		_ = p.Send(wire.MsgPublishEnd, &wire.PublishEndMsg{Counter: counter})
	}
	if res.localHandler != nil {
		d.runLocal(res.localHandler, res.localSchedule, routingID, buffered, kwargs, nil)
	}
}

// nextChunkCounter hands out the next PUBLISH_IS_CHUNKED counter,
// monotonically increasing for the lifetime of this Dispatcher.
func (d *Dispatcher) nextChunkCounter() uint64 {
	d.chunksMu.Lock()
	defer d.chunksMu.Unlock()
	d.nextChunkCtr++
	return d.nextChunkCtr
}

// runLocal invokes handler, optionally on its own goroutine, and
// reports the outcome through onDone (nil for fire-and-forget publish
// delivery).
func (d *Dispatcher) runLocal(handler HandlerFunc, schedule bool, routingID uint64, args []interface{}, kwargs map[string]interface{}, onDone func(val interface{}, err error)) {
	run := func() {
		val, err := handler(routingID, args, kwargs)
		if onDone != nil {
			onDone(val, err)
		}
	}
	if schedule {
		go run()
	} else {
		run()
	}
}

// SendRpc issues a direct (non-proxied) RPC: used by a Hub's own
// application code. Targets are resolved against this node's local
// handlers and its peers' advertisements.
func (d *Dispatcher) SendRpc(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) *RPC {
	res := d.resolveTargets(wire.MsgRPCRequest, service, routingID, method, singular)

	var targets []sendTarget
	for _, p := range res.peers {
		targets = append(targets, sendTarget{peer: p})
	}
	if res.localHandler != nil || res.localNoMethod {
		targets = append(targets, sendTarget{isLocal: true})
	}

	counter := d.registry.NextCounter()
	rpc := d.registry.Sent(counter, targets, singular)
	if rpc.TargetCount() == 0 {
		return rpc
	}

	for _, p := range res.peers {
		_ = p.Send(wire.MsgRPCRequest, &wire.RPCRequestMsg{
			Counter: counter, Service: service, RoutingID: routingID, Method: method, Args: args, Kwargs: kwargs,
		})
	}
	switch {
	case res.localHandler != nil:
		d.runLocal(res.localHandler, res.localSchedule, routingID, args, kwargs, func(val interface{}, err error) {
			d.registry.Local(rpc, d.localResult(err, val))
		})
	case res.localNoMethod:
		d.registry.Local(rpc, Result{IsLocal: true, Rc: wire.RPCErrNoMethod,
			Err: &UnsupportedRemoteMethod{Peer: d.selfIdent, Service: service, Method: method}})
	}
	return rpc
}

func (d *Dispatcher) localResult(err error, val interface{}) Result {
	if err == nil {
		return Result{IsLocal: true, Rc: wire.RPCOK, Value: val}
	}
	if he, ok := err.(HandledError); ok {
		return Result{IsLocal: true, Rc: wire.RPCErrKnown, Err: he}
	}
	return Result{IsLocal: true, Rc: wire.RPCErrUnknown, Err: err}
}

// rpcResultToWire translates a local handler's outcome into the (rc,
// result) pair that travels over RPC_RESPONSE/PROXY_RESPONSE.
func rpcResultToWire(val interface{}, err error) (uint8, interface{}) {
	if err == nil {
		return wire.RPCOK, val
	}
	if he, ok := err.(HandledError); ok {
		return wire.RPCErrKnown, &wire.HandledErrorPayload{Code: he.Code(), Args: he.Args()}
	}
	return wire.RPCErrUnknown, err.Error()
}

// interpretResponse translates a wire (rc, result) pair arriving from
// peer into a Result, reconstructing a registered HandledError when
// possible.
func (d *Dispatcher) interpretResponse(peer Ident, rc uint8, raw interface{}) Result {
	switch rc {
	case wire.RPCOK:
		return Result{Peer: peer, Rc: rc, Value: raw}
	case wire.RPCErrNoHandler:
		return Result{Peer: peer, Rc: rc, Err: &Unroutable{}}
	case wire.RPCErrNoMethod:
		return Result{Peer: peer, Rc: rc, Err: &UnsupportedRemoteMethod{Peer: peer}}
	case wire.RPCErrKnown:
		if code, args, ok := decodeHandledErrorPayload(raw); ok {
			if he := reconstructHandledError(peer, code, args); he != nil {
				return Result{Peer: peer, Rc: rc, Err: he}
			}
		}
		return Result{Peer: peer, Rc: rc, Err: &UnrecognizedRemoteProblem{Peer: peer, Rc: rc}}
	case wire.RPCErrUnknown:
		tb, _ := raw.(string)
		return Result{Peer: peer, Rc: rc, Err: &RemoteException{Peer: peer, Traceback: tb}}
	case wire.RPCErrLostConn:
		return Result{Peer: peer, Rc: rc, Err: &LostConnection{Peer: peer}}
	default:
		return Result{Peer: peer, Rc: rc, Err: &UnrecognizedRemoteProblem{Peer: peer, Rc: rc}}
	}
}

func decodeHandledErrorPayload(raw interface{}) (int, []interface{}, bool) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, nil, false
	}
	code, ok := asInt(arr[0])
	if !ok {
		return 0, nil, false
	}
	args, _ := arr[1].([]interface{})
	return code, args, true
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

// chunkKey identifies one in-progress chunked publish assembly, scoped
// to the peer that is streaming it.
type chunkKey struct {
	peer    *Peer
	counter uint64
}

type chunkAssembly struct {
	service   string
	routingID uint64
	method    string
	kwargs    map[string]interface{}
	chunks    []interface{}
}

// dispatch decodes one incoming frame from peer and routes it to the
// appropriate handler -- the Go shape of dispatch.py's
// Dispatcher.incoming handler table.
func (d *Dispatcher) dispatch(peer *Peer, msgType wire.MsgType, raw msgpack.RawMessage) {
	switch msgType {
	case wire.MsgAnnounce:
		var msg wire.AnnounceMsg
		if decode(raw, &msg) {
			d.mu.Lock()
			d.subs.AddPeerSubscription(msg.MsgType, msg.Service, msg.Mask, msg.Value, peer)
			d.mu.Unlock()
		}
	case wire.MsgUnsubscribe:
		var msg wire.UnsubscribeMsg
		if decode(raw, &msg) {
			d.mu.Lock()
			d.subs.RemovePeerSubscription(msg.MsgType, msg.Service, msg.Mask, msg.Value, peer)
			d.mu.Unlock()
		}
	case wire.MsgPublish:
		var msg wire.PublishMsg
		if decode(raw, &msg) {
			d.handlePublish(msg.Service, msg.RoutingID, msg.Method, msg.Args, msg.Kwargs)
		}
	case wire.MsgPublishIsChunked:
		var msg wire.PublishIsChunkedMsg
		if decode(raw, &msg) {
			d.chunksMu.Lock()
			d.chunks[chunkKey{peer, msg.Counter}] = &chunkAssembly{
				service: msg.Service, routingID: msg.RoutingID, method: msg.Method, kwargs: msg.Kwargs,
			}
			d.chunksMu.Unlock()
		}
	case wire.MsgPublishChunk:
		var msg wire.PublishChunkMsg
		if decode(raw, &msg) {
			d.chunksMu.Lock()
			if a, ok := d.chunks[chunkKey{peer, msg.Counter}]; ok {
				a.chunks = append(a.chunks, msg.Chunk)
			}
			d.chunksMu.Unlock()
		}
	case wire.MsgPublishEnd:
		var msg wire.PublishEndMsg
		if decode(raw, &msg) {
			key := chunkKey{peer, msg.Counter}
			d.chunksMu.Lock()
			a, ok := d.chunks[key]
			delete(d.chunks, key)
			d.chunksMu.Unlock()
			if ok {
				d.handlePublish(a.service, a.routingID, a.method, a.chunks, a.kwargs)
			}
		}
	case wire.MsgRPCRequest:
		var msg wire.RPCRequestMsg
		if decode(raw, &msg) {
			d.handleRPCRequest(peer, msg)
		}
	case wire.MsgRPCResponse:
		var msg wire.RPCResponseMsg
		if decode(raw, &msg) {
			d.handleRPCResponse(peer, msg)
		}
	case wire.MsgProxyPublish:
		var msg wire.ProxyPublishMsg
		if decode(raw, &msg) {
			d.doPublish(msg.Service, msg.RoutingID, msg.Method, msg.Args, msg.Kwargs, msg.Singular)
		}
	case wire.MsgProxyRequest:
		var msg wire.ProxyRequestMsg
		if decode(raw, &msg) {
			d.handleProxyRequest(peer, msg)
		}
	case wire.MsgProxyResponseCount:
		var msg wire.ProxyResponseCountMsg
		if decode(raw, &msg) {
			d.proxied.HandleResponseCount(msg.ClientCounter, msg.TargetCount)
		}
	case wire.MsgProxyResponse:
		var msg wire.ProxyResponseMsg
		if decode(raw, &msg) {
			res := d.interpretResponse(peer.Ident(), msg.Rc, msg.Result)
			d.proxied.Response(msg.ClientCounter, res)
		}
	case wire.MsgProxyQueryCount:
		var msg wire.ProxyQueryCountMsg
		if decode(raw, &msg) {
			n := d.countTargets(msg.MsgType, msg.Service, msg.RoutingID, msg.Method)
			_ = peer.Send(wire.MsgProxyResponseCount, &wire.ProxyResponseCountMsg{ClientCounter: msg.Counter, TargetCount: n})
		}
	default:
		log.WithField("msg_type", msgType).Warn("junction: dropping frame of unknown type")
	}
}

func decode(raw msgpack.RawMessage, out interface{}) bool {
	if err := wire.DecodePayload(raw, out); err != nil {
		log.WithError(err).Warn("junction: dropping malformed frame")
		return false
	}
	return true
}

func (d *Dispatcher) handlePublish(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}) {
	d.mu.Lock()
	handler, schedule, _ := d.subs.FindLocal(wire.MsgPublish, service, routingID, method)
	d.mu.Unlock()
	if handler == nil {
		return
	}
	d.runLocal(handler, schedule, routingID, args, kwargs, nil)
}

func (d *Dispatcher) handleRPCRequest(peer *Peer, msg wire.RPCRequestMsg) {
	d.mu.Lock()
	handler, schedule, serviceMatched := d.subs.FindLocal(wire.MsgRPCRequest, msg.Service, msg.RoutingID, msg.Method)
	d.mu.Unlock()

	if handler == nil {
		rc := wire.RPCErrNoHandler
		if serviceMatched {
			rc = wire.RPCErrNoMethod
		}
		_ = peer.Send(wire.MsgRPCResponse, &wire.RPCResponseMsg{Counter: msg.Counter, Rc: rc})
		return
	}

	d.runLocal(handler, schedule, msg.RoutingID, msg.Args, msg.Kwargs, func(val interface{}, err error) {
		rc, result := rpcResultToWire(val, err)
		_ = peer.Send(wire.MsgRPCResponse, &wire.RPCResponseMsg{Counter: msg.Counter, Rc: rc, Result: result})
	})
}

func (d *Dispatcher) handleRPCResponse(peer *Peer, msg wire.RPCResponseMsg) {
	d.proxyMu.Lock()
	record, isProxy := d.inflightProxies[msg.Counter]
	if isProxy {
		delete(d.inflightProxies, msg.Counter)
	}
	d.proxyMu.Unlock()

	if isProxy {
		_ = record.clientPeer.Send(wire.MsgProxyResponse, &wire.ProxyResponseMsg{
			ClientCounter: record.clientCounter, Rc: msg.Rc, Result: msg.Result,
		})
		return
	}

	res := d.interpretResponse(peer.Ident(), msg.Rc, msg.Result)
	d.registry.Response(peer, msg.Counter, res)
}

// handleProxyRequest services a client's PROXY_REQUEST: resolve targets
// exactly as SendRpc would, tell the client the total up front (so its
// ProxiedRegistry.Expect precedes any response, per spec.md §9), then
// forward to each peer target and invoke the local handler if matched.
func (d *Dispatcher) handleProxyRequest(clientPeer *Peer, msg wire.ProxyRequestMsg) {
	res := d.resolveTargets(wire.MsgRPCRequest, msg.Service, msg.RoutingID, msg.Method, msg.Singular)
	total := res.total()

	_ = clientPeer.Send(wire.MsgProxyResponseCount, &wire.ProxyResponseCountMsg{
		ClientCounter: msg.ClientCounter, TargetCount: total,
	})
	if total == 0 {
		return
	}

	for _, p := range res.peers {
		counter := d.registry.NextCounter()
		d.proxyMu.Lock()
		d.inflightProxies[counter] = &proxyRecord{clientCounter: msg.ClientCounter, clientPeer: clientPeer}
		d.proxyMu.Unlock()
		_ = p.Send(wire.MsgRPCRequest, &wire.RPCRequestMsg{
			Counter: counter, Service: msg.Service, RoutingID: msg.RoutingID, Method: msg.Method,
			Args: msg.Args, Kwargs: msg.Kwargs,
		})
	}

	switch {
	case res.localHandler != nil:
		d.runLocal(res.localHandler, res.localSchedule, msg.RoutingID, msg.Args, msg.Kwargs, func(val interface{}, err error) {
			rc, result := rpcResultToWire(val, err)
			_ = clientPeer.Send(wire.MsgProxyResponse, &wire.ProxyResponseMsg{ClientCounter: msg.ClientCounter, Rc: rc, Result: result})
		})
	case res.localNoMethod:
		_ = clientPeer.Send(wire.MsgProxyResponse, &wire.ProxyResponseMsg{
			ClientCounter: msg.ClientCounter, Rc: wire.RPCErrNoMethod,
		})
	}
}

// ProxyPublish (client-side) forwards a publish to the single upstream
// peer for it to route. spec.md §4.4's wire table has no chunked
// variant of PROXY_PUBLISH, so a Stream argument is drained into a
// plain slice first -- the hub still sees the full ordered item list,
// it just arrives in one frame instead of PUBLISH_IS_CHUNKED/_CHUNK/_END.
func (d *Dispatcher) ProxyPublish(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) error {
	peer := d.singleUpstream()
	if peer == nil {
		return &LostConnection{}
	}
	if stream, ok := asStream(args); ok {
		args = drainStream(stream)
	}
	return peer.Send(wire.MsgProxyPublish, &wire.ProxyPublishMsg{
		Service: service, RoutingID: routingID, Method: method, Args: args, Kwargs: kwargs, Singular: singular,
	})
}

// ProxyRpc (client-side) forwards an RPC to the single upstream peer,
// returning a future that completes once every proxied target has
// answered.
func (d *Dispatcher) ProxyRpc(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) (*RPC, error) {
	peer := d.singleUpstream()
	if peer == nil {
		return nil, &LostConnection{}
	}
	counter := d.proxied.NextCounter()
	rpc := d.proxied.Sent(counter, singular)
	if err := peer.Send(wire.MsgProxyRequest, &wire.ProxyRequestMsg{
		ClientCounter: counter, Service: service, RoutingID: routingID, Method: method, Singular: singular, Args: args, Kwargs: kwargs,
	}); err != nil {
		return nil, err
	}
	return rpc, nil
}

// ProxyQueryCount (client-side) asks the upstream hub how many targets
// would currently match, without performing any delivery.
func (d *Dispatcher) ProxyQueryCount(msgType wire.MsgType, service string, routingID uint64, method string) (*RPC, error) {
	peer := d.singleUpstream()
	if peer == nil {
		return nil, &LostConnection{}
	}
	counter := d.proxied.NextCounter()
	rpc := d.proxied.SentCountQuery(counter)
	if err := peer.Send(wire.MsgProxyQueryCount, &wire.ProxyQueryCountMsg{
		Counter: counter, MsgType: msgType, Service: service, RoutingID: routingID, Method: method,
	}); err != nil {
		return nil, err
	}
	return rpc, nil
}

// Publish performs a direct (non-proxied) publish on behalf of this
// node's own application code (a Hub publishing into its own mesh).
func (d *Dispatcher) Publish(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) {
	d.doPublish(service, routingID, method, args, kwargs, singular)
}

// ReceiverCount reports how many local-or-peer targets currently match
// (service, routingID) under msgType, without delivering anything.
// Targets are matched by predicate only: a peer, or a local bucket, is
// counted whether or not it serves method.
func (d *Dispatcher) ReceiverCount(msgType wire.MsgType, service string, routingID uint64, method string) int {
	return d.countTargets(msgType, service, routingID, method)
}
