// Package hub implements the mesh side of Junction: a node that listens
// for inbound peer connections, dials a set of seed peers, and routes
// publishes and RPCs across whichever of them are currently up.
package hub

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/PlumpMath/junction/mesh"
	"github.com/PlumpMath/junction/wire"
)

// Hub is a full routing participant in the mesh: it accepts inbound
// connections, dials its configured seed peers, and serves local
// publish/RPC handlers to the rest of the mesh -- grounded on
// consumer/service.go's Service, which plays the equivalent
// top-level-process role for a Gazette consumer.
type Hub struct {
	ident    mesh.Ident
	disp     *mesh.Dispatcher
	listener net.Listener

	stoppingCh chan struct{}
}

// Config is the set of knobs a Hub needs at construction: its own
// identity, the address to listen on, and the seed peers to dial at
// startup (each redialed with backoff if the connection drops).
type Config struct {
	Ident      mesh.Ident
	ListenAddr string
	Seeds      []string
	SelectPeer mesh.SelectPeer
	OnPeerLost mesh.ConnectionLost
}

// New starts a Hub: it binds Config.ListenAddr, begins accepting inbound
// connections, and dials every configured seed with reconnect enabled.
func New(cfg Config) (*Hub, error) {
	mesh.MarkStarted()

	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		ident:      cfg.Ident,
		disp:       mesh.NewDispatcher(cfg.Ident, true, cfg.SelectPeer, cfg.OnPeerLost),
		listener:   l,
		stoppingCh: make(chan struct{}),
	}

	go h.acceptLoop()
	for _, addr := range cfg.Seeds {
		h.dialSeed(addr)
	}
	return h, nil
}

func (h *Hub) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.stoppingCh:
				return
			default:
			}
			log.WithError(err).Warn("junction: hub accept failed")
			return
		}
		h.disp.AddInbound(conn)
	}
}

func (h *Hub) dialSeed(addr string) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Warn("junction: initial seed dial failed, will retry")
		go h.disp.Redial(addr)
		return
	}
	h.disp.AddOutbound(conn, addr, true)
}

// AcceptPublish registers a local publish handler matching (service,
// mask, value, method), announcing it to the rest of the mesh.
func (h *Hub) AcceptPublish(service string, mask, value uint64, method string, handler mesh.HandlerFunc, schedule bool) error {
	return h.disp.AcceptPublish(service, mask, value, method, handler, schedule)
}

// AcceptRpc registers a local RPC handler matching (service, mask,
// value, method), announcing it to the rest of the mesh.
func (h *Hub) AcceptRpc(service string, mask, value uint64, method string, handler mesh.HandlerFunc, schedule bool) error {
	return h.disp.AcceptRpc(service, mask, value, method, handler, schedule)
}

// RemoveAccept unregisters a previously accepted handler.
func (h *Hub) RemoveAccept(msgType wire.MsgType, service, method string) {
	h.disp.RemoveAccept(msgType, service, method)
}

// Publish sends a fire-and-forget message to every local and peer target
// matching (service, routingID, method), or just one if singular is set.
// Passing a mesh.Stream as the sole element of args streams it as a
// chunked publish instead of a single frame.
func (h *Hub) Publish(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) {
	h.disp.Publish(service, routingID, method, args, kwargs, singular)
}

// SendRpc issues an RPC without blocking, returning its future.
func (h *Hub) SendRpc(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) *mesh.RPC {
	return h.disp.SendRpc(service, routingID, method, args, kwargs, singular)
}

// Rpc issues an RPC and blocks for its result (or every target's result,
// for a non-singular call), honoring timeout (zero means no timeout).
func (h *Hub) Rpc(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool, timeout time.Duration) (interface{}, error) {
	return h.disp.SendRpc(service, routingID, method, args, kwargs, singular).Wait(timeout)
}

// WaitAny blocks until the first of several outstanding RPCs completes.
func (h *Hub) WaitAny(rpcs []*mesh.RPC, timeout time.Duration) (*mesh.RPC, error) {
	return mesh.WaitAny(rpcs, timeout)
}

// ReceiverCount reports how many local-or-peer targets currently match
// (service, routingID) under msgType, without delivering anything.
// Targets are matched by predicate only, whether or not they serve
// method.
func (h *Hub) ReceiverCount(msgType wire.MsgType, service string, routingID uint64, method string) int {
	return h.disp.ReceiverCount(msgType, service, routingID, method)
}

// Ident returns this Hub's identity.
func (h *Hub) Ident() mesh.Ident { return h.ident }

// Addr returns the address this Hub is actually listening on, useful
// when Config.ListenAddr let the kernel pick an ephemeral port.
func (h *Hub) Addr() string { return h.listener.Addr().String() }

// Shutdown tears down every peer connection and stops accepting new
// ones, blocking until both have finished -- the same
// accept-then-tasks ordering consumer/service.go's GracefulStop applies
// to a consumer's gRPC server and its shard replicas.
func (h *Hub) Shutdown() {
	close(h.stoppingCh)
	_ = h.listener.Close()
	h.disp.Shutdown()
}
