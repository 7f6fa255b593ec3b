// Package client implements the single-upstream side of Junction: a
// node that proxies every publish and RPC through one connected Hub
// rather than routing directly, grounded on
// original_source/junction/client.py.
package client

import (
	"net"
	"time"

	"github.com/PlumpMath/junction/mesh"
	"github.com/PlumpMath/junction/wire"
)

// Client is a single-upstream mesh participant: it never registers
// local handlers of its own and has exactly one peer connection, the
// Hub it proxies all traffic through.
type Client struct {
	ident mesh.Ident
	disp  *mesh.Dispatcher
	addr  string
}

// Config is the set of knobs a Client needs at construction.
type Config struct {
	Ident      mesh.Ident
	HubAddr    string
	OnPeerLost mesh.ConnectionLost
}

// New constructs a Client and begins connecting to Config.HubAddr, with
// reconnect-on-drop enabled. It does not block for the connection to
// come up; use WaitOnConnections for that.
func New(cfg Config) *Client {
	mesh.MarkStarted()

	c := &Client{
		ident: cfg.Ident,
		disp:  mesh.NewDispatcher(cfg.Ident, false, nil, cfg.OnPeerLost),
		addr:  cfg.HubAddr,
	}

	conn, err := net.DialTimeout("tcp", cfg.HubAddr, 10*time.Second)
	if err != nil {
		go c.disp.Redial(cfg.HubAddr)
		return c
	}
	c.disp.AddOutbound(conn, cfg.HubAddr, true)
	return c
}

// WaitOnConnections blocks until the upstream Hub connection is up, or
// timeout elapses (zero means no timeout).
func (c *Client) WaitOnConnections(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for timeout <= 0 || time.Now().Before(deadline) {
		if c.disp.Connected() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return &mesh.WaitTimeout{}
}

// Publish forwards a fire-and-forget message to the Hub for routing.
// Passing a mesh.Stream as the sole element of args drains it and
// forwards the complete item list; see mesh.Dispatcher.ProxyPublish.
func (c *Client) Publish(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) error {
	return c.disp.ProxyPublish(service, routingID, method, args, kwargs, singular)
}

// SendRpc forwards an RPC to the Hub without blocking, returning a
// future that completes once every proxied target has answered.
func (c *Client) SendRpc(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool) (*mesh.RPC, error) {
	return c.disp.ProxyRpc(service, routingID, method, args, kwargs, singular)
}

// Rpc forwards an RPC to the Hub and blocks for its result.
func (c *Client) Rpc(service string, routingID uint64, method string, args []interface{}, kwargs map[string]interface{}, singular bool, timeout time.Duration) (interface{}, error) {
	rpc, err := c.disp.ProxyRpc(service, routingID, method, args, kwargs, singular)
	if err != nil {
		return nil, err
	}
	return rpc.Wait(timeout)
}

// ReceiverCount asks the Hub how many targets currently match (service,
// routingID) under msgType, without delivering anything. The Hub matches
// targets by predicate only, whether or not they serve method.
func (c *Client) ReceiverCount(msgType wire.MsgType, service string, routingID uint64, method string, timeout time.Duration) (int, error) {
	rpc, err := c.disp.ProxyQueryCount(msgType, service, routingID, method)
	if err != nil {
		return 0, err
	}
	val, err := rpc.Wait(timeout)
	if err != nil {
		return 0, err
	}
	n, _ := val.(int)
	return n, nil
}

// WaitAny blocks until the first of several outstanding RPCs completes.
func (c *Client) WaitAny(rpcs []*mesh.RPC, timeout time.Duration) (*mesh.RPC, error) {
	return mesh.WaitAny(rpcs, timeout)
}

// Ident returns this Client's identity.
func (c *Client) Ident() mesh.Ident { return c.ident }

// Shutdown tears down the upstream connection.
func (c *Client) Shutdown() {
	c.disp.Shutdown()
}
