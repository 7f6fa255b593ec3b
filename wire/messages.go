// Package wire defines Junction's on-the-wire message shapes and the
// length-prefixed framing used to exchange them between peers.
package wire

// MsgType identifies the shape of a frame's payload.
type MsgType uint8

const (
	// MsgHandshake is exchanged exactly once, in both directions, before
	// any other message type may cross a connection.
	MsgHandshake MsgType = iota
	MsgAnnounce
	MsgUnsubscribe
	MsgPublish
	MsgPublishIsChunked
	MsgPublishChunk
	MsgPublishEnd
	MsgRPCRequest
	MsgRPCResponse
	MsgProxyPublish
	MsgProxyRequest
	MsgProxyResponseCount
	MsgProxyResponse
	MsgProxyQueryCount
)

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "HANDSHAKE"
	case MsgAnnounce:
		return "ANNOUNCE"
	case MsgUnsubscribe:
		return "UNSUBSCRIBE"
	case MsgPublish:
		return "PUBLISH"
	case MsgPublishIsChunked:
		return "PUBLISH_IS_CHUNKED"
	case MsgPublishChunk:
		return "PUBLISH_CHUNK"
	case MsgPublishEnd:
		return "PUBLISH_END"
	case MsgRPCRequest:
		return "RPC_REQUEST"
	case MsgRPCResponse:
		return "RPC_RESPONSE"
	case MsgProxyPublish:
		return "PROXY_PUBLISH"
	case MsgProxyRequest:
		return "PROXY_REQUEST"
	case MsgProxyResponseCount:
		return "PROXY_RESPONSE_COUNT"
	case MsgProxyResponse:
		return "PROXY_RESPONSE"
	case MsgProxyQueryCount:
		return "PROXY_QUERY_COUNT"
	default:
		return "UNKNOWN"
	}
}

// RPC response codes, carried inside an RPCResponseMsg/ProxyResponseMsg.
const (
	RPCOK uint8 = iota
	RPCErrNoHandler
	RPCErrNoMethod
	RPCErrKnown
	RPCErrUnknown
	RPCErrUnserResp
	RPCErrLostConn
)

// ProtocolVersion is exchanged during handshake. Peers with differing
// versions refuse to pair.
const ProtocolVersion uint16 = 1

// Ident is a peer's stable, globally-unique identity, exchanged during
// handshake. Connections are indexed by Ident, never by socket address.
type Ident struct {
	Host     string `msgpack:",as array"`
	Port     int    `msgpack:",as array"`
	Version  uint16 `msgpack:",as array"`
	Reserved uint32 `msgpack:",as array"`
}

// SubscriptionAd is the (mask, value) predicate of a subscription, tagged
// with the msg_type/service it applies to -- the shape carried by both
// the handshake's subscription snapshot and by ANNOUNCE/UNSUBSCRIBE.
type SubscriptionAd struct {
	MsgType MsgType `msgpack:",as array"`
	Service string  `msgpack:",as array"`
	Mask    uint64  `msgpack:",as array"`
	Value   uint64  `msgpack:",as array"`
}

// HandshakeMsg is the first body exchanged on a new socket, in both
// directions. A version mismatch closes the connection with BadHandshake.
type HandshakeMsg struct {
	Version       uint16           `msgpack:",as array"`
	Ident         Ident            `msgpack:",as array"`
	Subscriptions []SubscriptionAd `msgpack:",as array"`
}

// AnnounceMsg adds a peer subscription.
type AnnounceMsg struct {
	MsgType MsgType `msgpack:",as array"`
	Service string  `msgpack:",as array"`
	Mask    uint64  `msgpack:",as array"`
	Value   uint64  `msgpack:",as array"`
}

// UnsubscribeMsg removes a matching peer subscription.
type UnsubscribeMsg struct {
	MsgType MsgType `msgpack:",as array"`
	Service string  `msgpack:",as array"`
	Mask    uint64  `msgpack:",as array"`
	Value   uint64  `msgpack:",as array"`
}

// PublishMsg is a fire-and-forget message routed by (Service, RoutingID, Method).
type PublishMsg struct {
	Service   string                 `msgpack:",as array"`
	RoutingID uint64                 `msgpack:",as array"`
	Method    string                 `msgpack:",as array"`
	Args      []interface{}          `msgpack:",as array"`
	Kwargs    map[string]interface{} `msgpack:",as array"`
}

// PublishIsChunkedMsg opens a streamed publish identified by Counter.
type PublishIsChunkedMsg struct {
	Service   string                 `msgpack:",as array"`
	RoutingID uint64                 `msgpack:",as array"`
	Method    string                 `msgpack:",as array"`
	Counter   uint64                 `msgpack:",as array"`
	Kwargs    map[string]interface{} `msgpack:",as array"`
}

// PublishChunkMsg carries one item of a streamed publish.
type PublishChunkMsg struct {
	Counter uint64      `msgpack:",as array"`
	Chunk   interface{} `msgpack:",as array"`
}

// PublishEndMsg terminates a streamed publish.
type PublishEndMsg struct {
	Counter uint64 `msgpack:",as array"`
}

// RPCRequestMsg requests a response from exactly the handlers matching
// (Service, RoutingID, Method).
type RPCRequestMsg struct {
	Counter   uint64                 `msgpack:",as array"`
	Service   string                 `msgpack:",as array"`
	RoutingID uint64                 `msgpack:",as array"`
	Method    string                 `msgpack:",as array"`
	Args      []interface{}          `msgpack:",as array"`
	Kwargs    map[string]interface{} `msgpack:",as array"`
}

// RPCResponseMsg answers one target of an RPCRequestMsg.
type RPCResponseMsg struct {
	Counter uint64      `msgpack:",as array"`
	Rc      uint8       `msgpack:",as array"`
	Result  interface{} `msgpack:",as array"`
}

// ProxyPublishMsg asks the receiving hub to publish on the sending
// client's behalf.
type ProxyPublishMsg struct {
	Service   string                 `msgpack:",as array"`
	RoutingID uint64                 `msgpack:",as array"`
	Method    string                 `msgpack:",as array"`
	Args      []interface{}          `msgpack:",as array"`
	Kwargs    map[string]interface{} `msgpack:",as array"`
	Singular  bool                   `msgpack:",as array"`
}

// ProxyRequestMsg asks the receiving hub to issue an RPC on the sending
// client's behalf.
type ProxyRequestMsg struct {
	ClientCounter uint64                 `msgpack:",as array"`
	Service       string                 `msgpack:",as array"`
	RoutingID     uint64                 `msgpack:",as array"`
	Method        string                 `msgpack:",as array"`
	Singular      bool                   `msgpack:",as array"`
	Args          []interface{}          `msgpack:",as array"`
	Kwargs        map[string]interface{} `msgpack:",as array"`
}

// ProxyResponseCountMsg pre-declares how many ProxyResponseMsg the
// client should expect for ClientCounter.
type ProxyResponseCountMsg struct {
	ClientCounter uint64 `msgpack:",as array"`
	TargetCount   int    `msgpack:",as array"`
}

// ProxyResponseMsg is one forwarded RPC response.
type ProxyResponseMsg struct {
	ClientCounter uint64      `msgpack:",as array"`
	Rc            uint8       `msgpack:",as array"`
	Result        interface{} `msgpack:",as array"`
}

// HandledErrorPayload is the wire shape of a RPCErrKnown/proxied error
// result: the registered error type's code plus the arguments its
// handler raised it with, so the caller can reconstruct the same
// concrete error type.
type HandledErrorPayload struct {
	Code int           `msgpack:",as array"`
	Args []interface{} `msgpack:",as array"`
}

// ProxyQueryCountMsg asks "how many handlers currently match this
// predicate?" without performing any delivery.
type ProxyQueryCountMsg struct {
	Counter   uint64  `msgpack:",as array"`
	MsgType   MsgType `msgpack:",as array"`
	Service   string  `msgpack:",as array"`
	RoutingID uint64  `msgpack:",as array"`
	Method    string  `msgpack:",as array"`
}
