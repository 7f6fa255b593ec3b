package mesh

import (
	"bufio"
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/trace"

	"github.com/PlumpMath/junction/wire"
)

// connState is a Peer connection's lifecycle state -- spec.md §4.2:
// connecting, handshaking, up, and the terminal down. The state machine
// here mirrors broker/append_fsm.go's appendFSM: an explicit state enum
// and a mustState assertion at the top of each step. Once up, a reader
// loop hands each frame to the dispatcher inline as it reads it, and a
// separate writer goroutine drains the outbound queue.
type connState string

const (
	connConnecting  connState = "connecting"
	connHandshaking connState = "handshaking"
	connUp          connState = "up"
	connDown        connState = "down"
)

const outboundQueueDepth = 256

type frameOut struct {
	msgType wire.MsgType
	payload interface{}
}

// Peer is one socket's worth of the mesh: a connection to a remote
// Ident, its outbound write queue, and the goroutines pumping frames in
// and out of it. Once constructed it is handed to a Dispatcher, which
// owns routing decisions; Peer itself only knows about bytes on a wire.
type Peer struct {
	disp *Dispatcher
	conn net.Conn
	tr   trace.EventLog

	selfIdent Ident
	dialAddr  string // non-empty for an outbound, reconnecting peer
	reconnect bool
	inbound   bool // true if accepted from a listener rather than dialed

	mu        sync.Mutex
	state     connState
	ident     Ident
	out       chan frameOut
	closeOnce sync.Once
	closeCh   chan struct{}

	// br/bw are assigned once the handshake completes and are afterward
	// owned exclusively by readerLoop/writerLoop respectively.
	br *bufio.Reader
	bw *bufio.Writer
}

func newPeer(disp *Dispatcher, conn net.Conn, selfIdent Ident, dialAddr string, reconnect, inbound bool) *Peer {
	return &Peer{
		disp:      disp,
		conn:      conn,
		tr:        trace.NewEventLog("junction.peer", conn.RemoteAddr().String()),
		selfIdent: selfIdent,
		dialAddr:  dialAddr,
		reconnect: reconnect,
		inbound:   inbound,
		state:     connConnecting,
		out:       make(chan frameOut, outboundQueueDepth),
		closeCh:   make(chan struct{}),
	}
}

// Ident returns the peer's handshaken identity. It is the zero Ident
// until the handshake completes.
func (p *Peer) Ident() Ident {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ident
}

func (p *Peer) setState(s connState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) getState() connState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) mustState(s connState) {
	if got := p.getState(); got != s {
		log.WithFields(log.Fields{"expect": s, "actual": got}).Panic("unexpected peer connection state")
	}
}

// Send enqueues a frame for the writer goroutine, blocking only if the
// outbound queue is saturated. It returns an error once the connection
// is down rather than blocking forever.
func (p *Peer) Send(msgType wire.MsgType, payload interface{}) error {
	select {
	case p.out <- frameOut{msgType: msgType, payload: payload}:
		return nil
	case <-p.closeCh:
		return &LostConnection{Peer: p.Ident()}
	}
}

// run drives the connection from handshake through to its terminal
// down state. It blocks until the connection is finished (handshake
// failure, remote close, or goDown). Call it from its own goroutine.
func (p *Peer) run(ctx context.Context) {
	defer p.tr.Finish()

	p.mustState(connConnecting)
	p.setState(connHandshaking)
	p.tr.Printf("handshaking")

	remoteIdent, localSubs, err := p.handshake()
	if err != nil {
		p.tr.Errorf("handshake failed: %v", err)
		p.finish(false, errors.WithMessage(err, "handshake"))
		return
	}

	p.mu.Lock()
	p.ident = remoteIdent
	p.mu.Unlock()

	winner, loser := p.disp.resolveDuplicate(p)
	if loser {
		p.tr.Printf("lost duplicate-connection tie-break against %s", Addr(winner.Ident()))
		p.finish(false, nil)
		return
	}

	p.mustState(connHandshaking)
	p.setState(connUp)
	p.tr.Printf("up as %s", Addr(remoteIdent))

	p.disp.peerEstablished(p, localSubs)

	go p.writerLoop()
	p.readerLoop(ctx)
}

// handshake exchanges HandshakeMsg with the remote end and returns its
// Ident and advertised subscriptions.
func (p *Peer) handshake() (Ident, []wire.SubscriptionAd, error) {
	bw := bufio.NewWriter(p.conn)
	ours := wire.HandshakeMsg{
		Version:       wire.ProtocolVersion,
		Ident:         p.selfIdent,
		Subscriptions: p.disp.localAdvertisements(),
	}
	// Both ends send first, so our half is written concurrently with
	// reading theirs: on an unbuffered connection (eg net.Pipe) a
	// write-then-read on both sides would block forever.
	writeErr := make(chan error, 1)
	go func() {
		if err := wire.WriteFrame(bw, wire.MsgHandshake, &ours); err != nil {
			writeErr <- err
			return
		}
		writeErr <- bw.Flush()
	}()

	br := bufio.NewReader(p.conn)
	mt, payload, err := wire.ReadFrame(br)
	if err != nil {
		return Ident{}, nil, err
	}
	if mt != wire.MsgHandshake {
		return Ident{}, nil, &BadHandshake{Reason: "expected handshake as first frame"}
	}
	var theirs wire.HandshakeMsg
	if err := wire.DecodePayload(payload, &theirs); err != nil {
		return Ident{}, nil, &BadHandshake{Reason: "malformed handshake payload"}
	}
	if theirs.Version != wire.ProtocolVersion {
		return Ident{}, nil, &BadHandshake{Reason: "protocol version mismatch"}
	}
	if err := <-writeErr; err != nil {
		return Ident{}, nil, err
	}

	// Stash the buffered reader/writer for the read/write loops to reuse,
	// since their buffered bytes (if any, beyond the handshake frame) must
	// not be dropped.
	p.br = br
	p.bw = bw
	return theirs.Ident, theirs.Subscriptions, nil
}

func (p *Peer) writerLoop() {
	for {
		select {
		case frame := <-p.out:
			if err := wire.WriteFrame(p.bw, frame.msgType, frame.payload); err != nil {
				p.finish(true, errors.WithMessage(err, "writing frame"))
				return
			}
			// Coalesce any further immediately-ready frames before flushing,
			// mirroring how a Nagle-free but batched writer amortizes syscalls.
			for drained := false; !drained; {
				select {
				case frame := <-p.out:
					if err := wire.WriteFrame(p.bw, frame.msgType, frame.payload); err != nil {
						p.finish(true, errors.WithMessage(err, "writing frame"))
						return
					}
				default:
					drained = true
				}
			}
			if err := p.bw.Flush(); err != nil {
				p.finish(true, errors.WithMessage(err, "flushing frame"))
				return
			}
		case <-p.closeCh:
			return
		}
	}
}

func (p *Peer) readerLoop(ctx context.Context) {
	p.mustState(connUp)
	for {
		mt, payload, err := wire.ReadFrame(p.br)
		if err != nil {
			p.finish(true, errors.WithMessage(err, "reading frame"))
			return
		}
		p.disp.dispatch(p, mt, payload)

		select {
		case <-ctx.Done():
			p.finish(false, ctx.Err())
			return
		default:
		}
	}
}

// goDown tears the connection down from outside the read/write loops
// (eg a duplicate-connection loser, or an orderly shutdown). It is
// idempotent: only the first caller's reconnect/err values take effect.
func (p *Peer) goDown(reconnect bool, err error) {
	p.finish(reconnect, err)
}

func (p *Peer) finish(unexpected bool, err error) {
	p.closeOnce.Do(func() {
		p.setState(connDown)
		close(p.closeCh)
		_ = p.conn.Close()
		if err != nil {
			p.tr.Errorf("connection down: %v", err)
		} else {
			p.tr.Printf("connection down")
		}
		p.disp.peerLost(p)

		if unexpected && p.reconnect && p.dialAddr != "" {
			go p.disp.redial(p.dialAddr)
		}
	})
}

// reconnectBackoff returns the delay before the (attempt+1)'th redial,
// exponential with jitter and a cap, grounded on the same
// connect-with-backoff idiom used for gazette's client dialing.
func reconnectBackoff(attempt int) time.Duration {
	const (
		base = time.Second
		max  = 30 * time.Second
	)
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return d + jitter
}
