package hub

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlumpMath/junction/mesh"
	"github.com/PlumpMath/junction/wire"
)

func newTestHub(t *testing.T, seeds ...string) *Hub {
	t.Helper()
	h, err := New(Config{
		Ident:      mesh.Ident{Host: "127.0.0.1", Port: 0, Version: wire.ProtocolVersion},
		ListenAddr: "127.0.0.1:0",
		Seeds:      seeds,
	})
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)
	return h
}

func TestNewHubListensAndAccepts(t *testing.T) {
	a := newTestHub(t)
	b := newTestHub(t)

	conn, dialErr := net.DialTimeout("tcp", b.listener.Addr().String(), time.Second)
	require.NoError(t, dialErr)
	a.disp.AddOutbound(conn, b.listener.Addr().String(), false)

	require.Eventually(t, func() bool {
		return a.disp.Connected() && b.disp.Connected()
	}, time.Second, 5*time.Millisecond)
}

func TestAcceptPublishAndRemoveAccept(t *testing.T) {
	h := newTestHub(t)

	var received = make(chan struct{}, 1)
	handler := func(routingID uint64, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		received <- struct{}{}
		return nil, nil
	}

	require.NoError(t, h.AcceptPublish("events", 0, 0, "tick", handler, false))
	assert.Equal(t, 1, h.ReceiverCount(wire.MsgPublish, "events", 0, "tick"))

	h.Publish("events", 0, "tick", nil, nil, false)
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("local publish handler was not invoked")
	}

	h.RemoveAccept(wire.MsgPublish, "events", "tick")
	assert.Equal(t, 0, h.ReceiverCount(wire.MsgPublish, "events", 0, "tick"))
}

func TestAcceptRpcAndBlockingCall(t *testing.T) {
	h := newTestHub(t)

	require.NoError(t, h.AcceptRpc("calc", 0, 0, "double", func(routingID uint64, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		n, _ := args[0].(int)
		return n * 2, nil
	}, false))

	val, err := h.Rpc("calc", 0, "double", []interface{}{21}, nil, true, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 42, val)
}

func TestSendRpcAndWaitAny(t *testing.T) {
	h := newTestHub(t)

	require.NoError(t, h.AcceptRpc("slow", 0, 0, "work", func(routingID uint64, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return "done", nil
	}, false))

	rpc := h.SendRpc("slow", 0, "work", nil, nil, true)
	winner, err := h.WaitAny([]*mesh.RPC{rpc}, time.Second)
	require.NoError(t, err)
	assert.Same(t, rpc, winner)
}

func TestHubIdent(t *testing.T) {
	h := newTestHub(t)
	assert.Equal(t, "127.0.0.1", h.Ident().Host)
}
