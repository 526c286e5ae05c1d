// Package wdgramtest contains fixtures for testing code built on wdgram.
package wdgramtest

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wkey/wkeytest"
	"github.com/stretchr/testify/require"
)

// Fixture is one transport node on a loopback socket.
type Fixture struct {
	Node *wdgram.Node
	Key  *wkey.Key
	Conn *net.UDPConn
}

// Addr returns the loopback address the fixture listens on.
func (f Fixture) Addr() netip.AddrPort {
	return f.Conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// ListenLoopback opens a UDP socket on an ephemeral loopback port.
// The socket is closed when the test finishes.
func ListenLoopback(t testing.TB) *net.UDPConn {
	t.Helper()

	uc, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: 0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = uc.Close() })
	return uc
}

// NewFixture starts a node whose key is derived from name.
// If modify is non-nil, it may adjust the config before the node starts;
// cfg.Conn is the fixture's *net.UDPConn and may be wrapped.
//
// The node stops when ctx is cancelled.
// The returned node's Wait is registered as a test cleanup.
func NewFixture(
	ctx context.Context,
	t testing.TB,
	name string,
	modify func(*wdgram.NodeConfig),
) Fixture {
	t.Helper()

	ks, k := wkeytest.Keystore(name, 0)
	uc := ListenLoopback(t)

	cfg := wdgram.DefaultNodeConfig()
	cfg.Conn = uc
	cfg.Keystore = ks
	if modify != nil {
		modify(&cfg)
	}

	n, err := wdgram.NewNode(ctx, wtest.NewLogger(t).With("node", name), cfg)
	require.NoError(t, err)

	// Cleanups run in reverse order, so the socket closes before Wait,
	// which unblocks the read loop even if ctx is still live.
	t.Cleanup(n.Wait)
	t.Cleanup(func() { _ = uc.Close() })

	return Fixture{Node: n, Key: k, Conn: uc}
}

// Connect makes a and b aware of each other's address.
func Connect(t testing.TB, a, b Fixture) {
	t.Helper()

	_, err := a.Node.AddPeer(a.Key.ID(), b.Key.PublicKey(), b.Addr())
	require.NoError(t, err)
	_, err = b.Node.AddPeer(b.Key.ID(), a.Key.PublicKey(), a.Addr())
	require.NoError(t, err)
}

// DroppingConn wraps a UDP socket and silently discards
// outgoing packets for which Drop returns true.
//
// This is useful for simulating loss.
type DroppingConn struct {
	*net.UDPConn

	Drop func(seq uint64) bool

	seq atomic.Uint64
}

func (c *DroppingConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	if c.Drop != nil && c.Drop(c.seq.Add(1)) {
		return len(b), nil
	}
	return c.UDPConn.WriteToUDPAddrPort(b, addr)
}

// DuplicatingConn wraps a UDP socket and writes every outgoing packet twice.
type DuplicatingConn struct {
	*net.UDPConn
}

func (c DuplicatingConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	if _, err := c.UDPConn.WriteToUDPAddrPort(b, addr); err != nil {
		return 0, err
	}
	return c.UDPConn.WriteToUDPAddrPort(b, addr)
}

// SilentConn wraps a UDP socket and discards every outgoing packet.
type SilentConn struct {
	*net.UDPConn
}

func (SilentConn) WriteToUDPAddrPort(b []byte, _ netip.AddrPort) (int, error) {
	return len(b), nil
}

// QueryHandlerFunc adapts a function to [wdgram.QueryHandler].
type QueryHandlerFunc func(ctx context.Context, from wdgram.Sender, query []byte) ([]byte, bool, error)

func (f QueryHandlerFunc) HandleQuery(ctx context.Context, from wdgram.Sender, query []byte) ([]byte, bool, error) {
	return f(ctx, from, query)
}

// CustomChan is a [wdgram.CustomHandler] that forwards every message
// to a buffered channel, dropping messages when the channel is full.
type CustomChan chan []byte

func (c CustomChan) HandleCustom(_ context.Context, _ wdgram.Sender, data []byte) bool {
	select {
	case c <- data:
	default:
	}
	return true
}

// EchoHandler answers every query with the query itself.
var EchoHandler = QueryHandlerFunc(func(_ context.Context, _ wdgram.Sender, q []byte) ([]byte, bool, error) {
	return q, true, nil
})
