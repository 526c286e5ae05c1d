package wdgram

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wkey/wkeytest"
	"github.com/stretchr/testify/require"
)

type customFunc func(from Sender, data []byte)

func (f customFunc) HandleCustom(_ context.Context, from Sender, data []byte) bool {
	f(from, data)
	return true
}

func TestNode_dropsUnauthenticatedPackets(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ks, local := wkeytest.Keystore("a", 0)
	uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	cfg := DefaultNodeConfig()
	cfg.Conn = uc
	cfg.Keystore = ks
	n, err := NewNode(ctx, wtest.NewLogger(t), cfg)
	require.NoError(t, err)
	t.Cleanup(n.Wait)
	t.Cleanup(func() { _ = uc.Close() })

	got := make(chan []byte, 1)
	n.AddCustomHandler(customFunc(func(_ Sender, data []byte) { got <- data }))

	victim := wkeytest.Key("victim")
	genuine := netip.MustParseAddrPort("127.0.0.1:9")
	_, err = n.AddPeer(local.ID(), victim.PublicKey(), genuine)
	require.NoError(t, err)

	rogue, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer rogue.Close()
	target := uc.LocalAddr().(*net.UDPAddr).AddrPort()

	send := func(flags byte, signer *wkey.Key, data []byte) {
		t.Helper()
		h := packetHeader{
			Flags:     flags,
			Recipient: local.ID(),
			Sender:    victim.PublicKey(),
			Timestamp: time.Now().UnixMilli(),
			Seqno:     uint64(time.Now().UnixNano()),
		}
		msg := message{ID: customMessageID, Data: data}.append(nil)
		pkt, err := sealPacket(h, msg, nil, signer)
		require.NoError(t, err)
		_, err = rogue.WriteToUDPAddrPort(pkt, target)
		require.NoError(t, err)
	}

	t.Run("neither signed nor encrypted", func(t *testing.T) {
		send(0, nil, []byte("forged"))
		wtest.NotSending(t, got)

		addr, ok := n.PeerAddr(local.ID(), victim.ID())
		require.True(t, ok)
		require.Equal(t, genuine, addr)
	})

	t.Run("signed by the sender", func(t *testing.T) {
		send(flagSigned, victim, []byte("signed"))
		require.Equal(t, []byte("signed"), wtest.ReceiveSoon(t, got))

		addr, ok := n.PeerAddr(local.ID(), victim.ID())
		require.True(t, ok)
		require.Equal(t, rogue.LocalAddr().(*net.UDPAddr).AddrPort(), addr)
	})
}
