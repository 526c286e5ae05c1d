package woverlay_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wdgram/wdgramtest"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/woverlay"
	"github.com/gordian-engine/wren/woverlay/woverlaytest"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/gordian-engine/wren/wrq"
	"github.com/gordian-engine/wren/wtl"
	"github.com/stretchr/testify/require"
)

var testID = woverlaytest.TestOverlayID

func TestComputeID(t *testing.T) {
	t.Parallel()

	hash := wtest.Seed32("zero state")
	id := woverlay.ComputeID(woverlay.MasterchainWorkchain, hash)

	require.Equal(t, id, woverlay.ComputeID(woverlay.MasterchainWorkchain, hash))
	require.NotEqual(t, id, woverlay.ComputeID(0, hash))

	other := hash
	other[31] ^= 1
	require.NotEqual(t, id, woverlay.ComputeID(woverlay.MasterchainWorkchain, other))
}

func TestComputeID_mainnet(t *testing.T) {
	t.Parallel()

	var zeroState [32]byte
	b, err := base64.StdEncoding.DecodeString("XplPz01CXAps5qeSWUtxcyBfdAo5zVb1N979KLSKD24=")
	require.NoError(t, err)
	copy(zeroState[:], b)

	id := woverlay.ComputeID(woverlay.MasterchainWorkchain, zeroState)
	require.Equal(t, "fc061ba11e1d7ba92dc6eb25ba79174a5ea4b11ea6299f9cd80df4214f1ddb3b", id.String())

	full := woverlay.FullID(woverlay.MasterchainWorkchain, zeroState)
	require.Len(t, full, 4+1+32+3)
	require.Equal(t, woverlay.ID(sha256.Sum256(full)), id)
}

func TestManager_Join_isLocalAndIdempotent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{})
	require.Empty(t, a.Overlay.Peers())

	o, joined, err := a.Manager.Join(testID, woverlay.DefaultOptions())
	require.NoError(t, err)
	require.False(t, joined)
	require.Same(t, a.Overlay, o)

	got, ok := a.Manager.Overlay(testID)
	require.True(t, ok)
	require.Same(t, a.Overlay, got)

	require.Equal(t, a.Key.ID(), a.Overlay.LocalNode().NodeID())
	require.NoError(t, a.Overlay.LocalNode().VerifySignature())
}

func TestManager_Join_invalidOptions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{})

	opts := woverlay.DefaultOptions()
	opts.MaxNeighbours = 0
	opts.GCInterval = 0
	_, _, err := a.Manager.Join(woverlay.ComputeID(0, [32]byte{}), opts)
	require.ErrorContains(t, err, "MaxNeighbours")
	require.ErrorContains(t, err, "GCInterval")
}

func TestOverlay_AddPeer_rejects(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{})
	addr := wdgramtest.ListenLoopback(t).LocalAddr().(*net.UDPAddr).AddrPort()

	for _, tc := range []struct {
		name string
		node wpeer.OverlayNode
		want error
	}{
		{
			name: "corrupted signature",
			node: woverlaytest.CorruptSignature(woverlaytest.SignedNode("b", testID, 1)),
			want: wpeer.ErrBadSignature,
		},
		{
			name: "other overlay",
			node: woverlaytest.SignedNode("b", woverlay.ComputeID(0, [32]byte{}), 1),
			want: woverlay.ErrWrongOverlay,
		},
		{
			name: "local node",
			node: a.Overlay.LocalNode(),
			want: woverlay.ErrSelf,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			id, err := a.Overlay.AddPeer(a.Node, addr, tc.node)
			require.ErrorIs(t, err, tc.want)

			var rejected woverlay.PeerRejectedError
			require.ErrorAs(t, err, &rejected)
			require.Equal(t, tc.node.NodeID(), rejected.Peer)
			require.True(t, id.IsZero())
		})
	}

	require.Empty(t, a.Overlay.Peers())
}

func TestOverlay_AddPeer_versionRule(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{})
	addr1 := wdgramtest.ListenLoopback(t).LocalAddr().(*net.UDPAddr).AddrPort()
	addr2 := wdgramtest.ListenLoopback(t).LocalAddr().(*net.UDPAddr).AddrPort()

	id, err := a.Overlay.AddPeer(a.Node, addr1, woverlaytest.SignedNode("b", testID, 10))
	require.NoError(t, err)

	// Equal and lower versions keep the stored record.
	for _, v := range []int32{10, 9} {
		got, err := a.Overlay.AddPeer(a.Node, addr2, woverlaytest.SignedNode("b", testID, v))
		require.NoError(t, err)
		require.Equal(t, id, got)

		p, ok := a.Overlay.Peer(id)
		require.True(t, ok)
		require.Equal(t, int32(10), p.Node.Version)
		require.Equal(t, addr1, p.Addr)
	}

	// A higher version replaces it.
	_, err = a.Overlay.AddPeer(a.Node, addr2, woverlaytest.SignedNode("b", testID, 11))
	require.NoError(t, err)
	p, ok := a.Overlay.Peer(id)
	require.True(t, ok)
	require.Equal(t, int32(11), p.Node.Version)
	require.Equal(t, addr2, p.Addr)

	require.Len(t, a.Overlay.Peers(), 1)
}

func TestOverlay_AddPeer_fullTable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := wdgramtest.ListenLoopback(t).LocalAddr().(*net.UDPAddr).AddrPort()

	t.Run("nothing evictable", func(t *testing.T) {
		a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{
			Overlay: func(o *woverlay.Options) {
				o.MaxNeighbours = 1
				o.PeersTimeout = time.Hour
			},
		})

		_, err := a.Overlay.AddPeer(a.Node, addr, woverlaytest.SignedNode("b", testID, 1))
		require.NoError(t, err)

		_, err = a.Overlay.AddPeer(a.Node, addr, woverlaytest.SignedNode("c", testID, 1))
		require.ErrorIs(t, err, woverlay.ErrTableFull)
	})

	t.Run("old peer evicted", func(t *testing.T) {
		a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{
			Overlay: func(o *woverlay.Options) {
				o.MaxNeighbours = 1
				o.PeersTimeout = time.Millisecond
			},
		})

		b, err := a.Overlay.AddPeer(a.Node, addr, woverlaytest.SignedNode("b", testID, 1))
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)

		c, err := a.Overlay.AddPeer(a.Node, addr, woverlaytest.SignedNode("c", testID, 1))
		require.NoError(t, err)

		_, ok := a.Overlay.Peer(b)
		require.False(t, ok)
		_, ok = a.Overlay.Peer(c)
		require.True(t, ok)
	})
}

func TestOverlay_AddPeer_concurrent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{})
	addr := wdgramtest.ListenLoopback(t).LocalAddr().(*net.UDPAddr).AddrPort()

	const n = 32
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			node := woverlaytest.SignedNode(string(rune('A'+i)), testID, 1)
			_, errs[i] = a.Overlay.AddPeer(a.Node, addr, node)

			_ = a.Overlay.Peers()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, a.Overlay.Peers(), n)
}

func TestOverlay_queries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{})
	b := woverlaytest.NewFixture(ctx, t, "b", testID, woverlaytest.Options{})
	b.Overlay.AddQueryHandler(woverlay.CapabilitiesHandler{
		Capabilities: wtl.Capabilities{Version: 3, Capabilities: 7},
	})

	peer, err := a.Overlay.AddPeer(a.Node, b.Addr(), b.Overlay.LocalNode())
	require.NoError(t, err)

	t.Run("transport", func(t *testing.T) {
		answer, err := a.Overlay.QueryViaTransport(ctx, a.Node, peer, wtl.AppendGetCapabilities(nil), time.Second)
		require.NoError(t, err)
		c, err := wtl.DecodeCapabilities(answer)
		require.NoError(t, err)
		require.Equal(t, wtl.Capabilities{Version: 3, Capabilities: 7}, c)
	})

	t.Run("reliable", func(t *testing.T) {
		answer, err := a.Overlay.QueryViaReliable(ctx, a.RQ, peer, wtl.AppendGetCapabilities(nil), time.Second)
		require.NoError(t, err)
		c, err := wtl.DecodeCapabilities(answer)
		require.NoError(t, err)
		require.Equal(t, wtl.Capabilities{Version: 3, Capabilities: 7}, c)
	})

	t.Run("unknown peer", func(t *testing.T) {
		stranger := wkey.ID{1}
		_, err := a.Overlay.QueryViaTransport(ctx, a.Node, stranger, wtl.AppendGetCapabilities(nil), time.Second)
		require.ErrorAs(t, err, new(woverlay.UnknownPeerError))

		_, err = a.Overlay.QueryViaReliable(ctx, a.RQ, stranger, wtl.AppendGetCapabilities(nil), time.Second)
		require.ErrorAs(t, err, new(woverlay.UnknownPeerError))
	})

	t.Run("unhandled query", func(t *testing.T) {
		_, err := a.Overlay.QueryViaTransport(ctx, a.Node, peer, []byte("????"), 100*time.Millisecond)
		require.ErrorAs(t, err, new(wdgram.QueryTimeoutError))
	})
}

func TestOverlay_queriesTimeOutIndependently(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{})
	b := woverlaytest.NewFixture(ctx, t, "b", testID, woverlaytest.Options{
		Transport: func(cfg *wdgram.NodeConfig) {
			cfg.Conn = wdgramtest.SilentConn{UDPConn: cfg.Conn.(*net.UDPConn)}
		},
	})
	b.Overlay.AddQueryHandler(woverlay.CapabilitiesHandler{})

	peer, err := a.Overlay.AddPeer(a.Node, b.Addr(), b.Overlay.LocalNode())
	require.NoError(t, err)

	const timeout = 200 * time.Millisecond

	var (
		wg                 sync.WaitGroup
		errT, errR         error
		elapsedT, elapsedR time.Duration
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		start := time.Now()
		_, errT = a.Overlay.QueryViaTransport(ctx, a.Node, peer, wtl.AppendGetCapabilities(nil), timeout)
		elapsedT = time.Since(start)
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		_, errR = a.Overlay.QueryViaReliable(ctx, a.RQ, peer, wtl.AppendGetCapabilities(nil), timeout)
		elapsedR = time.Since(start)
	}()
	wg.Wait()

	require.ErrorAs(t, errT, new(wdgram.QueryTimeoutError))
	require.ErrorAs(t, errR, new(wrq.QueryTimeoutError))
	require.ErrorIs(t, errT, context.DeadlineExceeded)
	require.ErrorIs(t, errR, context.DeadlineExceeded)

	for _, d := range []time.Duration{elapsedT, elapsedR} {
		require.GreaterOrEqual(t, d, timeout)
		require.Less(t, d, timeout+500*time.Millisecond)
	}
}

func TestOverlay_queryReresolvesAddress(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shortAddr := func(cfg *wdgram.NodeConfig) {
		cfg.AddressListTimeout = 20 * time.Millisecond
	}
	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{Transport: shortAddr})
	b := woverlaytest.NewFixture(ctx, t, "b", testID, woverlaytest.Options{})
	b.Overlay.AddQueryHandler(woverlay.CapabilitiesHandler{
		Capabilities: wtl.Capabilities{Version: 1},
	})

	peer, err := a.Overlay.AddPeer(a.Node, b.Addr(), b.Overlay.LocalNode())
	require.NoError(t, err)

	// Long enough for the transport's copy of the address to expire.
	time.Sleep(50 * time.Millisecond)

	_, err = a.Overlay.QueryViaTransport(ctx, a.Node, peer, wtl.AppendGetCapabilities(nil), time.Second)
	require.NoError(t, err)
}

func TestOverlay_GetRandomPeers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{})
	b := woverlaytest.NewFixture(ctx, t, "b", testID, woverlaytest.Options{})
	c := woverlaytest.NewFixture(ctx, t, "c", testID, woverlaytest.Options{})
	d := woverlaytest.NewFixture(ctx, t, "d", testID, woverlaytest.Options{})

	woverlaytest.Introduce(t, a, b)
	woverlaytest.Introduce(t, a, c)
	woverlaytest.Introduce(t, a, d)
	woverlaytest.Introduce(t, d, a)

	nodes, err := d.Overlay.GetRandomPeers(ctx, d.Node, a.Key.ID(), time.Second)
	require.NoError(t, err)

	var ids []wkey.ID
	for _, n := range nodes {
		ids = append(ids, n.NodeID())
	}
	require.ElementsMatch(t, []wkey.ID{a.Key.ID(), b.Key.ID(), c.Key.ID()}, ids)
}

func TestOverlay_Broadcast(t *testing.T) {
	t.Parallel()

	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			opts := woverlaytest.Options{
				Overlay: func(o *woverlay.Options) { o.ForceCompression = compress },
			}
			a := woverlaytest.NewFixture(ctx, t, "a", testID, opts)
			b := woverlaytest.NewFixture(ctx, t, "b", testID, opts)
			c := woverlaytest.NewFixture(ctx, t, "c", testID, opts)

			// a reaches c only through b's forwarding.
			woverlaytest.Introduce(t, a, b)
			woverlaytest.Introduce(t, b, c)
			woverlaytest.Introduce(t, b, a)

			bGot := collectBroadcasts(ctx, b)
			cGot := collectBroadcasts(ctx, c)

			sent, err := a.Overlay.Broadcast([]byte("hello overlay"))
			require.NoError(t, err)
			require.Equal(t, 1, sent)

			for _, ch := range []<-chan woverlay.Broadcast{bGot, cGot} {
				got := wtest.ReceiveSoon(t, ch)
				require.Equal(t, []byte("hello overlay"), got.Data)
				require.Equal(t, a.Key.PublicKey(), got.Source)
			}

			// b forwards to c but not back to a, and a duplicate is not redelivered.
			wtest.NotSending(t, bGot)
			wtest.NotSending(t, cGot)
		})
	}
}

func TestOverlay_Broadcast_tooLarge(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := woverlaytest.NewFixture(ctx, t, "a", testID, woverlaytest.Options{
		Overlay: func(o *woverlay.Options) { o.MaxBroadcastSize = 10 },
	})

	_, err := a.Overlay.Broadcast(make([]byte, 11))
	require.ErrorIs(t, err, woverlay.ErrBroadcastTooLarge)
}

func collectBroadcasts(ctx context.Context, f woverlaytest.Fixture) <-chan woverlay.Broadcast {
	ch := make(chan woverlay.Broadcast, 8)
	seq := f.Overlay.Broadcasts(ctx)
	go func() {
		for b := range seq {
			ch <- b
		}
	}()
	return ch
}

func TestNewManager_invalidConfig(t *testing.T) {
	t.Parallel()

	_, err := woverlay.NewManager(context.Background(), wtest.NewLogger(t), woverlay.ManagerConfig{})
	require.Error(t, err)
	require.ErrorContains(t, err, "Transport")
	require.ErrorContains(t, err, "Key")
}
