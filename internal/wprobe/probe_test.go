package wprobe_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gordian-engine/wren"
	"github.com/gordian-engine/wren/internal/wprobe"
	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wdgram/wdgramtest"
	"github.com/gordian-engine/wren/wdht"
	"github.com/gordian-engine/wren/wkey/wkeytest"
	"github.com/gordian-engine/wren/woverlay"
	"github.com/gordian-engine/wren/woverlay/woverlaytest"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/gordian-engine/wren/wstun"
	"github.com/gordian-engine/wren/wtl"
	"github.com/stretchr/testify/require"
)

var zeroStateHash = wtest.Seed32("zero state")

func probeConfig() wprobe.Config {
	cfg := wprobe.DefaultConfig()
	cfg.BindAddr = netip.MustParseAddrPort("127.0.0.1:0")
	cfg.ZeroStateFileHash = zeroStateHash
	cfg.KeySeed = wtest.Seed32("probe")
	cfg.Reliable.QueryWaveLen = 16
	cfg.Reliable.QueryWaveInterval = 10 * time.Millisecond
	return cfg
}

// datagramOnlyPeer answers capability queries on the datagram path
// and has no reliable layer, so reliable queries go unanswered.
func datagramOnlyPeer(ctx context.Context, t *testing.T, caps wtl.Capabilities) wpeer.Record {
	t.Helper()

	f := wdgramtest.NewFixture(ctx, t, "peer", nil)
	m, err := woverlay.NewManager(ctx, wtest.NewLogger(t).With("node", "peer"), woverlay.ManagerConfig{
		Transport: f.Node,
		Key:       f.Key,
	})
	require.NoError(t, err)
	t.Cleanup(m.Wait)

	o, _, err := m.Join(woverlaytest.TestOverlayID, woverlay.DefaultOptions())
	require.NoError(t, err)
	o.AddQueryHandler(woverlay.CapabilitiesHandler{Capabilities: caps})

	return wpeer.Record{Addr: f.Addr(), Node: o.LocalNode()}
}

func TestRun_datagramAnswersReliableTimesOut(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := wtl.Capabilities{Version: 3, Capabilities: 7}
	peer := datagramOnlyPeer(ctx, t, want)

	cfg := probeConfig()
	cfg.Peer = &peer
	cfg.QueryTimeout = 500 * time.Millisecond

	rep, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
	require.NoError(t, err)

	require.Equal(t, wprobe.StageDone, rep.Stage)
	require.Equal(t, woverlaytest.TestOverlayID, rep.Overlay)
	require.Equal(t, peer.NodeID(), rep.Peer)
	require.NoError(t, rep.PeerErr)

	require.Len(t, rep.Outcomes, 2)

	dg := rep.Outcomes[0]
	require.Equal(t, wprobe.TransportDatagram, dg.Transport)
	require.True(t, dg.OK)
	require.Equal(t, want, dg.Capabilities)
	require.Equal(t, "ok", dg.Kind())

	rq := rep.Outcomes[1]
	require.Equal(t, wprobe.TransportReliable, rq.Transport)
	require.False(t, rq.OK)
	require.ErrorIs(t, rq.Err, context.DeadlineExceeded)
	require.Equal(t, "timeout", rq.Kind())
	require.GreaterOrEqual(t, rq.Elapsed, cfg.QueryTimeout)

	// The datagram answer did not wait for the reliable timeout.
	require.Less(t, dg.Elapsed, cfg.QueryTimeout)
}

func TestRun_bothPathsAnswer(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := wtl.Capabilities{Version: 1, Capabilities: 0xff}
	f := woverlaytest.NewFixture(ctx, t, "peer", woverlaytest.TestOverlayID, woverlaytest.Options{})
	f.Overlay.AddQueryHandler(woverlay.CapabilitiesHandler{Capabilities: want})

	cfg := probeConfig()
	cfg.Peer = &wpeer.Record{Addr: f.Addr(), Node: f.Overlay.LocalNode()}

	rep, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.Len(t, rep.Outcomes, 2)
	for _, o := range rep.Outcomes {
		require.True(t, o.OK, "transport %s: %v", o.Transport, o.Err)
		require.Equal(t, want, o.Capabilities)
	}
}

func TestRun_corruptedPeerSignature(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := datagramOnlyPeer(ctx, t, wtl.Capabilities{})
	peer.Node = woverlaytest.CorruptSignature(peer.Node)

	cfg := probeConfig()
	cfg.Peer = &peer

	rep, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
	require.NoError(t, err)

	require.Equal(t, wprobe.StageDone, rep.Stage)
	require.Empty(t, rep.Outcomes)
	require.True(t, rep.Peer.IsZero())
	require.ErrorIs(t, rep.PeerErr, wpeer.ErrBadSignature)
	require.ErrorAs(t, rep.PeerErr, new(woverlay.PeerRejectedError))
}

func TestRun_peerForOtherOverlay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := wpeer.Record{
		Addr: netip.MustParseAddrPort("127.0.0.1:9"),
		Node: woverlaytest.SignedNode("stranger", woverlay.ComputeID(0, zeroStateHash), 1),
	}

	cfg := probeConfig()
	cfg.Peer = &peer

	rep, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.Empty(t, rep.Outcomes)
	require.ErrorIs(t, rep.PeerErr, woverlay.ErrWrongOverlay)
}

func TestRun_setupFailures(t *testing.T) {
	t.Parallel()

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()

		cfg := probeConfig()
		cfg.ZeroStateFileHash = [32]byte{}
		cfg.QueryTimeout = 0

		rep, err := wprobe.Run(context.Background(), wtest.NewLogger(t), cfg)
		var fe wprobe.FatalSetupError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, wprobe.StageUninitialized, fe.Stage)
		require.ErrorContains(t, err, "ZeroStateFileHash")
		require.ErrorContains(t, err, "QueryTimeout")
		require.Equal(t, wprobe.StageUninitialized, rep.Stage)
	})

	t.Run("address in use", func(t *testing.T) {
		t.Parallel()

		taken := wdgramtest.ListenLoopback(t)

		cfg := probeConfig()
		cfg.BindAddr = taken.LocalAddr().(*net.UDPAddr).AddrPort()

		rep, err := wprobe.Run(context.Background(), wtest.NewLogger(t), cfg)
		var fe wprobe.FatalSetupError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, wprobe.StageIdentityReady, fe.Stage)
		require.False(t, rep.LocalID.IsZero())
	})

	t.Run("invalid overlay options", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cfg := probeConfig()
		cfg.Overlay.MaxNeighbours = 0

		_, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
		var fe wprobe.FatalSetupError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, wprobe.StageTransportsReady, fe.Stage)
	})
}

type failingResolver struct{}

func (failingResolver) PublicIP(context.Context) (netip.Addr, error) {
	return netip.Addr{}, errors.New("no route to resolver")
}

func TestRun_publicIP(t *testing.T) {
	t.Parallel()

	t.Run("resolution failure is fatal without discovery", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cfg := probeConfig()
		cfg.PublicIP = failingResolver{}

		rep, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
		var fe wprobe.FatalSetupError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, wprobe.StageIdentityReady, fe.Stage)
		require.ErrorContains(t, err, "no route to resolver")
		require.Equal(t, wprobe.StageIdentityReady, rep.Stage)
		require.Empty(t, rep.Outcomes)
	})

	t.Run("resolved address is reported", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		peer := datagramOnlyPeer(ctx, t, wtl.Capabilities{Version: 2})

		cfg := probeConfig()
		cfg.PublicIP = wstun.Static(netip.MustParseAddr("192.0.2.7"))
		cfg.Peer = &peer
		cfg.QueryTimeout = 200 * time.Millisecond

		rep, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
		require.NoError(t, err)
		require.Equal(t, netip.MustParseAddr("192.0.2.7"), rep.PublicAddr.Addr())
		require.Equal(t, rep.LocalAddr.Port(), rep.PublicAddr.Port())
		require.Len(t, rep.Outcomes, 2)
		require.True(t, rep.Outcomes[0].OK)
	})
}

func TestRun_discovery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The peer announces itself in its own DHT storage,
	// which the probe reaches through the static node list.
	uc := wdgramtest.ListenLoopback(t)
	ks, _ := wkeytest.Keystore("peer", 0)
	ncfg := wren.DefaultNetworkConfig()
	ncfg.UDPConn = uc
	ncfg.Keystore = ks
	ncfg.EnableDHT = true
	ncfg.AdvertiseAddr = uc.LocalAddr().(*net.UDPAddr).AddrPort()
	n, err := wren.NewNetwork(ctx, wtest.NewLogger(t).With("node", "peer"), ncfg)
	require.NoError(t, err)
	t.Cleanup(n.Wait)

	o, _, err := n.Overlays.Join(woverlaytest.TestOverlayID, woverlay.DefaultOptions())
	require.NoError(t, err)
	want := wtl.Capabilities{Version: 9}
	o.AddQueryHandler(woverlay.CapabilitiesHandler{Capabilities: want})

	_, err = n.DHT.StoreAddress(ctx)
	require.NoError(t, err)
	_, err = n.DHT.StoreOverlayNode(ctx, o.LocalNode())
	require.NoError(t, err)

	rec, ok := n.DHT.LocalRecord()
	require.True(t, ok)

	cfg := probeConfig()
	cfg.Discover = true
	cfg.DHTNodes = []wdht.NodeRecord{rec}

	rep, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.Equal(t, n.Key().ID(), rep.Peer)
	require.Len(t, rep.Outcomes, 2)
	require.True(t, rep.Outcomes[0].OK)
	require.Equal(t, want, rep.Outcomes[0].Capabilities)
}

func TestRun_discoveryWithoutPeers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := probeConfig()
	cfg.Discover = true
	cfg.Discovery.MaxRounds = 1

	rep, err := wprobe.Run(ctx, wtest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.Empty(t, rep.Outcomes)
	require.ErrorContains(t, rep.PeerErr, "no usable peer")
}

func TestStage_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "QueriesInFlight", wprobe.StageQueriesInFlight.String())
	require.Equal(t, "Stage(42)", wprobe.Stage(42).String())
}
