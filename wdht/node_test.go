package wdht_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wdgram/wdgramtest"
	"github.com/gordian-engine/wren/wdht"
	"github.com/gordian-engine/wren/wdht/wdhttest"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wkey/wkeytest"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/stretchr/testify/require"
)

func peerIDs(recs []wdht.NodeRecord) []wkey.ID {
	out := make([]wkey.ID, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

func TestNode_Ping(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)
	b := wdhttest.NewFixture(ctx, t, "b", nil, nil)
	wdhttest.Introduce(t, a, b)

	require.NoError(t, a.DHT.Ping(ctx, b.Key.ID()))

	// The query carried a's record, so b learned about a.
	require.Equal(t, []wkey.ID{a.Key.ID()}, peerIDs(b.DHT.Peers()))
}

func TestNode_AddPeer_badSignature(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)
	b := wdhttest.NewFixture(ctx, t, "b", nil, nil)

	rec := b.Record()
	rec.Signature = append([]byte(nil), rec.Signature...)
	rec.Signature[0] ^= 0xff

	_, err := a.DHT.AddPeer(rec)
	require.ErrorIs(t, err, wdht.ErrBadSignature)
	require.Empty(t, a.DHT.Peers())
}

func TestNode_AddPeer_self(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)

	_, err := a.DHT.AddPeer(a.Record())
	require.Error(t, err)
	require.Empty(t, a.DHT.Peers())
}

func TestNode_AddPeer_newerVersionReplaces(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)
	k := wkeytest.Key("remote")

	addrs := func(port uint16) wdht.AddressList {
		return wdht.AddressList{Addrs: []netip.AddrPort{loopback(port)}}
	}

	_, err := a.DHT.AddPeer(wdht.SignNodeRecord(k, addrs(1000), 5))
	require.NoError(t, err)

	// Older version is ignored.
	_, err = a.DHT.AddPeer(wdht.SignNodeRecord(k, addrs(2000), 4))
	require.NoError(t, err)
	peers := a.DHT.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, int32(5), peers[0].Version)

	// Newer version replaces.
	_, err = a.DHT.AddPeer(wdht.SignNodeRecord(k, addrs(3000), 6))
	require.NoError(t, err)
	peers = a.DHT.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, int32(6), peers[0].Version)
	require.Equal(t, uint16(3000), peers[0].AddrList.Addrs[0].Port())
}

func TestNode_FindMorePeers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)
	b := wdhttest.NewFixture(ctx, t, "b", nil, nil)
	c := wdhttest.NewFixture(ctx, t, "c", nil, nil)
	wdhttest.Introduce(t, a, b)
	wdhttest.Introduce(t, b, c)

	n, err := a.DHT.FindMorePeers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.ElementsMatch(t, []wkey.ID{b.Key.ID(), c.Key.ID()}, peerIDs(a.DHT.Peers()))

	// Asking again finds nothing new.
	n, err = a.DHT.FindMorePeers(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNode_FindMorePeers_noPeers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)

	_, err := a.DHT.FindMorePeers(ctx)
	require.ErrorIs(t, err, wdht.ErrNoPeers)
}

func TestNode_badPeersAreSkipped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, func(cfg *wdht.NodeConfig) {
		cfg.BadPeerThreshold = 2
	})

	// A socket nobody reads from never answers.
	mute := wdgramtest.ListenLoopback(t)
	k := wkeytest.Key("mute")
	rec := wdht.SignNodeRecord(k, wdht.AddressList{
		Addrs: []netip.AddrPort{mute.LocalAddr().(*net.UDPAddr).AddrPort()},
	}, 1)
	_, err := a.DHT.AddPeer(rec)
	require.NoError(t, err)

	for range 2 {
		require.Error(t, a.DHT.Ping(ctx, k.ID()))
	}

	_, err = a.DHT.FindMorePeers(ctx)
	require.ErrorIs(t, err, wdht.ErrNoPeers)
}

func TestNode_PublishAndFindValue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)
	b := wdhttest.NewFixture(ctx, t, "b", nil, nil)
	c := wdhttest.NewFixture(ctx, t, "c", nil, nil)
	wdhttest.Introduce(t, a, b)
	wdhttest.Introduce(t, c, b)

	key := wdht.Key{ID: a.Key.ID(), Name: "greeting"}
	v := wdht.SignedValue(a.Key, key, []byte("hello"), time.Now().Add(time.Minute))

	stored, err := a.DHT.Publish(ctx, v)
	require.NoError(t, err)
	require.Equal(t, 1, stored)

	got, err := c.DHT.FindValue(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.Data)
	require.Equal(t, a.Key.PublicKey(), got.Desc.Owner)
}

func TestNode_FindValue_notFound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)
	b := wdhttest.NewFixture(ctx, t, "b", nil, nil)
	wdhttest.Introduce(t, a, b)

	_, err := a.DHT.FindValue(ctx, wdht.Key{ID: b.Key.ID(), Name: "missing"})
	require.ErrorIs(t, err, wdht.ErrValueNotFound)
}

func TestNode_FindValue_invalidKey(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)

	_, err := a.DHT.FindValue(ctx, wdht.Key{ID: a.Key.ID(), Name: "x", Index: 16})
	require.ErrorAs(t, err, new(wdht.InvalidValueError))
}

func TestNode_Publish_rejectsTamperedValue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)

	key := wdht.Key{ID: a.Key.ID(), Name: "greeting"}
	v := wdht.SignedValue(a.Key, key, []byte("hello"), time.Now().Add(time.Minute))
	v.Data = []byte("jello")

	_, err := a.DHT.Publish(ctx, v)
	require.ErrorIs(t, err, wdht.ErrBadSignature)
}

func TestNode_StoreAndFindAddress(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := wdhttest.NewFixture(ctx, t, "a", nil, nil)
	b := wdhttest.NewFixture(ctx, t, "b", nil, nil)
	c := wdhttest.NewFixture(ctx, t, "c", nil, nil)
	wdhttest.Introduce(t, a, b)
	wdhttest.Introduce(t, c, b)

	_, err := a.DHT.StoreAddress(ctx)
	require.NoError(t, err)

	addrs, err := c.DHT.FindAddress(ctx, a.Key.ID())
	require.NoError(t, err)
	require.Equal(t, []netip.AddrPort{a.Addr()}, addrs.Addrs)
}

func TestNode_FindOverlayNodes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := wdhttest.NewFixture(ctx, t, "hub", nil, nil)
	members := []wdhttest.Fixture{
		wdhttest.NewFixture(ctx, t, "m1", nil, nil),
		wdhttest.NewFixture(ctx, t, "m2", nil, nil),
	}
	seeker := wdhttest.NewFixture(ctx, t, "seeker", nil, nil)
	wdhttest.Introduce(t, seeker, hub)

	overlay := [32]byte{1, 2, 3}
	for _, m := range members {
		wdhttest.Introduce(t, m, hub)

		_, err := m.DHT.StoreAddress(ctx)
		require.NoError(t, err)

		node := wpeer.SignOverlayNode(m.Key, overlay, int32(time.Now().Unix()))
		_, err = m.DHT.StoreOverlayNode(ctx, node)
		require.NoError(t, err)
	}

	var got []wpeer.Record
	for rec, err := range seeker.DHT.FindOverlayNodes(ctx, overlay, wdht.DefaultDiscoveryConfig()) {
		require.NoError(t, err)
		got = append(got, rec)
	}

	require.Len(t, got, 2)
	byID := make(map[wkey.ID]wpeer.Record, len(got))
	for _, r := range got {
		require.NoError(t, r.Node.VerifySignature())
		byID[r.NodeID()] = r
	}
	for _, m := range members {
		r, ok := byID[m.Key.ID()]
		require.True(t, ok)
		require.Equal(t, m.Addr(), r.Addr)
	}
}

func TestNode_FindOverlayNodes_stop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := wdhttest.NewFixture(ctx, t, "hub", nil, nil)
	seeker := wdhttest.NewFixture(ctx, t, "seeker", nil, nil)
	wdhttest.Introduce(t, seeker, hub)

	overlay := [32]byte{9}
	for _, name := range []string{"m1", "m2", "m3"} {
		m := wdhttest.NewFixture(ctx, t, name, nil, nil)
		wdhttest.Introduce(t, m, hub)
		_, err := m.DHT.StoreAddress(ctx)
		require.NoError(t, err)
		_, err = m.DHT.StoreOverlayNode(ctx, wpeer.SignOverlayNode(m.Key, overlay, 1))
		require.NoError(t, err)
	}

	var n int
	cfg := wdht.DiscoveryConfig{
		MaxRounds: 5,
		Stop:      func(wpeer.Record) bool { return true },
	}
	for _, err := range seeker.DHT.FindOverlayNodes(ctx, overlay, cfg) {
		require.NoError(t, err)
		n++
	}
	require.Equal(t, 1, n)
}

func TestNode_FindOverlayNodes_empty(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := wdhttest.NewFixture(ctx, t, "hub", nil, nil)
	seeker := wdhttest.NewFixture(ctx, t, "seeker", nil, nil)
	wdhttest.Introduce(t, seeker, hub)

	for _, err := range seeker.DHT.FindOverlayNodes(ctx, [32]byte{7}, wdht.DefaultDiscoveryConfig()) {
		require.NoError(t, err)
		t.Fatal("expected no records")
	}
}

func TestNewNode_invalidConfig(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := wdgramtest.NewFixture(ctx, t, "a", nil)

	cfg := wdht.DefaultNodeConfig()
	cfg.Transport = f.Node
	cfg.Key = wkeytest.Key("not in keystore")
	cfg.QueryTimeout = 0

	_, err := wdht.NewNode(ctx, wtest.NewLogger(t), cfg)
	require.Error(t, err)
	require.ErrorContains(t, err, "keystore")
	require.ErrorContains(t, err, "QueryTimeout")
}

func loopback(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}
