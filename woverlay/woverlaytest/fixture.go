// Package woverlaytest contains fixtures for testing code built on woverlay.
package woverlaytest

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wdgram/wdgramtest"
	"github.com/gordian-engine/wren/wkey/wkeytest"
	"github.com/gordian-engine/wren/woverlay"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/gordian-engine/wren/wrq"
	"github.com/stretchr/testify/require"
)

// TestOverlayID is an overlay ID for tests that need only one.
var TestOverlayID = woverlay.ComputeID(woverlay.MasterchainWorkchain, wtest.Seed32("zero state"))

// SignedNode returns a membership record in id for the key derived from name.
func SignedNode(name string, id woverlay.ID, version int32) wpeer.OverlayNode {
	return wpeer.SignOverlayNode(wkeytest.Key(name), [32]byte(id), version)
}

// CorruptSignature returns a copy of n with one signature bit flipped.
func CorruptSignature(n wpeer.OverlayNode) wpeer.OverlayNode {
	n.Signature = append([]byte(nil), n.Signature...)
	n.Signature[0] ^= 0x01
	return n
}

// Fixture is a node with a transport, a reliable layer,
// and an overlay manager that has joined one overlay.
type Fixture struct {
	wdgramtest.Fixture

	RQ      *wrq.Node
	Manager *woverlay.Manager
	Overlay *woverlay.Overlay
}

// Options configures a [Fixture]. Every modify function may be nil.
type Options struct {
	Transport func(*wdgram.NodeConfig)
	Reliable  func(*wrq.NodeConfig)
	Overlay   func(*woverlay.Options)
}

// NewFixture starts a node whose key is derived from name
// and joins the overlay id.
func NewFixture(
	ctx context.Context,
	t testing.TB,
	name string,
	id woverlay.ID,
	opts Options,
) Fixture {
	t.Helper()

	f := wdgramtest.NewFixture(ctx, t, name, opts.Transport)
	log := wtest.NewLogger(t).With("node", name)

	rqCfg := wrq.DefaultNodeConfig()
	rqCfg.Transport = f.Node
	rqCfg.QueryWaveLen = 16
	rqCfg.QueryWaveInterval = 10 * time.Millisecond
	if opts.Reliable != nil {
		opts.Reliable(&rqCfg)
	}
	rq, err := wrq.NewNode(ctx, log.With("sys", "rq"), rqCfg)
	require.NoError(t, err)
	t.Cleanup(rq.Wait)

	m, err := woverlay.NewManager(ctx, log.With("sys", "overlay"), woverlay.ManagerConfig{
		Transport: f.Node,
		Reliable:  rq,
		Key:       f.Key,
	})
	require.NoError(t, err)
	t.Cleanup(m.Wait)

	oo := woverlay.DefaultOptions()
	if opts.Overlay != nil {
		opts.Overlay(&oo)
	}
	o, _, err := m.Join(id, oo)
	require.NoError(t, err)

	return Fixture{Fixture: f, RQ: rq, Manager: m, Overlay: o}
}

// Introduce adds b to a's overlay peer table.
func Introduce(t testing.TB, a, b Fixture) {
	t.Helper()

	_, err := a.Overlay.AddPeer(a.Node, b.Addr(), b.Overlay.LocalNode())
	require.NoError(t, err)
}
