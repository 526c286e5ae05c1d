// Package wdhttest contains fixtures for testing code built on wdht.
package wdhttest

import (
	"context"
	"testing"

	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wdgram/wdgramtest"
	"github.com/gordian-engine/wren/wdht"
	"github.com/stretchr/testify/require"
)

// Fixture is a DHT node advertising its loopback transport address.
type Fixture struct {
	wdgramtest.Fixture
	DHT *wdht.Node
}

// Record returns the fixture's signed DHT record.
func (f Fixture) Record() wdht.NodeRecord {
	rec, ok := f.DHT.LocalRecord()
	if !ok {
		panic("BUG: fixture does not advertise an address")
	}
	return rec
}

// NewFixture starts a transport and a DHT node whose key is derived from name.
// Either modify function may be nil.
func NewFixture(
	ctx context.Context,
	t testing.TB,
	name string,
	modifyT func(*wdgram.NodeConfig),
	modify func(*wdht.NodeConfig),
) Fixture {
	t.Helper()

	f := wdgramtest.NewFixture(ctx, t, name, modifyT)

	cfg := wdht.DefaultNodeConfig()
	cfg.Transport = f.Node
	cfg.Key = f.Key
	cfg.AdvertiseAddr = f.Addr()
	if modify != nil {
		modify(&cfg)
	}

	n, err := wdht.NewNode(ctx, wtest.NewLogger(t).With("dht", name), cfg)
	require.NoError(t, err)
	t.Cleanup(n.Wait)

	return Fixture{Fixture: f, DHT: n}
}

// Introduce adds b's record to a's peer table.
func Introduce(t testing.TB, a, b Fixture) {
	t.Helper()

	_, err := a.DHT.AddPeer(b.Record())
	require.NoError(t, err)
}
