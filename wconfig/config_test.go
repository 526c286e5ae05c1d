package wconfig_test

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gordian-engine/wren/wconfig"
	"github.com/gordian-engine/wren/wdht"
	"github.com/gordian-engine/wren/wkey/wkeytest"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/stretchr/testify/require"
)

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func globalDoc(t *testing.T, rec wdht.NodeRecord, fileHash [32]byte) string {
	t.Helper()

	// 10.1.2.3 as a signed big-endian int.
	const ip = 0x0a010203
	return fmt.Sprintf(`{
  "@type": "config.global",
  "dht": {
    "@type": "dht.config.global",
    "k": 6,
    "a": 3,
    "static_nodes": {
      "@type": "dht.nodes",
      "nodes": [
        {
          "@type": "dht.node",
          "id": {"@type": "pub.ed25519", "key": %q},
          "addr_list": {
            "@type": "adnl.addressList",
            "addrs": [{"@type": "adnl.address.udp", "ip": %d, "port": 30303}],
            "version": %d,
            "reinit_date": 0,
            "priority": 0,
            "expire_at": 0
          },
          "version": %d,
          "signature": %q
        }
      ]
    }
  },
  "validator": {
    "@type": "validator.config.global",
    "zero_state": {
      "workchain": -1,
      "shard": -9223372036854775808,
      "seqno": 0,
      "root_hash": %q,
      "file_hash": %q
    }
  }
}`,
		b64(rec.PublicKey[:]), ip, rec.AddrList.Version, rec.Version, b64(rec.Signature),
		b64(make([]byte, 32)), b64(fileHash[:]),
	)
}

func TestParseGlobal(t *testing.T) {
	t.Parallel()

	k := wkeytest.Key("static")
	rec := wdht.SignNodeRecord(k, wdht.AddressList{
		Addrs:   []netip.AddrPort{netip.MustParseAddrPort("10.1.2.3:30303")},
		Version: 5,
	}, 5)

	var fileHash [32]byte
	for i := range fileHash {
		fileHash[i] = byte(i)
	}

	g, err := wconfig.ParseGlobal(strings.NewReader(globalDoc(t, rec, fileHash)))
	require.NoError(t, err)

	require.Equal(t, int32(-1), g.ZeroState.Workchain)
	require.Equal(t, int64(-1<<63), g.ZeroState.Shard)
	require.Equal(t, fileHash, g.ZeroState.FileHash)

	require.Len(t, g.DHTNodes, 1)
	require.Equal(t, rec, g.DHTNodes[0])
	require.NoError(t, g.DHTNodes[0].Verify())
}

func TestParseGlobal_negativeIP(t *testing.T) {
	t.Parallel()

	var fh [32]byte
	fh[0] = 1
	doc := `{
  "dht": {"static_nodes": {"nodes": [{
    "id": {"@type": "pub.ed25519", "key": "` + b64(make([]byte, 32)) + `"},
    "addr_list": {"addrs": [{"@type": "adnl.address.udp", "ip": -1185526007, "port": 22096}]},
    "version": 1,
    "signature": ""
  }]}},
  "validator": {"zero_state": {"file_hash": "` + b64(fh[:]) + `"}}
}`
	g, err := wconfig.ParseGlobal(strings.NewReader(doc))
	require.NoError(t, err)

	addr, ok := g.DHTNodes[0].Addr()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddrPort("185.86.79.9:22096"), addr)
}

func TestParseGlobal_errors(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name, doc, want string
	}{
		{
			name: "not json",
			doc:  `{`,
			want: "failed to decode",
		},
		{
			name: "no zero state",
			doc:  `{"dht": {}}`,
			want: "zero_state",
		},
		{
			name: "short file hash",
			doc:  `{"validator": {"zero_state": {"file_hash": "` + b64([]byte("short")) + `"}}}`,
			want: "expected 32 bytes",
		},
		{
			name: "unsupported key",
			doc: `{
  "dht": {"static_nodes": {"nodes": [{"id": {"@type": "pub.aes", "key": "` + b64(make([]byte, 32)) + `"}}]}},
  "validator": {"zero_state": {"file_hash": "` + b64([]byte(strings.Repeat("x", 32))) + `"}}
}`,
			want: "nodes[0]",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := wconfig.ParseGlobal(strings.NewReader(tc.doc))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestParseGlobal_missingZeroState(t *testing.T) {
	t.Parallel()

	_, err := wconfig.ParseGlobal(strings.NewReader(`{}`))
	require.ErrorIs(t, err, wconfig.ErrMissingZeroState)
}

func TestPeer_roundTrip(t *testing.T) {
	t.Parallel()

	rec := wpeer.Record{
		Addr: netip.MustParseAddrPort("203.0.113.7:63653"),
		Node: wpeer.SignOverlayNode(wkeytest.Key("peer"), [32]byte{9}, 1718470331),
	}

	b, err := wconfig.MarshalPeer(rec)
	require.NoError(t, err)

	got, err := wconfig.ParsePeerString(string(b))
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.NoError(t, got.Node.VerifySignature())

	path := filepath.Join(t.TempDir(), "peer.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	got, err = wconfig.LoadPeer(path)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestParsePeer_errors(t *testing.T) {
	t.Parallel()

	_, err := wconfig.ParsePeerString(`{"addr": "nope", "node": {"id": {"@type": "pub.ed25519", "key": "` + b64(make([]byte, 32)) + `"}}}`)
	require.ErrorContains(t, err, "invalid peer address")

	_, err = wconfig.ParsePeerString(`{"addr": "1.2.3.4:5", "extra": 1}`)
	require.ErrorContains(t, err, "unknown field")

	_, err = wconfig.ParsePeerString(`{"addr": "1.2.3.4:5", "node": {"id": {"@type": "pub.overlay"}}}`)
	require.ErrorContains(t, err, "unsupported public key type")
}

func TestLoadGlobal_missingFile(t *testing.T) {
	t.Parallel()

	_, err := wconfig.LoadGlobal(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
