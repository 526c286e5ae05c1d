// Package wconfig reads the JSON documents that describe a network
// and the peers a node bootstraps from.
//
// The global configuration follows the layout of the public
// network configuration files: typed objects tagged with "@type",
// 32-byte values in base64, and IPv4 addresses as signed integers.
package wconfig

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/gordian-engine/wren/wdht"
	"github.com/gordian-engine/wren/wkey"
)

// Global is the part of the global network configuration
// that the bootstrap path needs.
type Global struct {
	// Static DHT nodes, in document order.
	DHTNodes []wdht.NodeRecord

	ZeroState ZeroState
}

// ZeroState identifies the network's genesis state.
type ZeroState struct {
	Workchain int32
	Shard     int64
	Seqno     int32
	RootHash  [32]byte
	FileHash  [32]byte
}

type globalJSON struct {
	DHT struct {
		StaticNodes struct {
			Nodes []dhtNodeJSON `json:"nodes"`
		} `json:"static_nodes"`
	} `json:"dht"`
	Validator struct {
		ZeroState zeroStateJSON `json:"zero_state"`
	} `json:"validator"`
}

type zeroStateJSON struct {
	Workchain int32  `json:"workchain"`
	Shard     int64  `json:"shard"`
	Seqno     int32  `json:"seqno"`
	RootHash  Hash32 `json:"root_hash"`
	FileHash  Hash32 `json:"file_hash"`
}

type publicKeyJSON struct {
	Type string `json:"@type"`
	Key  Hash32 `json:"key"`
}

type dhtNodeJSON struct {
	ID       publicKeyJSON   `json:"id"`
	AddrList addressListJSON `json:"addr_list"`
	Version  int32           `json:"version"`

	Signature []byte `json:"signature"`
}

type addressListJSON struct {
	Addrs []struct {
		Type string `json:"@type"`
		IP   int32  `json:"ip"`
		Port int32  `json:"port"`
	} `json:"addrs"`
	Version    int32 `json:"version"`
	ReinitDate int32 `json:"reinit_date"`
	Priority   int32 `json:"priority"`
	ExpireAt   int32 `json:"expire_at"`
}

// Hash32 is a 32-byte value encoded as standard base64.
type Hash32 [32]byte

func (h *Hash32) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("expected %d bytes (got %d)", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

func (h Hash32) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(h[:]))
}

func (k publicKeyJSON) publicKey() (wkey.PublicKey, error) {
	if k.Type != "pub.ed25519" {
		return wkey.PublicKey{}, fmt.Errorf("unsupported public key type %q", k.Type)
	}
	return wkey.PublicKey(k.Key), nil
}

func (n dhtNodeJSON) record() (wdht.NodeRecord, error) {
	pub, err := n.ID.publicKey()
	if err != nil {
		return wdht.NodeRecord{}, err
	}

	l := wdht.AddressList{
		Version:    n.AddrList.Version,
		ReinitDate: n.AddrList.ReinitDate,
		Priority:   n.AddrList.Priority,
		ExpireAt:   n.AddrList.ExpireAt,
	}
	for _, a := range n.AddrList.Addrs {
		if a.Type != "adnl.address.udp" {
			return wdht.NodeRecord{}, fmt.Errorf("unsupported address type %q", a.Type)
		}
		if a.Port <= 0 || a.Port > 0xffff {
			return wdht.NodeRecord{}, fmt.Errorf("invalid port %d", a.Port)
		}
		l.Addrs = append(l.Addrs, netip.AddrPortFrom(ipv4FromInt(a.IP), uint16(a.Port)))
	}

	return wdht.NodeRecord{
		PublicKey: pub,
		AddrList:  l,
		Version:   n.Version,
		Signature: n.Signature,
	}, nil
}

// ipv4FromInt converts the signed big-endian form used in configuration files.
func ipv4FromInt(v int32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return netip.AddrFrom4(b)
}

// ErrMissingZeroState is returned when the document has no zero state file hash.
var ErrMissingZeroState = errors.New("global config has no validator.zero_state.file_hash")

// ParseGlobal decodes a global configuration document.
//
// Static DHT nodes are decoded but not verified;
// [wdht.Node.AddPeer] verifies them when they are added.
func ParseGlobal(r io.Reader) (Global, error) {
	var doc globalJSON
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Global{}, fmt.Errorf("failed to decode global config: %w", err)
	}

	zs := doc.Validator.ZeroState
	if zs.FileHash == (Hash32{}) {
		return Global{}, ErrMissingZeroState
	}

	g := Global{
		ZeroState: ZeroState{
			Workchain: zs.Workchain,
			Shard:     zs.Shard,
			Seqno:     zs.Seqno,
			RootHash:  zs.RootHash,
			FileHash:  zs.FileHash,
		},
	}

	var errs error
	for i, n := range doc.DHT.StaticNodes.Nodes {
		rec, err := n.record()
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("dht.static_nodes.nodes[%d]: %w", i, err))
			continue
		}
		g.DHTNodes = append(g.DHTNodes, rec)
	}
	if errs != nil {
		return Global{}, fmt.Errorf("invalid global config: %w", errs)
	}

	return g, nil
}

// LoadGlobal reads and parses the global configuration file at path.
func LoadGlobal(path string) (Global, error) {
	f, err := os.Open(path)
	if err != nil {
		return Global{}, fmt.Errorf("failed to open global config: %w", err)
	}
	defer f.Close()

	return ParseGlobal(f)
}
