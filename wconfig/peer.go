package wconfig

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/gordian-engine/wren/wpeer"
)

type peerJSON struct {
	Addr string          `json:"addr"`
	Node overlayNodeJSON `json:"node"`
}

type overlayNodeJSON struct {
	ID        publicKeyJSON `json:"id"`
	Overlay   Hash32        `json:"overlay"`
	Version   int32         `json:"version"`
	Signature []byte        `json:"signature"`
}

// ParsePeer decodes a static peer document of the form
//
//	{
//	  "addr": "203.0.113.7:30303",
//	  "node": {
//	    "id": {"@type": "pub.ed25519", "key": "<base64>"},
//	    "overlay": "<base64>",
//	    "version": 1718470331,
//	    "signature": "<base64>"
//	  }
//	}
//
// The signature is not checked here.
func ParsePeer(r io.Reader) (wpeer.Record, error) {
	var doc peerJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return wpeer.Record{}, fmt.Errorf("failed to decode peer: %w", err)
	}

	addr, err := netip.ParseAddrPort(doc.Addr)
	if err != nil {
		return wpeer.Record{}, fmt.Errorf("invalid peer address: %w", err)
	}

	pub, err := doc.Node.ID.publicKey()
	if err != nil {
		return wpeer.Record{}, fmt.Errorf("invalid peer node id: %w", err)
	}

	return wpeer.Record{
		Addr: addr,
		Node: wpeer.OverlayNode{
			PublicKey: pub,
			Overlay:   doc.Node.Overlay,
			Version:   doc.Node.Version,
			Signature: doc.Node.Signature,
		},
	}, nil
}

// ParsePeerString is [ParsePeer] on an inline JSON document.
func ParsePeerString(s string) (wpeer.Record, error) {
	return ParsePeer(strings.NewReader(s))
}

// LoadPeer reads and parses the peer document at path.
func LoadPeer(path string) (wpeer.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return wpeer.Record{}, fmt.Errorf("failed to open peer file: %w", err)
	}
	defer f.Close()

	return ParsePeer(f)
}

// MarshalPeer encodes rec in the form read by [ParsePeer].
func MarshalPeer(rec wpeer.Record) ([]byte, error) {
	return json.MarshalIndent(peerJSON{
		Addr: rec.Addr.String(),
		Node: overlayNodeJSON{
			ID:        publicKeyJSON{Type: "pub.ed25519", Key: Hash32(rec.Node.PublicKey)},
			Overlay:   rec.Node.Overlay,
			Version:   rec.Node.Version,
			Signature: rec.Node.Signature,
		},
	}, "", "  ")
}
