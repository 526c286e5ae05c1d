// Package wpeer contains the signed peer records exchanged within overlays.
package wpeer

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wtl"
)

var (
	OverlayNodeID       = wtl.SchemeID("overlay.node id:PublicKey overlay:int256 version:int signature:bytes = overlay.Node")
	OverlayNodeToSignID = wtl.SchemeID("overlay.node.toSign id:adnl.id.short overlay:int256 version:int = overlay.node.ToSign")
	OverlayNodesID      = wtl.SchemeID("overlay.nodes nodes:vector overlay.node = overlay.Nodes")
)

// MaxNodesPerList bounds the number of records decoded from one node list.
const MaxNodesPerList = 128

// OverlayNode is a node's signed claim of membership in an overlay.
//
// The signature is proof that the holder of PublicKey
// announced membership in Overlay at Version.
// Version is conventionally a unix timestamp,
// so a larger version is a fresher record.
type OverlayNode struct {
	PublicKey wkey.PublicKey
	Overlay   [32]byte
	Version   int32
	Signature []byte
}

// NodeID is the short ID of the announcing node.
func (n OverlayNode) NodeID() wkey.ID {
	return n.PublicKey.ID()
}

// AppendSignContent appends the bytes covered by the signature.
func (n OverlayNode) AppendSignContent(dst []byte) []byte {
	id := n.NodeID()
	dst = wtl.AppendID(dst, OverlayNodeToSignID)
	dst = wtl.AppendInt256(dst, id)
	dst = wtl.AppendInt256(dst, n.Overlay)
	return wtl.AppendInt32(dst, n.Version)
}

// ErrBadSignature is returned when a record's signature
// does not verify against its embedded public key.
var ErrBadSignature = errors.New("signature verification failed")

// VerifySignature checks the signature against the embedded public key.
func (n OverlayNode) VerifySignature() error {
	if !n.PublicKey.Verify(n.AppendSignContent(nil), n.Signature) {
		return ErrBadSignature
	}
	return nil
}

// SignOverlayNode creates a record for k in the given overlay.
func SignOverlayNode(k *wkey.Key, overlay [32]byte, version int32) OverlayNode {
	n := OverlayNode{
		PublicKey: k.PublicKey(),
		Overlay:   overlay,
		Version:   version,
	}
	n.Signature = k.Sign(n.AppendSignContent(nil))
	return n
}

// AppendTL appends the boxed record.
func (n OverlayNode) AppendTL(dst []byte) []byte {
	dst = wtl.AppendID(dst, OverlayNodeID)
	return n.appendBare(dst)
}

func (n OverlayNode) appendBare(dst []byte) []byte {
	dst = n.PublicKey.AppendTL(dst)
	dst = wtl.AppendInt256(dst, n.Overlay)
	dst = wtl.AppendInt32(dst, n.Version)
	return wtl.AppendBytes(dst, n.Signature)
}

// ReadOverlayNode reads a boxed record from r.
// The signature slice is copied out of the reader's buffer.
func ReadOverlayNode(r *wtl.Reader) OverlayNode {
	r.Expect(OverlayNodeID)
	return readBareOverlayNode(r)
}

func readBareOverlayNode(r *wtl.Reader) OverlayNode {
	var n OverlayNode
	r.Expect(wkey.PublicKeyID)
	n.PublicKey = r.Int256()
	n.Overlay = r.Int256()
	n.Version = r.Int32()
	n.Signature = append([]byte(nil), r.Bytes()...)
	return n
}

// AppendOverlayNodes appends a boxed list of records.
func AppendOverlayNodes(dst []byte, nodes []OverlayNode) []byte {
	dst = wtl.AppendID(dst, OverlayNodesID)
	dst = wtl.AppendUint32(dst, uint32(len(nodes)))
	for _, n := range nodes {
		dst = n.AppendTL(dst)
	}
	return dst
}

// ReadOverlayNodes reads a boxed list of records.
func ReadOverlayNodes(r *wtl.Reader) []OverlayNode {
	r.Expect(OverlayNodesID)
	cnt := r.VectorLen(MaxNodesPerList)
	if r.Err() != nil {
		return nil
	}
	out := make([]OverlayNode, 0, cnt)
	for range cnt {
		n := ReadOverlayNode(r)
		if r.Err() != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}

// DecodeOverlayNodes decodes a complete boxed record list.
func DecodeOverlayNodes(b []byte) ([]OverlayNode, error) {
	r := wtl.NewReader(b)
	nodes := ReadOverlayNodes(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("failed to decode overlay nodes: %w", err)
	}
	return nodes, nil
}

// Record pairs an overlay membership record
// with the physical address the node is reachable at.
type Record struct {
	Addr netip.AddrPort
	Node OverlayNode
}

func (r Record) NodeID() wkey.ID { return r.Node.NodeID() }
