package woverlay

import (
	"crypto/sha256"
	"fmt"

	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/gordian-engine/wren/wtl"
)

var (
	queryPrefixID   = wtl.SchemeID("overlay.query overlay:int256 = True")
	messagePrefixID = wtl.SchemeID("overlay.message overlay:int256 = overlay.Message")

	getRandomPeersID = wtl.SchemeID("overlay.getRandomPeers peers:overlay.nodes = overlay.Nodes")

	broadcastWireID   = wtl.SchemeID("overlay.broadcast src:PublicKey flags:int data:bytes date:int signature:bytes = overlay.Broadcast")
	broadcastIDSchema = wtl.SchemeID("overlay.broadcast.id src:int256 data_hash:int256 flags:int = overlay.broadcast.Id")
	broadcastToSignID = wtl.SchemeID("overlay.broadcast.toSign hash:int256 date:int = overlay.broadcast.ToSign")
)

// Broadcast flag bits.
const flagCompressed int32 = 1

// appendPrefix appends the 36-byte overlay prefix with the given constructor.
func appendPrefix(dst []byte, prefix wtl.ID, id ID) []byte {
	dst = wtl.AppendID(dst, prefix)
	return wtl.AppendInt256(dst, id)
}

// splitPrefix reports the overlay named by b's prefix
// and the remaining payload.
func splitPrefix(b []byte, prefix wtl.ID) (ID, []byte, bool) {
	if got, ok := wtl.PeekID(b); !ok || got != prefix || len(b) < 4+32 {
		return ID{}, nil, false
	}
	return ID(b[4:36]), b[36:], true
}

func appendGetRandomPeers(dst []byte, known []wpeer.OverlayNode) []byte {
	dst = wtl.AppendID(dst, getRandomPeersID)
	return wpeer.AppendOverlayNodes(dst, known)
}

func decodeGetRandomPeers(b []byte) ([]wpeer.OverlayNode, error) {
	r := wtl.NewReader(b)
	r.Expect(getRandomPeersID)
	nodes := wpeer.ReadOverlayNodes(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("failed to decode getRandomPeers: %w", err)
	}
	return nodes, nil
}

// broadcast is an ordinary overlay broadcast as it travels on the wire.
type broadcast struct {
	Src   wkey.PublicKey
	Flags int32
	Data  []byte
	Date  int32

	Signature []byte
}

// id is the deduplication key of the broadcast.
// It does not cover the date, so a re-dated copy is still a duplicate.
func (b broadcast) id() [32]byte {
	dataHash := sha256.Sum256(b.Data)
	buf := wtl.AppendID(nil, broadcastIDSchema)
	buf = wtl.AppendInt256(buf, b.Src.ID())
	buf = wtl.AppendInt256(buf, dataHash)
	buf = wtl.AppendInt32(buf, b.Flags)
	return sha256.Sum256(buf)
}

func (b broadcast) signContent() []byte {
	buf := wtl.AppendID(nil, broadcastToSignID)
	buf = wtl.AppendInt256(buf, b.id())
	return wtl.AppendInt32(buf, b.Date)
}

func (b *broadcast) sign(k *wkey.Key) {
	b.Src = k.PublicKey()
	b.Signature = k.Sign(b.signContent())
}

func (b broadcast) verify() error {
	if !b.Src.Verify(b.signContent(), b.Signature) {
		return wpeer.ErrBadSignature
	}
	return nil
}

func (b broadcast) append(dst []byte) []byte {
	dst = wtl.AppendID(dst, broadcastWireID)
	dst = b.Src.AppendTL(dst)
	dst = wtl.AppendInt32(dst, b.Flags)
	dst = wtl.AppendBytes(dst, b.Data)
	dst = wtl.AppendInt32(dst, b.Date)
	return wtl.AppendBytes(dst, b.Signature)
}

func decodeBroadcast(b []byte) (broadcast, error) {
	r := wtl.NewReader(b)
	var out broadcast
	r.Expect(broadcastWireID)
	r.Expect(wkey.PublicKeyID)
	out.Src = r.Int256()
	out.Flags = r.Int32()
	out.Data = append([]byte(nil), r.Bytes()...)
	out.Date = r.Int32()
	out.Signature = append([]byte(nil), r.Bytes()...)
	if err := r.Finish(); err != nil {
		return broadcast{}, fmt.Errorf("failed to decode broadcast: %w", err)
	}
	return out, nil
}
