package wdgram

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/wren/wkey"
)

// Largest encoded message sent in one packet.
// With header, seal overhead and signature
// the packet stays below a typical 1500-byte MTU.
const maxWholeMessage = 1280

// splitMessage splits an encoded message into part messages.
func splitMessage(encoded []byte) []message {
	hash := sha256.Sum256(encoded)
	parts := make([]message, 0, (len(encoded)+maxPartSize-1)/maxPartSize)
	for off := 0; off < len(encoded); off += maxPartSize {
		end := min(off+maxPartSize, len(encoded))
		parts = append(parts, message{
			ID:        partMessageID,
			Hash:      hash,
			TotalSize: int32(len(encoded)),
			Offset:    int32(off),
			Data:      encoded[off:end],
		})
	}
	return parts
}

type transferKey struct {
	Remote wkey.ID
	Hash   [32]byte
}

// incomingTransfer accumulates the parts of one large message.
type incomingTransfer struct {
	buf      []byte
	have     *bitset.BitSet
	received int
	started  time.Time
}

func newIncomingTransfer(total int32, now time.Time) (*incomingTransfer, error) {
	if total <= maxPartSize || total > MaxMessageSize {
		return nil, fmt.Errorf("invalid transfer size %d", total)
	}
	nParts := (int(total) + maxPartSize - 1) / maxPartSize
	return &incomingTransfer{
		buf:     make([]byte, total),
		have:    bitset.New(uint(nParts)),
		started: now,
	}, nil
}

var errPartMismatch = errors.New("part does not match transfer")

// add records one part and reports whether the transfer is complete.
func (t *incomingTransfer) add(m message) (bool, error) {
	if int(m.TotalSize) != len(t.buf) {
		return false, errPartMismatch
	}
	off := int(m.Offset)
	if off < 0 || off%maxPartSize != 0 || off >= len(t.buf) {
		return false, fmt.Errorf("invalid part offset %d", off)
	}
	if want := min(maxPartSize, len(t.buf)-off); len(m.Data) != want {
		return false, fmt.Errorf("part at %d has %d bytes, want %d", off, len(m.Data), want)
	}

	idx := uint(off / maxPartSize)
	if t.have.Test(idx) {
		return false, nil
	}
	t.have.Set(idx)
	copy(t.buf[off:], m.Data)
	t.received += len(m.Data)

	return t.received == len(t.buf), nil
}
