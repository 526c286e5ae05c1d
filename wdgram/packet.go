package wdgram

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wtl"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Packet layout:
//
//	version     1 byte
//	flags       1 byte
//	recipient  32 bytes, short ID of the local key the packet is for
//	sender     32 bytes, ed25519 public key of the sender
//	timestamp   8 bytes, unix milliseconds
//	seqno       8 bytes, random per packet
//	epoch       8 bytes, channel epoch (zero if unencrypted)
//	body        plaintext message, or 24-byte nonce + sealed message
//	signature  64 bytes, present if flagSigned
const (
	packetVersion = 1

	flagEncrypted = 1 << 0
	flagSigned    = 1 << 1

	headerSize    = 1 + 1 + 32 + 32 + 8 + 8 + 8
	signatureSize = 64
	nonceSize     = chacha20poly1305.NonceSizeX
	sealOverhead  = nonceSize + chacha20poly1305.Overhead

	// Largest datagram the node will read.
	maxPacketSize = 2048
)

type packetHeader struct {
	Flags     byte
	Recipient wkey.ID
	Sender    wkey.PublicKey
	Timestamp int64
	Seqno     uint64
	Epoch     uint64
}

func (h packetHeader) append(dst []byte) []byte {
	dst = append(dst, packetVersion, h.Flags)
	dst = wtl.AppendInt256(dst, h.Recipient)
	dst = wtl.AppendInt256(dst, h.Sender)
	dst = wtl.AppendInt64(dst, h.Timestamp)
	dst = wtl.AppendUint64(dst, h.Seqno)
	return wtl.AppendUint64(dst, h.Epoch)
}

var errShortPacket = errors.New("packet shorter than header")

func parsePacketHeader(b []byte) (packetHeader, error) {
	if len(b) < headerSize {
		return packetHeader{}, errShortPacket
	}
	if b[0] != packetVersion {
		return packetHeader{}, fmt.Errorf("unsupported packet version %d", b[0])
	}

	r := wtl.NewReader(b[2:headerSize])
	h := packetHeader{
		Flags:     b[1],
		Recipient: r.Int256(),
		Sender:    r.Int256(),
		Timestamp: r.Int64(),
		Seqno:     r.Uint64(),
		Epoch:     r.Uint64(),
	}
	return h, r.Finish()
}

// sealPacket builds a complete packet carrying msg.
// aead is nil when the packet is not encrypted.
func sealPacket(h packetHeader, msg []byte, aead cipher.AEAD, signer *wkey.Key) ([]byte, error) {
	out := make([]byte, 0, headerSize+sealOverhead+len(msg)+signatureSize)
	out = h.append(out)

	if h.Flags&flagEncrypted != 0 {
		var nonce [nonceSize]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		out = append(out, nonce[:]...)
		// The header is authenticated but not encrypted.
		out = aead.Seal(out, nonce[:], msg, out[:headerSize])
	} else {
		out = append(out, msg...)
	}

	if h.Flags&flagSigned != 0 {
		out = append(out, signer.Sign(out)...)
	}

	return out, nil
}

// verifyPacketSignature checks the trailing signature
// and returns the packet without it.
func verifyPacketSignature(h packetHeader, b []byte) ([]byte, bool) {
	if len(b) < headerSize+signatureSize {
		return nil, false
	}
	signed, sig := b[:len(b)-signatureSize], b[len(b)-signatureSize:]
	if !h.Sender.Verify(signed, sig) {
		return nil, false
	}
	return signed, true
}

// openBody decrypts the body of an encrypted packet.
// b is the packet without any signature.
func openBody(aead cipher.AEAD, b []byte) ([]byte, error) {
	body := b[headerSize:]
	if len(body) < sealOverhead {
		return nil, errors.New("encrypted body too short")
	}
	nonce, sealed := body[:nonceSize], body[nonceSize:]
	return aead.Open(nil, nonce, sealed, b[:headerSize])
}

// deriveChannel derives the symmetric key shared by local and remote
// for the given epoch.
// Both sides order the two IDs identically, so they derive the same key.
func deriveChannel(local *wkey.Key, remote wkey.PublicKey, epoch uint64) (cipher.AEAD, error) {
	secret, err := local.SharedSecret(remote)
	if err != nil {
		return nil, err
	}

	a, b := local.ID(), remote.ID()
	if string(a[:]) > string(b[:]) {
		a, b = b, a
	}
	info := make([]byte, 0, len("wren channel")+64)
	info = append(info, "wren channel"...)
	info = append(info, a[:]...)
	info = append(info, b[:]...)

	var salt [8]byte
	binary.LittleEndian.PutUint64(salt[:], epoch)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret[:], salt[:], info), key); err != nil {
		return nil, fmt.Errorf("failed to derive channel key: %w", err)
	}

	return chacha20poly1305.NewX(key)
}
