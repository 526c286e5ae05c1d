// Package wkey holds node identity material.
//
// A node identity is an ed25519 signing key.
// The node's network-wide [ID] is the SHA-256 of the boxed public key,
// so any peer holding the public key can derive the same ID.
package wkey

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"filippo.io/edwards25519"
	"github.com/gordian-engine/wren/wtl"
	"golang.org/x/crypto/curve25519"
)

// PublicKeyID is the constructor of a boxed ed25519 public key.
var PublicKeyID = wtl.SchemeID("pub.ed25519 key:int256 = PublicKey")

// ID is the short identifier of a node: the hash of its boxed public key.
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// LogValue abbreviates the ID in structured logs.
func (id ID) LogValue() slog.Value {
	return slog.StringValue(hex.EncodeToString(id[:6]))
}

func (id ID) IsZero() bool { return id == ID{} }

// PublicKey is a raw ed25519 public key.
type PublicKey [ed25519.PublicKeySize]byte

// AppendTL appends the boxed public key.
func (p PublicKey) AppendTL(dst []byte) []byte {
	dst = wtl.AppendID(dst, PublicKeyID)
	return wtl.AppendInt256(dst, p)
}

// ID returns the short identifier derived from p.
func (p PublicKey) ID() ID {
	return sha256.Sum256(p.AppendTL(nil))
}

// Verify reports whether sig is a valid signature of msg by p.
func (p PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(p[:]), msg, sig)
}

// ErrInvalidPublicKey is returned when a public key
// is not a valid point on the curve.
var ErrInvalidPublicKey = errors.New("invalid ed25519 public key")

// X25519 converts p to its Montgomery form,
// for use in Diffie-Hellman with the matching private key.
func (p PublicKey) X25519() ([32]byte, error) {
	pt, err := new(edwards25519.Point).SetBytes(p[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}

	var out [32]byte
	copy(out[:], pt.BytesMontgomery())
	return out, nil
}

// Key is one tagged signing key.
// Keys are immutable and safe for concurrent use.
type Key struct {
	tag int

	priv ed25519.PrivateKey
	pub  PublicKey
	id   ID

	x25519Priv [32]byte
}

// NewKey derives a key from a 32-byte seed.
func NewKey(seed [32]byte, tag int) *Key {
	priv := ed25519.NewKeyFromSeed(seed[:])

	k := &Key{
		tag:  tag,
		priv: priv,
	}
	copy(k.pub[:], priv.Public().(ed25519.PublicKey))
	k.id = k.pub.ID()

	// The x25519 scalar of an ed25519 key is the clamped
	// lower half of the SHA-512 of the seed.
	h := sha512.Sum512(seed[:])
	copy(k.x25519Priv[:], h[:32])
	k.x25519Priv[0] &= 248
	k.x25519Priv[31] &= 127
	k.x25519Priv[31] |= 64

	return k
}

func (k *Key) Tag() int { return k.tag }

func (k *Key) PublicKey() PublicKey { return k.pub }

func (k *Key) ID() ID { return k.id }

// Sign signs msg with the key.
func (k *Key) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// SharedSecret returns the x25519 shared secret between k and remote.
// Both sides of a pair compute the same value.
func (k *Key) SharedSecret(remote PublicKey) ([32]byte, error) {
	rx, err := remote.X25519()
	if err != nil {
		return [32]byte{}, err
	}

	s, err := curve25519.X25519(k.x25519Priv[:], rx[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var out [32]byte
	copy(out[:], s)
	return out, nil
}
