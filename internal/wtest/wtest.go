// Package wtest contains helpers shared by tests across the module.
package wtest

import (
	"crypto/sha256"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a logger that writes through t.Log,
// so output is attributed to the test that produced it.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

// RandomDataForTest returns sz bytes of pseudorandom data,
// seeded from the test name so that reruns see identical input.
func RandomDataForTest(t testing.TB, sz int) []byte {
	// The seed must be 32 bytes, which is exactly a sha256 digest.
	seed := sha256.Sum256([]byte(t.Name()))
	chacha := rand.NewChaCha8(seed)

	out := make([]byte, sz)
	if _, err := chacha.Read(out); err != nil {
		panic(err)
	}

	return out
}

// Seed32 returns a deterministic 32-byte seed derived from name.
// Key fixtures use it so the same name always yields the same key.
func Seed32(name string) [32]byte {
	return sha256.Sum256([]byte("wren test seed: " + name))
}
