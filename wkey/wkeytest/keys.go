// Package wkeytest contains key fixtures for tests.
package wkeytest

import (
	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wkey"
)

// Key returns a key derived deterministically from name.
func Key(name string) *wkey.Key {
	return wkey.NewKey(wtest.Seed32(name), 0)
}

// Keystore returns a built keystore holding a single key
// derived from name, under the given tag.
func Keystore(name string, tag int) (*wkey.Keystore, *wkey.Key) {
	b := wkey.NewKeystoreBuilder()
	k, err := b.AddTaggedKey(wtest.Seed32(name), tag)
	if err != nil {
		// Cannot happen with a fresh builder.
		panic(err)
	}
	return b.Build(), k
}
