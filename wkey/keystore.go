package wkey

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// DuplicateTagError is returned from [*KeystoreBuilder.AddTaggedKey]
// when the tag is already bound to a key.
type DuplicateTagError struct {
	Tag int
}

func (e DuplicateTagError) Error() string {
	return fmt.Sprintf("key tag %d is already registered", e.Tag)
}

// UnknownTagError is returned from [*Keystore.KeyByTag]
// when no key has the requested tag.
type UnknownTagError struct {
	Tag int
}

func (e UnknownTagError) Error() string {
	return fmt.Sprintf("no key registered with tag %d", e.Tag)
}

// ErrKeystoreBuilt is returned when adding a key
// to a builder that has already produced its keystore.
var ErrKeystoreBuilt = errors.New("keystore already built")

// KeystoreBuilder collects tagged keys.
// It is not safe for concurrent use.
type KeystoreBuilder struct {
	byTag map[int]*Key
	built bool
}

func NewKeystoreBuilder() *KeystoreBuilder {
	return &KeystoreBuilder{byTag: make(map[int]*Key)}
}

// AddTaggedKey derives a key from seed and binds it to tag.
func (b *KeystoreBuilder) AddTaggedKey(seed [32]byte, tag int) (*Key, error) {
	if b.built {
		return nil, ErrKeystoreBuilt
	}
	if _, ok := b.byTag[tag]; ok {
		return nil, DuplicateTagError{Tag: tag}
	}

	k := NewKey(seed, tag)
	b.byTag[tag] = k
	return k, nil
}

// Build returns the finished keystore.
// The builder rejects further keys afterwards.
func (b *KeystoreBuilder) Build() *Keystore {
	b.built = true

	ks := &Keystore{
		byTag: maps.Clone(b.byTag),
		byID:  make(map[ID]*Key, len(b.byTag)),
	}
	for _, k := range ks.byTag {
		ks.byID[k.id] = k
	}
	return ks
}

// Keystore is a finalized, read-only set of keys.
// It is safe to share between components.
type Keystore struct {
	byTag map[int]*Key
	byID  map[ID]*Key
}

func (ks *Keystore) KeyByTag(tag int) (*Key, error) {
	k, ok := ks.byTag[tag]
	if !ok {
		return nil, UnknownTagError{Tag: tag}
	}
	return k, nil
}

func (ks *Keystore) KeyByID(id ID) (*Key, bool) {
	k, ok := ks.byID[id]
	return k, ok
}

// Keys returns every key, ordered by tag.
func (ks *Keystore) Keys() []*Key {
	tags := slices.Sorted(maps.Keys(ks.byTag))
	out := make([]*Key, len(tags))
	for i, t := range tags {
		out[i] = ks.byTag[t]
	}
	return out
}

func (ks *Keystore) Len() int { return len(ks.byTag) }
