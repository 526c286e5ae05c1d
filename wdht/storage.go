package wdht

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordian-engine/wren/wpeer"
)

// storage is the node's local share of the DHT's values.
type storage struct {
	maxTTL time.Duration

	mu     sync.Mutex
	values map[[32]byte]storedValue
}

type storedValue struct {
	v Value

	// The earlier of the value's own TTL and the local limit.
	expires time.Time
}

func newStorage(maxTTL time.Duration) *storage {
	return &storage{
		maxTTL: maxTTL,
		values: make(map[[32]byte]storedValue),
	}
}

// put stores a verified value, combining it with any stored value
// for the same key according to the key's update rule.
func (s *storage) put(v Value, now time.Time) (Value, error) {
	h := v.Desc.Key.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.values[h]; ok && old.expires.After(now) {
		if old.v.Desc.Rule != v.Desc.Rule {
			return Value{}, InvalidValueError{
				Key:    v.Desc.Key,
				Reason: fmt.Sprintf("update rule %s conflicts with stored %s", v.Desc.Rule, old.v.Desc.Rule),
			}
		}

		switch v.Desc.Rule {
		case UpdateRuleSignature:
			if v.TTL <= old.v.TTL {
				// Not fresher than what we hold.
				return old.v, nil
			}

		case UpdateRuleOverlayNodes:
			// Both lists were verified on the way in.
			oldNodes, _ := wpeer.DecodeOverlayNodes(old.v.Data)
			newNodes, _ := wpeer.DecodeOverlayNodes(v.Data)
			merged := mergeOverlayNodes(oldNodes, newNodes, wpeer.MaxNodesPerList)
			v.Data = wpeer.AppendOverlayNodes(nil, merged)
			v.TTL = max(v.TTL, old.v.TTL)
		}
	}

	expires := v.Expires()
	if limit := now.Add(s.maxTTL); expires.After(limit) {
		expires = limit
	}
	s.values[h] = storedValue{v: v, expires: expires}
	return v, nil
}

func (s *storage) get(h [32]byte, now time.Time) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sv, ok := s.values[h]
	if !ok || !sv.expires.After(now) {
		return Value{}, false
	}
	return sv.v, true
}

// collect removes expired values and returns how many were removed.
func (s *storage) collect(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for h, sv := range s.values {
		if !sv.expires.After(now) {
			delete(s.values, h)
			n++
		}
	}
	return n
}

func (s *storage) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}
