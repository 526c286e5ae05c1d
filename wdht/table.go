package wdht

import (
	"bytes"
	"slices"
	"sync"

	"github.com/gordian-engine/wren/wkey"
)

// peerTable holds the known DHT peers, keyed by short ID.
type peerTable struct {
	local wkey.ID

	mu    sync.RWMutex
	peers map[wkey.ID]*peerEntry
}

type peerEntry struct {
	rec      NodeRecord
	failures int
}

func newPeerTable(local wkey.ID) *peerTable {
	return &peerTable{
		local: local,
		peers: make(map[wkey.ID]*peerEntry),
	}
}

// add inserts rec or replaces an older record for the same node.
// It reports whether the node was previously unknown.
func (t *peerTable) add(rec NodeRecord) bool {
	id := rec.ID()
	if id == t.local {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.peers[id]
	if !ok {
		t.peers[id] = &peerEntry{rec: rec}
		return true
	}
	if rec.Version > e.rec.Version {
		e.rec = rec
	}
	return false
}

func (t *peerTable) get(id wkey.ID) (NodeRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.peers[id]
	if !ok {
		return NodeRecord{}, false
	}
	return e.rec, true
}

// fail counts a failed query to id.
func (t *peerTable) fail(id wkey.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.peers[id]; ok {
		e.failures++
	}
}

// succeed resets id's failure count.
func (t *peerTable) succeed(id wkey.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.peers[id]; ok {
		e.failures = 0
	}
}

func (t *peerTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// closest returns up to k peers nearest to target by XOR distance,
// skipping peers at or above the bad peer threshold.
// A k of zero or less means no limit.
func (t *peerTable) closest(target [32]byte, k, badThreshold int) []NodeRecord {
	t.mu.RLock()
	out := make([]NodeRecord, 0, len(t.peers))
	for _, e := range t.peers {
		if e.failures >= badThreshold {
			continue
		}
		out = append(out, e.rec)
	}
	t.mu.RUnlock()

	sortByDistance(out, target)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func (t *peerTable) all() []NodeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]NodeRecord, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, e.rec)
	}
	return out
}

func xorDistance(a, b [32]byte) (d [32]byte) {
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func sortByDistance(recs []NodeRecord, target [32]byte) {
	slices.SortFunc(recs, func(x, y NodeRecord) int {
		dx, dy := xorDistance(x.ID(), target), xorDistance(y.ID(), target)
		return bytes.Compare(dx[:], dy[:])
	})
}
