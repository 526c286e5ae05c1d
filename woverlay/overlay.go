package woverlay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/gordian-engine/wren/internal/wpubsub"
	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/gordian-engine/wren/wrq"
	"github.com/gordian-engine/wren/wtl"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Most records returned in answer to getRandomPeers.
const maxRandomPeers = 20

// Peer is an overlay member in the local table.
type Peer struct {
	Node wpeer.OverlayNode
	Addr netip.AddrPort

	// When this record entered the table.
	Added time.Time
}

// Broadcast is a verified ordinary broadcast received from the overlay.
type Broadcast struct {
	Source wkey.PublicKey
	Data   []byte
	Date   time.Time
}

type inboundBroadcast struct {
	from wkey.ID
	b    broadcast
}

// Overlay is the local state of one joined overlay.
//
// The peer table has a single writer at a time;
// readers load an immutable snapshot without locking.
type Overlay struct {
	log *slog.Logger

	id    ID
	opts  Options
	mgr   *Manager
	local wpeer.OverlayNode

	wmu   sync.Mutex
	peers atomic.Pointer[map[wkey.ID]Peer]

	hmu      sync.RWMutex
	handlers []wdgram.QueryHandler

	// Recent broadcast IDs and when they were first seen.
	blog *lru.Cache[[32]byte, time.Time]

	inbound chan inboundBroadcast

	// Next unpublished node of the delivery stream.
	// Only the broadcast worker publishes.
	tail atomic.Pointer[wpubsub.Stream[Broadcast]]
}

func newOverlay(log *slog.Logger, mgr *Manager, id ID, opts Options) (*Overlay, error) {
	blog, err := lru.New[[32]byte, time.Time](opts.BroadcastLogSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast log: %w", err)
	}

	o := &Overlay{
		log: log,

		id:    id,
		opts:  opts,
		mgr:   mgr,
		local: wpeer.SignOverlayNode(mgr.key, [32]byte(id), int32(mgr.now().Unix())),

		blog:    blog,
		inbound: make(chan inboundBroadcast, 64),
	}

	empty := make(map[wkey.ID]Peer)
	o.peers.Store(&empty)
	o.tail.Store(wpubsub.NewStream[Broadcast]())

	return o, nil
}

// ID returns the overlay's short ID.
func (o *Overlay) ID() ID { return o.id }

// Options returns the options the overlay was joined with.
func (o *Overlay) Options() Options { return o.opts }

// LocalNode returns the local node's signed membership record.
func (o *Overlay) LocalNode() wpeer.OverlayNode { return o.local }

// Peers returns a snapshot of the peer table.
func (o *Overlay) Peers() []Peer {
	snap := *o.peers.Load()
	out := make([]Peer, 0, len(snap))
	for _, p := range snap {
		out = append(out, p)
	}
	return out
}

// Peer returns the table entry for id.
func (o *Overlay) Peer(id wkey.ID) (Peer, bool) {
	p, ok := (*o.peers.Load())[id]
	return p, ok
}

// AddPeer validates node and inserts it into the peer table,
// registering addr for it with t.
// It returns the peer's ID, which later queries use.
//
// A record for a known node replaces the stored one,
// address included, only if its version is higher;
// otherwise the stored record is kept and its ID is returned.
// When the table is full, the longest-held peer older than
// the peers timeout is evicted to make room.
//
// A record with a bad signature, for another overlay, for the local node,
// or arriving at a full table with nothing evictable
// is rejected with a [PeerRejectedError].
func (o *Overlay) AddPeer(t *wdgram.Node, addr netip.AddrPort, node wpeer.OverlayNode) (wkey.ID, error) {
	id := node.NodeID()
	reject := func(err error) (wkey.ID, error) {
		o.log.Debug("Rejected overlay peer", "peer_id", id, "err", err)
		return wkey.ID{}, PeerRejectedError{Peer: id, Err: err}
	}

	if err := node.VerifySignature(); err != nil {
		return reject(err)
	}
	if node.Overlay != o.id {
		return reject(ErrWrongOverlay)
	}
	if id == o.mgr.key.ID() {
		return reject(ErrSelf)
	}
	if !addr.IsValid() {
		return reject(fmt.Errorf("invalid address %s", addr))
	}

	o.wmu.Lock()
	defer o.wmu.Unlock()

	cur := *o.peers.Load()
	now := o.mgr.now()

	var evict wkey.ID
	var haveEvict bool
	if old, ok := cur[id]; ok {
		if node.Version <= old.Node.Version {
			return id, nil
		}
	} else if len(cur) >= o.opts.MaxNeighbours {
		evict, haveEvict = o.evictionCandidate(cur, now)
		if !haveEvict {
			return reject(ErrTableFull)
		}
	}

	if _, err := t.AddPeer(o.mgr.key.ID(), node.PublicKey, addr); err != nil {
		return wkey.ID{}, fmt.Errorf("failed to register overlay peer %s with transport: %w", id, err)
	}

	next := maps.Clone(cur)
	if haveEvict {
		delete(next, evict)
		o.log.Debug("Evicted overlay peer", "peer_id", evict)
	}
	next[id] = Peer{Node: node, Addr: addr, Added: now}
	o.peers.Store(&next)

	o.mgr.m.SetOverlayPeers(o.id.String(), len(next))
	return id, nil
}

// evictionCandidate returns the longest-held peer
// that has been in the table for longer than the peers timeout.
func (o *Overlay) evictionCandidate(peers map[wkey.ID]Peer, now time.Time) (wkey.ID, bool) {
	cutoff := now.Add(-o.opts.PeersTimeout)

	var (
		oldest   wkey.ID
		oldestAt time.Time
		found    bool
	)
	for id, p := range peers {
		if !p.Added.Before(cutoff) {
			continue
		}
		if !found || p.Added.Before(oldestAt) {
			oldest, oldestAt, found = id, p.Added, true
		}
	}
	return oldest, found
}

// resolve re-registers peer's address from the current table entry with t,
// so every query uses the newest accepted address.
func (o *Overlay) resolve(t *wdgram.Node, peer wkey.ID) error {
	p, ok := o.Peer(peer)
	if !ok {
		return UnknownPeerError{Overlay: o.id, Peer: peer}
	}
	_, err := t.AddPeer(o.mgr.key.ID(), p.Node.PublicKey, p.Addr)
	return err
}

func (o *Overlay) prefixQuery(payload []byte) []byte {
	q := make([]byte, 0, 36+len(payload))
	q = appendPrefix(q, queryPrefixID, o.id)
	return append(q, payload...)
}

// QueryViaTransport sends payload to peer as an overlay query
// over the datagram transport and returns the answer.
//
// It fails with [UnknownPeerError] if peer was never added
// and with [wdgram.QueryTimeoutError] if no answer arrives within timeout.
func (o *Overlay) QueryViaTransport(
	ctx context.Context,
	t *wdgram.Node,
	peer wkey.ID,
	payload []byte,
	timeout time.Duration,
) ([]byte, error) {
	if err := o.resolve(t, peer); err != nil {
		return nil, err
	}
	return t.Query(ctx, o.mgr.key.ID(), peer, o.prefixQuery(payload), timeout)
}

// QueryViaReliable sends payload to peer as an overlay query
// over the reliable query layer and returns the answer.
//
// It fails with [UnknownPeerError] if peer was never added
// and with [wrq.QueryTimeoutError] if no answer arrives within timeout.
func (o *Overlay) QueryViaReliable(
	ctx context.Context,
	rq *wrq.Node,
	peer wkey.ID,
	payload []byte,
	timeout time.Duration,
) ([]byte, error) {
	if err := o.resolve(rq.Transport(), peer); err != nil {
		return nil, err
	}
	return rq.Query(ctx, o.mgr.key.ID(), peer, o.prefixQuery(payload), timeout)
}

// GetRandomPeers asks peer for a sample of the overlay members it knows,
// offering a sample of ours in exchange.
// Only verified records for this overlay are returned;
// they carry no addresses, which callers resolve separately.
func (o *Overlay) GetRandomPeers(
	ctx context.Context,
	t *wdgram.Node,
	peer wkey.ID,
	timeout time.Duration,
) ([]wpeer.OverlayNode, error) {
	q := appendGetRandomPeers(nil, o.randomNodes(maxRandomPeers, peer))
	answer, err := o.QueryViaTransport(ctx, t, peer, q, timeout)
	if err != nil {
		return nil, err
	}
	nodes, err := wpeer.DecodeOverlayNodes(answer)
	if err != nil {
		return nil, err
	}
	return o.filterNodes(nodes), nil
}

func (o *Overlay) filterNodes(nodes []wpeer.OverlayNode) []wpeer.OverlayNode {
	out := nodes[:0]
	for _, n := range nodes {
		if n.Overlay != o.id || n.NodeID() == o.mgr.key.ID() {
			continue
		}
		if err := n.VerifySignature(); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// randomNodes returns the local record and up to limit-1
// random peer records, excluding the given peer.
func (o *Overlay) randomNodes(limit int, exclude wkey.ID) []wpeer.OverlayNode {
	out := []wpeer.OverlayNode{o.local}
	for _, p := range o.randomPeers(limit-1, exclude) {
		out = append(out, p.Node)
	}
	return out
}

// randomPeers returns up to n random peers, skipping the excluded IDs.
func (o *Overlay) randomPeers(n int, exclude ...wkey.ID) []Peer {
	peers := o.Peers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	out := make([]Peer, 0, min(n, len(peers)))
	for _, p := range peers {
		if len(out) == n {
			break
		}
		skip := false
		for _, x := range exclude {
			if p.Node.NodeID() == x {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, p)
		}
	}
	return out
}

// AddQueryHandler appends h to the chain consulted
// for overlay queries arriving on either transport.
// Handlers see the payload with the overlay prefix removed.
func (o *Overlay) AddQueryHandler(h wdgram.QueryHandler) {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	o.handlers = append(o.handlers, h)
}

func (o *Overlay) handleQuery(ctx context.Context, from wdgram.Sender, payload []byte) ([]byte, error) {
	if id, ok := wtl.PeekID(payload); ok && id == getRandomPeersID {
		offered, err := decodeGetRandomPeers(payload)
		if err != nil {
			return nil, err
		}
		o.log.Debug(
			"Answering getRandomPeers",
			"peer_id", from.RemoteID(), "offered", len(o.filterNodes(offered)),
		)
		return wpeer.AppendOverlayNodes(nil, o.randomNodes(maxRandomPeers, from.RemoteID())), nil
	}

	o.hmu.RLock()
	handlers := o.handlers
	o.hmu.RUnlock()

	for _, h := range handlers {
		answer, handled, err := h.HandleQuery(ctx, from, payload)
		if handled {
			return answer, err
		}
	}
	return nil, fmt.Errorf("no handler for overlay query from %s", from.RemoteID())
}

// Broadcast signs data and sends it to up to BroadcastTargetCount random peers.
// It returns the number of peers the broadcast was sent to.
// An error is returned if data is too large
// or if sending failed for every chosen peer.
func (o *Overlay) Broadcast(data []byte) (int, error) {
	if len(data) > o.opts.MaxBroadcastSize {
		return 0, ErrBroadcastTooLarge
	}

	now := o.mgr.now()
	b := broadcast{Data: data, Date: int32(now.Unix())}
	if o.opts.ForceCompression {
		b.Data = snappy.Encode(nil, data)
		b.Flags |= flagCompressed
	}
	b.sign(o.mgr.key)

	msg := appendPrefix(nil, messagePrefixID, o.id)
	msg = b.append(msg)
	if len(msg) > wdgram.MaxMessageSize {
		return 0, ErrBroadcastTooLarge
	}

	o.blog.Add(b.id(), now)
	return o.sendToRandomPeers(msg, o.opts.BroadcastTargetCount)
}

func (o *Overlay) sendToRandomPeers(msg []byte, n int, exclude ...wkey.ID) (int, error) {
	targets := o.randomPeers(n, exclude...)

	var (
		sent int
		errs error
	)
	t := o.mgr.t
	for _, p := range targets {
		id := p.Node.NodeID()
		if err := o.resolve(t, id); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if err := t.SendCustom(o.mgr.key.ID(), id, msg); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 && errs != nil {
		return 0, errs
	}
	return sent, nil
}

// Broadcasts returns the sequence of broadcasts received
// from the time of the call until ctx is cancelled.
// Locally originated broadcasts are not included.
func (o *Overlay) Broadcasts(ctx context.Context) iter.Seq[Broadcast] {
	return o.tail.Load().Values(ctx)
}

// enqueueBroadcast hands an inbound broadcast to the worker.
// It runs on the transport read loop, so a full queue drops the broadcast.
func (o *Overlay) enqueueBroadcast(from wkey.ID, b broadcast) {
	select {
	case o.inbound <- inboundBroadcast{from: from, b: b}:
	default:
		o.log.Debug("Dropping broadcast, queue full", "peer_id", from)
	}
}

func (o *Overlay) processBroadcast(in inboundBroadcast) {
	b := in.b
	now := o.mgr.now()

	date := time.Unix(int64(b.Date), 0)
	if d := now.Sub(date); d > o.opts.BroadcastTimeout || -d > o.opts.BroadcastTimeout {
		o.log.Debug("Dropping broadcast outside time window", "peer_id", in.from, "date", date)
		return
	}
	if err := b.verify(); err != nil {
		o.log.Debug("Dropping broadcast with bad signature", "peer_id", in.from)
		return
	}
	if seen, _ := o.blog.ContainsOrAdd(b.id(), now); seen {
		return
	}

	data := b.Data
	if b.Flags&flagCompressed != 0 {
		n, err := snappy.DecodedLen(data)
		if err != nil || n > o.opts.MaxBroadcastSize {
			o.log.Debug("Dropping broadcast with bad compressed payload", "peer_id", in.from, "err", err)
			return
		}
		if data, err = snappy.Decode(nil, data); err != nil {
			o.log.Debug("Dropping broadcast with bad compressed payload", "peer_id", in.from, "err", err)
			return
		}
	}
	if len(data) > o.opts.MaxBroadcastSize {
		o.log.Debug("Dropping oversized broadcast", "peer_id", in.from, "size", len(data))
		return
	}

	tail := o.tail.Load()
	tail.Publish(Broadcast{Source: b.Src, Data: data, Date: date})
	o.tail.Store(tail.Next)

	if o.opts.SecondaryBroadcastTargetCount > 0 {
		msg := appendPrefix(nil, messagePrefixID, o.id)
		msg = b.append(msg)
		if _, err := o.sendToRandomPeers(msg, o.opts.SecondaryBroadcastTargetCount, in.from, b.Src.ID()); err != nil {
			o.log.Debug("Failed to forward broadcast", "err", err)
		}
	}
}

func (o *Overlay) broadcastWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-o.inbound:
			o.processBroadcast(in)
		}
	}
}

// collectGarbage forgets broadcasts older than the broadcast timeout.
func (o *Overlay) collectGarbage(now time.Time) {
	cutoff := now.Add(-o.opts.BroadcastTimeout)
	for _, k := range o.blog.Keys() {
		if seen, ok := o.blog.Peek(k); ok && seen.Before(cutoff) {
			o.blog.Remove(k)
		}
	}
}

func (o *Overlay) gcLoop(ctx context.Context) {
	t := time.NewTicker(o.opts.GCInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.collectGarbage(o.mgr.now())
		}
	}
}
