// Package wdht is the membership layer:
// a small distributed hash table over the datagram transport.
//
// Nodes announce themselves with signed [NodeRecord] values,
// keep every verified peer in an XOR-ordered table,
// and store short-lived [Value] entries under hashed [Key] locations.
// Overlay members publish their signed records under [OverlayNodesKey],
// which [*Node.FindOverlayNodes] walks to discover peers.
package wdht

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wkey"
	"golang.org/x/sync/errgroup"
)

// Bound on lookup rounds for a single value,
// so a lookup in a large or hostile network terminates.
const maxLookupRounds = 8

var (
	// ErrValueNotFound is returned by [*Node.FindValue]
	// when no queried peer holds the value.
	ErrValueNotFound = errors.New("value not found")

	// ErrNoPeers is returned when an operation needs at least one usable peer.
	ErrNoPeers = errors.New("no usable DHT peers")

	// ErrNotAdvertising is returned by operations that require
	// the node to announce its own address.
	ErrNotAdvertising = errors.New("node has no advertised address")

	errFound = errors.New("value found")
)

// Node is a member of the DHT.
type Node struct {
	log *slog.Logger

	t   *wdgram.Node
	key *wkey.Key
	cfg NodeConfig
	now func() time.Time

	ctx context.Context
	wg  sync.WaitGroup

	table *peerTable
	store *storage

	// Nil when the node does not advertise an address.
	self *NodeRecord
}

// NewNode returns a DHT node attached to cfg.Transport.
// Background work stops when ctx is cancelled;
// call [*Node.Wait] to block until it has.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid DHT configuration: %w", err)
	}

	n := &Node{
		log: log,

		t:   cfg.Transport,
		key: cfg.Key,
		cfg: cfg,
		now: time.Now,

		ctx: ctx,

		table: newPeerTable(cfg.Key.ID()),
		store: newStorage(cfg.ValueTTL),
	}

	if cfg.AdvertiseAddr.IsValid() {
		version := int32(n.now().Unix())
		rec := SignNodeRecord(cfg.Key, AddressList{
			Addrs:      []netip.AddrPort{cfg.AdvertiseAddr},
			Version:    version,
			ReinitDate: version,
		}, version)
		n.self = &rec
	}

	cfg.Transport.AddQueryHandler(n)

	n.wg.Add(1)
	go n.gcLoop()

	return n, nil
}

// Wait blocks until all background work has stopped.
func (n *Node) Wait() {
	n.wg.Wait()
}

// ID is the short ID of the key the node speaks as.
func (n *Node) ID() wkey.ID { return n.key.ID() }

// LocalRecord returns the node's own signed record,
// if it advertises an address.
func (n *Node) LocalRecord() (NodeRecord, bool) {
	if n.self == nil {
		return NodeRecord{}, false
	}
	return *n.self, true
}

// Peers returns every known peer, in no particular order.
func (n *Node) Peers() []NodeRecord {
	return n.table.all()
}

// AddPeer verifies rec and adds it to the peer table,
// registering its address with the transport.
// Adding a known node with a newer version replaces the stored record.
func (n *Node) AddPeer(rec NodeRecord) (wkey.ID, error) {
	if err := rec.Verify(); err != nil {
		return wkey.ID{}, fmt.Errorf("DHT node %s: %w", rec.ID(), err)
	}
	id := rec.ID()
	if id == n.key.ID() {
		return wkey.ID{}, fmt.Errorf("refusing to add local node %s as a peer", id)
	}
	addr, ok := rec.Addr()
	if !ok {
		return wkey.ID{}, fmt.Errorf("DHT node %s announces no address", id)
	}
	if _, err := n.t.AddPeer(n.key.ID(), rec.PublicKey, addr); err != nil {
		return wkey.ID{}, fmt.Errorf("failed to register DHT node %s with transport: %w", id, err)
	}

	if n.table.add(rec) {
		n.log.Debug("Added DHT peer", "peer_id", id, "addr", addr)
	}
	return id, nil
}

// learn adds every acceptable record from a peer's answer
// and returns how many were previously unknown.
func (n *Node) learn(recs []NodeRecord) int {
	var added int
	for _, rec := range recs {
		if rec.ID() == n.key.ID() {
			continue
		}
		_, known := n.table.get(rec.ID())
		if _, err := n.AddPeer(rec); err != nil {
			n.log.Debug("Ignoring DHT node record", "peer_id", rec.ID(), "err", err)
			continue
		}
		if !known {
			added++
		}
	}
	return added
}

// query sends req to the peer with the given ID.
// The peer's address is re-registered with the transport first,
// since transport addresses expire independently of the table.
func (n *Node) query(ctx context.Context, id wkey.ID, req request) ([]byte, error) {
	rec, ok := n.table.get(id)
	if !ok {
		return nil, fmt.Errorf("DHT peer %s is not in the table", id)
	}
	addr, _ := rec.Addr()
	if _, err := n.t.AddPeer(n.key.ID(), rec.PublicKey, addr); err != nil {
		return nil, err
	}

	req.From = n.self
	answer, err := n.t.Query(ctx, n.key.ID(), id, req.append(nil), n.cfg.QueryTimeout)
	if err != nil {
		// A cancelled lookup is not the peer's fault.
		if ctx.Err() == nil {
			n.table.fail(id)
		}
		return nil, err
	}
	n.table.succeed(id)
	return answer, nil
}

// Ping checks that the peer answers.
func (n *Node) Ping(ctx context.Context, id wkey.ID) error {
	randomID := rand.Int64()
	answer, err := n.query(ctx, id, request{ID: pingID, RandomID: randomID})
	if err != nil {
		return err
	}
	got, err := decodePong(answer)
	if err != nil {
		return err
	}
	if got != randomID {
		return fmt.Errorf("pong from %s echoed %d, expected %d", id, got, randomID)
	}
	return nil
}

func (n *Node) findNodes(ctx context.Context, id wkey.ID, target [32]byte) ([]NodeRecord, error) {
	answer, err := n.query(ctx, id, request{
		ID:  findNodeID,
		Key: target,
		K:   int32(n.cfg.MaxAllowedK),
	})
	if err != nil {
		return nil, err
	}
	return decodeNodes(answer)
}

// FindMorePeers asks the closest known peers for nodes near the local ID
// and returns how many new peers were learned.
// Unresponsive peers are counted against the bad peer threshold
// but do not fail the call.
func (n *Node) FindMorePeers(ctx context.Context) (int, error) {
	target := n.key.ID()
	peers := n.table.closest(target, n.cfg.MaxAllowedK, n.cfg.BadPeerThreshold)
	if len(peers) == 0 {
		return 0, ErrNoPeers
	}

	var (
		mu    sync.Mutex
		found []NodeRecord
	)

	var g errgroup.Group
	g.SetLimit(n.cfg.DefaultValueBatchLen)
	for _, p := range peers {
		g.Go(func() error {
			recs, err := n.findNodes(ctx, p.ID(), target)
			if err != nil {
				n.log.Debug("DHT findNode failed", "peer_id", p.ID(), "err", err)
				return nil
			}
			mu.Lock()
			found = append(found, recs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return 0, context.Cause(ctx)
	}
	return n.learn(found), nil
}

func (n *Node) findValueFrom(ctx context.Context, id wkey.ID, h [32]byte) (valueResult, error) {
	answer, err := n.query(ctx, id, request{
		ID:  findValueID,
		Key: h,
		K:   int32(n.cfg.MaxAllowedK),
	})
	if err != nil {
		return valueResult{}, err
	}
	return decodeValueResult(answer)
}

// FindValue looks up the value stored under key.
//
// Local storage is checked first.
// Otherwise peers are asked in batches of DefaultValueBatchLen,
// nearest to the key first; nodes returned instead of the value
// join the candidate set for later batches.
// If no peer holds a valid value, FindValue returns [ErrValueNotFound].
func (n *Node) FindValue(ctx context.Context, key Key) (Value, error) {
	if err := n.cfg.validateKey(key); err != nil {
		return Value{}, err
	}
	if v, ok := n.store.get(key.Hash(), n.now()); ok {
		return v, nil
	}
	return n.findRemoteValue(ctx, key)
}

// findRemoteValue is the network half of FindValue.
func (n *Node) findRemoteValue(ctx context.Context, key Key) (Value, error) {
	h := key.Hash()

	candidates := n.table.closest(h, 0, n.cfg.BadPeerThreshold)
	if len(candidates) == 0 {
		return Value{}, ErrNoPeers
	}
	visited := make(map[wkey.ID]struct{}, len(candidates))

	for range maxLookupRounds {
		var batch []NodeRecord
		for _, c := range candidates {
			if _, ok := visited[c.ID()]; ok {
				continue
			}
			visited[c.ID()] = struct{}{}
			batch = append(batch, c)
			if len(batch) == n.cfg.DefaultValueBatchLen {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		var (
			mu    sync.Mutex
			found Value
			more  []NodeRecord
		)
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range batch {
			g.Go(func() error {
				res, err := n.findValueFrom(gctx, p.ID(), h)
				if err != nil {
					n.log.Debug("DHT findValue failed", "peer_id", p.ID(), "err", err)
					return nil
				}
				if !res.Found {
					mu.Lock()
					more = append(more, res.Nodes...)
					mu.Unlock()
					return nil
				}
				if res.Value.Desc.Key.Hash() != h {
					n.log.Debug("DHT peer returned value for another key", "peer_id", p.ID())
					n.table.fail(p.ID())
					return nil
				}
				if err := n.cfg.verifyValue(res.Value, n.now()); err != nil {
					n.log.Debug("DHT peer returned invalid value", "peer_id", p.ID(), "err", err)
					n.table.fail(p.ID())
					return nil
				}
				mu.Lock()
				found = res.Value
				mu.Unlock()
				return errFound
			})
		}
		if err := g.Wait(); errors.Is(err, errFound) {
			return found, nil
		}
		if err := ctx.Err(); err != nil {
			return Value{}, context.Cause(ctx)
		}

		n.learn(more)
		candidates = n.table.closest(h, 0, n.cfg.BadPeerThreshold)
	}

	return Value{}, ErrValueNotFound
}

// Publish stores v locally and on up to MaxAllowedK peers nearest to its key.
// It returns the number of peers that accepted the value.
// An error is returned only if v is invalid
// or every peer asked failed to store it.
func (n *Node) Publish(ctx context.Context, v Value) (int, error) {
	now := n.now()
	if err := n.cfg.verifyValue(v, now); err != nil {
		return 0, err
	}
	h := v.Desc.Key.Hash()
	if _, err := n.store.put(v, now); err != nil {
		return 0, err
	}

	peers := n.table.closest(h, n.cfg.MaxAllowedK, n.cfg.BadPeerThreshold)
	if len(peers) == 0 {
		return 0, nil
	}

	var (
		mu     sync.Mutex
		stored int
		errs   error
	)
	var g errgroup.Group
	for _, p := range peers {
		g.Go(func() error {
			answer, err := n.query(ctx, p.ID(), request{ID: storeID, Value: v})
			if err == nil {
				err = decodeStored(answer)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("store on %s: %w", p.ID(), err))
				return nil
			}
			stored++
			return nil
		})
	}
	_ = g.Wait()

	if stored == 0 {
		return 0, errs
	}
	return stored, nil
}

// StoreAddress publishes the node's advertised address list,
// signed by the node's key, under [AddressKey].
func (n *Node) StoreAddress(ctx context.Context) (int, error) {
	if n.self == nil {
		return 0, ErrNotAdvertising
	}
	expires := n.now().Add(n.cfg.ValueTTL)
	v := SignedValue(n.key, AddressKey(n.key.ID()), n.self.AddrList.AppendTL(nil), expires)
	return n.Publish(ctx, v)
}

// FindAddress looks up the address list published by the node with id.
func (n *Node) FindAddress(ctx context.Context, id wkey.ID) (AddressList, error) {
	v, err := n.FindValue(ctx, AddressKey(id))
	if err != nil {
		return AddressList{}, err
	}
	return DecodeAddressList(v.Data)
}

// HandleQuery answers DHT queries addressed to the node's key.
// Other queries are left to later handlers.
func (n *Node) HandleQuery(_ context.Context, from wdgram.Sender, query []byte) ([]byte, bool, error) {
	if from.Local != n.key.ID() || !isRequest(query) {
		return nil, false, nil
	}

	req, err := decodeRequest(query)
	if err != nil {
		return nil, true, err
	}

	if req.From != nil {
		if req.From.ID() != from.RemoteID() {
			return nil, true, fmt.Errorf("query from %s announced record for %s", from.RemoteID(), req.From.ID())
		}
		if _, err := n.AddPeer(*req.From); err != nil {
			n.log.Debug("Ignoring announced DHT record", "peer_id", from.RemoteID(), "err", err)
		}
	}

	switch req.ID {
	case pingID:
		return appendPong(nil, req.RandomID), true, nil

	case findNodeID:
		return appendNodeRecords(nil, n.closestFor(req)), true, nil

	case findValueID:
		if v, ok := n.store.get(req.Key, n.now()); ok {
			return valueResult{Found: true, Value: v}.append(nil), true, nil
		}
		return valueResult{Nodes: n.closestFor(req)}.append(nil), true, nil

	case storeID:
		now := n.now()
		if err := n.cfg.verifyValue(req.Value, now); err != nil {
			return nil, true, err
		}
		if _, err := n.store.put(req.Value, now); err != nil {
			return nil, true, err
		}
		return appendStored(nil), true, nil

	case getSignedAddressListID:
		if n.self == nil {
			return nil, true, ErrNotAdvertising
		}
		return n.self.AppendTL(nil), true, nil
	}

	panic(fmt.Errorf("BUG: unhandled DHT request %s", req.ID))
}

func (n *Node) closestFor(req request) []NodeRecord {
	k := int(req.K)
	if k <= 0 || k > n.cfg.MaxAllowedK {
		k = n.cfg.MaxAllowedK
	}
	return n.table.closest(req.Key, k, n.cfg.BadPeerThreshold)
}

func (n *Node) gcLoop() {
	defer n.wg.Done()

	t := time.NewTicker(n.cfg.StorageGCInterval)
	defer t.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			if removed := n.store.collect(n.now()); removed > 0 {
				n.log.Debug("Removed expired DHT values", "n", removed, "remaining", n.store.len())
			}
		}
	}
}
