// Package wdgram is the authenticated datagram transport.
//
// A [Node] owns the read loop of one UDP socket.
// Packets are addressed to a local key by its short ID,
// carry the sender's public key,
// and are authenticated by a signature, an AEAD seal, or both.
// On top of the packets the node offers one-way custom messages
// and request/response queries with per-call timeouts.
package wdgram

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wmetrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Sender identifies the origin of an inbound message.
type Sender struct {
	// The local key the message was addressed to.
	Local wkey.ID

	Remote wkey.PublicKey
	Addr   netip.AddrPort
}

func (s Sender) RemoteID() wkey.ID { return s.Remote.ID() }

// QueryHandler answers inbound queries.
//
// Handlers are consulted in registration order.
// A handler that does not recognize the query returns handled=false
// so the next handler is tried.
// A handler returning an error sends no answer.
type QueryHandler interface {
	HandleQuery(ctx context.Context, from Sender, query []byte) (answer []byte, handled bool, err error)
}

// CustomHandler receives inbound one-way messages.
//
// HandleCustom runs on the read loop, so it must not block.
type CustomHandler interface {
	HandleCustom(ctx context.Context, from Sender, data []byte) (handled bool)
}

// Node is the datagram transport bound to one socket.
type Node struct {
	log *slog.Logger

	conn PacketConn
	ks   *wkey.Keystore
	cfg  NodeConfig
	now  func() time.Time
	m    *wmetrics.Metrics

	ctx context.Context
	wg  sync.WaitGroup

	// Replay history, nil if disabled.
	history *lru.Cache[historyKey, struct{}]

	mu        sync.Mutex
	peers     map[pairKey]*peerState
	transfers map[transferKey]*incomingTransfer

	qmu     sync.Mutex
	pending map[[32]byte]pendingQuery

	hmu            sync.RWMutex
	queryHandlers  []QueryHandler
	customHandlers []CustomHandler
}

type pairKey struct {
	Local, Remote wkey.ID
}

type historyKey struct {
	Sender wkey.ID
	Seqno  uint64
}

type pendingQuery struct {
	remote wkey.ID
	ch     chan []byte
}

// peerState is what the node knows about one remote
// from the perspective of one local key.
type peerState struct {
	local *wkey.Key
	pub   wkey.PublicKey

	mu       sync.Mutex
	addr     netip.AddrPort
	addrSeen time.Time
	channels map[uint64]cipher.AEAD
}

// NewNode starts a node reading from cfg.Conn.
// Background work stops when ctx is cancelled;
// call [*Node.Wait] to block until it has.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid transport configuration: %w", err)
	}

	n := &Node{
		log: log,

		conn: cfg.Conn,
		ks:   cfg.Keystore,
		cfg:  cfg,
		now:  cfg.Clock,
		m:    cfg.Metrics,

		ctx: ctx,

		peers:     make(map[pairKey]*peerState),
		transfers: make(map[transferKey]*incomingTransfer),
		pending:   make(map[[32]byte]pendingQuery),
	}
	if n.now == nil {
		n.now = time.Now
	}

	if cfg.PacketHistoryEnabled {
		h, err := lru.New[historyKey, struct{}](cfg.PacketHistorySize)
		if err != nil {
			return nil, fmt.Errorf("failed to create packet history: %w", err)
		}
		n.history = h
	}

	n.wg.Add(3)
	go n.readLoop()
	go n.gcLoop()
	go n.unblockOnCancel()

	return n, nil
}

// Wait blocks until the node's background goroutines have stopped.
func (n *Node) Wait() {
	n.wg.Wait()
}

// LocalAddr returns the address of the underlying socket.
func (n *Node) LocalAddr() netip.AddrPort {
	if ua, ok := n.conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(n.conn.LocalAddr().String())
	return ap
}

func (n *Node) Keystore() *wkey.Keystore { return n.ks }

// AddQueryHandler appends h to the query handler chain.
func (n *Node) AddQueryHandler(h QueryHandler) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.queryHandlers = append(n.queryHandlers, h)
}

// AddCustomHandler appends h to the custom message handler chain.
func (n *Node) AddCustomHandler(h CustomHandler) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.customHandlers = append(n.customHandlers, h)
}

// AddPeer records remote's address for the given local key
// and returns remote's short ID.
// Adding a known peer refreshes its address.
func (n *Node) AddPeer(local wkey.ID, remote wkey.PublicKey, addr netip.AddrPort) (wkey.ID, error) {
	lk, ok := n.ks.KeyByID(local)
	if !ok {
		return wkey.ID{}, UnknownLocalKeyError{ID: local}
	}
	if !addr.IsValid() {
		return wkey.ID{}, fmt.Errorf("invalid address for peer %s", remote.ID())
	}

	p := n.peerFor(lk, remote)
	p.mu.Lock()
	p.addr = addr
	p.addrSeen = n.now()
	p.mu.Unlock()

	return remote.ID(), nil
}

// PeerAddr returns the last known address of remote.
func (n *Node) PeerAddr(local, remote wkey.ID) (netip.AddrPort, bool) {
	n.mu.Lock()
	p, ok := n.peers[pairKey{Local: local, Remote: remote}]
	n.mu.Unlock()
	if !ok {
		return netip.AddrPort{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr, true
}

func (n *Node) peerFor(local *wkey.Key, remote wkey.PublicKey) *peerState {
	k := pairKey{Local: local.ID(), Remote: remote.ID()}

	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.peers[k]
	if !ok {
		p = &peerState{
			local:    local,
			pub:      remote,
			channels: make(map[uint64]cipher.AEAD, 2),
		}
		n.peers[k] = p
	}
	return p
}

func (n *Node) lookupPeer(local, remote wkey.ID) (*peerState, error) {
	n.mu.Lock()
	p, ok := n.peers[pairKey{Local: local, Remote: remote}]
	n.mu.Unlock()
	if !ok {
		return nil, UnknownPeerError{Local: local, Remote: remote}
	}
	return p, nil
}

// SendCustom sends a one-way message to remote.
func (n *Node) SendCustom(local, remote wkey.ID, data []byte) error {
	p, err := n.lookupPeer(local, remote)
	if err != nil {
		return err
	}
	return n.sendMessage(p, message{ID: customMessageID, Data: data})
}

// Query sends query to remote and waits for the answer.
//
// A zero timeout means the configured default;
// a timeout below the configured minimum is raised to it.
// If no answer arrives in time, Query returns a [QueryTimeoutError].
func (n *Node) Query(
	ctx context.Context,
	local, remote wkey.ID,
	query []byte,
	timeout time.Duration,
) ([]byte, error) {
	p, err := n.lookupPeer(local, remote)
	if err != nil {
		return nil, err
	}

	if timeout == 0 {
		timeout = n.cfg.QueryDefaultTimeout
	}
	timeout = max(timeout, n.cfg.QueryMinTimeout)

	var qid [32]byte
	if _, err := rand.Read(qid[:]); err != nil {
		return nil, fmt.Errorf("failed to generate query id: %w", err)
	}

	ch := make(chan []byte, 1)
	n.qmu.Lock()
	n.pending[qid] = pendingQuery{remote: remote, ch: ch}
	n.qmu.Unlock()
	defer func() {
		n.qmu.Lock()
		delete(n.pending, qid)
		n.qmu.Unlock()
	}()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := n.sendMessage(p, message{ID: queryMessageID, QueryID: qid, Data: query}); err != nil {
		n.m.QueryFinished("transport", "error", time.Since(start))
		return nil, err
	}

	select {
	case <-ctx.Done():
		n.m.QueryFinished("transport", "cancelled", time.Since(start))
		return nil, context.Cause(ctx)
	case <-n.ctx.Done():
		return nil, fmt.Errorf("node stopped: %w", context.Cause(n.ctx))
	case <-timer.C:
		n.m.QueryFinished("transport", "timeout", time.Since(start))
		return nil, QueryTimeoutError{Peer: remote, After: timeout}
	case answer := <-ch:
		n.m.QueryFinished("transport", "ok", time.Since(start))
		return answer, nil
	}
}

func (n *Node) sendMessage(p *peerState, m message) error {
	encoded := m.append(nil)
	if len(encoded) > MaxMessageSize {
		return TransportError{Op: "send", Peer: p.pub.ID(), Err: ErrMessageTooLarge}
	}

	if len(encoded) <= maxWholeMessage {
		return n.sendPacket(p, encoded)
	}

	for _, part := range splitMessage(encoded) {
		if err := n.sendPacket(p, part.append(nil)); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) sendPacket(p *peerState, msg []byte) error {
	now := n.now()
	remoteID := p.pub.ID()

	p.mu.Lock()
	addr, seen := p.addr, p.addrSeen
	p.mu.Unlock()

	if !addr.IsValid() || now.Sub(seen) > n.cfg.AddressListTimeout {
		return TransportError{Op: "send", Peer: remoteID, Err: ErrAddressExpired}
	}

	h := packetHeader{
		Recipient: remoteID,
		Sender:    p.local.PublicKey(),
		Timestamp: now.UnixMilli(),
	}
	var seq [8]byte
	if _, err := rand.Read(seq[:]); err != nil {
		return TransportError{Op: "send", Peer: remoteID, Err: err}
	}
	h.Seqno = binary.LittleEndian.Uint64(seq[:])

	var aead cipher.AEAD
	if n.cfg.EncryptPackets {
		h.Flags |= flagEncrypted
		h.Epoch = n.epoch(now)

		var err error
		aead, err = n.channel(p, h.Epoch)
		if err != nil {
			return TransportError{Op: "send", Peer: remoteID, Err: err}
		}
	}
	if n.cfg.PacketSignatureRequired || !n.cfg.EncryptPackets {
		h.Flags |= flagSigned
	}

	pkt, err := sealPacket(h, msg, aead, p.local)
	if err != nil {
		return TransportError{Op: "send", Peer: remoteID, Err: err}
	}

	if _, err := n.conn.WriteToUDPAddrPort(pkt, addr); err != nil {
		return TransportError{Op: "send", Peer: remoteID, Err: err}
	}
	n.m.PacketSent()
	return nil
}

func (n *Node) epoch(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(n.cfg.ChannelResetInterval))
}

// channel returns the cached channel key for epoch, deriving it if needed.
func (n *Node) channel(p *peerState, epoch uint64) (cipher.AEAD, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if aead, ok := p.channels[epoch]; ok {
		return aead, nil
	}
	aead, err := deriveChannel(p.local, p.pub, epoch)
	if err != nil {
		return nil, err
	}
	p.channels[epoch] = aead
	return aead, nil
}

func (n *Node) unblockOnCancel() {
	defer n.wg.Done()
	<-n.ctx.Done()

	// Wake the read loop so it observes the cancellation.
	_ = n.conn.SetReadDeadline(time.Now())
}

func (n *Node) readLoop() {
	defer n.wg.Done()

	for {
		buf := make([]byte, maxPacketSize)
		sz, from, err := n.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			n.log.Warn("Failed to read from socket", "err", err)
			continue
		}

		n.handlePacket(buf[:sz], from)
	}
}

func (n *Node) drop(reason string, from netip.AddrPort, attrs ...any) {
	n.m.PacketDropped(reason)
	n.log.Debug("Dropped packet", append([]any{"reason", reason, "from", from}, attrs...)...)
}

func (n *Node) handlePacket(b []byte, from netip.AddrPort) {
	h, err := parsePacketHeader(b)
	if err != nil {
		n.drop("malformed", from, "err", err)
		return
	}

	local, ok := n.ks.KeyByID(h.Recipient)
	if !ok {
		n.drop("unknown_recipient", from)
		return
	}

	signed := h.Flags&flagSigned != 0
	encrypted := h.Flags&flagEncrypted != 0

	if !signed && !encrypted {
		n.drop("unauthenticated", from)
		return
	}

	if signed {
		unsigned, ok := verifyPacketSignature(h, b)
		if !ok {
			n.drop("bad_signature", from)
			return
		}
		b = unsigned
	} else if n.cfg.PacketSignatureRequired {
		n.drop("unsigned", from)
		return
	}

	now := n.now()
	skew := now.Sub(time.UnixMilli(h.Timestamp))
	if skew > n.cfg.ClockTolerance || -skew > n.cfg.ClockTolerance {
		n.drop("clock_skew", from, "skew", skew)
		return
	}

	senderID := h.Sender.ID()
	if n.history != nil {
		if seen, _ := n.history.ContainsOrAdd(historyKey{Sender: senderID, Seqno: h.Seqno}, struct{}{}); seen {
			n.drop("replay", from)
			return
		}
	}

	p := n.peerFor(local, h.Sender)

	var body []byte
	if encrypted {
		cur := n.epoch(now)
		if h.Epoch+1 < cur || h.Epoch > cur+1 {
			n.drop("stale_epoch", from)
			return
		}
		aead, err := n.channel(p, h.Epoch)
		if err != nil {
			n.drop("bad_sender_key", from, "err", err)
			return
		}
		body, err = openBody(aead, b)
		if err != nil {
			n.drop("decrypt", from)
			return
		}
	} else {
		body = b[headerSize:]
	}

	// The packet is authentic,
	// so the observed source address is the peer's current address.
	p.mu.Lock()
	p.addr = from
	p.addrSeen = now
	p.mu.Unlock()

	n.m.PacketReceived()

	m, err := decodeMessage(body)
	if err != nil {
		n.drop("bad_message", from, "err", err)
		return
	}

	n.handleMessage(Sender{Local: local.ID(), Remote: h.Sender, Addr: from}, m)
}

func (n *Node) handleMessage(from Sender, m message) {
	switch m.ID {
	case answerMessageID:
		n.qmu.Lock()
		pq, ok := n.pending[m.QueryID]
		n.qmu.Unlock()
		if !ok || pq.remote != from.RemoteID() {
			n.log.Debug("Ignoring unsolicited answer", "from", from.RemoteID())
			return
		}
		select {
		case pq.ch <- m.Data:
		default:
			// Duplicate answer.
		}

	case queryMessageID:
		n.wg.Add(1)
		go n.answerQuery(from, m.QueryID, m.Data)

	case customMessageID:
		n.hmu.RLock()
		hs := n.customHandlers
		n.hmu.RUnlock()
		for _, h := range hs {
			if h.HandleCustom(n.ctx, from, m.Data) {
				return
			}
		}
		n.log.Debug("Unhandled custom message", "from", from.RemoteID(), "size", len(m.Data))

	case partMessageID:
		n.handlePart(from, m)
	}
}

func (n *Node) handlePart(from Sender, m message) {
	k := transferKey{Remote: from.RemoteID(), Hash: m.Hash}

	n.mu.Lock()
	t, ok := n.transfers[k]
	if !ok {
		var err error
		t, err = newIncomingTransfer(m.TotalSize, n.now())
		if err != nil {
			n.mu.Unlock()
			n.log.Debug("Rejected transfer", "from", from.RemoteID(), "err", err)
			return
		}
		n.transfers[k] = t
	}
	done, err := t.add(m)
	if done || err != nil {
		delete(n.transfers, k)
	}
	n.mu.Unlock()

	if err != nil {
		n.log.Debug("Rejected message part", "from", from.RemoteID(), "err", err)
		return
	}
	if !done {
		return
	}

	if sha256.Sum256(t.buf) != m.Hash {
		n.log.Debug("Reassembled message hash mismatch", "from", from.RemoteID())
		return
	}
	inner, err := decodeMessage(t.buf)
	if err != nil || inner.ID == partMessageID {
		n.log.Debug("Bad reassembled message", "from", from.RemoteID(), "err", err)
		return
	}
	n.handleMessage(from, inner)
}

func (n *Node) answerQuery(from Sender, qid [32]byte, query []byte) {
	defer n.wg.Done()

	n.hmu.RLock()
	hs := slices.Clone(n.queryHandlers)
	n.hmu.RUnlock()

	for _, h := range hs {
		answer, handled, err := h.HandleQuery(n.ctx, from, query)
		if !handled {
			continue
		}
		if err != nil {
			n.log.Debug("Query handler failed", "from", from.RemoteID(), "err", err)
			return
		}

		p, err := n.lookupPeer(from.Local, from.RemoteID())
		if err != nil {
			return
		}
		if err := n.sendMessage(p, message{ID: answerMessageID, QueryID: qid, Data: answer}); err != nil {
			n.log.Debug("Failed to send answer", "to", from.RemoteID(), "err", err)
		}
		return
	}

	n.log.Debug("Unhandled query", "from", from.RemoteID(), "size", len(query))
}

func (n *Node) gcLoop() {
	defer n.wg.Done()

	interval := max(min(n.cfg.TransferTimeout, n.cfg.ChannelResetInterval)/2, 10*time.Millisecond)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			n.collectGarbage(n.now())
		}
	}
}

func (n *Node) collectGarbage(now time.Time) {
	cur := n.epoch(now)

	n.mu.Lock()
	defer n.mu.Unlock()

	for k, t := range n.transfers {
		if now.Sub(t.started) > n.cfg.TransferTimeout {
			delete(n.transfers, k)
		}
	}

	for _, p := range n.peers {
		p.mu.Lock()
		for e := range p.channels {
			if e+1 < cur {
				delete(p.channels, e)
			}
		}
		p.mu.Unlock()
	}
}
