// Package wrq is the reliable query layer.
//
// It runs beside a [wdgram.Node] and shares its keys, peers, and socket.
// A query and its answer each travel as a transfer:
// the encoded envelope is split into parts,
// each part is Reed-Solomon coded into fixed-size symbols,
// and the sender repeats waves of symbols
// until the receiver reports the part complete.
// Lost datagrams therefore cost extra symbols, not round trips.
package wrq

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wmetrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
)

// Largest inbound query accepted from a peer.
const maxInboundQuerySize = 1 << 20

// Node sends and answers reliable queries.
type Node struct {
	log *slog.Logger

	t   *wdgram.Node
	cfg NodeConfig
	m   *wmetrics.Metrics

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	incoming map[incomingKey]*incomingTransfer
	outgoing map[[32]byte]*outgoingTransfer
	pending  map[[32]byte]pendingQuery // Keyed by answer transfer ID.
	sems     map[wkey.ID]*semaphore.Weighted
	rtt      map[wkey.ID]time.Duration

	// Finished inbound transfers and their part count,
	// so late symbols still get a completion reply.
	completed *lru.Cache[incomingKey, int32]

	hmu      sync.RWMutex
	handlers []wdgram.QueryHandler
}

type pendingQuery struct {
	remote  wkey.ID
	queryID [32]byte
	ch      chan []byte
}

// NewNode returns a reliable query node attached to cfg.Transport.
// Background work stops when ctx is cancelled;
// call [*Node.Wait] to block until it has.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid reliable query configuration: %w", err)
	}

	completed, err := lru.New[incomingKey, int32](1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create completed transfer cache: %w", err)
	}

	n := &Node{
		log: log,

		t:   cfg.Transport,
		cfg: cfg,
		m:   cfg.Metrics,

		ctx: ctx,

		incoming:  make(map[incomingKey]*incomingTransfer),
		outgoing:  make(map[[32]byte]*outgoingTransfer),
		pending:   make(map[[32]byte]pendingQuery),
		sems:      make(map[wkey.ID]*semaphore.Weighted),
		rtt:       make(map[wkey.ID]time.Duration),
		completed: completed,
	}

	cfg.Transport.AddCustomHandler(n)

	n.wg.Add(1)
	go n.gcLoop()

	return n, nil
}

// Wait blocks until all background work has stopped.
func (n *Node) Wait() {
	n.wg.Wait()
}

// Transport returns the datagram node this node sends through.
func (n *Node) Transport() *wdgram.Node { return n.t }

// AddQueryHandler appends h to the chain consulted for inbound queries.
// The same handler types serve both the transport and this layer.
func (n *Node) AddQueryHandler(h wdgram.QueryHandler) {
	n.hmu.Lock()
	defer n.hmu.Unlock()
	n.handlers = append(n.handlers, h)
}

// Query sends query to remote and waits for the complete answer.
//
// A zero timeout selects an adaptive timeout from the observed round trip
// to remote, bounded by the configured minimum and maximum.
// Any other timeout is used as given.
// If the answer does not arrive in time, Query returns a [QueryTimeoutError].
func (n *Node) Query(
	ctx context.Context,
	local, remote wkey.ID,
	query []byte,
	timeout time.Duration,
) ([]byte, error) {
	if timeout <= 0 {
		timeout = n.adaptiveTimeout(remote)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, QueryTimeoutError{Peer: remote, After: timeout})
	defer cancel()

	answer, err := n.query(ctx, local, remote, query)

	elapsed := time.Since(start)
	switch {
	case err == nil:
		n.observeRTT(remote, elapsed)
		n.m.QueryFinished("reliable", "ok", elapsed)
	case ctx.Err() != nil:
		n.m.QueryFinished("reliable", "timeout", elapsed)
	default:
		n.m.QueryFinished("reliable", "error", elapsed)
	}
	return answer, err
}

func (n *Node) query(ctx context.Context, local, remote wkey.ID, query []byte) ([]byte, error) {
	sem := n.semaphore(remote)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, context.Cause(ctx)
	}
	defer sem.Release(1)

	var ids [64]byte
	if _, err := rand.Read(ids[:]); err != nil {
		return nil, fmt.Errorf("failed to generate query ids: %w", err)
	}
	var qid, tid [32]byte
	copy(qid[:], ids[:32])
	copy(tid[:], ids[32:])
	answerTID := invert(tid)

	deadline, _ := ctx.Deadline()
	env := envelope{
		ID:            queryID,
		QueryID:       qid,
		Data:          query,
		MaxAnswerSize: n.cfg.MaxAnswerSize,
		// Rounded up so the peer never gives up before we do.
		Deadline: int32(deadline.Add(time.Second).Unix()),
	}
	encoded := n.encodeEnvelope(env)
	if len(encoded) > maxTransferSize {
		return nil, ErrQueryTooLarge
	}

	ch := make(chan []byte, 1)
	o := newOutgoingTransfer(tid, local, remote, encoded)

	n.mu.Lock()
	n.pending[answerTID] = pendingQuery{remote: remote, queryID: qid, ch: ch}
	n.outgoing[tid] = o
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, answerTID)
		delete(n.outgoing, tid)
		n.mu.Unlock()
	}()

	sendCtx, cancelSend := context.WithCancelCause(ctx)
	defer cancelSend(nil)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- n.runOutgoing(sendCtx, o)
	}()

	for {
		select {
		case <-ctx.Done():
			n.m.TransferFinished("out", "timeout")
			return nil, context.Cause(ctx)

		case <-n.ctx.Done():
			return nil, fmt.Errorf("reliable query node stopped: %w", context.Cause(n.ctx))

		case err := <-sendErr:
			sendErr = nil
			if sendCtx.Err() != nil {
				// Reported by the ctx.Done case.
				continue
			}
			if err != nil {
				n.m.TransferFinished("out", "error")
				return nil, err
			}
			// Query delivered; keep waiting for the answer.
			n.m.TransferFinished("out", "ok")

		case answer := <-ch:
			return answer, nil
		}
	}
}

func (n *Node) encodeEnvelope(e envelope) []byte {
	encoded := e.append(nil)
	if n.cfg.ForceCompression {
		return compress(encoded)
	}
	return encoded
}

func invert(id [32]byte) [32]byte {
	for i := range id {
		id[i] = ^id[i]
	}
	return id
}

func (n *Node) semaphore(remote wkey.ID) *semaphore.Weighted {
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.sems[remote]
	if !ok {
		s = semaphore.NewWeighted(int64(n.cfg.MaxPeerQueries))
		n.sems[remote] = s
	}
	return s
}

// observeRTT folds a round trip sample into the peer's estimate.
func (n *Node) observeRTT(remote wkey.ID, sample time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if prev, ok := n.rtt[remote]; ok {
		n.rtt[remote] = (7*prev + sample) / 8
	} else {
		n.rtt[remote] = sample
	}
}

func (n *Node) adaptiveTimeout(remote wkey.ID) time.Duration {
	n.mu.Lock()
	rtt, ok := n.rtt[remote]
	n.mu.Unlock()

	if !ok {
		return n.cfg.QueryMaxTimeout
	}
	// Allow a few waves of retransmission beyond the round trip.
	return min(max(2*rtt+3*n.cfg.QueryWaveInterval, n.cfg.QueryMinTimeout), n.cfg.QueryMaxTimeout)
}

// HandleCustom implements [wdgram.CustomHandler].
func (n *Node) HandleCustom(_ context.Context, from wdgram.Sender, data []byte) bool {
	if !isTransferMessage(data) {
		return false
	}

	m, err := decodeTransferMessage(data)
	if err != nil {
		n.log.Debug("Dropping malformed transfer message", "from", from.RemoteID(), "err", err)
		return true
	}

	switch m.ID {
	case confirmID, completeID:
		n.mu.Lock()
		o, ok := n.outgoing[m.TransferID]
		n.mu.Unlock()
		if !ok || o.remote != from.RemoteID() {
			return true
		}
		select {
		case o.events <- m:
		default:
		}

	case messagePartID:
		n.handleSymbol(from, m)
	}
	return true
}

func (n *Node) handleSymbol(from Sender, m transferMessage) {
	k := incomingKey{Remote: from.RemoteID(), Transfer: m.TransferID}

	if parts, ok := n.completed.Get(k); ok {
		if m.Part < parts {
			n.reply(from, transferMessage{ID: completeID, TransferID: m.TransferID, Part: m.Part})
		}
		return
	}

	n.mu.Lock()
	t, ok := n.incoming[k]
	if !ok {
		limit := maxInboundQuerySize
		if pq, isAnswer := n.pending[m.TransferID]; isAnswer {
			if pq.remote != k.Remote {
				n.mu.Unlock()
				return
			}
			limit = int(n.cfg.MaxAnswerSize)
		}

		var err error
		t, err = newIncomingTransfer(m.TotalSize, limit, time.Now())
		if err != nil {
			n.mu.Unlock()
			n.log.Debug("Rejected transfer", "from", k.Remote, "err", err)
			n.m.TransferFinished("in", "rejected")
			return
		}
		n.incoming[k] = t
	}

	res, err := t.add(m)
	if err != nil || res.Done {
		delete(n.incoming, k)
	}
	if err == nil && !res.PartComplete {
		t.unconfirmed++
		if t.unconfirmed >= n.cfg.QueryWaveLen {
			t.unconfirmed = 0
			n.mu.Unlock()
			n.reply(from, transferMessage{ID: confirmID, TransferID: m.TransferID, Part: m.Part, Seqno: m.Seqno})
			return
		}
	}
	n.mu.Unlock()

	if err != nil {
		n.log.Debug("Dropping transfer", "from", k.Remote, "err", err)
		n.m.TransferFinished("in", "error")
		return
	}
	if !res.PartComplete {
		return
	}

	n.reply(from, transferMessage{ID: completeID, TransferID: m.TransferID, Part: m.Part})
	if !res.Done {
		return
	}

	n.completed.Add(k, t.part)
	n.m.TransferFinished("in", "ok")
	n.handleEnvelope(from, m.TransferID, t.buf)
}

// Sender is the origin of an inbound transfer.
type Sender = wdgram.Sender

func (n *Node) reply(to Sender, m transferMessage) {
	if err := n.t.SendCustom(to.Local, to.RemoteID(), m.append(nil)); err != nil {
		n.log.Debug("Failed to send transfer reply", "to", to.RemoteID(), "err", err)
	}
}

func (n *Node) handleEnvelope(from Sender, tid [32]byte, b []byte) {
	env, err := decodeEnvelope(b, max(int(n.cfg.MaxAnswerSize), maxInboundQuerySize))
	if err != nil {
		n.log.Debug("Dropping malformed envelope", "from", from.RemoteID(), "err", err)
		return
	}

	switch env.ID {
	case answerID:
		n.mu.Lock()
		pq, ok := n.pending[tid]
		n.mu.Unlock()
		if !ok || pq.remote != from.RemoteID() || pq.queryID != env.QueryID {
			n.log.Debug("Ignoring unsolicited answer", "from", from.RemoteID())
			return
		}
		select {
		case pq.ch <- env.Data:
		default:
		}

	case queryID:
		n.wg.Add(1)
		go n.answerQuery(from, tid, env)
	}
}

func (n *Node) answerQuery(from Sender, tid [32]byte, env envelope) {
	defer n.wg.Done()

	deadline := time.Unix(int64(env.Deadline), 0)
	if limit := time.Now().Add(n.cfg.TransferTimeout); deadline.After(limit) {
		deadline = limit
	}
	ctx, cancel := context.WithDeadline(n.ctx, deadline)
	defer cancel()

	n.hmu.RLock()
	hs := slices.Clone(n.handlers)
	n.hmu.RUnlock()

	for _, h := range hs {
		answer, handled, err := h.HandleQuery(ctx, from, env.Data)
		if !handled {
			continue
		}
		if err != nil {
			n.log.Debug("Query handler failed", "from", from.RemoteID(), "err", err)
			return
		}

		encoded := n.encodeEnvelope(envelope{ID: answerID, QueryID: env.QueryID, Data: answer})
		if int64(len(encoded)) > env.MaxAnswerSize || len(encoded) > maxTransferSize {
			n.log.Debug(
				"Not sending answer",
				"to", from.RemoteID(), "size", len(encoded), "err", ErrAnswerTooLarge,
			)
			return
		}

		answerTID := invert(tid)
		o := newOutgoingTransfer(answerTID, from.Local, from.RemoteID(), encoded)
		n.mu.Lock()
		n.outgoing[answerTID] = o
		n.mu.Unlock()
		defer func() {
			n.mu.Lock()
			delete(n.outgoing, answerTID)
			n.mu.Unlock()
		}()

		if err := n.runOutgoing(ctx, o); err != nil {
			n.log.Debug("Answer transfer did not complete", "to", from.RemoteID(), "err", err)
			n.m.TransferFinished("out", "error")
			return
		}
		n.m.TransferFinished("out", "ok")
		return
	}

	n.log.Debug("Unhandled reliable query", "from", from.RemoteID(), "size", len(env.Data))
}

func (n *Node) gcLoop() {
	defer n.wg.Done()

	t := time.NewTicker(max(n.cfg.TransferTimeout/2, 10*time.Millisecond))
	defer t.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			n.collectGarbage(time.Now())
		}
	}
}

func (n *Node) collectGarbage(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for k, t := range n.incoming {
		if now.Sub(t.started) > n.cfg.TransferTimeout {
			delete(n.incoming, k)
			n.m.TransferFinished("in", "expired")
		}
	}
}
