package wrq

import (
	"context"
	"fmt"
	"time"

	"github.com/gordian-engine/wren/wkey"
)

// outgoingTransfer sends one envelope to one peer,
// part by part, in waves of coded symbols.
type outgoingTransfer struct {
	id            [32]byte
	local, remote wkey.ID
	data          []byte

	// Confirm and complete messages from the receiver.
	// Delivery is best effort; the receiver repeats completions.
	events chan transferMessage
}

func newOutgoingTransfer(id [32]byte, local, remote wkey.ID, data []byte) *outgoingTransfer {
	return &outgoingTransfer{
		id:     id,
		local:  local,
		remote: remote,
		data:   data,
		events: make(chan transferMessage, 16),
	}
}

// wave records when a burst of symbols started,
// to turn confirmations into round trip samples.
type wave struct {
	firstSeqno int32
	sent       time.Time
}

// runOutgoing sends every part of the transfer until the receiver completes it,
// ctx is cancelled, or sending fails.
func (n *Node) runOutgoing(ctx context.Context, o *outgoingTransfer) error {
	ps := partSize(n.cfg.SymbolSize)
	nParts := (len(o.data) + ps - 1) / ps

	ticker := time.NewTicker(n.cfg.QueryWaveInterval)
	defer ticker.Stop()

	for p := range nParts {
		chunk := o.data[p*ps : min((p+1)*ps, len(o.data))]
		ep, err := encodePart(chunk, n.cfg.SymbolSize, n.cfg.ParityRatio)
		if err != nil {
			return err
		}

		if err := n.sendPart(ctx, o, int32(p), ep, ticker.C); err != nil {
			return err
		}
	}

	return nil
}

func (n *Node) sendPart(
	ctx context.Context,
	o *outgoingTransfer,
	part int32,
	ep encodedPart,
	tick <-chan time.Time,
) error {
	var seqno int32
	waves := make([]wave, 0, 8)
	total := int32(len(ep.Shards))

	msg := transferMessage{
		ID:         messagePartID,
		TransferID: o.id,
		FEC:        ep.FEC,
		Part:       part,
		TotalSize:  int64(len(o.data)),
	}
	// Room for the header fields and one padded symbol.
	buf := make([]byte, 0, 128+int(ep.FEC.SymbolSize))

	for {
		waves = append(waves, wave{firstSeqno: seqno, sent: time.Now()})
		if len(waves) > 32 {
			waves = waves[1:]
		}

		for range n.cfg.QueryWaveLen {
			msg.Seqno = seqno
			msg.Data = ep.Shards[seqno%total]
			buf = msg.append(buf[:0])
			if err := n.t.SendCustom(o.local, o.remote, buf); err != nil {
				return err
			}
			seqno++
			if seqno < 0 {
				// A receiver that has not finished after 2^31 symbols
				// is not going to.
				return fmt.Errorf("transfer %x part %d exhausted sequence numbers", o.id[:4], part)
			}
		}
		n.m.SymbolSent(n.cfg.QueryWaveLen)

	WAIT:
		for {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)

			case ev := <-o.events:
				if ev.Part != part {
					// Stale event from an earlier part.
					continue
				}
				switch ev.ID {
				case completeID:
					return nil
				case confirmID:
					for i := len(waves) - 1; i >= 0; i-- {
						if waves[i].firstSeqno <= ev.Seqno {
							n.observeRTT(o.remote, time.Since(waves[i].sent))
							break
						}
					}
				}

			case <-tick:
				break WAIT
			}
		}
	}
}

type incomingKey struct {
	Remote   wkey.ID
	Transfer [32]byte
}

// incomingTransfer reassembles one envelope from its parts.
type incomingTransfer struct {
	total   int64
	buf     []byte
	part    int32
	dec     *partDecoder
	started time.Time

	// Symbols received since the last confirmation.
	unconfirmed int
}

func newIncomingTransfer(total int64, limit int, now time.Time) (*incomingTransfer, error) {
	if total <= 0 || total > int64(limit) {
		return nil, fmt.Errorf("transfer size %d outside (0, %d]", total, limit)
	}
	return &incomingTransfer{
		total:   total,
		buf:     make([]byte, 0, total),
		started: now,
	}, nil
}

// partResult is the effect of one symbol on an incoming transfer.
type partResult struct {
	// The symbol's part is complete, now or earlier.
	PartComplete bool

	// The whole transfer is reassembled in buf.
	Done bool
}

func (t *incomingTransfer) add(m transferMessage) (partResult, error) {
	if m.TotalSize != t.total {
		return partResult{}, fmt.Errorf("total size changed from %d to %d", t.total, m.TotalSize)
	}
	if m.Part < t.part {
		return partResult{PartComplete: true}, nil
	}
	if m.Part > t.part {
		// The sender moves on only after a completion,
		// so this is out of order; ignore it.
		return partResult{}, nil
	}

	if t.dec == nil || t.dec.fec != m.FEC {
		if t.dec != nil {
			return partResult{}, fmt.Errorf("coding parameters changed within part %d", m.Part)
		}
		if int64(len(t.buf))+int64(m.FEC.DataSize) > t.total {
			return partResult{}, fmt.Errorf("part %d overruns transfer size %d", m.Part, t.total)
		}
		dec, err := newPartDecoder(m.FEC)
		if err != nil {
			return partResult{}, err
		}
		t.dec = dec
	}

	ready, err := t.dec.add(m.Seqno, m.Data)
	if err != nil || !ready {
		return partResult{}, err
	}

	data, err := t.dec.decode()
	if err != nil {
		return partResult{}, err
	}
	t.buf = append(t.buf, data...)
	t.dec = nil
	t.part++

	return partResult{PartComplete: true, Done: int64(len(t.buf)) == t.total}, nil
}
