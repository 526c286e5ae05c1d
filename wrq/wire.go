package wrq

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/wren/wtl"
)

var (
	messagePartID = wtl.SchemeID("rldp.messagePart transfer_id:int256 fec_type:fec.Type part:int total_size:long seqno:int data:bytes = rldp.MessagePart")
	confirmID     = wtl.SchemeID("rldp.confirm transfer_id:int256 part:int seqno:int = rldp.MessagePart")
	completeID    = wtl.SchemeID("rldp.complete transfer_id:int256 part:int = rldp.MessagePart")

	fecReedSolomonID = wtl.SchemeID("fec.reedSolomon data_size:int symbol_size:int symbols_count:int parity_count:int = fec.Type")

	queryID      = wtl.SchemeID("rldp.query query_id:int256 max_answer_size:long timeout:int data:bytes = rldp.Message")
	answerID     = wtl.SchemeID("rldp.answer query_id:int256 data:bytes = rldp.Message")
	compressedID = wtl.SchemeID("rldp.compressed data:bytes = rldp.Message")
)

// Largest symbol accepted from a peer.
// A message part with a symbol this size still fits in one transport packet.
const maxSymbolSize = 1024

// fecParams describes how one part of a transfer was coded.
type fecParams struct {
	// Length of the part before padding to whole symbols.
	DataSize int32

	SymbolSize    int32
	DataSymbols   int32
	ParitySymbols int32
}

func (p fecParams) total() int { return int(p.DataSymbols) + int(p.ParitySymbols) }

func (p fecParams) validate() error {
	switch {
	case p.SymbolSize <= 0 || p.SymbolSize > maxSymbolSize:
		return fmt.Errorf("symbol size %d out of range", p.SymbolSize)
	case p.DataSymbols <= 0 || p.ParitySymbols <= 0:
		return fmt.Errorf("invalid symbol counts %d+%d", p.DataSymbols, p.ParitySymbols)
	case p.total() > maxShards:
		return fmt.Errorf("%d symbols exceed limit %d", p.total(), maxShards)
	case p.DataSize <= (p.DataSymbols-1)*p.SymbolSize || p.DataSize > p.DataSymbols*p.SymbolSize:
		return fmt.Errorf("data size %d inconsistent with %d symbols of %d bytes",
			p.DataSize, p.DataSymbols, p.SymbolSize)
	}
	return nil
}

func (p fecParams) append(dst []byte) []byte {
	dst = wtl.AppendID(dst, fecReedSolomonID)
	dst = wtl.AppendInt32(dst, p.DataSize)
	dst = wtl.AppendInt32(dst, p.SymbolSize)
	dst = wtl.AppendInt32(dst, p.DataSymbols)
	return wtl.AppendInt32(dst, p.ParitySymbols)
}

func readFECParams(r *wtl.Reader) fecParams {
	if !r.Expect(fecReedSolomonID) {
		return fecParams{}
	}
	return fecParams{
		DataSize:      r.Int32(),
		SymbolSize:    r.Int32(),
		DataSymbols:   r.Int32(),
		ParitySymbols: r.Int32(),
	}
}

// transferMessage is one decoded rldp.MessagePart:
// a coded symbol, a confirmation, or a completion notice.
type transferMessage struct {
	ID         wtl.ID
	TransferID [32]byte
	Part       int32

	// messagePart and confirm.
	Seqno int32

	// messagePart only.
	FEC       fecParams
	TotalSize int64
	Data      []byte
}

func (m transferMessage) append(dst []byte) []byte {
	dst = wtl.AppendID(dst, m.ID)
	dst = wtl.AppendInt256(dst, m.TransferID)
	switch m.ID {
	case messagePartID:
		dst = m.FEC.append(dst)
		dst = wtl.AppendInt32(dst, m.Part)
		dst = wtl.AppendInt64(dst, m.TotalSize)
		dst = wtl.AppendInt32(dst, m.Seqno)
		dst = wtl.AppendBytes(dst, m.Data)
	case confirmID:
		dst = wtl.AppendInt32(dst, m.Part)
		dst = wtl.AppendInt32(dst, m.Seqno)
	case completeID:
		dst = wtl.AppendInt32(dst, m.Part)
	default:
		panic(fmt.Errorf("BUG: unknown transfer message constructor %s", m.ID))
	}
	return dst
}

// isTransferMessage reports whether b starts with
// one of the transfer message constructors.
func isTransferMessage(b []byte) bool {
	id, ok := wtl.PeekID(b)
	return ok && (id == messagePartID || id == confirmID || id == completeID)
}

func decodeTransferMessage(b []byte) (transferMessage, error) {
	r := wtl.NewReader(b)
	m := transferMessage{ID: r.ID(), TransferID: r.Int256()}
	switch m.ID {
	case messagePartID:
		m.FEC = readFECParams(r)
		m.Part = r.Int32()
		m.TotalSize = r.Int64()
		m.Seqno = r.Int32()
		m.Data = r.Bytes()
	case confirmID:
		m.Part = r.Int32()
		m.Seqno = r.Int32()
	case completeID:
		m.Part = r.Int32()
	default:
		if r.Err() == nil {
			return transferMessage{}, fmt.Errorf("unknown transfer message constructor %s", m.ID)
		}
	}
	if err := r.Finish(); err != nil {
		return transferMessage{}, fmt.Errorf("failed to decode transfer message: %w", err)
	}
	return m, nil
}

// envelope is the reassembled content of a transfer:
// either a query or an answer.
type envelope struct {
	ID      wtl.ID
	QueryID [32]byte
	Data    []byte

	// Query only.
	MaxAnswerSize int64
	// Unix seconds after which the querier no longer waits.
	Deadline int32
}

func (e envelope) append(dst []byte) []byte {
	dst = wtl.AppendID(dst, e.ID)
	dst = wtl.AppendInt256(dst, e.QueryID)
	if e.ID == queryID {
		dst = wtl.AppendInt64(dst, e.MaxAnswerSize)
		dst = wtl.AppendInt32(dst, e.Deadline)
	}
	return wtl.AppendBytes(dst, e.Data)
}

var errNestedCompression = errors.New("nested compression")

func decodeEnvelope(b []byte, maxSize int) (envelope, error) {
	if id, _ := wtl.PeekID(b); id == compressedID {
		r := wtl.NewReader(b)
		r.ID()
		inner := r.Bytes()
		if err := r.Finish(); err != nil {
			return envelope{}, fmt.Errorf("failed to decode compressed envelope: %w", err)
		}
		raw, err := decompress(inner, maxSize)
		if err != nil {
			return envelope{}, err
		}
		if id, _ := wtl.PeekID(raw); id == compressedID {
			return envelope{}, errNestedCompression
		}
		b = raw
	}

	r := wtl.NewReader(b)
	e := envelope{ID: r.ID(), QueryID: r.Int256()}
	switch e.ID {
	case queryID:
		e.MaxAnswerSize = r.Int64()
		e.Deadline = r.Int32()
	case answerID:
	default:
		if r.Err() == nil {
			return envelope{}, fmt.Errorf("unknown envelope constructor %s", e.ID)
		}
	}
	e.Data = r.Bytes()
	if err := r.Finish(); err != nil {
		return envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e, nil
}
