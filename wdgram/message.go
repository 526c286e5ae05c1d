package wdgram

import (
	"fmt"

	"github.com/gordian-engine/wren/wtl"
)

var (
	queryMessageID  = wtl.SchemeID("adnl.message.query query_id:int256 query:bytes = adnl.Message")
	answerMessageID = wtl.SchemeID("adnl.message.answer query_id:int256 answer:bytes = adnl.Message")
	customMessageID = wtl.SchemeID("adnl.message.custom data:bytes = adnl.Message")
	partMessageID   = wtl.SchemeID("adnl.message.part hash:int256 total_size:int offset:int data:bytes = adnl.Message")
)

const (
	// Largest message carried whole in a single packet.
	// Longer messages are split into parts of this size.
	maxPartSize = 1024

	// MaxMessageSize is the largest message the node will send or reassemble.
	MaxMessageSize = 1 << 20
)

// message is one decoded transport message.
// Only the fields relevant to ID are set.
type message struct {
	ID wtl.ID

	// Query and answer.
	QueryID [32]byte

	// Payload of query, answer, custom, and part.
	Data []byte

	// Part only.
	Hash      [32]byte
	TotalSize int32
	Offset    int32
}

func (m message) append(dst []byte) []byte {
	dst = wtl.AppendID(dst, m.ID)
	switch m.ID {
	case queryMessageID, answerMessageID:
		dst = wtl.AppendInt256(dst, m.QueryID)
	case partMessageID:
		dst = wtl.AppendInt256(dst, m.Hash)
		dst = wtl.AppendInt32(dst, m.TotalSize)
		dst = wtl.AppendInt32(dst, m.Offset)
	case customMessageID:
		// Data only.
	default:
		panic(fmt.Errorf("BUG: unknown message constructor %s", m.ID))
	}
	return wtl.AppendBytes(dst, m.Data)
}

func decodeMessage(b []byte) (message, error) {
	r := wtl.NewReader(b)
	m := message{ID: r.ID()}

	switch m.ID {
	case queryMessageID, answerMessageID:
		m.QueryID = r.Int256()
	case partMessageID:
		m.Hash = r.Int256()
		m.TotalSize = r.Int32()
		m.Offset = r.Int32()
	case customMessageID:
	default:
		if r.Err() == nil {
			return message{}, fmt.Errorf("unknown message constructor %s", m.ID)
		}
	}
	m.Data = r.Bytes()

	if err := r.Finish(); err != nil {
		return message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}
