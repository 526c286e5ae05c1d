package wdht

import (
	"fmt"

	"github.com/gordian-engine/wren/wtl"
)

var (
	pingID                 = wtl.SchemeID("dht.ping random_id:long = dht.Pong")
	pongID                 = wtl.SchemeID("dht.pong random_id:long = dht.Pong")
	findNodeID             = wtl.SchemeID("dht.findNode key:int256 k:int = dht.Nodes")
	findValueID            = wtl.SchemeID("dht.findValue key:int256 k:int = dht.ValueResult")
	valueFoundID           = wtl.SchemeID("dht.valueFound value:dht.Value = dht.ValueResult")
	valueNotFoundID        = wtl.SchemeID("dht.valueNotFound nodes:dht.nodes = dht.ValueResult")
	storeID                = wtl.SchemeID("dht.store value:dht.value = dht.Stored")
	storedID               = wtl.SchemeID("dht.stored = dht.Stored")
	getSignedAddressListID = wtl.SchemeID("dht.getSignedAddressList = dht.Node")

	// Prefix on a query announcing the querier's own record.
	queryPrefixID = wtl.SchemeID("dht.query node:dht.node = True")
)

// request is a decoded inbound DHT query.
type request struct {
	ID wtl.ID

	// Set when the query carried a dht.query prefix.
	From *NodeRecord

	RandomID int64    // ping
	Key      [32]byte // findNode, findValue
	K        int32    // findNode, findValue
	Value    Value    // store
}

func (q request) append(dst []byte) []byte {
	if q.From != nil {
		dst = wtl.AppendID(dst, queryPrefixID)
		dst = q.From.AppendTL(dst)
	}
	dst = wtl.AppendID(dst, q.ID)
	switch q.ID {
	case pingID:
		dst = wtl.AppendInt64(dst, q.RandomID)
	case findNodeID, findValueID:
		dst = wtl.AppendInt256(dst, q.Key)
		dst = wtl.AppendInt32(dst, q.K)
	case storeID:
		dst = q.Value.AppendTL(dst)
	case getSignedAddressListID:
	default:
		panic(fmt.Errorf("BUG: unknown DHT request constructor %s", q.ID))
	}
	return dst
}

// isRequest reports whether b is plausibly a DHT query,
// so other handlers on the same transport are not starved.
func isRequest(b []byte) bool {
	id, ok := wtl.PeekID(b)
	if !ok {
		return false
	}
	switch id {
	case queryPrefixID, pingID, findNodeID, findValueID, storeID, getSignedAddressListID:
		return true
	}
	return false
}

func decodeRequest(b []byte) (request, error) {
	r := wtl.NewReader(b)
	var q request

	if id, _ := wtl.PeekID(b); id == queryPrefixID {
		r.ID()
		from := ReadNodeRecord(r)
		q.From = &from
	}

	q.ID = r.ID()
	switch q.ID {
	case pingID:
		q.RandomID = r.Int64()
	case findNodeID, findValueID:
		q.Key = r.Int256()
		q.K = r.Int32()
	case storeID:
		q.Value = readValue(r)
	case getSignedAddressListID:
	default:
		if r.Err() == nil {
			return request{}, fmt.Errorf("unknown DHT request constructor %s", q.ID)
		}
	}

	if err := r.Finish(); err != nil {
		return request{}, fmt.Errorf("failed to decode DHT request: %w", err)
	}
	return q, nil
}

func appendPong(dst []byte, randomID int64) []byte {
	dst = wtl.AppendID(dst, pongID)
	return wtl.AppendInt64(dst, randomID)
}

func decodePong(b []byte) (int64, error) {
	r := wtl.NewReader(b)
	r.Expect(pongID)
	id := r.Int64()
	return id, r.Finish()
}

func decodeNodes(b []byte) ([]NodeRecord, error) {
	r := wtl.NewReader(b)
	nodes := readNodeRecords(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("failed to decode DHT nodes: %w", err)
	}
	return nodes, nil
}

// valueResult is the answer to findValue:
// either the value or closer nodes.
type valueResult struct {
	Found bool
	Value Value
	Nodes []NodeRecord
}

func (v valueResult) append(dst []byte) []byte {
	if v.Found {
		dst = wtl.AppendID(dst, valueFoundID)
		return v.Value.AppendTL(dst)
	}
	dst = wtl.AppendID(dst, valueNotFoundID)
	return appendNodeRecords(dst, v.Nodes)
}

func decodeValueResult(b []byte) (valueResult, error) {
	r := wtl.NewReader(b)
	var v valueResult
	switch id := r.ID(); id {
	case valueFoundID:
		v.Found = true
		v.Value = readValue(r)
	case valueNotFoundID:
		v.Nodes = readNodeRecords(r)
	default:
		if r.Err() == nil {
			return valueResult{}, fmt.Errorf("unknown value result constructor %s", id)
		}
	}
	if err := r.Finish(); err != nil {
		return valueResult{}, fmt.Errorf("failed to decode value result: %w", err)
	}
	return v, nil
}

func appendStored(dst []byte) []byte {
	return wtl.AppendID(dst, storedID)
}

func decodeStored(b []byte) error {
	r := wtl.NewReader(b)
	r.Expect(storedID)
	return r.Finish()
}
