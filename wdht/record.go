package wdht

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wtl"
)

var (
	addressUDPID  = wtl.SchemeID("adnl.address.udp ip:int port:int = adnl.Address")
	addressUDP6ID = wtl.SchemeID("adnl.address.udp6 ip:int128 port:int = adnl.Address")
	addressListID = wtl.SchemeID("adnl.addressList addrs:vector adnl.Address version:int reinit_date:int priority:int expire_at:int = adnl.AddressList")

	nodeRecordID  = wtl.SchemeID("dht.node id:PublicKey addr_list:adnl.addressList version:int signature:bytes = dht.Node")
	nodeRecordsID = wtl.SchemeID("dht.nodes nodes:vector dht.node = dht.Nodes")
)

const (
	maxAddrsPerList = 16
	maxNodesPerList = 64
)

// AddressList is the set of addresses a node announces for itself.
type AddressList struct {
	Addrs []netip.AddrPort

	Version    int32
	ReinitDate int32
	Priority   int32

	// Unix seconds after which the list is stale, or zero for no expiry.
	ExpireAt int32
}

func (l AddressList) appendBare(dst []byte) []byte {
	dst = wtl.AppendUint32(dst, uint32(len(l.Addrs)))
	for _, a := range l.Addrs {
		ip := a.Addr().Unmap()
		if ip.Is4() {
			dst = wtl.AppendID(dst, addressUDPID)
			v4 := ip.As4()
			dst = wtl.AppendUint32(dst, binary.BigEndian.Uint32(v4[:]))
		} else {
			dst = wtl.AppendID(dst, addressUDP6ID)
			dst = wtl.AppendInt128(dst, ip.As16())
		}
		dst = wtl.AppendInt32(dst, int32(a.Port()))
	}
	dst = wtl.AppendInt32(dst, l.Version)
	dst = wtl.AppendInt32(dst, l.ReinitDate)
	dst = wtl.AppendInt32(dst, l.Priority)
	return wtl.AppendInt32(dst, l.ExpireAt)
}

// AppendTL appends the boxed address list.
func (l AddressList) AppendTL(dst []byte) []byte {
	dst = wtl.AppendID(dst, addressListID)
	return l.appendBare(dst)
}

func readBareAddressList(r *wtl.Reader) AddressList {
	var l AddressList
	n := r.VectorLen(maxAddrsPerList)
	for range n {
		var ip netip.Addr
		switch id := r.ID(); id {
		case addressUDPID:
			var v4 [4]byte
			binary.BigEndian.PutUint32(v4[:], r.Uint32())
			ip = netip.AddrFrom4(v4)
		case addressUDP6ID:
			ip = netip.AddrFrom16(r.Int128())
		default:
			if r.Err() == nil {
				r.Fail(fmt.Errorf("unsupported address constructor %s", id))
			}
			return AddressList{}
		}
		port := r.Int32()
		if r.Err() != nil {
			return AddressList{}
		}
		if port <= 0 || port > 0xffff {
			r.Fail(fmt.Errorf("invalid port %d", port))
			return AddressList{}
		}
		l.Addrs = append(l.Addrs, netip.AddrPortFrom(ip, uint16(port)))
	}
	l.Version = r.Int32()
	l.ReinitDate = r.Int32()
	l.Priority = r.Int32()
	l.ExpireAt = r.Int32()
	return l
}

// DecodeAddressList decodes a complete boxed address list.
func DecodeAddressList(b []byte) (AddressList, error) {
	r := wtl.NewReader(b)
	r.Expect(addressListID)
	l := readBareAddressList(r)
	if err := r.Finish(); err != nil {
		return AddressList{}, fmt.Errorf("failed to decode address list: %w", err)
	}
	return l, nil
}

// NodeRecord is a DHT node's signed announcement of its addresses.
type NodeRecord struct {
	PublicKey wkey.PublicKey
	AddrList  AddressList
	Version   int32
	Signature []byte
}

// ID is the short ID of the announcing node.
func (n NodeRecord) ID() wkey.ID { return n.PublicKey.ID() }

// Addr returns the first announced address.
func (n NodeRecord) Addr() (netip.AddrPort, bool) {
	if len(n.AddrList.Addrs) == 0 {
		return netip.AddrPort{}, false
	}
	return n.AddrList.Addrs[0], true
}

func (n NodeRecord) appendWithSignature(dst, sig []byte) []byte {
	dst = wtl.AppendID(dst, nodeRecordID)
	dst = n.PublicKey.AppendTL(dst)
	dst = n.AddrList.appendBare(dst)
	dst = wtl.AppendInt32(dst, n.Version)
	return wtl.AppendBytes(dst, sig)
}

// AppendTL appends the boxed record.
func (n NodeRecord) AppendTL(dst []byte) []byte {
	return n.appendWithSignature(dst, n.Signature)
}

// ErrBadSignature is returned when a record or value signature does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// Verify checks the record's signature.
// The signed content is the record serialized with an empty signature.
func (n NodeRecord) Verify() error {
	if !n.PublicKey.Verify(n.appendWithSignature(nil, nil), n.Signature) {
		return ErrBadSignature
	}
	return nil
}

// SignNodeRecord returns a record for k announcing addrs.
func SignNodeRecord(k *wkey.Key, addrs AddressList, version int32) NodeRecord {
	n := NodeRecord{
		PublicKey: k.PublicKey(),
		AddrList:  addrs,
		Version:   version,
	}
	n.Signature = k.Sign(n.appendWithSignature(nil, nil))
	return n
}

// ReadNodeRecord reads a boxed record from r.
func ReadNodeRecord(r *wtl.Reader) NodeRecord {
	var n NodeRecord
	r.Expect(nodeRecordID)
	r.Expect(wkey.PublicKeyID)
	n.PublicKey = r.Int256()
	n.AddrList = readBareAddressList(r)
	n.Version = r.Int32()
	n.Signature = append([]byte(nil), r.Bytes()...)
	return n
}

// DecodeNodeRecord decodes a complete boxed record.
func DecodeNodeRecord(b []byte) (NodeRecord, error) {
	r := wtl.NewReader(b)
	n := ReadNodeRecord(r)
	if err := r.Finish(); err != nil {
		return NodeRecord{}, fmt.Errorf("failed to decode DHT node: %w", err)
	}
	return n, nil
}

func appendNodeRecords(dst []byte, nodes []NodeRecord) []byte {
	dst = wtl.AppendID(dst, nodeRecordsID)
	dst = wtl.AppendUint32(dst, uint32(len(nodes)))
	for _, n := range nodes {
		dst = n.AppendTL(dst)
	}
	return dst
}

func readNodeRecords(r *wtl.Reader) []NodeRecord {
	r.Expect(nodeRecordsID)
	cnt := r.VectorLen(maxNodesPerList)
	out := make([]NodeRecord, 0, cnt)
	for range cnt {
		n := ReadNodeRecord(r)
		if r.Err() != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}
