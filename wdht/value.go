package wdht

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/gordian-engine/wren/wtl"
)

var (
	keyID            = wtl.SchemeID("dht.key id:int256 name:bytes idx:int = dht.Key")
	keyDescriptionID = wtl.SchemeID("dht.keyDescription key:dht.key id:PublicKey update_rule:dht.UpdateRule signature:bytes = dht.KeyDescription")
	valueID          = wtl.SchemeID("dht.value key:dht.keyDescription value:bytes ttl:int signature:bytes = dht.Value")

	updateRuleSignatureID    = wtl.SchemeID("dht.updateRule.signature = dht.UpdateRule")
	updateRuleAnybodyID      = wtl.SchemeID("dht.updateRule.anybody = dht.UpdateRule")
	updateRuleOverlayNodesID = wtl.SchemeID("dht.updateRule.overlayNodes = dht.UpdateRule")
)

// Key names a value in the DHT.
// Values are stored under the hash of the boxed key.
type Key struct {
	ID    [32]byte
	Name  string
	Index int32
}

func (k Key) AppendTL(dst []byte) []byte {
	dst = wtl.AppendID(dst, keyID)
	dst = wtl.AppendInt256(dst, k.ID)
	dst = wtl.AppendBytes(dst, []byte(k.Name))
	return wtl.AppendInt32(dst, k.Index)
}

// Hash is the location of the key in the DHT's ID space.
func (k Key) Hash() [32]byte {
	return sha256.Sum256(k.AppendTL(nil))
}

// AddressKey is the key under which a node publishes its address list.
func AddressKey(id wkey.ID) Key {
	return Key{ID: id, Name: "address"}
}

// OverlayNodesKey is the key under which members of an overlay
// publish their signed overlay records.
func OverlayNodesKey(overlay [32]byte) Key {
	return Key{ID: overlay, Name: "nodes"}
}

// UpdateRule determines who may write a value and how writes combine.
type UpdateRule uint8

const (
	// Only the key owner may write; signatures are required.
	UpdateRuleSignature UpdateRule = iota + 1

	// Anyone may overwrite; no signatures.
	UpdateRuleAnybody

	// The value is a list of overlay records, each self-signed,
	// merged with the stored list on write.
	UpdateRuleOverlayNodes
)

func (u UpdateRule) id() wtl.ID {
	switch u {
	case UpdateRuleSignature:
		return updateRuleSignatureID
	case UpdateRuleAnybody:
		return updateRuleAnybodyID
	case UpdateRuleOverlayNodes:
		return updateRuleOverlayNodesID
	default:
		panic(fmt.Errorf("BUG: unknown update rule %d", u))
	}
}

func (u UpdateRule) String() string {
	switch u {
	case UpdateRuleSignature:
		return "signature"
	case UpdateRuleAnybody:
		return "anybody"
	case UpdateRuleOverlayNodes:
		return "overlayNodes"
	default:
		return fmt.Sprintf("UpdateRule(%d)", u)
	}
}

// KeyDescription binds a key to its owner and update rule.
type KeyDescription struct {
	Key       Key
	Owner     wkey.PublicKey
	Rule      UpdateRule
	Signature []byte
}

func (d KeyDescription) appendWithSignature(dst, sig []byte) []byte {
	dst = wtl.AppendID(dst, keyDescriptionID)
	dst = d.Key.AppendTL(dst)
	dst = d.Owner.AppendTL(dst)
	dst = wtl.AppendID(dst, d.Rule.id())
	return wtl.AppendBytes(dst, sig)
}

// Value is a stored DHT entry.
type Value struct {
	Desc KeyDescription
	Data []byte

	// Unix seconds after which the value is discarded.
	TTL int32

	Signature []byte
}

func (v Value) appendWithSignature(dst, sig []byte) []byte {
	dst = wtl.AppendID(dst, valueID)
	dst = v.Desc.appendWithSignature(dst, v.Desc.Signature)
	dst = wtl.AppendBytes(dst, v.Data)
	dst = wtl.AppendInt32(dst, v.TTL)
	return wtl.AppendBytes(dst, sig)
}

func (v Value) AppendTL(dst []byte) []byte {
	return v.appendWithSignature(dst, v.Signature)
}

func (v Value) Expires() time.Time {
	return time.Unix(int64(v.TTL), 0)
}

// SignedValue returns a value under key owned by k,
// signed under [UpdateRuleSignature].
func SignedValue(k *wkey.Key, key Key, data []byte, expires time.Time) Value {
	v := Value{
		Desc: KeyDescription{
			Key:   key,
			Owner: k.PublicKey(),
			Rule:  UpdateRuleSignature,
		},
		Data: data,
		TTL:  int32(expires.Unix()),
	}
	v.Desc.Signature = k.Sign(v.Desc.appendWithSignature(nil, nil))
	v.Signature = k.Sign(v.appendWithSignature(nil, nil))
	return v
}

// OverlayNodesValue returns an unsigned value listing overlay members.
// Each record carries its own signature.
//
// The owner of an overlay nodes key is not meaningful;
// by convention it is the node publishing the list.
func OverlayNodesValue(owner wkey.PublicKey, overlay [32]byte, nodes []wpeer.OverlayNode, expires time.Time) Value {
	return Value{
		Desc: KeyDescription{
			Key:   OverlayNodesKey(overlay),
			Owner: owner,
			Rule:  UpdateRuleOverlayNodes,
		},
		Data: wpeer.AppendOverlayNodes(nil, nodes),
		TTL:  int32(expires.Unix()),
	}
}

func readKey(r *wtl.Reader) Key {
	r.Expect(keyID)
	return Key{
		ID:    r.Int256(),
		Name:  string(r.Bytes()),
		Index: r.Int32(),
	}
}

func readValue(r *wtl.Reader) Value {
	var v Value
	r.Expect(valueID)
	r.Expect(keyDescriptionID)
	v.Desc.Key = readKey(r)
	r.Expect(wkey.PublicKeyID)
	v.Desc.Owner = r.Int256()
	switch id := r.ID(); id {
	case updateRuleSignatureID:
		v.Desc.Rule = UpdateRuleSignature
	case updateRuleAnybodyID:
		v.Desc.Rule = UpdateRuleAnybody
	case updateRuleOverlayNodesID:
		v.Desc.Rule = UpdateRuleOverlayNodes
	default:
		r.Fail(fmt.Errorf("unknown update rule constructor %s", id))
	}
	v.Desc.Signature = append([]byte(nil), r.Bytes()...)
	v.Data = append([]byte(nil), r.Bytes()...)
	v.TTL = r.Int32()
	v.Signature = append([]byte(nil), r.Bytes()...)
	return v
}

// InvalidValueError is returned when a value fails validation.
type InvalidValueError struct {
	Key    Key
	Reason string
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value for key %q/%d: %s", e.Key.Name, e.Key.Index, e.Reason)
}

// ErrValueExpired is returned for values whose TTL has passed.
var ErrValueExpired = errors.New("value expired")

// validateKey checks the key's name and index against the configured limits.
func (c NodeConfig) validateKey(k Key) error {
	if len(k.Name) == 0 || len(k.Name) > c.MaxKeyNameLen {
		return InvalidValueError{Key: k, Reason: fmt.Sprintf("name length must be in [1, %d]", c.MaxKeyNameLen)}
	}
	if k.Index < 0 || int(k.Index) > c.MaxKeyIndex {
		return InvalidValueError{Key: k, Reason: fmt.Sprintf("index must be in [0, %d]", c.MaxKeyIndex)}
	}
	return nil
}

// verifyValue checks v's key limits, expiry, and signatures
// according to its update rule.
func (c NodeConfig) verifyValue(v Value, now time.Time) error {
	if err := c.validateKey(v.Desc.Key); err != nil {
		return err
	}
	if !v.Expires().After(now) {
		return ErrValueExpired
	}

	switch v.Desc.Rule {
	case UpdateRuleSignature:
		if v.Desc.Key.ID != v.Desc.Owner.ID() {
			return InvalidValueError{Key: v.Desc.Key, Reason: "key id does not match owner"}
		}
		if !v.Desc.Owner.Verify(v.Desc.appendWithSignature(nil, nil), v.Desc.Signature) {
			return fmt.Errorf("key description: %w", ErrBadSignature)
		}
		if !v.Desc.Owner.Verify(v.appendWithSignature(nil, nil), v.Signature) {
			return fmt.Errorf("value: %w", ErrBadSignature)
		}

	case UpdateRuleAnybody:
		if v.Desc.Key.ID != v.Desc.Owner.ID() {
			return InvalidValueError{Key: v.Desc.Key, Reason: "key id does not match owner"}
		}
		if len(v.Desc.Signature) != 0 || len(v.Signature) != 0 {
			return InvalidValueError{Key: v.Desc.Key, Reason: "unexpected signature"}
		}

	case UpdateRuleOverlayNodes:
		if v.Desc.Key.Name != "nodes" || v.Desc.Key.Index != 0 {
			return InvalidValueError{Key: v.Desc.Key, Reason: "overlay nodes must use key nodes/0"}
		}
		if len(v.Desc.Signature) != 0 || len(v.Signature) != 0 {
			return InvalidValueError{Key: v.Desc.Key, Reason: "unexpected signature"}
		}
		nodes, err := wpeer.DecodeOverlayNodes(v.Data)
		if err != nil {
			return InvalidValueError{Key: v.Desc.Key, Reason: err.Error()}
		}
		for _, n := range nodes {
			if n.Overlay != v.Desc.Key.ID {
				return InvalidValueError{Key: v.Desc.Key, Reason: "record for another overlay"}
			}
			if err := n.VerifySignature(); err != nil {
				return fmt.Errorf("overlay record for %s: %w", n.NodeID(), err)
			}
		}

	default:
		return InvalidValueError{Key: v.Desc.Key, Reason: "unknown update rule"}
	}

	return nil
}

// mergeOverlayNodes combines two overlay node lists,
// keeping the newest record per node and at most limit records.
func mergeOverlayNodes(a, b []wpeer.OverlayNode, limit int) []wpeer.OverlayNode {
	byID := make(map[wkey.ID]wpeer.OverlayNode, len(a)+len(b))
	for _, n := range slices.Concat(a, b) {
		id := n.NodeID()
		if prev, ok := byID[id]; !ok || n.Version > prev.Version {
			byID[id] = n
		}
	}

	out := make([]wpeer.OverlayNode, 0, len(byID))
	for _, n := range byID {
		out = append(out, n)
	}
	slices.SortFunc(out, func(x, y wpeer.OverlayNode) int {
		// Newest first, then by ID for a stable order.
		if x.Version != y.Version {
			return int(y.Version) - int(x.Version)
		}
		xid, yid := x.NodeID(), y.NodeID()
		return slices.Compare(xid[:], yid[:])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
