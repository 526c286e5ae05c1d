package woverlay

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/gordian-engine/wren/wtl"
)

var (
	shardOverlayID = wtl.SchemeID("tonNode.shardPublicOverlayId workchain:int shard:long zero_state_file_hash:int256 = tonNode.ShardPublicOverlayId")
	pubOverlayID   = wtl.SchemeID("pub.overlay name:bytes = PublicKey")
)

const (
	// MasterchainWorkchain is the workchain of the privileged partition.
	MasterchainWorkchain int32 = -1

	// The shard prefix covering a whole workchain.
	wholeWorkchainShard uint64 = 1 << 63
)

// ID is the short identifier of an overlay.
type ID [32]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) LogValue() slog.Value {
	return slog.StringValue(id.String())
}

// FullID returns the boxed public overlay descriptor
// whose hash is the overlay's short ID.
// Its name is the hash of the boxed shard overlay descriptor.
func FullID(workchain int32, zeroStateFileHash [32]byte) []byte {
	shard := wtl.AppendID(nil, shardOverlayID)
	shard = wtl.AppendInt32(shard, workchain)
	shard = wtl.AppendUint64(shard, wholeWorkchainShard)
	shard = wtl.AppendInt256(shard, zeroStateFileHash)
	name := sha256.Sum256(shard)

	full := wtl.AppendID(nil, pubOverlayID)
	return wtl.AppendBytes(full, name[:])
}

// ComputeID derives the ID of the overlay covering a whole workchain
// of the network whose genesis state has the given file hash.
// Nodes that agree on both inputs agree on the ID.
func ComputeID(workchain int32, zeroStateFileHash [32]byte) ID {
	return sha256.Sum256(FullID(workchain, zeroStateFileHash))
}
