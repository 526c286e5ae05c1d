package wdht

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wpeer"
)

// DiscoveryConfig bounds one run of [*Node.FindOverlayNodes].
type DiscoveryConfig struct {
	// Number of lookup rounds before giving up.
	// Each round after the first begins by asking peers for more peers.
	MaxRounds int

	// Optional. When it returns true for a yielded record,
	// discovery stops after that record.
	Stop func(wpeer.Record) bool
}

// DefaultDiscoveryConfig returns a config with a small round budget and no stop predicate.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{MaxRounds: 3}
}

// StoreOverlayNode publishes node under its overlay's nodes key.
// Peers merge it into the list they already hold.
func (n *Node) StoreOverlayNode(ctx context.Context, node wpeer.OverlayNode) (int, error) {
	if err := node.VerifySignature(); err != nil {
		return 0, fmt.Errorf("overlay record for %s: %w", node.NodeID(), err)
	}
	expires := n.now().Add(n.cfg.ValueTTL)
	v := OverlayNodesValue(n.key.PublicKey(), node.Overlay, []wpeer.OverlayNode{node}, expires)
	return n.Publish(ctx, v)
}

// FindOverlayNodes returns a lazy sequence of records for members of overlay.
//
// Each round looks up the overlay's node list,
// then resolves the address of every member not seen earlier in this run.
// Members are yielded at most once per run, deduplicated by node ID;
// the local node is never yielded.
// Members whose address cannot be found are skipped.
//
// The sequence is not exhaustive: it ends when the round budget is spent,
// when cfg.Stop matches, or when the consumer stops iterating.
// A lookup error other than [ErrValueNotFound] is yielded once and ends the sequence.
// Ranging over the result again starts a fresh run.
func (n *Node) FindOverlayNodes(
	ctx context.Context, overlay [32]byte, cfg DiscoveryConfig,
) iter.Seq2[wpeer.Record, error] {
	return func(yield func(wpeer.Record, error) bool) {
		seen := map[wkey.ID]struct{}{
			n.key.ID(): {},
		}

		for round := range cfg.MaxRounds {
			if round > 0 {
				if _, err := n.FindMorePeers(ctx); err != nil && !errors.Is(err, ErrNoPeers) {
					yield(wpeer.Record{}, err)
					return
				}
			}

			nodes, err := n.overlayNodes(ctx, overlay)
			if err != nil {
				yield(wpeer.Record{}, err)
				return
			}

			for _, node := range nodes {
				id := node.NodeID()
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}

				addrs, err := n.FindAddress(ctx, id)
				if err != nil {
					if ctx.Err() != nil {
						yield(wpeer.Record{}, context.Cause(ctx))
						return
					}
					n.log.Debug("Skipping overlay member without address", "peer_id", id, "err", err)
					continue
				}
				if len(addrs.Addrs) == 0 {
					continue
				}

				rec := wpeer.Record{Addr: addrs.Addrs[0], Node: node}
				if !yield(rec, nil) {
					return
				}
				if cfg.Stop != nil && cfg.Stop(rec) {
					return
				}
			}
		}
	}
}

// overlayNodes merges the overlay's node list held by peers
// with any list held locally.
// A list missing everywhere is an empty result, not an error.
func (n *Node) overlayNodes(ctx context.Context, overlay [32]byte) ([]wpeer.OverlayNode, error) {
	key := OverlayNodesKey(overlay)

	var nodes []wpeer.OverlayNode
	v, err := n.findRemoteValue(ctx, key)
	switch {
	case err == nil:
		// Verified by the lookup, so the list decodes.
		nodes, _ = wpeer.DecodeOverlayNodes(v.Data)
	case errors.Is(err, ErrValueNotFound), errors.Is(err, ErrNoPeers):
	default:
		return nil, err
	}

	if local, ok := n.store.get(key.Hash(), n.now()); ok {
		localNodes, _ := wpeer.DecodeOverlayNodes(local.Data)
		nodes = mergeOverlayNodes(nodes, localNodes, wpeer.MaxNodesPerList)
	}
	return nodes, nil
}
