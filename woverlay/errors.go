package woverlay

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/wren/wkey"
)

var (
	// ErrSelf is wrapped in a [PeerRejectedError]
	// for a record announcing the local node.
	ErrSelf = errors.New("record describes the local node")

	// ErrWrongOverlay is wrapped in a [PeerRejectedError]
	// for a record announcing membership in another overlay.
	ErrWrongOverlay = errors.New("record is for a different overlay")

	// ErrTableFull is wrapped in a [PeerRejectedError]
	// when the table is full and no peer is old enough to evict.
	ErrTableFull = errors.New("peer table full")

	// ErrBroadcastTooLarge is returned when a broadcast payload exceeds the limit.
	ErrBroadcastTooLarge = errors.New("broadcast too large")
)

// PeerRejectedError is returned by [*Overlay.AddPeer]
// when the record cannot be added.
type PeerRejectedError struct {
	Peer wkey.ID
	Err  error
}

func (e PeerRejectedError) Error() string {
	return fmt.Sprintf("rejected overlay peer %s: %v", e.Peer, e.Err)
}

func (e PeerRejectedError) Unwrap() error { return e.Err }

// UnknownPeerError is returned when querying a peer
// that was never added to the overlay.
type UnknownPeerError struct {
	Overlay ID
	Peer    wkey.ID
}

func (e UnknownPeerError) Error() string {
	return fmt.Sprintf("peer %s is not in overlay %s", e.Peer, e.Overlay)
}

// UnknownOverlayError is returned for traffic naming an overlay
// the manager has not joined.
type UnknownOverlayError struct {
	Overlay ID
}

func (e UnknownOverlayError) Error() string {
	return fmt.Sprintf("overlay %s is not joined", e.Overlay)
}
