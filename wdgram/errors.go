package wdgram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/wren/wkey"
)

// QueryTimeoutError is returned from [*Node.Query]
// when no answer arrives within the timeout.
//
// It matches [context.DeadlineExceeded] with errors.Is.
type QueryTimeoutError struct {
	Peer  wkey.ID
	After time.Duration
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query to %s timed out after %s", e.Peer, e.After)
}

func (e QueryTimeoutError) Timeout() bool { return true }

func (e QueryTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// TransportError wraps a failure to send or receive on the socket,
// or a failure to prepare a packet for a peer.
type TransportError struct {
	Op   string
	Peer wkey.ID
	Err  error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport %s to %s: %v", e.Op, e.Peer, e.Err)
}

func (e TransportError) Unwrap() error { return e.Err }

// UnknownPeerError is returned when sending to a peer
// that was never added to the node for the given local key.
type UnknownPeerError struct {
	Local, Remote wkey.ID
}

func (e UnknownPeerError) Error() string {
	return fmt.Sprintf("peer %s unknown to local key %s", e.Remote, e.Local)
}

// UnknownLocalKeyError is returned when a local ID
// does not match any key in the node's keystore.
type UnknownLocalKeyError struct {
	ID wkey.ID
}

func (e UnknownLocalKeyError) Error() string {
	return fmt.Sprintf("no local key with id %s", e.ID)
}

var (
	// ErrAddressExpired is wrapped in a [TransportError]
	// when the peer's address was not refreshed within the address list timeout.
	ErrAddressExpired = errors.New("peer address expired")

	// ErrMessageTooLarge is returned when a message exceeds [MaxMessageSize].
	ErrMessageTooLarge = errors.New("message too large")
)
