package wrq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/wren/wkey"
)

// QueryTimeoutError is returned from [*Node.Query]
// when the answer is not fully received within the timeout.
//
// It matches [context.DeadlineExceeded] with errors.Is.
type QueryTimeoutError struct {
	Peer  wkey.ID
	After time.Duration
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("reliable query to %s timed out after %s", e.Peer, e.After)
}

func (e QueryTimeoutError) Timeout() bool { return true }

func (e QueryTimeoutError) Unwrap() error { return context.DeadlineExceeded }

var (
	// ErrQueryTooLarge is returned when an outbound query
	// exceeds the largest transfer the node can send.
	ErrQueryTooLarge = errors.New("query too large")

	// ErrAnswerTooLarge is logged when a local handler's answer
	// exceeds the querier's advertised maximum.
	ErrAnswerTooLarge = errors.New("answer exceeds peer's maximum answer size")
)
