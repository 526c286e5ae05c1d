// Package wpubsub contains a single-writer, many-reader value stream.
//
// The [Stream] type lets one publisher hand the same ordered sequence
// of values to any number of subscribers, each reading at its own pace.
package wpubsub

import (
	"context"
	"iter"
)

// Stream is a linked list of event-driven values.
// The list has a single writer and many readers.
//
// A reader holding an old node keeps every later node reachable,
// so readers that stop consuming must drop their reference.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an initialized stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		Ready: make(chan struct{}),
	}
}

// Publish assigns s's value, initializes s.Next,
// and then closes s.Ready so observers may read s.Val.
//
// Publishing twice to the same s panics.
func (s *Stream[T]) Publish(t T) {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
}

// Values returns a sequence of every value published from s onward.
// The sequence ends when ctx is cancelled.
func (s *Stream[T]) Values(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		cur := s
		for {
			select {
			case <-ctx.Done():
				return
			case <-cur.Ready:
				if !yield(cur.Val) {
					return
				}
				cur = cur.Next
			}
		}
	}
}
