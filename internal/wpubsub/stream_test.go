package wpubsub_test

import (
	"context"
	"testing"

	"github.com/gordian-engine/wren/internal/wpubsub"
	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/stretchr/testify/require"
)

func TestStream_Publish_panicsOnCalledTwice(t *testing.T) {
	t.Parallel()

	s := wpubsub.NewStream[int]()
	s.Publish(1)

	require.Panics(t, func() {
		s.Publish(1)
	})
}

func TestStream_Publish_readyInOrder(t *testing.T) {
	t.Parallel()

	s := wpubsub.NewStream[int]()
	head := s

	wtest.NotSending(t, head.Ready)

	s.Publish(1)
	s = s.Next
	s.Publish(2)

	wtest.ReceiveSoon(t, head.Ready)
	require.Equal(t, 1, head.Val)
	wtest.ReceiveSoon(t, head.Next.Ready)
	require.Equal(t, 2, head.Next.Val)
	wtest.NotSending(t, head.Next.Next.Ready)
}

func TestStream_Values(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := wpubsub.NewStream[string]()

	got := make(chan []string, 1)
	go func() {
		var vals []string
		for v := range s.Values(ctx) {
			vals = append(vals, v)
			if len(vals) == 3 {
				break
			}
		}
		got <- vals
	}()

	for _, v := range []string{"a", "b", "c"} {
		s.Publish(v)
		s = s.Next
	}

	require.Equal(t, []string{"a", "b", "c"}, wtest.ReceiveSoon(t, got))
}

func TestStream_Values_endsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	s := wpubsub.NewStream[int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range s.Values(ctx) {
			t.Error("unexpected value")
		}
	}()

	wtest.NotSending(t, done)
	cancel()
	wtest.ReceiveSoon(t, done)
}
