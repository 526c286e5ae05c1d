package wtest

import (
	"testing"
	"time"
)

// ScaleDuration is the multiplier applied to the short waits in this file.
// Slow CI machines can raise it.
var ScaleDuration = 1.0

func scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * ScaleDuration)
}

// ReceiveSoon fails the test if a value is not received from ch
// within a short time, and otherwise returns the value.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(scaled(500 * time.Millisecond))
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("did not receive value in time")
		panic("unreachable")
	}
}

// SendSoon fails the test if v cannot be sent on ch within a short time.
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(scaled(500 * time.Millisecond))
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("did not send value in time")
	}
}

// NotSending fails the test if a value is received from ch
// within a very short time.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	timer := time.NewTimer(scaled(15 * time.Millisecond))
	defer timer.Stop()

	select {
	case v := <-ch:
		t.Fatalf("expected no value, got %v", v)
	case <-timer.C:
	}
}
