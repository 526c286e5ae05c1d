package woverlay

import (
	"errors"
	"fmt"
	"time"
)

// Options bound the local bookkeeping of one joined overlay.
type Options struct {
	// Size of the peer table.
	// When full, a new peer may only replace one
	// that has been in the table longer than PeersTimeout.
	MaxNeighbours int

	// Number of recent broadcast IDs remembered for deduplication.
	BroadcastLogSize int

	// How often remembered broadcasts older than BroadcastTimeout are forgotten.
	GCInterval time.Duration

	// Age after which a peer may be evicted to make room.
	PeersTimeout time.Duration

	// Largest accepted ordinary broadcast payload.
	MaxBroadcastSize int

	// Peers an originated broadcast is sent to.
	BroadcastTargetCount int

	// Peers a received broadcast is forwarded to.
	SecondaryBroadcastTargetCount int

	// FEC broadcast parameters.
	// They are validated and kept, but only ordinary broadcasts are sent.
	SecondaryFECBroadcastTargetCount int
	FECBroadcastWaveLen              int
	FECBroadcastWaveInterval         time.Duration

	// Broadcasts dated further than this from the local clock are dropped.
	BroadcastTimeout time.Duration

	// Whether broadcast payloads are always snappy-compressed.
	ForceCompression bool
}

// DefaultOptions returns the options used for public workchain overlays.
func DefaultOptions() Options {
	return Options{
		MaxNeighbours:    100,
		BroadcastLogSize: 100,
		GCInterval:       time.Second,
		PeersTimeout:     60 * time.Second,
		MaxBroadcastSize: 1_000_000,

		BroadcastTargetCount:             5,
		SecondaryBroadcastTargetCount:    3,
		SecondaryFECBroadcastTargetCount: 3,
		FECBroadcastWaveLen:              5,
		FECBroadcastWaveInterval:         50 * time.Millisecond,
		BroadcastTimeout:                 60 * time.Second,

		ForceCompression: false,
	}
}

func (o Options) validate() error {
	var errs error

	for _, n := range []struct {
		name string
		v    int
	}{
		{"MaxNeighbours", o.MaxNeighbours},
		{"BroadcastLogSize", o.BroadcastLogSize},
		{"MaxBroadcastSize", o.MaxBroadcastSize},
		{"BroadcastTargetCount", o.BroadcastTargetCount},
		{"FECBroadcastWaveLen", o.FECBroadcastWaveLen},
	} {
		if n.v <= 0 {
			errs = errors.Join(errs, fmt.Errorf("Options.%s must be positive (got %d)", n.name, n.v))
		}
	}

	for _, n := range []struct {
		name string
		v    int
	}{
		{"SecondaryBroadcastTargetCount", o.SecondaryBroadcastTargetCount},
		{"SecondaryFECBroadcastTargetCount", o.SecondaryFECBroadcastTargetCount},
	} {
		if n.v < 0 {
			errs = errors.Join(errs, fmt.Errorf("Options.%s must not be negative (got %d)", n.name, n.v))
		}
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"GCInterval", o.GCInterval},
		{"PeersTimeout", o.PeersTimeout},
		{"FECBroadcastWaveInterval", o.FECBroadcastWaveInterval},
		{"BroadcastTimeout", o.BroadcastTimeout},
	} {
		if d.v <= 0 {
			errs = errors.Join(errs, fmt.Errorf("Options.%s must be positive (got %s)", d.name, d.v))
		}
	}

	return errs
}
