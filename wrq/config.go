package wrq

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wmetrics"
)

// NodeConfig is the configuration for a [Node].
type NodeConfig struct {
	// The datagram transport the node sends through.
	// The Node registers itself as a custom message handler on it,
	// and shares its keys and peer addresses.
	Transport *wdgram.Node

	// Largest answer accepted for an outbound query.
	// Peers are told this limit so they do not send more.
	MaxAnswerSize int64

	// Maximum number of concurrent outbound queries to one peer.
	// Further queries wait for a slot, within their own timeout.
	MaxPeerQueries int

	// Bounds for the adaptive timeout
	// used when a query is issued with a zero timeout.
	QueryMinTimeout time.Duration
	QueryMaxTimeout time.Duration

	// Number of symbols sent in one burst,
	// and the pause between bursts while a transfer is incomplete.
	QueryWaveLen      int
	QueryWaveInterval time.Duration

	// Whether to compress every outbound query and answer.
	// Compressed envelopes are always accepted inbound.
	ForceCompression bool

	// Size of each coded symbol.
	SymbolSize int

	// Parity symbols per data symbol in each part.
	ParityRatio float32

	// How long a partially received inbound transfer is kept.
	TransferTimeout time.Duration

	// Optional.
	Metrics *wmetrics.Metrics
}

// DefaultNodeConfig returns the configuration without a Transport.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		MaxAnswerSize:     maxTransferSize,
		MaxPeerQueries:    10,
		QueryMinTimeout:   100 * time.Millisecond,
		QueryMaxTimeout:   500 * time.Millisecond,
		QueryWaveLen:      5,
		QueryWaveInterval: 50 * time.Millisecond,
		ForceCompression:  false,
		SymbolSize:        768,
		ParityRatio:       0.25,
		TransferTimeout:   10 * time.Second,
	}
}

// Largest transfer the node sends or reassembles.
// Reassembled envelopes carry the payload in one byte string,
// whose length prefix is limited to 24 bits.
const maxTransferSize = 1<<24 - 64

func (c NodeConfig) validate() error {
	var errs error

	if c.Transport == nil {
		errs = errors.Join(errs, errors.New("NodeConfig.Transport must not be nil"))
	}

	if c.MaxAnswerSize <= 0 || c.MaxAnswerSize > maxTransferSize {
		errs = errors.Join(errs, fmt.Errorf(
			"NodeConfig.MaxAnswerSize must be in (0, %d] (got %d)", maxTransferSize, c.MaxAnswerSize,
		))
	}
	if c.MaxPeerQueries <= 0 {
		errs = errors.Join(errs, fmt.Errorf("NodeConfig.MaxPeerQueries must be positive (got %d)", c.MaxPeerQueries))
	}
	if c.QueryMinTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("NodeConfig.QueryMinTimeout must be positive (got %s)", c.QueryMinTimeout))
	}
	if c.QueryMaxTimeout < c.QueryMinTimeout {
		errs = errors.Join(errs, fmt.Errorf(
			"NodeConfig.QueryMaxTimeout (%s) must not be less than QueryMinTimeout (%s)",
			c.QueryMaxTimeout, c.QueryMinTimeout,
		))
	}
	if c.QueryWaveLen <= 0 {
		errs = errors.Join(errs, fmt.Errorf("NodeConfig.QueryWaveLen must be positive (got %d)", c.QueryWaveLen))
	}
	if c.QueryWaveInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("NodeConfig.QueryWaveInterval must be positive (got %s)", c.QueryWaveInterval))
	}
	if c.SymbolSize < 32 || c.SymbolSize > maxSymbolSize {
		errs = errors.Join(errs, fmt.Errorf(
			"NodeConfig.SymbolSize must be in [32, %d] (got %d)", maxSymbolSize, c.SymbolSize,
		))
	}
	if c.ParityRatio <= 0 || c.ParityRatio > 1 {
		errs = errors.Join(errs, fmt.Errorf("NodeConfig.ParityRatio must be in (0, 1] (got %f)", c.ParityRatio))
	}
	if c.TransferTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("NodeConfig.TransferTimeout must be positive (got %s)", c.TransferTimeout))
	}

	return errs
}
