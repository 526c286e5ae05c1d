package wdht

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wkey"
)

// NodeConfig is the configuration for a [Node].
type NodeConfig struct {
	// The transport for DHT queries.
	// The Node registers itself as a query handler on it.
	Transport *wdgram.Node

	// The local key the DHT speaks as.
	// It must be in the transport's keystore.
	Key *wkey.Key

	// Upper bound on how long a stored value is kept,
	// regardless of the TTL the value claims.
	ValueTTL time.Duration

	// Timeout for each query to a DHT peer.
	QueryTimeout time.Duration

	// Number of peers asked in parallel
	// during each round of a value lookup.
	DefaultValueBatchLen int

	// Consecutive failed queries after which a peer
	// is no longer asked.
	BadPeerThreshold int

	// Largest number of peers returned by, or requested in,
	// one findNode or findValue exchange.
	MaxAllowedK int

	// Limits on accepted keys.
	MaxKeyNameLen int
	MaxKeyIndex   int

	// How often expired values are removed from local storage.
	StorageGCInterval time.Duration

	// Optional address this node announces in its own record.
	// When unset the node can query others
	// but does not announce itself or answer getSignedAddressList.
	AdvertiseAddr netip.AddrPort
}

// DefaultNodeConfig returns the configuration
// without Transport, Key, or AdvertiseAddr.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ValueTTL:             60 * time.Second,
		QueryTimeout:         100 * time.Millisecond,
		DefaultValueBatchLen: 3,
		BadPeerThreshold:     5,
		MaxAllowedK:          5,
		MaxKeyNameLen:        127,
		MaxKeyIndex:          15,
		StorageGCInterval:    10 * time.Second,
	}
}

func (c NodeConfig) validate() error {
	var errs error

	if c.Transport == nil {
		errs = errors.Join(errs, errors.New("NodeConfig.Transport must not be nil"))
	}
	if c.Key == nil {
		errs = errors.Join(errs, errors.New("NodeConfig.Key must not be nil"))
	} else if c.Transport != nil {
		if _, ok := c.Transport.Keystore().KeyByID(c.Key.ID()); !ok {
			errs = errors.Join(errs, errors.New("NodeConfig.Key must be in the transport's keystore"))
		}
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"ValueTTL", c.ValueTTL},
		{"QueryTimeout", c.QueryTimeout},
		{"StorageGCInterval", c.StorageGCInterval},
	} {
		if d.v <= 0 {
			errs = errors.Join(errs, fmt.Errorf("NodeConfig.%s must be positive (got %s)", d.name, d.v))
		}
	}

	for _, n := range []struct {
		name string
		v    int
	}{
		{"DefaultValueBatchLen", c.DefaultValueBatchLen},
		{"BadPeerThreshold", c.BadPeerThreshold},
		{"MaxAllowedK", c.MaxAllowedK},
		{"MaxKeyNameLen", c.MaxKeyNameLen},
	} {
		if n.v <= 0 {
			errs = errors.Join(errs, fmt.Errorf("NodeConfig.%s must be positive (got %d)", n.name, n.v))
		}
	}
	if c.MaxKeyIndex < 0 {
		errs = errors.Join(errs, fmt.Errorf("NodeConfig.MaxKeyIndex must not be negative (got %d)", c.MaxKeyIndex))
	}
	if c.MaxAllowedK > maxNodesPerList {
		errs = errors.Join(errs, fmt.Errorf(
			"NodeConfig.MaxAllowedK must be at most %d (got %d)", maxNodesPerList, c.MaxAllowedK,
		))
	}

	return errs
}
