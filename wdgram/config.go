package wdgram

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wmetrics"
)

// PacketConn is the subset of [*net.UDPConn] used by a [Node].
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
}

var _ PacketConn = (*net.UDPConn)(nil)

// NodeConfig is the configuration for a [Node].
//
// Every timing parameter must be set explicitly;
// [DefaultNodeConfig] returns a reasonable baseline.
type NodeConfig struct {
	// The socket for all traffic.
	// The Node never closes it; the caller owns its lifecycle.
	Conn PacketConn

	// Keys the node answers for.
	// Inbound packets addressed to any key in the store are accepted.
	Keystore *wkey.Keystore

	// Lower bound for a query timeout.
	// Shorter requested timeouts are raised to this value.
	QueryMinTimeout time.Duration

	// Timeout used when a query is issued with a zero timeout.
	QueryDefaultTimeout time.Duration

	// How long a multi-packet message may remain incomplete
	// before its partial state is discarded.
	TransferTimeout time.Duration

	// Maximum permitted difference between the local clock
	// and a packet's timestamp.
	// Packets outside the window are dropped as stale or replayed.
	ClockTolerance time.Duration

	// How long one channel key is used before rotating to the next.
	// Both sides derive the key for an epoch independently,
	// so rotation needs no handshake.
	ChannelResetInterval time.Duration

	// How long a peer address is trusted without being refreshed,
	// either by an explicit AddPeer call or by an authenticated packet from it.
	AddressListTimeout time.Duration

	// Whether to track recently seen packets and drop duplicates.
	PacketHistoryEnabled bool

	// Number of packets remembered when history is enabled.
	PacketHistorySize int

	// Whether every inbound packet must carry a valid signature.
	// When set, outbound packets are always signed.
	PacketSignatureRequired bool

	// Whether outbound packets are encrypted with the channel key.
	// Unencrypted packets are always signed.
	EncryptPackets bool

	// Optional.
	Metrics *wmetrics.Metrics

	// Optional clock override, for tests.
	Clock func() time.Time
}

// DefaultNodeConfig returns the configuration without Conn or Keystore.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		QueryMinTimeout:      50 * time.Millisecond,
		QueryDefaultTimeout:  100 * time.Millisecond,
		TransferTimeout:      3 * time.Second,
		ClockTolerance:       60 * time.Second,
		ChannelResetInterval: 30 * time.Second,
		AddressListTimeout:   10 * time.Second,

		PacketHistoryEnabled:    false,
		PacketHistorySize:       4096,
		PacketSignatureRequired: false,
		EncryptPackets:          true,
	}
}

func (c NodeConfig) validate() error {
	// Collect every problem so the caller sees them all at once.
	var errs error

	if c.Conn == nil {
		errs = errors.Join(errs, errors.New("NodeConfig.Conn must not be nil"))
	}
	if c.Keystore == nil || c.Keystore.Len() == 0 {
		errs = errors.Join(errs, errors.New("NodeConfig.Keystore must contain at least one key"))
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"QueryMinTimeout", c.QueryMinTimeout},
		{"QueryDefaultTimeout", c.QueryDefaultTimeout},
		{"TransferTimeout", c.TransferTimeout},
		{"ClockTolerance", c.ClockTolerance},
		{"ChannelResetInterval", c.ChannelResetInterval},
		{"AddressListTimeout", c.AddressListTimeout},
	} {
		if d.v <= 0 {
			errs = errors.Join(errs, fmt.Errorf("NodeConfig.%s must be positive (got %s)", d.name, d.v))
		}
	}

	if c.QueryDefaultTimeout < c.QueryMinTimeout {
		errs = errors.Join(errs, fmt.Errorf(
			"NodeConfig.QueryDefaultTimeout (%s) must not be less than QueryMinTimeout (%s)",
			c.QueryDefaultTimeout, c.QueryMinTimeout,
		))
	}

	if c.PacketHistoryEnabled && c.PacketHistorySize <= 0 {
		errs = errors.Join(errs, fmt.Errorf(
			"NodeConfig.PacketHistorySize must be positive when history is enabled (got %d)",
			c.PacketHistorySize,
		))
	}

	return errs
}
