package wren

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wdht"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wmetrics"
	"github.com/gordian-engine/wren/woverlay"
	"github.com/gordian-engine/wren/wrq"
)

// Network is the set of layers running on one socket.
type Network struct {
	log *slog.Logger

	key *wkey.Key

	cancel context.CancelFunc

	Transport *wdgram.Node
	Reliable  *wrq.Node

	// Nil unless NetworkConfig.EnableDHT was set.
	DHT *wdht.Node

	Overlays *woverlay.Manager
}

// NetworkConfig is the configuration for a [Network].
//
// The per-layer configs are used as given,
// except for the fields that tie the layers together
// (socket, keystore, transport, key, metrics), which NewNetwork sets.
type NetworkConfig struct {
	// Socket shared by every layer.
	// The caller closes it after the network has stopped.
	UDPConn *net.UDPConn

	Keystore *wkey.Keystore

	// Tag of the keystore entry the DHT and overlays speak as.
	KeyTag int

	Transport wdgram.NodeConfig
	Reliable  wrq.NodeConfig

	EnableDHT bool
	DHT       wdht.NodeConfig

	// Address announced in the local DHT record.
	// Only meaningful with EnableDHT.
	AdvertiseAddr netip.AddrPort

	// Optional.
	Metrics *wmetrics.Metrics
}

// DefaultNetworkConfig returns per-layer defaults
// with no socket, keystore, or DHT.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Transport: wdgram.DefaultNodeConfig(),
		Reliable:  wrq.DefaultNodeConfig(),
		DHT:       wdht.DefaultNodeConfig(),
	}
}

func (c NetworkConfig) validate() error {
	var errs error

	if c.UDPConn == nil {
		errs = errors.Join(errs, errors.New("NetworkConfig.UDPConn must not be nil"))
	}
	if c.Keystore == nil {
		errs = errors.Join(errs, errors.New("NetworkConfig.Keystore must not be nil"))
	} else if _, err := c.Keystore.KeyByTag(c.KeyTag); err != nil {
		errs = errors.Join(errs, fmt.Errorf("NetworkConfig.KeyTag: %w", err))
	}
	if c.AdvertiseAddr.IsValid() && !c.EnableDHT {
		errs = errors.Join(errs, errors.New("NetworkConfig.AdvertiseAddr requires EnableDHT"))
	}

	return errs
}

// NewNetwork starts every configured layer on cfg.UDPConn.
// The layers stop when ctx is cancelled;
// use [*Network.Wait] to block until their background work has finished.
//
// If a layer fails to start, the layers already started
// are stopped before NewNetwork returns.
func NewNetwork(ctx context.Context, log *slog.Logger, cfg NetworkConfig) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid network configuration: %w", err)
	}

	// Checked by validate.
	key, _ := cfg.Keystore.KeyByTag(cfg.KeyTag)

	ctx, cancel := context.WithCancel(ctx)
	n := &Network{
		log:    log,
		key:    key,
		cancel: cancel,
	}

	tc := cfg.Transport
	tc.Conn = cfg.UDPConn
	tc.Keystore = cfg.Keystore
	tc.Metrics = cfg.Metrics
	t, err := wdgram.NewNode(ctx, log.With("sys", "dgram"), tc)
	if err != nil {
		cancel()
		return nil, LayerError{Layer: "transport", Err: err}
	}
	n.Transport = t

	rc := cfg.Reliable
	rc.Transport = t
	rc.Metrics = cfg.Metrics
	rq, err := wrq.NewNode(ctx, log.With("sys", "rq"), rc)
	if err != nil {
		n.Wait()
		return nil, LayerError{Layer: "reliable query", Err: err}
	}
	n.Reliable = rq

	if cfg.EnableDHT {
		dc := cfg.DHT
		dc.Transport = t
		dc.Key = key
		dc.AdvertiseAddr = cfg.AdvertiseAddr
		d, err := wdht.NewNode(ctx, log.With("sys", "dht"), dc)
		if err != nil {
			n.Wait()
			return nil, LayerError{Layer: "dht", Err: err}
		}
		n.DHT = d
	}

	m, err := woverlay.NewManager(ctx, log.With("sys", "overlay"), woverlay.ManagerConfig{
		Transport: t,
		Reliable:  rq,
		Key:       key,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		n.Wait()
		return nil, LayerError{Layer: "overlay", Err: err}
	}
	n.Overlays = m

	log.Info(
		"Network started",
		"local_addr", t.LocalAddr(),
		"node_id", key.ID(),
		"dht", cfg.EnableDHT,
	)
	return n, nil
}

// Key returns the key the DHT and overlays speak as.
func (n *Network) Key() *wkey.Key { return n.key }

// Wait stops every layer and blocks until their background work has finished.
// It is normally called after the context passed to NewNetwork is cancelled.
func (n *Network) Wait() {
	n.cancel()

	if n.Overlays != nil {
		n.Overlays.Wait()
	}
	if n.DHT != nil {
		n.DHT.Wait()
	}
	if n.Reliable != nil {
		n.Reliable.Wait()
	}
	n.Transport.Wait()
}
