// Package wprobe bootstraps a node into one overlay
// and asks a single peer for its capabilities over both query paths.
//
// [Run] walks the stages from [StageUninitialized] to [StageDone] in order.
// A failure before the overlay is joined is fatal and returned as a [FatalSetupError].
// A rejected peer or a failed query is recorded in the [Report] instead.
package wprobe

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gordian-engine/wren"
	"github.com/gordian-engine/wren/wdgram"
	"github.com/gordian-engine/wren/wdht"
	"github.com/gordian-engine/wren/wkey"
	"github.com/gordian-engine/wren/wmetrics"
	"github.com/gordian-engine/wren/woverlay"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/gordian-engine/wren/wrq"
	"github.com/gordian-engine/wren/wstun"
	"github.com/gordian-engine/wren/wtl"
)

// Transport names a query path in an [Outcome].
type Transport string

const (
	TransportDatagram Transport = "dgram"
	TransportReliable Transport = "rq"
)

// Outcome is the result of one capabilities query.
type Outcome struct {
	Transport Transport

	OK           bool
	Capabilities wtl.Capabilities

	// Set when OK is false.
	Err error

	Elapsed time.Duration
}

// Kind is a short description of the outcome for logging.
func (o Outcome) Kind() string {
	switch {
	case o.OK:
		return "ok"
	case isTimeout(o.Err):
		return "timeout"
	case errors.As(o.Err, new(wdgram.TransportError)):
		return "transport_error"
	case errors.As(o.Err, new(woverlay.UnknownPeerError)):
		return "unknown_peer"
	default:
		return "error"
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Report is everything a run learned.
type Report struct {
	LocalID   wkey.ID
	LocalAddr netip.AddrPort
	Overlay   woverlay.ID

	// The address advertised to other nodes.
	// Zero when no public IP resolver is set and discovery is off.
	PublicAddr netip.AddrPort

	// Zero when no peer was registered.
	Peer wkey.ID

	// Why no peer was registered, if none was.
	PeerErr error

	// Empty when no peer was registered.
	// Otherwise one entry per query path, datagram first.
	Outcomes []Outcome

	Stage Stage
}

// Config is the configuration for [Run].
type Config struct {
	// Local socket address. Port zero picks an ephemeral port.
	BindAddr netip.AddrPort

	// Optional. Resolved before the transports start;
	// a resolution failure is fatal.
	// The result is advertised in the DHT.
	// When nil, the bind address is advertised.
	PublicIP wstun.Resolver

	// Seed of the node key. A zero seed picks a random key.
	KeySeed [32]byte
	KeyTag  int

	// Inputs of the overlay ID.
	Workchain         int32
	ZeroStateFileHash [32]byte

	// The peer to query. When nil and Discover is set,
	// the peer is found through the DHT instead.
	Peer *wpeer.Record

	Discover  bool
	DHTNodes  []wdht.NodeRecord
	Discovery wdht.DiscoveryConfig

	// Publish the local overlay record to the DHT after joining.
	// Requires Discover.
	Announce bool

	// Per-query timeout, applied to each path independently.
	QueryTimeout time.Duration

	Transport wdgram.NodeConfig
	Reliable  wrq.NodeConfig
	DHT       wdht.NodeConfig
	Overlay   woverlay.Options

	// Optional. Registered on the joined overlay
	// so the run answers capability queries as well.
	Responder *woverlay.CapabilitiesHandler

	// Optional. Called after the queries complete and before shutdown.
	// Responders use it to keep serving.
	Hold func(ctx context.Context, n *wren.Network, o *woverlay.Overlay)

	// Optional.
	Metrics *wmetrics.Metrics
}

// DefaultConfig returns a configuration for the masterchain overlay
// with per-layer defaults, and no peer or genesis hash.
func DefaultConfig() Config {
	return Config{
		BindAddr:     netip.AddrPortFrom(netip.IPv4Unspecified(), 0),
		Workchain:    woverlay.MasterchainWorkchain,
		Discovery:    wdht.DefaultDiscoveryConfig(),
		QueryTimeout: time.Second,
		Transport:    wdgram.DefaultNodeConfig(),
		Reliable:     wrq.DefaultNodeConfig(),
		DHT:          wdht.DefaultNodeConfig(),
		Overlay:      woverlay.DefaultOptions(),
	}
}

func (c Config) validate() error {
	var errs error

	if !c.BindAddr.IsValid() {
		errs = errors.Join(errs, errors.New("Config.BindAddr must be set"))
	}
	if c.QueryTimeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("Config.QueryTimeout must be positive (got %s)", c.QueryTimeout))
	}
	if c.ZeroStateFileHash == ([32]byte{}) {
		errs = errors.Join(errs, errors.New("Config.ZeroStateFileHash must be set"))
	}
	if c.Announce && !c.Discover {
		errs = errors.Join(errs, errors.New("Config.Announce requires Discover"))
	}
	if c.Discover && c.Peer == nil && c.Discovery.MaxRounds <= 0 {
		errs = errors.Join(errs, fmt.Errorf("Config.Discovery.MaxRounds must be positive (got %d)", c.Discovery.MaxRounds))
	}

	return errs
}

type run struct {
	log *slog.Logger
	cfg Config

	stage Stage
	rep   Report
}

// advance moves to the next stage.
func (r *run) advance(to Stage) {
	if to != r.stage+1 {
		panic(fmt.Errorf("BUG: stage transition from %s to %s", r.stage, to))
	}
	r.log.Debug("Probe stage", "from", r.stage, "to", to)
	r.stage = to
	r.rep.Stage = to
}

func (r *run) fatal(err error) (Report, error) {
	return r.rep, FatalSetupError{Stage: r.stage, Err: err}
}

// Run performs one probe.
//
// Everything Run starts is stopped before it returns.
// ctx bounds the whole run, including Config.Hold.
func Run(ctx context.Context, log *slog.Logger, cfg Config) (Report, error) {
	r := &run{log: log, cfg: cfg}

	if err := cfg.validate(); err != nil {
		return r.fatal(fmt.Errorf("invalid probe configuration: %w", err))
	}

	ks, key, err := buildIdentity(cfg.KeySeed, cfg.KeyTag)
	if err != nil {
		return r.fatal(err)
	}
	r.rep.LocalID = key.ID()
	r.advance(StageIdentityReady)

	uc, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(cfg.BindAddr))
	if err != nil {
		return r.fatal(fmt.Errorf("failed to bind %s: %w", cfg.BindAddr, err))
	}
	defer uc.Close()
	local := uc.LocalAddr().(*net.UDPAddr).AddrPort()
	r.rep.LocalAddr = local

	var public netip.AddrPort
	if cfg.PublicIP != nil || cfg.Discover {
		public, err = advertiseAddr(ctx, cfg.PublicIP, local)
		if err != nil {
			return r.fatal(err)
		}
		r.rep.PublicAddr = public
		log.Info("Resolved public address", "addr", public)
	}

	// Only the DHT advertises an address.
	advertise := netip.AddrPort{}
	if cfg.Discover {
		advertise = public
	}

	nctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ncfg := wren.NetworkConfig{
		UDPConn:       uc,
		Keystore:      ks,
		KeyTag:        cfg.KeyTag,
		Transport:     cfg.Transport,
		Reliable:      cfg.Reliable,
		EnableDHT:     cfg.Discover,
		DHT:           cfg.DHT,
		AdvertiseAddr: advertise,
		Metrics:       cfg.Metrics,
	}
	n, err := wren.NewNetwork(nctx, log.With("sys", "network"), ncfg)
	if err != nil {
		return r.fatal(err)
	}
	defer func() {
		cancel()
		n.Wait()
	}()
	r.advance(StageTransportsReady)

	id := woverlay.ComputeID(cfg.Workchain, cfg.ZeroStateFileHash)
	r.rep.Overlay = id
	o, _, err := n.Overlays.Join(id, cfg.Overlay)
	if err != nil {
		return r.fatal(fmt.Errorf("failed to join overlay %s: %w", id, err))
	}
	if cfg.Responder != nil {
		o.AddQueryHandler(*cfg.Responder)
	}
	r.advance(StageOverlayJoined)

	// Nothing past this point is fatal.

	if cfg.Discover {
		r.bootstrapDHT(nctx, n.DHT, o)
	}

	peer, err := r.registerPeer(nctx, n, o)
	r.advance(StagePeerRegistered)
	if err != nil {
		log.Info("No peer registered", "err", err)
		r.rep.PeerErr = err
	} else {
		r.rep.Peer = peer
	}

	r.advance(StageQueriesInFlight)
	if err == nil {
		r.rep.Outcomes = r.query(nctx, n, o, peer)
	}

	if cfg.Hold != nil {
		cfg.Hold(nctx, n, o)
	}

	r.advance(StageDone)
	r.logReport()
	return r.rep, nil
}

func buildIdentity(seed [32]byte, tag int) (*wkey.Keystore, *wkey.Key, error) {
	if seed == ([32]byte{}) {
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, nil, fmt.Errorf("failed to generate key seed: %w", err)
		}
	}

	b := wkey.NewKeystoreBuilder()
	k, err := b.AddTaggedKey(seed, tag)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build keystore: %w", err)
	}
	return b.Build(), k, nil
}

// advertiseAddr combines the resolved public IP with the local port.
func advertiseAddr(ctx context.Context, res wstun.Resolver, local netip.AddrPort) (netip.AddrPort, error) {
	if res == nil {
		if local.Addr().IsUnspecified() {
			return netip.AddrPort{}, errors.New("an unspecified bind address needs a public IP resolver")
		}
		return local, nil
	}

	ip, err := res.PublicIP(ctx)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve public IP: %w", err)
	}
	return netip.AddrPortFrom(ip, local.Port()), nil
}

// bootstrapDHT seeds the DHT from the static nodes
// and publishes the local records when announcing.
func (r *run) bootstrapDHT(ctx context.Context, d *wdht.Node, o *woverlay.Overlay) {
	added := 0
	for _, rec := range r.cfg.DHTNodes {
		if _, err := d.AddPeer(rec); err != nil {
			r.log.Debug("Rejected static DHT node", "peer_id", rec.ID(), "err", err)
			continue
		}
		added++
	}

	found, err := d.FindMorePeers(ctx)
	if err != nil && !errors.Is(err, wdht.ErrNoPeers) {
		r.log.Info("DHT peer search failed", "err", err)
	}
	r.log.Info("DHT bootstrapped", "static", added, "found", found)

	if !r.cfg.Announce {
		return
	}
	if _, err := d.StoreAddress(ctx); err != nil {
		r.log.Info("Failed to publish local address", "err", err)
	}
	if _, err := d.StoreOverlayNode(ctx, o.LocalNode()); err != nil {
		r.log.Info("Failed to publish overlay record", "err", err)
	}
}

// registerPeer adds the configured peer to the overlay,
// or the first discovered member the overlay accepts.
func (r *run) registerPeer(ctx context.Context, n *wren.Network, o *woverlay.Overlay) (wkey.ID, error) {
	if p := r.cfg.Peer; p != nil {
		return o.AddPeer(n.Transport, p.Addr, p.Node)
	}
	if n.DHT == nil {
		return wkey.ID{}, errors.New("no peer configured and discovery disabled")
	}

	var errs error
	for rec, err := range n.DHT.FindOverlayNodes(ctx, [32]byte(o.ID()), r.cfg.Discovery) {
		if err != nil {
			return wkey.ID{}, errors.Join(errs, fmt.Errorf("discovery failed: %w", err))
		}
		id, err := o.AddPeer(n.Transport, rec.Addr, rec.Node)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		r.log.Info("Discovered overlay peer", "peer_id", id, "addr", rec.Addr)
		return id, nil
	}
	return wkey.ID{}, errors.Join(errs, errors.New("discovery found no usable peer"))
}

// query asks peer for its capabilities over both paths at once.
// Neither path waits on the other.
func (r *run) query(ctx context.Context, n *wren.Network, o *woverlay.Overlay, peer wkey.ID) []Outcome {
	q := wtl.AppendGetCapabilities(nil)
	timeout := r.cfg.QueryTimeout

	out := []Outcome{
		{Transport: TransportDatagram},
		{Transport: TransportReliable},
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.finish(&out[0], func() ([]byte, error) {
			return o.QueryViaTransport(ctx, n.Transport, peer, q, timeout)
		})
	}()
	go func() {
		defer wg.Done()
		r.finish(&out[1], func() ([]byte, error) {
			return o.QueryViaReliable(ctx, n.Reliable, peer, q, timeout)
		})
	}()
	wg.Wait()

	return out
}

func (r *run) finish(o *Outcome, query func() ([]byte, error)) {
	start := time.Now()
	answer, err := query()
	o.Elapsed = time.Since(start)

	if err == nil {
		o.Capabilities, err = wtl.DecodeCapabilities(answer)
	}
	if err != nil {
		o.Err = err
	} else {
		o.OK = true
	}

	r.cfg.Metrics.QueryFinished(string(o.Transport), o.Kind(), o.Elapsed)
	r.log.Debug(
		"Capabilities query finished",
		"transport", o.Transport, "result", o.Kind(), "elapsed", o.Elapsed,
	)
}

func (r *run) logReport() {
	if len(r.rep.Outcomes) == 0 {
		r.log.Info("Probe finished without queries", "overlay", r.rep.Overlay, "err", r.rep.PeerErr)
		return
	}

	attrs := []any{"overlay", r.rep.Overlay, "peer_id", r.rep.Peer}
	for _, o := range r.rep.Outcomes {
		prefix := string(o.Transport)
		if o.OK {
			attrs = append(attrs, slog.Group(prefix,
				"result", o.Kind(),
				"version", o.Capabilities.Version,
				"capabilities", o.Capabilities.Capabilities,
				"elapsed", o.Elapsed,
			))
		} else {
			attrs = append(attrs, slog.Group(prefix,
				"result", o.Kind(),
				"err", o.Err,
				"elapsed", o.Elapsed,
			))
		}
	}
	r.log.Info("Probe finished", attrs...)
}
