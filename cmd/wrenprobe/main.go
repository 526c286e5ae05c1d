// Command wrenprobe joins an overlay and asks one peer for its capabilities
// over both the datagram and the reliable query paths.
//
// Every flag defaults to an environment variable,
// and variables may also come from a .env file
// (WREN_ENV_FILE, or .env in the working directory).
//
// With -respond, the probe also answers capability queries
// and keeps serving for -hold, printing its own peer record
// so another probe can target it with -peer-json.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gordian-engine/wren"
	"github.com/gordian-engine/wren/internal/wprobe"
	"github.com/gordian-engine/wren/wconfig"
	"github.com/gordian-engine/wren/wmetrics"
	"github.com/gordian-engine/wren/woverlay"
	"github.com/gordian-engine/wren/wpeer"
	"github.com/gordian-engine/wren/wstun"
	"github.com/gordian-engine/wren/wtl"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := loadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func loadDotEnv() error {
	path := getenv("WREN_ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type flags struct {
	bind         string
	publicIP     string
	globalConfig string
	peerFile     string
	peerJSON     string
	workchain    int
	timeout      time.Duration
	discover     bool
	announce     bool
	keySeed      string

	logLevel    string
	logFormat   string
	metricsAddr string

	respond     bool
	respondVer  uint
	respondCaps uint64
	hold        time.Duration
}

func parseFlags(args []string) (flags, error) {
	var f flags
	set := flag.NewFlagSet("wrenprobe", flag.ContinueOnError)

	set.StringVar(&f.bind, "bind", getenv("WREN_BIND", "0.0.0.0:0"), "local UDP address (env WREN_BIND)")
	set.StringVar(&f.publicIP, "public-ip", getenv("WREN_PUBLIC_IP", ""), `advertised IP: an address, "stun", or empty for the bind address (env WREN_PUBLIC_IP)`)
	set.StringVar(&f.globalConfig, "global-config", getenv("WREN_GLOBAL_CONFIG", ""), "path of the global network config (env WREN_GLOBAL_CONFIG)")
	set.StringVar(&f.peerFile, "peer", getenv("WREN_PEER", ""), "path of the target peer record (env WREN_PEER)")
	set.StringVar(&f.peerJSON, "peer-json", getenv("WREN_PEER_JSON", ""), "inline target peer record (env WREN_PEER_JSON)")
	set.IntVar(&f.workchain, "workchain", envInt("WREN_WORKCHAIN", int(woverlay.MasterchainWorkchain)), "overlay workchain (env WREN_WORKCHAIN)")
	set.DurationVar(&f.timeout, "timeout", envDuration("WREN_QUERY_TIMEOUT", time.Second), "per-query timeout (env WREN_QUERY_TIMEOUT)")
	set.BoolVar(&f.discover, "discover", envBool("WREN_DISCOVER"), "find the peer through the DHT when none is given (env WREN_DISCOVER)")
	set.BoolVar(&f.announce, "announce", envBool("WREN_ANNOUNCE"), "publish the local overlay record to the DHT (env WREN_ANNOUNCE)")
	set.StringVar(&f.keySeed, "key-seed", getenv("WREN_KEY_SEED", ""), "hex key seed; random when empty (env WREN_KEY_SEED)")

	set.StringVar(&f.logLevel, "log-level", getenv("WREN_LOG_LEVEL", "info"), "debug, info, warn, or error (env WREN_LOG_LEVEL)")
	set.StringVar(&f.logFormat, "log-format", getenv("WREN_LOG_FORMAT", "text"), "text or json (env WREN_LOG_FORMAT)")
	set.StringVar(&f.metricsAddr, "metrics-addr", getenv("WREN_METRICS_ADDR", ""), "serve Prometheus metrics on this address (env WREN_METRICS_ADDR)")

	set.BoolVar(&f.respond, "respond", envBool("WREN_RESPOND"), "answer capability queries (env WREN_RESPOND)")
	set.UintVar(&f.respondVer, "respond-version", 1, "version reported with -respond")
	set.Uint64Var(&f.respondCaps, "respond-capabilities", 0, "capability bitmask reported with -respond")
	set.DurationVar(&f.hold, "hold", envDuration("WREN_HOLD", 0), "keep serving this long after the probe (env WREN_HOLD)")

	if err := set.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func run(ctx context.Context, args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	log, err := newLogger(f.logLevel, f.logFormat)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(log, f)
	if err != nil {
		return err
	}

	if f.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		cfg.Metrics = wmetrics.New(reg, "wren")
		stop := serveMetrics(log, f.metricsAddr, reg)
		defer stop()
	}

	_, err = wprobe.Run(ctx, log, cfg)
	return err
}

func buildConfig(log *slog.Logger, f flags) (wprobe.Config, error) {
	cfg := wprobe.DefaultConfig()

	bind, err := netip.ParseAddrPort(f.bind)
	if err != nil {
		return cfg, fmt.Errorf("invalid -bind: %w", err)
	}
	cfg.BindAddr = bind

	switch f.publicIP {
	case "":
	case "stun":
		cfg.PublicIP = wstun.NewClient(log.With("sys", "stun"), wstun.DefaultClientConfig())
	default:
		ip, err := netip.ParseAddr(f.publicIP)
		if err != nil {
			return cfg, fmt.Errorf("invalid -public-ip: %w", err)
		}
		cfg.PublicIP = wstun.Static(ip)
	}

	if f.globalConfig == "" {
		return cfg, errors.New("-global-config is required")
	}
	g, err := wconfig.LoadGlobal(f.globalConfig)
	if err != nil {
		return cfg, err
	}
	cfg.ZeroStateFileHash = g.ZeroState.FileHash
	cfg.DHTNodes = g.DHTNodes
	cfg.Workchain = int32(f.workchain)

	switch {
	case f.peerFile != "" && f.peerJSON != "":
		return cfg, errors.New("-peer and -peer-json are mutually exclusive")
	case f.peerFile != "":
		rec, err := wconfig.LoadPeer(f.peerFile)
		if err != nil {
			return cfg, err
		}
		cfg.Peer = &rec
	case f.peerJSON != "":
		rec, err := wconfig.ParsePeerString(f.peerJSON)
		if err != nil {
			return cfg, err
		}
		cfg.Peer = &rec
	}

	cfg.Discover = f.discover
	cfg.Announce = f.announce
	cfg.QueryTimeout = f.timeout

	if f.keySeed != "" {
		seed, err := hex.DecodeString(f.keySeed)
		if err != nil || len(seed) != len(cfg.KeySeed) {
			return cfg, fmt.Errorf("-key-seed must be %d hex-encoded bytes", len(cfg.KeySeed))
		}
		copy(cfg.KeySeed[:], seed)
	}

	if f.respond {
		cfg.Responder = &woverlay.CapabilitiesHandler{
			Capabilities: wtl.Capabilities{
				Version:      uint32(f.respondVer),
				Capabilities: f.respondCaps,
			},
		}
		cfg.Hold = holdFor(log, f.hold, bind)
	}

	return cfg, nil
}

// holdFor prints the local peer record and keeps the network up
// for d or until ctx is cancelled.
func holdFor(log *slog.Logger, d time.Duration, bind netip.AddrPort) func(context.Context, *wren.Network, *woverlay.Overlay) {
	return func(ctx context.Context, n *wren.Network, o *woverlay.Overlay) {
		addr := n.Transport.LocalAddr()
		if addr.Addr().IsUnspecified() {
			addr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), addr.Port())
		}
		b, err := wconfig.MarshalPeer(wpeer.Record{Addr: addr, Node: o.LocalNode()})
		if err != nil {
			log.Warn("Failed to encode local peer record", "err", err)
		} else {
			fmt.Println(string(b))
		}

		if d <= 0 {
			return
		}
		log.Info("Serving capability queries", "for", d, "bind", bind)

		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
}

func serveMetrics(log *slog.Logger, addr string, g prometheus.Gatherer) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Metrics server stopped", "err", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
