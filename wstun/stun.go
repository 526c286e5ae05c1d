// Package wstun discovers the public address a node should advertise.
//
// A [Client] asks STUN servers for the address its packets appear from.
// [Static] is used when the operator already knows the address.
package wstun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun"
)

// Resolver reports the public IP of the local host.
type Resolver interface {
	PublicIP(ctx context.Context) (netip.Addr, error)
}

// Static is a [Resolver] that always reports the same address.
type Static netip.Addr

func (s Static) PublicIP(context.Context) (netip.Addr, error) {
	a := netip.Addr(s)
	if !a.IsValid() {
		return netip.Addr{}, errors.New("static public IP is not set")
	}
	return a, nil
}

// ErrNoServers is returned by a [Client] configured without servers.
var ErrNoServers = errors.New("no STUN servers configured")

// ServerError reports a failed exchange with one STUN server.
type ServerError struct {
	Server string
	Err    error
}

func (e ServerError) Error() string {
	return fmt.Sprintf("STUN server %s: %v", e.Server, e.Err)
}

func (e ServerError) Unwrap() error { return e.Err }

// ClientConfig is the configuration for a [Client].
type ClientConfig struct {
	// host:port of STUN servers, tried in order.
	Servers []string

	// Deadline for one binding request.
	Timeout time.Duration

	// How long a discovered address is reused.
	// Zero disables caching.
	CacheFor time.Duration
}

// DefaultClientConfig returns a configuration using public STUN servers.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Servers: []string{
			"stun.l.google.com:19302",
			"stun.cloudflare.com:3478",
		},
		Timeout:  3 * time.Second,
		CacheFor: 5 * time.Minute,
	}
}

// Client resolves the public IP with STUN binding requests.
type Client struct {
	log *slog.Logger
	cfg ClientConfig

	mu       sync.Mutex
	cached   netip.AddrPort
	cachedAt time.Time
}

func NewClient(log *slog.Logger, cfg ClientConfig) *Client {
	return &Client{log: log, cfg: cfg}
}

// PublicIP returns the IP part of [*Client.MappedAddr].
func (c *Client) PublicIP(ctx context.Context) (netip.Addr, error) {
	ap, err := c.MappedAddr(ctx)
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr(), nil
}

// MappedAddr returns the address a STUN server observed for this host.
// Servers are tried in order and the first answer wins.
func (c *Client) MappedAddr(ctx context.Context) (netip.AddrPort, error) {
	c.mu.Lock()
	if c.cached.IsValid() && time.Since(c.cachedAt) < c.cfg.CacheFor {
		ap := c.cached
		c.mu.Unlock()
		return ap, nil
	}
	c.mu.Unlock()

	if len(c.cfg.Servers) == 0 {
		return netip.AddrPort{}, ErrNoServers
	}

	var errs error
	for _, server := range c.cfg.Servers {
		ap, err := c.query(ctx, server)
		if err == nil {
			c.mu.Lock()
			c.cached, c.cachedAt = ap, time.Now()
			c.mu.Unlock()

			c.log.Debug("Resolved public address", "server", server, "addr", ap)
			return ap, nil
		}
		if ctx.Err() != nil {
			return netip.AddrPort{}, context.Cause(ctx)
		}

		c.log.Debug("STUN query failed", "server", server, "err", err)
		errs = errors.Join(errs, ServerError{Server: server, Err: err})
	}
	return netip.AddrPort{}, errs
}

func (c *Client) query(ctx context.Context, server string) (netip.AddrPort, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(c.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return netip.AddrPort{}, err
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to build binding request: %w", err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to send binding request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to read binding response: %w", err)
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to decode binding response: %w", err)
		}
		if res.TransactionID != req.TransactionID {
			// Stale answer to an earlier request.
			continue
		}
		return mappedAddr(res)
	}
}

func mappedAddr(res *stun.Message) (netip.AddrPort, error) {
	if res.Type != stun.BindingSuccess {
		return netip.AddrPort{}, fmt.Errorf("unexpected response type %s", res.Type)
	}

	var (
		ip   net.IP
		port int
	)
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		ip, port = xor.IP, xor.Port
	} else {
		// RFC 3489 servers only send MAPPED-ADDRESS.
		var plain stun.MappedAddress
		if err := plain.GetFrom(res); err != nil {
			return netip.AddrPort{}, errors.New("response has no mapped address")
		}
		ip, port = plain.IP, plain.Port
	}

	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("malformed mapped address %v", ip)
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(port)), nil
}
