package wstun_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gordian-engine/wren/internal/wtest"
	"github.com/gordian-engine/wren/wstun"
	"github.com/pion/stun"
	"github.com/stretchr/testify/require"
)

// serveBinding answers every binding request on a loopback socket
// with mapped as the observed address, and returns the server address.
func serveBinding(t *testing.T, mapped netip.AddrPort) string {
	t.Helper()

	uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = uc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := uc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: mapped.Addr().AsSlice(), Port: int(mapped.Port())},
				stun.Fingerprint,
			)
			if err != nil {
				panic(err)
			}
			_, _ = uc.WriteToUDPAddrPort(res.Raw, from)
		}
	}()

	return uc.LocalAddr().String()
}

// silentServer returns the address of a socket that never answers.
func silentServer(t *testing.T) string {
	t.Helper()

	uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = uc.Close() })
	return uc.LocalAddr().String()
}

func TestClient_MappedAddr(t *testing.T) {
	t.Parallel()

	want := netip.MustParseAddrPort("203.0.113.7:40000")
	c := wstun.NewClient(wtest.NewLogger(t), wstun.ClientConfig{
		Servers:  []string{serveBinding(t, want)},
		Timeout:  time.Second,
		CacheFor: time.Minute,
	})

	got, err := c.MappedAddr(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)

	ip, err := c.PublicIP(context.Background())
	require.NoError(t, err)
	require.Equal(t, want.Addr(), ip)
}

func TestClient_fallsBackToNextServer(t *testing.T) {
	t.Parallel()

	want := netip.MustParseAddrPort("198.51.100.1:1234")
	c := wstun.NewClient(wtest.NewLogger(t), wstun.ClientConfig{
		Servers: []string{silentServer(t), serveBinding(t, want)},
		Timeout: 100 * time.Millisecond,
	})

	got, err := c.MappedAddr(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestClient_allServersFail(t *testing.T) {
	t.Parallel()

	dead := silentServer(t)
	c := wstun.NewClient(wtest.NewLogger(t), wstun.ClientConfig{
		Servers: []string{dead},
		Timeout: 50 * time.Millisecond,
	})

	_, err := c.MappedAddr(context.Background())
	var se wstun.ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, dead, se.Server)
}

func TestClient_noServers(t *testing.T) {
	t.Parallel()

	c := wstun.NewClient(wtest.NewLogger(t), wstun.ClientConfig{})
	_, err := c.PublicIP(context.Background())
	require.ErrorIs(t, err, wstun.ErrNoServers)
}

func TestStatic(t *testing.T) {
	t.Parallel()

	ip, err := wstun.Static(netip.MustParseAddr("192.0.2.10")).PublicIP(context.Background())
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("192.0.2.10"), ip)

	_, err = wstun.Static{}.PublicIP(context.Background())
	require.Error(t, err)
}
