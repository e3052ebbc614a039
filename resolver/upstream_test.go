package resolver

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startServer runs a plain DNS server on a loopback UDP port answering with
// records from zone.
func startServer(t *testing.T, zone map[string][]dns.RR, rcode int) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Rcode = rcode

			q := req.Question[0]
			for _, rr := range zone[q.Name] {
				if rr.Header().Rrtype == q.Qtype || rr.Header().Rrtype == dns.TypeCNAME {
					resp.Answer = append(resp.Answer, rr)
				}
			}

			_ = w.WriteMsg(resp)
		}),
	}

	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func newTestUpstream(t *testing.T, addr string) *Upstream {
	t.Helper()
	u, err := NewUpstream(&UpstreamConfig{
		Address: addr,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestUpstreamLookup(t *testing.T) {
	addr := startServer(t, map[string][]dns.RR{
		"example.org.": {
			mustRR(t, "example.org. 60 IN A 192.0.2.2"),
			mustRR(t, "example.org. 60 IN A 192.0.2.1"),
			mustRR(t, "example.org. 60 IN AAAA 2001:db8::1"),
		},
		"alias.example.org.": {
			mustRR(t, "alias.example.org. 60 IN CNAME example.org."),
			mustRR(t, "alias.example.org. 60 IN A 192.0.2.3"),
		},
	}, dns.RcodeSuccess)

	u := newTestUpstream(t, addr)

	t.Run("order is kept", func(t *testing.T) {
		addrs, err := u.Lookup(context.Background(), "example.org")
		require.NoError(t, err)
		require.Equal(t, []netip.Addr{
			netip.MustParseAddr("192.0.2.2"),
			netip.MustParseAddr("192.0.2.1"),
			netip.MustParseAddr("2001:db8::1"),
		}, addrs)
	})

	t.Run("cname is skipped", func(t *testing.T) {
		addrs, err := u.Lookup(context.Background(), "alias.example.org")
		require.NoError(t, err)
		require.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.3")}, addrs)
	})

	t.Run("no records", func(t *testing.T) {
		_, err := u.Lookup(context.Background(), "missing.example.org")
		require.ErrorIs(t, err, ErrNoAddresses)
	})
}

func TestUpstreamBadRcode(t *testing.T) {
	addr := startServer(t, nil, dns.RcodeServerFailure)
	u := newTestUpstream(t, addr)

	_, err := u.Lookup(context.Background(), "example.org")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBadRcode))
}

func TestUpstreamNXDomain(t *testing.T) {
	addr := startServer(t, nil, dns.RcodeNameError)
	u := newTestUpstream(t, addr)

	_, err := u.Lookup(context.Background(), "example.org")
	require.ErrorIs(t, err, ErrNoAddresses)
}

func TestNewUpstreamBadAddress(t *testing.T) {
	_, err := NewUpstream(&UpstreamConfig{Address: "bogus://"})
	require.Error(t, err)
}

func TestSystemLocalhostLiteral(t *testing.T) {
	lookup := System(nil)

	addrs, err := lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs)
}
