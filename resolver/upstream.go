package resolver

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

const DefaultUpstreamTimeout = 5 * time.Second

type UpstreamConfig struct {
	// Address is the upstream in any form accepted by
	// [upstream.AddressToUpstream]: "1.1.1.1", "tls://1.1.1.1",
	// "https://dns.google/dns-query" and so on.
	Address string

	// Timeout bounds a single exchange with the upstream.
	Timeout time.Duration

	// Bootstrap resolvers are used to resolve the upstream hostname itself.
	Bootstrap []string
}

func (cfg *UpstreamConfig) populateDefaults() {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultUpstreamTimeout
	}
}

// Upstream resolves hostnames by sending A and AAAA queries to a DNS
// upstream.
type Upstream struct {
	ups upstream.Upstream
}

// type check
var _ io.Closer = (*Upstream)(nil)

func NewUpstream(cfg *UpstreamConfig) (*Upstream, error) {
	cfg.populateDefaults()

	ups, err := upstream.AddressToUpstream(cfg.Address, &upstream.Options{
		Timeout:   cfg.Timeout,
		Bootstrap: cfg.Bootstrap,
	})
	if err != nil {
		return nil, fmt.Errorf("resolver: bad upstream %q: %w", cfg.Address, err)
	}

	return &Upstream{
		ups: ups,
	}, nil
}

// Lookup returns IPv4 addresses of host followed by IPv6 ones, each group in
// answer order. The context is not consulted: exchanges are bounded by the
// configured upstream timeout.
func (u *Upstream) Lookup(_ context.Context, host string) (addrs []netip.Addr, err error) {
	defer func() { err = errors.Annotate(err, "upstream lookup of %s: %w", host) }()

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		res, err := u.exchange(host, qtype)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, res...)
	}

	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}

	return addrs, nil
}

func (u *Upstream) exchange(host string, qtype uint16) ([]netip.Addr, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(host), qtype)
	req.RecursionDesired = true

	resp, err := u.ups.Exchange(req)
	if err != nil {
		return nil, fmt.Errorf("exchange with %s: %w", u.ups.Address(), err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		// NXDOMAIN: nothing in this family, the other one decides.
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadRcode, dns.RcodeToString[resp.Rcode])
	}

	return answerAddrs(resp), nil
}

// answerAddrs extracts A and AAAA records in answer order, skipping CNAMEs
// and everything else.
func answerAddrs(resp *dns.Msg) []netip.Addr {
	var res []netip.Addr
	for _, rr := range resp.Answer {
		var (
			addr netip.Addr
			ok   bool
		)
		switch v := rr.(type) {
		case *dns.A:
			addr, ok = netip.AddrFromSlice(v.A.To4())
		case *dns.AAAA:
			addr, ok = netip.AddrFromSlice(v.AAAA.To16())
		}
		if ok {
			res = append(res, addr.Unmap())
		}
	}
	return res
}

// Close releases upstream connections.
func (u *Upstream) Close() error {
	return u.ups.Close()
}
