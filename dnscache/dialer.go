package dnscache

import (
	"context"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/Snawoot/hostrelay/utils/random"
)

const (
	// ErrResolutionFailed is returned by Dialer when the host part of the
	// address could not be resolved.
	ErrResolutionFailed errors.Error = "hostname resolution failed"

	// ErrNoIPsAvailable is returned when there is nothing to dial.
	ErrNoIPsAvailable errors.Error = "no ips available for host"
)

// HostResolver is satisfied by *CachedDNS.
type HostResolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, bool)
}

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type DialerConfig struct {
	// Dialer establishes connections to resolved addresses. A zero
	// net.Dialer is used if it is nil.
	Dialer ContextDialer

	// Shuffle makes Dialer try resolved addresses in random order instead of
	// the order the resolver returned them in.
	Shuffle bool
}

// Dialer dials "host:port" addresses, resolving host through a HostResolver.
type Dialer struct {
	resolver HostResolver
	dialer   ContextDialer
	shuffler *random.Shuffler
}

func NewDialer(r HostResolver, cfg *DialerConfig) *Dialer {
	if cfg == nil {
		cfg = &DialerConfig{}
	}
	d := &Dialer{
		resolver: r,
		dialer:   cfg.Dialer,
	}
	if d.dialer == nil {
		d.dialer = new(net.Dialer)
	}
	if cfg.Shuffle {
		d.shuffler = random.NewShuffler()
	}
	return d
}

// DialContext resolves the host part of address and dials the resulting IPs
// one by one. It returns the first established connection or the first
// dial error.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return d.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	}

	ips, ok := d.resolver.Resolve(ctx, host)
	if !ok {
		return nil, errors.Annotate(ErrResolutionFailed, "dialing %s: %w", address)
	}

	return d.dialSerial(ctx, network, port, ips)
}

func (d *Dialer) dialSerial(ctx context.Context, network, port string, ips []netip.Addr) (net.Conn, error) {
	if len(ips) == 0 {
		return nil, ErrNoIPsAvailable
	}

	var firstErr error
	for _, idx := range d.order(len(ips)) {
		addr := net.JoinHostPort(ips[idx].String(), port)

		conn, err := d.dialer.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}

		if firstErr == nil {
			firstErr = err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, firstErr
}

func (d *Dialer) order(n int) []int {
	if d.shuffler != nil {
		return d.shuffler.Perm(n)
	}
	res := make([]int, n)
	for i := range res {
		res[i] = i
	}
	return res
}
