// Package resolver provides the blocking hostname resolvers consulted by the
// cache on a miss.
package resolver

import (
	"context"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

const (
	// ErrNoAddresses is returned when the name exists but has no A or AAAA
	// records.
	ErrNoAddresses errors.Error = "no addresses found"

	// ErrBadRcode is returned when upstream answers with an error code.
	ErrBadRcode errors.Error = "upstream returned error rcode"
)

// System returns a lookup function backed by r, or by net.DefaultResolver if
// r is nil. Addresses keep the order r returned them in.
func System(r *net.Resolver) func(ctx context.Context, host string) ([]netip.Addr, error) {
	if r == nil {
		r = net.DefaultResolver
	}

	return func(ctx context.Context, host string) (addrs []netip.Addr, err error) {
		defer func() { err = errors.Annotate(err, "system lookup of %s: %w", host) }()

		addrs, err = r.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}

		for i, a := range addrs {
			addrs[i] = a.Unmap()
		}

		return addrs, nil
	}
}
