package dnsproxy

import (
	"context"
	"net/netip"
)

const DefaultTTL = 60

// Resolver answers A and AAAA questions. *dnscache.CachedDNS implements it.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, bool)
}

// Config is the DNS proxy configuration.
type Config struct {
	// ListenAddr is the address the DNS server is supposed to listen to.
	ListenAddr netip.AddrPort

	// Upstream is the upstream that queries other than A and AAAA are
	// forwarded to.  The format of an upstream is the one that can be
	// consumed by [proxy.ParseUpstreamsConfig].
	Upstream string

	// Resolver provides addresses for A and AAAA answers.
	Resolver Resolver

	// TTL of synthesized answers, in seconds. Zero means DefaultTTL.
	TTL uint32
}
