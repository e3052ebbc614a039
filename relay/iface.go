package relay

import (
	"context"
	"net"
)

// Dialer connects to the relay target. *dnscache.Dialer resolves the target
// hostname through the cache; *net.Dialer works too.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
