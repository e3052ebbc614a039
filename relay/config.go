package relay

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

const (
	DefaultDialTimeout = 10 * time.Second
)

type Config struct {
	// ListenAddr is the local address accepting clients.
	ListenAddr netip.AddrPort

	// Target is the "host:port" every client is forwarded to. The host is
	// resolved by Dialer on each new connection.
	Target string

	DialTimeout time.Duration
	Dialer      Dialer
}

func (cfg *Config) populateDefaults() {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = new(net.Dialer)
	}
}

func (cfg *Config) validate() error {
	host, port, err := net.SplitHostPort(cfg.Target)
	if err != nil {
		return fmt.Errorf("bad target %q: %w", cfg.Target, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("bad target %q: empty host or port", cfg.Target)
	}
	return nil
}
