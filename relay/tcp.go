// Package relay forwards TCP streams and UDP datagrams from a local address
// to a target named by hostname.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

type TCPProxy struct {
	listener    net.Listener
	target      string
	baseCtx     context.Context
	cancel      context.CancelFunc
	dialer      Dialer
	dialTimeout time.Duration
}

// type check
var _ io.Closer = (*TCPProxy)(nil)

// NewTCPProxy starts accepting connections on cfg.ListenAddr and forwarding
// them to cfg.Target.
func NewTCPProxy(ctx context.Context, cfg *Config) (*TCPProxy, error) {
	cfg.populateDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, "tcp", cfg.ListenAddr.String())
	if err != nil {
		return nil, fmt.Errorf("unable to start TCP proxy listener: %w", err)
	}

	baseCtx, cancel := context.WithCancel(ctx)
	proxy := &TCPProxy{
		listener:    listener,
		target:      cfg.Target,
		baseCtx:     baseCtx,
		cancel:      cancel,
		dialer:      cfg.Dialer,
		dialTimeout: cfg.DialTimeout,
	}
	go proxy.listen()

	return proxy, nil
}

// Addr returns the listening address.
func (t *TCPProxy) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPProxy) listen() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Info("relay: timeout while accepting connection: %s", ne)
				time.Sleep(100 * time.Millisecond)
				continue
			}

			select {
			case <-t.baseCtx.Done():
			default:
				log.Error("relay: unrecoverable error while accepting connection: %s", err)
			}
			return
		}

		go t.handle(conn)
	}
}

func (t *TCPProxy) handle(conn net.Conn) {
	log.Debug("relay: accept: TCP %s <=> %s", conn.RemoteAddr(), conn.LocalAddr())
	defer conn.Close()

	dialCtx, cancel := context.WithTimeout(t.baseCtx, t.dialTimeout)
	defer cancel()

	upstreamConn, err := t.dialer.DialContext(dialCtx, "tcp", t.target)
	if err != nil {
		log.Error("relay: remote dial of %s failed: %s", t.target, err)
		return
	}
	defer upstreamConn.Close()

	log.Debug("relay: [+] TCP %s <=> %s (%s)", conn.RemoteAddr(), t.target, upstreamConn.RemoteAddr())

	var eg errgroup.Group
	eg.Go(func() error {
		return pipe(upstreamConn, conn)
	})
	eg.Go(func() error {
		return pipe(conn, upstreamConn)
	})
	if err := eg.Wait(); err != nil {
		log.Debug("relay: TCP %s <=> %s: %s", conn.RemoteAddr(), t.target, err)
	}

	log.Debug("relay: [-] TCP %s <=> %s", conn.RemoteAddr(), t.target)
}

// pipe copies src to dst and then half-closes dst so the peer sees EOF.
func pipe(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
	return err
}

// Close stops accepting connections. Established ones run until either
// side closes.
func (t *TCPProxy) Close() error {
	t.cancel()
	return t.listener.Close()
}
