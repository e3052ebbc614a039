package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

const (
	// UDPConnTrackTimeout is the timeout used for UDP connection tracking
	UDPConnTrackTimeout = 90 * time.Second
	// UDPBufSize is the buffer size for the UDP proxy
	UDPBufSize = 65507
)

type connTrackMap map[netip.AddrPort]net.Conn

type UDPProxy struct {
	listener       *net.UDPConn
	target         string
	baseCtx        context.Context
	dialer         Dialer
	dialTimeout    time.Duration
	connTrackTable connTrackMap
	connTrackLock  sync.Mutex
	idleTimeout    time.Duration
}

// type check
var _ io.Closer = (*UDPProxy)(nil)

// NewUDPProxy binds cfg.ListenAddr. Forwarding starts with Run.
func NewUDPProxy(ctx context.Context, cfg *Config) (*UDPProxy, error) {
	cfg.populateDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var listenConfig net.ListenConfig
	listener, err := listenConfig.ListenPacket(ctx, "udp", cfg.ListenAddr.String())
	if err != nil {
		return nil, fmt.Errorf("unable to start UDP proxy listener: %w", err)
	}
	udpListener, ok := listener.(*net.UDPConn)
	if !ok {
		listener.Close()
		return nil, fmt.Errorf("unable to assert listener type")
	}

	proxy := &UDPProxy{
		listener:       udpListener,
		target:         cfg.Target,
		baseCtx:        ctx,
		dialer:         cfg.Dialer,
		dialTimeout:    cfg.DialTimeout,
		connTrackTable: make(connTrackMap),
		idleTimeout:    UDPConnTrackTimeout,
	}

	return proxy, nil
}

// Addr returns the listening address.
func (proxy *UDPProxy) Addr() net.Addr {
	return proxy.listener.LocalAddr()
}

func (proxy *UDPProxy) replyLoop(proxyConn net.Conn, clientAddr netip.AddrPort) {
	defer func() {
		proxy.connTrackLock.Lock()
		delete(proxy.connTrackTable, clientAddr)
		proxy.connTrackLock.Unlock()
		proxyConn.Close()
	}()

	readBuf := make([]byte, UDPBufSize)
	for {
		if err := proxyConn.SetReadDeadline(time.Now().Add(proxy.idleTimeout)); err != nil {
			return
		}
	again:
		read, err := proxyConn.Read(readBuf)
		if err != nil {
			if err, ok := err.(*net.OpError); ok && errors.Is(err.Err, syscall.ECONNREFUSED) {
				// This will happen if the last write failed
				// (e.g: nothing is actually listening on the
				// target port), ignore it and continue until
				// UDPConnTrackTimeout expires:
				goto again
			}
			return
		}
		for i := 0; i != read; {
			written, err := proxy.listener.WriteToUDPAddrPort(readBuf[i:read], clientAddr)
			if err != nil {
				return
			}
			i += written
		}
	}
}

// Run forwards datagrams until the proxy is closed.
func (proxy *UDPProxy) Run() {
	readBuf := make([]byte, UDPBufSize)
	for {
		read, from, err := proxy.listener.ReadFromUDPAddrPort(readBuf)
		if err != nil {
			// NOTE: Apparently ReadFrom doesn't return
			// ECONNREFUSED like Read do (see comment in
			// UDPProxy.replyLoop)
			if !errors.Is(err, net.ErrClosed) {
				log.Error("relay: stopping proxy on udp: %s", err)
			}
			break
		}

		proxy.connTrackLock.Lock()
		proxyConn, hit := proxy.connTrackTable[from]
		if !hit {
			proxyConn = proxy.makeOutboundConn(from)
			proxy.connTrackTable[from] = proxyConn
			go proxy.replyLoop(proxyConn, from)
		}
		proxy.connTrackLock.Unlock()
		for i := 0; i != read; {
			written, err := proxyConn.Write(readBuf[i:read])
			if err != nil {
				log.Error("relay: can't proxy a datagram to udp: %s", err)
				break
			}
			i += written
		}
	}
}

// makeOutboundConn returns immediately: the target is resolved and dialed in
// background so the receive loop is never stalled by a slow resolver.
func (proxy *UDPProxy) makeOutboundConn(from netip.AddrPort) net.Conn {
	log.Debug("relay: [+] UDP %s <=> %s", from, proxy.target)

	return newFutureConn(func() (net.Conn, error) {
		dialCtx, cancel := context.WithTimeout(proxy.baseCtx, proxy.dialTimeout)
		defer cancel()

		conn, err := proxy.dialer.DialContext(dialCtx, "udp", proxy.target)
		if err != nil {
			return nil, fmt.Errorf("remote dial of %s failed: %w", proxy.target, err)
		}

		return conn, nil
	}, 0)
}

// Close stops forwarding the traffic.
func (proxy *UDPProxy) Close() error {
	err := proxy.listener.Close()
	proxy.connTrackLock.Lock()
	conns := make([]net.Conn, 0, len(proxy.connTrackTable))
	for _, conn := range proxy.connTrackTable {
		conns = append(conns, conn)
	}
	proxy.connTrackLock.Unlock()

	// Closing waits for pending dials, so do it outside the lock.
	for _, conn := range conns {
		conn.Close()
	}
	return err
}
