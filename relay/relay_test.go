package relay

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/stretchr/testify/require"
)

// hostDialer rewrites the "echo.test" host to a loopback address, standing in
// for a resolving dialer.
type hostDialer struct {
	addr  string
	calls atomic.Int64
	delay time.Duration
}

func (d *hostDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	if address != "echo.test:7" {
		return nil, errors.Error("unexpected address " + address)
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.addr)
}

func loopback() netip.AddrPort {
	return netip.MustParseAddrPort("127.0.0.1:0")
}

func startTCPEcho(t *testing.T) string {
	t.Helper()
	ls, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	go func() {
		for {
			conn, err := ls.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	return ls.Addr().String()
}

func startUDPEcho(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, UDPBufSize)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(buf[:n], addr)
		}
	}()

	return pc.LocalAddr().String()
}

func TestTCPProxy(t *testing.T) {
	d := &hostDialer{addr: startTCPEcho(t)}
	proxy, err := NewTCPProxy(context.Background(), &Config{
		ListenAddr: loopback(),
		Target:     "echo.test:7",
		Dialer:     d,
	})
	require.NoError(t, err)
	defer proxy.Close()

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", proxy.Addr().String())
		require.NoError(t, err)

		_, err = conn.Write([]byte("ping"))
		require.NoError(t, err)
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		got, err := io.ReadAll(conn)
		require.NoError(t, err)
		require.Equal(t, "ping", string(got))
		_ = conn.Close()
	}

	require.EqualValues(t, 3, d.calls.Load())
}

func TestTCPProxyDialFailure(t *testing.T) {
	d := &hostDialer{addr: startTCPEcho(t)}
	proxy, err := NewTCPProxy(context.Background(), &Config{
		ListenAddr: loopback(),
		Target:     "other.test:7",
		Dialer:     d,
	})
	require.NoError(t, err)
	defer proxy.Close()

	conn, err := net.Dial("tcp", proxy.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestBadTarget(t *testing.T) {
	for _, target := range []string{"", "no-port", ":80", "host:"} {
		_, err := NewTCPProxy(context.Background(), &Config{
			ListenAddr: loopback(),
			Target:     target,
		})
		require.Error(t, err, target)

		_, err = NewUDPProxy(context.Background(), &Config{
			ListenAddr: loopback(),
			Target:     target,
		})
		require.Error(t, err, target)
	}
}

func TestUDPProxy(t *testing.T) {
	// The delay makes the first datagrams land in the futureConn backlog.
	d := &hostDialer{addr: startUDPEcho(t), delay: 50 * time.Millisecond}
	proxy, err := NewUDPProxy(context.Background(), &Config{
		ListenAddr: loopback(),
		Target:     "echo.test:7",
		Dialer:     d,
	})
	require.NoError(t, err)
	go proxy.Run()
	defer proxy.Close()

	conn, err := net.Dial("udp", proxy.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for _, msg := range []string{"one", "two", "three"} {
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
	}

	buf := make([]byte, 64)
	for _, want := range []string{"one", "two", "three"} {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.Equal(t, want, string(buf[:n]))
	}

	require.EqualValues(t, 1, d.calls.Load(), "one client, one outbound conn")
}

func TestFutureConnFailedDial(t *testing.T) {
	dialErr := errors.Error("no route")
	c := newFutureConn(func() (net.Conn, error) {
		return nil, dialErr
	}, 1)

	c.WaitResolve()

	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, dialErr)
	_, err = c.Write([]byte("x"))
	require.ErrorIs(t, err, dialErr)
	require.ErrorIs(t, c.SetReadDeadline(time.Now()), dialErr)
	require.Nil(t, c.RemoteAddr())
	require.NoError(t, c.Close())
}

func TestFutureConnBacklog(t *testing.T) {
	release := make(chan struct{})
	client, server := net.Pipe()
	defer server.Close()

	c := newFutureConn(func() (net.Conn, error) {
		<-release
		return client, nil
	}, 2)

	for _, msg := range []string{"a", "b"} {
		n, err := c.Write([]byte(msg))
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	_, err := c.Write([]byte("c"))
	require.ErrorIs(t, err, errBacklogOverflow)

	close(release)

	buf := make([]byte, 1)
	for _, want := range []string{"a", "b"} {
		_, err := io.ReadFull(server, buf)
		require.NoError(t, err)
		require.Equal(t, want, string(buf))
	}

	go func() { _, _ = server.Write([]byte("z")) }()
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "z", string(buf))
	require.NoError(t, c.Close())
}
