package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

const defFutureConnBacklog = 256

var errBacklogOverflow = errors.New("backlog overflow")

// futureConn is a net.Conn whose dial is still in progress. Writes made
// before the dial completes are queued and flushed in order once it does;
// everything else waits for the dial.
type futureConn struct {
	conn       net.Conn
	connErr    error
	connCh     chan struct{}
	backlogMux sync.RWMutex
	backlog    chan []byte
	resolved   bool
}

func newFutureConn(dial func() (net.Conn, error), backlog int) *futureConn {
	if backlog < 1 {
		backlog = defFutureConnBacklog
	}
	c := &futureConn{
		connCh:  make(chan struct{}),
		backlog: make(chan []byte, backlog),
	}

	go c.bgDial(dial)

	return c
}

func (c *futureConn) postponed() error {
	return fmt.Errorf("postponed error: %w", c.connErr)
}

func (c *futureConn) Read(b []byte) (n int, err error) {
	c.WaitResolve()
	if c.connErr != nil {
		return 0, c.postponed()
	}
	return c.conn.Read(b)
}

func (c *futureConn) Close() error {
	c.WaitResolve()
	if c.connErr != nil {
		return nil
	}
	return c.conn.Close()
}

func (c *futureConn) LocalAddr() net.Addr {
	c.WaitResolve()
	if c.connErr != nil {
		return nil
	}
	return c.conn.LocalAddr()
}

func (c *futureConn) RemoteAddr() net.Addr {
	c.WaitResolve()
	if c.connErr != nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *futureConn) SetDeadline(t time.Time) error {
	c.WaitResolve()
	if c.connErr != nil {
		return c.postponed()
	}
	return c.conn.SetDeadline(t)
}

func (c *futureConn) SetReadDeadline(t time.Time) error {
	c.WaitResolve()
	if c.connErr != nil {
		return c.postponed()
	}
	return c.conn.SetReadDeadline(t)
}

func (c *futureConn) SetWriteDeadline(t time.Time) error {
	c.WaitResolve()
	if c.connErr != nil {
		return c.postponed()
	}
	return c.conn.SetWriteDeadline(t)
}

// WaitResolve blocks until the dial has finished, successfully or not.
func (c *futureConn) WaitResolve() {
	<-c.connCh
}

func (c *futureConn) Write(b []byte) (int, error) {
	c.backlogMux.RLock()
	defer c.backlogMux.RUnlock()

	if c.resolved {
		if c.connErr != nil {
			return 0, c.postponed()
		}
		return c.conn.Write(b)
	}

	n := len(b)
	stored := make([]byte, n)
	copy(stored, b)

	select {
	case c.backlog <- stored:
		return n, nil
	default:
		return 0, errBacklogOverflow
	}
}

func (c *futureConn) bgDial(dial func() (net.Conn, error)) {
	conn, err := dial()

	c.backlogMux.Lock()
	defer c.backlogMux.Unlock()

	c.conn, c.connErr = conn, err
	c.resolved = true
	close(c.connCh)
	close(c.backlog)

	if err != nil {
		log.Error("relay: bgDial: dial failed: %s", err)
		return
	}

	for buf := range c.backlog {
		if _, err := c.conn.Write(buf); err != nil {
			log.Error("relay: bgDial: postponed write failed: %s", err)
		}
	}
}
