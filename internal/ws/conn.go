package ws

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Default write queue / timeout constants.
// Overridden by config values when available.
const (
	defaultSendQueueSize = 256
	defaultWriteTimeout  = 5 * time.Second
)

// ErrSendQueueFull is returned when a connection's write queue is saturated.
var ErrSendQueueFull = errors.New("send queue full")

// conn is one managed controller connection. The read loop owns buf; id is
// empty until the handshake completes.
type conn struct {
	nc  net.Conn
	buf *Buffer

	id            string
	handshakeDone bool

	// lastPong is unix millis of the latest PONG, seeded at accept time.
	lastPong atomic.Int64

	// Per-connection async write queue (la2go-style write pump): frames are
	// queued as encoded bytes and flushed by a dedicated goroutine so a slow
	// controller never blocks the read loop or a broadcast.
	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
}

func newConn(nc net.Conn, queueSize int, writeTimeout time.Duration) *conn {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	c := &conn{
		nc:           nc,
		buf:          NewBuffer(),
		sendCh:       make(chan []byte, queueSize),
		closeCh:      make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.lastPong.Store(time.Now().UnixMilli())
	return c
}

// enqueue hands an encoded frame to the write pump without blocking.
func (c *conn) enqueue(frame []byte) error {
	select {
	case <-c.closeCh:
		return net.ErrClosed
	default:
	}
	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writePump flushes queued frames until the connection closes.
func (c *conn) writePump() {
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.close()
				return
			}
			if _, err := c.nc.Write(frame); err != nil {
				slog.Debug("write failed", "connId", c.id, "error", err)
				c.close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// close tears down the TCP connection and stops the write pump. Safe to call
// from any goroutine, any number of times.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		_ = c.nc.Close()
	})
}
