// Package ws implements the controller-facing WebSocket server by hand:
// handshake, RFC 6455 framing, keepalive and size limits, without pulling a
// websocket library onto the wire path. Frames arrive masked, possibly
// several per TCP segment, and are reassembled through a growing
// per-connection buffer.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/udisondev/partygo/internal/config"
)

// Handler receives transport events. Callbacks run on the per-connection
// read goroutines; implementations must marshal onto their own loop before
// touching shared state.
type Handler interface {
	// OnConnect fires after a successful handshake.
	OnConnect(connID string)
	// OnMessage delivers the payload of one text frame, already checked to
	// be syntactically valid JSON.
	OnMessage(connID string, data []byte)
	// OnDisconnect fires exactly once per connected connection, whatever
	// killed it: peer close, read error, keepalive expiry or server stop.
	OnDisconnect(connID string)
	// OnError surfaces host-level failures (e.g. listener bind).
	OnError(err error)
}

var (
	errPeerClosed = errors.New("peer sent close frame")

	crlfcrlf = []byte("\r\n\r\n")
)

// Server accepts controller connections and speaks the wire protocol.
// Application semantics live above, behind Handler.
type Server struct {
	bind    string
	port    int
	cfg     config.WebSocketConfig
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*conn
}

// NewServer creates a WebSocket server bound to cfg.BindAddress on the
// resolved WebSocket port.
func NewServer(cfg config.Host, handler Handler) *Server {
	return &Server{
		bind:    cfg.BindAddress,
		port:    cfg.WebSocketPort(),
		cfg:     cfg.WebSocket,
		handler: handler,
		conns:   make(map[string]*conn),
	}
}

// Addr returns the listen address, nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens and serves until ctx is cancelled. A bind failure is surfaced
// through Handler.OnError as well as the return value so an embedder that
// keeps running still observes it.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.bind, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		err = fmt.Errorf("listening on %s: %w", addr, err)
		s.handler.OnError(err)
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	return s.Serve(ctx, ln)
}

// Serve accepts connections from a ready listener. Split from Run so tests
// can pass a port-0 listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		slog.Info("websocket server started", "address", ln.Addr())
		s.acceptLoop(ctx, &wg, ln)
	})
	if interval := s.cfg.KeepaliveInterval(); interval > 0 {
		wg.Go(func() {
			s.keepaliveLoop(ctx, interval, s.cfg.KeepaliveTimeout())
		})
	}

	wg.Wait()
	s.closeAll()

	return nil
}

func (s *Server) acceptLoop(ctx context.Context, wg *sync.WaitGroup, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			nc, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Error("failed to accept new connection", "error", err)
				continue
			}
			wg.Go(func() {
				s.handleConnection(ctx, nc)
			})
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	c := newConn(nc, s.cfg.SendQueueSize, s.cfg.WriteTimeout())
	stop := context.AfterFunc(ctx, c.close)
	defer stop()
	defer s.destroy(c)

	chunk := make([]byte, initialBufferSize)
	for {
		n, err := c.nc.Read(chunk)
		if err != nil {
			return
		}
		c.buf.Append(chunk[:n])

		if !c.handshakeDone {
			done, err := s.tryHandshake(c)
			if err != nil {
				slog.Debug("handshake failed", "remote", nc.RemoteAddr(), "error", err)
				return
			}
			if !done {
				continue
			}
		}

		if err := s.processFrames(c); err != nil {
			if !errors.Is(err, errPeerClosed) {
				slog.Debug("frame processing failed", "connId", c.id, "error", err)
			}
			return
		}
	}
}

// tryHandshake looks for the end of the HTTP upgrade header. Compaction uses
// the header's byte length: trailing frame bytes in the same packet stay in
// the buffer and are processed right after.
func (s *Server) tryHandshake(c *conn) (bool, error) {
	idx := bytes.Index(c.buf.Bytes(), crlfcrlf)
	if idx < 0 {
		return false, nil
	}

	resp, err := handshakeResponse(string(c.buf.Bytes()[:idx]))
	c.buf.Compact(idx + len(crlfcrlf))
	if err != nil {
		return false, err
	}

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return false, fmt.Errorf("setting handshake deadline: %w", err)
	}
	if _, err := c.nc.Write(resp); err != nil {
		return false, fmt.Errorf("writing handshake response: %w", err)
	}

	c.id = uuid.NewString()
	c.handshakeDone = true
	c.lastPong.Store(time.Now().UnixMilli())

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	go c.writePump()
	s.handler.OnConnect(c.id)
	return true, nil
}

// processFrames drains complete frames from the connection buffer, then
// compacts past the consumed prefix. A non-nil return destroys the
// connection.
func (s *Server) processFrames(c *conn) error {
	offset := 0
	data := c.buf.Bytes()
	for offset < len(data) {
		frame, consumed, err := DecodeFrame(data[offset:], s.cfg.MaxFrameSize)
		if err != nil {
			return err
		}
		if frame == nil {
			break
		}
		offset += consumed

		switch frame.Opcode {
		case OpText:
			if !json.Valid(frame.Payload) {
				// One bad frame is not worth the connection.
				slog.Debug("discarding malformed JSON frame", "connId", c.id)
				continue
			}
			s.handler.OnMessage(c.id, frame.Payload)
		case OpClose:
			_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			_, _ = c.nc.Write([]byte{0x88, 0x00})
			return errPeerClosed
		case OpPing:
			if err := c.enqueue(EncodeFrame(OpPong, frame.Payload)); err != nil {
				slog.Debug("dropping pong reply", "connId", c.id, "error", err)
			}
		case OpPong:
			c.lastPong.Store(time.Now().UnixMilli())
		default:
			slog.Debug("discarding frame", "connId", c.id, "opcode", frame.Opcode)
		}
	}
	c.buf.Compact(offset)
	return nil
}

// keepaliveLoop pings every connection each interval and destroys those
// whose last PONG is older than interval+timeout.
func (s *Server) keepaliveLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ping := EncodeFrame(OpPing, nil)
	deadline := interval + timeout

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for _, c := range s.snapshot() {
				if now-c.lastPong.Load() > deadline.Milliseconds() {
					slog.Info("keepalive expired", "connId", c.id)
					s.destroy(c)
					continue
				}
				if err := c.enqueue(ping); err != nil {
					slog.Debug("dropping keepalive ping", "connId", c.id, "error", err)
				}
			}
		}
	}
}

// Send serializes v and queues it as a text frame on one connection.
// Failures are logged and returned, never fatal.
func (s *Server) Send(connID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message for %s: %w", connID, err)
	}

	s.mu.Lock()
	c := s.conns[connID]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("unknown connection %s", connID)
	}

	if err := c.enqueue(EncodeFrame(OpText, data)); err != nil {
		slog.Warn("failed to send to connection", "connId", connID, "error", err)
		return fmt.Errorf("sending to %s: %w", connID, err)
	}
	return nil
}

// Broadcast serializes v once and queues it on every connection except
// excludeConnID. A failure on one connection never aborts the rest.
func (s *Server) Broadcast(v any, excludeConnID string) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal broadcast", "error", err)
		return
	}
	frame := EncodeFrame(OpText, data)

	for _, c := range s.snapshot() {
		if c.id == excludeConnID {
			continue
		}
		if err := c.enqueue(frame); err != nil {
			slog.Warn("failed to broadcast to connection", "connId", c.id, "error", err)
		}
	}
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// closeAll writes a best-effort close frame to every connection and destroys
// them. Runs after the accept and keepalive loops have exited.
func (s *Server) closeAll() {
	closeFrame := EncodeFrame(OpClose, nil)
	for _, c := range s.snapshot() {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		_, _ = c.nc.Write(closeFrame)
		s.destroy(c)
	}
}

// destroy tears down a connection and, if it had completed the handshake and
// is still registered, emits OnDisconnect exactly once.
func (s *Server) destroy(c *conn) {
	c.close()
	if c.id == "" {
		return
	}

	s.mu.Lock()
	_, registered := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	if registered {
		s.handler.OnDisconnect(c.id)
	}
}
