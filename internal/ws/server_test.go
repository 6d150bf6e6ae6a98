package ws

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/partygo/internal/config"
	"github.com/udisondev/partygo/internal/testutil"
)

type event struct {
	kind   string // connect | message | disconnect
	connID string
	data   []byte
}

type recordingHandler struct {
	mu     sync.Mutex
	events []event
	errs   []error
}

func (h *recordingHandler) OnConnect(connID string) {
	h.record(event{kind: "connect", connID: connID})
}

func (h *recordingHandler) OnMessage(connID string, data []byte) {
	h.record(event{kind: "message", connID: connID, data: append([]byte(nil), data...)})
}

func (h *recordingHandler) OnDisconnect(connID string) {
	h.record(event{kind: "disconnect", connID: connID})
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) record(e event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *recordingHandler) snapshot() []event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event(nil), h.events...)
}

func (h *recordingHandler) countKind(kind string) int {
	n := 0
	for _, e := range h.snapshot() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (h *recordingHandler) firstConnID() string {
	for _, e := range h.snapshot() {
		if e.kind == "connect" {
			return e.connID
		}
	}
	return ""
}

func startServer(t *testing.T, wsCfg config.WebSocketConfig) (*Server, *recordingHandler, string) {
	t.Helper()

	cfg := config.DefaultHost()
	cfg.WebSocket = wsCfg

	handler := &recordingHandler{}
	srv := NewServer(cfg, handler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv, handler, ln.Addr().String()
}

func defaultWSConfig() config.WebSocketConfig {
	cfg := config.DefaultHost().WebSocket
	cfg.KeepaliveIntervalMs = 0 // keep tests deterministic unless opted in
	return cfg
}

func TestServerHandshakeAndConnect(t *testing.T) {
	_, handler, addr := startServer(t, defaultWSConfig())

	client, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return handler.countKind("connect") == 1
	}, time.Second, 10*time.Millisecond)

	assert.NotEmpty(t, handler.firstConnID())
}

func TestServerDeliversTextFrames(t *testing.T) {
	_, handler, addr := startServer(t, defaultWSConfig())

	client, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendJSON("PING", map[string]any{"id": "p1", "timestamp": 1}))

	require.Eventually(t, func() bool {
		return handler.countKind("message") == 1
	}, time.Second, 10*time.Millisecond)

	for _, e := range handler.snapshot() {
		if e.kind == "message" {
			assert.JSONEq(t, `{"type":"PING","payload":{"id":"p1","timestamp":1}}`, string(e.data))
		}
	}
}

func TestServerMultipleFramesPerPacket(t *testing.T) {
	_, handler, addr := startServer(t, defaultWSConfig())

	client, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer client.Close()

	// Two complete masked frames in a single TCP write.
	one := clientFrame(0x1, []byte(`{"n":1}`))
	two := clientFrame(0x1, []byte(`{"n":2}`))
	require.NoError(t, client.SendRaw(append(one, two...)))

	require.Eventually(t, func() bool {
		return handler.countKind("message") == 2
	}, time.Second, 10*time.Millisecond)
}

func TestServerSkipsMalformedJSONFrame(t *testing.T) {
	_, handler, addr := startServer(t, defaultWSConfig())

	client, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendRaw(clientFrame(0x1, []byte(`{not json`))))
	require.NoError(t, client.SendJSON("PING", map[string]any{"id": "after", "timestamp": 2}))

	// The bad frame is discarded, the connection and later frames survive.
	require.Eventually(t, func() bool {
		return handler.countKind("message") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, handler.countKind("disconnect"))
}

func TestServerDestroysOnOversizeFrame(t *testing.T) {
	cfg := defaultWSConfig()
	cfg.MaxFrameSize = 1024
	_, handler, addr := startServer(t, cfg)

	victim, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer victim.Close()

	bystander, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer bystander.Close()

	require.Eventually(t, func() bool {
		return handler.countKind("connect") == 2
	}, time.Second, 10*time.Millisecond)

	// Header declaring 2 KiB against a 1 KiB limit; no payload needed.
	header := []byte{0x81, 0x80 | 126, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint16(header[2:], 2048)
	require.NoError(t, victim.SendRaw(header[:8]))

	require.Eventually(t, func() bool {
		return handler.countKind("disconnect") == 1
	}, time.Second, 10*time.Millisecond)

	// The other connection is unaffected.
	require.NoError(t, bystander.SendJSON("PING", map[string]any{"id": "x", "timestamp": 3}))
	require.Eventually(t, func() bool {
		return handler.countKind("message") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerAnswersPing(t *testing.T) {
	_, _, addr := startServer(t, defaultWSConfig())

	client, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendPing([]byte("echo-me")))

	opcode, payload, err := client.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0xA), opcode)
	assert.Equal(t, "echo-me", string(payload))
}

func TestServerRepliesToCloseFrame(t *testing.T) {
	_, handler, addr := startServer(t, defaultWSConfig())

	client, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return handler.countKind("connect") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.SendClose())

	opcode, _, err := client.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x8), opcode)

	require.Eventually(t, func() bool {
		return handler.countKind("disconnect") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerSendAndBroadcast(t *testing.T) {
	srv, handler, addr := startServer(t, defaultWSConfig())

	first, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer first.Close()

	require.Eventually(t, func() bool {
		return handler.countKind("connect") == 1
	}, time.Second, 10*time.Millisecond)
	firstID := handler.firstConnID()

	second, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer second.Close()

	require.Eventually(t, func() bool {
		return handler.countKind("connect") == 2
	}, time.Second, 10*time.Millisecond)

	// Targeted send reaches only the addressed connection.
	require.NoError(t, srv.Send(firstID, map[string]any{"type": "HELLO", "payload": 1}))
	msgType, _, err := first.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", msgType)

	// Broadcast excluding the first connection reaches only the second.
	srv.Broadcast(map[string]any{"type": "ROUND", "payload": 2}, firstID)
	msgType, _, err = second.ReadMessage(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ROUND", msgType)

	_, _, err = first.ReadFrame(150 * time.Millisecond)
	assert.Error(t, err, "excluded connection must not receive the broadcast")
}

func TestServerSendToUnknownConnection(t *testing.T) {
	srv, _, _ := startServer(t, defaultWSConfig())

	err := srv.Send("no-such-conn", map[string]any{"type": "HELLO"})
	require.Error(t, err)
}

func TestServerKeepaliveExpiry(t *testing.T) {
	cfg := defaultWSConfig()
	cfg.KeepaliveIntervalMs = 50
	cfg.KeepaliveTimeoutMs = 30
	_, handler, addr := startServer(t, cfg)

	client, err := testutil.Dial(t, addr)
	require.NoError(t, err)
	defer client.Close()

	// Never answer pings; the server gives up after interval+timeout.
	require.Eventually(t, func() bool {
		return handler.countKind("disconnect") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerRejectsHandshakeWithoutKey(t *testing.T) {
	_, handler, addr := startServer(t, defaultWSConfig())

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)

	// Connection is dropped without a 101; read hits EOF.
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 64)
	_, err = nc.Read(buf)
	assert.Error(t, err)
	assert.Zero(t, handler.countKind("connect"))
}

// clientFrame builds a masked single-fragment frame, header included.
func clientFrame(opcode byte, payload []byte) []byte {
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame := []byte{0x80 | opcode, 0x80 | byte(len(payload))}
	frame = append(frame, key[:]...)
	for i, b := range payload {
		frame = append(frame, b^key[i%4])
	}
	return frame
}
