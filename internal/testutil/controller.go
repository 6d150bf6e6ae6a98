// Package testutil provides a minimal WebSocket controller client for
// exercising the host in tests: raw TCP dial, handshake, masked client
// frames and JSON messages.
package testutil

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// Controller is a test client speaking the controller side of the protocol.
// Client-to-server frames are masked, as RFC 6455 requires of clients.
type Controller struct {
	t    testing.TB
	conn net.Conn
	buf  []byte
}

// Dial connects to the host and completes the WebSocket handshake.
func Dial(t testing.TB, addr string) (*Controller, error) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	c := &Controller{t: t, conn: conn}
	if err := c.handshake(addr); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshaking with %s: %w", addr, err)
	}
	return c, nil
}

func (c *Controller) handshake(addr string) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	req := "GET / HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"
	if err := c.writeRaw([]byte(req)); err != nil {
		return err
	}

	// Read until the end of the response header; any trailing bytes belong
	// to the frame stream.
	deadline := time.Now().Add(5 * time.Second)
	chunk := make([]byte, 1024)
	for {
		idx := bytes.Index(c.buf, []byte("\r\n\r\n"))
		if idx >= 0 {
			header := string(c.buf[:idx])
			c.buf = c.buf[idx+4:]
			if !strings.Contains(header, "101") {
				return fmt.Errorf("unexpected handshake response: %q", header)
			}
			return nil
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		n, err := c.conn.Read(chunk)
		if err != nil {
			return fmt.Errorf("reading handshake response: %w", err)
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

// SendJSON sends one message envelope as a masked text frame.
func (c *Controller) SendJSON(msgType string, payload any) error {
	data, err := json.Marshal(map[string]any{"type": msgType, "payload": payload})
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", msgType, err)
	}
	return c.writeFrame(0x1, data)
}

// SendRaw writes arbitrary bytes straight to the socket, for malformed-input
// tests.
func (c *Controller) SendRaw(data []byte) error {
	return c.writeRaw(data)
}

// writeFrame sends a single masked FIN frame with the given opcode.
func (c *Controller) writeFrame(opcode byte, payload []byte) error {
	var maskKey [4]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return fmt.Errorf("generating mask key: %w", err)
	}

	frame := []byte{0x80 | opcode}
	switch plen := len(payload); {
	case plen <= 125:
		frame = append(frame, 0x80|byte(plen))
	case plen <= 0xFFFF:
		frame = append(frame, 0x80|126, 0, 0)
		binary.BigEndian.PutUint16(frame[2:], uint16(plen))
	default:
		frame = append(frame, 0x80|127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(frame[2:], uint64(plen))
	}
	frame = append(frame, maskKey[:]...)
	for i, b := range payload {
		frame = append(frame, b^maskKey[i%4])
	}
	return c.writeRaw(frame)
}

func (c *Controller) writeRaw(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("writing to host: %w", err)
	}
	return nil
}

// ReadMessage reads frames until a text frame arrives, answering pings and
// skipping everything else, and unmarshals its envelope.
func (c *Controller) ReadMessage(timeout time.Duration) (msgType string, payload json.RawMessage, err error) {
	deadline := time.Now().Add(timeout)
	for {
		opcode, data, err := c.readFrame(deadline)
		if err != nil {
			return "", nil, err
		}
		switch opcode {
		case 0x1:
			var envelope struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(data, &envelope); err != nil {
				return "", nil, fmt.Errorf("unmarshalling envelope: %w", err)
			}
			return envelope.Type, envelope.Payload, nil
		case 0x9:
			if err := c.writeFrame(0xA, data); err != nil {
				return "", nil, err
			}
		case 0x8:
			return "", nil, fmt.Errorf("host closed the connection")
		}
	}
}

// WaitForType reads messages until one of the wanted type arrives, skipping
// others (typically interleaved STATE_UPDATEs).
func (c *Controller) WaitForType(want string, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for %s", want)
		}
		msgType, payload, err := c.ReadMessage(remaining)
		if err != nil {
			return nil, err
		}
		if msgType == want {
			return payload, nil
		}
	}
}

// ReadFrame reads the next raw server frame, control frames included.
func (c *Controller) ReadFrame(timeout time.Duration) (opcode byte, payload []byte, err error) {
	return c.readFrame(time.Now().Add(timeout))
}

// SendPing sends a masked ping frame carrying data.
func (c *Controller) SendPing(data []byte) error {
	return c.writeFrame(0x9, data)
}

// SendClose sends a masked close frame.
func (c *Controller) SendClose() error {
	return c.writeFrame(0x8, nil)
}

// readFrame parses one unmasked server frame from the stream.
func (c *Controller) readFrame(deadline time.Time) (opcode byte, payload []byte, err error) {
	chunk := make([]byte, 4096)
	for {
		if frame, consumed, ok := parseServerFrame(c.buf); ok {
			c.buf = c.buf[consumed:]
			return frame.opcode, frame.payload, nil
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return 0, nil, err
		}
		n, err := c.conn.Read(chunk)
		if err != nil {
			return 0, nil, fmt.Errorf("reading frame: %w", err)
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

type serverFrame struct {
	opcode  byte
	payload []byte
}

func parseServerFrame(raw []byte) (serverFrame, int, bool) {
	if len(raw) < 2 {
		return serverFrame{}, 0, false
	}
	opcode := raw[0] & 0x0F
	length := uint64(raw[1] & 0x7F)
	offset := 2
	switch length {
	case 126:
		if len(raw) < offset+2 {
			return serverFrame{}, 0, false
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return serverFrame{}, 0, false
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		offset += 8
	}
	total := offset + int(length)
	if len(raw) < total {
		return serverFrame{}, 0, false
	}
	payload := make([]byte, length)
	copy(payload, raw[offset:total])
	return serverFrame{opcode: opcode, payload: payload}, total, true
}

// Close tears down the TCP connection without a close frame, simulating an
// abrupt controller exit.
func (c *Controller) Close() {
	_ = c.conn.Close()
}

// ReconnectDelay computes the controller backoff for attempt n:
// base×2^attempt capped at max. Controllers skip reconnecting entirely on
// close codes 1008 and 1011.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
