package ws

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKeyRFCVector(t *testing.T) {
	// The worked example from RFC 6455 Section 1.3.
	got := acceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestHandshakeResponse(t *testing.T) {
	header := "GET /ws HTTP/1.1\r\n" +
		"Host: tv.local:8082\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13"

	resp, err := handshakeResponse(header)
	require.NoError(t, err)

	text := string(resp)
	assert.True(t, strings.HasPrefix(text, "HTTP/1.1 101 Switching Protocols\r\n"))
	assert.Contains(t, text, "Upgrade: websocket\r\n")
	assert.Contains(t, text, "Connection: Upgrade\r\n")
	assert.Contains(t, text, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	assert.True(t, strings.HasSuffix(text, "\r\n\r\n"))
}

func TestHandshakeResponseHeaderCaseInsensitive(t *testing.T) {
	header := "GET / HTTP/1.1\r\n" +
		"SEC-WEBSOCKET-KEY: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"sec-websocket-version: 13"

	_, err := handshakeResponse(header)
	require.NoError(t, err)
}

func TestHandshakeResponseMissingKey(t *testing.T) {
	header := "GET / HTTP/1.1\r\nHost: tv.local"

	_, err := handshakeResponse(header)
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestHandshakeResponseBadVersion(t *testing.T) {
	header := "GET / HTTP/1.1\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 8"

	_, err := handshakeResponse(header)
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestHandshakeResponseVersionAbsentIsAccepted(t *testing.T) {
	header := "GET / HTTP/1.1\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ=="

	_, err := handshakeResponse(header)
	require.NoError(t, err)
}
