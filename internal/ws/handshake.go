package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Magic GUID from RFC 6455 Section 1.3, concatenated with the client key to
// form the Sec-WebSocket-Accept digest.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	// ErrMissingKey is returned when the upgrade request has no
	// Sec-WebSocket-Key header.
	ErrMissingKey = errors.New("handshake request missing Sec-WebSocket-Key")

	// ErrBadVersion is returned when the client advertises a
	// Sec-WebSocket-Version other than 13.
	ErrBadVersion = errors.New("unsupported Sec-WebSocket-Version")
)

// acceptKey computes base64(SHA-1(key + GUID)) per RFC 6455 Section 1.3.
func acceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// handshakeResponse parses the raw upgrade request header text and returns
// the 101 Switching Protocols response bytes.
//
// The request is terminated by a blank line which the caller has already
// located; header is everything up to and including it. Parsing is a plain
// line scan rather than net/http: the connection is a raw TCP socket at this
// point and the frame bytes may already trail the header in the same packet.
func handshakeResponse(header string) ([]byte, error) {
	var key string
	for _, line := range strings.Split(header, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sec-websocket-key":
			key = value
		case "sec-websocket-version":
			if value != "13" {
				return nil, fmt.Errorf("version %q: %w", value, ErrBadVersion)
			}
		}
	}
	if key == "" {
		return nil, ErrMissingKey
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n" +
		"\r\n"
	return []byte(resp), nil
}
