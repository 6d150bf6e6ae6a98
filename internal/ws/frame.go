package ws

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode is an RFC 6455 frame opcode (Section 5.2, low nibble of byte 0).
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// DefaultMaxFrameSize caps a single frame payload at 1 MiB.
const DefaultMaxFrameSize = 1 << 20

// Payload length encoding thresholds (RFC 6455 Section 5.2).
const (
	payloadLen7Bit  = 125
	payloadLen16Bit = 126
	payloadLen64Bit = 127
)

// ErrPayloadTooLarge is returned when a frame declares a payload longer than
// the configured maximum, or a 64-bit length with a non-zero high word.
var ErrPayloadTooLarge = errors.New("frame payload exceeds maximum allowed size")

// Frame is a decoded single-fragment frame. Fragmentation is not supported:
// controllers send every complete message in one FIN frame.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// DecodeFrame parses one frame from the start of raw.
//
// Returns (nil, 0, nil) when raw does not yet hold a complete frame; the
// caller keeps the bytes and retries after the next read. On success the
// payload is unmasked (client-to-server frames carry the 4-byte XOR key) and
// consumed is the total frame length: header + mask + payload. Unmasked
// input is tolerated; see the strictness note in the package docs.
func DecodeFrame(raw []byte, maxPayload int) (*Frame, int, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFrameSize
	}
	if len(raw) < 2 {
		return nil, 0, nil
	}

	opcode := Opcode(raw[0] & 0x0F)
	masked := raw[1]&0x80 != 0
	length := uint64(raw[1] & 0x7F)
	offset := 2

	switch length {
	case payloadLen16Bit:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case payloadLen64Bit:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = binary.BigEndian.Uint64(raw[offset:])
		offset += 8
		if length>>32 != 0 {
			return nil, 0, fmt.Errorf("decoding 64-bit length %d: %w", length, ErrPayloadTooLarge)
		}
	}

	if length > uint64(maxPayload) {
		return nil, 0, fmt.Errorf("declared payload %d > max %d: %w", length, maxPayload, ErrPayloadTooLarge)
	}

	var maskKey [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:total])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return &Frame{Opcode: opcode, Payload: payload}, total, nil
}

// EncodeFrame builds a single-fragment (FIN=1), unmasked server frame.
// Server-to-client frames are never masked (RFC 6455 Section 5.1).
func EncodeFrame(op Opcode, payload []byte) []byte {
	plen := len(payload)

	var header []byte
	switch {
	case plen <= payloadLen7Bit:
		header = []byte{0x80 | byte(op), byte(plen)}
	case plen <= 0xFFFF:
		header = []byte{0x80 | byte(op), payloadLen16Bit, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(plen))
	default:
		header = make([]byte, 10)
		header[0] = 0x80 | byte(op)
		header[1] = payloadLen64Bit
		binary.BigEndian.PutUint64(header[2:], uint64(plen))
	}

	out := make([]byte, 0, len(header)+plen)
	out = append(out, header...)
	out = append(out, payload...)
	return out
}
