// Package protocol defines the JSON wire messages exchanged with
// controllers and their structural validation. Every message is a plain
// object with a type string and a payload; nothing else.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client → host message types.
const (
	MsgJoin         = "JOIN"
	MsgAction       = "ACTION"
	MsgPing         = "PING"
	MsgAssetsLoaded = "ASSETS_LOADED"
)

// Host → client message types. RECONNECTED is reserved: the host conveys
// reconnection through a fresh WELCOME, but the constant stays on the wire
// contract for controllers that know it.
const (
	MsgWelcome     = "WELCOME"
	MsgStateUpdate = "STATE_UPDATE"
	MsgPong        = "PONG"
	MsgReconnected = "RECONNECTED"
	MsgError       = "ERROR"
)

// ERROR payload codes.
const (
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeInvalidSecret   = "INVALID_SECRET"
	CodeForbiddenAction = "FORBIDDEN_ACTION"
)

// ErrMalformed is returned by ParseClientMessage for anything that is not a
// structurally valid client message.
var ErrMalformed = errors.New("malformed message")

// Envelope is the outer shape shared by every message in both directions.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// JoinPayload carries a controller's identity claim.
type JoinPayload struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Secret string `json:"secret"`
}

// ActionPayload is a user-level action submitted to the reducer.
type ActionPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingPayload is a time-sync probe. Timestamp is the client clock in millis;
// kept as float64 because controllers may send fractional values.
type PingPayload struct {
	ID        string  `json:"id"`
	Timestamp float64 `json:"timestamp"`
}

// WelcomePayload is the first message after a JOIN, carrying the player's
// public ID and a snapshot that already contains them.
type WelcomePayload struct {
	PlayerID   string `json:"playerId"`
	State      any    `json:"state"`
	ServerTime int64  `json:"serverTime"`
}

// StateUpdatePayload is the throttled authoritative snapshot. Action echoes
// the last dispatched action; consumers must not rely on it.
type StateUpdatePayload struct {
	NewState  any   `json:"newState"`
	Timestamp int64 `json:"timestamp"`
	Action    any   `json:"action,omitempty"`
}

// PongPayload answers a PING so the client can estimate clock offset.
type PongPayload struct {
	ID            string  `json:"id"`
	OrigTimestamp float64 `json:"origTimestamp"`
	ServerTime    int64   `json:"serverTime"`
}

// ErrorPayload reports a rejected or unreadable message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientMessage is a validated incoming message; exactly one of the payload
// fields matching Type is set.
type ClientMessage struct {
	Type   string
	Join   *JoinPayload
	Action *ActionPayload
	Ping   *PingPayload
}

// ParseClientMessage validates one incoming text frame. A message passes if
// and only if it matches one of the four client message shapes.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var raw struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	msg := &ClientMessage{Type: raw.Type}
	switch raw.Type {
	case MsgJoin:
		var p struct {
			Name   *string `json:"name"`
			Avatar *string `json:"avatar"`
			Secret *string `json:"secret"`
		}
		if err := json.Unmarshal(raw.Payload, &p); err != nil || p.Name == nil || p.Secret == nil {
			return nil, fmt.Errorf("%w: bad JOIN payload", ErrMalformed)
		}
		join := &JoinPayload{Name: *p.Name, Secret: *p.Secret}
		if p.Avatar != nil {
			join.Avatar = *p.Avatar
		}
		msg.Join = join
	case MsgAction:
		var p struct {
			Type    *string         `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw.Payload, &p); err != nil || p.Type == nil {
			return nil, fmt.Errorf("%w: bad ACTION payload", ErrMalformed)
		}
		msg.Action = &ActionPayload{Type: *p.Type, Payload: p.Payload}
	case MsgPing:
		var p struct {
			ID        *string  `json:"id"`
			Timestamp *float64 `json:"timestamp"`
		}
		if err := json.Unmarshal(raw.Payload, &p); err != nil || p.ID == nil || p.Timestamp == nil {
			return nil, fmt.Errorf("%w: bad PING payload", ErrMalformed)
		}
		msg.Ping = &PingPayload{ID: *p.ID, Timestamp: *p.Timestamp}
	case MsgAssetsLoaded:
		var loaded bool
		if err := json.Unmarshal(raw.Payload, &loaded); err != nil || !loaded {
			return nil, fmt.Errorf("%w: bad ASSETS_LOADED payload", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, raw.Type)
	}
	return msg, nil
}

// ErrorMessage builds an ERROR envelope for the given code.
func ErrorMessage(code, message string) Envelope {
	return Envelope{Type: MsgError, Payload: ErrorPayload{Code: code, Message: message}}
}
