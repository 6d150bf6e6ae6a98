// Package game implements the authoritative session state: a reducer-driven
// state engine, stable player identity across reconnects, and the protocol
// glue between wire messages and engine operations.
package game

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Player is one controller's public record inside the state. The secret it
// joined with is never part of it.
type Player struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar,omitempty"`
	IsHost    bool   `json:"isHost"`
	Connected bool   `json:"connected"`
}

// State is the single canonical game state. Status and Players are the
// engine's reserved fields; Fields holds everything game-specific and is
// treated as opaque. On the wire the three marshal flat into one object, so
// controllers see `{"status":…,"players":…,<game fields>…}`.
type State struct {
	Status  string
	Players map[string]Player
	Fields  map[string]any
}

// NewState returns an empty state with the given status.
func NewState(status string) State {
	return State{
		Status:  status,
		Players: make(map[string]Player),
		Fields:  make(map[string]any),
	}
}

// Clone returns a copy whose Players and Fields maps are independent of the
// receiver. Values inside Fields are shared; reducers replace, not mutate.
func (s State) Clone() State {
	out := State{
		Status:  s.Status,
		Players: make(map[string]Player, len(s.Players)),
		Fields:  make(map[string]any, len(s.Fields)),
	}
	maps.Copy(out.Players, s.Players)
	maps.Copy(out.Fields, s.Fields)
	return out
}

// With returns a clone with one game-specific field replaced. Convenience
// for user reducers.
func (s State) With(key string, value any) State {
	out := s.Clone()
	out.Fields[key] = value
	return out
}

// MarshalJSON flattens Fields next to status and players.
func (s State) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(s.Fields)+2)
	maps.Copy(flat, s.Fields)
	flat["status"] = s.Status
	players := s.Players
	if players == nil {
		players = map[string]Player{}
	}
	flat["players"] = players
	return json.Marshal(flat)
}

// UnmarshalJSON splits the reserved fields back out of a flat object.
func (s *State) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("unmarshalling state: %w", err)
	}

	out := NewState("")
	for key, raw := range flat {
		switch key {
		case "status":
			if err := json.Unmarshal(raw, &out.Status); err != nil {
				return fmt.Errorf("unmarshalling state status: %w", err)
			}
		case "players":
			if err := json.Unmarshal(raw, &out.Players); err != nil {
				return fmt.Errorf("unmarshalling state players: %w", err)
			}
			if out.Players == nil {
				out.Players = make(map[string]Player)
			}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("unmarshalling state field %q: %w", key, err)
			}
			out.Fields[key] = v
		}
	}
	*s = out
	return nil
}
