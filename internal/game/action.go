package game

import (
	"encoding/json"
	"strings"
)

// Reserved lifecycle action types. The double-underscore form is the wire
// convention that keeps user reducers disjoint from engine-injected events;
// controllers may never submit them.
const (
	ActionHydrate           = "__HYDRATE__"
	ActionPlayerJoined      = "__PLAYER_JOINED__"
	ActionPlayerLeft        = "__PLAYER_LEFT__"
	ActionPlayerReconnected = "__PLAYER_RECONNECTED__"
	ActionPlayerRemoved     = "__PLAYER_REMOVED__"
)

// Action is one unit of work for the reducer. Wire-submitted actions carry
// Type, Payload and the resolved submitter in PlayerID. Lifecycle actions
// additionally carry typed data in the unexported fields; only the engine
// constructs those.
type Action struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	PlayerID string          `json:"playerId,omitempty"`

	joined   *Player
	hydrated *State
}

// IsReservedActionType reports whether a wire action type is claimed by the
// engine. Controllers submitting one get FORBIDDEN_ACTION.
func IsReservedActionType(t string) bool {
	return strings.HasPrefix(t, "__")
}

func hydrateAction(s State) Action {
	return Action{Type: ActionHydrate, hydrated: &s}
}

func playerJoinedAction(p Player) Action {
	return Action{Type: ActionPlayerJoined, PlayerID: p.ID, joined: &p}
}

func playerLeftAction(pid string) Action {
	return Action{Type: ActionPlayerLeft, PlayerID: pid}
}

func playerReconnectedAction(pid string) Action {
	return Action{Type: ActionPlayerReconnected, PlayerID: pid}
}

func playerRemovedAction(pid string) Action {
	return Action{Type: ActionPlayerRemoved, PlayerID: pid}
}

// Reducer is a pure function from state and action to the next state.
type Reducer func(State, Action) State

// WrapReducer composes a user reducer with the built-in lifecycle handling,
// so the player table maintains itself and the user reducer only ever sees
// its own action types. The result is itself pure.
func WrapReducer(user Reducer) Reducer {
	return func(s State, a Action) State {
		switch a.Type {
		case ActionHydrate:
			if a.hydrated == nil {
				return s
			}
			return a.hydrated.Clone()

		case ActionPlayerJoined:
			if a.joined == nil {
				return s
			}
			next := s.Clone()
			next.Players[a.joined.ID] = *a.joined
			return next

		case ActionPlayerLeft:
			p, ok := s.Players[a.PlayerID]
			if !ok {
				return s
			}
			next := s.Clone()
			p.Connected = false
			next.Players[a.PlayerID] = p
			return next

		case ActionPlayerReconnected:
			p, ok := s.Players[a.PlayerID]
			if !ok {
				return s
			}
			next := s.Clone()
			p.Connected = true
			next.Players[a.PlayerID] = p
			return next

		case ActionPlayerRemoved:
			if _, ok := s.Players[a.PlayerID]; !ok {
				return s
			}
			next := s.Clone()
			delete(next.Players, a.PlayerID)
			return next

		default:
			if user == nil {
				return s
			}
			return user(s, a)
		}
	}
}
