package game

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/udisondev/partygo/internal/protocol"
)

// handleMessage is the protocol glue: wire message in, engine operation out.
func (e *Engine) handleMessage(connID string, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		slog.Debug("rejecting malformed message", "connId", connID, "error", err)
		e.send(connID, protocol.ErrorMessage(protocol.CodeInvalidMessage, "Malformed message"))
		return
	}

	switch msg.Type {
	case protocol.MsgJoin:
		e.handleJoin(connID, msg.Join)
	case protocol.MsgAction:
		e.handleAction(connID, msg.Action)
	case protocol.MsgPing:
		e.handlePing(connID, msg.Ping)
	case protocol.MsgAssetsLoaded:
		if e.opts.OnAssetsLoaded != nil {
			e.opts.OnAssetsLoaded(connID)
		}
	}
}

func (e *Engine) handleJoin(connID string, join *protocol.JoinPayload) {
	if !ValidSecret(join.Secret) {
		e.send(connID, protocol.ErrorMessage(protocol.CodeInvalidSecret, "Invalid session secret"))
		return
	}

	pid := DerivePlayerID(join.Secret)
	e.reg.adopt(join.Secret, connID)
	e.reg.cancelCleanup(pid)

	if _, known := e.state.Players[pid]; known {
		e.dispatch(playerReconnectedAction(pid))
	} else {
		e.dispatch(playerJoinedAction(Player{
			ID:        pid,
			Name:      join.Name,
			Avatar:    join.Avatar,
			Connected: true,
		}))
	}

	// The welcome is queued, not sent: flushWelcomes runs after the state
	// change, so the joining player sees themselves in their own snapshot.
	e.reg.pendingWelcome[connID] = pid
	e.flushWelcomes()

	if e.opts.OnPlayerJoined != nil {
		e.opts.OnPlayerJoined(pid, join.Name)
	}
}

func (e *Engine) handleAction(connID string, action *protocol.ActionPayload) {
	if IsReservedActionType(action.Type) {
		slog.Warn("rejecting reserved action from controller", "connId", connID, "type", action.Type)
		e.send(connID, protocol.ErrorMessage(protocol.CodeForbiddenAction, "Reserved action type"))
		return
	}

	// A controller may act before joining; the action then carries no
	// player ID and the reducer decides what that means.
	var pid string
	if secret, ok := e.reg.reverse[connID]; ok {
		pid = DerivePlayerID(secret)
	}

	e.dispatch(Action{Type: action.Type, Payload: action.Payload, PlayerID: pid})
}

func (e *Engine) handlePing(connID string, ping *protocol.PingPayload) {
	e.send(connID, protocol.Envelope{
		Type: protocol.MsgPong,
		Payload: protocol.PongPayload{
			ID:            ping.ID,
			OrigTimestamp: ping.Timestamp,
			ServerTime:    time.Now().UnixMilli(),
		},
	})
}

func (e *Engine) handleDisconnect(connID string) {
	delete(e.reg.welcomed, connID)
	delete(e.reg.pendingWelcome, connID)

	secret, ok := e.reg.reverse[connID]
	if !ok {
		return
	}
	delete(e.reg.reverse, connID)

	pid := DerivePlayerID(secret)

	// Race guard: the session may already belong to a newer connection,
	// as happens when a page refresh rejoins before the old FIN lands.
	if e.reg.sessions[secret] != connID {
		slog.Debug("ignoring stale disconnect", "connId", connID, "playerId", pid)
		return
	}

	e.dispatch(playerLeftAction(pid))
	if e.opts.OnPlayerLeft != nil {
		e.opts.OnPlayerLeft(pid)
	}

	e.reg.cleanupTimers[pid] = time.AfterFunc(e.opts.StaleRemovalDelay, func() {
		e.post(command{kind: cmdRemovePlayer, pid: pid, secret: secret})
	})
	slog.Info("player disconnected", "playerId", pid, "removalIn", e.opts.StaleRemovalDelay)
}

// handleRemovePlayer fires when a stale-removal timer elapses. A JOIN that
// raced the timer has already cancelled the registry entry; the late command
// is then ignored.
func (e *Engine) handleRemovePlayer(pid, secret string) {
	if _, armed := e.reg.cleanupTimers[pid]; !armed {
		return
	}
	delete(e.reg.cleanupTimers, pid)
	delete(e.reg.sessions, secret)

	slog.Info("removing stale player", "playerId", pid)
	e.dispatch(playerRemovedAction(pid))
}

// dispatch feeds one action through the wrapped reducer and propagates the
// state change: welcome flush, throttled broadcast, match recording.
// A panicking user reducer is contained: previous state is kept and the
// error goes to the embedder.
func (e *Engine) dispatch(a Action) {
	prevStatus := e.state.Status

	ok := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("reducer panic on %q: %v", a.Type, r)
				slog.Error("reducer panicked, keeping previous state", "type", a.Type, "panic", r)
				e.observeError(err)
			}
		}()
		e.state = e.reduce(e.state, a)
		return true
	}()
	if !ok {
		return
	}

	e.lastAction = &a
	e.flushWelcomes()
	e.scheduleBroadcast()
	e.maybeRecord(prevStatus)
}

// flushWelcomes drains the pending-welcome queue. Runs after every state
// change, so a WELCOME always reflects a state containing its player.
func (e *Engine) flushWelcomes() {
	for connID, pid := range e.reg.pendingWelcome {
		delete(e.reg.pendingWelcome, connID)
		e.reg.welcomed[connID] = struct{}{}
		e.send(connID, protocol.Envelope{
			Type: protocol.MsgWelcome,
			Payload: protocol.WelcomePayload{
				PlayerID:   pid,
				State:      e.state.Clone(),
				ServerTime: time.Now().UnixMilli(),
			},
		})
	}
}

// scheduleBroadcast arms the throttle timer; a change landing before it
// fires pushes it out again. One snapshot per window is always enough since
// only the latest state matters.
func (e *Engine) scheduleBroadcast() {
	e.throttle.Reset(e.opts.Throttle)
	e.pending = true
}

func (e *Engine) broadcastState() {
	if e.sender == nil {
		return
	}
	var action any
	if e.lastAction != nil {
		action = *e.lastAction
	}
	e.sender.Broadcast(protocol.Envelope{
		Type: protocol.MsgStateUpdate,
		Payload: protocol.StateUpdatePayload{
			NewState:  e.state.Clone(),
			Timestamp: time.Now().UnixMilli(),
			Action:    action,
		},
	}, "")
}

// maybeRecord archives the match when Status crosses into the configured
// finished status. The insert runs off the engine loop on a deep copy.
func (e *Engine) maybeRecord(prevStatus string) {
	if e.opts.Recorder == nil {
		return
	}
	if prevStatus == e.opts.FinishedStatus || e.state.Status != e.opts.FinishedStatus {
		return
	}

	final := e.state.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := e.opts.Recorder.RecordMatch(ctx, final); err != nil {
			slog.Error("failed to record match", "error", err)
			e.observeError(fmt.Errorf("recording match: %w", err))
		}
	}()
}

func (e *Engine) send(connID string, v any) {
	if e.sender == nil {
		return
	}
	// Send failures are already logged by the transport and must not
	// disturb the engine.
	_ = e.sender.Send(connID, v)
}

func (e *Engine) observeError(err error) {
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}
