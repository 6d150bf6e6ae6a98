package game

import (
	"context"
	"log/slog"
	"time"
)

// Defaults for Options zero values.
const (
	defaultThrottle          = 33 * time.Millisecond
	defaultStaleRemovalDelay = 5 * time.Minute
	defaultCommandQueueSize  = 1024
	defaultFinishedStatus    = "finished"

	recordTimeout = 10 * time.Second
)

// Sender is the outbound half of the transport, satisfied by *ws.Server.
type Sender interface {
	Send(connID string, v any) error
	Broadcast(v any, excludeConnID string)
}

// GameRecorder archives a finished match. Satisfied by *store.Archive; nil
// disables recording.
type GameRecorder interface {
	RecordMatch(ctx context.Context, final State) error
}

// Options configures an Engine. Reducer is the only required field.
type Options struct {
	Reducer      Reducer
	InitialState State

	// Throttle is the snapshot coalescing window (default 33 ms).
	Throttle time.Duration
	// StaleRemovalDelay is the grace period before a disconnected player is
	// removed for good (default 5 minutes).
	StaleRemovalDelay time.Duration
	// CommandQueueSize bounds the queue carrying transport events onto the
	// engine loop (default 1024).
	CommandQueueSize int

	// Recorder, when non-nil, archives the state once Status transitions to
	// FinishedStatus (default "finished").
	Recorder       GameRecorder
	FinishedStatus string

	// Observers, all optional, called on the engine loop.
	OnPlayerJoined func(playerID, name string)
	OnPlayerLeft   func(playerID string)
	OnAssetsLoaded func(connID string)
	OnError        func(err error)
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdMessage
	cmdDisconnect
	cmdDispatch
	cmdHydrate
	cmdRemovePlayer
	cmdSnapshot
)

type command struct {
	kind   cmdKind
	connID string
	data   []byte
	action Action
	state  State
	pid    string
	secret string
	reply  chan State
}

// Engine owns the authoritative state and every registry. All mutation
// happens on the single goroutine running Run; transport callbacks and
// timers only post commands onto the bounded queue.
type Engine struct {
	opts   Options
	reduce Reducer
	sender Sender

	commands chan command
	done     chan struct{}

	// Engine-loop-owned, never touched elsewhere.
	state      State
	reg        *registry
	lastAction *Action
	throttle   *time.Timer
	pending    bool
}

// NewEngine builds an engine around the user reducer. Call Bind before Run.
func NewEngine(opts Options) *Engine {
	if opts.Throttle <= 0 {
		opts.Throttle = defaultThrottle
	}
	if opts.StaleRemovalDelay <= 0 {
		opts.StaleRemovalDelay = defaultStaleRemovalDelay
	}
	if opts.CommandQueueSize <= 0 {
		opts.CommandQueueSize = defaultCommandQueueSize
	}
	if opts.FinishedStatus == "" {
		opts.FinishedStatus = defaultFinishedStatus
	}
	if opts.InitialState.Players == nil {
		opts.InitialState = NewState(opts.InitialState.Status)
	}

	return &Engine{
		opts:     opts,
		reduce:   WrapReducer(opts.Reducer),
		commands: make(chan command, opts.CommandQueueSize),
		done:     make(chan struct{}),
		state:    opts.InitialState.Clone(),
		reg:      newRegistry(),
	}
}

// Bind attaches the outbound transport. Must happen before Run.
func (e *Engine) Bind(sender Sender) {
	e.sender = sender
}

// Run processes commands until ctx is cancelled. This goroutine is the only
// one allowed to touch state and registries.
func (e *Engine) Run(ctx context.Context) error {
	e.throttle = time.NewTimer(e.opts.Throttle)
	if !e.throttle.Stop() {
		<-e.throttle.C
	}

	defer func() {
		e.throttle.Stop()
		e.reg.stopAllCleanups()
		close(e.done)
	}()

	slog.Info("state engine started", "throttle", e.opts.Throttle, "staleRemovalDelay", e.opts.StaleRemovalDelay)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.commands:
			e.handle(cmd)
		case <-e.throttle.C:
			if e.pending {
				e.pending = false
				e.broadcastState()
			}
		}
	}
}

// post marshals a command onto the engine loop, giving up if the engine has
// stopped.
func (e *Engine) post(cmd command) {
	select {
	case e.commands <- cmd:
	case <-e.done:
	}
}

// OnConnect implements the transport handler; runs off the engine loop.
func (e *Engine) OnConnect(connID string) {
	e.post(command{kind: cmdConnect, connID: connID})
}

// OnMessage implements the transport handler; runs off the engine loop.
func (e *Engine) OnMessage(connID string, data []byte) {
	e.post(command{kind: cmdMessage, connID: connID, data: data})
}

// OnDisconnect implements the transport handler; runs off the engine loop.
func (e *Engine) OnDisconnect(connID string) {
	e.post(command{kind: cmdDisconnect, connID: connID})
}

// OnError implements the transport handler.
func (e *Engine) OnError(err error) {
	e.observeError(err)
}

// Dispatch submits a host-side action to the reducer. Reserved lifecycle
// types are dropped: those belong to the engine alone.
func (e *Engine) Dispatch(a Action) {
	if IsReservedActionType(a.Type) {
		slog.Warn("dropping reserved action from embedder", "type", a.Type)
		return
	}
	e.post(command{kind: cmdDispatch, action: a})
}

// Hydrate replaces the state wholesale, e.g. when restoring a saved game.
func (e *Engine) Hydrate(s State) {
	e.post(command{kind: cmdHydrate, state: s})
}

// Snapshot returns a copy of the current state, synchronized through the
// engine loop. Blocks until the engine serves it or stops.
func (e *Engine) Snapshot() State {
	reply := make(chan State, 1)
	select {
	case e.commands <- command{kind: cmdSnapshot, reply: reply}:
	case <-e.done:
		return State{}
	}
	select {
	case s := <-reply:
		return s
	case <-e.done:
		return State{}
	}
}

func (e *Engine) handle(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		slog.Debug("controller connected", "connId", cmd.connID)
	case cmdMessage:
		e.handleMessage(cmd.connID, cmd.data)
	case cmdDisconnect:
		e.handleDisconnect(cmd.connID)
	case cmdDispatch:
		e.dispatch(cmd.action)
	case cmdHydrate:
		e.dispatch(hydrateAction(cmd.state))
	case cmdRemovePlayer:
		e.handleRemovePlayer(cmd.pid, cmd.secret)
	case cmdSnapshot:
		cmd.reply <- e.state.Clone()
	}
}
