package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/partygo/internal/assets"
	"github.com/udisondev/partygo/internal/config"
	"github.com/udisondev/partygo/internal/game"
	"github.com/udisondev/partygo/internal/store"
	"github.com/udisondev/partygo/internal/ws"
)

const ConfigPath = "config/partyhost.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Configure slog
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	slog.Info("partygo host starting")

	// Load config
	cfgPath := ConfigPath
	if p := os.Getenv("PARTYGO_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadHost(cfgPath)
	if err != nil {
		slog.Warn("using default config", "reason", err)
		cfg = config.DefaultHost()
	}
	slog.Info("config loaded",
		"bind", cfg.BindAddress,
		"httpPort", cfg.HTTPPort,
		"wsPort", cfg.WebSocketPort(),
	)

	// Optional match archive
	var recorder game.GameRecorder
	if cfg.Storage.Enabled {
		archive, err := store.Open(ctx, cfg.Storage.Database.DSN())
		if err != nil {
			return fmt.Errorf("opening match archive: %w", err)
		}
		defer archive.Close()
		recorder = archive
		slog.Info("match archive connected")
	}

	// State engine around the demo buzzer reducer
	engine := game.NewEngine(game.Options{
		Reducer:           buzzerReducer,
		InitialState:      game.NewState("lobby"),
		Throttle:          cfg.Session.BroadcastThrottle(),
		StaleRemovalDelay: cfg.Session.StaleRemovalDelay(),
		CommandQueueSize:  cfg.Session.CommandQueueSize,
		Recorder:          recorder,
		FinishedStatus:    cfg.Storage.FinishedStatus,
		OnPlayerJoined: func(playerID, name string) {
			slog.Info("player joined", "playerId", playerID, "name", name)
		},
		OnPlayerLeft: func(playerID string) {
			slog.Info("player left", "playerId", playerID)
		},
		OnError: func(err error) {
			slog.Error("engine error", "error", err)
		},
	})

	wsServer := ws.NewServer(cfg, engine)
	engine.Bind(wsServer)

	assetServer := assets.NewServer(cfg)

	// Run engine and both servers in parallel
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		if err := wsServer.Run(gctx); err != nil {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := assetServer.Run(gctx); err != nil {
			return fmt.Errorf("asset server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// buzzerReducer is the demo game: first BUZZ wins the round, RESET rearms.
func buzzerReducer(s game.State, a game.Action) game.State {
	switch a.Type {
	case "BUZZ":
		if s.Fields["winner"] != nil || a.PlayerID == "" {
			return s
		}
		next := s.With("winner", a.PlayerID)
		next.Status = "buzzed"
		return next
	case "RESET":
		next := s.With("winner", nil)
		next.Status = "lobby"
		return next
	case "FINISH":
		next := s.Clone()
		next.Status = "finished"
		return next
	default:
		return s
	}
}
