// Package assets serves the static controller bundle over HTTP. Controllers
// load the page from here, then connect to the WebSocket port (HTTP port +2
// by default).
package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/udisondev/partygo/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Server is a thin static file server for controller assets.
type Server struct {
	cfg config.Host
}

// NewServer creates an asset server for cfg.AssetsDir.
func NewServer(cfg config.Host) *Server {
	return &Server{cfg: cfg}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(s.cfg.AssetsDir)))
	// Controllers fetch their timing constants (time-sync interval,
	// reconnect backoff) from the host so the two sides agree.
	mux.HandleFunc("/config.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.cfg.Client); err != nil {
			slog.Debug("failed to write client config", "error", err)
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.HTTPPort),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("asset server started", "address", srv.Addr, "dir", s.cfg.AssetsDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down asset server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("asset server: %w", err)
		}
		return nil
	}
}
