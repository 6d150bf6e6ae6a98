package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Host holds all configuration for a party-game host.
type Host struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	HTTPPort    int    `yaml:"http_port"`
	// WSPort of 0 means HTTPPort+2. Port 8081 is left alone because the
	// bundler ecosystem customarily squats on it.
	WSPort    int    `yaml:"ws_port"`
	AssetsDir string `yaml:"assets_dir"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	Session   SessionConfig   `yaml:"session"`
	Client    ClientConfig    `yaml:"client"`
	Storage   StorageConfig   `yaml:"storage"`
}

// WebSocketConfig holds the transport-level knobs.
type WebSocketConfig struct {
	MaxFrameSize        int `yaml:"max_frame_size"`        // bytes
	KeepaliveIntervalMs int `yaml:"keepalive_interval_ms"` // 0 disables keepalive
	KeepaliveTimeoutMs  int `yaml:"keepalive_timeout_ms"`
	SendQueueSize       int `yaml:"send_queue_size"`
	WriteTimeoutMs      int `yaml:"write_timeout_ms"`
}

// SessionConfig holds the session/state-engine knobs.
type SessionConfig struct {
	StaleRemovalDelayMs int `yaml:"stale_removal_delay_ms"`
	BroadcastThrottleMs int `yaml:"broadcast_throttle_ms"`
	CommandQueueSize    int `yaml:"command_queue_size"`
}

// ClientConfig is served to controllers so they share the host's timing
// constants. The host itself only answers PINGs; scheduling is client-side.
type ClientConfig struct {
	SyncIntervalMs  int `yaml:"sync_interval_ms" json:"syncInterval"`
	MaxPendingPings int `yaml:"max_pending_pings" json:"maxPendingPings"`
	MaxRetries      int `yaml:"max_retries" json:"maxRetries"`
	BaseDelayMs     int `yaml:"base_delay_ms" json:"baseDelay"`
	MaxDelayMs      int `yaml:"max_delay_ms" json:"maxDelay"`
}

// StorageConfig enables the optional match archive.
type StorageConfig struct {
	Enabled        bool           `yaml:"enabled"`
	FinishedStatus string         `yaml:"finished_status"`
	Database       DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// DefaultHost returns Host config with sensible defaults.
func DefaultHost() Host {
	return Host{
		BindAddress: "0.0.0.0",
		HTTPPort:    8080,
		WSPort:      0,
		AssetsDir:   "controller",
		WebSocket: WebSocketConfig{
			MaxFrameSize:        1 << 20,
			KeepaliveIntervalMs: 30_000,
			KeepaliveTimeoutMs:  10_000,
			SendQueueSize:       256,
			WriteTimeoutMs:      5_000,
		},
		Session: SessionConfig{
			StaleRemovalDelayMs: 300_000,
			BroadcastThrottleMs: 33,
			CommandQueueSize:    1024,
		},
		Client: ClientConfig{
			SyncIntervalMs:  5_000,
			MaxPendingPings: 50,
			MaxRetries:      5,
			BaseDelayMs:     1_000,
			MaxDelayMs:      10_000,
		},
		Storage: StorageConfig{
			Enabled:        false,
			FinishedStatus: "finished",
			Database: DatabaseConfig{
				Host:     "127.0.0.1",
				Port:     5432,
				User:     "partygo",
				Password: "partygo",
				DBName:   "partygo",
				SSLMode:  "disable",
			},
		},
	}
}

// LoadHost reads a yaml config file, applying defaults for missing fields.
func LoadHost(path string) (Host, error) {
	cfg := DefaultHost()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// WebSocketPort resolves the effective WebSocket port.
func (h Host) WebSocketPort() int {
	if h.WSPort != 0 {
		return h.WSPort
	}
	return h.HTTPPort + 2
}

// KeepaliveInterval returns the keepalive ping interval, 0 = disabled.
func (w WebSocketConfig) KeepaliveInterval() time.Duration {
	return time.Duration(w.KeepaliveIntervalMs) * time.Millisecond
}

// KeepaliveTimeout returns the pong grace window past the interval.
func (w WebSocketConfig) KeepaliveTimeout() time.Duration {
	return time.Duration(w.KeepaliveTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the per-write deadline.
func (w WebSocketConfig) WriteTimeout() time.Duration {
	return time.Duration(w.WriteTimeoutMs) * time.Millisecond
}

// StaleRemovalDelay returns the grace period before a disconnected player is
// permanently removed.
func (s SessionConfig) StaleRemovalDelay() time.Duration {
	return time.Duration(s.StaleRemovalDelayMs) * time.Millisecond
}

// BroadcastThrottle returns the snapshot coalescing window.
func (s SessionConfig) BroadcastThrottle() time.Duration {
	return time.Duration(s.BroadcastThrottleMs) * time.Millisecond
}
