// Package config provides configuration loading for ccmuxd.
//
// Configuration is loaded from:
//  1. $CCMUX_CONFIG_DIR/config.json (file), defaulting to ~/.ccmux
//  2. Environment variables (override file values)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for ccmuxd.
type Config struct {
	// SocketPath is the Unix-domain socket the daemon accepts local
	// client connections on.
	SocketPath string `json:"socket_path"`

	// RuntimeDir holds the WAL, checkpoints, and daemon log.
	RuntimeDir string `json:"runtime_dir"`

	// MaxFrameBytes caps a single wire protocol frame.
	MaxFrameBytes uint32 `json:"max_frame_bytes"`

	// ScrollbackLines/ScrollbackBytes bound per-pane history.
	ScrollbackLines int `json:"scrollback_lines"`
	ScrollbackBytes int `json:"scrollback_bytes"`

	// ReplayEvents/ReplayBytes bound the sequencer's replay window.
	ReplayEvents int `json:"replay_events"`
	ReplayBytes  int `json:"replay_bytes"`

	// ClientQueueSize bounds each client's outbound message queue.
	ClientQueueSize int `json:"client_queue_size"`

	// ReconnectGrace is how long a backed-up client may stay in
	// Reconnecting before the daemon evicts it.
	ReconnectGrace time.Duration `json:"reconnect_grace"`

	// WALSegmentBytes is the size at which the write-ahead log rotates
	// to a new segment.
	WALSegmentBytes int64 `json:"wal_segment_bytes"`

	// WALBatchRecords/WALBatchInterval bound how long a WAL write can sit
	// unflushed before an fsync is forced.
	WALBatchRecords  int           `json:"wal_batch_records"`
	WALBatchInterval time.Duration `json:"wal_batch_interval"`

	// CheckpointInterval is how often a full-state snapshot is taken;
	// CheckpointMinInterval is the floor enforced regardless of config.
	CheckpointInterval    time.Duration `json:"checkpoint_interval"`
	CheckpointMinInterval time.Duration `json:"-"`

	// RespawnOnRecover controls whether recovered panes re-exec their
	// last command. Defaults to false.
	RespawnOnRecover bool `json:"respawn_on_recover"`

	// RemoteEnabled/RemoteHostname configure the optional tsnet-backed
	// remote TCP listener.
	RemoteEnabled  bool   `json:"remote_enabled"`
	RemoteHostname string `json:"remote_hostname,omitempty"`
	TSStateDir     string `json:"ts_state_dir,omitempty"`

	// ShutdownDrain is how long graceful shutdown waits, in total, for
	// killed pane processes to exit before the final WAL flush.
	ShutdownDrain time.Duration `json:"-"`

	// HeartbeatInterval is how often a client is expected to ping.
	// HeartbeatTimeout is how long the daemon waits without a ping before
	// marking a client Disconnected (a 2s floor regardless of config).
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`

	// MemoryWarningBytes/MemoryCriticalBytes are aggregate scrollback
	// footprint thresholds the daemon logs against when crossed.
	MemoryWarningBytes  int64 `json:"memory_warning_bytes"`
	MemoryCriticalBytes int64 `json:"memory_critical_bytes"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "."
	}
	runtimeDir := filepath.Join(homeDir, ".ccmux")

	return &Config{
		SocketPath:            filepath.Join(runtimeDir, "ccmuxd.sock"),
		RuntimeDir:            runtimeDir,
		MaxFrameBytes:         16 << 20,
		ScrollbackLines:       10000,
		ScrollbackBytes:       4 << 20,
		ReplayEvents:          1024,
		ReplayBytes:           64 << 10,
		ClientQueueSize:       256,
		ReconnectGrace:        30 * time.Second,
		WALSegmentBytes:       128 << 20,
		WALBatchRecords:       64,
		WALBatchInterval:      20 * time.Millisecond,
		CheckpointInterval:    30 * time.Second,
		CheckpointMinInterval: 5 * time.Second,
		RespawnOnRecover:      false,
		RemoteEnabled:         false,
		TSStateDir:            filepath.Join(runtimeDir, "tsnet"),
		ShutdownDrain:         2 * time.Second,
		HeartbeatInterval:     1 * time.Second,
		HeartbeatTimeout:      2 * time.Second,
		MemoryWarningBytes:    256 << 20,
		MemoryCriticalBytes:   512 << 20,
	}
}

// ConfigDir returns the configuration directory, creating it if
// necessary. Respects CCMUX_CONFIG_DIR for testing/overrides.
func ConfigDir() (string, error) {
	if dir := os.Getenv("CCMUX_CONFIG_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return dir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".ccmux")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}
	return dir, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration from file and applies environment variable
// overrides. Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromFile(); err != nil {
		// Missing or invalid config file: fall back to defaults, this is
		// not fatal — a first run has no config file yet.
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) loadFromFile() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CCMUX_SOCKET_PATH"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("CCMUX_RUNTIME_DIR"); v != "" {
		c.RuntimeDir = v
	}
	if v := os.Getenv("CCMUX_MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.MaxFrameBytes = uint32(n)
		}
	}
	if v := os.Getenv("CCMUX_SCROLLBACK_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ScrollbackLines = n
		}
	}
	if v := os.Getenv("CCMUX_CHECKPOINT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d := time.Duration(n) * time.Second
			if d < c.CheckpointMinInterval {
				d = c.CheckpointMinInterval
			}
			c.CheckpointInterval = d
		}
	}
	if v := os.Getenv("CCMUX_RESPAWN_ON_RECOVER"); v != "" {
		c.RespawnOnRecover = v == "1" || v == "true"
	}
	if v := os.Getenv("CCMUX_REMOTE_ENABLED"); v != "" {
		c.RemoteEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("CCMUX_REMOTE_HOSTNAME"); v != "" {
		c.RemoteHostname = v
	}
	if v := os.Getenv("CCMUX_HEARTBEAT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d := time.Duration(n) * time.Second
			if d < 2*time.Second {
				d = 2 * time.Second
			}
			c.HeartbeatTimeout = d
		}
	}
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}
	return nil
}
