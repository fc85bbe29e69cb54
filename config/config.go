// Package config loads the TOML settings file for an rdt node, following
// the load/verify/Reload shape of the teacher's config.Reload: read the
// file (or an env-var override of its path), unmarshal, fill defaults,
// verify, then assign the result to GlobalCfg.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/charmbracelet/log"
)

// EnvPathOverride names the environment variable that overrides the
// default config file path.
const EnvPathOverride = "RDT_CONFIG"

// DefaultPath is used when EnvPathOverride is unset.
const DefaultPath = "config/rdt.toml"

// Config is the top-level settings document for a node.
type Config struct {
	Node Node `toml:"node"`
	Log  Log  `toml:"log"`
}

// Node holds the peer identity, listen address, and the protocol
// parameters named in spec.md §6.
type Node struct {
	PeerID                 string `toml:"peer_id"`
	ListenAddr             string `toml:"listen_addr"`
	MaxFramePayload        uint32 `toml:"max_frame_payload"`
	FecRedundancyRatio     int    `toml:"fec_redundancy_ratio"`
	GlobalDeadlineMS       int    `toml:"global_deadline_ms"`
	DeliveredQueueCapacity int    `toml:"delivered_queue_capacity"`
}

// Log configures the process-wide charmbracelet/log logger.
type Log struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// GlobalCfg is the process-wide configuration, published by Load/Reload.
var GlobalCfg *Config

// GlobalDeadline returns Node.GlobalDeadlineMS as a time.Duration.
func (n Node) GlobalDeadline() time.Duration {
	return time.Duration(n.GlobalDeadlineMS) * time.Millisecond
}

// LogLevel parses Log.Level, defaulting to info on an empty or invalid
// value.
func (l Log) LogLevel() log.Level {
	lvl, err := log.ParseLevel(l.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Load reads path (or EnvPathOverride, or DefaultPath if both are empty),
// fills defaults, verifies, and publishes the result to GlobalCfg.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPathOverride)
	}
	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg.setDefaults()
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("config: verify %s: %w", path, err)
	}
	GlobalCfg = &cfg
	return &cfg, nil
}

// Reload is Load with the side effect restricted to replacing GlobalCfg
// only on success, leaving the prior configuration live on error.
func Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

func (c *Config) setDefaults() {
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = "0.0.0.0:0"
	}
	if c.Node.MaxFramePayload == 0 {
		c.Node.MaxFramePayload = 1024
	}
	if c.Node.FecRedundancyRatio <= 0 {
		c.Node.FecRedundancyRatio = 4
	}
	if c.Node.GlobalDeadlineMS <= 0 {
		c.Node.GlobalDeadlineMS = 5000
	}
	if c.Node.DeliveredQueueCapacity <= 0 {
		c.Node.DeliveredQueueCapacity = 10000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) verify() error {
	if c.Node.PeerID == "" {
		return fmt.Errorf("node.peer_id is required")
	}
	if c.Node.MaxFramePayload == 0 || c.Node.MaxFramePayload > 65000 {
		return fmt.Errorf("node.max_frame_payload %d out of range", c.Node.MaxFramePayload)
	}
	if c.Node.FecRedundancyRatio < 1 {
		return fmt.Errorf("node.fec_redundancy_ratio must be >= 1")
	}
	return nil
}
