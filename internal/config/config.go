// Package config loads the options enumerated in spec.md §6. It follows the
// teacher repo's only configuration idiom (pkg/content/types.go's Config
// struct plus a DefaultConfig constructor) rather than reaching for a
// third-party config library: nothing in the retrieved corpus touches TOML,
// YAML, or a flags library such as pflag/viper for this kind of plain,
// flat settings block, so a hand-rolled struct with JSON tags for optional
// file-based overrides is the idiomatic choice here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds every externally tunable option spacelink exposes.
type Config struct {
	AddrIP        string        `json:"addr_ip"`
	AddrPort      int           `json:"addr_port"`
	ChunkSize     uint32        `json:"chunk_size"`
	StoragePrefix string        `json:"storage_prefix"`
	Timeout       time.Duration `json:"-"`
	TimeoutMillis int64         `json:"timeout_ms"`
	MaxRetries    int           `json:"max_retries"`
}

// DefaultConfig returns spacelink's built-in defaults (spec.md §3/§6):
// 4096-byte chunks, a several-second receive deadline, and five retries.
func DefaultConfig() *Config {
	return &Config{
		AddrIP:        "0.0.0.0",
		AddrPort:      27500,
		ChunkSize:     4096,
		StoragePrefix: "client",
		Timeout:       5 * time.Second,
		TimeoutMillis: 5000,
		MaxRetries:    5,
	}
}

// Addr returns the "ip:port" form used to bind or dial a socket.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.AddrIP, c.AddrPort)
}

// Load reads a JSON config file and overlays it on DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.TimeoutMillis > 0 {
		cfg.Timeout = time.Duration(cfg.TimeoutMillis) * time.Millisecond
	}

	return cfg, nil
}
