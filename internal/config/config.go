// Package config binds configuration for the axbridge binaries from, in
// increasing precedence: built-in defaults, an optional YAML file,
// environment variables, and command line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HubConfig holds configuration for the axhub daemon.
type HubConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	WSPath       string        `yaml:"ws_path"`
	LogLevel     string        `yaml:"log_level"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// BindFlags populates the struct with defaults from environment variables
// and binds command line flags so main can call flag.Parse().
func (c *HubConfig) BindFlags() {
	c.ListenAddr = getEnv("AXHUB_LISTEN", "127.0.0.1:8765")
	c.WSPath = getEnv("AXHUB_WS_PATH", "/ws")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.WriteTimeout = getEnvDuration("AXHUB_WRITE_TIMEOUT", 10*time.Second)
	c.SendBuffer = 16

	flag.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address the hub listens on")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "path bridge clients connect to")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (trace, debug, info, warn, error, none)")
	flag.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "per-frame write deadline for sessions")
	flag.IntVar(&c.SendBuffer, "send-buffer", c.SendBuffer, "queued outgoing frames per session before drops")
}

// LoadFile overlays values from a YAML file onto c. Missing file is an
// error; call only when the user asked for a config file.
func (c *HubConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
