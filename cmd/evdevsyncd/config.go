package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"evdevsync/axisstate"
)

// Config is the top-level YAML configuration for the evdevsyncd daemon.
//
// Defaults, file and flag overrides are layered in that order, then Validate
// is called once so the rest of the code can assume a well-formed config.
type Config struct {
	// Input devices and how they are read
	Input InputConfig `yaml:"input"`

	// Sync cadence and dirty tracking
	Sync SyncConfig `yaml:"sync"`

	// HTTP/WebSocket state server
	Server ServerConfig `yaml:"server"`

	// IPC socket for injecting events
	IPC IPCConfig `yaml:"ipc"`

	// Event dispatch diagnostics
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type InputConfig struct {
	Devices []string `yaml:"devices"`
	Reader  string   `yaml:"reader"` // "goroutine" or "epoll"

	// Consecutive malformed records before a device is reported unhealthy.
	MalformedThreshold int `yaml:"malformed_threshold"`
}

type SyncConfig struct {
	UpdateHz    int    `yaml:"update_hz"`
	Granularity string `yaml:"granularity"` // "per_axis" or "whole"
}

type ServerConfig struct {
	Listen    string `yaml:"listen"`
	WSPath    string `yaml:"ws_path"`
	StatePath string `yaml:"state_path"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type DispatchConfig struct {
	LogUnhandled bool `yaml:"log_unhandled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Input: InputConfig{
			Devices:            []string{defaultDevice},
			Reader:             readerGoroutine,
			MalformedThreshold: defaultMalformedThreshold,
		},
		Sync: SyncConfig{
			UpdateHz:    defaultUpdateHz,
			Granularity: axisstate.PerAxis.String(),
		},
		Server: ServerConfig{
			Listen:    defaultListen,
			WSPath:    defaultWSPath,
			StatePath: defaultStatePath,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds flag values that were explicitly set on the command line.
// A nil pointer means "not set"; a non-nil pointer is applied even when it
// holds a zero value.
type FlagOverrides struct {
	Devices            *string // comma-separated
	Reader             *string
	MalformedThreshold *int

	UpdateHz    *int
	Granularity *string

	Listen *string
	WSPath *string

	IPCSocketPath *string
	LogUnhandled  *bool
	LogLevel      *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Devices != nil {
		cfg.Input.Devices = splitList(*o.Devices)
	}
	if o.Reader != nil {
		cfg.Input.Reader = *o.Reader
	}
	if o.MalformedThreshold != nil {
		cfg.Input.MalformedThreshold = *o.MalformedThreshold
	}

	if o.UpdateHz != nil {
		cfg.Sync.UpdateHz = *o.UpdateHz
	}
	if o.Granularity != nil {
		cfg.Sync.Granularity = *o.Granularity
	}

	if o.Listen != nil {
		cfg.Server.Listen = *o.Listen
	}
	if o.WSPath != nil {
		cfg.Server.WSPath = *o.WSPath
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.LogUnhandled != nil {
		cfg.Dispatch.LogUnhandled = *o.LogUnhandled
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks config invariants and returns a user-friendly error.
// It is called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Input
	if len(c.Input.Devices) == 0 {
		return errors.New("input.devices must not be empty")
	}
	seen := make(map[string]bool, len(c.Input.Devices))
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
		if seen[dev] {
			return fmt.Errorf("input.devices[%d] duplicates %q", i, dev)
		}
		seen[dev] = true
	}
	switch c.Input.Reader {
	case "":
		c.Input.Reader = readerGoroutine
	case readerGoroutine:
	case readerEpoll:
		if runtime.GOOS != "linux" {
			return fmt.Errorf("input.reader %q requires linux", readerEpoll)
		}
	default:
		return fmt.Errorf("input.reader must be %q or %q", readerGoroutine, readerEpoll)
	}
	if c.Input.MalformedThreshold <= 0 {
		return errors.New("input.malformed_threshold must be > 0")
	}

	// Sync
	if c.Sync.UpdateHz <= 0 || c.Sync.UpdateHz > 1000 {
		return errors.New("sync.update_hz must be between 1 and 1000")
	}
	if _, err := axisstate.ParseGranularity(c.Sync.Granularity); err != nil {
		return fmt.Errorf("sync.granularity: %w", err)
	}

	// Server
	if c.Server.Listen == "" {
		return errors.New("server.listen must not be empty")
	}
	for name, p := range map[string]string{"server.ws_path": c.Server.WSPath, "server.state_path": c.Server.StatePath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}
	if c.Server.WSPath == c.Server.StatePath {
		return errors.New("server.ws_path and server.state_path must differ")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// DeviceConfig sizes the per-device trackers. Validate must have passed.
func (c *Config) DeviceConfig() axisstate.DeviceConfig {
	cfg := axisstate.DefaultDeviceConfig()
	cfg.Granularity, _ = axisstate.ParseGranularity(c.Sync.Granularity)
	return cfg
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
