package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stegophone/stegophone/internal/board"
	"github.com/stegophone/stegophone/internal/logger"
	"github.com/stegophone/stegophone/internal/rn52"
	"gopkg.in/yaml.v3"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// RN52 serial link and protocol timing
	Module ModuleConfig `yaml:"module" json:"module"`

	// GPIO lines
	Board BoardConfig `yaml:"board" json:"board"`

	// Status CSV recorder
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ModuleConfig struct {
	// "bugst", "tarm" or "sim"
	Driver   string `yaml:"driver" json:"driver"`
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`

	// Settle time between a command and reading its reply
	InterDelayMs   int `yaml:"inter_delay_ms" json:"interDelayMs"`
	ReadTimeoutMs  int `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	ProbeTimeoutMs int `yaml:"probe_timeout_ms" json:"probeTimeoutMs"`
	// Wait between driving the enable line high and probing for the greeting
	HandshakeSettleMs int `yaml:"handshake_settle_ms" json:"handshakeSettleMs"`

	// Reply line terminator: "cr" or "lf"
	Terminator string `yaml:"terminator" json:"terminator"`
}

type BoardConfig struct {
	board.Config `yaml:",inline"`

	// "rpio" or "sim"
	Type string `yaml:"type" json:"type"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	PollHz     int    `yaml:"poll_hz" json:"pollHz"` // latch poll rate
}

// DefaultConfigPath is where Save writes a config that was not loaded
// from a file.
const DefaultConfigPath = "/etc/stegophone/config.yaml"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		path: DefaultConfigPath,
		Module: ModuleConfig{
			Driver:            "bugst",
			PortPath:          "/dev/serial0",
			BaudRate:          115200,
			InterDelayMs:      100,
			ReadTimeoutMs:     500,
			ProbeTimeoutMs:    20,
			HandshakeSettleMs: 1000,
			Terminator:        "cr",
		},
		Board: BoardConfig{
			Type: "rpio",
			Config: board.Config{
				EnablePin:     17,
				InterruptPin:  27,
				LEDPin:        22,
				EdgePollMs:    5,
				SimIntervalMs: 3000,
			},
		},
		Logging: logger.Config{
			Enabled: false,
			Path:    "/var/log/stegophone",
			MaxRows: 100_000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			PollHz:     50,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: RN52_DRIVER, RN52_PORT, RN52_BAUD, RN52_TERMINATOR, BOARD_TYPE,
// LISTEN_ADDR, POLL_HZ, LOG_ENABLED, LOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RN52_DRIVER"); v != "" {
		c.Module.Driver = v
	}
	if v := os.Getenv("RN52_PORT"); v != "" {
		c.Module.PortPath = v
	}
	if v := os.Getenv("RN52_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Module.BaudRate = n
		}
	}
	if v := os.Getenv("RN52_TERMINATOR"); v != "" {
		c.Module.Terminator = v
	}
	if v := os.Getenv("BOARD_TYPE"); v != "" {
		c.Board.Type = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.PollHz = n
		}
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

// Validate checks configuration correctness without mutating it.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Module.Driver {
	case "bugst", "tarm", "sim":
	default:
		return fmt.Errorf("module.driver %q: want bugst, tarm or sim", c.Module.Driver)
	}
	if c.Module.Driver != "sim" && c.Module.PortPath == "" {
		return fmt.Errorf("module.port_path is required for driver %q", c.Module.Driver)
	}
	if c.Module.BaudRate <= 0 {
		return fmt.Errorf("module.baud_rate must be positive, got %d", c.Module.BaudRate)
	}
	m := c.Module
	if m.InterDelayMs < 0 || m.ReadTimeoutMs < 0 || m.ProbeTimeoutMs < 0 || m.HandshakeSettleMs < 0 {
		return fmt.Errorf("module timings must not be negative")
	}
	if _, err := m.terminatorByte(); err != nil {
		return err
	}

	switch c.Board.Type {
	case "rpio", "sim":
	default:
		return fmt.Errorf("board.type %q: want rpio or sim", c.Board.Type)
	}
	if c.Board.Type == "rpio" {
		if c.Board.EnablePin == c.Board.InterruptPin {
			return fmt.Errorf("board: enable_pin and interrupt_pin are both %d", c.Board.EnablePin)
		}
		if c.Board.LEDPin != 0 && (c.Board.LEDPin == c.Board.EnablePin || c.Board.LEDPin == c.Board.InterruptPin) {
			return fmt.Errorf("board: led_pin %d collides with another line", c.Board.LEDPin)
		}
	}

	if c.Server.PollHz <= 0 || c.Server.PollHz > 1000 {
		return fmt.Errorf("server.poll_hz must be in 1..1000, got %d", c.Server.PollHz)
	}
	return nil
}

func (m ModuleConfig) terminatorByte() (byte, error) {
	switch strings.ToLower(m.Terminator) {
	case "", "cr":
		return '\r', nil
	case "lf":
		return '\n', nil
	default:
		return 0, fmt.Errorf("module.terminator %q: want cr or lf", m.Terminator)
	}
}

// LoggingConfig returns a copy of the recorder settings.
func (c *Config) LoggingConfig() logger.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Serial returns the port settings for rn52.Open.
func (m ModuleConfig) Serial() rn52.SerialConfig {
	return rn52.SerialConfig{PortPath: m.PortPath, BaudRate: m.BaudRate}
}

// ControllerConfig converts the millisecond settings into rn52.Config.
// An invalid terminator falls back to CR; Validate reports it.
func (m ModuleConfig) ControllerConfig() rn52.Config {
	term, _ := m.terminatorByte()
	if term == 0 {
		term = rn52.ResponseTerminator
	}
	return rn52.Config{
		InterDelay:   time.Duration(m.InterDelayMs) * time.Millisecond,
		ReadTimeout:  time.Duration(m.ReadTimeoutMs) * time.Millisecond,
		ProbeTimeout: time.Duration(m.ProbeTimeoutMs) * time.Millisecond,
		Terminator:   term,
	}
}

// HandshakeSettle is the wait between enabling the module and Init.
func (m ModuleConfig) HandshakeSettle() time.Duration {
	return time.Duration(m.HandshakeSettleMs) * time.Millisecond
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
