// Package config handles configuration loading, validation, and persistence
// for the discord-ipc client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5760
	DefaultMQTTPort   = 8883
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Client    ClientConfig    `json:"client"`
	Timeouts  TimeoutConfig   `json:"timeouts"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Events    EventsConfig    `json:"events"`
	Commands  CommandsConfig  `json:"commands"`
	Logging   LoggingConfig   `json:"logging"`
	MQTT      MQTTConfig      `json:"mqtt"`
	API       APIConfig       `json:"api"`
	Journal   JournalConfig   `json:"journal"`
	Health    HealthConfig    `json:"health"`
}

// ClientConfig identifies the application and picks the endpoint.
type ClientConfig struct {
	ApplicationID string `json:"application_id"`

	// Instance pins endpoint discovery to discord-ipc-N. -1 probes 0..9.
	Instance      int `json:"instance"`
	MaxFrameBytes int `json:"max_frame_bytes"`
}

// TimeoutConfig holds per-operation deadlines.
type TimeoutConfig struct {
	HandshakeMS  int `json:"handshake_ms"`
	RequestMS    int `json:"request_ms"`
	WriteMS      int `json:"write_ms"`
	KeepAliveSec int `json:"keepalive_sec"`
}

func (t TimeoutConfig) Handshake() time.Duration { return ms(t.HandshakeMS) }
func (t TimeoutConfig) Request() time.Duration   { return ms(t.RequestMS) }
func (t TimeoutConfig) Write() time.Duration     { return ms(t.WriteMS) }
func (t TimeoutConfig) KeepAlive() time.Duration { return time.Duration(t.KeepAliveSec) * time.Second }

// ReconnectConfig shapes the backoff between connection attempts.
type ReconnectConfig struct {
	InitialMS  int     `json:"initial_interval_ms"`
	MaxSec     int     `json:"max_interval_sec"`
	Multiplier float64 `json:"multiplier"`
	Jitter     float64 `json:"jitter"`
}

func (r ReconnectConfig) Initial() time.Duration { return ms(r.InitialMS) }
func (r ReconnectConfig) Max() time.Duration     { return time.Duration(r.MaxSec) * time.Second }

// EventsConfig sizes subscriber queues and lists the events to subscribe
// to at startup. Subscribe accepts event names and group names such as
// "activity" or "lobby".
type EventsConfig struct {
	QueueSize    int      `json:"queue_size"`
	Overflow     string   `json:"overflow"`
	BlockGraceMS int      `json:"block_grace_ms"`
	Subscribe    []string `json:"subscribe"`
}

func (e EventsConfig) BlockGrace() time.Duration { return ms(e.BlockGraceMS) }

// CommandsConfig caps outbound command throughput. Zero disables it.
type CommandsConfig struct {
	RateLimit float64 `json:"rate_limit_per_sec"`
	Burst     int     `json:"burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// APIConfig holds the diagnostics API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// JournalConfig controls the sqlite history of transitions and events.
type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	MaxRows int    `json:"max_rows"`
}

// HealthConfig tunes the periodic session health checks.
type HealthConfig struct {
	IntervalSec         int `json:"interval_sec"`
	StuckCommandSec     int `json:"stuck_command_sec"`
	DisconnectedWarnSec int `json:"disconnected_warn_sec"`
}

func (h HealthConfig) Interval() time.Duration     { return time.Duration(h.IntervalSec) * time.Second }
func (h HealthConfig) StuckCommand() time.Duration { return time.Duration(h.StuckCommandSec) * time.Second }
func (h HealthConfig) DisconnectedWarn() time.Duration {
	return time.Duration(h.DisconnectedWarnSec) * time.Second
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Instance:      -1,
			MaxFrameBytes: 16 << 20,
		},
		Timeouts: TimeoutConfig{
			HandshakeMS:  5000,
			RequestMS:    10000,
			WriteMS:      10000,
			KeepAliveSec: 0,
		},
		Reconnect: ReconnectConfig{
			InitialMS:  500,
			MaxSec:     60,
			Multiplier: 2,
			Jitter:     0,
		},
		Events: EventsConfig{
			QueueSize:    64,
			Overflow:     "drop",
			BlockGraceMS: 100,
			Subscribe:    []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        DefaultMQTTPort,
			UseTLS:      true,
			TopicPrefix: "discord_ipc",
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         DefaultAPIPort,
			RateLimitRPS: 20,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join("data", "journal.db"),
			MaxRows: 10000,
		},
		Health: HealthConfig{
			IntervalSec:         30,
			StuckCommandSec:     30,
			DisconnectedWarnSec: 60,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // defaults first, file on top
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so new default fields show up in the file.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetClient returns a copy of the client section.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// SetApplicationID updates the application id.
func (c *Config) SetApplicationID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Client.ApplicationID = id
}

// GetTimeouts returns a copy of the timeouts section.
func (c *Config) GetTimeouts() TimeoutConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timeouts
}

// GetReconnect returns a copy of the reconnect section.
func (c *Config) GetReconnect() ReconnectConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reconnect
}

// GetEvents returns a copy of the events section.
func (c *Config) GetEvents() EventsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.Events
	e.Subscribe = append([]string(nil), c.Events.Subscribe...)
	return e
}

// GetCommands returns a copy of the commands section.
func (c *Config) GetCommands() CommandsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Commands
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.API
	a.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return a
}

// GetJournal returns a copy of the journal section.
func (c *Config) GetJournal() JournalConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Journal
}

// GetHealth returns a copy of the health section.
func (c *Config) GetHealth() HealthConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Health
}

// UpdateField sets one key inside a top-level section, e.g.
// UpdateField("timeouts", "request_ms", 2000).
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Round-trip through a map so keys match the JSON names.
	data, _ := json.Marshal(c)
	root := make(map[string]json.RawMessage)
	json.Unmarshal(data, &root)

	raw, ok := root[section]
	if !ok {
		return fmt.Errorf("unknown config section %q", section)
	}
	m := make(map[string]interface{})
	json.Unmarshal(raw, &m)
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown config field %s.%s", section, key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	root[section] = updated
	all, _ := json.Marshal(root)

	next := DefaultConfig()
	if err := json.Unmarshal(all, next); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	c.Client, c.Timeouts, c.Reconnect = next.Client, next.Timeouts, next.Reconnect
	c.Events, c.Commands, c.Logging = next.Events, next.Commands, next.Logging
	c.MQTT, c.API, c.Journal = next.MQTT, next.API, next.Journal
	c.Health = next.Health
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client.ApplicationID == ""
}
