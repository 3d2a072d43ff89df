package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.IsFirstRun())
	assert.Equal(t, -1, cfg.GetClient().Instance)
	assert.Equal(t, 500*time.Millisecond, cfg.GetReconnect().Initial())
	assert.Equal(t, 60*time.Second, cfg.GetReconnect().Max())
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"client": {"application_id": "383226320970055681"},
		"timeouts": {"request_ms": 2500},
		"events": {"subscribe": ["activity", "LOBBY_UPDATE"]}
	}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, cfg.IsFirstRun())
	assert.Equal(t, 2500*time.Millisecond, cfg.GetTimeouts().Request())
	assert.Equal(t, 5*time.Second, cfg.GetTimeouts().Handshake(), "untouched fields keep their defaults")
	assert.Equal(t, []string{"activity", "LOBBY_UPDATE"}, cfg.GetEvents().Subscribe)

	// the file is rewritten with every field present
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw["timeouts"], "handshake_ms")
	assert.Contains(t, raw, "journal")
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(`{`), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestUpdateField(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.UpdateField("timeouts", "request_ms", 1500))
	assert.Equal(t, 1500, cfg.GetTimeouts().RequestMS)

	require.NoError(t, cfg.UpdateField("events", "overflow", "block"))
	assert.Equal(t, "block", cfg.GetEvents().Overflow)

	assert.Error(t, cfg.UpdateField("nope", "x", 1))
	assert.Error(t, cfg.UpdateField("timeouts", "nope", 1))
	assert.Error(t, cfg.UpdateField("timeouts", "request_ms", "soon"))
	assert.Equal(t, 1500, cfg.GetTimeouts().RequestMS)
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Client.ApplicationID = "383226320970055681"
	return cfg
}

func fields(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidateDefaultsWithID(t *testing.T) {
	result := Validate(validConfig())
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
		warning bool
	}{
		{"missing id", func(c *Config) { c.Client.ApplicationID = "" }, "client.application_id", false},
		{"non numeric id", func(c *Config) { c.Client.ApplicationID = "my-app" }, "client.application_id", false},
		{"short id", func(c *Config) { c.Client.ApplicationID = "1234" }, "client.application_id", true},
		{"instance out of range", func(c *Config) { c.Client.Instance = 10 }, "client.instance", false},
		{"tiny frames", func(c *Config) { c.Client.MaxFrameBytes = 10 }, "client.max_frame_bytes", false},
		{"zero request timeout", func(c *Config) { c.Timeouts.RequestMS = 0 }, "timeouts.request_ms", false},
		{"max below initial", func(c *Config) {
			c.Reconnect.InitialMS = 5000
			c.Reconnect.MaxSec = 1
		}, "reconnect.max_interval_sec", false},
		{"multiplier", func(c *Config) { c.Reconnect.Multiplier = 0.5 }, "reconnect.multiplier", false},
		{"overflow", func(c *Config) { c.Events.Overflow = "spill" }, "events.overflow", false},
		{"unknown event", func(c *Config) { c.Events.Subscribe = []string{"NOT_A_THING"} }, "events.subscribe", true},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker_url", false},
		{"api port", func(c *Config) { c.API.Port = 70000 }, "api.port", false},
		{"api exposed", func(c *Config) { c.API.Host = "0.0.0.0" }, "api.host", true},
		{"journal path", func(c *Config) { c.Journal.Path = "" }, "journal.path", false},
		{"health interval", func(c *Config) { c.Health.IntervalSec = -1 }, "health.interval_sec", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			if tt.warning {
				assert.True(t, result.IsValid(), "%v", result.Errors)
				assert.Contains(t, fields(result.Warnings), tt.field)
			} else {
				assert.False(t, result.IsValid())
				assert.Contains(t, fields(result.Errors), tt.field)
			}
		})
	}
}

func TestValidateAcceptsGroups(t *testing.T) {
	cfg := validConfig()
	cfg.Events.Subscribe = []string{"activity", "lobby", "ACTIVITY_JOIN"}
	result := Validate(cfg)
	assert.Empty(t, result.Warnings)
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	answers := strings.Join([]string{
		"383226320970055681", // application id
		"",                   // instance
		"activity, lobby",    // subscriptions
		"yes",                // api
		"",                   // api port
		"no",                 // journal
		"",                   // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))

	assert.Equal(t, "383226320970055681", cfg.GetClient().ApplicationID)
	assert.Equal(t, []string{"activity", "lobby"}, cfg.GetEvents().Subscribe)
	assert.False(t, cfg.GetJournal().Enabled)
	assert.Contains(t, out.String(), "Configuration saved")
	assert.FileExists(t, cfg.Path())
}

func TestSetupWizardGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	// every attempt enters a bad id and accepts defaults for the rest
	answers := strings.Repeat("not-a-number\n\n\n\n\n\n\nyes\n", maxSetupAttempts)
	err := RunSetupWizard(cfg, strings.NewReader(answers), &bytes.Buffer{})
	assert.Error(t, err)
	assert.NoFileExists(t, cfg.Path())
}
