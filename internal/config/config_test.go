package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/timesync-go/pkg/timesync"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, time.Hour, cfg.Interval())
	assert.Equal(t, 10*time.Second, cfg.Timeout())
	assert.Equal(t, time.Second, cfg.Delay())
	assert.Equal(t, time.Minute, cfg.NTPInterval())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timesyncd.toml")
	raw := `
listen_address = "0.0.0.0:9000"
codec = "cbor"
peers = ["10.0.0.2:8930", "10.0.0.3:8930"]
interval_ms = 60000
repeat = 7
metrics_address = ":9100"
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, []string{"10.0.0.2:8930", "10.0.0.3:8930"}, cfg.Peers)
	assert.Equal(t, time.Minute, cfg.Interval())
	assert.Equal(t, 7, cfg.Repeat)
	assert.Equal(t, ":9100", cfg.MetricsAddr)

	// untouched keys keep their defaults
	assert.Equal(t, "/timesync", cfg.Path)
	assert.Equal(t, int64(10000), cfg.TimeoutMs)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "failed to load configuration")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`listen_adress = ":1"`))
	assert.ErrorContains(t, err, "failed to decode configuration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"server and peers", func(c *Config) { c.Server = "a:1"; c.Peers = []string{"b:1"} }, "mutually exclusive"},
		{"server and mdns", func(c *Config) { c.Server = "a:1"; c.MDNS = true }, "mutually exclusive"},
		{"codec", func(c *Config) { c.Codec = "xml" }, "unknown codec"},
		{"zero interval", func(c *Config) { c.IntervalMs = 0 }, "interval_ms"},
		{"timeout", func(c *Config) { c.TimeoutMs = 0 }, "timeout_ms"},
		{"delay", func(c *Config) { c.DelayMs = -1 }, "delay_ms"},
		{"repeat", func(c *Config) { c.Repeat = 0 }, "repeat"},
		{"ntp interval", func(c *Config) { c.NTPServer = "pool.ntp.org"; c.NTPIntervalMs = 0 }, "ntp_interval_ms"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestIntervalDisabledAndZeroDelay(t *testing.T) {
	cfg := Default()
	cfg.IntervalMs = -1
	cfg.DelayMs = 0

	assert.Equal(t, timesync.IntervalDisabled, cfg.Interval())
	assert.Equal(t, time.Nanosecond, cfg.Delay())
}
