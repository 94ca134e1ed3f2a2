// ABOUTME: Daemon configuration loaded from a TOML file
// ABOUTME: Provides defaults, strict decoding and validation
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/timesync"
)

// Config is the timesyncd configuration file
type Config struct {
	ListenAddr    string   `toml:"listen_address,omitempty"`
	AdvertiseAddr string   `toml:"advertise_address,omitempty"`
	Path          string   `toml:"path,omitempty"`
	Codec         string   `toml:"codec,omitempty"`
	Peers         []string `toml:"peers,omitempty"`
	Server        string   `toml:"server,omitempty"`
	MDNS          bool     `toml:"mdns,omitempty"`
	IntervalMs    int64    `toml:"interval_ms,omitempty"` // negative disables automatic sync
	TimeoutMs     int64    `toml:"timeout_ms,omitempty"`
	DelayMs       int64    `toml:"delay_ms,omitempty"`
	Repeat        int      `toml:"repeat,omitempty"`
	MetricsAddr   string   `toml:"metrics_address,omitempty"`
	NTPServer     string   `toml:"ntp_server,omitempty"`
	NTPIntervalMs int64    `toml:"ntp_interval_ms,omitempty"`
	LogLevel      string   `toml:"log_level,omitempty"`
	LogFile       string   `toml:"log_file,omitempty"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		ListenAddr:    ":8930",
		Path:          "/timesync",
		Codec:         protocol.JSON.Name(),
		IntervalMs:    timesync.DefaultInterval.Milliseconds(),
		TimeoutMs:     timesync.DefaultTimeout.Milliseconds(),
		DelayMs:       timesync.DefaultDelay.Milliseconds(),
		Repeat:        timesync.DefaultRepeat,
		NTPIntervalMs: time.Minute.Milliseconds(),
		LogLevel:      "info",
	}
}

// Load reads path on top of the defaults
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return Parse(raw)
}

// Parse decodes raw TOML on top of the defaults, rejecting unknown keys
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("failed to decode configuration: %s", strict.String())
		}
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions and out of range values
func (c Config) Validate() error {
	if c.Server != "" && (len(c.Peers) > 0 || c.MDNS) {
		return errors.New("server is mutually exclusive with peers and mdns")
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		return err
	}
	if c.IntervalMs == 0 {
		return errors.New("interval_ms must not be zero, use a negative value to disable")
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMs)
	}
	if c.DelayMs < 0 {
		return fmt.Errorf("delay_ms must not be negative, got %d", c.DelayMs)
	}
	if c.Repeat < 1 {
		return fmt.Errorf("repeat must be at least 1, got %d", c.Repeat)
	}
	if c.NTPServer != "" && c.NTPIntervalMs <= 0 {
		return fmt.Errorf("ntp_interval_ms must be positive, got %d", c.NTPIntervalMs)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Interval returns the automatic sync period, or timesync.IntervalDisabled
func (c Config) Interval() time.Duration {
	if c.IntervalMs < 0 {
		return timesync.IntervalDisabled
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Timeout returns the per-request timeout
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Delay returns the pause between samples. Zero is mapped to the smallest
// positive duration since a zero delay means "default" to timesync.
func (c Config) Delay() time.Duration {
	if c.DelayMs == 0 {
		return time.Nanosecond
	}
	return time.Duration(c.DelayMs) * time.Millisecond
}

// NTPInterval returns the reference check period
func (c Config) NTPInterval() time.Duration {
	return time.Duration(c.NTPIntervalMs) * time.Millisecond
}
