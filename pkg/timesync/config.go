// ABOUTME: Configuration for a time synchronization instance
// ABOUTME: Defaults, peer list parsing and validation of mutually exclusive modes
package timesync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Resonate-Protocol/timesync-go/pkg/rpc"
)

const (
	// DefaultInterval is the automatic synchronization period
	DefaultInterval = time.Hour

	// DefaultTimeout bounds a single timesync request
	DefaultTimeout = 10 * time.Second

	// DefaultDelay separates consecutive samples to the same peer
	DefaultDelay = time.Second

	// DefaultRepeat is the number of samples taken per peer and round
	DefaultRepeat = 5

	// IntervalDisabled turns off automatic synchronization
	IntervalDisabled time.Duration = -1
)

// ErrConfiguration is returned by New for unusable configurations
var ErrConfiguration = errors.New("timesync: invalid configuration")

// Clock returns the local time in milliseconds
type Clock func() float64

// SystemClock reads the wall clock in milliseconds since the Unix epoch
func SystemClock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}

// Config holds instance configuration. It is copied by New and never modified afterwards.
type Config struct {
	// Peers to average against. Exclusive with Server.
	Peers []string

	// PeerSource, when set, is asked for the peer list at the start of every round.
	// Exclusive with Server.
	PeerSource func() []string

	// Server is a single authoritative peer. Exclusive with Peers and PeerSource.
	Server string

	// Interval between automatic synchronizations (default: 1h, IntervalDisabled to turn off)
	Interval time.Duration

	// Timeout per request (default: 10s)
	Timeout time.Duration

	// Delay between samples to the same peer (default: 1s)
	Delay time.Duration

	// Repeat is the number of samples per peer and round (default: 5)
	Repeat int

	// Clock is the local time source (default: SystemClock)
	Clock Clock

	// Transport delivers requests and replies (required)
	Transport rpc.Transport

	// Observer receives per-sample notifications
	Observer SampleObserver

	// OnChange is registered for EventChange before automatic syncing starts
	OnChange func(offset float64)

	// OnSync is registered for EventSync before automatic syncing starts
	OnSync func(phase string)

	// OnError is registered for EventError before automatic syncing starts
	OnError func(err error)

	Logger *zap.Logger
}

// ParsePeers splits a comma separated peer list into trimmed, non-empty identifiers
func ParsePeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Delay == 0 {
		c.Delay = DefaultDelay
	}
	if c.Repeat == 0 {
		c.Repeat = DefaultRepeat
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Peers = append([]string(nil), c.Peers...)
	return c
}

func (c Config) validate() error {
	if c.Server != "" && (len(c.Peers) > 0 || c.PeerSource != nil) {
		return fmt.Errorf("%w: server and peers are mutually exclusive", ErrConfiguration)
	}
	if c.Transport == nil {
		return fmt.Errorf("%w: transport is required", ErrConfiguration)
	}
	if c.Repeat < 1 {
		return fmt.Errorf("%w: repeat must be at least 1, got %d", ErrConfiguration, c.Repeat)
	}
	if c.Timeout < 0 || c.Delay < 0 {
		return fmt.Errorf("%w: timeout and delay must not be negative", ErrConfiguration)
	}
	return nil
}

// peers returns the peer set for one round
func (c Config) peers() []string {
	switch {
	case c.Server != "":
		return []string{c.Server}
	case c.PeerSource != nil:
		return c.PeerSource()
	default:
		return c.Peers
	}
}
