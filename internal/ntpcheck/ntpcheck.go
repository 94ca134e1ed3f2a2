// ABOUTME: Compares the corrected clock against an NTP reference server
// ABOUTME: Used to report how far the peer consensus is from wall clock time
package ntpcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Second

// Checker queries one NTP server
type Checker struct {
	server  string
	timeout time.Duration
	log     *zap.Logger
	query   func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

// New creates a checker for server
func New(server string, timeout time.Duration, log *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		server:  server,
		timeout: timeout,
		log:     log.Named("ntp"),
		query:   ntp.QueryWithOptions,
	}
}

// Drift returns how far the corrected clock is ahead of the NTP reference
func (c *Checker) Drift(corrected func() time.Time) (time.Duration, error) {
	resp, err := c.query(c.server, ntp.QueryOptions{Timeout: c.timeout})
	if err != nil {
		return 0, fmt.Errorf("NTP query to %s failed: %w", c.server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid NTP response from %s: %w", c.server, err)
	}

	reference := time.Now().Add(resp.ClockOffset)
	drift := corrected().Sub(reference)

	c.log.Debug("reference drift",
		zap.String("server", c.server),
		zap.Duration("clock_offset", resp.ClockOffset),
		zap.Duration("rtt", resp.RTT),
		zap.Duration("drift", drift))

	return drift, nil
}

// Run checks the drift every interval until ctx is done, reporting each result
func (c *Checker) Run(ctx context.Context, interval time.Duration, corrected func() time.Time, report func(time.Duration)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		drift, err := c.Drift(corrected)
		if err != nil {
			c.log.Warn("reference check failed", zap.Error(err))
		} else {
			report(drift)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
