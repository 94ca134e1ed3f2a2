// ABOUTME: Synchronization quality derived from round trip times and sync age
// ABOUTME: Classifies an instance as good, degraded or lost
package metrics

import (
	"time"
)

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

// degradedRoundtrip is the median round trip above which samples are considered congested
const degradedRoundtrip = 50 * time.Millisecond

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	default:
		return "lost"
	}
}

// Quality reports lost if no round has completed within staleAfter, degraded if the
// median round trip exceeds 50ms and good otherwise
func (c *Collector) Quality(staleAfter time.Duration) Quality {
	last := c.LastSync()
	if last.IsZero() || c.RoundtripCount() == 0 {
		return QualityLost
	}
	if staleAfter > 0 && time.Since(last) > staleAfter {
		return QualityLost
	}
	if c.RoundtripPercentile(50) > degradedRoundtrip {
		return QualityDegraded
	}
	return QualityGood
}
