package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Resonate-Protocol/timesync-go/pkg/timesync"
)

func TestQuality(t *testing.T) {
	c := NewCollector(nil)
	assert.Equal(t, QualityLost, c.Quality(time.Minute), "no round yet")

	c.SampleSucceeded("a", timesync.Sample{Roundtrip: 4})
	c.OnSync(timesync.SyncEnd)
	assert.Equal(t, QualityGood, c.Quality(time.Minute))
	assert.Equal(t, QualityGood, c.Quality(0), "zero disables the staleness check")

	c.SampleSucceeded("a", timesync.Sample{Roundtrip: 120})
	c.SampleSucceeded("a", timesync.Sample{Roundtrip: 150})
	assert.Equal(t, QualityDegraded, c.Quality(time.Minute))

	c.mu.Lock()
	c.lastSync = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()
	assert.Equal(t, QualityLost, c.Quality(time.Minute))
}

func TestQualityString(t *testing.T) {
	assert.Equal(t, "good", QualityGood.String())
	assert.Equal(t, "degraded", QualityDegraded.String())
	assert.Equal(t, "lost", QualityLost.String())
}
