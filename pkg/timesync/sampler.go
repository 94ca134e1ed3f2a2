// ABOUTME: Per-peer offset sampling using Cristian's algorithm
// ABOUTME: Repeated samples are filtered by round-trip outliers and averaged
package timesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/stats"
)

// ErrInvalidTimestamp is reported to observers when a peer replies with something other than a finite number
var ErrInvalidTimestamp = errors.New("timesync: invalid timestamp in reply")

// Sample is a single offset measurement against one peer, in milliseconds
type Sample struct {
	Roundtrip float64
	Offset    float64
}

// SampleObserver is notified about individual samples. Implementations must be safe for
// concurrent use since peers are sampled in parallel.
type SampleObserver interface {
	SampleSucceeded(peer string, s Sample)
	SampleFailed(peer string, err error)
	OutliersRejected(peer string, n int)
}

// newSample applies Cristian's algorithm: the peer's clock read is assumed to sit
// halfway through the round trip.
func newSample(start, remote, end float64) Sample {
	roundtrip := end - start
	return Sample{
		Roundtrip: roundtrip,
		Offset:    remote - end + roundtrip/2,
	}
}

// sampleOnce measures the offset to peer once. Failures are absorbed and reported as !ok.
func (t *TimeSync) sampleOnce(ctx context.Context, peer string) (Sample, bool) {
	start := t.config.Clock()
	result, err := t.rpc.Call(ctx, peer, protocol.MethodTimesync, nil)
	if err != nil {
		t.sampleFailed(peer, err)
		return Sample{}, false
	}
	end := t.config.Clock()

	remote, ok := protocol.Float(result)
	if !ok {
		t.sampleFailed(peer, fmt.Errorf("%w: %v", ErrInvalidTimestamp, result))
		return Sample{}, false
	}

	s := newSample(start, remote, end)
	t.log.Debug("sample",
		zap.String("peer", peer),
		zap.Float64("roundtrip_ms", s.Roundtrip),
		zap.Float64("offset_ms", s.Offset))
	if t.config.Observer != nil {
		t.config.Observer.SampleSucceeded(peer, s)
	}

	t.applyFirstOffset(s.Offset)
	return s, true
}

func (t *TimeSync) sampleFailed(peer string, err error) {
	t.log.Debug("sample failed", zap.String("peer", peer), zap.Error(err))
	if t.config.Observer != nil {
		t.config.Observer.SampleFailed(peer, err)
	}
}

// sampleWithRetries takes up to Repeat sequential samples of peer, Delay apart, and
// returns the mean offset of the samples that survive outlier rejection.
func (t *TimeSync) sampleWithRetries(ctx context.Context, peer string) (float64, bool) {
	samples := make([]Sample, 0, t.config.Repeat)
	for attempt := 0; attempt < t.config.Repeat; attempt++ {
		if attempt > 0 && !sleep(ctx, t.config.Delay) {
			break
		}
		if s, ok := t.sampleOnce(ctx, peer); ok {
			samples = append(samples, s)
		}
	}

	kept := filterOutliers(samples)
	if rejected := len(samples) - len(kept); rejected > 0 {
		t.log.Debug("rejected outliers", zap.String("peer", peer), zap.Int("count", rejected))
		if t.config.Observer != nil {
			t.config.Observer.OutliersRejected(peer, rejected)
		}
	}

	return meanOffset(kept)
}

// filterOutliers drops every sample whose round trip is at or above std+median of all
// round trips. A lone sample, or a set of identical round trips, therefore keeps nothing.
func filterOutliers(samples []Sample) []Sample {
	if len(samples) == 0 {
		return nil
	}

	roundtrips := make([]float64, len(samples))
	for i, s := range samples {
		roundtrips[i] = s.Roundtrip
	}
	median, _ := stats.Median(roundtrips)
	limit := stats.Std(roundtrips) + median

	kept := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.Roundtrip < limit {
			kept = append(kept, s)
		}
	}
	return kept
}

func meanOffset(samples []Sample) (float64, bool) {
	offsets := make([]float64, len(samples))
	for i, s := range samples {
		offsets[i] = s.Offset
	}
	mean, err := stats.Mean(offsets)
	if err != nil {
		return 0, false
	}
	return mean, true
}

// sleep waits for d or until ctx is done, reporting whether the full delay elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
