// ABOUTME: Synchronization round across all peers
// ABOUTME: Samples peers concurrently, joins them and applies the mean offset
package timesync

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Resonate-Protocol/timesync-go/pkg/stats"
)

// Sync runs one synchronization round. Overlapping calls are serialized: a call
// waits for the running round to finish before starting its own. The returned error
// is non-nil only when ctx ends; unreachable peers simply do not contribute.
//
// Event handlers run on the calling goroutine and must not call Sync synchronously.
func (t *TimeSync) Sync(ctx context.Context) error {
	select {
	case t.syncing <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.syncing }()

	return t.round(ctx)
}

// scheduledSync runs a round unless one is already in progress
func (t *TimeSync) scheduledSync(ctx context.Context) error {
	select {
	case t.syncing <- struct{}{}:
	default:
		t.log.Debug("skipping scheduled sync, round in progress")
		return nil
	}
	defer func() { <-t.syncing }()

	return t.round(ctx)
}

func (t *TimeSync) round(ctx context.Context) error {
	t.events.Emit(EventSync, SyncStart)
	defer t.events.Emit(EventSync, SyncEnd)

	peers := t.config.peers()
	started := time.Now()

	offsets := make([]float64, len(peers))
	present := make([]bool, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		g.Go(func() error {
			offsets[i], present[i] = t.sample(gctx, peer)
			return nil
		})
	}
	_ = g.Wait()

	valid := make([]float64, 0, len(offsets))
	for i, offset := range offsets {
		if present[i] && !math.IsNaN(offset) && !math.IsInf(offset, 0) {
			valid = append(valid, offset)
		}
	}

	if mean, err := stats.Mean(valid); err == nil && !math.IsInf(mean, 0) {
		t.setOffset(mean)
		t.log.Info("offset updated",
			zap.Float64("offset_ms", mean),
			zap.Int("peers", len(peers)),
			zap.Int("responding", len(valid)),
			zap.Duration("elapsed", time.Since(started)))
	} else {
		t.log.Warn("no peer responded", zap.Int("peers", len(peers)))
	}

	return ctx.Err()
}
