package timesync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/rpc"
)

func TestNewSample(t *testing.T) {
	tests := []struct {
		name               string
		start, remote, end float64
		want               Sample
	}{
		{"peer ahead", 100, 1000, 120, Sample{Roundtrip: 20, Offset: 890}},
		{"peer behind", 5000, 4000, 5010, Sample{Roundtrip: 10, Offset: -1005}},
		{"instant reply", 42, 42, 42, Sample{Roundtrip: 0, Offset: 0}},
		{"fractional", 0.5, 10.25, 1.5, Sample{Roundtrip: 1, Offset: 9.25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newSample(tt.start, tt.remote, tt.end))
		})
	}
}

func TestSampleOnceMatchesCristian(t *testing.T) {
	clock := &scriptedClock{values: []float64{100, 120}}
	peers := &fakePeers{answer: func(string, protocol.Envelope) (any, error) { return 1000.0, nil }}
	observer := &observerLog{}
	ts := newTestSync(t, Config{Peers: []string{"a"}, Clock: clock.Now, Transport: peers, Observer: observer})

	s, ok := ts.sampleOnce(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, Sample{Roundtrip: 20, Offset: 890}, s)
	assert.Equal(t, []Sample{s}, observer.succeeded)
}

func TestFirstSampleAppliedImmediately(t *testing.T) {
	clock := &scriptedClock{values: []float64{100, 120, 200, 230}}
	replies := []any{1000.0, 2000.0}
	n := 0
	peers := &fakePeers{answer: func(string, protocol.Envelope) (any, error) {
		r := replies[n]
		n++
		return r, nil
	}}
	ts := newTestSync(t, Config{Peers: []string{"a"}, Clock: clock.Now, Transport: peers})
	rec := record(ts)

	_, ok := ts.sampleOnce(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, 890.0, ts.Offset())

	// later samples never touch the offset directly
	_, ok = ts.sampleOnce(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, 890.0, ts.Offset())
	assert.Equal(t, []string{"change:890"}, rec.all())
}

func TestSampleOnceAbsorbsFailures(t *testing.T) {
	boom := errors.New("unreachable")
	tests := []struct {
		name    string
		answer  func(string, protocol.Envelope) (any, error)
		wantErr error
	}{
		{"send failure", func(string, protocol.Envelope) (any, error) { return nil, boom }, rpc.ErrSendFailure},
		{"string timestamp", func(string, protocol.Envelope) (any, error) { return "noon", nil }, ErrInvalidTimestamp},
		{"missing timestamp", func(string, protocol.Envelope) (any, error) { return map[string]any{}, nil }, ErrInvalidTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observer := &observerLog{}
			ts := newTestSync(t, Config{
				Peers:     []string{"a"},
				Transport: &fakePeers{answer: tt.answer},
				Observer:  observer,
			})
			rec := record(ts)

			_, ok := ts.sampleOnce(context.Background(), "a")
			assert.False(t, ok)
			assert.Equal(t, 0.0, ts.Offset())
			assert.Empty(t, rec.all())
			require.Len(t, observer.failed, 1)
			assert.ErrorIs(t, observer.failed[0], tt.wantErr)
		})
	}
}

func TestFilterOutliers(t *testing.T) {
	samples := []Sample{
		{Roundtrip: 10, Offset: 5},
		{Roundtrip: 12, Offset: 7},
		{Roundtrip: 11, Offset: 6},
		{Roundtrip: 500, Offset: 1000},
	}

	kept := filterOutliers(samples)
	assert.Equal(t, samples[:3], kept)

	mean, ok := meanOffset(kept)
	require.True(t, ok)
	assert.Equal(t, 6.0, mean)
}

func TestFilterOutliersDegenerateSets(t *testing.T) {
	assert.Empty(t, filterOutliers(nil))
	assert.Empty(t, filterOutliers([]Sample{{Roundtrip: 10, Offset: 1}}))
	assert.Empty(t, filterOutliers([]Sample{{Roundtrip: 10, Offset: 1}, {Roundtrip: 10, Offset: 2}}))

	kept := filterOutliers([]Sample{{Roundtrip: 10, Offset: 1}, {Roundtrip: 30, Offset: 3}})
	assert.Len(t, kept, 2)

	_, ok := meanOffset(nil)
	assert.False(t, ok)
}

func TestSampleWithRetries(t *testing.T) {
	// start/end pairs yielding round trips 10, 12, 11 and 500
	clock := &scriptedClock{values: []float64{0, 10, 100, 112, 200, 211, 300, 800}}
	// remote times chosen for offsets 5, 7, 6 and 1000
	replies := []float64{10, 113, 211.5, 1550}
	n := 0
	peers := &fakePeers{answer: func(string, protocol.Envelope) (any, error) {
		r := replies[n]
		n++
		return r, nil
	}}
	observer := &observerLog{}
	ts := newTestSync(t, Config{
		Peers:     []string{"a"},
		Clock:     clock.Now,
		Transport: peers,
		Repeat:    4,
		Observer:  observer,
	})

	offset, ok := ts.sampleWithRetries(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, 6.0, offset)
	assert.Len(t, peers.envelopes(), 4)
	assert.Len(t, observer.succeeded, 4)
	assert.Equal(t, 1, observer.rejected)

	// the first sample warmed the instance up
	assert.Equal(t, 5.0, ts.Offset())
}

func TestSampleWithRetriesCountsFailedAttempts(t *testing.T) {
	attempt := 0
	peers := &fakePeers{answer: func(string, protocol.Envelope) (any, error) {
		attempt++
		if attempt%2 == 1 {
			return nil, errors.New("dropped")
		}
		return float64(attempt * 100), nil
	}}
	observer := &observerLog{}
	ts := newTestSync(t, Config{Peers: []string{"a"}, Transport: peers, Repeat: 5, Observer: observer})

	ts.sampleWithRetries(context.Background(), "a")
	assert.Len(t, peers.envelopes(), 5)
	assert.Len(t, observer.failed, 3)
	assert.Len(t, observer.succeeded, 2)
}

func TestSampleWithRetriesAllFailing(t *testing.T) {
	peers := &fakePeers{answer: func(string, protocol.Envelope) (any, error) {
		return nil, errors.New("down")
	}}
	ts := newTestSync(t, Config{Peers: []string{"a"}, Transport: peers, Repeat: 3})

	_, ok := ts.sampleWithRetries(context.Background(), "a")
	assert.False(t, ok)
	assert.Len(t, peers.envelopes(), 3)
}

func TestSampleWithRetriesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	peers := &fakePeers{answer: func(string, protocol.Envelope) (any, error) {
		cancel()
		return 1.0, nil
	}}
	ts := newTestSync(t, Config{Peers: []string{"a"}, Transport: peers, Repeat: 5})

	ts.sampleWithRetries(ctx, "a")
	assert.Len(t, peers.envelopes(), 1)
}
