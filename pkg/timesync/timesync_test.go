package timesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ,, c ", []string{"a", "b", "c"}},
		{"ws://10.0.0.1:8930/timesync", []string{"ws://10.0.0.1:8930/timesync"}},
		{"", nil},
		{" , ,", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePeers(tt.input))
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tr := &fakePeers{}
	tests := []struct {
		name   string
		config Config
	}{
		{"server and peers", Config{Server: "s", Peers: []string{"a"}, Transport: tr}},
		{"server and peer source", Config{Server: "s", PeerSource: func() []string { return nil }, Transport: tr}},
		{"no transport", Config{Peers: []string{"a"}}},
		{"negative repeat", Config{Peers: []string{"a"}, Repeat: -1, Transport: tr}},
		{"negative timeout", Config{Peers: []string{"a"}, Timeout: -time.Second, Transport: tr}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, err := New(tt.config)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Nil(t, ts)
		})
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	ts := newTestSync(t, Config{Peers: []string{"a"}})

	assert.Equal(t, DefaultTimeout, ts.config.Timeout)
	assert.Equal(t, DefaultRepeat, ts.config.Repeat)
	assert.Equal(t, IntervalDisabled, ts.config.Interval)
	assert.Nil(t, ts.scheduler)
	assert.Equal(t, 0.0, ts.Offset())
}

func TestConfigIsCopied(t *testing.T) {
	peers := []string{"a", "b"}
	ts := newTestSync(t, Config{Peers: peers})
	peers[0] = "mutated"

	assert.Equal(t, []string{"a", "b"}, ts.config.peers())
}

func TestReceiveAnswersPeerRequests(t *testing.T) {
	clock := &scriptedClock{values: []float64{1000}}
	tr := &fakePeers{}
	ts := newTestSync(t, Config{Peers: []string{"a"}, Clock: clock.Now, Transport: tr})
	ts.setOffset(250)

	ts.Receive("peer-b", protocol.NewRequest(7, protocol.MethodTimesync, nil))
	ts.Receive("peer-b", protocol.Envelope{ID: 8})
	ts.Receive("peer-b", protocol.NewRequest(9, "shutdown", nil))

	sent := tr.envelopes()
	require.Len(t, sent, 3)
	assert.Equal(t, protocol.NewResponse(7, 1250.0), sent[0])
	assert.Equal(t, protocol.NewResponse(8, 1250.0), sent[1])
	// the method name does not matter to the answering side
	assert.Equal(t, protocol.NewResponse(9, 1250.0), sent[2])
	assert.Equal(t, []string{"peer-b", "peer-b", "peer-b"}, tr.targets)
}

func TestTwoInstancesConverge(t *testing.T) {
	// b's clock runs 500ms ahead of a's; replies are delivered synchronously
	var a, b *TimeSync
	base := SystemClock()
	clockA := func() float64 { return SystemClock() - base }
	clockB := func() float64 { return SystemClock() - base + 500 }

	trA := &fakePeers{answer: func(string, protocol.Envelope) (any, error) { return b.Now(), nil }}
	trB := &fakePeers{}

	a = newTestSync(t, Config{Server: "b", Clock: clockA, Transport: trA, Repeat: 5})
	b = newTestSync(t, Config{Server: "a", Clock: clockB, Transport: trB})

	require.NoError(t, a.Sync(context.Background()))
	assert.InDelta(t, 500, a.Offset(), 5)
	assert.InDelta(t, b.Now(), a.Now(), 5)
}

func TestTime(t *testing.T) {
	clock := &scriptedClock{values: []float64{1_700_000_000_000.5}}
	ts := newTestSync(t, Config{Peers: []string{"a"}, Clock: clock.Now})
	ts.setOffset(1000)

	got := ts.Time()
	assert.Equal(t, time.UnixMilli(1_700_000_001_000).Add(500*time.Microsecond), got)
}

func TestOnOff(t *testing.T) {
	ts := newTestSync(t, Config{Peers: []string{"a"}})

	var calls int
	id := ts.On(EventChange, func(any) { calls++ })
	ts.setOffset(1)
	assert.True(t, ts.Off(EventChange, id))
	ts.setOffset(2)

	assert.Equal(t, 1, calls)
}

func TestSchedulerRunsFirstSyncAndRepeats(t *testing.T) {
	var starts atomic.Int32
	ts, err := New(Config{
		PeerSource: func() []string { return nil },
		Transport:  &fakePeers{},
		Interval:   20 * time.Millisecond,
		OnSync: func(phase string) {
			if phase == SyncStart {
				starts.Add(1)
			}
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return starts.Load() >= 3 }, time.Second, 5*time.Millisecond)

	ts.Close()
	ts.Close()
	time.Sleep(30 * time.Millisecond)
	stopped := starts.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, stopped, starts.Load())
}

func TestCloseBeforeFirstSyncPreventsIt(t *testing.T) {
	var rounds atomic.Int32
	ts, err := New(Config{
		PeerSource: func() []string { rounds.Add(1); return nil },
		Transport:  &fakePeers{},
		Interval:   time.Hour,
	})
	require.NoError(t, err)
	ts.Close()

	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, rounds.Load(), int32(1))
}

func TestCloseLetsInFlightSyncFinish(t *testing.T) {
	release := make(chan struct{})
	var requests atomic.Int32
	tr := &fakePeers{answer: func(string, protocol.Envelope) (any, error) {
		if requests.Add(1) == 1 {
			<-release
		}
		return SystemClock() + 5000, nil
	}}

	changes := make(chan float64, 4)
	ts, err := New(Config{
		Peers:     []string{"a"},
		Transport: tr,
		Interval:  20 * time.Millisecond,
		Repeat:    1,
		OnChange:  func(offset float64) { changes <- offset },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return requests.Load() == 1 }, time.Second, time.Millisecond)
	ts.Close()
	close(release)

	select {
	case offset := <-changes:
		assert.InDelta(t, 5000, offset, 100)
	case <-time.After(time.Second):
		t.Fatal("in-flight sync did not complete after Close")
	}

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), requests.Load())
}

func TestSchedulerReportsPanicsAsErrors(t *testing.T) {
	var mu sync.Mutex
	var got []error
	ts, err := New(Config{
		PeerSource: func() []string { panic("peer source exploded") },
		Transport:  &fakePeers{},
		Interval:   time.Hour,
		OnError: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, err)
		},
	})
	require.NoError(t, err)
	defer ts.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got[0].Error(), "peer source exploded")

	// the round's token was returned
	assert.Empty(t, ts.syncing)
}

func TestSchedulerReportsRunErrors(t *testing.T) {
	boom := errors.New("boom")
	errs := make(chan error, 1)
	s := newScheduler(time.Hour, func(context.Context) error { return boom }, func(err error) { errs <- err }, zap.NewNop())
	s.start()
	defer s.stop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("error not reported")
	}
}
