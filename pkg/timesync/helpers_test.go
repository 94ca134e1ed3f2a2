package timesync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/rpc"
)

// fakePeers answers timesync requests synchronously through the bound receiver
type fakePeers struct {
	mu      sync.Mutex
	recv    rpc.Receiver
	answer  func(to string, env protocol.Envelope) (any, error)
	sent    []protocol.Envelope
	targets []string
}

func (f *fakePeers) Bind(r rpc.Receiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = r
}

func (f *fakePeers) Send(_ context.Context, to string, env protocol.Envelope, _ time.Duration) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.targets = append(f.targets, to)
	recv, answer := f.recv, f.answer
	f.mu.Unlock()

	if !env.IsRequest() || answer == nil {
		return nil
	}
	result, err := answer(to, env)
	if err != nil {
		return err
	}
	recv(to, protocol.NewResponse(env.ID, result))
	return nil
}

func (f *fakePeers) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.sent...)
}

// scriptedClock returns its values in order and repeats the last one
type scriptedClock struct {
	mu     sync.Mutex
	values []float64
	next   int
}

func (c *scriptedClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.next
	if i >= len(c.values) {
		i = len(c.values) - 1
	} else {
		c.next++
	}
	return c.values[i]
}

// recorder captures sync and change events as strings
type recorder struct {
	mu     sync.Mutex
	events []string
}

func record(ts *TimeSync) *recorder {
	r := &recorder{}
	ts.On(EventSync, func(p any) { r.add("sync:" + p.(string)) })
	ts.On(EventChange, func(p any) { r.add(fmt.Sprintf("change:%g", p.(float64))) })
	return r
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(s string) int {
	n := 0
	for _, e := range r.all() {
		if e == s {
			n++
		}
	}
	return n
}

// newTestSync builds an instance with auto sync disabled and no inter-sample delay
func newTestSync(t *testing.T, config Config) *TimeSync {
	t.Helper()

	if config.Transport == nil {
		config.Transport = &fakePeers{}
	}
	if config.Interval == 0 {
		config.Interval = IntervalDisabled
	}
	if config.Delay == 0 {
		config.Delay = time.Nanosecond
	}

	ts, err := New(config)
	require.NoError(t, err)
	t.Cleanup(ts.Close)
	return ts
}

// observerLog records SampleObserver calls
type observerLog struct {
	mu        sync.Mutex
	succeeded []Sample
	failed    []error
	rejected  int
}

func (o *observerLog) SampleSucceeded(_ string, s Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.succeeded = append(o.succeeded, s)
}

func (o *observerLog) SampleFailed(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

func (o *observerLog) OutliersRejected(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected += n
}
