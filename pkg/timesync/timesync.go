// ABOUTME: Time synchronization instance holding the corrected clock offset
// ABOUTME: Answers peer timesync requests and exposes the sync/change/error event surface
package timesync

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Resonate-Protocol/timesync-go/pkg/events"
	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/rpc"
)

// Event names
const (
	EventSync   = "sync"
	EventChange = "change"
	EventError  = "error"
)

// Payloads of EventSync
const (
	SyncStart = "start"
	SyncEnd   = "end"
)

// TimeSync keeps a local clock corrected against a set of peers
type TimeSync struct {
	config Config
	log    *zap.Logger
	rpc    *rpc.Correlator
	events events.Emitter

	// sample measures one peer for one round; replaced in tests
	sample func(ctx context.Context, peer string) (float64, bool)

	mu                    sync.RWMutex
	offset                float64
	hasAppliedFirstOffset bool

	// holds a token while a round is running
	syncing chan struct{}

	scheduler *scheduler
}

// New creates an instance and, unless Interval is IntervalDisabled, starts automatic
// synchronization. The first automatic round runs asynchronously after New returns.
func New(config Config) (*TimeSync, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	t := &TimeSync{
		config:  config,
		log:     config.Logger.Named("timesync"),
		syncing: make(chan struct{}, 1),
	}
	t.sample = t.sampleWithRetries
	t.rpc = rpc.NewCorrelator(rpc.Config{
		Transport: config.Transport,
		Timeout:   config.Timeout,
		OnRequest: t.handleRequest,
		Logger:    config.Logger.Named("rpc"),
	})

	if config.OnChange != nil {
		t.On(EventChange, func(p any) { config.OnChange(p.(float64)) })
	}
	if config.OnSync != nil {
		t.On(EventSync, func(p any) { config.OnSync(p.(string)) })
	}
	if config.OnError != nil {
		t.On(EventError, func(p any) { config.OnError(p.(error)) })
	}

	if binder, ok := config.Transport.(rpc.Binder); ok {
		binder.Bind(t.Receive)
	}

	if config.Interval > 0 {
		t.scheduler = newScheduler(config.Interval, t.scheduledSync, t.emitError, t.log)
		t.scheduler.start()
	}

	t.log.Info("time sync created",
		zap.Strings("peers", config.Peers),
		zap.String("server", config.Server),
		zap.Duration("interval", config.Interval),
		zap.Int("repeat", config.Repeat))

	return t, nil
}

// Now returns the corrected time in milliseconds
func (t *TimeSync) Now() float64 {
	return t.config.Clock() + t.Offset()
}

// Time returns the corrected time
func (t *TimeSync) Time() time.Time {
	return time.UnixMicro(int64(math.Round(t.Now() * 1000)))
}

// Offset returns the current correction in milliseconds
func (t *TimeSync) Offset() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offset
}

// Receive hands an inbound envelope from peer from to the instance
func (t *TimeSync) Receive(from string, env protocol.Envelope) {
	t.rpc.Deliver(from, env)
}

// On subscribes fn to event and returns an id for Off
func (t *TimeSync) On(event string, fn events.Handler) uint64 {
	return t.events.On(event, fn)
}

// Off removes a subscription made with On
func (t *TimeSync) Off(event string, id uint64) bool {
	return t.events.Off(event, id)
}

// Close stops automatic synchronization. A round already in flight runs to completion
// and the instance keeps answering peer requests.
func (t *TimeSync) Close() {
	if t.scheduler != nil {
		t.scheduler.stop()
	}
}

// handleRequest answers a peer's timesync request with our corrected time
func (t *TimeSync) handleRequest(from string, req protocol.Envelope) {
	// every request is a time query, whatever method it names
	if req.Method != "" && req.Method != protocol.MethodTimesync {
		t.log.Debug("answering request with unexpected method", zap.String("peer", from), zap.String("method", req.Method))
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.config.Timeout)
	defer cancel()

	if err := t.config.Transport.Send(ctx, from, protocol.NewResponse(req.ID, t.Now()), t.config.Timeout); err != nil {
		t.log.Warn("failed to answer timesync request",
			zap.String("peer", from), zap.Int64("id", req.ID), zap.Error(err))
	}
}

// applyFirstOffset adopts offset if no offset was ever applied
func (t *TimeSync) applyFirstOffset(offset float64) {
	t.mu.Lock()
	if t.hasAppliedFirstOffset {
		t.mu.Unlock()
		return
	}
	t.offset = offset
	t.hasAppliedFirstOffset = true
	t.mu.Unlock()

	t.log.Info("applied first offset", zap.Float64("offset_ms", offset))
	t.events.Emit(EventChange, offset)
}

func (t *TimeSync) setOffset(offset float64) {
	t.mu.Lock()
	t.offset = offset
	t.hasAppliedFirstOffset = true
	t.mu.Unlock()

	t.events.Emit(EventChange, offset)
}

func (t *TimeSync) emitError(err error) {
	t.log.Error("sync failed", zap.Error(err))
	t.events.Emit(EventError, fmt.Errorf("timesync: %w", err))
}
