// ABOUTME: Request correlator turning a one-way transport into awaitable calls
// ABOUTME: Tracks pending requests by id and resolves, times out or fails them
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
)

var (
	// ErrSendFailure wraps errors returned by Transport.Send
	ErrSendFailure = errors.New("rpc: send failed")

	// ErrTimeout is returned when no reply arrives within the configured timeout
	ErrTimeout = errors.New("rpc: request timed out")

	// ErrClosed is returned for calls pending on, or issued after, Close
	ErrClosed = errors.New("rpc: correlator closed")
)

// RequestHandler handles an inbound request from a peer
type RequestHandler func(from string, req protocol.Envelope)

// Config holds correlator configuration
type Config struct {
	// Transport sends outgoing envelopes (required)
	Transport Transport

	// Timeout bounds how long a call waits for its reply and is passed to
	// the transport as a hint. Zero disables the internal timeout.
	Timeout time.Duration

	// OnRequest is invoked for inbound requests. Requests are dropped when nil.
	OnRequest RequestHandler

	Logger *zap.Logger
}

type outcome struct {
	result any
	err    error
}

type pendingCall struct {
	to      string
	created time.Time
	done    chan outcome
	timer   *time.Timer
}

// Correlator matches replies to outstanding calls
type Correlator struct {
	config Config
	log    *zap.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool
}

// NewCorrelator creates a correlator
func NewCorrelator(config Config) *Correlator {
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Correlator{
		config:  config,
		log:     log,
		pending: make(map[int64]*pendingCall),
	}
}

// Call sends method to peer to and waits for its result.
func (c *Correlator) Call(ctx context.Context, to, method string, params any) (any, error) {
	id := c.nextID.Add(1)
	call := &pendingCall{
		to:      to,
		created: time.Now(),
		done:    make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = call
	if timeout := c.config.Timeout; timeout > 0 {
		call.timer = time.AfterFunc(timeout, func() {
			c.fail(id, fmt.Errorf("%w: no reply from %s within %s", ErrTimeout, to, timeout))
		})
	}
	c.mu.Unlock()

	req := protocol.NewRequest(id, method, params)
	if err := c.config.Transport.Send(ctx, to, req, c.config.Timeout); err != nil {
		c.remove(id)
		c.log.Debug("send failed", zap.String("peer", to), zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrSendFailure, to, err)
	}

	select {
	case o := <-call.done:
		return o.result, o.err
	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	}
}

// Deliver routes an inbound envelope: replies resolve pending calls and
// requests go to OnRequest. Anything else is dropped.
func (c *Correlator) Deliver(from string, env protocol.Envelope) {
	if env.JSONRPC != "" && env.JSONRPC != protocol.Version {
		c.log.Debug("dropping envelope with foreign protocol tag",
			zap.String("peer", from), zap.String("tag", env.JSONRPC))
		return
	}

	if env.IsRequest() {
		c.handleRequest(from, env)
		return
	}

	if env.HasResult() {
		if !c.resolve(env.ID, env.Result) {
			c.log.Debug("dropping reply without pending call",
				zap.String("peer", from), zap.Int64("id", env.ID))
		}
		return
	}

	// a bare id that matches nothing of ours is a peer asking for our time
	if !c.isPending(env.ID) {
		c.handleRequest(from, env)
		return
	}

	c.log.Debug("dropping reply without result", zap.String("peer", from), zap.Int64("id", env.ID))
}

// Pending returns the number of outstanding calls
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending call with ErrClosed; later calls fail immediately.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.finish(outcome{err: ErrClosed})
	}
}

func (c *Correlator) handleRequest(from string, req protocol.Envelope) {
	if c.config.OnRequest == nil {
		c.log.Debug("dropping request, no handler", zap.String("peer", from), zap.String("method", req.Method))
		return
	}
	c.config.OnRequest(from, req)
}

func (c *Correlator) resolve(id int64, result any) bool {
	call := c.take(id)
	if call == nil {
		return false
	}
	c.log.Debug("reply received",
		zap.String("peer", call.to),
		zap.Int64("id", id),
		zap.Duration("elapsed", time.Since(call.created)))
	call.finish(outcome{result: result})
	return true
}

func (c *Correlator) fail(id int64, err error) {
	if call := c.take(id); call != nil {
		c.log.Debug("call failed", zap.String("peer", call.to), zap.Int64("id", id), zap.Error(err))
		call.finish(outcome{err: err})
	}
}

func (c *Correlator) remove(id int64) {
	if call := c.take(id); call != nil && call.timer != nil {
		call.timer.Stop()
	}
}

func (c *Correlator) take(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Correlator) isPending(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// finish is called at most once per call: only the goroutine that removed
// the entry from the pending map may complete it.
func (p *pendingCall) finish(o outcome) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- o
}
