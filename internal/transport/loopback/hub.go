// ABOUTME: In-process transport connecting timesync instances through a shared hub
// ABOUTME: Delivers envelopes asynchronously with optional simulated latency
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/rpc"
)

// ErrUnknownPeer is returned when sending to a name nobody joined with
var ErrUnknownPeer = errors.New("loopback: unknown peer")

// Latency returns the one-way delay for a frame from one endpoint to another
type Latency func(from, to string) time.Duration

// Hub routes envelopes between named endpoints
type Hub struct {
	latency Latency
	log     *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	wg        sync.WaitGroup
}

// NewHub creates a hub. latency may be nil for immediate delivery.
func NewHub(latency Latency, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		latency:   latency,
		log:       log.Named("loopback"),
		endpoints: make(map[string]*Endpoint),
	}
}

// Join registers an endpoint under name
func (h *Hub) Join(name string) *Endpoint {
	e := &Endpoint{name: name, hub: h}

	h.mu.Lock()
	h.endpoints[name] = e
	h.mu.Unlock()

	return e
}

// Leave removes the endpoint registered under name; later sends to it fail
func (h *Hub) Leave(name string) {
	h.mu.Lock()
	delete(h.endpoints, name)
	h.mu.Unlock()
}

// Wait blocks until every in-flight delivery finished
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) deliver(ctx context.Context, from, to string, env protocol.Envelope) error {
	h.mu.RLock()
	target, ok := h.endpoints[to]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var delay time.Duration
	if h.latency != nil {
		delay = h.latency(from, to)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		target.receive(from, env)
	}()
	return nil
}

// Endpoint is one participant of a hub; it implements rpc.Transport and rpc.Binder
type Endpoint struct {
	name string
	hub  *Hub

	mu       sync.RWMutex
	receiver rpc.Receiver
}

// Name returns the endpoint's peer identifier
func (e *Endpoint) Name() string {
	return e.name
}

// Bind sets the receiver for inbound envelopes
func (e *Endpoint) Bind(r rpc.Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receiver = r
}

// Send hands env to the hub for delivery to peer to
func (e *Endpoint) Send(ctx context.Context, to string, env protocol.Envelope, _ time.Duration) error {
	return e.hub.deliver(ctx, e.name, to, env)
}

func (e *Endpoint) receive(from string, env protocol.Envelope) {
	e.mu.RLock()
	r := e.receiver
	e.mu.RUnlock()

	if r == nil {
		e.hub.log.Debug("dropping envelope, endpoint not bound", zap.String("to", e.name), zap.String("from", from))
		return
	}
	r(from, env)
}
