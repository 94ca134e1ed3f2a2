// ABOUTME: Transport bridge contract consumed by the correlator
// ABOUTME: Hosts implement Send; inbound envelopes are forwarded through a Receiver
package rpc

import (
	"context"
	"time"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
)

// Transport delivers envelopes to peers.
//
// Send must tolerate concurrent calls. A nil return means the envelope was handed to the wire;
// any reply arrives later through the host's receive path. A non-nil return is a send failure.
// timeout is a hint for how long the transport may spend on this envelope.
type Transport interface {
	Send(ctx context.Context, to string, env protocol.Envelope, timeout time.Duration) error
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, to string, env protocol.Envelope, timeout time.Duration) error

// Send calls f
func (f TransportFunc) Send(ctx context.Context, to string, env protocol.Envelope, timeout time.Duration) error {
	return f(ctx, to, env, timeout)
}

// Receiver accepts an inbound envelope from peer from
type Receiver func(from string, env protocol.Envelope)

// Binder is implemented by transports that push inbound envelopes to a Receiver
type Binder interface {
	Bind(r Receiver)
}
