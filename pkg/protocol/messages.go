// ABOUTME: Time sync wire message definitions
// ABOUTME: Defines the request/response envelope and the transport frames that carry it
package protocol

import (
	"encoding/json"
	"math"
)

const (
	// Version is the protocol tag carried by every envelope we produce
	Version = "2.0"

	// MethodTimesync asks a peer for its current corrected time in milliseconds
	MethodTimesync = "timesync"

	// ProtocolVersion is the version of the node handshake
	ProtocolVersion = 1
)

// Frame types exchanged between transport endpoints
const (
	MessageTypeHello = "node/hello"
	MessageTypeRPC   = "node/rpc"
)

// Envelope is a request or a reply.
// A request carries Method; a reply carries Result and echoes the request ID.
type Envelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method,omitempty"`
	Params  any    `json:"params,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// NewRequest builds a request envelope
func NewRequest(id int64, method string, params any) Envelope {
	return Envelope{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewResponse builds a reply envelope for request id
func NewResponse(id int64, result any) Envelope {
	return Envelope{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}
}

// IsRequest reports whether the envelope names a method
func (e Envelope) IsRequest() bool {
	return e.Method != ""
}

// HasResult reports whether the envelope carries a result
func (e Envelope) HasResult() bool {
	return e.Result != nil
}

// Message is the frame written on a transport connection
type Message struct {
	Type     string    `json:"type"`
	Hello    *Hello    `json:"hello,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

// Hello is the first frame sent on a dialed connection.
// Addr is the address the sender accepts connections on; it is informational only.
type Hello struct {
	NodeID  string `json:"node_id"`
	Addr    string `json:"addr"`
	Version int    `json:"version"`
}

// Float converts a decoded result into milliseconds.
// JSON decodes numbers as float64, CBOR as int64/uint64/float64.
func Float(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case json.Number:
		var err error
		f, err = n.Float64()
		if err != nil {
			return 0, false
		}
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
