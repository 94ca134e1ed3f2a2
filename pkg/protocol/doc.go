// ABOUTME: Timesync wire protocol package
// ABOUTME: Defines envelopes, hello frames and codecs
// Package protocol implements the timesync wire protocol.
//
// Requests carry an id and the "timesync" method; responses echo the
// id with the responder's clock reading as result. Envelopes are
// encoded as JSON text frames or CBOR binary frames.
//
// Example:
//
//	req := protocol.NewRequest(id, protocol.MethodTimesync, nil)
//	data, err := protocol.CBOR.Marshal(req)
package protocol
