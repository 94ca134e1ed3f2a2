// ABOUTME: Decentralized clock synchronization package
// ABOUTME: Estimates a shared clock offset from request/response samples
// Package timesync synchronizes a local clock with a set of peers or a single server.
//
// Each round samples every peer several times using round-trip time
// measurement, discards slow samples and applies the average offset.
// Every instance also answers timesync requests from its peers.
//
// Example:
//
//	ts, err := timesync.New(timesync.Config{
//		Peers:     []string{"10.0.0.2:8930", "10.0.0.3:8930"},
//		Transport: node,
//	})
//	defer ts.Close()
//	now := ts.Now() // milliseconds since the epoch
package timesync
