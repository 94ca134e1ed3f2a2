// ABOUTME: Expiring set of discovered peer addresses
// ABOUTME: Peers not re-announced within the TTL drop out of the list
package discovery

import (
	"slices"
	"sync"
	"time"
)

// PeerSet tracks when each peer was last seen
type PeerSet struct {
	ttl  time.Duration
	self string
	now  func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewPeerSet creates a set that forgets peers after ttl and never lists self
func NewPeerSet(ttl time.Duration, self string) *PeerSet {
	return &PeerSet{
		ttl:  ttl,
		self: self,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// Observe records addr as alive and reports whether it was not known before
func (p *PeerSet) Observe(addr string) bool {
	if addr == "" || addr == p.self {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	_, known := p.seen[addr]
	p.seen[addr] = p.now()
	return !known
}

// List returns the live peers in sorted order, pruning expired ones
func (p *PeerSet) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	peers := make([]string, 0, len(p.seen))
	for addr, at := range p.seen {
		if p.ttl > 0 && now.Sub(at) > p.ttl {
			delete(p.seen, addr)
			continue
		}
		peers = append(peers, addr)
	}
	slices.Sort(peers)
	return peers
}
