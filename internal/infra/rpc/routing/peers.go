// Package routing implements the retry engine of a call.
//
// This package contains:
//   - Classify: maps raw attempt outcomes to error kinds
//   - Selector: peer selection strategies that never repeat a peer
//   - EvaluateApplicationRetry: runs a request's retry predicate
//   - Dispatcher: the per-call retry state machine
//   - PeerList: the known peers of every service
package routing

import (
	"sort"
	"sync"

	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

// PeerList keeps the peers registered for every service.
type PeerList struct {
	mu       sync.RWMutex
	services map[string][]provider.Peer
}

// NewPeerList creates an empty peer list.
func NewPeerList() *PeerList {
	return &PeerList{services: make(map[string][]provider.Peer)}
}

// Add registers addresses for service. Known addresses are ignored.
func (l *PeerList) Add(service string, addresses ...string) {
	for _, addr := range addresses {
		l.AddPeer(service, provider.Peer{Address: addr})
	}
}

// AddPeer registers a peer for service. A peer with a known address
// replaces the existing entry.
func (l *PeerList) AddPeer(service string, peer provider.Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	peers := l.services[service]
	for i, p := range peers {
		if p.Address == peer.Address {
			if peer.Conn != nil {
				peers[i] = peer
			}
			return
		}
	}
	l.services[service] = append(peers, peer)
}

// Remove drops address from service and reports whether it was known.
func (l *PeerList) Remove(service, address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	peers := l.services[service]
	for i, p := range peers {
		if p.Address == address {
			l.services[service] = append(peers[:i:i], peers[i+1:]...)
			if len(l.services[service]) == 0 {
				delete(l.services, service)
			}
			return true
		}
	}
	return false
}

// Peers returns the peers of service in registration order.
func (l *PeerList) Peers(service string) []provider.Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()

	peers := l.services[service]
	result := make([]provider.Peer, len(peers))
	copy(result, peers)
	return result
}

// Services returns every service with at least one peer, sorted.
func (l *PeerList) Services() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.services))
	for name := range l.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
