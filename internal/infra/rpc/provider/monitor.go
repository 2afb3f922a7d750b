package provider

import (
	"sync"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
)

// PeerStatus represents the health state of a peer.
type PeerStatus int

const (
	StatusHealthy     PeerStatus = iota // Peer is answering normally
	StatusDegraded                      // Peer is slow or failing often
	StatusUnreachable                   // Peer recently refused connections
)

func (s PeerStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// PeerStats holds monitoring statistics for a peer.
type PeerStats struct {
	Status         PeerStatus
	AverageLatency time.Duration
	Pending        int
	Requests       int
	Failures       int
	ErrorRate      float64
	Errors         map[domain.ErrorKind]int
	LastSuccessAt  time.Time
	LastFailureAt  time.Time
}

// PeerMonitor tracks latency, in-flight calls and failures of one peer.
type PeerMonitor struct {
	mu sync.RWMutex

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int

	pending  int
	requests int
	failures int
	errors   map[domain.ErrorKind]int

	lastSuccessAt   time.Time
	lastFailureAt   time.Time
	lastConnErrorAt time.Time

	// Thresholds
	slowResponseThreshold time.Duration
	degradedThreshold     float64
	unreachableCooldown   time.Duration
}

// NewPeerMonitor creates a new monitor with default settings.
func NewPeerMonitor() *PeerMonitor {
	return &PeerMonitor{
		recentLatencies:       make([]time.Duration, 0, 100),
		maxLatencyWindow:      100,
		errors:                make(map[domain.ErrorKind]int),
		slowResponseThreshold: time.Second,
		degradedThreshold:     0.3, // 30% error rate
		unreachableCooldown:   5 * time.Second,
	}
}

// Begin marks a call as in flight and returns its start time.
func (pm *PeerMonitor) Begin() time.Time {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pending++
	return time.Now()
}

// Done records the outcome of a call started with Begin. An empty kind is a
// delivered response.
func (pm *PeerMonitor) Done(start time.Time, kind domain.ErrorKind) {
	latency := time.Since(start)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.pending > 0 {
		pm.pending--
	}
	pm.requests++

	now := time.Now()
	if kind == "" {
		pm.lastSuccessAt = now
		pm.recentLatencies = append(pm.recentLatencies, latency)
		if len(pm.recentLatencies) > pm.maxLatencyWindow {
			pm.recentLatencies = pm.recentLatencies[1:]
		}
		return
	}

	pm.failures++
	pm.errors[kind]++
	pm.lastFailureAt = now
	if kind == domain.ErrorKindConnectionError {
		pm.lastConnErrorAt = now
	}
}

// RecordConnectFailure records a failed attempt to establish a connection.
func (pm *PeerMonitor) RecordConnectFailure() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := time.Now()
	pm.requests++
	pm.failures++
	pm.errors[domain.ErrorKindConnectionError]++
	pm.lastFailureAt = now
	pm.lastConnErrorAt = now
}

// CheckStatus returns the current status of the peer.
func (pm *PeerMonitor) CheckStatus() PeerStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.status()
}

func (pm *PeerMonitor) status() PeerStatus {
	if !pm.lastConnErrorAt.IsZero() &&
		pm.lastConnErrorAt.After(pm.lastSuccessAt) &&
		time.Since(pm.lastConnErrorAt) < pm.unreachableCooldown {
		return StatusUnreachable
	}

	if pm.requests >= 10 && float64(pm.failures)/float64(pm.requests) > pm.degradedThreshold {
		return StatusDegraded
	}

	// Check average latency
	if len(pm.recentLatencies) > 10 && pm.averageLatency() > pm.slowResponseThreshold {
		return StatusDegraded
	}

	return StatusHealthy
}

// GetAverageLatency returns the average latency of recent responses.
func (pm *PeerMonitor) GetAverageLatency() time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.averageLatency()
}

func (pm *PeerMonitor) averageLatency() time.Duration {
	if len(pm.recentLatencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, lat := range pm.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(pm.recentLatencies))
}

// GetStats returns current monitoring statistics.
func (pm *PeerMonitor) GetStats() PeerStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := PeerStats{
		Status:         pm.status(),
		AverageLatency: pm.averageLatency(),
		Pending:        pm.pending,
		Requests:       pm.requests,
		Failures:       pm.failures,
		Errors:         make(map[domain.ErrorKind]int, len(pm.errors)),
		LastSuccessAt:  pm.lastSuccessAt,
		LastFailureAt:  pm.lastFailureAt,
	}
	for k, v := range pm.errors {
		stats.Errors[k] = v
	}
	if pm.requests > 0 {
		stats.ErrorRate = float64(pm.failures) / float64(pm.requests)
	}
	return stats
}
