package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

// StatsSource exposes per-peer monitoring, typically the connection pool.
type StatsSource interface {
	Addresses() []string
	Stats(address string) (provider.PeerStats, bool)
}

// CheckFunc actively probes one component.
type CheckFunc func(ctx context.Context) error

// Monitor aggregates health status from peer statistics and active checks.
type Monitor struct {
	mu sync.Mutex

	stats  StatsSource
	checks map[string]CheckFunc

	cacheFor   time.Duration
	lastCheck  time.Time
	lastReport HealthReport
}

// NewMonitor creates a monitor. stats may be nil.
func NewMonitor(stats StatsSource) *Monitor {
	return &Monitor{
		stats:    stats,
		checks:   make(map[string]CheckFunc),
		cacheFor: 10 * time.Second,
	}
}

// AddCheck registers an active check under name.
func (m *Monitor) AddCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
	m.lastCheck = time.Time{}
}

// SetCacheDuration sets how long a report is reused. Zero disables caching.
func (m *Monitor) SetCacheDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheFor = d
}

// CheckHealth builds a health report.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Active checks are calls; avoid issuing them on every scrape.
	if m.cacheFor > 0 && !m.lastCheck.IsZero() && time.Since(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Peers:        make(map[string]PeerHealth),
	}

	// Checks run first so the stats below include the calls they made.
	failures := make(map[string]error, len(m.checks))
	for name, check := range m.checks {
		failures[name] = check(ctx)
	}

	if m.stats != nil {
		for _, addr := range m.stats.Addresses() {
			stats, ok := m.stats.Stats(addr)
			if !ok {
				continue
			}
			report.Peers[addr] = fromStats(addr, stats)
		}
	}

	for name, err := range failures {
		peer, ok := report.Peers[name]
		if !ok {
			peer = PeerHealth{Address: name, Status: StatusHealthy}
		}
		if err != nil {
			peer.Status = StatusCritical
			peer.Error = err.Error()
		}
		report.Peers[name] = peer
	}

	for _, peer := range report.Peers {
		report.SystemStatus = worst(report.SystemStatus, peer.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func fromStats(addr string, stats provider.PeerStats) PeerHealth {
	h := PeerHealth{
		Address:          addr,
		Status:           StatusHealthy,
		PeerStatus:       stats.Status.String(),
		Pending:          stats.Pending,
		Requests:         stats.Requests,
		ErrorRate:        stats.ErrorRate,
		AverageLatencyMs: stats.AverageLatency.Milliseconds(),
	}

	switch stats.Status {
	case provider.StatusUnreachable:
		h.Status = StatusCritical
	case provider.StatusDegraded:
		h.Status = StatusDegraded
	}
	return h
}
