// Package health provides peer health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// PeerHealth contains health metrics for one peer.
type PeerHealth struct {
	Address          string       `json:"address"`
	Status           SystemStatus `json:"status"`
	PeerStatus       string       `json:"peer_status,omitempty"`
	Pending          int          `json:"pending"`
	Requests         int          `json:"requests"`
	ErrorRate        float64      `json:"error_rate"`
	AverageLatencyMs int64        `json:"average_latency_ms"`
	Error            string       `json:"error,omitempty"`
}

// HealthReport contains the full health report.
type HealthReport struct {
	SystemStatus SystemStatus          `json:"system_status"`
	Peers        map[string]PeerHealth `json:"peers"`
}

// worst returns the more severe of a and b.
func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
