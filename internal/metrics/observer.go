package metrics

import (
	"github.com/vietddude/courier/internal/infra/rpc/routing"
)

// Observer records dispatcher progress into the package metrics.
type Observer struct{}

// NewObserver creates a metrics observer.
func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) OnAttempt(rc *routing.RequestContext, att routing.Attempt) {
	req := rc.Request()

	AttemptsTotal.WithLabelValues(req.Service, req.Operation, att.Kind.String()).Inc()
	AttemptLatency.WithLabelValues(req.Service, req.Operation).Observe(att.Duration.Seconds())

	if att.Retried {
		RetriesTotal.WithLabelValues(req.Service, req.Operation, retryCause(att)).Inc()
	}
}

func (o *Observer) OnSettled(rc *routing.RequestContext) {
	req := rc.Request()

	CallsTotal.WithLabelValues(req.Service, req.Operation, rc.Outcome()).Inc()
	if n := len(rc.Attempts()); n > 0 {
		AttemptsPerCall.WithLabelValues(req.Service, req.Operation).Observe(float64(n))
	}
}

// retryCause labels a retried attempt. Delivered responses retried by the
// application predicate count as application retries.
func retryCause(att routing.Attempt) string {
	if att.OK() {
		return "application"
	}
	return att.Kind.String()
}
