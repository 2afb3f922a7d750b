package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
	"github.com/vietddude/courier/internal/infra/rpc/routing"
)

type scriptedConn struct {
	address string
	err     error
	res     *provider.Response
}

func (c *scriptedConn) Address() string { return c.address }

func (c *scriptedConn) Send(context.Context, *provider.Request) (*provider.Response, error) {
	return c.res, c.err
}

func TestObserverRecordsCall(t *testing.T) {
	peers := []provider.Peer{
		{Address: "a:1", Conn: &scriptedConn{address: "a:1", err: provider.NewTransportError(domain.ErrorKindBusy, "busy")}},
		{Address: "b:1", Conn: &scriptedConn{address: "b:1", res: provider.NewResponse(false, nil, nil, nil)}},
	}
	rc := routing.NewRequestContext(routing.Request{
		Service:   "metrics-test",
		Operation: "observe",
		Timeout:   time.Second,
	}, peers)

	d := routing.NewDispatcher(nil, routing.FirstSelector{})
	d.AddObserver(NewObserver())
	if _, err := d.Dispatch(context.Background(), rc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if v := testutil.ToFloat64(AttemptsTotal.WithLabelValues("metrics-test", "observe", "busy")); v != 1 {
		t.Errorf("busy attempts = %v", v)
	}
	if v := testutil.ToFloat64(AttemptsTotal.WithLabelValues("metrics-test", "observe", "ok")); v != 1 {
		t.Errorf("ok attempts = %v", v)
	}
	if v := testutil.ToFloat64(RetriesTotal.WithLabelValues("metrics-test", "observe", "busy")); v != 1 {
		t.Errorf("busy retries = %v", v)
	}
	if v := testutil.ToFloat64(CallsTotal.WithLabelValues("metrics-test", "observe", "not_ok")); v != 1 {
		t.Errorf("not ok calls = %v", v)
	}
}

func TestObserverRecordsFailure(t *testing.T) {
	peers := []provider.Peer{
		{Address: "a:1", Conn: &scriptedConn{address: "a:1", err: provider.NewTransportError(domain.ErrorKindTimeout, "slow")}},
	}
	rc := routing.NewRequestContext(routing.Request{Service: "metrics-test", Operation: "fail"}, peers)

	d := routing.NewDispatcher(nil, routing.FirstSelector{})
	d.AddObserver(NewObserver())
	_, _ = d.Dispatch(context.Background(), rc)

	if v := testutil.ToFloat64(CallsTotal.WithLabelValues("metrics-test", "fail", "timeout")); v != 1 {
		t.Errorf("timeout calls = %v", v)
	}
	if rc.Outcome() != "timeout" {
		t.Errorf("Outcome = %s", rc.Outcome())
	}
}
