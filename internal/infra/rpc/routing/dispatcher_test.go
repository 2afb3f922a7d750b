package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

// fakeConn answers every call with its handler.
type fakeConn struct {
	address string
	handler func(ctx context.Context, req *provider.Request) (*provider.Response, error)

	mu    sync.Mutex
	calls int
}

func (c *fakeConn) Address() string { return c.address }

func (c *fakeConn) Send(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.handler(ctx, req)
}

func (c *fakeConn) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func failWith(kind domain.ErrorKind) func(context.Context, *provider.Request) (*provider.Response, error) {
	return func(context.Context, *provider.Request) (*provider.Response, error) {
		return nil, provider.NewTransportError(kind, "scripted %s", kind)
	}
}

func replyWith(ok bool, arg2, arg3 string) func(context.Context, *provider.Request) (*provider.Response, error) {
	return func(context.Context, *provider.Request) (*provider.Response, error) {
		return provider.NewResponse(ok, nil, []byte(arg2), []byte(arg3)), nil
	}
}

func hang(ctx context.Context, _ *provider.Request) (*provider.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func peersOf(conns ...*fakeConn) []provider.Peer {
	peers := make([]provider.Peer, len(conns))
	for i, c := range conns {
		peers[i] = provider.Peer{Address: c.address, Conn: c}
	}
	return peers
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(nil, FirstSelector{})
}

// series answers with a different handler on every call, cycling.
type series struct {
	mu       sync.Mutex
	next     int
	handlers []func(context.Context, *provider.Request) (*provider.Response, error)
}

func (s *series) handle(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	h := s.handlers[s.next%len(s.handlers)]
	s.next++
	s.mu.Unlock()
	return h(ctx, req)
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	for _, kind := range []domain.ErrorKind{domain.ErrorKindDeclined, domain.ErrorKindBusy, domain.ErrorKindUnexpected} {
		t.Run(kind.String(), func(t *testing.T) {
			conns := []*fakeConn{
				{address: "a:1", handler: failWith(kind)},
				{address: "b:1", handler: failWith(domain.ErrorKindBusy)},
				{address: "c:1", handler: replyWith(true, "", "served by c")},
			}
			rc := NewRequestContext(Request{Service: "svc", Operation: "echo"}, peersOf(conns...))

			res, err := newTestDispatcher().Dispatch(context.Background(), rc)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if res.Arg3.String() != "served by c" {
				t.Errorf("unexpected response %q", res.Arg3.String())
			}

			attempts := rc.Attempts()
			if len(attempts) != 3 {
				t.Fatalf("expected 3 attempts, got %d", len(attempts))
			}
			seen := map[string]bool{}
			for i, att := range attempts {
				if seen[att.Peer] {
					t.Errorf("peer %s attempted twice", att.Peer)
				}
				seen[att.Peer] = true
				if wantRetried := i < 2; att.Retried != wantRetried {
					t.Errorf("attempt %d retried = %v", i, att.Retried)
				}
			}
			if attempts[0].Kind != kind || !attempts[2].OK() {
				t.Errorf("unexpected attempt kinds: %+v", attempts)
			}
			if !rc.Settled() || rc.Response() != res {
				t.Error("context should be settled with the response")
			}
		})
	}
}

func TestDispatchDefaultFlagsDoNotRetry(t *testing.T) {
	for _, kind := range []domain.ErrorKind{domain.ErrorKindTimeout, domain.ErrorKindConnectionError} {
		t.Run(kind.String(), func(t *testing.T) {
			second := &fakeConn{address: "b:1", handler: replyWith(true, "", "ok")}
			conns := []*fakeConn{{address: "a:1", handler: failWith(kind)}, second}
			rc := NewRequestContext(Request{Service: "svc", Operation: "echo"}, peersOf(conns...))

			_, err := newTestDispatcher().Dispatch(context.Background(), rc)
			if got := KindOf(err); got != kind {
				t.Errorf("terminal kind = %s, want %s", got, kind)
			}
			if n := len(rc.Attempts()); n != 1 {
				t.Errorf("expected 1 attempt, got %d", n)
			}
			if second.Calls() != 0 {
				t.Error("second peer must not be called")
			}
		})
	}
}

func TestDispatchAttemptTimeout(t *testing.T) {
	conns := []*fakeConn{
		{address: "a:1", handler: hang},
		{address: "b:1", handler: replyWith(true, "", "late but fine")},
	}

	t.Run("default", func(t *testing.T) {
		rc := NewRequestContext(Request{Service: "svc", Operation: "echo", Timeout: 20 * time.Millisecond}, peersOf(conns...))
		_, err := newTestDispatcher().Dispatch(context.Background(), rc)
		if KindOf(err) != domain.ErrorKindTimeout {
			t.Fatalf("expected timeout, got %v", err)
		}
		if n := len(rc.Attempts()); n != 1 {
			t.Errorf("expected 1 attempt, got %d", n)
		}
	})

	t.Run("retry on timeout", func(t *testing.T) {
		rc := NewRequestContext(Request{
			Service:    "svc",
			Operation:  "echo",
			Timeout:    20 * time.Millisecond,
			RetryFlags: domain.RetryFlags{OnTimeout: true},
		}, peersOf(conns...))

		res, err := newTestDispatcher().Dispatch(context.Background(), rc)
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if res.Arg3.String() != "late but fine" {
			t.Errorf("unexpected response %q", res.Arg3.String())
		}
		attempts := rc.Attempts()
		if len(attempts) != 2 || attempts[0].Kind != domain.ErrorKindTimeout {
			t.Errorf("unexpected attempts: %+v", attempts)
		}
	})
}

func TestDispatchRetryOnConnectionError(t *testing.T) {
	conns := []*fakeConn{
		{address: "a:1", handler: failWith(domain.ErrorKindConnectionError)},
		{address: "b:1", handler: replyWith(true, "", "ok")},
	}
	rc := NewRequestContext(Request{
		Service:    "svc",
		Operation:  "echo",
		RetryFlags: domain.RetryFlags{OnConnectionError: true},
	}, peersOf(conns...))

	if _, err := newTestDispatcher().Dispatch(context.Background(), rc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n := len(rc.Attempts()); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestDispatchNeverRetries(t *testing.T) {
	for _, kind := range domain.ErrorKinds {
		if kind == domain.ErrorKindApplicationError {
			continue
		}
		t.Run(kind.String(), func(t *testing.T) {
			conns := []*fakeConn{
				{address: "a:1", handler: failWith(kind)},
				{address: "b:1", handler: replyWith(true, "", "ok")},
			}
			rc := NewRequestContext(Request{
				Service:    "svc",
				Operation:  "echo",
				RetryFlags: domain.RetryFlags{Never: true, OnTimeout: true, OnConnectionError: true},
			}, peersOf(conns...))

			_, err := newTestDispatcher().Dispatch(context.Background(), rc)
			if KindOf(err) != kind {
				t.Errorf("terminal kind = %s, want %s", KindOf(err), kind)
			}
			if n := len(rc.Attempts()); n != 1 {
				t.Errorf("expected 1 attempt, got %d", n)
			}
		})
	}
}

func TestDispatchApplicationRetry(t *testing.T) {
	fixture := &series{handlers: []func(context.Context, *provider.Request) (*provider.Response, error){
		replyWith(false, "meh", "lol"),
		replyWith(false, "no", "stop"),
	}}
	conns := []*fakeConn{
		{address: "a:1", handler: fixture.handle},
		{address: "b:1", handler: fixture.handle},
		{address: "c:1", handler: fixture.handle},
	}

	rc := NewRequestContext(Request{
		Service:   "svc",
		Operation: "foo",
		ShouldRetry: func(_ context.Context, _ *RequestContext, res *provider.Response) Decision {
			if !res.OK && res.Arg2.String() == "meh" {
				return Retry()
			}
			return Finish()
		},
	}, peersOf(conns...))

	res, err := newTestDispatcher().Dispatch(context.Background(), rc)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.OK || res.Arg3.String() != "stop" {
		t.Errorf("expected the second response, got ok=%v arg3=%q", res.OK, res.Arg3.String())
	}

	attempts := rc.Attempts()
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if !attempts[0].OK() || !attempts[0].Retried {
		t.Errorf("first attempt should be a retried response: %+v", attempts[0])
	}
}

func TestDispatchApplicationRetryExhausted(t *testing.T) {
	conns := []*fakeConn{
		{address: "a:1", handler: replyWith(false, "meh", "first")},
		{address: "b:1", handler: replyWith(false, "meh", "second")},
	}
	rc := NewRequestContext(Request{
		Service:   "svc",
		Operation: "foo",
		ShouldRetry: func(context.Context, *RequestContext, *provider.Response) Decision {
			return Retry()
		},
	}, peersOf(conns...))

	res, err := newTestDispatcher().Dispatch(context.Background(), rc)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Arg3.String() != "second" {
		t.Errorf("expected last response, got %q", res.Arg3.String())
	}
}

func TestDispatchApplicationError(t *testing.T) {
	conns := []*fakeConn{
		{address: "a:1", handler: replyWith(true, "", "x")},
		{address: "b:1", handler: replyWith(true, "", "y")},
	}
	rc := NewRequestContext(Request{
		Service:   "svc",
		Operation: "foo",
		ShouldRetry: func(context.Context, *RequestContext, *provider.Response) Decision {
			return Fail(errors.New("cannot decode"))
		},
	}, peersOf(conns...))

	res, err := newTestDispatcher().Dispatch(context.Background(), rc)
	if res != nil || KindOf(err) != domain.ErrorKindApplicationError {
		t.Fatalf("expected application error, got %v %v", res, err)
	}
	if n := len(rc.Attempts()); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestDispatchPeersExhausted(t *testing.T) {
	conns := []*fakeConn{
		{address: "a:1", handler: failWith(domain.ErrorKindDeclined)},
		{address: "b:1", handler: failWith(domain.ErrorKindUnexpected)},
		{address: "c:1", handler: failWith(domain.ErrorKindBusy)},
	}
	rc := NewRequestContext(Request{Service: "svc", Operation: "echo"}, peersOf(conns...))

	_, err := newTestDispatcher().Dispatch(context.Background(), rc)
	attempts := rc.Attempts()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	last := attempts[2]
	if err != last.Err || KindOf(err) != domain.ErrorKindBusy {
		t.Errorf("terminal error %v should be the last attempt's %v", err, last.Err)
	}
	if last.Retried {
		t.Error("last attempt must not be marked retried")
	}
}

func TestDispatchDuplicatePeers(t *testing.T) {
	conn := &fakeConn{address: "a:1", handler: failWith(domain.ErrorKindBusy)}
	rc := NewRequestContext(Request{Service: "svc", Operation: "echo"}, peersOf(conn, conn, conn))

	_, _ = newTestDispatcher().Dispatch(context.Background(), rc)
	if conn.Calls() != 1 {
		t.Errorf("duplicate addresses must be tried once, got %d calls", conn.Calls())
	}
}

func TestDispatchNoPeers(t *testing.T) {
	rc := NewRequestContext(Request{Service: "svc", Operation: "echo"}, nil)

	_, err := newTestDispatcher().Dispatch(context.Background(), rc)
	if !errors.Is(err, ErrNoPeers) || !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
	if len(rc.Attempts()) != 0 {
		t.Error("no attempt should be recorded")
	}
}

func TestDispatchSettledOnce(t *testing.T) {
	conn := &fakeConn{address: "a:1", handler: replyWith(true, "", "ok")}
	rc := NewRequestContext(Request{Service: "svc", Operation: "echo"}, peersOf(conn))

	d := newTestDispatcher()
	if _, err := d.Dispatch(context.Background(), rc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), rc); !errors.Is(err, ErrSettled) {
		t.Errorf("expected ErrSettled, got %v", err)
	}
	if conn.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", conn.Calls())
	}
}

func TestDispatchDeadlineStopsRetries(t *testing.T) {
	conns := []*fakeConn{
		{address: "a:1", handler: hang},
		{address: "b:1", handler: hang},
		{address: "c:1", handler: replyWith(true, "", "ok")},
	}
	rc := NewRequestContext(Request{
		Service:    "svc",
		Operation:  "echo",
		Timeout:    time.Second,
		Deadline:   30 * time.Millisecond,
		RetryFlags: domain.RetryFlags{OnTimeout: true},
	}, peersOf(conns...))

	_, err := newTestDispatcher().Dispatch(context.Background(), rc)
	if KindOf(err) != domain.ErrorKindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if n := len(rc.Attempts()); n != 1 {
		t.Errorf("expected 1 attempt before the deadline, got %d", n)
	}
	if conns[2].Calls() != 0 {
		t.Error("no attempt may start after the deadline")
	}
}

func TestDispatchTimeoutNamesLimit(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := func(context.Context, *provider.Request) (*provider.Response, error) {
		<-release
		return nil, errors.New("released")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	tests := []struct {
		name string
		ctx  context.Context
		req  Request
		want string
	}{
		{"attempt timeout", context.Background(), Request{Timeout: 20 * time.Millisecond}, "no response within 20ms"},
		{"call deadline", context.Background(), Request{Timeout: 2 * time.Second, Deadline: 30 * time.Millisecond}, "call deadline of 30ms exceeded"},
		{"caller cancelled", cancelled, Request{Timeout: 2 * time.Second}, "call cancelled"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Service, tc.req.Operation = "svc", "echo"
			rc := NewRequestContext(tc.req, peersOf(&fakeConn{address: "a:1", handler: stuck}))

			_, err := newTestDispatcher().Dispatch(tc.ctx, rc)
			if KindOf(err) != domain.ErrorKindTimeout {
				t.Fatalf("expected timeout, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDispatchConnectorFailure(t *testing.T) {
	connector := connectorFunc(func(_ context.Context, address string) (provider.Conn, error) {
		if address == "dead:1" {
			return nil, fmt.Errorf("dial tcp %s: refused", address)
		}
		return &fakeConn{address: address, handler: replyWith(true, "", "alive")}, nil
	})

	t.Run("default", func(t *testing.T) {
		rc := NewRequestContext(Request{Service: "svc", Operation: "echo"}, provider.Peers("dead:1", "live:1"))
		_, err := NewDispatcher(connector, FirstSelector{}).Dispatch(context.Background(), rc)
		if KindOf(err) != domain.ErrorKindConnectionError {
			t.Fatalf("expected connection error, got %v", err)
		}
	})

	t.Run("retry on connection error", func(t *testing.T) {
		rc := NewRequestContext(Request{
			Service:    "svc",
			Operation:  "echo",
			RetryFlags: domain.RetryFlags{OnConnectionError: true},
		}, provider.Peers("dead:1", "live:1"))

		res, err := NewDispatcher(connector, FirstSelector{}).Dispatch(context.Background(), rc)
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if res.Arg3.String() != "alive" {
			t.Errorf("unexpected response %q", res.Arg3.String())
		}
	})
}

func TestDispatchStreamedPredicate(t *testing.T) {
	conn := &fakeConn{address: "a:1", handler: func(context.Context, *provider.Request) (*provider.Response, error) {
		res := &provider.Response{OK: true, Arg2: provider.NewStreamArg(), Arg3: provider.NewStreamArg(), Streamed: true}
		go func() {
			time.Sleep(5 * time.Millisecond)
			_, _ = res.Arg2.Write([]byte("head"))
			res.Arg2.Finish(nil)
			_, _ = res.Arg3.Write([]byte("body"))
			res.Arg3.Finish(nil)
		}()
		return res, nil
	}}

	var seen string
	rc := NewRequestContext(Request{
		Service:   "svc",
		Operation: "echo",
		Stream:    true,
		ShouldRetry: func(_ context.Context, _ *RequestContext, res *provider.Response) Decision {
			seen = res.Arg2.String() + "/" + res.Arg3.String()
			return Finish()
		},
	}, peersOf(conn))

	if _, err := newTestDispatcher().Dispatch(context.Background(), rc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if seen != "head/body" {
		t.Errorf("predicate saw %q", seen)
	}
}

type recordingObserver struct {
	attempts int
	settled  int
}

func (o *recordingObserver) OnAttempt(*RequestContext, Attempt) { o.attempts++ }
func (o *recordingObserver) OnSettled(*RequestContext)          { o.settled++ }

func TestDispatchNotifiesObservers(t *testing.T) {
	conns := []*fakeConn{
		{address: "a:1", handler: failWith(domain.ErrorKindBusy)},
		{address: "b:1", handler: replyWith(true, "", "ok")},
	}
	rc := NewRequestContext(Request{Service: "svc", Operation: "echo"}, peersOf(conns...))

	obs := &recordingObserver{}
	d := newTestDispatcher()
	d.AddObserver(obs)

	if _, err := d.Dispatch(context.Background(), rc); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if obs.attempts != 2 || obs.settled != 1 {
		t.Errorf("observer saw %d attempts, %d settles", obs.attempts, obs.settled)
	}
}

type connectorFunc func(ctx context.Context, address string) (provider.Conn, error)

func (f connectorFunc) Connect(ctx context.Context, address string) (provider.Conn, error) {
	return f(ctx, address)
}
