package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

var (
	// ErrNoPeers is returned when a call has no peer to start with.
	ErrNoPeers = fmt.Errorf("no peers supplied: %w", ErrExhausted)

	// ErrSettled is returned when dispatching a call that already finished.
	ErrSettled = errors.New("request already settled")
)

// Observer is notified as calls progress. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	// OnAttempt is called once per attempt after its outcome is decided.
	OnAttempt(rc *RequestContext, att Attempt)

	// OnSettled is called once when the call reaches its terminal outcome.
	OnSettled(rc *RequestContext)
}

// Dispatcher runs the retry state machine for calls.
type Dispatcher struct {
	connector      provider.Connector
	selector       Selector
	observers      []Observer
	logger         *slog.Logger
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewDispatcher creates a dispatcher that borrows connections from
// connector and picks peers with selector. A nil selector picks randomly.
func NewDispatcher(connector provider.Connector, selector Selector) *Dispatcher {
	if selector == nil {
		selector = &RandomSelector{}
	}
	return &Dispatcher{
		connector:      connector,
		selector:       selector,
		logger:         slog.Default(),
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
	}
}

// SetLogger replaces the dispatcher's logger.
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// SetDefaultTimeout sets the per-attempt timeout for requests without one.
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.defaultTimeout = timeout
	}
}

// AddObserver registers an observer. Not safe to call while dispatching.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

type outcome struct {
	res *provider.Response
	err error
}

// Dispatch sends the call, retrying on other peers as policy allows, and
// returns the terminal response or error. The result is delivered once;
// dispatching a settled context returns ErrSettled.
func (d *Dispatcher) Dispatch(ctx context.Context, rc *RequestContext) (*provider.Response, error) {
	if rc.settled {
		return nil, ErrSettled
	}

	rc.startedAt = d.now()
	if len(rc.peers) == 0 {
		return d.finish(rc, nil, ErrNoPeers)
	}

	if rc.req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.req.Deadline)
		defer cancel()
	}

	peer, err := d.selector.Select(rc.peers, rc)
	if err != nil {
		return d.finish(rc, nil, err)
	}

	for {
		att := d.attempt(ctx, rc, peer)

		retry, res, err := d.decide(ctx, rc, att)
		if !retry {
			d.record(rc, att)
			return d.finish(rc, res, err)
		}

		if reason := d.stopReason(ctx, rc); reason != "" {
			d.record(rc, att)
			d.logger.Debug("Not retrying call", d.attrs(rc, att, "reason", reason)...)
			return d.finishLast(rc)
		}

		next, err := d.selector.Select(rc.peers, rc)
		if err != nil {
			d.record(rc, att)
			d.logger.Debug("Peers exhausted", d.attrs(rc, att)...)
			return d.finishLast(rc)
		}

		att.Retried = true
		d.record(rc, att)
		d.logger.Debug("Retrying call", d.attrs(rc, att, "next_peer", next.Address)...)
		peer = next
	}
}

// attempt runs one call against peer, waiting at most the attempt timeout.
// A call that outlives the timeout is abandoned, not awaited.
func (d *Dispatcher) attempt(ctx context.Context, rc *RequestContext, peer provider.Peer) Attempt {
	rc.markTried(peer.Address)

	timeout := rc.req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	att := Attempt{Peer: peer.Address, StartedAt: d.now()}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan outcome, 1)
	go func() {
		res, err := d.send(attemptCtx, peer, rc.transportRequest(timeout))
		results <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-results:
	case <-attemptCtx.Done():
		out.err = &provider.TransportError{
			Kind:    domain.ErrorKindTimeout,
			Message: d.timeoutMessage(ctx, rc, timeout),
			Peer:    peer.Address,
			Cause:   attemptCtx.Err(),
		}
	}
	att.Duration = d.now().Sub(att.StartedAt)

	kind, ok := Classify(out.res, out.err)
	if ok {
		att.Response = out.res
		return att
	}

	att.Kind = kind
	att.Err = out.err
	if att.Err == nil {
		att.Err = &provider.TransportError{Kind: kind, Message: "no response", Peer: peer.Address}
	}
	return att
}

// timeoutMessage names the limit that cut an attempt short.
func (d *Dispatcher) timeoutMessage(ctx context.Context, rc *RequestContext, timeout time.Duration) string {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded) && rc.req.Deadline > 0:
		return fmt.Sprintf("call deadline of %s exceeded", rc.req.Deadline)
	case errors.Is(err, context.DeadlineExceeded):
		return "caller deadline exceeded"
	case err != nil:
		return "call cancelled"
	}
	return fmt.Sprintf("no response within %s", timeout)
}

func (d *Dispatcher) send(ctx context.Context, peer provider.Peer, req *provider.Request) (*provider.Response, error) {
	conn := peer.Conn
	if conn == nil {
		if d.connector == nil {
			return nil, &provider.TransportError{
				Kind:    domain.ErrorKindConnectionError,
				Message: "no connection available",
				Peer:    peer.Address,
			}
		}

		var err error
		conn, err = d.connector.Connect(ctx, peer.Address)
		if err != nil {
			var te *provider.TransportError
			if errors.As(err, &te) {
				return nil, err
			}
			return nil, &provider.TransportError{
				Kind:    domain.ErrorKindConnectionError,
				Message: "connect failed",
				Peer:    peer.Address,
				Cause:   err,
			}
		}
	}
	return conn.Send(ctx, req)
}

// decide applies retry policy to an attempt. It returns whether to retry
// and, when not, the terminal response or error.
func (d *Dispatcher) decide(ctx context.Context, rc *RequestContext, att Attempt) (bool, *provider.Response, error) {
	if att.Err == nil {
		decision := EvaluateApplicationRetry(ctx, rc, att.Response)
		if decision.IsRetry() {
			return true, nil, nil
		}
		if err := decision.Err(); err != nil {
			return false, nil, err
		}
		return false, att.Response, nil
	}

	if rc.req.RetryFlags.Never {
		return false, nil, att.Err
	}
	return rc.req.RetryFlags.Retryable(att.Kind), nil, att.Err
}

// stopReason explains why no further attempt may be issued, or returns "".
func (d *Dispatcher) stopReason(ctx context.Context, rc *RequestContext) string {
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	if rc.req.Deadline > 0 && d.now().Sub(rc.startedAt) >= rc.req.Deadline {
		return "deadline elapsed"
	}
	return ""
}

func (d *Dispatcher) record(rc *RequestContext, att Attempt) {
	rc.attempts = append(rc.attempts, att)
	for _, o := range d.observers {
		o.OnAttempt(rc, att)
	}
}

// finishLast settles with the outcome of the last attempt.
func (d *Dispatcher) finishLast(rc *RequestContext) (*provider.Response, error) {
	last, ok := rc.LastAttempt()
	if !ok {
		return d.finish(rc, nil, ErrExhausted)
	}
	if last.Err != nil {
		return d.finish(rc, nil, last.Err)
	}
	return d.finish(rc, last.Response, nil)
}

func (d *Dispatcher) finish(rc *RequestContext, res *provider.Response, err error) (*provider.Response, error) {
	rc.settle(res, err)

	if err != nil {
		d.logger.Warn("Call failed",
			"request_id", rc.ID,
			"service", rc.req.Service,
			"operation", rc.req.Operation,
			"attempts", len(rc.attempts),
			"kind", KindOf(err),
			"error", err,
		)
	}

	for _, o := range d.observers {
		o.OnSettled(rc)
	}
	return res, err
}

func (d *Dispatcher) attrs(rc *RequestContext, att Attempt, extra ...any) []any {
	attrs := []any{
		"request_id", rc.ID,
		"service", rc.req.Service,
		"operation", rc.req.Operation,
		"peer", att.Peer,
		"kind", att.Kind.String(),
		"attempt", len(rc.attempts),
	}
	return append(attrs, extra...)
}
