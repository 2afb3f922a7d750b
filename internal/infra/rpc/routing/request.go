package routing

import (
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

// DefaultTimeout is the per-attempt timeout used when a request sets none.
const DefaultTimeout = time.Second

// Request describes one logical call.
type Request struct {
	Service   string
	Operation string
	Headers   map[string]string
	Arg2      []byte
	Arg3      []byte

	// Timeout bounds every single attempt. Zero uses the dispatcher default.
	Timeout time.Duration

	// Deadline bounds the whole call across retries. Zero means none.
	Deadline time.Duration

	RetryFlags domain.RetryFlags

	// ShouldRetry inspects transport-successful responses. Optional.
	ShouldRetry Predicate

	// Stream asks peers to deliver the response incrementally.
	Stream bool
}

// Attempt is one outgoing call to a specific peer.
type Attempt struct {
	Peer string

	// Exactly one of Response and Err is set.
	Response *provider.Response
	Err      error
	Kind     domain.ErrorKind

	// Retried is true when another attempt followed this one.
	Retried bool

	StartedAt time.Time
	Duration  time.Duration
}

// OK reports whether the attempt delivered a response.
func (a Attempt) OK() bool {
	return a.Err == nil && a.Response != nil
}

// RequestContext is the retry state of one logical call. It is owned by the
// goroutine dispatching it and must not be shared while in flight.
type RequestContext struct {
	ID string

	req   Request
	peers []provider.Peer

	attempts []Attempt
	tried    map[string]struct{}

	startedAt time.Time
	settled   bool
	response  *provider.Response
	err       error
}

// NewRequestContext creates the retry state for req against peers.
// Duplicate addresses are collapsed so every address is tried at most once.
func NewRequestContext(req Request, peers []provider.Peer) *RequestContext {
	return &RequestContext{
		ID:    uuid.NewString(),
		req:   req,
		peers: untried(peers, nil),
		tried: make(map[string]struct{}, len(peers)),
	}
}

// Request returns the call description.
func (rc *RequestContext) Request() Request {
	return rc.req
}

// Peers returns the distinct peers the call may use.
func (rc *RequestContext) Peers() []provider.Peer {
	out := make([]provider.Peer, len(rc.peers))
	copy(out, rc.peers)
	return out
}

// Tried reports whether address was already attempted.
func (rc *RequestContext) Tried(address string) bool {
	_, ok := rc.tried[address]
	return ok
}

// Attempts returns the attempt history in order.
func (rc *RequestContext) Attempts() []Attempt {
	out := make([]Attempt, len(rc.attempts))
	copy(out, rc.attempts)
	return out
}

// LastAttempt returns the most recent attempt.
func (rc *RequestContext) LastAttempt() (Attempt, bool) {
	if len(rc.attempts) == 0 {
		return Attempt{}, false
	}
	return rc.attempts[len(rc.attempts)-1], true
}

// StartedAt returns when dispatching began.
func (rc *RequestContext) StartedAt() time.Time {
	return rc.startedAt
}

// Settled reports whether the call reached a terminal outcome.
func (rc *RequestContext) Settled() bool {
	return rc.settled
}

// Response returns the terminal response, if any.
func (rc *RequestContext) Response() *provider.Response {
	return rc.response
}

// Err returns the terminal error, if any.
func (rc *RequestContext) Err() error {
	return rc.err
}

// Outcome names the terminal result: "ok", "not_ok" for a not-ok response,
// the error kind of a terminal error, or "pending" before settling.
func (rc *RequestContext) Outcome() string {
	switch {
	case !rc.settled:
		return "pending"
	case rc.err != nil:
		return KindOf(rc.err).String()
	case rc.response != nil && !rc.response.OK:
		return "not_ok"
	default:
		return "ok"
	}
}

func (rc *RequestContext) markTried(address string) {
	rc.tried[address] = struct{}{}
}

func (rc *RequestContext) settle(res *provider.Response, err error) {
	rc.settled = true
	rc.response = res
	rc.err = err
}

func (rc *RequestContext) transportRequest(timeout time.Duration) *provider.Request {
	return &provider.Request{
		Service:   rc.req.Service,
		Operation: rc.req.Operation,
		Headers:   rc.req.Headers,
		Arg2:      rc.req.Arg2,
		Arg3:      rc.req.Arg3,
		Timeout:   timeout,
		Stream:    rc.req.Stream,
	}
}
