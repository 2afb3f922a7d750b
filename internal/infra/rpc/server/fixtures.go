package server

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/courier/internal/core/domain"
)

// Echo answers with "served by <name>" and the upper-cased arg3.
func Echo(name string) Handler {
	return func(_ context.Context, call *Call) (*Reply, error) {
		return OK([]byte("served by "+name), bytes.ToUpper(call.Arg3)), nil
	}
}

// Decline always declines.
func Decline(_ context.Context, _ *Call) (*Reply, error) {
	return nil, Error(domain.ErrorKindDeclined, "magic 8-ball says no")
}

// Busy always reports being busy.
func Busy(_ context.Context, _ *Call) (*Reply, error) {
	return nil, Error(domain.ErrorKindBusy, "can't talk")
}

// Unexpected always fails with an unexpected error.
func Unexpected(_ context.Context, _ *Call) (*Reply, error) {
	return nil, Error(domain.ErrorKindUnexpected, "wat")
}

// TimeoutError always reports a timeout.
func TimeoutError(_ context.Context, _ *Call) (*Reply, error) {
	return nil, Error(domain.ErrorKindTimeout, "no luck")
}

// NotOKReply always replies not ok with arg2 and arg3.
func NotOKReply(arg2, arg3 string) Handler {
	return func(context.Context, *Call) (*Reply, error) {
		return NotOK([]byte(arg2), []byte(arg3)), nil
	}
}

// Delay runs next after d, or fails with a timeout when the call is
// cancelled first.
func Delay(d time.Duration, next Handler) Handler {
	return func(ctx context.Context, call *Call) (*Reply, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return next(ctx, call)
		case <-ctx.Done():
			return nil, Error(domain.ErrorKindTimeout, "cancelled after %s", d)
		}
	}
}

// Series answers every call with the next handler in its list, cycling.
type Series struct {
	mu       sync.Mutex
	handlers []Handler
	calls    int
}

// NewSeries creates a cycling fixture.
func NewSeries(handlers ...Handler) *Series {
	return &Series{handlers: handlers}
}

// Handle is the Handler of the series.
func (s *Series) Handle(ctx context.Context, call *Call) (*Reply, error) {
	s.mu.Lock()
	if len(s.handlers) == 0 {
		s.mu.Unlock()
		return nil, Error(domain.ErrorKindUnexpected, "empty series")
	}
	h := s.handlers[s.calls%len(s.handlers)]
	s.calls++
	s.mu.Unlock()
	return h(ctx, call)
}

// Calls returns how many calls the series answered.
func (s *Series) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Behaviors lists the names accepted by Behavior.
var Behaviors = []string{"ok", "declined", "busy", "unexpected", "timeout", "notok"}

// Behavior returns the canned handler named behavior for a peer called name.
// The empty behavior is "ok".
func Behavior(behavior, name string) (Handler, error) {
	switch behavior {
	case "ok", "":
		return Echo(name), nil
	case "declined":
		return Decline, nil
	case "busy":
		return Busy, nil
	case "unexpected":
		return Unexpected, nil
	case "timeout":
		return TimeoutError, nil
	case "notok":
		return NotOKReply("no", "served by "+name), nil
	default:
		return nil, fmt.Errorf("unknown behavior %q (want one of %v)", behavior, Behaviors)
	}
}
