package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrArgFinished is returned when writing to an argument that is complete.
var ErrArgFinished = errors.New("argument already finished")

// Response is a call result that crossed the transport successfully. OK is
// the application flag: a not-ok response is still a delivered response.
type Response struct {
	OK      bool
	Headers map[string]string
	Arg2    *Arg
	Arg3    *Arg

	// Streamed means Arg2 and Arg3 may still be filling in.
	Streamed bool
}

// NewResponse creates a fully materialized response.
func NewResponse(ok bool, headers map[string]string, arg2, arg3 []byte) *Response {
	return &Response{
		OK:      ok,
		Headers: headers,
		Arg2:    ReadyArg(arg2),
		Arg3:    ReadyArg(arg3),
	}
}

// Materialize waits until every segment of arg2 and arg3 has arrived.
func (r *Response) Materialize(ctx context.Context) error {
	if _, err := r.Arg2.Bytes(ctx); err != nil {
		return fmt.Errorf("arg2: %w", err)
	}
	if _, err := r.Arg3.Bytes(ctx); err != nil {
		return fmt.Errorf("arg3: %w", err)
	}
	return nil
}

// Arg is a response payload segment that may be delivered incrementally.
// A nil *Arg behaves as an empty, complete payload.
type Arg struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	err  error
	done chan struct{}
}

// ReadyArg returns a complete argument holding b.
func ReadyArg(b []byte) *Arg {
	a := NewStreamArg()
	a.buf.Write(b)
	a.Finish(nil)
	return a
}

// NewStreamArg returns an empty argument that fills in through Write and
// completes with Finish.
func NewStreamArg() *Arg {
	return &Arg{done: make(chan struct{})}
}

// Write appends a segment.
func (a *Arg) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.done:
		return 0, ErrArgFinished
	default:
	}
	return a.buf.Write(p)
}

// Finish completes the argument. A non-nil err marks the stream as failed.
// Only the first call has an effect.
func (a *Arg) Finish(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.done:
		return
	default:
	}
	a.err = err
	close(a.done)
}

// Ready reports whether the argument is complete.
func (a *Arg) Ready() bool {
	if a == nil {
		return true
	}
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Bytes waits for the argument to complete and returns its content.
func (a *Arg) Bytes(ctx context.Context) ([]byte, error) {
	if a == nil {
		return nil, nil
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.buf.Bytes(), nil
}

// Value returns the content of a complete argument, or nil while segments
// are still arriving.
func (a *Arg) Value() []byte {
	if a == nil || !a.Ready() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil
	}
	return a.buf.Bytes()
}

// String returns the complete content as a string.
func (a *Arg) String() string {
	return string(a.Value())
}
