package server

import (
	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

// Reply is a delivered answer. OK false is an application-level failure
// that still reaches the caller as a response.
type Reply struct {
	OK      bool
	Headers map[string]string
	Arg2    []byte
	Arg3    []byte
}

// OK builds a successful reply.
func OK(arg2, arg3 []byte) *Reply {
	return &Reply{OK: true, Arg2: arg2, Arg3: arg3}
}

// NotOK builds an application failure reply.
func NotOK(arg2, arg3 []byte) *Reply {
	return &Reply{OK: false, Arg2: arg2, Arg3: arg3}
}

// WithHeader sets a reply header.
func (r *Reply) WithHeader(key, value string) *Reply {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

// Error builds an error frame of kind for a handler to return.
func Error(kind domain.ErrorKind, format string, args ...any) error {
	return provider.NewTransportError(kind, format, args...)
}
