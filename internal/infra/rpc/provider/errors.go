package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/courier/internal/core/domain"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain tags structured error payloads produced by courier peers.
const ErrorDomain = "courier"

// TransportError is a failed attempt reported by the transport layer.
type TransportError struct {
	Kind    domain.ErrorKind
	Message string
	Peer    string
	Cause   error
}

// NewTransportError creates a transport error of the given kind.
func NewTransportError(kind domain.ErrorKind, format string, args ...any) *TransportError {
	return &TransportError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("courier.%s: %s", e.Kind, e.Message)
	if e.Peer != "" {
		msg += " (peer " + e.Peer + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// kindCodes maps error kinds to the status code peers answer with.
var kindCodes = map[domain.ErrorKind]codes.Code{
	domain.ErrorKindDeclined:        codes.FailedPrecondition,
	domain.ErrorKindBusy:            codes.ResourceExhausted,
	domain.ErrorKindTimeout:         codes.DeadlineExceeded,
	domain.ErrorKindConnectionError: codes.Unavailable,
	domain.ErrorKindUnexpected:      codes.Internal,
}

// ToStatus converts a handler error into a gRPC status carrying the error
// kind as an ErrorInfo detail. Errors without a kind become unexpected.
func ToStatus(err error) *status.Status {
	kind := domain.ErrorKindUnexpected
	msg := err.Error()

	var te *TransportError
	if errors.As(err, &te) {
		kind = te.Kind
		msg = te.Message
	}

	code, ok := kindCodes[kind]
	if !ok {
		code = codes.Internal
	}

	st := status.New(code, msg)
	withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(kind),
		Domain: ErrorDomain,
	})
	if derr != nil {
		return st
	}
	return withInfo
}

// FromStatus converts an error returned by a gRPC call into a
// *TransportError for peer.
func FromStatus(err error, peer string) *TransportError {
	st, ok := status.FromError(err)
	if !ok {
		kind := domain.ErrorKindUnexpected
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.ErrorKindTimeout
		}
		return &TransportError{Kind: kind, Message: "call failed", Peer: peer, Cause: err}
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.Domain == ErrorDomain {
			return &TransportError{
				Kind:    domain.ParseErrorKind(info.Reason),
				Message: st.Message(),
				Peer:    peer,
			}
		}
	}

	kind := domain.ErrorKindUnexpected
	switch st.Code() {
	case codes.DeadlineExceeded:
		kind = domain.ErrorKindTimeout
	case codes.Unavailable:
		kind = domain.ErrorKindConnectionError
	case codes.ResourceExhausted:
		kind = domain.ErrorKindBusy
	}

	return &TransportError{Kind: kind, Message: st.Message(), Peer: peer}
}
