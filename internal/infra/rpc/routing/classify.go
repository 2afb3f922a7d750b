package routing

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/vietddude/courier/internal/core/domain"
	"github.com/vietddude/courier/internal/infra/rpc/provider"
)

// classifier recognises one family of raw transport errors.
type classifier struct {
	kind  domain.ErrorKind
	match func(err error) bool
}

// defaultClassifiers apply to errors that carry no kind of their own.
// Timeouts are checked first since a dial can fail by timing out.
var defaultClassifiers = []classifier{
	{domain.ErrorKindTimeout, isDeadline},
	{domain.ErrorKindTimeout, isNetTimeout},
	{domain.ErrorKindConnectionError, isDial},
	{domain.ErrorKindConnectionError, isConnectionReset},
	{domain.ErrorKindConnectionError, isEOF},
}

// Classify maps the raw outcome of an attempt to an error kind. ok is true
// when a response was delivered; the response then belongs to the
// application retry evaluator and kind is empty.
func Classify(res *provider.Response, err error) (kind domain.ErrorKind, ok bool) {
	if err != nil {
		return KindOf(err), false
	}
	if res == nil {
		return domain.ErrorKindUnexpected, false
	}
	return "", true
}

// KindOf returns the error kind of err, or the empty kind for nil.
func KindOf(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}

	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return domain.ErrorKindApplicationError
	}

	var te *provider.TransportError
	if errors.As(err, &te) && te.Kind.Valid() {
		return te.Kind
	}

	for _, c := range defaultClassifiers {
		if c.match(err) {
			return c.kind
		}
	}
	return domain.ErrorKindUnexpected
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDial(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH)
}

func isConnectionReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
