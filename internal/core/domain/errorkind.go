package domain

// ErrorKind classifies why an attempt did not yield a usable response.
// The empty value means no error.
type ErrorKind string

const (
	ErrorKindDeclined         ErrorKind = "declined"
	ErrorKindBusy             ErrorKind = "busy"
	ErrorKindUnexpected       ErrorKind = "unexpected"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindConnectionError  ErrorKind = "connection_error"
	ErrorKindApplicationError ErrorKind = "application_error"
)

// ErrorKinds lists every valid kind in a stable order.
var ErrorKinds = []ErrorKind{
	ErrorKindDeclined,
	ErrorKindBusy,
	ErrorKindUnexpected,
	ErrorKindTimeout,
	ErrorKindConnectionError,
	ErrorKindApplicationError,
}

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	for _, kind := range ErrorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseErrorKind maps a wire reason to a kind. Unknown reasons map to
// ErrorKindUnexpected.
func ParseErrorKind(s string) ErrorKind {
	k := ErrorKind(s)
	if k.Valid() {
		return k
	}
	return ErrorKindUnexpected
}

func (k ErrorKind) String() string {
	if k == "" {
		return "ok"
	}
	return string(k)
}
