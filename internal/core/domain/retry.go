package domain

// RetryFlags are the caller's retry toggles for one logical call.
type RetryFlags struct {
	// Never disables transport retries regardless of error kind.
	Never bool `yaml:"never"`
	// OnConnectionError allows retrying when a peer could not be reached.
	OnConnectionError bool `yaml:"on_connection_error"`
	// OnTimeout allows retrying when an attempt timed out.
	OnTimeout bool `yaml:"on_timeout"`
}

// Retryable reports whether a transport error of kind k may be retried on
// another peer. Declined, busy and unexpected errors are retryable by default;
// timeouts and connection errors only when enabled. Application errors are
// owned by the application predicate and never retried here.
func (f RetryFlags) Retryable(k ErrorKind) bool {
	if f.Never {
		return false
	}

	switch k {
	case ErrorKindDeclined, ErrorKindBusy, ErrorKindUnexpected:
		return true
	case ErrorKindTimeout:
		return f.OnTimeout
	case ErrorKindConnectionError:
		return f.OnConnectionError
	default:
		return false
	}
}
