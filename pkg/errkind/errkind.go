// Package errkind defines the error taxonomy shared by the controller and the agent.
//
// Operations wrap one of the sentinels below so callers can classify a failure with
// errors.Is or Kind without depending on the component that produced it.
package errkind

import "errors"

var (
	// ErrTransport reports a reset or closed connection.
	ErrTransport = errors.New("transport error")
	// ErrMalformedMessage reports a frame whose body could not be decoded.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrDiscoveryTimeout reports that no controller answered within the timeout.
	ErrDiscoveryTimeout = errors.New("discovery timeout")
	// ErrTransferIncomplete reports a transfer that ended before every chunk arrived.
	ErrTransferIncomplete = errors.New("transfer incomplete")
	// ErrSession reports a remote-control session that ended in the Error state.
	ErrSession = errors.New("session error")
	// ErrPreconditionFailed reports an operation attempted before its service was running.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrNotFound reports a missing file, client or session.
	ErrNotFound = errors.New("not found")
)

var all = []error{
	ErrTransport,
	ErrMalformedMessage,
	ErrDiscoveryTimeout,
	ErrTransferIncomplete,
	ErrSession,
	ErrPreconditionFailed,
	ErrNotFound,
}

// Kind returns the taxonomy sentinel wrapped by err, or nil if err is nil or unclassified.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range all {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
