// Package errdefs holds the error taxonomy shared by the agent packages.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a listener id that is no longer in the registry.
	ErrNotFound = errors.New("listener is no longer running")
	// ErrInvalidAddress reports a forward target that failed to parse.
	ErrInvalidAddress = errors.New("invalid forward address")
	// ErrUnsupportedProtocol reports an unknown protocol string at dispatch.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrMissingDependentOption reports a paired option supplied without its partner.
	ErrMissingDependentOption = errors.New("missing dependent option")
	// ErrInvalidOption reports an option of the wrong type or one that does not apply to the endpoint kind.
	ErrInvalidOption = errors.New("invalid option")
	// ErrNotJoinable is returned by Join on a listener that has no background forward.
	ErrNotJoinable = errors.New("listener is not joinable")
	// ErrCanceled marks I/O canceled because the session is reconnecting or shutting down.
	// It never reaches callers of the forwarding engine.
	ErrCanceled = errors.New("reconnect canceled")
)

// RemoteError wraps a failure reported by the session transport.
type RemoteError struct {
	Op   string // listen, close, connect, forward
	Code string
	Msg  string
	Err  error
}

func (e *RemoteError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Remote wraps err as a RemoteError for op. A nil err returns nil and an
// existing RemoteError is returned unchanged.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteError{Op: op, Err: err}
}

// Missing builds an ErrMissingDependentOption for option, which requires partner.
func Missing(option, partner string) error {
	return fmt.Errorf("%w: %s must be set if %s is set", ErrMissingDependentOption, partner, option)
}

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
