package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/partyctl/internal/protocol/schema"
)

var (
	// ErrTransport marks every transport-level failure. Application errors
	// returned by a remote method never wrap it.
	ErrTransport = errors.New("transport: failure")

	ErrClosed        = errors.New("transport: channel closed")
	ErrCallTimeout   = errors.New("transport: response timeout")
	ErrCodecMismatch = errors.New("transport: codec mismatch")
	ErrNoPeer        = errors.New("transport: no peer connection")
	ErrNoMethods     = errors.New("transport: exported object has no callable methods")
	ErrExportKey     = errors.New("transport: export key already in use")
)

// TransportError is a failure to move a call or its response across the wire.
type TransportError struct {
	Op     string
	Target string
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s.%s: %v", e.Op, e.Target, e.Method, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// IsFailure reports whether err is a transport failure rather than an
// application result.
func IsFailure(err error) bool {
	return errors.Is(err, ErrTransport)
}

// RemoteError is an error returned by the peer's exported method, or by its
// dispatcher when the call could not be routed.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error code=%d: %s", e.Code, e.Message)
}

func failure(op, target, method string, err error) error {
	return &TransportError{Op: op, Target: target, Method: method, Err: err}
}

// remoteFromServerError maps a net/rpc server error string onto RemoteError codes.
func remoteFromServerError(msg string) *RemoteError {
	switch {
	case strings.HasPrefix(msg, "rpc: can't find service"):
		return &RemoteError{Code: schema.CodeUnknownTarget, Message: msg}
	case strings.HasPrefix(msg, "rpc: can't find method"):
		return &RemoteError{Code: schema.CodeUnknownMethod, Message: msg}
	default:
		return &RemoteError{Code: schema.CodeApplication, Message: msg}
	}
}
