// Package fault classifies failures of the remote-service channels.
//
// Every capability call either returns its typed result or an *Error whose Kind tells the
// caller whether the bridge is already recovering in the background (Timeout, Unreachable,
// ChannelClosed) or whether the request itself was at fault (RemoteFault with a 4xx status,
// InvalidRequest).
package fault

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindTimeout means the call exceeded its deadline.
	KindTimeout
	// KindUnreachable means the connection was refused or there was no route.
	KindUnreachable
	// KindRemoteFault means a reachable server answered with a non-2xx status.
	KindRemoteFault
	// KindMalformedResponse means the body could not be decoded.
	KindMalformedResponse
	// KindChannelClosed means the push channel dropped.
	KindChannelClosed
	// KindInvalidRequest means the payload was rejected before it left the process.
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindRemoteFault:
		return "remote_fault"
	case KindMalformedResponse:
		return "malformed_response"
	case KindChannelClosed:
		return "channel_closed"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// Error is the fault returned by channel operations.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == KindRemoteFault && e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the fault is a 5xx remote fault.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindRemoteFault && e.Status >= 500
}

// Network reports whether the fault came from the network rather than the server.
func (e *Error) Network() bool {
	return e != nil && (e.Kind == KindTimeout || e.Kind == KindUnreachable)
}

func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

func Unreachable(op string, err error) *Error {
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

func Remote(op string, status int, err error) *Error {
	return &Error{Kind: KindRemoteFault, Op: op, Status: status, Err: err}
}

func Malformed(op string, err error) *Error {
	return &Error{Kind: KindMalformedResponse, Op: op, Err: err}
}

func ChannelClosed(op string, err error) *Error {
	return &Error{Kind: KindChannelClosed, Op: op, Err: err}
}

func Invalid(op string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries a fault of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the HTTP status of a remote fault, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// FromTransport maps a transport-level error (dial, read, deadline) onto Timeout or
// Unreachable. Errors that are already faults are returned unchanged.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout(op, err)
	}
	return Unreachable(op, err)
}
