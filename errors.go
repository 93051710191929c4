// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rmux

import (
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
)

// ErrorCode is the code carried in an ERROR frame.
type ErrorCode uint32

const (
	// ErrorCodeInvalidSetup means the SETUP frame could not be parsed.
	ErrorCodeInvalidSetup = ErrorCode(0x0001)
	// ErrorCodeRejectedSetup means the Acceptor refused the connection.
	ErrorCodeRejectedSetup = ErrorCode(0x0003)
	// ErrorCodeConnectionError is a connection-wide failure.
	ErrorCodeConnectionError = ErrorCode(0x0101)
	// ErrorCodeApplicationError means the handler failed.
	ErrorCodeApplicationError = ErrorCode(0x0201)
	// ErrorCodeRejected means the request was not authorized.
	ErrorCodeRejected = ErrorCode(0x0202)
	// ErrorCodeCanceled means the responder abandoned the request.
	ErrorCodeCanceled = ErrorCode(0x0203)
	// ErrorCodeInvalid means the request named an unknown route or
	// used the wrong interaction model.
	ErrorCodeInvalid = ErrorCode(0x0204)
)

var errorCodeTexts = map[ErrorCode]string{
	ErrorCodeInvalidSetup:     "INVALID_SETUP",
	ErrorCodeRejectedSetup:    "REJECTED_SETUP",
	ErrorCodeConnectionError:  "CONNECTION_ERROR",
	ErrorCodeApplicationError: "APPLICATION_ERROR",
	ErrorCodeRejected:         "REJECTED",
	ErrorCodeCanceled:         "CANCELED",
	ErrorCodeInvalid:          "INVALID",
}

func (code ErrorCode) String() string {
	if s, ok := errorCodeTexts[code]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint32(code))
}

// RouteNotFoundError is returned when a route name is not in the Registry.
type RouteNotFoundError struct {
	Route string
}

func (e RouteNotFoundError) Error() string { return fmt.Sprintf("route not found: %q", e.Route) }

// UnauthorizedError is returned when a route requires an authenticated
// Principal and none, or an insufficient one, was supplied.
type UnauthorizedError struct {
	Route string
}

func (e UnauthorizedError) Error() string { return fmt.Sprintf("unauthorized: %q", e.Route) }

// InvalidCreditRequestError is returned when credit of zero or less is requested.
type InvalidCreditRequestError struct {
	N int64
}

func (e InvalidCreditRequestError) Error() string {
	return fmt.Sprintf("invalid credit request: %d", e.N)
}

// ProtocolViolationError describes a frame that was discarded because it
// did not fit the state of the connection or the exchange it referenced.
type ProtocolViolationError struct {
	StreamID StreamID
	Type     FrameType
	Reason   string
}

func (e ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %v %v: %s", e.StreamID, e.Type, e.Reason)
}

// HandlerFailure wraps an error returned by (or a panic raised in)
// application handler code.
type HandlerFailure struct {
	Route string
	Err   error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler %q failed: %v", e.Route, e.Err)
}

// Unwrap returns the handler's error.
func (e *HandlerFailure) Unwrap() error { return e.Err }

// TransportFailure means the connection carrying an exchange was lost.
type TransportFailure struct {
	Err error
}

func (e *TransportFailure) Error() string {
	if e.Err == nil {
		return "transport failure"
	}
	return "transport failure: " + e.Err.Error()
}

// Unwrap returns the transport error.
func (e *TransportFailure) Unwrap() error { return e.Err }

// RemoteError is a failure reported by the peer in an ERROR frame.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %v: %s", e.Code, e.Message)
}

type cancelledError struct{}

func (cancelledError) Error() string { return "exchange cancelled" }

type muxerClosedError struct{}

func (muxerClosedError) Error() string { return "muxer closed" }

type drainTimeoutError struct{}

func (drainTimeoutError) Error() string   { return "drain timeout" }
func (drainTimeoutError) Timeout() bool   { return true }
func (drainTimeoutError) Temporary() bool { return true }

type streamIDsExhaustedError struct{}

func (streamIDsExhaustedError) Error() string { return "stream identifiers exhausted" }

type emptyResponseError struct{}

func (emptyResponseError) Error() string { return "empty response" }

type sendClosedError struct{}

func (sendClosedError) Error() string { return "send side closed" }

type frameTooBigError struct{}

func (frameTooBigError) Error() string { return "frame too big" }

type frameMalformedError struct{}

func (frameMalformedError) Error() string { return "frame malformed" }

var (
	// ErrCancelled is the terminal error of a cancelled exchange.
	ErrCancelled error = cancelledError{}
	// ErrMuxerClosed is returned when using a Muxer that has been closed.
	ErrMuxerClosed error = muxerClosedError{}
	// ErrDrainTimeout fails an exchange whose peer stopped responding.
	ErrDrainTimeout error = drainTimeoutError{}
	// ErrStreamIDsExhausted means the Muxer ran out of stream identifiers.
	ErrStreamIDsExhausted error = streamIDsExhaustedError{}
	// ErrEmptyResponse means a request-response completed without a value.
	ErrEmptyResponse error = emptyResponseError{}
	// ErrSendClosed is returned by Send after CloseSend.
	ErrSendClosed error = sendClosedError{}
	// ErrFrameTooBig means a payload does not fit in a single frame.
	ErrFrameTooBig error = frameTooBigError{}
	// ErrFrameMalformed means a frame payload could not be parsed.
	ErrFrameMalformed error = frameMalformedError{}
)

// IsRouteNotFound reports whether err means the route does not exist,
// either locally or as reported by the peer.
func IsRouteNotFound(err error) bool {
	var rnf RouteNotFoundError
	if errors.As(err, &rnf) {
		return true
	}
	return remoteCode(err) == ErrorCodeInvalid
}

// IsUnauthorized reports whether err means the request was not authorized,
// either locally or as reported by the peer.
func IsUnauthorized(err error) bool {
	var ua UnauthorizedError
	if errors.As(err, &ua) {
		return true
	}
	return remoteCode(err) == ErrorCodeRejected
}

// IsCancelled reports whether err is the terminal error of a cancelled exchange.
func IsCancelled(err error) bool {
	return errors.Cause(err) == ErrCancelled
}

// IsTransportFailure reports whether err was caused by losing the connection.
func IsTransportFailure(err error) bool {
	var tf *TransportFailure
	return errors.As(err, &tf)
}

func remoteCode(err error) ErrorCode {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return 0
}

func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case ErrMuxerClosed:
		return true
	case io.ErrClosedPipe:
		return true
	case io.EOF:
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
