package microhttpd

import "github.com/pkg/errors"

var (
	// ErrInvalidOptions is returned by Start for unknown or contradictory configuration.
	ErrInvalidOptions = errors.New("microhttpd: invalid daemon options")
	// ErrResponseQueued is returned when a connection already has a queued response.
	ErrResponseQueued = errors.New("microhttpd: response already queued")
	// ErrWrongState is returned when a response is queued outside the handler callbacks.
	ErrWrongState = errors.New("microhttpd: connection is not in a state that accepts a response")
	// ErrUpgradeNotAllowed is returned when an upgrade response is queued on a daemon
	// started without AllowUpgrade, or with a status other than 101.
	ErrUpgradeNotAllowed = errors.New("microhttpd: upgrade responses are not allowed")
	// ErrInvalidStatus is returned for status codes outside 100-999.
	ErrInvalidStatus = errors.New("microhttpd: invalid status code")
	// ErrNilResponse is returned by QueueResponse for a nil response.
	ErrNilResponse = errors.New("microhttpd: nil response")

	ErrConnectionLimit = errors.New("microhttpd: connection limit reached")
	ErrIPLimit         = errors.New("microhttpd: per-IP connection limit reached")
	ErrPolicyDenied    = errors.New("microhttpd: connection denied by accept policy")
	ErrDaemonShutdown  = errors.New("microhttpd: daemon is shutting down")
	ErrNotSuspendable  = errors.New("microhttpd: daemon started without AllowSuspendResume")
	ErrAlreadyClosed   = errors.New("microhttpd: upgraded connection already closed")
	ErrNoListenSocket  = errors.New("microhttpd: daemon has no listen socket")

	// ErrWouldBlock reports a non-blocking socket operation that cannot make progress now.
	ErrWouldBlock = errors.New("microhttpd: operation would block")
)

// internal close reasons, only ever logged.
var (
	errConnReset           = errors.New("connection reset by peer")
	errClientAbort         = errors.New("client closed connection")
	errMalformedChunk      = errors.New("received malformed HTTP request (bad chunked encoding)")
	errBadContentLen       = errors.New("failed to parse Content-Length header")
	errBadRequestLine      = errors.New("failed to parse request line")
	errTLSHandshake        = errors.New("TLS handshake failed")
	errOutOfMemory         = errors.New("closing connection (out of memory)")
	errHeaderBuild         = errors.New("closing connection (failed to create response header)")
	errUpgradeFailed       = errors.New("closing connection (failed to upgrade)")
	errApplicationFail     = errors.New("application reported internal error, closing connection")
	errResponseReader      = errors.New("closing connection (application reported error generating data)")
	errStuckUpload         = errors.New("closing connection (application did not consume upload data)")
	errIdleTimeout         = errors.New("connection timed out")
	errSendfileUnsupported = errors.New("sendfile not supported for this descriptor")
)
