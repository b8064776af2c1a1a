package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect means the bridge could not be reached or refused the
	// channel handshake.
	ErrConnect = errors.New("cannot connect to bridge")

	// ErrDisconnected means the channel is not connected, or dropped while
	// calls were in flight. The client never reconnects on its own; the
	// caller decides when to dial again.
	ErrDisconnected = errors.New("bridge channel disconnected")

	// ErrCallTimeout means the bridge took too long to answer one call. The
	// call is forgotten; a late answer is dropped.
	ErrCallTimeout = errors.New("timed out waiting for bridge response")

	// ErrRelayAuth means the payload relay rejected the channel's secret.
	ErrRelayAuth = errors.New("relay rejected the payload secret")

	// ErrRelayNotFound means a relayed payload was already fetched or
	// expired before the fetch.
	ErrRelayNotFound = errors.New("relay payload not found or expired")
)

// Error codes carried in failure frames. The client folds them into OpError.
const (
	codeBadRequest      = "badRequest"
	codeUnknownOp       = "unknownOp"
	codeInvalidArgument = "invalidArgument"
	codeRESTFailed      = "restFailed"
	codePlatform        = "platform"
	codeStreamOpen      = "streamOpen"
	codeTokenExchange   = "tokenExchange"
	codeInternal        = "internal"
)

// OpError is a failure the bridge reported for one call. Code is a short
// machine-readable tag ("invalidArgument", "platform", "restFailed",
// "streamOpen", "tokenExchange", "badRequest", "unknownOp"); Message is the
// human-readable cause.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("bridge call failed (%s): %s", e.Code, e.Message)
}
