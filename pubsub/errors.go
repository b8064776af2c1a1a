package pubsub

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is the base error for rejected Subscribe parameters. The
// specific sentinels below wrap it, so errors.Is(err, ErrInvalidArgument)
// matches any of them.
var (
	ErrInvalidArgument = errors.New("invalid argument")

	ErrTopicRequired       = fmt.Errorf("%w: topic name is required", ErrInvalidArgument)
	ErrUnknownReplayPreset = fmt.Errorf("%w: unknown replay preset", ErrInvalidArgument)
	ErrReplayIDRequired    = fmt.Errorf("%w: CUSTOM replay preset requires a replay id", ErrInvalidArgument)
	ErrSubscriptionExists  = fmt.Errorf("%w: subscription id is already registered", ErrInvalidArgument)
)

// ErrManagerClosed is returned by Subscribe after the manager has shut down.
var ErrManagerClosed = errors.New("subscription manager is closed")

// StreamError is a stream-level failure reported by the platform, or
// synthesized when the stream's connection drops. Code "connection" marks the
// synthesized kind.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error (%s): %s", e.Code, e.Message)
}
