package mqtt

import "errors"

// Client errors. Use errors.Is to check for them.
var (
	// ErrNotConnected is returned while the client is waiting to reconnect.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNotAuthorized is returned when the broker rejects the credentials.
	ErrNotAuthorized = errors.New("mqtt: not authorized")

	// ErrPublishFailed is returned when the broker does not accept a message.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrTimeout is returned when an operation does not complete in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
