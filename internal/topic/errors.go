package topic

import "errors"

var (
	// ErrInvalidFilter is returned for a malformed subscription filter.
	ErrInvalidFilter = errors.New("topic: invalid filter")

	// ErrInvalidTopic is returned for a malformed publish topic.
	ErrInvalidTopic = errors.New("topic: invalid topic")

	// ErrInvalidQoS is returned when a subscription asks for QoS above 2.
	ErrInvalidQoS = errors.New("topic: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidConsumer is returned for a consumer without ID or handler.
	ErrInvalidConsumer = errors.New("topic: consumer needs an ID and a handler")
)
