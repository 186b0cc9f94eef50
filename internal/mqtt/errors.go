package mqtt

import "errors"

var (
	// ErrNotConnected is returned when publishing on a disconnected client
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrInvalidTopic is returned for an empty topic
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrInvalidQoS is returned for a QoS level above 2
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
)
