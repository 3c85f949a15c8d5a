package itag

import "errors"

// Domain errors for the connection manager. Check with errors.Is.
var (
	// ErrAlreadyClaimed is returned by Claim when another device won the adapter.
	ErrAlreadyClaimed = errors.New("itag: adapter already claimed")

	// ErrAdapterNotFound is returned by Claim for unknown or removed adapters.
	ErrAdapterNotFound = errors.New("itag: adapter not found")

	// ErrTransportTimeout indicates connect or discovery exceeded its bound.
	ErrTransportTimeout = errors.New("itag: transport timeout")

	// ErrLinkLost indicates an unexpected disconnect.
	ErrLinkLost = errors.New("itag: link lost")

	// ErrAdapterRemoved indicates the claimed adapter disappeared.
	ErrAdapterRemoved = errors.New("itag: adapter removed")

	// ErrSubscriptionFailed indicates the button characteristic could not be subscribed.
	ErrSubscriptionFailed = errors.New("itag: subscription failed")

	// ErrPublishFailed indicates an outbound message was dropped.
	ErrPublishFailed = errors.New("itag: publish failed")

	// ErrMalformedPayload indicates a notification value could not be decoded.
	ErrMalformedPayload = errors.New("itag: malformed payload")

	// ErrUnknownDevice indicates a device id that is not configured.
	ErrUnknownDevice = errors.New("itag: unknown device")

	// ErrDuplicateDevice indicates the same device was configured twice.
	ErrDuplicateDevice = errors.New("itag: duplicate device")

	// ErrNotConnected indicates a command for a device that is not Connected.
	ErrNotConnected = errors.New("itag: device not connected")
)
