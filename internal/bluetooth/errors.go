package bluetooth

import "errors"

// Sentinel errors returned by transport implementations.
var (
	// ErrInvalidAddress indicates a malformed hardware address.
	ErrInvalidAddress = errors.New("bluetooth: invalid hardware address")

	// ErrAdapterNotFound indicates the adapter no longer exists.
	ErrAdapterNotFound = errors.New("bluetooth: adapter not found")

	// ErrDeviceNotFound indicates the device could not be located on the adapter.
	ErrDeviceNotFound = errors.New("bluetooth: device not found")

	// ErrCharacteristicNotFound indicates the device does not expose the
	// requested GATT characteristic.
	ErrCharacteristicNotFound = errors.New("bluetooth: characteristic not found")

	// ErrLinkClosed indicates the link was disconnected or lost.
	ErrLinkClosed = errors.New("bluetooth: link closed")

	// ErrAdapterRemoved indicates the link was lost because its adapter
	// disappeared.
	ErrAdapterRemoved = errors.New("bluetooth: adapter removed")
)
