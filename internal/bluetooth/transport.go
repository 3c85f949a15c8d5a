package bluetooth

import (
	"context"
	"time"
)

// Adapter describes one radio adapter.
type Adapter struct {
	// ID is the transport's stable handle for the adapter (for BlueZ, the
	// D-Bus object path, e.g. /org/bluez/hci0).
	ID string `json:"id"`

	// Name is the short kernel name, e.g. hci0.
	Name string `json:"name"`

	// Address is the adapter's own hardware address, if known.
	Address string `json:"address,omitempty"`
}

// Label returns a human-readable adapter description.
func (a Adapter) Label() string {
	if a.Address == "" {
		return a.Name
	}
	return a.Name + " (" + a.Address + ")"
}

// AdapterEventKind distinguishes adapter hot-plug events.
type AdapterEventKind int

const (
	AdapterAppeared AdapterEventKind = iota
	AdapterRemoved
)

// String returns the event kind name.
func (k AdapterEventKind) String() string {
	switch k {
	case AdapterAppeared:
		return "appeared"
	case AdapterRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// AdapterEvent reports an adapter appearing or disappearing at runtime.
type AdapterEvent struct {
	Kind    AdapterEventKind
	Adapter Adapter
}

// Notification is one characteristic value pushed by a connected device.
type Notification struct {
	Characteristic CharacteristicID
	Value          []byte
	At             time.Time
}

// Transport is the low-level wireless driver the connection manager runs on.
type Transport interface {
	// Adapters enumerates the adapters present right now.
	Adapters(ctx context.Context) ([]Adapter, error)

	// WatchAdapters reports adapter hot-plug events until ctx is cancelled,
	// at which point the channel is closed.
	WatchAdapters(ctx context.Context) (<-chan AdapterEvent, error)

	// Connect establishes a link to the device through the given adapter.
	// It honours ctx cancellation and deadline.
	Connect(ctx context.Context, adapter Adapter, addr Address) (Link, error)
}

// Link is an established connection to one device.
type Link interface {
	// Subscribe enables notifications for a characteristic. Values are
	// delivered on Notifications.
	Subscribe(ctx context.Context, id CharacteristicID) error

	// Notifications delivers values for subscribed characteristics. It is
	// closed after Disconnect or link loss.
	Notifications() <-chan Notification

	// Read reads a characteristic value.
	Read(ctx context.Context, id CharacteristicID) ([]byte, error)

	// Write writes a characteristic value without waiting for a response
	// when the characteristic allows it.
	Write(ctx context.Context, id CharacteristicID, value []byte) error

	// Lost is closed when the transport reports the link dropped.
	Lost() <-chan struct{}

	// Err reports why the link ended once Lost is closed: ErrAdapterRemoved
	// when its adapter went away, ErrLinkClosed otherwise. It is nil while
	// the link is up.
	Err() error

	// Disconnect tears the link down. It is idempotent and best-effort.
	Disconnect()
}

// SignalReporter is implemented by transports that can tell how well an
// adapter currently hears a device. Higher is better; ok is false when the
// device has not been seen by that adapter.
type SignalReporter interface {
	SignalStrength(ctx context.Context, adapter Adapter, addr Address) (rssi int16, ok bool)
}
