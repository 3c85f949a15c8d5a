package itag

import "time"

// EventKind names the event variants. The names double as websocket channels.
type EventKind string

// Event kinds.
const (
	KindButton       EventKind = "button"
	KindBattery      EventKind = "battery"
	KindConnectivity EventKind = "connectivity"
)

// Event is a domain event produced by a device.
//
// Implementations are ButtonPressed, BatteryReported and ConnectivityChanged.
// Events are immutable values.
type Event interface {
	Header() EventHeader
	Kind() EventKind
}

// EventHeader is carried by every event.
//
// Seq increases by one per event per device. It is diagnostic only: nothing
// suppresses events by sequence, so hardware duplicates are forwarded.
type EventHeader struct {
	DeviceID string    `json:"device_id"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"timestamp"`
}

// Header returns the event header.
func (h EventHeader) Header() EventHeader { return h }

// ButtonPressed reports one press of the tag's button.
type ButtonPressed struct {
	EventHeader
}

// Kind implements Event.
func (ButtonPressed) Kind() EventKind { return KindButton }

// BatteryReported reports the tag's battery level.
type BatteryReported struct {
	EventHeader
	Percent int `json:"percent"`
}

// Kind implements Event.
func (BatteryReported) Kind() EventKind { return KindBattery }

// ConnectivityChanged records one state machine transition.
type ConnectivityChanged struct {
	EventHeader
	From    State  `json:"from"`
	To      State  `json:"to"`
	Reason  Reason `json:"reason"`
	Adapter string `json:"adapter,omitempty"`

	// Failures is the consecutive-failure counter after the transition.
	Failures int `json:"failures"`
}

// Kind implements Event.
func (ConnectivityChanged) Kind() EventKind { return KindConnectivity }

// EventSink consumes events.
type EventSink interface {
	HandleEvent(e Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(e Event)

// HandleEvent calls f(e).
func (f EventSinkFunc) HandleEvent(e Event) { f(e) }
