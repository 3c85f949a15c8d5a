// Package bluetooth defines the transport capability the connection manager
// depends on: adapters, links to devices and characteristic notifications.
//
// Implementations live in sub-packages (bluez for Linux). The manager only
// sees the interfaces here, which keeps it testable with in-memory fakes.
package bluetooth
