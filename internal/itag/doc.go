// Package itag is the iTag connection lifecycle manager.
//
// One Machine per configured device walks the connection states
//
//	Idle → AwaitingAdapter → Connecting → DiscoveringServices → Connected
//	                ↑                                               │
//	                └──── (backoff) ──── Disconnected ←─────────────┘
//
// claiming radio adapters from a shared AdapterPool, subscribing to the
// button characteristic, and reporting every transition and notification to
// the EventBridge. The EventBridge stamps per-device sequence numbers and
// hands events to the Publisher, which maps them to MQTT:
//
//	itag/<id>/button        pressed | RFC 3339 time   not retained
//	itag/<id>/battery       0..100                    retained
//	itag/<id>/status        online | offline          retained
//	itag/<id>/connectivity  JSON transition           retained
//
// Secondary observers (history, telemetry, metrics, the live event stream)
// get copies through bounded queues and can never stall a device.
//
// Bridge wires all of it together:
//
//	bridge, err := itag.NewBridge(itag.BridgeOptions{
//	    Devices:   specs,
//	    Transport: transport,
//	    MQTT:      mqttClient,
//	})
//	err = bridge.Run(ctx) // blocks until ctx is cancelled
package itag
