package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every topic the bridge publishes or subscribes to.
const TopicPrefix = "itag"

// bridgeSegment is the reserved id used for bridge-level topics. It cannot
// collide with a device id, which always contains colons.
const bridgeSegment = "bridge"

// Topics provides builders for itag2mqttd MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Button("AA:BB:CC:DD:EE:FF")
//	// Returns: "itag/AA:BB:CC:DD:EE:FF/button"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// Button returns the non-retained button press topic.
//
// Example: itag/AA:BB:CC:DD:EE:FF/button
func (Topics) Button(deviceID string) string {
	return fmt.Sprintf("%s/%s/button", TopicPrefix, deviceID)
}

// Battery returns the retained battery level topic.
//
// Example: itag/AA:BB:CC:DD:EE:FF/battery
func (Topics) Battery(deviceID string) string {
	return fmt.Sprintf("%s/%s/battery", TopicPrefix, deviceID)
}

// Status returns the retained online/offline topic.
//
// Example: itag/AA:BB:CC:DD:EE:FF/status
func (Topics) Status(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, deviceID)
}

// Connectivity returns the retained JSON connectivity diagnostics topic.
//
// Example: itag/AA:BB:CC:DD:EE:FF/connectivity
func (Topics) Connectivity(deviceID string) string {
	return fmt.Sprintf("%s/%s/connectivity", TopicPrefix, deviceID)
}

// AlertCommand returns the topic a device's alert level is set on.
//
// Example: itag/AA:BB:CC:DD:EE:FF/alert/set
func (Topics) AlertCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/alert/set", TopicPrefix, deviceID)
}

// AllAlertCommands returns the wildcard subscription for every device's alert topic.
func (Topics) AllAlertCommands() string {
	return TopicPrefix + "/+/alert/set"
}

// =============================================================================
// Bridge Topics
// =============================================================================

// BridgeStatus returns the retained bridge presence topic (also the LWT topic).
//
// Example: itag/bridge/status
func (Topics) BridgeStatus() string {
	return TopicPrefix + "/" + bridgeSegment + "/status"
}

// BridgeHealth returns the retained bridge health topic.
//
// Example: itag/bridge/health
func (Topics) BridgeHealth() string {
	return TopicPrefix + "/" + bridgeSegment + "/health"
}

// =============================================================================
// Parsing
// =============================================================================

// DeviceFromAlertCommand extracts the device id from an alert command topic.
// It returns false when the topic does not have the itag/<id>/alert/set shape.
func DeviceFromAlertCommand(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[2] != "alert" || parts[3] != "set" {
		return "", false
	}
	if parts[1] == "" || parts[1] == bridgeSegment {
		return "", false
	}
	return parts[1], true
}
