package itag

import "time"

// MQTT payloads published as JSON. Scalar topics (button, battery, status)
// carry plain text and have no type here.

// ConnectivityMessage is published retained on itag/<id>/connectivity after
// every transition.
type ConnectivityMessage struct {
	DeviceID string    `json:"device_id"`
	Alias    string    `json:"alias,omitempty"`
	State    State     `json:"state"`
	Previous State     `json:"previous"`
	Reason   Reason    `json:"reason"`
	Adapter  string    `json:"adapter,omitempty"`
	Failures int       `json:"failures"`
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"timestamp"`
}

// NewConnectivityMessage builds the connectivity payload for an event.
func NewConnectivityMessage(e ConnectivityChanged, alias string) ConnectivityMessage {
	return ConnectivityMessage{
		DeviceID: e.DeviceID,
		Alias:    alias,
		State:    e.To,
		Previous: e.From,
		Reason:   e.Reason,
		Adapter:  e.Adapter,
		Failures: e.Failures,
		Seq:      e.Seq,
		Time:     e.Time,
	}
}

// HealthStatus is the overall bridge status.
type HealthStatus string

// Health statuses.
const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published retained on itag/bridge/health.
type HealthMessage struct {
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Version       string       `json:"version"`
	Timestamp     time.Time    `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	Devices   int `json:"devices"`
	Connected int `json:"connected"`

	Adapters          int `json:"adapters"`
	AdaptersAvailable int `json:"adapters_available"`

	Events EventBridgeStats `json:"events"`
}

// BridgeStats is a point-in-time view of the bridge used for health
// reporting and the status API.
type BridgeStats struct {
	Devices           int
	Connected         int
	Adapters          int
	AdaptersAvailable int
	Events            EventBridgeStats
}

// NewHealthMessage builds a health payload.
func NewHealthMessage(version string, status HealthStatus, stats BridgeStats, startTime time.Time) HealthMessage {
	now := time.Now().UTC()
	return HealthMessage{
		Status:            status,
		Version:           version,
		Timestamp:         now,
		UptimeSeconds:     int64(now.Sub(startTime).Seconds()),
		Devices:           stats.Devices,
		Connected:         stats.Connected,
		Adapters:          stats.Adapters,
		AdaptersAvailable: stats.AdaptersAvailable,
		Events:            stats.Events,
	}
}
