package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementBattery      = "itag_battery"
	MeasurementConnectivity = "itag_connectivity"
	MeasurementButton       = "itag_button"
)

// ConnectivitySample is one state transition of a device.
type ConnectivitySample struct {
	DeviceID  string
	Alias     string
	From      string
	To        string
	Reason    string
	Adapter   string
	Failures  int
	Connected bool
	At        time.Time
}

// WriteBattery records a battery level report.
//
//	client.WriteBattery("AA:BB:CC:DD:EE:FF", "keys", 87, time.Now())
func (c *Client) WriteBattery(deviceID, alias string, percent int, at time.Time) {
	c.writePoint(batteryPoint(deviceID, alias, percent, at))
}

// WriteConnectivity records a connection state transition.
func (c *Client) WriteConnectivity(s ConnectivitySample) {
	c.writePoint(connectivityPoint(s))
}

// WriteButtonPress records one button press.
func (c *Client) WriteButtonPress(deviceID, alias string, seq uint64, at time.Time) {
	c.writePoint(buttonPoint(deviceID, alias, seq, at))
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	c.writePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func deviceTags(deviceID, alias string) map[string]string {
	tags := map[string]string{"device_id": deviceID}
	if alias != "" {
		tags["alias"] = alias
	}
	return tags
}

func batteryPoint(deviceID, alias string, percent int, at time.Time) *write.Point {
	return write.NewPoint(MeasurementBattery,
		deviceTags(deviceID, alias),
		map[string]any{"percent": percent},
		at,
	)
}

func connectivityPoint(s ConnectivitySample) *write.Point {
	tags := deviceTags(s.DeviceID, s.Alias)
	tags["reason"] = s.Reason
	if s.Adapter != "" {
		tags["adapter"] = s.Adapter
	}

	connected := 0
	if s.Connected {
		connected = 1
	}

	return write.NewPoint(MeasurementConnectivity,
		tags,
		map[string]any{
			"from":      s.From,
			"to":        s.To,
			"failures":  s.Failures,
			"connected": connected,
		},
		s.At,
	)
}

func buttonPoint(deviceID, alias string, seq uint64, at time.Time) *write.Point {
	return write.NewPoint(MeasurementButton,
		deviceTags(deviceID, alias),
		map[string]any{"presses": 1, "seq": seq},
		at,
	)
}
