package itag

import (
	"time"

	"github.com/gunjambi/itag2mqttd/internal/infrastructure/influxdb"
)

// TelemetryWriter writes time-series points. *influxdb.Client implements it.
type TelemetryWriter interface {
	WriteBattery(deviceID, alias string, percent int, at time.Time)
	WriteConnectivity(s influxdb.ConnectivitySample)
	WriteButtonPress(deviceID, alias string, seq uint64, at time.Time)
}

// TelemetryRecorder is an event observer that forwards events to a
// time-series database.
type TelemetryRecorder struct {
	writer TelemetryWriter
	store  *Store
}

// NewTelemetryRecorder creates a recorder writing to w.
func NewTelemetryRecorder(w TelemetryWriter, store *Store) *TelemetryRecorder {
	return &TelemetryRecorder{writer: w, store: store}
}

// HandleEvent implements EventSink.
func (t *TelemetryRecorder) HandleEvent(e Event) {
	h := e.Header()
	var alias string
	if rec, ok := t.store.Get(h.DeviceID); ok {
		alias = rec.Alias
	}

	switch ev := e.(type) {
	case ButtonPressed:
		t.writer.WriteButtonPress(h.DeviceID, alias, h.Seq, h.Time)
	case BatteryReported:
		t.writer.WriteBattery(h.DeviceID, alias, ev.Percent, h.Time)
	case ConnectivityChanged:
		t.writer.WriteConnectivity(influxdb.ConnectivitySample{
			DeviceID:  h.DeviceID,
			Alias:     alias,
			From:      ev.From.String(),
			To:        ev.To.String(),
			Reason:    string(ev.Reason),
			Adapter:   ev.Adapter,
			Failures:  ev.Failures,
			Connected: ev.To == Connected,
			At:        h.Time,
		})
	}
}
