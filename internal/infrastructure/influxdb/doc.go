// Package influxdb writes iTag telemetry to InfluxDB v2.
//
// Three measurements are recorded when telemetry is enabled:
//   - itag_battery: battery percentage per device
//   - itag_connectivity: every connection state transition with its reason
//   - itag_button: one point per button press
//
// Writes are non-blocking and batched (batch_size, flush_interval); a slow or
// unreachable InfluxDB never delays a device. Asynchronous write failures are
// delivered to the SetOnError callback.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	defer client.Close()
//
//	client.WriteBattery("AA:BB:CC:DD:EE:FF", "keys", 87, time.Now())
package influxdb
