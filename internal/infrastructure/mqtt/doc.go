// Package mqtt provides MQTT client connectivity for itag2mqttd.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Bridge presence via a retained last will on itag/bridge/status
//   - Message publishing with configurable QoS
//   - Topic subscriptions restored across reconnects
//
// # Topics
//
//	itag/<device>/button        press events (not retained)
//	itag/<device>/battery       battery percent as text (retained)
//	itag/<device>/status        online | offline (retained)
//	itag/<device>/connectivity  JSON state diagnostics (retained)
//	itag/<device>/alert/set     0 | 1 | 2, sets the tag's alert level
//	itag/bridge/status          online | offline (retained, LWT)
//	itag/bridge/health          JSON health report (retained)
//
// Device ids are canonical hardware addresses (AA:BB:CC:DD:EE:FF).
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.Publish(mqtt.Topics{}.Button(id), []byte("pressed"), 1, false)
package mqtt
