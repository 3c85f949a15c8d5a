// Package logging provides structured logging for itag2mqttd.
//
// It wraps log/slog so every record carries the service name and version,
// and so components can be tagged with a "component" attribute.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("device connected", "device", "AA:BB:CC:DD:EE:FF", "adapter", "hci0")
//
// Never log broker passwords, InfluxDB tokens or the API JWT secret.
package logging
